package server

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/todosync/pkg/cache"
	"github.com/astromechza/todosync/pkg/protocol"
	"github.com/astromechza/todosync/pkg/store"
)

type fakePeer struct {
	mu       sync.Mutex
	open     bool
	received []protocol.Envelope
}

func (f *fakePeer) Send(env protocol.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, env)
	return nil
}

func (f *fakePeer) IsOpen() bool {
	return f.open
}

func (f *fakePeer) envelopes() []protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.Envelope(nil), f.received...)
}

func (f *fakePeer) actions() []protocol.Action {
	envs := f.envelopes()
	out := make([]protocol.Action, 0, len(envs))
	for _, env := range envs {
		out = append(out, env.Action)
	}
	return out
}

func newTestServer(t *testing.T, cfg Config) (*Server, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "todos.db"), protocol.IDModeClient)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return New(st, cfg), st
}

func mustAdd(t *testing.T, id, label string) protocol.Envelope {
	t.Helper()
	env, err := protocol.NewAdd(protocol.Item{ID: protocol.ID(id), Label: label})
	require.NoError(t, err)
	return env
}

func TestProcess_UnknownActionRepliesToSenderOnly(t *testing.T) {
	s, st := newTestServer(t, Config{Refresh: RefreshNone})
	origin := &fakePeer{open: true}
	other := &fakePeer{open: true}
	s.hub.Register(origin)
	s.hub.Register(other)

	s.process(context.Background(), origin, protocol.Envelope{Action: "bogus"})

	require.Len(t, origin.received, 1)
	assert.Equal(t, protocol.ActionError, origin.received[0].Action)
	assert.Empty(t, other.received)

	items, err := st.SelectAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestProcess_NoBroadcastWithoutCommit(t *testing.T) {
	s, st := newTestServer(t, Config{Refresh: RefreshNone})
	origin := &fakePeer{open: true}
	other := &fakePeer{open: true}
	s.hub.Register(origin)
	s.hub.Register(other)

	ctx := context.Background()
	s.process(ctx, origin, mustAdd(t, "t1", "first"))
	require.Equal(t, []protocol.Action{protocol.ActionAdd}, other.actions())

	// the duplicate insert fails at the store, so nobody else ever sees it
	s.process(ctx, origin, mustAdd(t, "t1", "duplicate"))

	require.Equal(t, []protocol.Action{protocol.ActionError}, origin.actions())
	assert.Equal(t, []protocol.Action{protocol.ActionAdd}, other.actions())

	items, err := st.SelectAll(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "first", items[0].Label)
}

func TestProcess_BroadcastsOriginalEnvelope(t *testing.T) {
	s, _ := newTestServer(t, Config{Refresh: RefreshNone})
	origin := &fakePeer{open: true}
	other := &fakePeer{open: true}
	s.hub.Register(origin)
	s.hub.Register(other)

	env := mustAdd(t, "t1", "first")
	s.process(context.Background(), origin, env)

	assert.Empty(t, origin.received)
	require.Len(t, other.received, 1)
	assert.Equal(t, env.Action, other.received[0].Action)
	assert.JSONEq(t, string(env.Payload), string(other.received[0].Payload))
}

func TestProcess_RefreshOrigin(t *testing.T) {
	s, _ := newTestServer(t, Config{Refresh: RefreshOrigin})
	origin := &fakePeer{open: true}
	other := &fakePeer{open: true}
	s.hub.Register(origin)
	s.hub.Register(other)

	s.process(context.Background(), origin, mustAdd(t, "t1", "first"))

	require.Equal(t, []protocol.Action{protocol.ActionSetAll}, origin.actions())
	require.Equal(t, []protocol.Action{protocol.ActionAdd}, other.actions())

	payload, err := origin.received[0].DecodeSetAll()
	require.NoError(t, err)
	require.Len(t, payload.Todos, 1)
	assert.Equal(t, "first", payload.Todos[0].Label)
}

func TestProcess_RefreshAll(t *testing.T) {
	s, _ := newTestServer(t, Config{Refresh: RefreshAll})
	origin := &fakePeer{open: true}
	other := &fakePeer{open: true}
	s.hub.Register(origin)
	s.hub.Register(other)

	s.process(context.Background(), origin, mustAdd(t, "t1", "first"))

	assert.Equal(t, []protocol.Action{protocol.ActionSetAll}, origin.actions())
	assert.Equal(t, []protocol.Action{protocol.ActionAdd, protocol.ActionSetAll}, other.actions())
}

func TestProcess_RejectsInvalidLabel(t *testing.T) {
	s, st := newTestServer(t, Config{Refresh: RefreshNone})
	origin := &fakePeer{open: true}
	s.hub.Register(origin)

	s.process(context.Background(), origin, mustAdd(t, "t1", ""))

	require.Equal(t, []protocol.Action{protocol.ActionError}, origin.actions())
	items, err := st.SelectAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestProcess_UpdateAndDelete(t *testing.T) {
	s, st := newTestServer(t, Config{Refresh: RefreshNone})
	origin := &fakePeer{open: true}
	s.hub.Register(origin)
	ctx := context.Background()

	s.process(ctx, origin, mustAdd(t, "t1", "one"))
	s.process(ctx, origin, mustAdd(t, "t2", "two"))

	done := true
	update, err := protocol.NewUpdateByIDs([]protocol.ItemID{protocol.ID("t1")}, protocol.Changes{Done: &done})
	require.NoError(t, err)
	s.process(ctx, origin, update)

	del, err := protocol.NewDeleteByIDs([]protocol.ItemID{protocol.ID("t2")})
	require.NoError(t, err)
	s.process(ctx, origin, del)

	require.Empty(t, origin.received)
	items, err := st.SelectAll(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "t1", items[0].ID.String())
	assert.True(t, items[0].Done)
}

// A connect event queued between two commits must observe the first commit in
// its snapshot: the loop orders snapshot reads with mutations, so a replica
// built from the session's envelopes always converges on the store.
func TestRun_ConnectSnapshotOrderedWithCommits(t *testing.T) {
	s, st := newTestServer(t, Config{Refresh: RefreshNone})
	writer := &fakePeer{open: true}
	newcomer := &fakePeer{open: true}
	s.hub.Register(writer)
	s.hub.Register(newcomer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	s.inbox <- inbound{origin: writer, env: mustAdd(t, "t1", "before connect")}
	s.inbox <- inbound{origin: newcomer, connect: true}
	s.inbox <- inbound{origin: writer, env: mustAdd(t, "t2", "after connect")}

	require.Eventually(t, func() bool {
		return len(newcomer.envelopes()) == 3
	}, 5*time.Second, 10*time.Millisecond)

	envs := newcomer.envelopes()
	require.Equal(t, []protocol.Action{protocol.ActionAdd, protocol.ActionSetAll, protocol.ActionAdd}, newcomer.actions())

	// the snapshot includes the commit that preceded the connect
	snapshot, err := envs[1].DecodeSetAll()
	require.NoError(t, err)
	require.Len(t, snapshot.Todos, 1)
	assert.Equal(t, "before connect", snapshot.Todos[0].Label)

	// replaying everything the session saw lands exactly on the store state
	replica := cache.New()
	for _, env := range envs {
		switch env.Action {
		case protocol.ActionAdd:
			payload, err := env.DecodeAdd()
			require.NoError(t, err)
			replica.Apply(cache.Insert{Item: payload.Todo})
		case protocol.ActionSetAll:
			payload, err := env.DecodeSetAll()
			require.NoError(t, err)
			replica.Apply(cache.ReplaceAll{Items: payload.Todos})
		}
	}
	fromStore, err := st.SelectAll(ctx)
	require.NoError(t, err)
	fromCache := replica.GetAll()
	require.Len(t, fromCache, len(fromStore))
	for i := range fromStore {
		assert.Equal(t, fromStore[i].ID, fromCache[i].ID)
		assert.Equal(t, fromStore[i].Label, fromCache[i].Label)
	}
}

// The same logical mutation sequence applied to an empty local cache and to
// the record store must land on the same state.
func TestProcess_CacheConvergesWithStore(t *testing.T) {
	s, st := newTestServer(t, Config{Refresh: RefreshNone})
	origin := &fakePeer{open: true}
	observer := &fakePeer{open: true}
	s.hub.Register(origin)
	s.hub.Register(observer)
	ctx := context.Background()

	done := true
	update, err := protocol.NewUpdateByIDs([]protocol.ItemID{protocol.ID("a"), protocol.ID("c")}, protocol.Changes{Done: &done})
	require.NoError(t, err)
	del, err := protocol.NewDeleteByIDs([]protocol.ItemID{protocol.ID("b")})
	require.NoError(t, err)

	envs := []protocol.Envelope{
		mustAdd(t, "a", "one"),
		mustAdd(t, "b", "two"),
		mustAdd(t, "c", "three"),
		update,
		del,
	}
	for _, env := range envs {
		s.process(ctx, origin, env)
	}

	// replay everything the observer saw into a fresh cache, as a client
	// replica would
	replica := cache.New()
	for _, env := range observer.received {
		switch env.Action {
		case protocol.ActionAdd:
			payload, err := env.DecodeAdd()
			require.NoError(t, err)
			replica.Apply(cache.Insert{Item: payload.Todo})
		case protocol.ActionUpdateByIDs:
			payload, err := env.DecodeUpdateByIDs()
			require.NoError(t, err)
			replica.Apply(cache.UpdateFields{IDs: payload.IDs, Changes: payload.Changes})
		case protocol.ActionDeleteByIDs:
			payload, err := env.DecodeDeleteByIDs()
			require.NoError(t, err)
			replica.Apply(cache.Remove{IDs: payload.IDs})
		}
	}

	fromStore, err := st.SelectAll(ctx)
	require.NoError(t, err)
	fromCache := replica.GetAll()
	require.Len(t, fromCache, len(fromStore))
	for i := range fromStore {
		assert.Equal(t, fromStore[i].ID, fromCache[i].ID)
		assert.Equal(t, fromStore[i].Label, fromCache[i].Label)
		assert.Equal(t, fromStore[i].Done, fromCache[i].Done)
	}
}
