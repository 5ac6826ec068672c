// Package client is the client side of the sync protocol: it owns the local
// cache, applies user intents optimistically before the server has seen
// them, and reconciles inbound broadcasts into the same cache.
package client

import (
	"context"
	"log/slog"
	"time"

	"github.com/astromechza/todosync/pkg/cache"
	"github.com/astromechza/todosync/pkg/localstore"
	"github.com/astromechza/todosync/pkg/protocol"
)

// Transport is how the manager reaches the server. A session satisfies it;
// tests substitute a recorder.
type Transport interface {
	Send(env protocol.Envelope) error
}

// RemoteError is an error envelope surfaced by the server. The optimistic
// local apply that triggered it is deliberately not rolled back; the cache
// reconverges on the next authoritative setAll.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string {
	return "server rejected mutation: " + e.Message
}

type Config struct {
	// IDMode decides whether adds carry a client-generated token or a
	// provisional id to be reconciled by the server's refresh.
	IDMode protocol.IDMode
	// Local optionally persists the cache across restarts.
	Local *localstore.Store
	// OnError receives RemoteError and decode faults; it must not block.
	OnError func(error)
}

// Manager ties the local cache to a transport. All methods are safe to call
// from the process that owns the manager; mutations are applied locally
// first and sent fire-and-forget.
type Manager struct {
	cache     *cache.Cache
	transport Transport
	cfg       Config
}

func New(cfg Config, t Transport) (*Manager, error) {
	if cfg.IDMode == "" {
		cfg.IDMode = protocol.IDModeClient
	}
	m := &Manager{cache: cache.New(), transport: t, cfg: cfg}

	if cfg.Local != nil {
		items := make([]protocol.Item, 0)
		if err := cfg.Local.Scan(context.Background(), func(item protocol.Item) bool {
			items = append(items, item)
			return true
		}); err != nil {
			return nil, err
		}
		if len(items) > 0 {
			m.cache.Apply(cache.ReplaceAll{Items: items})
		}
		// write-behind: mirror every committed snapshot back out
		m.cache.Subscribe(func(cache.Snapshot) {
			if err := cfg.Local.ReplaceAll(context.Background(), m.cache.GetAll()); err != nil {
				slog.Error("failed to persist local snapshot", "err", err)
			}
		})
	}
	return m, nil
}

func (m *Manager) GetAll() []protocol.Item {
	return m.cache.GetAll()
}

func (m *Manager) GetByID(id protocol.ItemID) (protocol.Item, bool) {
	return m.cache.GetByID(id)
}

func (m *Manager) GetCount() cache.Count {
	return m.cache.Count()
}

func (m *Manager) Subscribe(fn func(cache.Snapshot)) func() {
	return m.cache.Subscribe(fn)
}

// Add creates an item locally and sends it to the server. In client id mode
// the generated token is final; in server id mode it is provisional and the
// server's refresh replaces it.
func (m *Manager) Add(label string) error {
	if err := protocol.ValidateLabel(label); err != nil {
		return err
	}
	item := protocol.Item{
		ID:        protocol.NewClientID(),
		Label:     label,
		CreatedAt: time.Now().UTC(),
	}
	env, err := protocol.NewAdd(item)
	if err != nil {
		return err
	}
	m.cache.Apply(cache.Insert{Item: item})
	return m.send(env)
}

func (m *Manager) UpdateByID(id protocol.ItemID, changes protocol.Changes) error {
	return m.updateByIDs([]protocol.ItemID{id}, changes)
}

// MarkAllAsDone computes the not-yet-done id set and updates it in one bulk
// operation.
func (m *Manager) MarkAllAsDone() error {
	ids := m.collectIDs(func(item protocol.Item) bool { return !item.Done })
	if len(ids) == 0 {
		return nil
	}
	done := true
	return m.updateByIDs(ids, protocol.Changes{Done: &done})
}

func (m *Manager) DeleteByID(id protocol.ItemID) error {
	return m.deleteByIDs([]protocol.ItemID{id})
}

// DeleteDone removes every item currently marked done.
func (m *Manager) DeleteDone() error {
	ids := m.collectIDs(func(item protocol.Item) bool { return item.Done })
	if len(ids) == 0 {
		return nil
	}
	return m.deleteByIDs(ids)
}

// HandleEnvelope reconciles one inbound envelope from the server into the
// cache. Wire it as the session's OnMessage callback. A setAll always wins
// over any in-flight optimistic state.
func (m *Manager) HandleEnvelope(env protocol.Envelope) {
	switch env.Action {
	case protocol.ActionSetAll:
		payload, err := env.DecodeSetAll()
		if err != nil {
			m.reportError(err)
			return
		}
		m.cache.Apply(cache.ReplaceAll{Items: payload.Todos})
	case protocol.ActionAdd:
		payload, err := env.DecodeAdd()
		if err != nil {
			m.reportError(err)
			return
		}
		m.cache.Apply(cache.Insert{Item: payload.Todo})
	case protocol.ActionUpdateByIDs:
		payload, err := env.DecodeUpdateByIDs()
		if err != nil {
			m.reportError(err)
			return
		}
		m.cache.Apply(cache.UpdateFields{IDs: payload.IDs, Changes: payload.Changes})
	case protocol.ActionDeleteByIDs:
		payload, err := env.DecodeDeleteByIDs()
		if err != nil {
			m.reportError(err)
			return
		}
		m.cache.Apply(cache.Remove{IDs: payload.IDs})
	case protocol.ActionError:
		payload, err := env.DecodeErrorPayload()
		if err != nil {
			m.reportError(err)
			return
		}
		m.reportError(&RemoteError{Message: payload.Message})
	}
}

// HandleTransportError is the session's OnError callback.
func (m *Manager) HandleTransportError(err error) {
	m.reportError(err)
}

func (m *Manager) updateByIDs(ids []protocol.ItemID, changes protocol.Changes) error {
	env, err := protocol.NewUpdateByIDs(ids, changes)
	if err != nil {
		return err
	}
	m.cache.Apply(cache.UpdateFields{IDs: ids, Changes: changes})
	return m.send(env)
}

func (m *Manager) deleteByIDs(ids []protocol.ItemID) error {
	env, err := protocol.NewDeleteByIDs(ids)
	if err != nil {
		return err
	}
	m.cache.Apply(cache.Remove{IDs: ids})
	return m.send(env)
}

// send is fire and forget: a queue-full or closed transport leaves the local
// apply in place so the client keeps working offline.
func (m *Manager) send(env protocol.Envelope) error {
	if err := m.transport.Send(env); err != nil {
		slog.Warn("mutation kept local only", "action", env.Action, "err", err)
		return err
	}
	return nil
}

func (m *Manager) collectIDs(keep func(protocol.Item) bool) []protocol.ItemID {
	items := m.cache.GetAll()
	ids := make([]protocol.ItemID, 0, len(items))
	for _, item := range items {
		if keep(item) {
			ids = append(ids, item.ID)
		}
	}
	return ids
}

func (m *Manager) reportError(err error) {
	if m.cfg.OnError != nil {
		m.cfg.OnError(err)
	} else {
		slog.Error("sync error", "err", err)
	}
}
