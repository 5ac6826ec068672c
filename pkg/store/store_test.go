package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/todosync/pkg/protocol"
)

func openTest(t *testing.T, mode protocol.IDMode) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "todos.db"), mode)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertOne_ServerAssignsMonotonicIDs(t *testing.T) {
	s := openTest(t, protocol.IDModeServer)
	ctx := context.Background()

	first, err := s.InsertOne(ctx, protocol.Item{Label: "one"})
	require.NoError(t, err)
	second, err := s.InsertOne(ctx, protocol.Item{Label: "two"})
	require.NoError(t, err)

	a, ok := first.ID.Int64()
	require.True(t, ok)
	b, ok := second.ID.Int64()
	require.True(t, ok)
	assert.Less(t, a, b)
	assert.False(t, first.CreatedAt.IsZero())
}

func TestInsertOne_ClientModeRequiresID(t *testing.T) {
	s := openTest(t, protocol.IDModeClient)
	_, err := s.InsertOne(context.Background(), protocol.Item{Label: "no id"})
	var storeErr *protocol.StoreError
	require.ErrorAs(t, err, &storeErr)
}

func TestInsertOne_DuplicateIDFails(t *testing.T) {
	s := openTest(t, protocol.IDModeClient)
	ctx := context.Background()

	item := protocol.Item{ID: protocol.ID("t1"), Label: "one"}
	_, err := s.InsertOne(ctx, item)
	require.NoError(t, err)

	_, err = s.InsertOne(ctx, item)
	var storeErr *protocol.StoreError
	require.ErrorAs(t, err, &storeErr)
	assert.Equal(t, "insert", storeErr.Op)

	// the failed insert changed nothing
	items, err := s.SelectAll(ctx)
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestSelectAll_CreationOrder(t *testing.T) {
	s := openTest(t, protocol.IDModeClient)
	ctx := context.Background()

	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"c", "a", "b"} {
		_, err := s.InsertOne(ctx, protocol.Item{
			ID: protocol.ID(id), Label: id, CreatedAt: base.Add(time.Duration(i) * time.Minute),
		})
		require.NoError(t, err)
	}

	items, err := s.SelectAll(ctx)
	require.NoError(t, err)
	require.Len(t, items, 3)
	assert.Equal(t, "c", items[0].ID.String())
	assert.Equal(t, "a", items[1].ID.String())
	assert.Equal(t, "b", items[2].ID.String())
}

func TestUpdateByIDs_SetBasedAndIdempotent(t *testing.T) {
	s := openTest(t, protocol.IDModeClient)
	ctx := context.Background()

	for _, id := range []string{"t1", "t2", "t3"} {
		_, err := s.InsertOne(ctx, protocol.Item{ID: protocol.ID(id), Label: id})
		require.NoError(t, err)
	}

	done := true
	ids := []protocol.ItemID{protocol.ID("t1"), protocol.ID("t3")}
	require.NoError(t, s.UpdateByIDs(ctx, ids, protocol.Changes{Done: &done}))
	// a retransmitted bulk update lands on the same state
	require.NoError(t, s.UpdateByIDs(ctx, ids, protocol.Changes{Done: &done}))

	items, err := s.SelectAll(ctx)
	require.NoError(t, err)
	byID := map[string]protocol.Item{}
	for _, item := range items {
		byID[item.ID.String()] = item
	}
	assert.True(t, byID["t1"].Done)
	assert.False(t, byID["t2"].Done)
	assert.True(t, byID["t3"].Done)
}

func TestUpdateByIDs_EmptyInputsAreNoOps(t *testing.T) {
	s := openTest(t, protocol.IDModeClient)
	ctx := context.Background()
	done := true
	assert.NoError(t, s.UpdateByIDs(ctx, nil, protocol.Changes{Done: &done}))
	assert.NoError(t, s.UpdateByIDs(ctx, []protocol.ItemID{protocol.ID("t1")}, protocol.Changes{}))
}

func TestDeleteByIDs_SetBasedAndIdempotent(t *testing.T) {
	s := openTest(t, protocol.IDModeClient)
	ctx := context.Background()

	for _, id := range []string{"t1", "t2"} {
		_, err := s.InsertOne(ctx, protocol.Item{ID: protocol.ID(id), Label: id})
		require.NoError(t, err)
	}

	ids := []protocol.ItemID{protocol.ID("t1")}
	require.NoError(t, s.DeleteByIDs(ctx, ids))
	require.NoError(t, s.DeleteByIDs(ctx, ids))

	items, err := s.SelectAll(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "t2", items[0].ID.String())
}

func TestUpdateByIDs_ServerMode(t *testing.T) {
	s := openTest(t, protocol.IDModeServer)
	ctx := context.Background()

	inserted, err := s.InsertOne(ctx, protocol.Item{Label: "one"})
	require.NoError(t, err)

	done := true
	require.NoError(t, s.UpdateByIDs(ctx, []protocol.ItemID{inserted.ID}, protocol.Changes{Done: &done}))

	items, err := s.SelectAll(ctx)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.True(t, items[0].Done)
	assert.Equal(t, inserted.ID, items[0].ID)
}
