package localdb_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clxdb/clxdb/pkg/database"
	"github.com/clxdb/clxdb/pkg/localdb"
)

func seq(n int64) *int64 { return &n }

func setupStore(t *testing.T) *localdb.Store {
	t.Helper()

	store, err := localdb.Open(filepath.Join(t.TempDir(), "docs.sqlite"))
	require.NoError(t, err)

	t.Cleanup(func() { _ = store.Close() })

	return store
}

func TestUpsertThenRead(t *testing.T) {
	store := setupStore(t)
	ctx := t.Context()

	require.NoError(t, store.Upsert(ctx, []database.Document{
		{ID: "doc-1", At: 100, Data: map[string]any{"title": "hello"}},
	}))

	docs, err := store.Read(ctx, []string{"doc-1", "missing"})
	require.NoError(t, err)
	require.Len(t, docs, 2)

	assert.Equal(t, "doc-1", docs[0].ID)
	assert.Equal(t, "hello", docs[0].Data["title"])
	assert.Nil(t, docs[0].Seq)

	assert.Nil(t, docs[1])
}

func TestReadPendingIds(t *testing.T) {
	store := setupStore(t)
	ctx := t.Context()

	require.NoError(t, store.Upsert(ctx, []database.Document{
		{ID: "pending-1", At: 1},
		{ID: "synced-1", At: 2, Seq: seq(5)},
	}))

	ids, err := store.ReadPendingIds(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"pending-1"}, ids)
}

func TestDeleteRemovesDocument(t *testing.T) {
	store := setupStore(t)
	ctx := t.Context()

	require.NoError(t, store.Upsert(ctx, []database.Document{{ID: "doc-1", At: 1}}))
	require.NoError(t, store.Delete(ctx, []string{"doc-1"}))

	docs, err := store.Read(ctx, []string{"doc-1"})
	require.NoError(t, err)
	assert.Nil(t, docs[0])
}

func TestReplicateReceivesUpsertAndDelete(t *testing.T) {
	store := setupStore(t)
	ctx := t.Context()

	var updates []database.Update

	unsubscribe := store.Replicate(ctx, func(u database.Update) {
		updates = append(updates, u)
	})
	defer unsubscribe()

	require.NoError(t, store.Upsert(ctx, []database.Document{{ID: "doc-1", At: 1}}))
	require.NoError(t, store.Delete(ctx, []string{"doc-1"}))

	require.Len(t, updates, 2)
	assert.Equal(t, "doc-1", updates[0].ID)
	assert.NotNil(t, updates[0].Doc)
	assert.Equal(t, "doc-1", updates[1].ID)
	assert.Nil(t, updates[1].Doc)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	store := setupStore(t)
	ctx := t.Context()

	count := 0

	unsubscribe := store.Replicate(ctx, func(database.Update) { count++ })
	unsubscribe()

	require.NoError(t, store.Upsert(ctx, []database.Document{{ID: "doc-1", At: 1}}))

	assert.Equal(t, 0, count)
}
