package syncengine_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clxdb/clxdb/pkg/crypto"
	"github.com/clxdb/clxdb/pkg/database"
	"github.com/clxdb/clxdb/pkg/manifest"
	"github.com/clxdb/clxdb/pkg/shardmgr"
	"github.com/clxdb/clxdb/pkg/storage/local"
	"github.com/clxdb/clxdb/pkg/syncengine"
)

// fakeDB is an in-memory database.Backend used to drive the sync engine in
// tests without an embedding application's real store.
type fakeDB struct {
	mu   sync.Mutex
	docs map[string]database.Document
}

func newFakeDB() *fakeDB {
	return &fakeDB{docs: map[string]database.Document{}}
}

func (f *fakeDB) Read(_ context.Context, ids []string) ([]*database.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]*database.Document, len(ids))

	for i, id := range ids {
		if d, ok := f.docs[id]; ok {
			cp := d

			out[i] = &cp
		}
	}

	return out, nil
}

func (f *fakeDB) ReadPendingIds(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var ids []string

	for id, d := range f.docs {
		if d.Seq == nil {
			ids = append(ids, id)
		}
	}

	return ids, nil
}

func (f *fakeDB) Upsert(_ context.Context, docs []database.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, d := range docs {
		f.docs[d.ID] = d
	}

	return nil
}

func (f *fakeDB) Delete(_ context.Context, ids []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, id := range ids {
		delete(f.docs, id)
	}

	return nil
}

func (f *fakeDB) Replicate(_ context.Context, _ func(database.Update)) database.Unsubscribe {
	return func() {}
}

func newTestEngine(t *testing.T) (*syncengine.Engine, *fakeDB) {
	t.Helper()

	backend, err := local.New(t.TempDir())
	require.NoError(t, err)

	mgr := manifest.NewManager(backend, crypto.NoopEnvelope{})
	_, err = mgr.Open(t.Context())
	require.NoError(t, err)

	shardMgr := shardmgr.New(backend, crypto.NoopEnvelope{}, nil)
	db := newFakeDB()

	engine := syncengine.New(syncengine.DefaultConfig(), mgr, shardMgr, db, nil)

	return engine, db
}

func TestPushWritesShardAndStampsSequence(t *testing.T) {
	engine, db := newTestEngine(t)

	require.NoError(t, db.Upsert(t.Context(), []database.Document{
		{ID: "doc-1", At: 10, Data: map[string]any{"v": "hello"}},
	}))

	require.NoError(t, engine.Push(t.Context()))

	got, err := db.Read(t.Context(), []string{"doc-1"})
	require.NoError(t, err)
	require.NotNil(t, got[0])
	require.NotNil(t, got[0].Seq)
	assert.Equal(t, int64(1), *got[0].Seq)
}

func TestPushNoopWhenNothingPending(t *testing.T) {
	engine, _ := newTestEngine(t)

	require.NoError(t, engine.Push(t.Context()))
	assert.Equal(t, int64(0), engine.LocalSequence())
}

func TestPullAppliesRemoteDocuments(t *testing.T) {
	backend, err := local.New(t.TempDir())
	require.NoError(t, err)

	mgr := manifest.NewManager(backend, crypto.NoopEnvelope{})
	_, err = mgr.Open(t.Context())
	require.NoError(t, err)

	shardMgr := shardmgr.New(backend, crypto.NoopEnvelope{}, nil)

	db1 := newFakeDB()
	writer := syncengine.New(syncengine.DefaultConfig(), mgr, shardMgr, db1, nil)

	require.NoError(t, db1.Upsert(t.Context(), []database.Document{
		{ID: "doc-a", At: 1, Data: map[string]any{"v": float64(1)}},
	}))
	require.NoError(t, writer.Push(t.Context()))

	// A second engine sharing the same manifest/shard managers (as another
	// device sharing the same remote storage would) pulls what the first
	// pushed.
	db2 := newFakeDB()
	reader := syncengine.New(syncengine.DefaultConfig(), mgr, shardMgr, db2, nil)

	require.NoError(t, reader.Pull(t.Context()))

	got, err := db2.Read(t.Context(), []string{"doc-a"})
	require.NoError(t, err)
	require.NotNil(t, got[0])
	assert.Equal(t, int64(1), *got[0].Seq)
	assert.Equal(t, float64(1), got[0].Data["v"])
	assert.Equal(t, int64(1), reader.LocalSequence())
}

func TestPullAppliesRemoteTombstoneAsUpsertNotDelete(t *testing.T) {
	backend, err := local.New(t.TempDir())
	require.NoError(t, err)

	mgr := manifest.NewManager(backend, crypto.NoopEnvelope{})
	_, err = mgr.Open(t.Context())
	require.NoError(t, err)

	shardMgr := shardmgr.New(backend, crypto.NoopEnvelope{}, nil)

	db1 := newFakeDB()
	writer := syncengine.New(syncengine.DefaultConfig(), mgr, shardMgr, db1, nil)

	require.NoError(t, db1.Upsert(t.Context(), []database.Document{
		{ID: "doc-a", At: 1, Del: true},
	}))
	require.NoError(t, writer.Push(t.Context()))

	db2 := newFakeDB()
	reader := syncengine.New(syncengine.DefaultConfig(), mgr, shardMgr, db2, nil)

	require.NoError(t, reader.Pull(t.Context()))

	got, err := db2.Read(t.Context(), []string{"doc-a"})
	require.NoError(t, err)
	require.NotNil(t, got[0], "a synced tombstone must leave a row behind, not a hard delete")
	assert.True(t, got[0].Del)
	require.NotNil(t, got[0].Seq)
	assert.Equal(t, int64(1), *got[0].Seq)
}

func TestTriggerSyncReturnsToIdleAfterCycle(t *testing.T) {
	engine, _ := newTestEngine(t)

	assert.Equal(t, syncengine.StateIdle, engine.State())

	require.NoError(t, engine.TriggerSync(t.Context()))
	assert.Equal(t, syncengine.StateIdle, engine.State())
}
