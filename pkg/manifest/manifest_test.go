package manifest_test

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clxdb/clxdb/pkg/crypto"
	"github.com/clxdb/clxdb/pkg/lock/local"
	storagelocal "github.com/clxdb/clxdb/pkg/storage/local"

	"github.com/clxdb/clxdb/pkg/manifest"
	"github.com/clxdb/clxdb/pkg/storage"
)

func newTestManager(t *testing.T) (*manifest.Manager, storage.Backend) {
	t.Helper()

	backend, err := storagelocal.New(t.TempDir())
	require.NoError(t, err)

	mgr := manifest.NewManager(backend, crypto.NoopEnvelope{})

	return mgr, backend
}

func TestOpenCreatesEmptyManifest(t *testing.T) {
	mgr, _ := newTestManager(t)

	m, err := mgr.Open(t.Context())
	require.NoError(t, err)
	assert.Equal(t, int64(0), m.LastSequence)
	assert.Empty(t, m.ShardFiles)
	assert.NotEmpty(t, m.UUID)
}

func TestUpdateAddsShardAndAdvancesSequence(t *testing.T) {
	mgr, _ := newTestManager(t)

	_, err := mgr.Open(t.Context())
	require.NoError(t, err)

	add := manifest.ShardInfo{
		Filename: "shard_aaa.clx",
		Level:    0,
		Range:    manifest.ShardRange{Min: 1, Max: 10},
	}

	m, err := mgr.Update(t.Context(), func(*manifest.Manifest) (manifest.Delta, error) {
		return manifest.Delta{AddedShardInfoList: []manifest.ShardInfo{add}}, nil
	}, nil)
	require.NoError(t, err)

	require.Len(t, m.ShardFiles, 1)
	assert.Equal(t, add, m.ShardFiles[0])
	assert.Equal(t, int64(10), m.LastSequence)

	second := manifest.ShardInfo{
		Filename: "shard_bbb.clx",
		Level:    0,
		Range:    manifest.ShardRange{Min: 11, Max: 20},
	}

	m2, err := mgr.Update(t.Context(), func(*manifest.Manifest) (manifest.Delta, error) {
		return manifest.Delta{AddedShardInfoList: []manifest.ShardInfo{second}}, nil
	}, nil)
	require.NoError(t, err)

	require.Len(t, m2.ShardFiles, 2)
	assert.Equal(t, int64(20), m2.LastSequence)
	// sorted by range.min
	assert.Equal(t, "shard_aaa.clx", m2.ShardFiles[0].Filename)
	assert.Equal(t, "shard_bbb.clx", m2.ShardFiles[1].Filename)
}

func TestUpdateNoopDeltaReturnsCurrentWithoutWriting(t *testing.T) {
	mgr, backend := newTestManager(t)

	opened, err := mgr.Open(t.Context())
	require.NoError(t, err)

	before, err := backend.Stat(t.Context(), manifest.Path)
	require.NoError(t, err)

	got, err := mgr.Update(t.Context(), func(*manifest.Manifest) (manifest.Delta, error) {
		return manifest.Delta{}, nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, opened.LastSequence, got.LastSequence)

	after, err := backend.Stat(t.Context(), manifest.Path)
	require.NoError(t, err)
	assert.Equal(t, before.ETag, after.ETag)
}

func TestUpdateRetriesOnConcurrentConflictThenSucceeds(t *testing.T) {
	mgr, backend := newTestManager(t)

	_, err := mgr.Open(t.Context())
	require.NoError(t, err)

	var calls atomic.Int32

	_, err = mgr.Update(t.Context(), func(m *manifest.Manifest) (manifest.Delta, error) {
		n := calls.Add(1)

		if n == 1 {
			// Simulate a racing writer landing between Read and
			// AtomicUpdate by mutating the stored manifest directly,
			// forcing the first CAS attempt to conflict.
			raced := *m
			raced.LastSequence = 999

			data, marshalErr := json.Marshal(&raced)
			require.NoError(t, marshalErr)

			_, updateErr := backend.AtomicUpdate(context.Background(), manifest.Path, data, mustETag(t, backend))
			require.NoError(t, updateErr)
		}

		return manifest.Delta{AddedShardInfoList: []manifest.ShardInfo{{
			Filename: "shard_ccc.clx",
			Range:    manifest.ShardRange{Min: 1, Max: 5},
		}}}, nil
	}, func(ctx context.Context) error { return nil })

	require.NoError(t, err)
	assert.GreaterOrEqual(t, calls.Load(), int32(2))
}

func mustETag(t *testing.T, backend storage.Backend) string {
	t.Helper()

	info, err := backend.Stat(context.Background(), manifest.Path)
	require.NoError(t, err)

	return info.ETag
}

func TestUpdateExhaustsRetriesAndReturnsConflict(t *testing.T) {
	mgr, backend := newTestManager(t)

	_, err := mgr.Open(t.Context())
	require.NoError(t, err)

	_, err = mgr.Update(t.Context(), func(m *manifest.Manifest) (manifest.Delta, error) {
		// Every attempt, smuggle a write in underneath so the manager's
		// cached etag is always stale by the time AtomicUpdate runs.
		data, marshalErr := json.Marshal(m)
		require.NoError(t, marshalErr)

		_, updateErr := backend.AtomicUpdate(context.Background(), manifest.Path, data, mustETag(t, backend))
		require.NoError(t, updateErr)

		return manifest.Delta{AddedShardInfoList: []manifest.ShardInfo{{
			Filename: "shard_ddd.clx",
			Range:    manifest.ShardRange{Min: 1, Max: 2},
		}}}, nil
	}, nil)

	require.ErrorIs(t, err, manifest.ErrManifestUpdateConflict)
}

func TestSignatureTamperDetected(t *testing.T) {
	backend, err := storagelocal.New(t.TempDir())
	require.NoError(t, err)

	rootKey, err := crypto.NewRootKey()
	require.NoError(t, err)

	env, err := crypto.NewAEADEnvelope(crypto.ModeMaster, rootKey)
	require.NoError(t, err)

	mgr := manifest.NewManager(backend, env)

	_, err = mgr.Open(t.Context())
	require.NoError(t, err)

	_, err = mgr.Update(t.Context(), func(*manifest.Manifest) (manifest.Delta, error) {
		return manifest.Delta{Crypto: &manifest.CryptoDescriptor{}}, nil
	}, nil)
	require.NoError(t, err)

	raw, err := backend.Read(t.Context(), manifest.Path, nil)
	require.NoError(t, err)

	var tampered map[string]any

	require.NoError(t, json.Unmarshal(raw, &tampered))
	tampered["lastSequence"] = float64(12345)

	tamperedData, err := json.Marshal(tampered)
	require.NoError(t, err)

	info, err := backend.Stat(t.Context(), manifest.Path)
	require.NoError(t, err)

	res, err := backend.AtomicUpdate(t.Context(), manifest.Path, tamperedData, info.ETag)
	require.NoError(t, err)
	require.True(t, res.Success)

	otherMgr := manifest.NewManager(backend, env)
	_, err = otherMgr.Read(t.Context())
	assert.ErrorIs(t, err, crypto.ErrSignatureMismatch)
}

func TestUpdateWithContentionLockSkipsWriteWhileHeld(t *testing.T) {
	backend, err := storagelocal.New(t.TempDir())
	require.NoError(t, err)

	l := local.NewLocker()

	mgr := manifest.NewManager(backend, crypto.NoopEnvelope{}, manifest.WithContentionLock(l))

	_, err = mgr.Open(t.Context())
	require.NoError(t, err)

	held, err := l.TryLock(t.Context(), "manifest-update", time.Second)
	require.NoError(t, err)
	require.True(t, held)

	var calls atomic.Int32

	type updateResult struct {
		m   *manifest.Manifest
		err error
	}

	done := make(chan updateResult, 1)

	go func() {
		m, updateErr := mgr.Update(t.Context(), func(*manifest.Manifest) (manifest.Delta, error) {
			calls.Add(1)

			return manifest.Delta{AddedShardInfoList: []manifest.ShardInfo{{
				Filename: "shard_eee.clx",
				Range:    manifest.ShardRange{Min: 1, Max: 1},
			}}}, nil
		}, nil)

		done <- updateResult{m, updateErr}
	}()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(0), calls.Load(), "deltaFn must not run while the contention lock is held elsewhere")

	require.NoError(t, l.Unlock(t.Context(), "manifest-update"))

	res := <-done
	require.NoError(t, res.err)
	assert.GreaterOrEqual(t, calls.Load(), int32(1))
}
