package orphan_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clxdb/clxdb/pkg/crypto"
	"github.com/clxdb/clxdb/pkg/manifest"
	"github.com/clxdb/clxdb/pkg/orphan"
	"github.com/clxdb/clxdb/pkg/shard"
	"github.com/clxdb/clxdb/pkg/shardmgr"
	"github.com/clxdb/clxdb/pkg/storage/local"
)

func seq(n int64) *int64 { return &n }

func TestOrphanDeletesUnreferencedShardPastGracePeriod(t *testing.T) {
	backend, err := local.New(t.TempDir())
	require.NoError(t, err)

	mgr := manifest.NewManager(backend, crypto.NoopEnvelope{})
	_, err = mgr.Open(t.Context())
	require.NoError(t, err)

	shardMgr := shardmgr.New(backend, crypto.NoopEnvelope{}, nil)

	kept, _, _, err := shardMgr.WriteShard(t.Context(), []shard.Document{
		{ID: "a", At: 1, Seq: seq(1)},
	})
	require.NoError(t, err)

	_, err = mgr.Update(t.Context(), func(*manifest.Manifest) (manifest.Delta, error) {
		return manifest.Delta{AddedShardInfoList: []manifest.ShardInfo{kept}}, nil
	}, nil)
	require.NoError(t, err)

	// An orphan: written to storage, but never committed into the manifest.
	orphaned, _, _, err := shardMgr.WriteShard(t.Context(), []shard.Document{
		{ID: "b", At: 2, Seq: seq(2)},
	})
	require.NoError(t, err)

	future := func() time.Time { return time.Now().Add(48 * time.Hour) }

	collector := orphan.New(orphan.Config{GracePeriod: 24 * time.Hour}, backend, mgr, future)
	require.NoError(t, collector.Run(t.Context()))

	keptInfo, err := backend.Stat(t.Context(), shardmgr.ShardsDir+"/"+kept.Filename)
	require.NoError(t, err)
	assert.NotNil(t, keptInfo)

	orphanedInfo, err := backend.Stat(t.Context(), shardmgr.ShardsDir+"/"+orphaned.Filename)
	require.NoError(t, err)
	assert.Nil(t, orphanedInfo)
}

func TestOrphanKeepsUnreferencedShardWithinGracePeriod(t *testing.T) {
	backend, err := local.New(t.TempDir())
	require.NoError(t, err)

	mgr := manifest.NewManager(backend, crypto.NoopEnvelope{})
	_, err = mgr.Open(t.Context())
	require.NoError(t, err)

	shardMgr := shardmgr.New(backend, crypto.NoopEnvelope{}, nil)

	orphaned, _, _, err := shardMgr.WriteShard(t.Context(), []shard.Document{
		{ID: "a", At: 1, Seq: seq(1)},
	})
	require.NoError(t, err)

	collector := orphan.New(orphan.Config{GracePeriod: 24 * time.Hour}, backend, mgr, nil)
	require.NoError(t, collector.Run(t.Context()))

	info, err := backend.Stat(t.Context(), shardmgr.ShardsDir+"/"+orphaned.Filename)
	require.NoError(t, err)
	assert.NotNil(t, info)
}
