// Package vacuum rewrites shards at the top tier level whose tombstones
// and superseded documents have accumulated enough dead weight to be worth
// reclaiming, sampled at random so the cost is spread evenly over time.
package vacuum

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/clxdb/clxdb/pkg/database"
	"github.com/clxdb/clxdb/pkg/manifest"
	"github.com/clxdb/clxdb/pkg/shard"
	"github.com/clxdb/clxdb/pkg/shardmgr"
)

const otelPackageName = "github.com/clxdb/clxdb/pkg/vacuum"

// MaxSyncAgeDays bounds how long a tombstone survives after it stops being
// superseded: a rewrite drops any tombstone entry older than this, the
// same constant scenario S4 in spec.md names ("Date.now() - at >
// MAX_SYNC_AGE_DAYS"). Compaction never drops a tombstone on age grounds —
// only vacuum does, at rewrite time.
const MaxSyncAgeDays = 30

//nolint:gochecknoglobals
var tracer trace.Tracer

//nolint:gochecknoinits
func init() {
	tracer = otel.Tracer(otelPackageName)
}

// Config carries the vacuum engine's tunables.
type Config struct {
	Tiers           shard.TierConfig
	VacuumCount     int
	VacuumThreshold float64
}

// DefaultConfig returns the spec's default tunables (vacuumCount 3,
// vacuumThreshold 0.15).
func DefaultConfig(tiers shard.TierConfig) Config {
	return Config{Tiers: tiers, VacuumCount: 3, VacuumThreshold: 0.15}
}

// Engine selects shards at the top tier level for rewrite via a partial
// Fisher-Yates shuffle, and commits qualifying rewrites through the
// manifest CAS loop.
type Engine struct {
	cfg         Config
	manifestMgr *manifest.Manager
	shardMgr    *shardmgr.Manager
	db          database.Backend
	now         func() time.Time
}

// New builds an Engine. now defaults to time.Now if nil; tests may override
// it to make tombstone-age checks deterministic.
func New(cfg Config, manifestMgr *manifest.Manager, shardMgr *shardmgr.Manager, db database.Backend, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}

	return &Engine{cfg: cfg, manifestMgr: manifestMgr, shardMgr: shardMgr, db: db, now: now}
}

// Run performs one vacuum pass.
func (e *Engine) Run(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "vacuum.Run", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	_, err := e.manifestMgr.Update(ctx, e.delta, nil)

	return err
}

func (e *Engine) delta(m *manifest.Manifest) (manifest.Delta, error) {
	var topTier []manifest.ShardInfo

	for _, s := range m.ShardFiles {
		if s.Level == e.cfg.Tiers.MaxShardLevel {
			topTier = append(topTier, s)
		}
	}

	sampled := fisherYatesSample(topTier, e.cfg.VacuumCount)
	if len(sampled) == 0 {
		return manifest.Delta{}, nil
	}

	var delta manifest.Delta

	for _, info := range sampled {
		rewritten, didRewrite, err := e.maybeRewrite(info)
		if err != nil {
			return manifest.Delta{}, err
		}

		if !didRewrite {
			continue
		}

		delta.AddedShardInfoList = append(delta.AddedShardInfoList, rewritten)
		delta.RemovedShardFilenameList = append(delta.RemovedShardFilenameList, info.Filename)
	}

	return delta, nil
}

// maybeRewrite fetches the original header, reads the alive documents from
// the local database, drops tombstones older than MaxSyncAgeDays, and
// skips the rewrite if the reclaim ratio does not clear VacuumThreshold:
// Σ len(alive) / Σ len(original) must be below 1 - VacuumThreshold for the
// rewrite to be worth it.
func (e *Engine) maybeRewrite(info manifest.ShardInfo) (manifest.ShardInfo, bool, error) {
	ctx := context.Background()

	header, err := e.shardMgr.FetchHeader(ctx, info)
	if err != nil {
		return manifest.ShardInfo{}, false, fmt.Errorf("vacuum: fetching header for %q: %w", info.Filename, err)
	}

	var originalLen int64

	ids := make([]string, len(header.Docs))

	for i, entry := range header.Docs {
		originalLen += entry.Len
		ids[i] = entry.ID
	}

	dbDocs, err := e.db.Read(ctx, ids)
	if err != nil {
		return manifest.ShardInfo{}, false, fmt.Errorf("vacuum: reading local documents: %w", err)
	}

	alive := make([]shard.Document, 0, len(header.Docs))

	var aliveLen int64

	cutoff := e.now().AddDate(0, 0, -MaxSyncAgeDays).UnixMilli()

	for i, entry := range header.Docs {
		dbDoc := dbDocs[i]
		if dbDoc == nil || dbDoc.Seq == nil || *dbDoc.Seq != entry.Seq {
			// Superseded, deleted locally, or unknown: not alive.
			continue
		}

		if entry.Del && entry.At < cutoff {
			// Tombstone aged out past MaxSyncAgeDays: drop it for good.
			continue
		}

		seq := entry.Seq
		doc := shard.Document{ID: entry.ID, At: entry.At, Seq: &seq, Del: entry.Del}

		if !entry.Del && dbDoc.Data != nil {
			data, err := json.Marshal(dbDoc.Data)
			if err != nil {
				return manifest.ShardInfo{}, false, fmt.Errorf("vacuum: marshaling document %q: %w", entry.ID, err)
			}

			doc.Data = data
		}

		alive = append(alive, doc)
		aliveLen += entry.Len
	}

	if len(alive) == 0 {
		return manifest.ShardInfo{}, false, nil
	}

	if originalLen > 0 && float64(aliveLen)/float64(originalLen) >= 1-e.cfg.VacuumThreshold {
		return manifest.ShardInfo{}, false, nil
	}

	newInfo, _, size, err := e.shardMgr.WriteShard(ctx, alive)
	if err != nil {
		return manifest.ShardInfo{}, false, fmt.Errorf("vacuum: writing rewritten shard: %w", err)
	}

	newInfo.Level = e.cfg.Tiers.Level(int64(size))

	return newInfo, true, nil
}

// fisherYatesSample returns up to n elements of shards chosen by a partial
// Fisher-Yates shuffle, giving every shard an equal chance of selection
// without allocating a full permutation.
func fisherYatesSample(shards []manifest.ShardInfo, n int) []manifest.ShardInfo {
	if n > len(shards) {
		n = len(shards)
	}

	pool := append([]manifest.ShardInfo(nil), shards...)

	for i := 0; i < n; i++ {
		j := i + rand.IntN(len(pool)-i) //nolint:gosec
		pool[i], pool[j] = pool[j], pool[i]
	}

	return pool[:n]
}
