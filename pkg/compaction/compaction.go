// Package compaction merges small shards within a tier level into one
// larger shard once that level accumulates enough of them, keeping the
// manifest's shard count bounded as documents churn.
package compaction

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/clxdb/clxdb/pkg/database"
	"github.com/clxdb/clxdb/pkg/manifest"
	"github.com/clxdb/clxdb/pkg/shard"
	"github.com/clxdb/clxdb/pkg/shardmgr"
)

const otelPackageName = "github.com/clxdb/clxdb/pkg/compaction"

//nolint:gochecknoglobals
var tracer trace.Tracer

//nolint:gochecknoinits
func init() {
	tracer = otel.Tracer(otelPackageName)
}

// Config carries the compaction engine's tunables.
type Config struct {
	Tiers shard.TierConfig
}

// Engine selects compactable shard levels and merges them via the manifest
// CAS loop.
type Engine struct {
	cfg         Config
	manifestMgr *manifest.Manager
	shardMgr    *shardmgr.Manager
	db          database.Backend
}

// New builds an Engine.
func New(cfg Config, manifestMgr *manifest.Manager, shardMgr *shardmgr.Manager, db database.Backend) *Engine {
	return &Engine{cfg: cfg, manifestMgr: manifestMgr, shardMgr: shardMgr, db: db}
}

// Run performs one compaction pass. It is a no-op if no level qualifies or
// if local pending changes exist (a compaction racing a push could drop an
// in-flight write).
func (e *Engine) Run(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "compaction.Run", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	pending, err := e.db.ReadPendingIds(ctx)
	if err != nil {
		return fmt.Errorf("compaction: reading pending ids: %w", err)
	}

	if len(pending) > 0 {
		return nil
	}

	_, err = e.manifestMgr.Update(ctx, e.delta, nil)

	return err
}

func (e *Engine) delta(m *manifest.Manifest) (manifest.Delta, error) {
	byLevel := map[int][]manifest.ShardInfo{}

	for _, s := range m.ShardFiles {
		if s.Level < e.cfg.Tiers.MaxShardLevel {
			byLevel[s.Level] = append(byLevel[s.Level], s)
		}
	}

	var compactable [][]manifest.ShardInfo

	for _, shards := range byLevel {
		if len(shards) < e.cfg.Tiers.CompactionThreshold {
			continue
		}

		sort.Slice(shards, func(i, j int) bool { return shards[i].Range.Min < shards[j].Range.Min })
		compactable = append(compactable, shards)
	}

	if len(compactable) == 0 {
		return manifest.Delta{}, nil
	}

	var delta manifest.Delta

	for _, group := range compactable {
		merged, err := e.mergeAliveDocuments(group)
		if err != nil {
			return manifest.Delta{}, err
		}

		if len(merged) == 0 {
			for _, s := range group {
				delta.RemovedShardFilenameList = append(delta.RemovedShardFilenameList, s.Filename)
			}

			continue
		}

		info, _, size, err := e.shardMgr.WriteShard(context.Background(), merged)
		if err != nil {
			return manifest.Delta{}, fmt.Errorf("compaction: writing merged shard: %w", err)
		}

		info.Level = e.cfg.Tiers.Level(int64(size))

		delta.AddedShardInfoList = append(delta.AddedShardInfoList, info)

		for _, s := range group {
			delta.RemovedShardFilenameList = append(delta.RemovedShardFilenameList, s.Filename)
		}
	}

	return delta, nil
}

// mergeAliveDocuments fetches every header in shards, keeps the most recent
// header entry per document id (tombstones included, regardless of age —
// vacuum is what ages tombstones out), and returns an error if the database
// holds a committed sequence for an id that is newer than the merged header
// entry (a local write raced ahead of this merge).
func (e *Engine) mergeAliveDocuments(shards []manifest.ShardInfo) ([]shard.Document, error) {
	latest := map[string]shard.HeaderEntry{}

	for _, info := range shards {
		header, err := e.shardMgr.FetchHeader(context.Background(), info)
		if err != nil {
			return nil, fmt.Errorf("compaction: fetching header for %q: %w", info.Filename, err)
		}

		for _, entry := range header.Docs {
			existing, ok := latest[entry.ID]
			if !ok || entry.Seq > existing.Seq {
				latest[entry.ID] = entry
			}
		}
	}

	ids := make([]string, 0, len(latest))
	for id := range latest {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	dbDocs, err := e.db.Read(context.Background(), ids)
	if err != nil {
		return nil, fmt.Errorf("compaction: reading local documents: %w", err)
	}

	dbByID := map[string]*database.Document{}

	for i, id := range ids {
		if dbDocs[i] != nil {
			dbByID[id] = dbDocs[i]
		}
	}

	merged := make([]shard.Document, 0, len(ids))

	for _, id := range ids {
		entry := latest[id]

		if dbDoc, ok := dbByID[id]; ok && dbDoc.Seq != nil && *dbDoc.Seq > entry.Seq {
			return nil, fmt.Errorf("compaction: local sequence for %q is ahead of merged header", id)
		}

		seq := entry.Seq
		doc := shard.Document{ID: entry.ID, At: entry.At, Seq: &seq, Del: entry.Del}

		if !entry.Del {
			if dbDoc, ok := dbByID[id]; ok && dbDoc.Data != nil {
				data, err := json.Marshal(dbDoc.Data)
				if err != nil {
					return nil, fmt.Errorf("compaction: marshaling document %q: %w", id, err)
				}

				doc.Data = data
			}
		}

		merged = append(merged, doc)
	}

	return merged, nil
}
