// Package orphan deletes shard files that no manifest references and that
// have sat unreferenced for longer than a grace period, cleaning up after
// writers that crashed between writing a shard and committing it to the
// manifest, or after a compaction/vacuum pass superseded it.
package orphan

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/clxdb/clxdb/pkg/manifest"
	"github.com/clxdb/clxdb/pkg/shardmgr"
	"github.com/clxdb/clxdb/pkg/storage"
)

const otelPackageName = "github.com/clxdb/clxdb/pkg/orphan"

//nolint:gochecknoglobals
var tracer trace.Tracer

//nolint:gochecknoinits
func init() {
	tracer = otel.Tracer(otelPackageName)
}

// DefaultGracePeriod is how long an unreferenced shard file must sit
// untouched before the collector deletes it.
const DefaultGracePeriod = 1 * time.Hour

// Config carries the collector's tunables.
type Config struct {
	GracePeriod time.Duration
}

// DefaultConfig returns Config{GracePeriod: DefaultGracePeriod}.
func DefaultConfig() Config {
	return Config{GracePeriod: DefaultGracePeriod}
}

// Collector removes shard files in storage that no manifest shard info
// references, once they have aged past GracePeriod.
type Collector struct {
	cfg         Config
	backend     storage.Backend
	manifestMgr *manifest.Manager
	now         func() time.Time
}

// New builds a Collector. now defaults to time.Now if nil.
func New(cfg Config, backend storage.Backend, manifestMgr *manifest.Manager, now func() time.Time) *Collector {
	if now == nil {
		now = time.Now
	}

	return &Collector{cfg: cfg, backend: backend, manifestMgr: manifestMgr, now: now}
}

// Run performs one collection pass, logging and swallowing per-file
// failures so a single bad Stat/Delete does not abort the rest of the
// sweep.
func (c *Collector) Run(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "orphan.Run", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	logger := zerolog.Ctx(ctx)

	m, err := c.manifestMgr.Read(ctx)
	if err != nil {
		return fmt.Errorf("orphan: reading manifest: %w", err)
	}

	active := make(map[string]struct{}, len(m.ShardFiles))
	for _, s := range m.ShardFiles {
		active[s.Filename] = struct{}{}
	}

	filenames, err := c.backend.List(ctx, shardmgr.ShardsDir)
	if err != nil {
		return fmt.Errorf("orphan: listing %q: %w", shardmgr.ShardsDir, err)
	}

	cutoff := c.now().Add(-c.cfg.GracePeriod)

	var deleted int

	for _, filename := range filenames {
		if _, ok := shardmgr.HashFromFilename(filename); !ok {
			continue
		}

		if _, ok := active[filename]; ok {
			continue
		}

		path := shardmgr.ShardsDir + "/" + filename

		info, err := c.backend.Stat(ctx, path)
		if err != nil {
			logger.Warn().Err(err).Str("shard.filename", filename).Msg("orphan: stat failed, skipping")
			continue
		}

		if info == nil || info.LastModified.After(cutoff) {
			continue
		}

		if err := c.backend.Delete(ctx, path); err != nil {
			logger.Warn().Err(err).Str("shard.filename", filename).Msg("orphan: delete failed, skipping")
			continue
		}

		deleted++
	}

	span.SetAttributes(attribute.Int("orphan.deleted_count", deleted))
	logger.Debug().Int("count", deleted).Msg("orphan: collection pass complete")

	return nil
}
