package clxd

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/clxdb/clxdb/pkg/compaction"
)

func compactCommand(flagSources flagSourcesFn) *cli.Command {
	return &cli.Command{
		Name:   "compact",
		Usage:  "merge small same-level shards into larger ones and exit",
		Action: compactAction(),
	}
}

func compactAction() cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		logger := zerolog.Ctx(ctx).With().Str("cmd", "compact").Logger()
		ctx = logger.WithContext(ctx)

		d, err := buildDeps(ctx, cmd)
		if err != nil {
			return err
		}
		defer d.Close()

		if _, err := d.manifestMgr.Open(ctx); err != nil {
			return fmt.Errorf("clxd: opening manifest: %w", err)
		}

		engine := compaction.New(compaction.Config{Tiers: d.tiers}, d.manifestMgr, d.shardMgr, d.db)

		if err := engine.Run(ctx); err != nil {
			return fmt.Errorf("clxd: compaction failed: %w", err)
		}

		logger.Info().Msg("compaction pass complete")

		return nil
	}
}
