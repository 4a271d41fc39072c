package clxd

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/clxdb/clxdb/pkg/vacuum"
)

func vacuumCommand(flagSources flagSourcesFn) *cli.Command {
	return &cli.Command{
		Name:   "vacuum",
		Usage:  "rewrite sparse top-tier shards to reclaim space and exit",
		Action: vacuumAction(),
	}
}

func vacuumAction() cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		logger := zerolog.Ctx(ctx).With().Str("cmd", "vacuum").Logger()
		ctx = logger.WithContext(ctx)

		d, err := buildDeps(ctx, cmd)
		if err != nil {
			return err
		}
		defer d.Close()

		if _, err := d.manifestMgr.Open(ctx); err != nil {
			return fmt.Errorf("clxd: opening manifest: %w", err)
		}

		cfg := vacuum.Config{
			Tiers:           d.tiers,
			VacuumCount:     int(cmd.Int("vacuum-count")),
			VacuumThreshold: cmd.Float("vacuum-threshold"),
		}

		engine := vacuum.New(cfg, d.manifestMgr, d.shardMgr, d.db, nil)

		if err := engine.Run(ctx); err != nil {
			return fmt.Errorf("clxd: vacuum failed: %w", err)
		}

		logger.Info().Msg("vacuum pass complete")

		return nil
	}
}
