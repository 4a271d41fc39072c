package clxd

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/clxdb/clxdb/pkg/syncengine"
)

func syncCommand(flagSources flagSourcesFn) *cli.Command {
	return &cli.Command{
		Name:   "sync",
		Usage:  "run one pull-then-push sync cycle and exit",
		Action: syncAction(),
	}
}

func syncAction() cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		logger := zerolog.Ctx(ctx).With().Str("cmd", "sync").Logger()
		ctx = logger.WithContext(ctx)

		d, err := buildDeps(ctx, cmd)
		if err != nil {
			return err
		}
		defer d.Close()

		if _, err := d.manifestMgr.Open(ctx); err != nil {
			return fmt.Errorf("clxd: opening manifest: %w", err)
		}

		engine := syncengine.New(syncengine.Config{SyncInterval: cmd.Duration("sync-interval")}, d.manifestMgr, d.shardMgr, d.db, d.cache)

		if err := engine.TriggerSync(ctx); err != nil {
			return fmt.Errorf("clxd: sync cycle failed: %w", err)
		}

		logger.Info().Int64("local_sequence", engine.LocalSequence()).Msg("sync cycle complete")

		return nil
	}
}
