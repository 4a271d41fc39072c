package clxd

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"

	"github.com/clxdb/clxdb/pkg/orphan"
)

func gcCommand(flagSources flagSourcesFn) *cli.Command {
	return &cli.Command{
		Name:   "gc",
		Usage:  "delete shard files no longer referenced by the manifest and exit",
		Action: gcAction(),
	}
}

func gcAction() cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		logger := zerolog.Ctx(ctx).With().Str("cmd", "gc").Logger()
		ctx = logger.WithContext(ctx)

		d, err := buildDeps(ctx, cmd)
		if err != nil {
			return err
		}
		defer d.Close()

		if _, err := d.manifestMgr.Open(ctx); err != nil {
			return fmt.Errorf("clxd: opening manifest: %w", err)
		}

		collector := orphan.New(orphan.Config{GracePeriod: cmd.Duration("gc-grace-period")}, d.backend, d.manifestMgr, nil)

		if err := collector.Run(ctx); err != nil {
			return fmt.Errorf("clxd: orphan collection failed: %w", err)
		}

		logger.Info().Msg("orphan collection pass complete")

		return nil
	}
}
