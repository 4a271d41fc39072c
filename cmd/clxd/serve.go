package clxd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/clxdb/clxdb/pkg/compaction"
	"github.com/clxdb/clxdb/pkg/orphan"
	"github.com/clxdb/clxdb/pkg/prometheus"
	"github.com/clxdb/clxdb/pkg/statussrv"
	"github.com/clxdb/clxdb/pkg/syncengine"
	"github.com/clxdb/clxdb/pkg/vacuum"
)

func serveCommand(flagSources flagSourcesFn) *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the sync scheduler and status server until stopped",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "gc-on-start",
				Usage:   "Run an orphan collection pass once before starting the scheduler",
				Sources: flagSources("gc.on-start", "CLXD_GC_ON_START"),
				Value:   true,
			},
			&cli.BoolFlag{
				Name:    "vacuum-on-start",
				Usage:   "Run a vacuum pass once before starting the scheduler",
				Sources: flagSources("vacuum.on-start", "CLXD_VACUUM_ON_START"),
				Value:   true,
			},
		},
		Action: serveAction(),
	}
}

func serveAction() cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		logger := zerolog.Ctx(ctx).With().Str("cmd", "serve").Logger()
		ctx = logger.WithContext(ctx)

		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		g, ctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			return autoMaxProcs(ctx, 30*time.Second, logger)
		})

		d, err := buildDeps(ctx, cmd)
		if err != nil {
			return err
		}
		defer d.Close()

		if _, err := d.manifestMgr.Open(ctx); err != nil {
			return fmt.Errorf("clxd: opening manifest: %w", err)
		}

		engine := syncengine.New(syncengine.Config{SyncInterval: cmd.Duration("sync-interval")}, d.manifestMgr, d.shardMgr, d.db, d.cache)

		if cmd.Bool("gc-on-start") {
			collector := orphan.New(orphan.Config{GracePeriod: cmd.Duration("gc-grace-period")}, d.backend, d.manifestMgr, nil)
			if err := collector.Run(ctx); err != nil {
				logger.Warn().Err(err).Msg("startup orphan collection failed")
			}
		}

		if cmd.Bool("vacuum-on-start") {
			vacEngine := vacuum.New(vacuum.DefaultConfig(d.tiers), d.manifestMgr, d.shardMgr, d.db, nil)
			if err := vacEngine.Run(ctx); err != nil {
				logger.Warn().Err(err).Msg("startup vacuum failed")
			}
		}

		compactEngine := compaction.New(compaction.Config{Tiers: d.tiers}, d.manifestMgr, d.shardMgr, d.db)

		engine.Subscribe(func(ev syncengine.Event) {
			if ev.Kind != syncengine.EventSyncComplete {
				return
			}

			if err := compactEngine.Run(ctx); err != nil {
				logger.Warn().Err(err).Msg("post-sync compaction failed")
			}
		})

		engine.Start(ctx, logger)
		defer engine.Stop()

		gatherer := promclient.Gatherer(promclient.NewRegistry())

		var prometheusShutdown func(context.Context) error

		if cmd.Root().Bool("prometheus-enabled") {
			otelGatherer, shutdown, err := prometheus.SetupPrometheusMetrics(ctx, cmd.Root().Name, Version)
			if err != nil {
				return fmt.Errorf("clxd: setting up prometheus metrics: %w", err)
			}

			prometheusShutdown = shutdown
			gatherer = otelGatherer
		}

		defer func() {
			if prometheusShutdown != nil {
				if err := prometheusShutdown(ctx); err != nil {
					logger.Error().Err(err).Msg("error shutting down prometheus metrics")
				}
			}
		}()

		statusServer := statussrv.New(logger, d.manifestMgr, engine, gatherer)

		srv := &http.Server{
			BaseContext:       func(net.Listener) context.Context { return ctx },
			Addr:              cmd.String("status-server-addr"),
			Handler:           statusServer,
			ReadHeaderTimeout: 10 * time.Second,
		}

		g.Go(func() error {
			<-ctx.Done()

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			return srv.Shutdown(shutdownCtx)
		})

		logger.Info().Str("addr", cmd.String("status-server-addr")).Msg("status server started")

		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("clxd: status server: %w", err)
		}

		return g.Wait()
	}
}
