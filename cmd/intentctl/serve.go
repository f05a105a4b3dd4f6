package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/intentflow/internal/admin"
	"github.com/danmuck/intentflow/internal/config"
	"github.com/danmuck/intentflow/internal/logging"
	"github.com/danmuck/intentflow/internal/observability"
	"github.com/danmuck/intentflow/internal/scheduler"
	"github.com/danmuck/intentflow/internal/store"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const appName = "intentctl"

func newServeCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and admin server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(configPath)
			if err != nil {
				return err
			}
			logging.Apply(cfg.Logging())

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			st := store.New(store.WithLogger(observability.ComponentLogger(appName, "store")))
			sched := scheduler.New(st,
				scheduler.WithLogger(observability.ComponentLogger(appName, "scheduler")),
				scheduler.WithQueueSize(cfg.QueueSize),
			)
			if err := registerDemo(sched, cfg.Demo); err != nil {
				return err
			}
			srv := admin.New(cfg.AdminAddr, cfg.CorsOrigins, sched,
				admin.WithLogger(observability.ComponentLogger(appName, "admin")),
			)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return sched.Run(gctx)
			})
			g.Go(func() error {
				return srv.Run(gctx)
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "path to a TOML config file (defaults apply when empty)")
	return cmd
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		cfg := config.Default()
		return cfg, cfg.Validate()
	}
	return config.Load(path)
}
