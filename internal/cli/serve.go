package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/seantiz/opstrack/internal/api"
	"github.com/seantiz/opstrack/internal/config"
	"github.com/seantiz/opstrack/internal/reconcile"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	ListenAddr string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the API, execution workers and reconciliation schedule",
		Long: `Run the HTTP API, the execution engine's workers and the periodic
reconciliation trigger in one process.

Executions left running by a previous process are resumed on start. SIGINT
or SIGTERM shuts everything down gracefully.

Example:
  opstrack serve --listen :8080
  OPSTRACK_DATABASE_URL=postgres://ops@db/ops opstrack serve`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.RootOptions, cmd, map[string]string{"listen": "listen_addr"})
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVar(&opts.ListenAddr, "listen", "", "HTTP listen address (default from config)")

	return cmd
}

func runServe(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := config.NewLogger(os.Stdout, cfg.Level())
	logger.Info("opstrack: starting",
		"version", Version,
		"listen_addr", cfg.ListenAddr,
		"engine_db", cfg.Engine.DBPath,
	)

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.close(context.WithoutCancel(ctx)); err != nil {
			logger.Error("shutdown", "error", err)
		}
	}()

	if err := a.engine.Start(ctx); err != nil {
		return err
	}

	trigger := reconcile.NewTrigger(a.reconciler, cfg.Reconcile.Interval, logger)
	trigger.Start()
	defer trigger.Stop()

	srv := api.NewServer(cfg.ListenAddr, api.Deps{
		Operations: a.ops,
		Broker:     a.broker,
		Backends:   a.backends,
		Reconciler: trigger,
	}, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	return g.Wait()
}
