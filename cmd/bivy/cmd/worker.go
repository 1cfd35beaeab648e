package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/bivy/internal/app"
	"github.com/Aman-CERP/bivy/internal/logging"
	"github.com/Aman-CERP/bivy/internal/server"
)

func newWorkerCmd() *cobra.Command {
	var addr string
	var noServer bool

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Execute queued synchronization jobs",
		Long: `Run the job workers until interrupted.

The worker drains the configured queue, re-resolving saved records from the
database and purging destroyed ones. A status server reports queue depth,
job counters and per-index breaker state.`,
		Example: `  bivy worker
  bivy worker --addr 0.0.0.0:9000
  bivy worker --no-server`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runWorker(ctx, addr, noServer)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Status server address (default from config)")
	cmd.Flags().BoolVar(&noServer, "no-server", false, "Do not start the status server")

	return cmd
}

func runWorker(ctx context.Context, addr string, noServer bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger := slog.Default()
	if !globals.debug {
		l, cleanup, err := logging.Setup(logging.Config{Level: cfg.Server.LogLevel})
		if err != nil {
			return err
		}
		defer cleanup()
		logger = l
	}

	a, err := app.New(cfg, logger, app.Options{})
	if err != nil {
		return err
	}
	defer a.Close()

	if addr == "" {
		addr = cfg.Server.Addr
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Queue.Run(gctx, a.Handler)
	})
	if !noServer {
		srv := server.New(server.Config{Addr: addr, Queue: a.Queue, Catalog: a.Catalog, Logger: logger})
		g.Go(func() error {
			return srv.Run(gctx)
		})
	}

	logger.Info("worker_started",
		slog.String("queue", a.Queue.Name()),
		slog.Int("workers", cfg.Dispatch.Workers))
	err = g.Wait()
	logger.Info("worker_stopped", slog.Any("status", a.Queue.Status().Snapshot()))
	return err
}
