package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/http"
	"github.com/fyrsmithlabs/recalld/internal/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a cluster node with the admin HTTP API",
	Long: `Run a recalld cluster node.

The node restores its last snapshot, joins the cluster, starts the eviction
sweep and snapshot loops, then serves /health, /metrics and /api/v1 on the
configured admin address until SIGINT or SIGTERM.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := setup(ctx, false)
	if err != nil {
		return err
	}
	log := rt.logger.Named("serve")

	if err := rt.node.Start(ctx); err != nil {
		_ = rt.close(context.WithoutCancel(ctx))
		return fmt.Errorf("starting node: %w", err)
	}
	ctx = logging.WithNodeID(ctx, rt.node.ID())

	srv, err := http.NewServer(rt.node, rt.logger.Underlying(), &http.Config{
		Host:          rt.cfg.Server.Host,
		Port:          rt.cfg.Server.Port,
		RateLimit:     rt.cfg.Server.RateLimit,
		RateBurst:     rt.cfg.Server.RateBurst,
		Version:       version,
		MeterProvider: rt.telemetry.MeterProvider(),
	})
	if err != nil {
		_ = rt.close(context.WithoutCancel(ctx))
		return fmt.Errorf("creating http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	log.Info(ctx, "recalld node started",
		zap.String("version", version),
		zap.Int("members", len(rt.node.Members())))

	var runErr error
	select {
	case <-ctx.Done():
		log.Info(ctx, "shutdown signal received")
	case runErr = <-errCh:
		if runErr != nil {
			log.Error(ctx, "http server failed", zap.Error(runErr))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rt.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn(ctx, "http server shutdown", zap.Error(err))
	}
	if err := rt.close(shutdownCtx); err != nil {
		return err
	}
	return runErr
}
