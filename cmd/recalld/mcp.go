package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/logging"
	"github.com/fyrsmithlabs/recalld/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Serve the memory tools over MCP stdio",
	Long: `Run a recalld node and expose it to an MCP client over stdin/stdout.

Stdout carries the MCP protocol, so logs go to stderr in this mode. The node
joins the configured cluster exactly as "recalld serve" does but does not open
the admin HTTP listener.`,
	Args: cobra.NoArgs,
	RunE: runMCP,
}

func runMCP(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := setup(ctx, true)
	if err != nil {
		return err
	}
	log := rt.logger.Named("mcp")

	if err := rt.node.Start(ctx); err != nil {
		_ = rt.close(context.WithoutCancel(ctx))
		return fmt.Errorf("starting node: %w", err)
	}
	ctx = logging.WithNodeID(ctx, rt.node.ID())

	srv, err := mcp.NewServer(&mcp.Config{
		Name:          "recalld",
		Version:       version,
		Logger:        rt.logger.Underlying(),
		MeterProvider: rt.telemetry.MeterProvider(),
	}, rt.node.Client())
	if err != nil {
		_ = rt.close(context.WithoutCancel(ctx))
		return fmt.Errorf("creating mcp server: %w", err)
	}

	log.Info(ctx, "recalld mcp mode started", zap.String("version", version))
	runErr := srv.Run(ctx)
	if ctx.Err() != nil {
		// Signal-driven exits surface as a canceled session.
		runErr = nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rt.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := rt.close(shutdownCtx); err != nil {
		return err
	}
	return runErr
}
