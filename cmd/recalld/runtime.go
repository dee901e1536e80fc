package main

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recalld/internal/config"
	"github.com/fyrsmithlabs/recalld/internal/logging"
	"github.com/fyrsmithlabs/recalld/internal/node"
	"github.com/fyrsmithlabs/recalld/internal/telemetry"
)

// runtime holds the pieces every long-running command needs.
type runtime struct {
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	node      *node.Node
}

// setup loads config, then builds telemetry, the logger and the node in that
// order. When stderrLogs is set the console log core writes to stderr.
func setup(ctx context.Context, stderrLogs bool) (*runtime, error) {
	cfg, err := config.LoadWithFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry, version))
	if err != nil {
		return nil, fmt.Errorf("initializing telemetry: %w", err)
	}

	logCfg, err := logging.FromSettings(cfg.Logging)
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, fmt.Errorf("logging config: %w", err)
	}
	if stderrLogs {
		logCfg.Output.Stdout = false
		logCfg.Output.Stderr = true
	}
	logger, err := logging.NewLogger(logCfg, tel.LoggerProvider())
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, fmt.Errorf("initializing logger: %w", err)
	}

	if h := tel.Health(); h.Degraded {
		logger.Warn(ctx, "telemetry degraded", zap.String("reason", h.Reason))
	}

	n, err := node.New(cfg,
		node.WithLogger(logger.Underlying()),
		node.WithTracerProvider(tel.TracerProvider()),
		node.WithMeterProvider(tel.MeterProvider()),
	)
	if err != nil {
		_ = logger.Sync()
		_ = tel.Shutdown(ctx)
		return nil, fmt.Errorf("creating node: %w", err)
	}

	return &runtime{cfg: cfg, logger: logger, telemetry: tel, node: n}, nil
}

// close stops the node and flushes logs and telemetry. ctx bounds the final
// snapshot flush.
func (r *runtime) close(ctx context.Context) error {
	var errs []error
	if err := r.node.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stopping node: %w", err))
	}
	if err := r.telemetry.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
	}
	_ = r.logger.Sync()
	return errors.Join(errs...)
}
