// Package logging provides structured logging with OpenTelemetry integration.
//
// Logger wraps Zap with:
//   - Custom Trace level (-2, below Debug)
//   - Console output on stdout, or stderr when stdout carries a protocol,
//     teed with the OpenTelemetry log bridge
//   - Automatic context field injection (trace_id, node.id, memory.context, request.id)
//   - Secret redaction by field name and value pattern
//   - Level-aware sampling (errors never sampled)
//
// Create a logger from the recalld settings:
//
//	logCfg, err := logging.FromSettings(cfg.Logging)
//	if err != nil {
//	    return err
//	}
//	logger, err := logging.NewLogger(logCfg, tel.LoggerProvider())
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithNodeID(ctx, "node-a")
//	ctx = logging.WithMemoryContext(ctx, "session-42")
//	logger.Info(ctx, "entry stored", zap.String("key", key))
//
// Components below the process level take a plain *zap.Logger; pass
// logger.Underlying() to them. They call Wrap on it to log with context.
//
// Use TestLogger for assertions in tests:
//
//	tl := logging.NewTestLogger()
//	tl.Info(ctx, "snapshot saved", zap.Int("entries", 3))
//	tl.AssertField(t, "snapshot saved", "entries", int64(3))
package logging
