package logging

import (
	"fmt"
	"os"

	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/log"
	"go.uber.org/zap/zapcore"
)

// newDualCore creates core with console and/or OTEL outputs.
func newDualCore(cfg *Config, otelProvider log.LoggerProvider) (zapcore.Core, error) {
	cores := make([]zapcore.Core, 0, 2)

	if cfg.Output.Stdout || cfg.Output.Stderr {
		sink := zapcore.AddSync(os.Stdout)
		if cfg.Output.Stderr {
			sink = zapcore.AddSync(os.Stderr)
		}
		encoder, err := NewRedactingEncoder(newEncoder(cfg.Format), cfg.Redaction)
		if err != nil {
			return nil, fmt.Errorf("failed to create redacting encoder: %w", err)
		}
		cores = append(cores, zapcore.NewCore(encoder, sink, cfg.Level))
	}

	if cfg.Output.OTEL && otelProvider != nil {
		cores = append(cores, otelzap.NewCore("recalld", otelzap.WithLoggerProvider(otelProvider)))
	}

	if len(cores) == 0 {
		return nil, fmt.Errorf("at least one output must be enabled and available")
	}

	core := cores[0]
	if len(cores) > 1 {
		core = zapcore.NewTee(cores...)
	}
	return newSampledCore(core, cfg.Sampling), nil
}

// newSampledCore wraps core with level-aware sampling.
// Error and above are never sampled.
func newSampledCore(core zapcore.Core, cfg SamplingConfig) zapcore.Core {
	if !cfg.Enabled {
		return core
	}

	errorCore := &levelFilterCore{Core: core, minLevel: zapcore.ErrorLevel, hasMin: true}
	belowErrorCore := &levelFilterCore{Core: core, maxLevel: zapcore.WarnLevel, hasMax: true}

	info := cfg.Levels[zapcore.InfoLevel]
	sampled := zapcore.NewSamplerWithOptions(belowErrorCore, cfg.Tick.Duration(), info.Initial, info.Thereafter)

	return zapcore.NewTee(errorCore, sampled)
}

// levelFilterCore passes only entries within [minLevel, maxLevel].
type levelFilterCore struct {
	zapcore.Core
	minLevel, maxLevel zapcore.Level
	hasMin, hasMax     bool
}

func (c *levelFilterCore) Enabled(lvl zapcore.Level) bool {
	if c.hasMin && lvl < c.minLevel {
		return false
	}
	if c.hasMax && lvl > c.maxLevel {
		return false
	}
	return c.Core.Enabled(lvl)
}

func (c *levelFilterCore) Check(e zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !c.Enabled(e.Level) {
		return ce
	}
	return c.Core.Check(e, ce)
}

func (c *levelFilterCore) With(fields []zapcore.Field) zapcore.Core {
	clone := *c
	clone.Core = c.Core.With(fields)
	return &clone
}
