package mcp

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/fyrsmithlabs/recalld/internal/memstore"
	"github.com/fyrsmithlabs/recalld/internal/replica"
	"github.com/fyrsmithlabs/recalld/internal/transport"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/recalld/internal/mcp"

// Metrics records tool invocations. Instruments that fail to register stay
// nil and are skipped.
type Metrics struct {
	invocations metric.Int64Counter
	duration    metric.Float64Histogram
	errors      metric.Int64Counter
	inFlight    metric.Int64UpDownCounter
}

// NewMetrics registers the tool instruments on mp, or on the global meter
// provider when mp is nil.
func NewMetrics(mp metric.MeterProvider, logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)
	warn := func(name string, err error) {
		if err != nil {
			logger.Warn("failed to create tool instrument", zap.String("instrument", name), zap.Error(err))
		}
	}

	m := &Metrics{}
	var err error
	m.invocations, err = meter.Int64Counter("recalld.mcp.tool.invocations_total",
		metric.WithDescription("Memory tool calls by tool name."),
		metric.WithUnit("{invocation}"))
	warn("invocations_total", err)

	m.duration, err = meter.Float64Histogram("recalld.mcp.tool.duration_seconds",
		metric.WithDescription("Memory tool call latency, replication included."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10))
	warn("duration_seconds", err)

	m.errors, err = meter.Int64Counter("recalld.mcp.tool.errors_total",
		metric.WithDescription("Failed memory tool calls by tool and reason."),
		metric.WithUnit("{error}"))
	warn("errors_total", err)

	m.inFlight, err = meter.Int64UpDownCounter("recalld.mcp.tool.active_requests",
		metric.WithDescription("Memory tool calls currently running."),
		metric.WithUnit("{request}"))
	warn("active_requests", err)

	return m
}

// Begin marks a call to tool as in flight. The returned func ends it and
// records its outcome; call it exactly once.
func (m *Metrics) Begin(ctx context.Context, tool string) func(err error) {
	start := time.Now()
	toolAttr := attribute.String("tool", tool)
	if m.inFlight != nil {
		m.inFlight.Add(ctx, 1, metric.WithAttributes(toolAttr))
	}
	return func(err error) {
		if m.inFlight != nil {
			m.inFlight.Add(ctx, -1, metric.WithAttributes(toolAttr))
		}
		if m.invocations != nil {
			m.invocations.Add(ctx, 1, metric.WithAttributes(toolAttr))
		}
		if m.duration != nil {
			m.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(toolAttr))
		}
		if err != nil && m.errors != nil {
			m.errors.Add(ctx, 1, metric.WithAttributes(toolAttr, attribute.String("reason", categorizeError(err))))
		}
	}
}

// categorizeError maps an error to a low-cardinality reason label.
func categorizeError(err error) string {
	if err == nil {
		return ""
	}

	var remote *transport.RemoteError
	switch {
	case errors.Is(err, replica.ErrPartialReplication):
		return "partial_replication"
	case errors.Is(err, memstore.ErrInvalidImportance), errors.Is(err, memstore.ErrInvalidTTL):
		return "validation_error"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &remote):
		return "remote_error"
	case errors.Is(err, transport.ErrUnknownPeer):
		return "transport_error"
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "invalid"):
		return "validation_error"
	case strings.Contains(errStr, "snapshot"):
		return "storage_error"
	default:
		return "internal_error"
	}
}
