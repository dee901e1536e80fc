package replica

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/recalld/internal/replica"

// metrics holds the replicated access layer instruments.
type metrics struct {
	operations metric.Int64Counter
	duration   metric.Float64Histogram
	partial    metric.Int64Counter
	retries    metric.Int64Counter
	cacheHits  metric.Int64Counter
}

func newMetrics(mp metric.MeterProvider, logger *zap.Logger) *metrics {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName)
	m := &metrics{}
	var err error

	m.operations, err = meter.Int64Counter(
		"recalld.replica.operations",
		metric.WithDescription("Replicated operations by op and outcome (ok, partial, error)."),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		logger.Warn("failed to create operations counter", zap.Error(err))
	}

	m.duration, err = meter.Float64Histogram(
		"recalld.replica.duration_seconds",
		metric.WithDescription("Wall time of replicated operations including retries."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		logger.Warn("failed to create duration histogram", zap.Error(err))
	}

	m.partial, err = meter.Int64Counter(
		"recalld.replica.partial_failures",
		metric.WithDescription("Operations that failed on some but not all target nodes."),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		logger.Warn("failed to create partial failure counter", zap.Error(err))
	}

	m.retries, err = meter.Int64Counter(
		"recalld.replica.retries",
		metric.WithDescription("Remote call retries after a transient failure."),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		logger.Warn("failed to create retries counter", zap.Error(err))
	}

	m.cacheHits, err = meter.Int64Counter(
		"recalld.replica.cache_hits",
		metric.WithDescription("Retrieve calls answered from the local read cache."),
		metric.WithUnit("{hit}"),
	)
	if err != nil {
		logger.Warn("failed to create cache hit counter", zap.Error(err))
	}
	return m
}

func (m *metrics) record(ctx context.Context, op string, start time.Time, err error) {
	outcome := "ok"
	switch {
	case err == nil:
	case isPartial(err):
		outcome = "partial"
	default:
		outcome = "error"
	}
	attrs := metric.WithAttributes(attribute.String("op", op), attribute.String("outcome", outcome))
	if m.operations != nil {
		m.operations.Add(ctx, 1, attrs)
	}
	if m.duration != nil {
		m.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(attribute.String("op", op)))
	}
	if outcome == "partial" && m.partial != nil {
		m.partial.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
	}
}

func (m *metrics) retry(ctx context.Context, op, node string) {
	if m.retries != nil {
		m.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op), attribute.String("node", node)))
	}
}

func (m *metrics) cacheHit(ctx context.Context) {
	if m.cacheHits != nil {
		m.cacheHits.Add(ctx, 1)
	}
}
