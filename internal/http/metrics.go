package http

import (
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const httpInstrumentationName = "github.com/fyrsmithlabs/recalld/internal/http"

// HTTPMetrics records admin API traffic. Instruments that fail to register
// stay nil and are skipped.
type HTTPMetrics struct {
	requests metric.Int64Counter
	duration metric.Float64Histogram
	size     metric.Int64Histogram
	inFlight metric.Int64UpDownCounter
}

// NewHTTPMetrics registers the instruments on mp, or on the global meter
// provider when mp is nil.
func NewHTTPMetrics(mp metric.MeterProvider, logger *zap.Logger) *HTTPMetrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(httpInstrumentationName)
	warn := func(name string, err error) {
		if err != nil {
			logger.Warn("failed to create http instrument", zap.String("instrument", name), zap.Error(err))
		}
	}

	m := &HTTPMetrics{}
	var err error
	m.requests, err = meter.Int64Counter("recalld.http.requests_total",
		metric.WithDescription("Admin HTTP requests by method, endpoint and status code."),
		metric.WithUnit("{request}"))
	warn("requests_total", err)

	m.duration, err = meter.Float64Histogram("recalld.http.request_duration_seconds",
		metric.WithDescription("Admin HTTP request duration by method, endpoint and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5))
	warn("request_duration_seconds", err)

	m.size, err = meter.Int64Histogram("recalld.http.response_size_bytes",
		metric.WithDescription("Admin HTTP response body size."),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(128, 512, 2048, 8192, 32768, 131072, 524288))
	warn("response_size_bytes", err)

	m.inFlight, err = meter.Int64UpDownCounter("recalld.http.active_requests",
		metric.WithDescription("Admin HTTP requests currently being served."),
		metric.WithUnit("{request}"))
	warn("active_requests", err)

	return m
}

// MetricsMiddleware records one sample per request, labelled by the matched
// route rather than the raw URL.
func (m *HTTPMetrics) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			start := time.Now()
			if m.inFlight != nil {
				m.inFlight.Add(ctx, 1)
				defer m.inFlight.Add(ctx, -1)
			}

			err := next(c)

			attrs := metric.WithAttributes(
				attribute.String("method", c.Request().Method),
				attribute.String("endpoint", routeLabel(c.Path())),
				attribute.Int("status", c.Response().Status),
			)
			if m.requests != nil {
				m.requests.Add(ctx, 1, attrs)
			}
			if m.duration != nil {
				m.duration.Record(ctx, time.Since(start).Seconds(), attrs)
			}
			if m.size != nil {
				m.size.Record(ctx, c.Response().Size, attrs)
			}
			return err
		}
	}
}

// routeLabel gives unmatched requests, which have no route, a shared label.
func routeLabel(path string) string {
	if path == "" {
		return "/"
	}
	return path
}
