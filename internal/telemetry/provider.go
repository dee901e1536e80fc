package telemetry

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc/credentials"
)

const protocolHTTP = "http/protobuf"

func newResource(cfg *Config) (*resource.Resource, error) {
	// resource.Default() carries a different semconv schema URL, so build
	// the resource standalone.
	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	), nil
}

// skipVerifyTLS returns a client TLS config only when verification is
// explicitly disabled on a secure connection.
func skipVerifyTLS(cfg *Config) *tls.Config {
	if cfg.Insecure || !cfg.TLSSkipVerify {
		return nil
	}
	return &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in via tls_skip_verify
}

func sampler(rate float64) trace.Sampler {
	switch {
	case rate >= 1:
		return trace.ParentBased(trace.AlwaysSample())
	case rate <= 0:
		return trace.ParentBased(trace.NeverSample())
	default:
		return trace.ParentBased(trace.TraceIDRatioBased(rate))
	}
}

func newSpanExporter(ctx context.Context, cfg *Config) (trace.SpanExporter, error) {
	tlsCfg := skipVerifyTLS(cfg)
	if cfg.Protocol == protocolHTTP {
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(stripScheme(cfg.Endpoint))}
		switch {
		case cfg.Insecure:
			opts = append(opts, otlptracehttp.WithInsecure())
		case tlsCfg != nil:
			opts = append(opts, otlptracehttp.WithTLSClientConfig(tlsCfg))
		}
		return otlptracehttp.New(ctx, opts...)
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	switch {
	case cfg.Insecure:
		opts = append(opts, otlptracegrpc.WithInsecure())
	case tlsCfg != nil:
		opts = append(opts, otlptracegrpc.WithTLSCredentials(credentials.NewTLS(tlsCfg)))
	}
	return otlptracegrpc.New(ctx, opts...)
}

// cumulative pins temporality for Prometheus-style backends, overriding any
// OTEL_EXPORTER_OTLP_METRICS_TEMPORALITY_PREFERENCE in the environment.
func cumulative(metric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func newMetricExporter(ctx context.Context, cfg *Config) (metric.Exporter, error) {
	tlsCfg := skipVerifyTLS(cfg)
	if cfg.Protocol == protocolHTTP {
		opts := []otlpmetrichttp.Option{
			otlpmetrichttp.WithEndpoint(stripScheme(cfg.Endpoint)),
			otlpmetrichttp.WithTemporalitySelector(cumulative),
		}
		switch {
		case cfg.Insecure:
			opts = append(opts, otlpmetrichttp.WithInsecure())
		case tlsCfg != nil:
			opts = append(opts, otlpmetrichttp.WithTLSClientConfig(tlsCfg))
		}
		return otlpmetrichttp.New(ctx, opts...)
	}

	opts := []otlpmetricgrpc.Option{
		otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
		otlpmetricgrpc.WithTemporalitySelector(cumulative),
	}
	switch {
	case cfg.Insecure:
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	case tlsCfg != nil:
		opts = append(opts, otlpmetricgrpc.WithTLSCredentials(credentials.NewTLS(tlsCfg)))
	}
	return otlpmetricgrpc.New(ctx, opts...)
}

func newTracerProvider(ctx context.Context, cfg *Config, res *resource.Resource) (*trace.TracerProvider, error) {
	exporter, err := newSpanExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating trace exporter: %w", err)
	}
	return trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(sampler(cfg.Sampling.Rate)),
	), nil
}

// newMeterProvider returns nil when metric export is disabled.
func newMeterProvider(ctx context.Context, cfg *Config, res *resource.Resource) (*metric.MeterProvider, error) {
	if !cfg.Metrics.Enabled {
		return nil, nil
	}
	exporter, err := newMetricExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("creating metric exporter: %w", err)
	}
	reader := metric.NewPeriodicReader(exporter, metric.WithInterval(cfg.Metrics.ExportInterval.Duration()))
	return metric.NewMeterProvider(metric.WithResource(res), metric.WithReader(reader)), nil
}

// stripScheme reduces a URL to host:port for the HTTP exporters.
func stripScheme(endpoint string) string {
	return strings.TrimPrefix(strings.TrimPrefix(endpoint, "https://"), "http://")
}
