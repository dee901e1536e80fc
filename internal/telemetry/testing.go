package telemetry

import (
	"context"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// TestTelemetry is a Telemetry whose spans and metrics stay in memory.
type TestTelemetry struct {
	*Telemetry

	SpanRecorder *tracetest.SpanRecorder
	reader       *sdkmetric.ManualReader
}

// NewTestTelemetry records spans synchronously and collects metrics on demand.
func NewTestTelemetry() *TestTelemetry {
	cfg := NewDefaultConfig()
	cfg.Enabled = true

	recorder := tracetest.NewSpanRecorder()
	reader := sdkmetric.NewManualReader()
	return &TestTelemetry{
		Telemetry: &Telemetry{
			config:         cfg,
			tracerProvider: trace.NewTracerProvider(trace.WithSpanProcessor(recorder)),
			meterProvider:  sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)),
		},
		SpanRecorder: recorder,
		reader:       reader,
	}
}

// SpanByName returns the first ended span called name, or nil.
func (t *TestTelemetry) SpanByName(name string) trace.ReadOnlySpan {
	for _, span := range t.SpanRecorder.Ended() {
		if span.Name() == name {
			return span
		}
	}
	return nil
}

// AssertSpanExists fails tb unless a span called name has ended.
func (t *TestTelemetry) AssertSpanExists(tb testing.TB, name string) {
	tb.Helper()
	if t.SpanByName(name) != nil {
		return
	}
	var names []string
	for _, span := range t.SpanRecorder.Ended() {
		names = append(names, span.Name())
	}
	tb.Errorf("expected span %q not found, got: %v", name, names)
}

// AssertSpanAttribute fails tb unless span spanName carries key=expected.
// Integer attributes compare as int64.
func (t *TestTelemetry) AssertSpanAttribute(tb testing.TB, spanName, key string, expected interface{}) {
	tb.Helper()
	span := t.SpanByName(spanName)
	if span == nil {
		tb.Fatalf("span %q not found", spanName)
	}
	for _, attr := range span.Attributes() {
		if string(attr.Key) != key {
			continue
		}
		if got := attr.Value.AsInterface(); got != expected {
			tb.Errorf("span %q attribute %q: got %v, want %v", spanName, key, got, expected)
		}
		return
	}
	tb.Errorf("span %q missing attribute %q", spanName, key)
}

// CounterValue sums every data point of the named Int64 counter. Counters
// never recorded read as 0.
func (t *TestTelemetry) CounterValue(tb testing.TB, name string) int64 {
	tb.Helper()
	var rm metricdata.ResourceMetrics
	if err := t.reader.Collect(context.Background(), &rm); err != nil {
		tb.Fatalf("collect metrics: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if m.Name != name || !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}
