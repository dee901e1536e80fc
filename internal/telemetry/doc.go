// Package telemetry provides OpenTelemetry instrumentation for recalld.
//
// New builds a TracerProvider and MeterProvider exporting over OTLP (gRPC by
// default, HTTP/protobuf on request) and installs them globally together with
// the W3C trace-context propagator. Exporter failures degrade the instance
// instead of failing startup; Health reports the reason.
//
//	tel, err := telemetry.New(ctx, telemetry.FromSettings(cfg.Telemetry, version))
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(ctx)
//
// Replicated operations are traced under the "recalld.replica" scope and record
// recalld.replica.* instruments. Tests use NewTestTelemetry, which keeps spans in
// a tracetest.SpanRecorder and metrics in a ManualReader.
package telemetry
