package telemetry

import (
	"context"
	"testing"

	"github.com/fyrsmithlabs/recalld/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_Disabled(t *testing.T) {
	tel, err := New(context.Background(), NewDefaultConfig())
	require.NoError(t, err)

	assert.NotNil(t, tel.Tracer("test"))
	assert.NotNil(t, tel.Meter("test"))
	assert.NotNil(t, tel.TracerProvider())
	assert.NotNil(t, tel.MeterProvider())
	assert.False(t, tel.IsEnabled())

	h := tel.Health()
	assert.True(t, h.Healthy)
	assert.False(t, h.Degraded)
	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestNew_InvalidConfig(t *testing.T) {
	tel, err := New(context.Background(), &Config{Enabled: true})
	require.Error(t, err)
	assert.Nil(t, tel)
	assert.Contains(t, err.Error(), "invalid telemetry config")
}

func TestTelemetry_NilSafe(t *testing.T) {
	var tel *Telemetry
	assert.NotNil(t, tel.Tracer("x"))
	assert.NotNil(t, tel.Meter("x"))
	assert.NotNil(t, tel.LoggerProvider())
	assert.NoError(t, tel.Shutdown(context.Background()))
	assert.NoError(t, tel.ForceFlush(context.Background()))
	assert.True(t, tel.Health().Degraded)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"disabled skips checks", func(c *Config) { c.Endpoint = "" }, ""},
		{"enabled local ok", func(c *Config) { c.Enabled = true }, ""},
		{"missing endpoint", func(c *Config) { c.Enabled = true; c.Endpoint = "" }, "endpoint"},
		{"insecure remote", func(c *Config) { c.Enabled = true; c.Endpoint = "otel.example.com:4317" }, "insecure"},
		{"secure remote", func(c *Config) { c.Enabled = true; c.Endpoint = "otel.example.com:4317"; c.Insecure = false }, ""},
		{"bad protocol", func(c *Config) { c.Enabled = true; c.Protocol = "udp" }, "protocol"},
		{"bad rate", func(c *Config) { c.Enabled = true; c.Sampling.Rate = 2 }, "sampling.rate"},
		{"ipv6 loopback", func(c *Config) { c.Enabled = true; c.Endpoint = "[::1]:4317" }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := NewDefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestFromSettings(t *testing.T) {
	cfg := FromSettings(config.TelemetryConfig{
		Enabled:     true,
		Endpoint:    "collector:4318",
		Protocol:    "http/protobuf",
		ServiceName: "recalld-test",
		SampleRate:  0.25,
	}, "1.2.3")

	assert.True(t, cfg.Enabled)
	assert.Equal(t, "collector:4318", cfg.Endpoint)
	assert.Equal(t, "http/protobuf", cfg.Protocol)
	assert.Equal(t, "recalld-test", cfg.ServiceName)
	assert.Equal(t, "1.2.3", cfg.ServiceVersion)
	assert.False(t, cfg.Insecure)
	assert.Equal(t, 0.25, cfg.Sampling.Rate)
}

func TestStripScheme(t *testing.T) {
	assert.Equal(t, "collector:4318", stripScheme("https://collector:4318"))
	assert.Equal(t, "collector:4318", stripScheme("http://collector:4318"))
	assert.Equal(t, "collector:4318", stripScheme("collector:4318"))
}

func TestSkipVerifyTLS(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.TLSSkipVerify = true
	assert.Nil(t, skipVerifyTLS(cfg), "insecure connections carry no TLS config")

	cfg.Insecure = false
	require.NotNil(t, skipVerifyTLS(cfg))
	assert.True(t, skipVerifyTLS(cfg).InsecureSkipVerify)

	cfg.TLSSkipVerify = false
	assert.Nil(t, skipVerifyTLS(cfg))
}

func TestSampler(t *testing.T) {
	assert.Contains(t, sampler(1).Description(), "AlwaysOnSampler")
	assert.Contains(t, sampler(0).Description(), "AlwaysOffSampler")
	assert.Contains(t, sampler(0.5).Description(), "TraceIDRatioBased")
}

func TestTestTelemetry_RecordsSpansAndCounters(t *testing.T) {
	tt := NewTestTelemetry()
	ctx := context.Background()

	_, span := tt.Tracer("recalld.test").Start(ctx, "op")
	span.End()
	tt.AssertSpanExists(t, "op")

	counter, err := tt.Meter("recalld.test").Int64Counter("recalld.test.ops")
	require.NoError(t, err)
	counter.Add(ctx, 2)
	counter.Add(ctx, 3)
	assert.Equal(t, int64(5), tt.CounterValue(t, "recalld.test.ops"))
	assert.Equal(t, int64(0), tt.CounterValue(t, "missing"))
}
