package config

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 2, cfg.Cluster.ReplicaCount)
	assert.Equal(t, 3, cfg.Transport.RetryAttempts)
	assert.Equal(t, 100*time.Millisecond, cfg.Transport.RetryDelay())
	assert.Equal(t, 60*time.Second, cfg.Store.SweepInterval())
	assert.Equal(t, 5*time.Second, cfg.Snapshot.Interval())
	assert.Equal(t, 24*time.Hour, cfg.Store.DefaultTTL.Duration())
	assert.Equal(t, 0.5, cfg.Store.DefaultImportance)
	assert.Equal(t, 0.8, cfg.Store.HighImportanceThreshold)
	assert.Equal(t, 5*time.Second, cfg.Cluster.MembershipRefresh())
	assert.Equal(t, 0.5, cfg.Store.ExtensionFactor)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"importance above one", func(c *Config) { c.Store.DefaultImportance = 1.5 }, "default_importance"},
		{"negative threshold", func(c *Config) { c.Store.HighImportanceThreshold = -0.1 }, "high_importance_threshold"},
		{"zero replicas", func(c *Config) { c.Cluster.ReplicaCount = 0 }, "replica_count"},
		{"zero retry attempts", func(c *Config) { c.Transport.RetryAttempts = 0 }, "retry_attempts"},
		{"zero sweep interval", func(c *Config) { c.Store.SweepIntervalMS = 0 }, "sweep_interval_ms"},
		{"unknown backend", func(c *Config) { c.Snapshot.Backend = "s3" }, "snapshot.backend"},
		{"redis without url", func(c *Config) { c.Snapshot.Backend = "redis" }, "redis_url"},
		{"etcd without endpoints", func(c *Config) { c.Cluster.Provider = "etcd" }, "etcd_endpoints"},
		{"unknown search mode", func(c *Config) { c.Search.Mode = "regex" }, "search.mode"},
		{"wildcard subject", func(c *Config) { c.Transport.SubjectPrefix = "recalld.*" }, "subject_prefix"},
		{"zero search weights", func(c *Config) { c.Search.SemanticWeight, c.Search.LexicalWeight = 0, 0 }, "both be zero"},
		{"bad port", func(c *Config) { c.Server.Port = 70000 }, "invalid server port"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_AcceptsZeroImportanceSettings(t *testing.T) {
	cfg := Default()
	cfg.Store.DefaultImportance = 0
	cfg.Store.HighImportanceThreshold = 0
	cfg.Transport.RetryDelayMS = 0
	assert.NoError(t, cfg.Validate())
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.Cluster.ReplicaCount = 0
	cfg.Cache.Size = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "replica_count")
	assert.Contains(t, err.Error(), "cache.size")
}

func TestSecret_NeverPrinted(t *testing.T) {
	s := Secret("redis://:hunter2@localhost:6379")

	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.Equal(t, "Secret([REDACTED])", fmt.Sprintf("%#v", s))

	data, err := json.Marshal(struct{ URL Secret }{URL: s})
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hunter2")
	assert.Equal(t, "redis://:hunter2@localhost:6379", s.Value())
}

func TestDuration_UnmarshalText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("90s")))
	assert.Equal(t, 90*time.Second, d.Duration())

	assert.Error(t, d.UnmarshalText([]byte("-1s")))
	assert.Error(t, d.UnmarshalText([]byte("soon")))
}
