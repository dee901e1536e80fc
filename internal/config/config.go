// Package config provides configuration loading for recalld.
//
// Defaults are compiled in, optionally overridden by a YAML file and then by
// RECALLD_* environment variables. See LoadWithFile.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config holds the complete recalld node configuration.
type Config struct {
	Node      NodeConfig      `koanf:"node"`
	Store     StoreConfig     `koanf:"store"`
	Snapshot  SnapshotConfig  `koanf:"snapshot"`
	Cluster   ClusterConfig   `koanf:"cluster"`
	Transport TransportConfig `koanf:"transport"`
	Cache     CacheConfig     `koanf:"cache"`
	Search    SearchConfig    `koanf:"search"`
	Server    ServerConfig    `koanf:"server"`
	Logging   LoggingConfig   `koanf:"logging"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

// NodeConfig identifies this process in the cluster.
type NodeConfig struct {
	// ID is the stable node identifier. Generated at startup when empty.
	ID string `koanf:"id"`
}

// StoreConfig holds local store and eviction settings.
type StoreConfig struct {
	DefaultTTL              Duration `koanf:"default_ttl"`
	DefaultImportance       float64  `koanf:"default_importance"`
	HighImportanceThreshold float64  `koanf:"high_importance_threshold"`
	// ExtensionFactor is the share of the original TTL granted to a
	// high-importance entry on each sweep (0.5 means ttl/2).
	ExtensionFactor float64 `koanf:"extension_factor"`
	SweepIntervalMS int     `koanf:"sweep_interval_ms"`
}

// SweepInterval returns the eviction sweep period.
func (s StoreConfig) SweepInterval() time.Duration { return Millis(s.SweepIntervalMS) }

// SnapshotConfig selects and tunes the persistence backend.
type SnapshotConfig struct {
	Backend    string `koanf:"backend"` // file, redis or none
	Path       string `koanf:"path"`
	IntervalMS int    `koanf:"interval_ms"`
	RedisURL   Secret `koanf:"redis_url"`
	RedisKey   string `koanf:"redis_key"`
}

// Interval returns the snapshot cadence.
func (s SnapshotConfig) Interval() time.Duration { return Millis(s.IntervalMS) }

// ClusterConfig holds membership and placement settings.
type ClusterConfig struct {
	ReplicaCount        int      `koanf:"replica_count"`
	MembershipRefreshMS int      `koanf:"membership_refresh_ms"`
	Provider            string   `koanf:"provider"` // static, file or etcd
	Peers               []string `koanf:"peers"`
	PeersFile           string   `koanf:"peers_file"`
	EtcdEndpoints       []string `koanf:"etcd_endpoints"`
	EtcdNamespace       string   `koanf:"etcd_namespace"`
	EtcdUsername        string   `koanf:"etcd_username"`
	EtcdPassword        Secret   `koanf:"etcd_password"`
	EtcdLeaseTTL        Duration `koanf:"etcd_lease_ttl"`
	EtcdDialTimeout     Duration `koanf:"etcd_dial_timeout"`
}

// MembershipRefresh returns the membership polling period.
func (c ClusterConfig) MembershipRefresh() time.Duration { return Millis(c.MembershipRefreshMS) }

// TransportConfig holds inter-node RPC settings.
type TransportConfig struct {
	NATSURL       string `koanf:"nats_url"`
	SubjectPrefix string `koanf:"subject_prefix"`
	RPCTimeoutMS  int    `koanf:"rpc_timeout_ms"`
	RetryAttempts int    `koanf:"retry_attempts"`
	RetryDelayMS  int    `koanf:"retry_delay_ms"`
}

// RPCTimeout returns the per-call deadline for remote operations.
func (t TransportConfig) RPCTimeout() time.Duration { return Millis(t.RPCTimeoutMS) }

// RetryDelay returns the fixed delay between retry attempts.
func (t TransportConfig) RetryDelay() time.Duration { return Millis(t.RetryDelayMS) }

// CacheConfig sizes the node-local read cache.
type CacheConfig struct {
	Size int `koanf:"size"`
}

// SearchConfig selects the scoring strategy used by content search.
type SearchConfig struct {
	Mode           string  `koanf:"mode"`    // lexical, semantic or hybrid
	Lexical        string  `koanf:"lexical"` // jaccard or bm25
	Embedder       string  `koanf:"embedder"`
	EmbedderModel  string  `koanf:"embedder_model"`
	EmbedderCache  string  `koanf:"embedder_cache"`
	Dimensions     int     `koanf:"dimensions"`
	SemanticWeight float64 `koanf:"semantic_weight"`
	LexicalWeight  float64 `koanf:"lexical_weight"`
}

// ServerConfig holds admin HTTP server configuration.
type ServerConfig struct {
	Host            string        `koanf:"http_host"`
	Port            int           `koanf:"http_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
	RateLimit       float64       `koanf:"rate_limit"` // requests per second, 0 disables
	RateBurst       int           `koanf:"rate_burst"`
}

// LoggingConfig holds the subset of logging settings exposed through config files.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	OTel   bool   `koanf:"otel"`
}

// TelemetryConfig holds OpenTelemetry export settings.
type TelemetryConfig struct {
	Enabled     bool    `koanf:"enabled"`
	Endpoint    string  `koanf:"endpoint"`
	Protocol    string  `koanf:"protocol"` // grpc or http/protobuf
	Insecure    bool    `koanf:"insecure"`
	ServiceName string  `koanf:"service_name"`
	SampleRate  float64 `koanf:"sample_rate"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			DefaultTTL:              Duration(24 * time.Hour),
			DefaultImportance:       0.5,
			HighImportanceThreshold: 0.8,
			ExtensionFactor:         0.5,
			SweepIntervalMS:         60000,
		},
		Snapshot: SnapshotConfig{
			Backend:    "file",
			Path:       "recalld.snapshot.json",
			IntervalMS: 5000,
			RedisKey:   "recalld:snapshot",
		},
		Cluster: ClusterConfig{
			ReplicaCount:        2,
			MembershipRefreshMS: 5000,
			Provider:            "static",
			EtcdNamespace:       "recalld",
			EtcdLeaseTTL:        Duration(10 * time.Second),
			EtcdDialTimeout:     Duration(5 * time.Second),
		},
		Transport: TransportConfig{
			SubjectPrefix: "recalld.rpc",
			RPCTimeoutMS:  2000,
			RetryAttempts: 3,
			RetryDelayMS:  100,
		},
		Cache: CacheConfig{
			Size: 10000,
		},
		Search: SearchConfig{
			Mode:           "lexical",
			Lexical:        "jaccard",
			Embedder:       "hash",
			Dimensions:     256,
			SemanticWeight: 0.7,
			LexicalWeight:  0.3,
		},
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            9190,
			ShutdownTimeout: 10 * time.Second,
			RateLimit:       100,
			RateBurst:       200,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Endpoint:    "localhost:4317",
			Protocol:    "grpc",
			Insecure:    true,
			ServiceName: "recalld",
			SampleRate:  1.0,
		},
	}
}

// Validate validates the configuration.
//
// All problems are reported together rather than stopping at the first.
func (c *Config) Validate() error {
	var errs []error

	if c.Store.DefaultTTL.Duration() <= 0 {
		errs = append(errs, errors.New("store.default_ttl must be positive"))
	}
	if c.Store.DefaultImportance < 0 || c.Store.DefaultImportance > 1 {
		errs = append(errs, fmt.Errorf("store.default_importance must be in [0,1], got %v", c.Store.DefaultImportance))
	}
	if c.Store.HighImportanceThreshold < 0 || c.Store.HighImportanceThreshold > 1 {
		errs = append(errs, fmt.Errorf("store.high_importance_threshold must be in [0,1], got %v", c.Store.HighImportanceThreshold))
	}
	if c.Store.ExtensionFactor <= 0 {
		errs = append(errs, fmt.Errorf("store.extension_factor must be positive, got %v", c.Store.ExtensionFactor))
	}
	if c.Store.SweepIntervalMS <= 0 {
		errs = append(errs, errors.New("store.sweep_interval_ms must be positive"))
	}

	switch c.Snapshot.Backend {
	case "file":
		if c.Snapshot.Path == "" {
			errs = append(errs, errors.New("snapshot.path is required for the file backend"))
		}
	case "redis":
		if !c.Snapshot.RedisURL.IsSet() {
			errs = append(errs, errors.New("snapshot.redis_url is required for the redis backend"))
		}
	case "none":
	default:
		errs = append(errs, fmt.Errorf("snapshot.backend must be file, redis or none, got %q", c.Snapshot.Backend))
	}
	if c.Snapshot.IntervalMS <= 0 {
		errs = append(errs, errors.New("snapshot.interval_ms must be positive"))
	}

	if c.Cluster.ReplicaCount < 1 {
		errs = append(errs, fmt.Errorf("cluster.replica_count must be >= 1, got %d", c.Cluster.ReplicaCount))
	}
	if c.Cluster.MembershipRefreshMS <= 0 {
		errs = append(errs, errors.New("cluster.membership_refresh_ms must be positive"))
	}
	switch c.Cluster.Provider {
	case "static":
	case "file":
		if c.Cluster.PeersFile == "" {
			errs = append(errs, errors.New("cluster.peers_file is required for the file provider"))
		}
	case "etcd":
		if len(c.Cluster.EtcdEndpoints) == 0 {
			errs = append(errs, errors.New("cluster.etcd_endpoints is required for the etcd provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("cluster.provider must be static, file or etcd, got %q", c.Cluster.Provider))
	}

	if c.Transport.RPCTimeoutMS <= 0 {
		errs = append(errs, errors.New("transport.rpc_timeout_ms must be positive"))
	}
	if c.Transport.RetryAttempts < 1 {
		errs = append(errs, fmt.Errorf("transport.retry_attempts must be >= 1, got %d", c.Transport.RetryAttempts))
	}
	if c.Transport.RetryDelayMS < 0 {
		errs = append(errs, errors.New("transport.retry_delay_ms cannot be negative"))
	}
	if c.Transport.SubjectPrefix == "" || strings.ContainsAny(c.Transport.SubjectPrefix, " *>") {
		errs = append(errs, fmt.Errorf("transport.subject_prefix is not a valid subject: %q", c.Transport.SubjectPrefix))
	}

	if c.Cache.Size < 1 {
		errs = append(errs, errors.New("cache.size must be >= 1"))
	}

	switch c.Search.Mode {
	case "lexical", "semantic", "hybrid":
	default:
		errs = append(errs, fmt.Errorf("search.mode must be lexical, semantic or hybrid, got %q", c.Search.Mode))
	}
	switch c.Search.Lexical {
	case "jaccard", "bm25":
	default:
		errs = append(errs, fmt.Errorf("search.lexical must be jaccard or bm25, got %q", c.Search.Lexical))
	}
	switch c.Search.Embedder {
	case "hash", "fastembed":
	default:
		errs = append(errs, fmt.Errorf("search.embedder must be hash or fastembed, got %q", c.Search.Embedder))
	}
	if c.Search.Dimensions < 1 {
		errs = append(errs, errors.New("search.dimensions must be >= 1"))
	}
	if c.Search.SemanticWeight < 0 || c.Search.LexicalWeight < 0 {
		errs = append(errs, errors.New("search weights cannot be negative"))
	}
	if c.Search.SemanticWeight == 0 && c.Search.LexicalWeight == 0 {
		errs = append(errs, errors.New("search weights cannot both be zero"))
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port: %d (must be 1-65535)", c.Server.Port))
	}
	if c.Server.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("shutdown timeout must be positive"))
	}

	if c.Telemetry.Enabled && c.Telemetry.ServiceName == "" {
		errs = append(errs, errors.New("service name required when telemetry is enabled"))
	}

	return errors.Join(errs...)
}
