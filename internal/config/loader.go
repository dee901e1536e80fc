package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	maxConfigFileSize = 1024 * 1024 // 1MB

	// EnvPrefix is stripped from environment variables before mapping them to keys.
	EnvPrefix = "RECALLD_"
)

// listKeys are config keys whose environment values are comma separated.
var listKeys = map[string]bool{
	"cluster.peers":          true,
	"cluster.etcd_endpoints": true,
}

// Load returns the configuration from the default file location plus environment.
func Load() (*Config, error) {
	return LoadWithFile("")
}

// LoadWithFile loads configuration from a YAML file, then overrides with environment variables.
//
// Configuration precedence (highest to lowest):
//  1. Environment variables (RECALLD_CLUSTER_REPLICA_COUNT, RECALLD_STORE_DEFAULT_TTL, ...)
//  2. YAML config file (~/.config/recalld/config.yaml)
//  3. Default()
//
// # Security Considerations
//
// The file must live under ~/.config/recalld/ or /etc/recalld/, carry 0600 or 0400
// permissions and be at most 1MB. A missing file is not an error.
//
// # Environment Variable Mapping
//
// After the RECALLD_ prefix the name is lowercased and split on the first underscore:
//
//	RECALLD_CLUSTER_REPLICA_COUNT -> cluster.replica_count
//	RECALLD_TRANSPORT_RETRY_DELAY_MS -> transport.retry_delay_ms
//	RECALLD_CLUSTER_PEERS=a,b,c -> cluster.peers = [a b c]
func LoadWithFile(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "recalld", "config.yaml")
	}

	if err := validateConfigPath(configPath); err != nil {
		return nil, fmt.Errorf("config path validation failed: %w", err)
	}

	if _, err := os.Stat(configPath); err == nil {
		// Open once and validate the descriptor to avoid a TOCTOU race.
		f, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
		if err := validateConfigFileProperties(info); err != nil {
			return nil, fmt.Errorf("config file validation failed: %w", err)
		}

		content, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.ProviderWithValue(EnvPrefix, ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	// Unmarshal over the defaults so that only keys present in the file or
	// environment replace them.
	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// envTransform maps RECALLD_SECTION_FIELD_NAME to section.field_name.
func envTransform(name, value string) (string, interface{}) {
	lower := strings.ToLower(strings.TrimPrefix(name, EnvPrefix))
	parts := strings.SplitN(lower, "_", 2)
	if len(parts) == 1 {
		return lower, value
	}
	key := parts[0] + "." + parts[1]
	if listKeys[key] {
		items := strings.Split(value, ",")
		out := make([]string, 0, len(items))
		for _, item := range items {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
		return key, out
	}
	return key, value
}

// EnsureConfigDir creates ~/.config/recalld with 0700 permissions.
func EnsureConfigDir() error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}
	configDir := filepath.Join(home, ".config", "recalld")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}
	return nil
}

// validateConfigPath checks if path is in allowed directories.
// This validation runs even if the file doesn't exist yet.
func validateConfigPath(path string) error {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	// Follow symlinks so they cannot escape the allowed directories.
	resolvedPath, err := filepath.EvalSymlinks(absPath)
	if err != nil {
		resolvedPath = absPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	allowedDirs := []string{
		filepath.Join(home, ".config", "recalld"),
		"/etc/recalld",
	}
	for _, dir := range allowedDirs {
		if resolvedPath == dir || strings.HasPrefix(resolvedPath, dir+string(filepath.Separator)) {
			return nil
		}
	}
	return fmt.Errorf("config file must be in ~/.config/recalld/ or /etc/recalld/")
}

// validateConfigFileProperties checks file permissions and size.
func validateConfigFileProperties(info os.FileInfo) error {
	if runtime.GOOS != "windows" {
		perm := info.Mode().Perm()
		if perm != 0600 && perm != 0400 {
			return fmt.Errorf("insecure config file permissions: %v (expected 0600 or 0400)", perm)
		}
	}
	if info.Size() > maxConfigFileSize {
		return fmt.Errorf("config file too large: %d bytes (max %d)", info.Size(), maxConfigFileSize)
	}
	return nil
}
