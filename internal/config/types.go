package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration wraps time.Duration for text unmarshaling (YAML, env vars).
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	if parsed < 0 {
		return fmt.Errorf("duration cannot be negative: %s", text)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration().String()), nil
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration().String())
}

// Duration returns the underlying time.Duration.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Millis converts a millisecond count from the config into a time.Duration.
func Millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

// Secret wraps strings that must never appear in logs or dumps of the config,
// such as a redis URL carrying a password. Use Value() to read it.
type Secret string

// String implements fmt.Stringer. Always returns redacted value.
func (s Secret) String() string {
	if s == "" {
		return ""
	}
	return "[REDACTED]"
}

// GoString implements fmt.GoStringer for %#v formatting.
func (s Secret) GoString() string {
	return "Secret([REDACTED])"
}

// Value returns the actual secret value.
func (s Secret) Value() string {
	return string(s)
}

// IsSet returns true if the secret has a non-empty value.
func (s Secret) IsSet() bool {
	return s != ""
}

// MarshalJSON implements json.Marshaler. Always returns redacted value.
func (s Secret) MarshalJSON() ([]byte, error) {
	if s == "" {
		return json.Marshal("")
	}
	return json.Marshal("[REDACTED]")
}

// MarshalText implements encoding.TextMarshaler. Always returns redacted value.
func (s Secret) MarshalText() ([]byte, error) {
	if s == "" {
		return []byte(""), nil
	}
	return []byte("[REDACTED]"), nil
}

// MarshalYAML implements yaml.Marshaler. Always returns redacted value.
func (s Secret) MarshalYAML() (interface{}, error) {
	if s == "" {
		return "", nil
	}
	return "[REDACTED]", nil
}

// UnmarshalText implements encoding.TextUnmarshaler. Accepts raw secret values.
func (s *Secret) UnmarshalText(text []byte) error {
	*s = Secret(text)
	return nil
}
