package logging

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/recalld/internal/config"
	"go.uber.org/zap"
	"go.uber.org/zap/buffer"
	"go.uber.org/zap/zapcore"
)

// secretMarshaler wraps config.Secret for Zap object marshaling.
type secretMarshaler struct {
	key string
	val config.Secret
}

// MarshalLogObject implements zapcore.ObjectMarshaler.
func (s *secretMarshaler) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString(s.key, fmt.Sprintf("[REDACTED:%d]", len(s.val.Value())))
	return nil
}

// Secret logs a config.Secret as its length only.
func Secret(key string, val config.Secret) zap.Field {
	return zap.Object(key, &secretMarshaler{key: key, val: val})
}

// RedactingEncoder wraps a zapcore.Encoder to redact sensitive fields.
type RedactingEncoder struct {
	zapcore.Encoder
	redactFields map[string]bool
	redactRegex  []*regexp.Regexp
}

// NewRedactingEncoder wraps an encoder with redaction rules.
// Returns error if any redaction pattern fails to compile.
func NewRedactingEncoder(base zapcore.Encoder, cfg RedactionConfig) (*RedactingEncoder, error) {
	if !cfg.Enabled {
		return &RedactingEncoder{Encoder: base}, nil
	}

	fields := make(map[string]bool)
	for _, f := range cfg.Fields {
		fields[strings.ToLower(f)] = true
	}

	var patterns []*regexp.Regexp
	for _, p := range cfg.Patterns {
		if len(p) > 200 {
			return nil, fmt.Errorf("redaction pattern too long (max 200 chars): %q", p)
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid redaction pattern %q: %w", p, err)
		}
		patterns = append(patterns, re)
	}

	return &RedactingEncoder{
		Encoder:      base,
		redactFields: fields,
		redactRegex:  patterns,
	}, nil
}

// shouldRedactKey returns true if the key should be redacted.
func (e *RedactingEncoder) shouldRedactKey(key string) bool {
	return e.redactFields[strings.ToLower(key)]
}

// EncodeEntry redacts per-entry fields before delegating. Fields attached
// with With go through the Add* methods below instead.
func (e *RedactingEncoder) EncodeEntry(ent zapcore.Entry, fields []zapcore.Field) (*buffer.Buffer, error) {
	if e.redactFields == nil && len(e.redactRegex) == 0 {
		return e.Encoder.EncodeEntry(ent, fields)
	}
	redacted := make([]zapcore.Field, len(fields))
	for i, f := range fields {
		redacted[i] = e.redactField(f)
	}
	return e.Encoder.EncodeEntry(ent, redacted)
}

func (e *RedactingEncoder) redactField(f zapcore.Field) zapcore.Field {
	if e.shouldRedactKey(f.Key) {
		return zap.String(f.Key, "[REDACTED]")
	}
	if f.Type == zapcore.StringType {
		for _, re := range e.redactRegex {
			if re.MatchString(f.String) {
				return zap.String(f.Key, "[REDACTED:pattern]")
			}
		}
	}
	return f
}

// AddString redacts sensitive field names and value patterns.
func (e *RedactingEncoder) AddString(key, val string) {
	if e.shouldRedactKey(key) {
		e.Encoder.AddString(key, "[REDACTED]")
		return
	}
	for _, re := range e.redactRegex {
		if re.MatchString(val) {
			e.Encoder.AddString(key, "[REDACTED:pattern]")
			return
		}
	}
	e.Encoder.AddString(key, val)
}

// AddByteString redacts sensitive field names.
func (e *RedactingEncoder) AddByteString(key string, val []byte) {
	if e.shouldRedactKey(key) {
		e.Encoder.AddByteString(key, []byte("[REDACTED]"))
		return
	}
	e.Encoder.AddByteString(key, val)
}

// AddBinary redacts sensitive field names.
func (e *RedactingEncoder) AddBinary(key string, val []byte) {
	if e.shouldRedactKey(key) {
		e.Encoder.AddBinary(key, []byte("[REDACTED]"))
		return
	}
	e.Encoder.AddBinary(key, val)
}

// AddReflected redacts sensitive field names. The whole value is replaced.
func (e *RedactingEncoder) AddReflected(key string, val interface{}) error {
	if e.shouldRedactKey(key) {
		e.Encoder.AddString(key, "[REDACTED]")
		return nil
	}
	return e.Encoder.AddReflected(key, val)
}

// AddArray redacts sensitive field names.
func (e *RedactingEncoder) AddArray(key string, arr zapcore.ArrayMarshaler) error {
	if e.shouldRedactKey(key) {
		e.Encoder.AddString(key, "[REDACTED]")
		return nil
	}
	return e.Encoder.AddArray(key, arr)
}

// AddObject redacts sensitive field names.
func (e *RedactingEncoder) AddObject(key string, obj zapcore.ObjectMarshaler) error {
	if e.shouldRedactKey(key) {
		e.Encoder.AddString(key, "[REDACTED]")
		return nil
	}
	return e.Encoder.AddObject(key, obj)
}

// Clone creates a copy of the encoder.
func (e *RedactingEncoder) Clone() zapcore.Encoder {
	return &RedactingEncoder{
		Encoder:      e.Encoder.Clone(),
		redactFields: e.redactFields,
		redactRegex:  e.redactRegex,
	}
}
