package logging

import (
	"testing"

	"github.com/fyrsmithlabs/recalld/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func encode(t *testing.T, enc zapcore.Encoder, fields ...zap.Field) string {
	t.Helper()
	buf, err := enc.EncodeEntry(zapcore.Entry{Message: "m"}, fields)
	require.NoError(t, err)
	return buf.String()
}

func TestRedactingEncoder(t *testing.T) {
	enc, err := NewRedactingEncoder(newEncoder("json"), NewDefaultConfig().Redaction)
	require.NoError(t, err)

	out := encode(t, enc,
		zap.String("password", "hunter2"),
		zap.String("target", "redis://:hunter2@cache:6379/0"),
		zap.String("context", "session-1"),
	)

	assert.NotContains(t, out, "hunter2")
	assert.Contains(t, out, `"password":"[REDACTED]"`)
	assert.Contains(t, out, `"target":"[REDACTED:pattern]"`)
	assert.Contains(t, out, `"context":"session-1"`)
}

func TestRedactingEncoder_Disabled(t *testing.T) {
	enc, err := NewRedactingEncoder(newEncoder("json"), RedactionConfig{Enabled: false})
	require.NoError(t, err)

	assert.Contains(t, encode(t, enc, zap.String("password", "plain")), "plain")
}

func TestRedactingEncoder_BadPattern(t *testing.T) {
	_, err := NewRedactingEncoder(newEncoder("json"), RedactionConfig{Enabled: true, Patterns: []string{"("}})
	assert.Error(t, err)
}

func TestSecretField(t *testing.T) {
	tl := NewTestLogger()
	tl.Underlying().Info("connecting", Secret("redis_url", config.Secret("redis://:pw@host")))

	entries := tl.FilterMessage("connecting").All()
	require.Len(t, entries, 1)
	assert.Equal(t, map[string]interface{}{"redis_url": "[REDACTED:16]"}, entries[0].ContextMap()["redis_url"])
}
