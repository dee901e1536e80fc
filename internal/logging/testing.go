package logging

import (
	"reflect"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// TestLogger is a Logger whose output is captured in memory.
type TestLogger struct {
	*Logger
	observed *observer.ObservedLogs
}

// NewTestLogger captures every level, trace included.
func NewTestLogger() *TestLogger {
	core, observed := observer.New(TraceLevel)
	return &TestLogger{
		Logger:   &Logger{zap: zap.New(core), config: NewDefaultConfig()},
		observed: observed,
	}
}

// All returns every captured entry.
func (t *TestLogger) All() []observer.LoggedEntry {
	return t.observed.All()
}

// FilterMessage returns entries whose message equals msg.
func (t *TestLogger) FilterMessage(msg string) *observer.ObservedLogs {
	return t.observed.FilterMessage(msg)
}

// Reset drops everything captured so far.
func (t *TestLogger) Reset() {
	t.observed.TakeAll()
}

// AssertField fails tb unless some entry with message msg carries key=expected.
func (t *TestLogger) AssertField(tb testing.TB, msg, key string, expected interface{}) {
	tb.Helper()
	if !t.hasField(msg, func(f zapcore.Field) bool {
		if f.Key != key {
			return false
		}
		enc := zapcore.NewMapObjectEncoder()
		f.AddTo(enc)
		return reflect.DeepEqual(enc.Fields[key], expected)
	}) {
		tb.Errorf("field %q=%v not found in message %q", key, expected, msg)
	}
}

// AssertTraceCorrelation fails tb unless an entry with message msg has a trace_id.
func (t *TestLogger) AssertTraceCorrelation(tb testing.TB, msg string) {
	tb.Helper()
	if !t.hasField(msg, func(f zapcore.Field) bool { return f.Key == "trace_id" }) {
		tb.Errorf("message %q missing trace_id", msg)
	}
}

func (t *TestLogger) hasField(msg string, match func(zapcore.Field) bool) bool {
	for _, entry := range t.observed.FilterMessage(msg).All() {
		for _, f := range entry.Context {
			if match(f) {
				return true
			}
		}
	}
	return false
}
