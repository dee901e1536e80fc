package background

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

func TestRunner_TicksUntilStopped(t *testing.T) {
	var ticks atomic.Int32
	r := New(Config{
		Name:     "test",
		Interval: 5 * time.Millisecond,
		Tick:     func(context.Context) { ticks.Add(1) },
	}, zaptest.NewLogger(t))

	r.Start(context.Background())
	assert.True(t, r.IsRunning())

	assert.Eventually(t, func() bool { return ticks.Load() >= 3 }, time.Second, time.Millisecond)

	r.Stop()
	assert.False(t, r.IsRunning())

	after := ticks.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, ticks.Load())
}

func TestRunner_Immediate(t *testing.T) {
	ran := make(chan struct{}, 1)
	r := New(Config{
		Name:      "immediate",
		Interval:  time.Hour,
		Immediate: true,
		Tick: func(context.Context) {
			select {
			case ran <- struct{}{}:
			default:
			}
		},
	}, nil)

	r.Start(context.Background())
	defer r.Stop()

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("immediate tick did not run")
	}
}

func TestRunner_ContextCancelStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r := New(Config{Name: "ctx", Interval: time.Millisecond, Tick: func(context.Context) {}}, nil)

	r.Start(ctx)
	cancel()

	assert.Eventually(t, func() bool { return !r.IsRunning() }, time.Second, time.Millisecond)
	r.Stop()
}

func TestRunner_Restart(t *testing.T) {
	var ticks atomic.Int32
	r := New(Config{Name: "restart", Interval: time.Millisecond, Tick: func(context.Context) { ticks.Add(1) }}, nil)

	r.Start(context.Background())
	r.Start(context.Background())
	r.Stop()
	r.Stop()

	r.Start(context.Background())
	defer r.Stop()
	before := ticks.Load()
	assert.Eventually(t, func() bool { return ticks.Load() > before }, time.Second, time.Millisecond)
}
