// Package background runs periodic maintenance work (eviction sweeps,
// snapshot saves, membership refreshes) on its own goroutine.
package background

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Config configures a Runner.
type Config struct {
	// Name identifies the loop in logs.
	Name string

	// Interval between ticks. Must be positive.
	Interval time.Duration

	// Immediate runs the first tick as soon as the loop starts instead of
	// waiting one interval.
	Immediate bool

	// Tick is the work performed on every interval.
	Tick func(ctx context.Context)
}

// Runner calls Config.Tick every Config.Interval until stopped or until the
// context passed to Start is canceled. A stopped Runner can be started again.
type Runner struct {
	config Config
	logger *zap.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a Runner. A nil logger is replaced by a no-op logger.
func New(config Config, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{config: config, logger: logger}
}

// Start begins ticking in the background. Calling Start on a running Runner
// is a no-op.
func (r *Runner) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})

	r.logger.Debug("starting background loop",
		zap.String("loop", r.config.Name),
		zap.Duration("interval", r.config.Interval))

	go r.run(ctx, r.stopCh, r.doneCh)
}

// Stop halts the loop and waits for an in-flight tick to finish.
func (r *Runner) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	stopCh, doneCh := r.stopCh, r.doneCh
	r.running = false
	r.mu.Unlock()

	close(stopCh)
	<-doneCh
}

// IsRunning returns true if the loop is active.
func (r *Runner) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}

func (r *Runner) run(ctx context.Context, stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	if r.config.Immediate {
		r.config.Tick(ctx)
	}

	ticker := time.NewTicker(r.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("background loop stopped: context canceled", zap.String("loop", r.config.Name))
			r.mu.Lock()
			if r.stopCh == stopCh {
				r.running = false
			}
			r.mu.Unlock()
			return
		case <-stopCh:
			r.logger.Debug("background loop stopped: stop requested", zap.String("loop", r.config.Name))
			return
		case <-ticker.C:
			r.config.Tick(ctx)
		}
	}
}
