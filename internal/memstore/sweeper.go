package memstore

import (
	"context"
	"time"

	"github.com/fyrsmithlabs/recalld/internal/background"
	"go.uber.org/zap"
)

// Sweeper runs Store.Sweep on a fixed interval.
type Sweeper struct {
	store  *Store
	runner *background.Runner
	logger *zap.Logger

	// OnSweep, when set, observes every completed pass.
	OnSweep func(SweepResult)
}

// NewSweeper creates a sweeper for store. The first pass runs one interval
// after Start.
func NewSweeper(store *Store, interval time.Duration, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Sweeper{store: store, logger: logger}
	s.runner = background.New(background.Config{
		Name:     "eviction-sweep",
		Interval: interval,
		Tick:     s.tick,
	}, logger)
	return s
}

// Start begins sweeping in the background.
func (s *Sweeper) Start(ctx context.Context) { s.runner.Start(ctx) }

// Stop halts the sweeper and waits for an in-flight pass.
func (s *Sweeper) Stop() { s.runner.Stop() }

// IsRunning returns true while the sweeper is active.
func (s *Sweeper) IsRunning() bool { return s.runner.IsRunning() }

func (s *Sweeper) tick(context.Context) {
	res := s.store.Sweep()
	if res.Deleted > 0 || res.Extended > 0 {
		s.logger.Debug("eviction sweep",
			zap.Int("scanned", res.Scanned),
			zap.Int("deleted", res.Deleted),
			zap.Int("extended", res.Extended))
	}
	if s.OnSweep != nil {
		s.OnSweep(res)
	}
}
