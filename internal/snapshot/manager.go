package snapshot

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fyrsmithlabs/recalld/internal/background"
	"github.com/fyrsmithlabs/recalld/internal/memstore"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// Node is recorded in every snapshot.
	Node string

	// Interval between dirty checks. Default 5s.
	Interval time.Duration

	Logger *zap.Logger
}

// Manager owns the snapshot cadence for one store: it restores once at
// startup, saves periodically when the store changed since the last save,
// and saves unconditionally on Flush and Stop.
//
// Persistence failures are logged and counted, never returned to writers.
type Manager struct {
	store     *memstore.Store
	persister Persister
	node      string
	logger    *zap.Logger
	runner    *background.Runner

	// mu serializes saves and guards the fields below.
	mu          sync.Mutex
	lastVersion uint64
	lastCount   int
	lastSave    time.Time

	saves    prometheus.Counter
	failures prometheus.Counter
}

// NewManager creates a manager for store backed by persister.
func NewManager(store *memstore.Store, persister Persister, opts ManagerOptions) *Manager {
	if opts.Interval <= 0 {
		opts.Interval = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	labels := prometheus.Labels{"node_id": opts.Node}
	m := &Manager{
		store:     store,
		persister: persister,
		node:      opts.Node,
		logger:    opts.Logger,
		saves: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "recalld", Subsystem: "snapshot", Name: "saves_total",
			Help: "Snapshots written successfully.", ConstLabels: labels,
		}),
		failures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "recalld", Subsystem: "snapshot", Name: "failures_total",
			Help: "Snapshot writes that failed.", ConstLabels: labels,
		}),
	}
	m.runner = background.New(background.Config{
		Name:     "snapshot",
		Interval: opts.Interval,
		Tick:     m.tick,
	}, opts.Logger)
	return m
}

// Collectors returns the manager's Prometheus metrics for registration.
func (m *Manager) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.saves, m.failures}
}

// Restore loads the persisted snapshot into the store and returns how many
// entries were restored. Any load failure leaves the store empty and is
// logged; it never fails startup.
func (m *Manager) Restore(ctx context.Context) int {
	snap, err := m.persister.Load(ctx)
	switch {
	case errors.Is(err, ErrCorruptSnapshot):
		m.logger.Error("snapshot is corrupt, starting empty", zap.Error(err))
		snap = &Snapshot{}
	case err != nil:
		m.logger.Error("failed to load snapshot, starting empty", zap.Error(err))
		snap = &Snapshot{}
	}

	n := m.store.Restore(snap.Entries)

	m.mu.Lock()
	m.lastVersion = m.store.Version()
	m.lastCount = m.store.Len()
	m.mu.Unlock()

	m.logger.Info("snapshot restored",
		zap.Int("entries", n),
		zap.Int("skipped", len(snap.Entries)-n),
		zap.String("saved_by", snap.Node))
	return n
}

// Start begins periodic saving.
func (m *Manager) Start(ctx context.Context) { m.runner.Start(ctx) }

// Stop halts periodic saving and writes a final snapshot.
func (m *Manager) Stop(ctx context.Context) error {
	m.runner.Stop()
	return m.Flush(ctx)
}

// Dirty reports whether the store changed since the last successful save.
func (m *Manager) Dirty() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dirtyLocked()
}

func (m *Manager) dirtyLocked() bool {
	return m.store.Version() != m.lastVersion || m.store.Len() != m.lastCount
}

// Flush saves the live entries now, regardless of the dirty state.
func (m *Manager) Flush(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked(ctx)
}

// LastSave returns when the last successful save completed.
func (m *Manager) LastSave() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSave
}

func (m *Manager) tick(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.dirtyLocked() {
		return
	}
	// Errors are already logged and counted.
	_ = m.saveLocked(ctx)
}

func (m *Manager) saveLocked(ctx context.Context) error {
	version := m.store.Version()
	count := m.store.Len()
	snap := &Snapshot{
		Node:    m.node,
		SavedAt: m.store.Now(),
		Entries: m.store.Live(),
	}

	if err := m.persister.Save(ctx, snap); err != nil {
		m.failures.Inc()
		m.logger.Error("snapshot save failed", zap.Int("entries", len(snap.Entries)), zap.Error(err))
		return err
	}

	m.saves.Inc()
	m.lastVersion = version
	m.lastCount = count
	m.lastSave = time.Now()
	m.logger.Debug("snapshot saved", zap.Int("entries", len(snap.Entries)))
	return nil
}
