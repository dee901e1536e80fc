package snapshot

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fyrsmithlabs/recalld/internal/memstore"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

// recordingPersister counts saves and can be told to fail.
type recordingPersister struct {
	mu    sync.Mutex
	saves []*Snapshot
	fail  error
	load  *Snapshot
	lerr  error
}

func (p *recordingPersister) Save(_ context.Context, snap *Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.saves = append(p.saves, snap)
	return nil
}

func (p *recordingPersister) Load(context.Context) (*Snapshot, error) {
	if p.lerr != nil {
		return nil, p.lerr
	}
	if p.load == nil {
		return &Snapshot{}, nil
	}
	return p.load, nil
}

func (p *recordingPersister) Close() error { return nil }

func (p *recordingPersister) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.saves)
}

func newTestManager(t *testing.T, p Persister) (*Manager, *memstore.Store) {
	t.Helper()
	store := memstore.New(memstore.Options{
		Now:    func() time.Time { return epoch },
		Logger: zaptest.NewLogger(t),
	})
	return NewManager(store, p, ManagerOptions{
		Node:     "node-a",
		Interval: 10 * time.Millisecond,
		Logger:   zaptest.NewLogger(t),
	}), store
}

func TestManager_RestoreThenCleanState(t *testing.T) {
	p := &recordingPersister{load: sampleSnapshot()}
	m, store := newTestManager(t, p)

	n := m.Restore(context.Background())
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, store.Len())
	assert.False(t, m.Dirty(), "restored state matches the snapshot")
}

func TestManager_RestoreCorruptStartsEmpty(t *testing.T) {
	p := &recordingPersister{lerr: ErrCorruptSnapshot}
	m, store := newTestManager(t, p)

	assert.Equal(t, 0, m.Restore(context.Background()))
	assert.Equal(t, 0, store.Len())
}

func TestManager_RestoreErrorStartsEmpty(t *testing.T) {
	p := &recordingPersister{lerr: errors.New("disk on fire")}
	m, store := newTestManager(t, p)

	assert.Equal(t, 0, m.Restore(context.Background()))
	assert.Equal(t, 0, store.Len())
}

func TestManager_TickSavesOnlyWhenDirty(t *testing.T) {
	p := &recordingPersister{}
	m, store := newTestManager(t, p)
	ctx := context.Background()
	m.Restore(ctx)

	m.tick(ctx)
	assert.Equal(t, 0, p.count(), "nothing changed")

	_, err := store.Put("c", "k", []byte("v"), memstore.TTL(time.Hour), 0.5)
	require.NoError(t, err)
	assert.True(t, m.Dirty())

	m.tick(ctx)
	assert.Equal(t, 1, p.count())
	assert.False(t, m.Dirty())

	m.tick(ctx)
	assert.Equal(t, 1, p.count())

	// An overwrite keeps the count but is still a change.
	_, err = store.Put("c", "k", []byte("v2"), memstore.TTL(time.Hour), 0.5)
	require.NoError(t, err)
	m.tick(ctx)
	assert.Equal(t, 2, p.count())
	assert.Equal(t, []byte("v2"), p.saves[1].Entries[0].Value)
	assert.Equal(t, "node-a", p.saves[1].Node)
}

func TestManager_FailedSaveStaysDirty(t *testing.T) {
	p := &recordingPersister{fail: errors.New("write failed")}
	m, store := newTestManager(t, p)
	ctx := context.Background()

	_, err := store.Put("c", "k", []byte("v"), memstore.Infinite, 0.5)
	require.NoError(t, err)

	m.tick(ctx)
	assert.True(t, m.Dirty())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.failures))

	p.mu.Lock()
	p.fail = nil
	p.mu.Unlock()

	m.tick(ctx)
	assert.False(t, m.Dirty())
	assert.Equal(t, float64(1), testutil.ToFloat64(m.saves))
}

func TestManager_FlushIgnoresDirtyState(t *testing.T) {
	p := &recordingPersister{}
	m, _ := newTestManager(t, p)

	require.NoError(t, m.Flush(context.Background()))
	assert.Equal(t, 1, p.count())
	assert.False(t, m.LastSave().IsZero())
}

func TestManager_StopWritesFinalSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snap.json")
	fs, err := NewFileStore(path, zaptest.NewLogger(t))
	require.NoError(t, err)
	m, store := newTestManager(t, fs)
	ctx := context.Background()

	m.Start(ctx)
	_, err = store.Put("c", "k", []byte("v"), memstore.Infinite, 0.7)
	require.NoError(t, err)
	require.NoError(t, m.Stop(ctx))

	_, err = os.Stat(path)
	require.NoError(t, err)

	// A fresh process restores what the first one wrote.
	m2, store2 := newTestManager(t, fs)
	assert.Equal(t, 1, m2.Restore(ctx))
	e, ok := store2.Get("c", "k")
	require.True(t, ok)
	assert.Equal(t, 0.7, e.Importance)
}

func TestManager_PeriodicSave(t *testing.T) {
	p := &recordingPersister{}
	m, store := newTestManager(t, p)
	ctx := context.Background()

	_, err := store.Put("c", "k", []byte("v"), memstore.Infinite, 0.5)
	require.NoError(t, err)

	m.Start(ctx)
	defer m.runner.Stop()

	assert.Eventually(t, func() bool { return p.count() >= 1 }, time.Second, 5*time.Millisecond)
}
