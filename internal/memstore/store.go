package memstore

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Options configures a Store.
type Options struct {
	// Now is the store clock. Defaults to time.Now.
	Now func() time.Time

	// HighImportanceThreshold is the importance above which the sweep
	// extends an entry instead of letting it run out. Nil means 0.8; zero
	// is a valid threshold.
	HighImportanceThreshold *float64

	// ExtensionFactor scales the original TTL to get the extension
	// granted by the sweep. Default 0.5 (ttl/2).
	ExtensionFactor float64

	Logger *zap.Logger
}

// DefaultOptions returns the default store options.
func DefaultOptions() Options {
	threshold := 0.8
	return Options{
		Now:                     time.Now,
		HighImportanceThreshold: &threshold,
		ExtensionFactor:         0.5,
	}
}

// Threshold returns a pointer for Options.HighImportanceThreshold.
func Threshold(v float64) *float64 { return &v }

// Store is the node-local entry table. It is safe for concurrent use:
// reads share a read lock, mutations are serialized.
//
// Expired entries are never returned. A read that finds one deletes it.
type Store struct {
	mu      sync.RWMutex
	tables  map[string]map[string]Entry
	count   int
	version uint64

	now       func() time.Time
	threshold float64
	factor    float64
	logger    *zap.Logger

	sweeps   atomic.Int64
	expired  atomic.Int64
	extended atomic.Int64
}

// New creates an empty store. Unset options take their defaults.
func New(opts Options) *Store {
	def := DefaultOptions()
	if opts.Now == nil {
		opts.Now = def.Now
	}
	if opts.HighImportanceThreshold == nil {
		opts.HighImportanceThreshold = def.HighImportanceThreshold
	}
	if opts.ExtensionFactor <= 0 {
		opts.ExtensionFactor = def.ExtensionFactor
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Store{
		tables:    make(map[string]map[string]Entry),
		now:       opts.Now,
		threshold: *opts.HighImportanceThreshold,
		factor:    opts.ExtensionFactor,
		logger:    opts.Logger,
	}
}

// Now returns the store clock reading.
func (s *Store) Now() time.Time { return s.now() }

// Put stores value under (context, key), replacing any previous entry.
// created_at is the store clock at the time of the call.
func (s *Store) Put(context, key string, value []byte, ttl TTL, importance float64) (Entry, error) {
	e, err := NewEntry(context, key, value, ttl, importance, s.now())
	if err != nil {
		return Entry{}, err
	}
	e = e.Clone()

	s.mu.Lock()
	s.insertLocked(e)
	s.mu.Unlock()

	return e.Clone(), nil
}

func (s *Store) insertLocked(e Entry) {
	table, ok := s.tables[e.Context]
	if !ok {
		table = make(map[string]Entry)
		s.tables[e.Context] = table
	}
	if _, exists := table[e.Key]; !exists {
		s.count++
	}
	table[e.Key] = e
	s.version++
}

func (s *Store) deleteLocked(context, key string) bool {
	table, ok := s.tables[context]
	if !ok {
		return false
	}
	if _, exists := table[key]; !exists {
		return false
	}
	delete(table, key)
	if len(table) == 0 {
		delete(s.tables, context)
	}
	s.count--
	s.version++
	return true
}

// Get returns the live entry for (context, key).
func (s *Store) Get(context, key string) (Entry, bool) {
	now := s.now()

	s.mu.RLock()
	e, ok := s.tables[context][key]
	s.mu.RUnlock()
	if !ok {
		return Entry{}, false
	}
	if !e.Expired(now) {
		return e.Clone(), true
	}

	// Re-check under the write lock: a concurrent Put may have replaced it.
	s.mu.Lock()
	if cur, ok := s.tables[context][key]; ok && cur.Expired(now) {
		s.deleteLocked(context, key)
		s.expired.Add(1)
	}
	s.mu.Unlock()
	return Entry{}, false
}

// List returns the live entries of one context, highest RecencyScore first.
// Expired entries seen during the scan are deleted.
func (s *Store) List(context string) []Entry {
	now := s.now()

	s.mu.RLock()
	table := s.tables[context]
	out := make([]Entry, 0, len(table))
	var dead []string
	for key, e := range table {
		if e.Expired(now) {
			dead = append(dead, key)
			continue
		}
		out = append(out, e.Clone())
	}
	s.mu.RUnlock()

	if len(dead) > 0 {
		s.mu.Lock()
		for _, key := range dead {
			if cur, ok := s.tables[context][key]; ok && cur.Expired(now) {
				s.deleteLocked(context, key)
				s.expired.Add(1)
			}
		}
		s.mu.Unlock()
	}

	SortByRecency(out)
	return out
}

// SortByRecency orders entries by RecencyScore descending, breaking ties by
// context then key so output is stable.
func SortByRecency(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		si, sj := entries[i].RecencyScore(), entries[j].RecencyScore()
		if si != sj {
			return si > sj
		}
		if entries[i].Context != entries[j].Context {
			return entries[i].Context < entries[j].Context
		}
		return entries[i].Key < entries[j].Key
	})
}

// Forget removes (context, key). Removing an absent key is not an error;
// the return value reports whether anything was deleted.
func (s *Store) Forget(context, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLocked(context, key)
}

// ClearContext removes every entry of context and returns how many were removed.
func (s *Store) ClearContext(context string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	table, ok := s.tables[context]
	if !ok {
		return 0
	}
	n := len(table)
	delete(s.tables, context)
	s.count -= n
	s.version++
	return n
}

// Live returns a copy of every unexpired entry ordered by (context, key).
// It does not delete expired entries; the sweep does.
func (s *Store) Live() []Entry {
	now := s.now()

	s.mu.RLock()
	out := make([]Entry, 0, s.count)
	for _, table := range s.tables {
		for _, e := range table {
			if !e.Expired(now) {
				out = append(out, e.Clone())
			}
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Context != out[j].Context {
			return out[i].Context < out[j].Context
		}
		return out[i].Key < out[j].Key
	})
	return out
}

// Restore inserts previously persisted entries unchanged, skipping those
// already expired or invalid. It returns the number inserted.
func (s *Store) Restore(entries []Entry) int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, e := range entries {
		if e.Expired(now) {
			continue
		}
		if err := e.TTL.Validate(); err != nil {
			s.logger.Warn("skipping restored entry", zap.String("context", e.Context), zap.String("key", e.Key), zap.Error(err))
			continue
		}
		if err := ValidateImportance(e.Importance); err != nil {
			s.logger.Warn("skipping restored entry", zap.String("context", e.Context), zap.String("key", e.Key), zap.Error(err))
			continue
		}
		s.insertLocked(e.Clone())
		n++
	}
	return n
}

// SweepResult summarizes one eviction pass.
type SweepResult struct {
	Scanned  int
	Deleted  int
	Extended int
}

// Sweep applies the eviction policy to every entry, in this order:
//
//  1. expires_at is finite and not after now: delete.
//  2. importance > threshold: set expires_at = now + ttl*factor.
//  3. otherwise: keep.
//
// Infinite entries are never touched. The extension is an assignment, so it
// can move expires_at earlier than the entry's original deadline.
func (s *Store) Sweep() SweepResult {
	now := s.now()
	var res SweepResult

	s.mu.Lock()
	for context, table := range s.tables {
		for key, e := range table {
			res.Scanned++
			if e.ExpiresAt.IsZero() {
				continue
			}
			if e.Expired(now) {
				delete(table, key)
				s.count--
				res.Deleted++
				continue
			}
			if e.Importance > s.threshold {
				ext := time.Duration(float64(e.TTL.Duration()) * s.factor)
				e.ExpiresAt = now.Add(ext)
				table[key] = e
				res.Extended++
			}
		}
		if len(table) == 0 {
			delete(s.tables, context)
		}
	}
	if res.Deleted > 0 || res.Extended > 0 {
		s.version++
	}
	s.mu.Unlock()

	s.sweeps.Add(1)
	s.expired.Add(int64(res.Deleted))
	s.extended.Add(int64(res.Extended))
	return res
}

// Len returns the number of entries physically held, including expired
// entries the sweep has not removed yet.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.count
}

// Version increases on every mutation. Persistence compares it to decide
// whether a snapshot is due.
func (s *Store) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Stats is a point-in-time view of the store counters.
type Stats struct {
	Entries  int    `json:"entries"`
	Contexts int    `json:"contexts"`
	Version  uint64 `json:"version"`
	Sweeps   int64  `json:"sweeps"`
	Expired  int64  `json:"expired"`
	Extended int64  `json:"extended"`
}

// Stats returns current counters.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	st := Stats{Entries: s.count, Contexts: len(s.tables), Version: s.version}
	s.mu.RUnlock()
	st.Sweeps = s.sweeps.Load()
	st.Expired = s.expired.Load()
	st.Extended = s.extended.Load()
	return st
}
