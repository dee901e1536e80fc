// Package memstore is the node-local working-memory table: entries keyed by
// (context, key) with a TTL and an importance score, plus the eviction sweep
// that expires them.
package memstore

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrInvalidImportance is returned for importance outside [0,1].
	ErrInvalidImportance = errors.New("importance must be within [0,1]")
	// ErrInvalidTTL is returned for negative TTLs other than Infinite.
	ErrInvalidTTL = errors.New("ttl must be non-negative or infinite")
)

// TTL is an entry lifetime. Infinite entries never expire.
type TTL time.Duration

// Infinite marks an entry that never expires.
const Infinite TTL = -1

// IsInfinite reports whether the TTL never elapses.
func (t TTL) IsInfinite() bool { return t == Infinite }

// Duration returns the finite lifetime. Meaningless for Infinite.
func (t TTL) Duration() time.Duration { return time.Duration(t) }

func (t TTL) String() string {
	if t.IsInfinite() {
		return "infinite"
	}
	return t.Duration().String()
}

// Validate rejects negative finite TTLs.
func (t TTL) Validate() error {
	if t < 0 && !t.IsInfinite() {
		return fmt.Errorf("%w: %s", ErrInvalidTTL, t.Duration())
	}
	return nil
}

// Entry is one cached fact.
type Entry struct {
	Context   string    `json:"context"`
	Key       string    `json:"key"`
	Value     []byte    `json:"value"`
	CreatedAt time.Time `json:"created_at"`
	TTL       TTL       `json:"ttl_ns"`
	// ExpiresAt is zero for infinite entries.
	ExpiresAt  time.Time `json:"expires_at"`
	Importance float64   `json:"importance"`
}

// NewEntry builds an entry created at now with expires_at derived from ttl.
func NewEntry(context, key string, value []byte, ttl TTL, importance float64, now time.Time) (Entry, error) {
	if err := ttl.Validate(); err != nil {
		return Entry{}, err
	}
	if err := ValidateImportance(importance); err != nil {
		return Entry{}, err
	}
	e := Entry{
		Context:    context,
		Key:        key,
		Value:      value,
		CreatedAt:  now,
		TTL:        ttl,
		Importance: importance,
	}
	if !ttl.IsInfinite() {
		e.ExpiresAt = now.Add(ttl.Duration())
	}
	return e, nil
}

// ValidateImportance rejects scores outside [0,1], including NaN.
func ValidateImportance(importance float64) error {
	if !(importance >= 0 && importance <= 1) {
		return fmt.Errorf("%w: %v", ErrInvalidImportance, importance)
	}
	return nil
}

// Expired reports whether the entry is dead at now. An entry whose
// expires_at equals now is already dead.
func (e Entry) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !e.ExpiresAt.After(now)
}

// RecencyScore ranks entries for ListContext: newer and more important first.
func (e Entry) RecencyScore() float64 {
	return float64(e.CreatedAt.Unix()) * e.Importance
}

// Clone returns a copy whose Value does not alias the receiver's.
func (e Entry) Clone() Entry {
	if e.Value != nil {
		v := make([]byte, len(e.Value))
		copy(v, e.Value)
		e.Value = v
	}
	return e
}
