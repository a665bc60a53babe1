// Package idempotency lets clients retry mutating API calls safely. A key is
// reserved before the handler runs (LOCKED) and replaced by the recorded
// response when it finishes (RESULT).
package idempotency

import (
	"context"
	"sync"
	"time"

	"github.com/itskum47/accountforge/control_plane/clock"
)

// State represents the two-phase idempotency state.
type State string

const (
	StateLocked State = "LOCKED" // Execution in progress
	StateResult State = "RESULT" // Execution complete
)

// Record is what a key maps to.
type Record struct {
	State       State               `json:"state"`
	Fingerprint string              `json:"fingerprint"`
	StatusCode  int                 `json:"status_code,omitempty"`
	Body        []byte              `json:"body,omitempty"`
	Headers     map[string][]string `json:"headers,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
}

const (
	// LockTTL bounds how long a crashed request can hold a key.
	LockTTL = 2 * time.Minute
	// ResultTTL is how long a completed response is replayed.
	ResultTTL = 24 * time.Hour
)

// Store holds idempotency records.
type Store interface {
	// Reserve locks key for the caller. When the key is already locked or
	// completed, reserved is false and existing describes it.
	Reserve(ctx context.Context, key, fingerprint string) (existing *Record, reserved bool, err error)
	// Complete stores the result and releases the lock.
	Complete(ctx context.Context, key string, rec *Record) error
	// Release drops a lock without storing a result, so the request can be
	// retried.
	Release(ctx context.Context, key string) error
}

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu      sync.Mutex
	clock   clock.Clock
	records map[string]memoryEntry
}

type memoryEntry struct {
	rec     Record
	expires time.Time
}

func NewMemoryStore(c clock.Clock) *MemoryStore {
	return &MemoryStore{clock: clock.OrReal(c), records: make(map[string]memoryEntry)}
}

func (s *MemoryStore) Reserve(ctx context.Context, key, fingerprint string) (*Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if e, ok := s.records[key]; ok && now.Before(e.expires) {
		rec := e.rec
		return &rec, false, nil
	}
	s.records[key] = memoryEntry{
		rec:     Record{State: StateLocked, Fingerprint: fingerprint, CreatedAt: now},
		expires: now.Add(LockTTL),
	}
	return nil, true, nil
}

func (s *MemoryStore) Complete(ctx context.Context, key string, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	r := *rec
	r.State = StateResult
	r.CreatedAt = now
	s.records[key] = memoryEntry{rec: r, expires: now.Add(ResultTTL)}
	s.sweepLocked(now)
	return nil
}

func (s *MemoryStore) Release(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.records[key]; ok && e.rec.State == StateLocked {
		delete(s.records, key)
	}
	return nil
}

func (s *MemoryStore) sweepLocked(now time.Time) {
	for k, e := range s.records {
		if !now.Before(e.expires) {
			delete(s.records, k)
		}
	}
}
