package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

type recordStatus int

const (
	statusPending recordStatus = iota
	statusCommitted
)

type record struct {
	status      recordStatus
	fingerprint string
	result      json.RawMessage
}

// MemoryStore is an in-process Store. All transitions happen under one
// mutex, which is the compare-and-set boundary; critical sections do no
// I/O so contention stays negligible next to provider calls.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*record
}

// NewMemoryStore creates an empty in-memory idempotency store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*record)}
}

// Reserve claims key for execution, or reports the stored outcome.
func (s *MemoryStore) Reserve(_ context.Context, key, fingerprint string) (Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[key]
	if !ok {
		s.records[key] = &record{status: statusPending, fingerprint: fingerprint}
		return Reservation{Disposition: Acquired}, nil
	}
	if r.fingerprint != fingerprint {
		return Reservation{}, ErrFingerprintMismatch
	}
	if r.status == statusCommitted {
		return Reservation{Disposition: AlreadyCommitted, Result: r.result}, nil
	}
	return Reservation{Disposition: AlreadyPending}, nil
}

// Commit records the result for a pending key.
func (s *MemoryStore) Commit(_ context.Context, key string, result json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[key]
	if !ok {
		return fmt.Errorf("idempotency: commit: key %q not reserved", key)
	}
	if r.status == statusCommitted {
		return fmt.Errorf("idempotency: commit: key %q already committed", key)
	}
	r.status = statusCommitted
	r.result = result
	return nil
}

// Release drops a pending reservation so the operation can be retried.
// Releasing a committed key is an error: the side effect already happened.
func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[key]
	if !ok {
		return nil
	}
	if r.status == statusCommitted {
		return fmt.Errorf("idempotency: release: key %q already committed", key)
	}
	delete(s.records, key)
	return nil
}
