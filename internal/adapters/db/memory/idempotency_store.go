package memory

import (
	"context"
	"sync"

	"ipamcore/internal/domain/ipam"
)

// IdempotencyStore is an in-memory, mutex-guarded ipam.IdempotencyStore.
type IdempotencyStore struct {
	mu      sync.RWMutex
	records map[string]*ipam.IdempotencyRecord
}

// NewIdempotencyStore constructs an empty IdempotencyStore.
func NewIdempotencyStore() *IdempotencyStore {
	return &IdempotencyStore{records: make(map[string]*ipam.IdempotencyRecord)}
}

var _ ipam.IdempotencyStore = (*IdempotencyStore)(nil)

func (s *IdempotencyStore) Get(ctx context.Context, requestID string) (*ipam.IdempotencyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[requestID]
	if !ok {
		return nil, ipam.ErrIdempotencyRecordNotFound
	}
	return rec, nil
}

func (s *IdempotencyStore) Create(ctx context.Context, rec *ipam.IdempotencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.RequestID]; exists {
		// Another writer already stored a record for this request_id; the
		// losing writer of the race treats it as authoritative.
		return nil
	}
	s.records[rec.RequestID] = rec
	return nil
}

func (s *IdempotencyStore) Stats(ctx context.Context) (ipam.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return ipam.Stats{TotalRecords: len(s.records)}, nil
}
