package state

import (
	"context"
	"sync"

	"escalation/internal/domain"
)

// MemoryStore keeps escalation records in process memory for single-instance mode.
// Params: guarded record map with per-key revision counters.
// Returns: store implementation without external dependencies.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]memoryRecord
}

type memoryRecord struct {
	record   domain.Record
	revision uint64
}

// NewMemoryStore creates the in-memory record store.
// Params: none.
// Returns: initialized in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]memoryRecord)}
}

// Get returns one record and its revision.
// Params: record id key.
// Returns: stored record, revision, or ErrNotFound.
func (s *MemoryStore) Get(_ context.Context, id string) (domain.Record, uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.records[id]
	if !ok {
		return domain.Record{}, 0, ErrNotFound
	}
	return cloneRecord(entry.record), entry.revision, nil
}

// Put writes one record unconditionally.
// Params: record id key and payload.
// Returns: new revision.
func (s *MemoryStore) Put(_ context.Context, id string, record domain.Record) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rev := s.records[id].revision + 1
	s.records[id] = memoryRecord{record: cloneRecord(record), revision: rev}
	return rev, nil
}

// Update replaces one record using expected-revision CAS.
// Params: record id key, expected revision, and replacement payload.
// Returns: new revision, ErrNotFound, or ErrConflict.
func (s *MemoryStore) Update(_ context.Context, id string, expectedRevision uint64, record domain.Record) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.records[id]
	if !ok {
		return 0, ErrNotFound
	}
	if entry.revision != expectedRevision {
		return 0, ErrConflict
	}
	rev := expectedRevision + 1
	s.records[id] = memoryRecord{record: cloneRecord(record), revision: rev}
	return rev, nil
}

// List returns every stored record.
// Params: none.
// Returns: detached record copies in unspecified order.
func (s *MemoryStore) List(_ context.Context) ([]domain.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.Record, 0, len(s.records))
	for _, entry := range s.records {
		out = append(out, cloneRecord(entry.record))
	}
	return out, nil
}

// Close releases memory store resources.
// Params: none.
// Returns: nil.
func (s *MemoryStore) Close() error {
	return nil
}

// cloneRecord detaches mutable history/details from the stored value.
// Params: source record.
// Returns: deep-enough copy for safe concurrent readers.
func cloneRecord(source domain.Record) domain.Record {
	out := source
	if len(source.History) > 0 {
		out.History = make([]domain.EscalationEvent, len(source.History))
		copy(out.History, source.History)
		for i := range out.History {
			if len(source.History[i].Details) == 0 {
				continue
			}
			details := make(map[string]any, len(source.History[i].Details))
			for key, value := range source.History[i].Details {
				details[key] = value
			}
			out.History[i].Details = details
		}
	}
	return out
}
