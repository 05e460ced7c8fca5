package audit

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is the in-process backend used in tests and during L5 drills.
// It keeps the same chain discipline as the durable backends.
type MemoryStore struct {
	mu      sync.RWMutex
	records []Record
	clock   func() time.Time
}

// NewMemoryStore constructs an empty in-memory chain.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{clock: time.Now}
}

// WithClock overrides the clock for deterministic testing.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

// Append commits one record at the next sequence number.
func (s *MemoryStore) Append(_ context.Context, entry Entry) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev := GenesisHash
	if n := len(s.records); n > 0 {
		prev = s.records[n-1].ChainHash
	}
	rec := Record{
		SequenceNumber: uint64(len(s.records)) + 1,
		AnalysisID:     entry.AnalysisID,
		ClaimID:        entry.ClaimID,
		Timestamp:      s.clock().UTC(),
		Report:         entry.Report,
	}
	if err := seal(&rec, prev); err != nil {
		return nil, fmt.Errorf("audit: seal record: %w", err)
	}
	s.records = append(s.records, rec)
	return &rec, nil
}

// Latest returns the newest record, or nil on an empty chain.
func (s *MemoryStore) Latest(_ context.Context) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.records) == 0 {
		return nil, nil
	}
	rec := s.records[len(s.records)-1]
	return &rec, nil
}

// Range returns records with from <= sequence <= to. A zero to means "to the
// end".
func (s *MemoryStore) Range(_ context.Context, from, to uint64) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if from == 0 {
		from = 1
	}
	if to == 0 || to > uint64(len(s.records)) {
		to = uint64(len(s.records))
	}
	if from > to {
		return nil, nil
	}
	out := make([]Record, to-from+1)
	copy(out, s.records[from-1:to])
	return out, nil
}
