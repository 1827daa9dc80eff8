// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugrun Contributors

package execlog

import (
	"context"
	"slices"
	"sync"

	"github.com/samber/oops"
)

// DefaultMemoryCapacity bounds a MemorySink created with capacity <= 0.
const DefaultMemoryCapacity = 1000

// MemorySink keeps the most recent records in memory. Oldest records are
// dropped once capacity is reached.
type MemorySink struct {
	mu       sync.Mutex
	capacity int
	records  []Record
	index    map[string]int
}

// NewMemorySink creates an in-memory sink.
func NewMemorySink(capacity int) *MemorySink {
	if capacity <= 0 {
		capacity = DefaultMemoryCapacity
	}
	return &MemorySink{
		capacity: capacity,
		index:    make(map[string]int),
	}
}

// Insert appends r.
func (s *MemorySink) Insert(_ context.Context, r *Record) error {
	if r == nil {
		return oops.Code("EXECLOG_INVALID_RECORD").Errorf("record cannot be nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.records) == s.capacity {
		delete(s.index, s.records[0].ID.String())
		s.records = slices.Delete(s.records, 0, 1)
		for i := range s.records {
			s.index[s.records[i].ID.String()] = i
		}
	}
	s.records = append(s.records, cloneRecord(*r))
	s.index[r.ID.String()] = len(s.records) - 1
	return nil
}

// Update replaces the stored copy of r. Records already evicted are ignored.
func (s *MemorySink) Update(_ context.Context, r *Record) error {
	if r == nil {
		return oops.Code("EXECLOG_INVALID_RECORD").Errorf("record cannot be nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.index[r.ID.String()]
	if !ok {
		return nil
	}
	s.records[i] = cloneRecord(*r)
	return nil
}

// Recent returns up to limit records, newest first.
func (s *MemorySink) Recent(_ context.Context, limit int) ([]Record, error) {
	limit = normalizeLimit(limit)
	s.mu.Lock()
	defer s.mu.Unlock()

	n := min(limit, len(s.records))
	out := make([]Record, 0, n)
	for i := len(s.records) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, cloneRecord(s.records[i]))
	}
	return out, nil
}

// Len returns the number of stored records.
func (s *MemorySink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func cloneRecord(r Record) Record {
	r.Tags = slices.Clone(r.Tags)
	if r.CompletedAt != nil {
		at := *r.CompletedAt
		r.CompletedAt = &at
	}
	return r
}
