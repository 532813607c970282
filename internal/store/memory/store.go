// Package memory provides an in-memory result store for development and
// testing.
package memory

import (
	"context"
	"sync"

	"github.com/perimeterlabs/vantage/internal/scan"
)

// Store keeps results in a map keyed by job ID. It satisfies
// scan.ResultStore and records each batch so tests can assert on flush
// boundaries.
type Store struct {
	mu      sync.RWMutex
	results map[string]scan.Result
	batches [][]scan.Result
}

// New constructs an empty Store.
func New() *Store {
	return &Store{results: make(map[string]scan.Result)}
}

// WriteBatch stores every result in the batch.
func (s *Store) WriteBatch(_ context.Context, results []scan.Result) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, res := range results {
		s.results[res.JobID] = res
	}
	s.batches = append(s.batches, append([]scan.Result(nil), results...))
	return nil
}

// Get returns the stored result for a job ID.
func (s *Store) Get(jobID string) (scan.Result, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res, ok := s.results[jobID]
	return res, ok
}

// Len reports the number of distinct persisted results.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.results)
}

// Batches returns a copy of every batch written so far.
func (s *Store) Batches() [][]scan.Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([][]scan.Result, len(s.batches))
	copy(out, s.batches)
	return out
}
