package etltest

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/zpiroux/flowline/entity"
)

// RecordingSink records all written batches. WriteErrs are returned by successive Write
// calls before writes start succeeding, where nil entries succeed; FailAll, if set, fails
// every write.
type RecordingSink struct {
	WriteErrs  []error
	FailAll    error
	ConnectErr error

	mu      sync.Mutex
	batches []*entity.Batch
	writes  int
	closed  atomic.Bool
}

func NewRecordingSink() *RecordingSink {
	return &RecordingSink{}
}

func (s *RecordingSink) Connect(ctx context.Context) error {
	return s.ConnectErr
}

func (s *RecordingSink) Write(ctx context.Context, batch *entity.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	if s.FailAll != nil {
		return s.FailAll
	}
	if s.writes <= len(s.WriteErrs) && s.WriteErrs[s.writes-1] != nil {
		return s.WriteErrs[s.writes-1]
	}
	s.batches = append(s.batches, batch)
	return nil
}

func (s *RecordingSink) Close(ctx context.Context) error {
	s.closed.Store(true)
	return nil
}

func (s *RecordingSink) Batches() []*entity.Batch {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*entity.Batch(nil), s.batches...)
}

// Rows returns the total number of rows written.
func (s *RecordingSink) Rows() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += b.NumRows()
	}
	return n
}

// Writes returns the number of Write calls, including failed ones.
func (s *RecordingSink) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

func (s *RecordingSink) Closed() bool {
	return s.closed.Load()
}
