package etltest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zpiroux/flowline/entity"
)

type ApplyFunc func(ctx context.Context, batch *entity.Batch) ([]*entity.Batch, error)

// MockStage applies Fn, or passes batches through unchanged if Fn is nil. It tracks the
// number of concurrent Apply calls.
type MockStage struct {
	Fn ApplyFunc

	applied   atomic.Int64
	current   atomic.Int64
	maxActive atomic.Int64
	closed    atomic.Bool
}

func NewMockStage(fn ApplyFunc) *MockStage {
	return &MockStage{Fn: fn}
}

func (s *MockStage) Apply(ctx context.Context, batch *entity.Batch) ([]*entity.Batch, error) {
	s.applied.Add(1)
	n := s.current.Add(1)
	defer s.current.Add(-1)
	for {
		peak := s.maxActive.Load()
		if n <= peak || s.maxActive.CompareAndSwap(peak, n) {
			break
		}
	}
	if s.Fn == nil {
		return []*entity.Batch{batch}, nil
	}
	return s.Fn(ctx, batch)
}

func (s *MockStage) Close(ctx context.Context) error {
	s.closed.Store(true)
	return nil
}

func (s *MockStage) Applied() int {
	return int(s.applied.Load())
}

// MaxConcurrent returns the highest number of simultaneous Apply calls observed.
func (s *MockStage) MaxConcurrent() int {
	return int(s.maxActive.Load())
}

func (s *MockStage) Closed() bool {
	return s.closed.Load()
}

// Sleep returns an ApplyFunc passing batches through after d, or failing if ctx is done.
func Sleep(d time.Duration) ApplyFunc {
	return func(ctx context.Context, batch *entity.Batch) ([]*entity.Batch, error) {
		select {
		case <-time.After(d):
			return []*entity.Batch{batch}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// BlockUntil returns an ApplyFunc ignoring ctx and blocking until release is closed.
func BlockUntil(release <-chan struct{}) ApplyFunc {
	return func(ctx context.Context, batch *entity.Batch) ([]*entity.Batch, error) {
		<-release
		return []*entity.Batch{batch}, nil
	}
}

// FailWhen returns an ApplyFunc failing with err for batches matching pred.
func FailWhen(pred func(*entity.Batch) bool, err error) ApplyFunc {
	return func(ctx context.Context, batch *entity.Batch) ([]*entity.Batch, error) {
		if pred(batch) {
			return nil, err
		}
		return []*entity.Batch{batch}, nil
	}
}

// BufferStage is an entity.Accumulator keeping all batches and emitting them concatenated
// on flush. With MaxAge set, its kept rows are due MaxAge after the first kept batch.
type BufferStage struct {
	MaxAge time.Duration

	mu      sync.Mutex
	buf     []*entity.Batch
	since   time.Time
	applied atomic.Int64
	closed  atomic.Bool
}

// Accumulator returns a BufferStage without deadline.
func Accumulator() *BufferStage {
	return &BufferStage{}
}

func (s *BufferStage) Apply(ctx context.Context, batch *entity.Batch) ([]*entity.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applied.Add(1)
	if len(s.buf) == 0 {
		s.since = time.Now()
	}
	s.buf = append(s.buf, batch)
	return nil, nil
}

func (s *BufferStage) Flush(ctx context.Context) ([]*entity.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) == 0 {
		return nil, nil
	}
	out, err := entity.Concat(s.buf...)
	s.buf = nil
	if err != nil {
		return nil, err
	}
	return []*entity.Batch{out}, nil
}

func (s *BufferStage) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf) > 0
}

func (s *BufferStage) Deadline() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) == 0 || s.MaxAge == 0 {
		return time.Time{}
	}
	return s.since.Add(s.MaxAge)
}

func (s *BufferStage) Close(ctx context.Context) error {
	s.closed.Store(true)
	return nil
}

func (s *BufferStage) Applied() int {
	return int(s.applied.Load())
}

func (s *BufferStage) Closed() bool {
	return s.closed.Load()
}
