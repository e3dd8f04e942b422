// Package batching provides the "batch" stage, merging consecutive batches into larger
// ones by row count and age.
package batching

import (
	"context"
	"fmt"
	"time"

	"github.com/zpiroux/flowline/entity"
)

const EntityBatch = "batch"

type Config struct {
	// Count is the number of rows at which the accumulated batches are emitted.
	Count int `mapstructure:"count"`

	// Timeout is the maximum age of the oldest accumulated batch. Pending rows are emitted
	// when it expires, even without new batches arriving, and always when the stream drains.
	Timeout time.Duration `mapstructure:"timeout"`
}

type StageFactory struct{}

func NewStageFactory() entity.StageFactory {
	return &StageFactory{}
}

func (sf *StageFactory) StageId() string {
	return EntityBatch
}

func (sf *StageFactory) Concurrency() entity.Concurrency {
	return entity.ConcurrencySerialized
}

func (sf *StageFactory) NewStage(ctx context.Context, c entity.Config) (entity.Stage, error) {
	return New(c)
}

func (sf *StageFactory) Close(ctx context.Context) error {
	return nil
}

// Stage holds batches until the row count or the timeout is reached. Batches with a
// schema different from the pending ones cause the pending batches to be emitted first.
// The stage is an entity.Accumulator, so the source messages of pending rows are only
// acknowledged once the merged batch has been written. It is not safe for concurrent use;
// the chain serializes calls to it.
type Stage struct {
	count   int
	timeout time.Duration
	now     func() time.Time

	pending []*entity.Batch
	rows    int
	since   time.Time
}

func New(c entity.Config) (*Stage, error) {
	var config Config
	if err := c.Decode(&config); err != nil {
		return nil, err
	}
	if config.Count < 0 || config.Timeout < 0 {
		return nil, entity.ConfigErrorf("%s: count and timeout must not be negative", EntityBatch)
	}
	if config.Count == 0 && config.Timeout == 0 {
		return nil, entity.ConfigErrorf("%s: count or timeout required", EntityBatch)
	}
	return &Stage{count: config.Count, timeout: config.Timeout, now: time.Now}, nil
}

// Bind passes the input schema through.
func (s *Stage) Bind(in *entity.Schema) (*entity.Schema, error) {
	return in, nil
}

func (s *Stage) Apply(ctx context.Context, batch *entity.Batch) ([]*entity.Batch, error) {
	var out []*entity.Batch
	if len(s.pending) > 0 && !s.pending[0].Schema().Equal(batch.Schema()) {
		merged, err := s.take()
		if err != nil {
			return nil, err
		}
		out = append(out, merged)
	}
	if batch.IsEmpty() {
		return out, nil
	}

	if len(s.pending) == 0 {
		s.since = s.now()
	}
	s.pending = append(s.pending, batch)
	s.rows += batch.NumRows()

	if s.count > 0 && s.rows >= s.count || s.timeout > 0 && s.now().Sub(s.since) >= s.timeout {
		merged, err := s.take()
		if err != nil {
			return nil, err
		}
		out = append(out, merged)
	}
	return out, nil
}

// Flush emits all pending rows as a single batch.
func (s *Stage) Flush(ctx context.Context) ([]*entity.Batch, error) {
	if len(s.pending) == 0 {
		return nil, nil
	}
	merged, err := s.take()
	if err != nil {
		return nil, err
	}
	return []*entity.Batch{merged}, nil
}

func (s *Stage) Pending() bool {
	return len(s.pending) > 0
}

// Deadline returns when the pending rows time out, or the zero time if there are none or
// no timeout is configured.
func (s *Stage) Deadline() time.Time {
	if len(s.pending) == 0 || s.timeout == 0 {
		return time.Time{}
	}
	return s.since.Add(s.timeout)
}

func (s *Stage) take() (*entity.Batch, error) {
	pending := s.pending
	s.pending, s.rows = nil, 0
	merged, err := entity.Concat(pending...)
	if err != nil {
		return nil, fmt.Errorf("merging %d batches: %w", len(pending), err)
	}
	return merged, nil
}
