package entity

import (
	"context"
	"time"
)

type StageFactories map[string]StageFactory

// Concurrency declares how a stage kind may be invoked by a stream's workers.
type Concurrency int

const (
	// ConcurrencyShared stages are safe for concurrent Apply calls and are shared freely.
	ConcurrencyShared Concurrency = iota

	// ConcurrencySerialized stages keep internal state and the chain serializes all
	// calls to them.
	ConcurrencySerialized
)

func (c Concurrency) String() string {
	if c == ConcurrencySerialized {
		return "serialized"
	}
	return "shared"
}

// StageFactory enables processor stages to be handled as plug-ins to Flowline.
type StageFactory interface {
	// StageId returns the kind tag for which the stage is implemented, e.g. "sql".
	StageId() string

	// Concurrency returns the concurrency property of all stages created by the factory.
	Concurrency() Concurrency

	// NewStage creates a new stage from its configuration. Invalid configuration must be
	// reported here, wrapped as a configuration error.
	NewStage(ctx context.Context, c Config) (Stage, error)

	Close(ctx context.Context) error
}

// Stage transforms a batch into zero or more batches. The input batch must not be
// modified. Returning no batches, or only empty ones, filters the batch out.
type Stage interface {
	Apply(ctx context.Context, batch *Batch) ([]*Batch, error)
}

// SchemaBinder is implemented by stages able to derive their output schema from a known
// input schema. Bind is called when the chain is built and returns an error wrapping
// ErrInvalidSpec (or a *QueryError) if the input schema is incompatible. A nil output
// schema means the output schema is not statically known.
type SchemaBinder interface {
	Bind(in *Schema) (*Schema, error)
}

// Flusher is implemented by stages accumulating state across batches. Flush is called
// when the stream drains and returns the remaining accumulated output.
type Flusher interface {
	Flush(ctx context.Context) ([]*Batch, error)
}

// Accumulator is implemented by flushing stages keeping input rows for later output. The
// source messages of kept rows are not acknowledged until the rows have been emitted and
// written, or routed to the error output.
//
// Any batch emitted by Apply or Flush must contain all rows kept before the call. Pending
// reports whether rows are kept after the last call. Deadline returns when the kept rows
// are due, or the zero time if they are only emitted by Apply or at drain; the stream calls
// Flush once the deadline has passed.
type Accumulator interface {
	Flusher
	Pending() bool
	Deadline() time.Time
}

// Closer is implemented by stages holding resources.
type Closer interface {
	Close(ctx context.Context) error
}
