package iflow

import (
	"context"
	"time"

	"github.com/zpiroux/flowline/entity"
)

// Stream is the running binding of one source, one processor chain, one primary sink and
// one error sink, as specified by a single stream definition.
type Stream interface {
	Spec() *entity.Spec
	Instance() string
	Source() entity.Source
	Chain() Chain
	Sink() entity.Sink
	ErrorSink() entity.Sink
	Publish(ctx context.Context, data []byte) (string, error)
}

// Chain is the ordered composition of stages built from a stream's processors.
type Chain interface {
	// Process runs the envelope's batch through all stages. An output without batches,
	// error or held rows means the batch was filtered out.
	Process(ctx context.Context, env *entity.Envelope) Output

	// Flush emits the state of all accumulating stages through the remaining stages, one
	// output per flushed stage.
	Flush(ctx context.Context) []Output

	// FlushExpired is Flush limited to accumulators whose deadline is not after now.
	FlushExpired(ctx context.Context, now time.Time) []Output

	// NextDeadline returns the earliest accumulator deadline, or the zero time if none.
	NextDeadline() time.Time

	// Accumulating is true if any stage is an entity.Accumulator.
	Accumulating() bool

	// StageIds returns the identity of each stage, e.g. "processors[1]:sql"
	StageIds() []string

	Close(ctx context.Context) error
}

// Output is the result of running a batch, or flushed stage state, through a chain.
type Output struct {
	Batches []*entity.Batch

	// Released are envelopes whose rows were kept by accumulating stages and are now part
	// of Batches, or of the failing batch if Err is set. They are resolved with the output.
	Released []*entity.Envelope

	// Held is set if rows of the processed envelope are kept by an accumulating stage, in
	// which case it is resolved later as part of Released.
	Held bool

	// Err is set if a stage failed.
	Err error
}
