package entity

import (
	"context"
)

type SinkFactories map[string]SinkFactory

// SinkFactory enables sinks to be handled as plug-ins to Flowline.
// A factory is registered with Flowline API RegisterSinkType() for a sink
// kind to be available for stream definitions, both as output and error_output.
type SinkFactory interface {
	// SinkId returns the kind tag for which the sink is implemented
	SinkId() string

	// NewSink creates a new sink entity
	NewSink(ctx context.Context, c Config) (Sink, error)

	// Close is called by Flowline after using Flowline API flowline.Shutdown()
	Close(ctx context.Context) error
}

// Sink interface required for stream sink implementations. Sinks are shared by all
// workers of a stream instance and must be safe for concurrent use.
type Sink interface {
	// Connect is called once before the first Write.
	Connect(ctx context.Context) error

	// Write stores the batch. Transient failures should be wrapped with Retryable, in
	// which case the write is retried. Unwrapped errors are regarded as permanent for the
	// batch, and ErrEntityShutdownRequested as permanent for the sink itself.
	Write(ctx context.Context, batch *Batch) error

	// Close flushes any buffered data and releases resources. Called by the executor when
	// the stream instance has drained.
	Close(ctx context.Context) error
}
