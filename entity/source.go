package entity

import (
	"context"
)

type SourceFactories map[string]SourceFactory

// SourceFactory enables sources to be handled as plug-ins to Flowline.
// A factory is registered with Flowline API RegisterSourceType() for a source
// kind to be available for stream definitions.
type SourceFactory interface {
	// SourceId returns the kind tag for which the source is implemented, e.g. "kafka".
	SourceId() string

	// NewSource creates a new source entity. One source is created per stream instance
	// and shared by all of the stream's workers.
	NewSource(ctx context.Context, c Config) (Source, error)

	// Close is called by Flowline after client has called Flowline API flowline.Shutdown()
	Close(ctx context.Context) error
}

// Source is the interface required for stream source implementations.
// All methods must be safe for concurrent use by the stream's workers.
type Source interface {
	// Connect establishes the connection to the source. It is called once before the
	// first Fetch, and again when Fetch has returned ErrDisconnected.
	Connect(ctx context.Context) error

	// Fetch returns the next batch. It blocks until data is available, the source is
	// exhausted (ErrEndOfInput) or ctx is done. If the returned Acknowledger is non-nil
	// it will be acked or nacked exactly once when the batch has been handled.
	//
	// Errors wrapped with Retryable are retried by the engine, ErrDisconnected triggers
	// a reconnect, and all other errors are fatal for the stream instance.
	Fetch(ctx context.Context) (*Batch, Acknowledger, error)

	// Close stops the source. In-flight Fetch calls must return within a bounded time.
	Close(ctx context.Context) error
}

// SchemaProvider is optionally implemented by sources with a statically known output
// schema, enabling validation of the processor chain at build time.
type SchemaProvider interface {
	Schema() *Schema
}

// Publisher is optionally implemented by sources accepting data injected through the
// Flowline API with flowline.Publish(). The call returns when the published data has been
// handled by the stream, with a non-nil error if it was nacked.
type Publisher interface {
	Publish(ctx context.Context, data []byte) (string, error)
}
