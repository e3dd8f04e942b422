package iflow

import (
	"context"
	"sync"

	"github.com/zpiroux/flowline/entity"
)

// Executor interface required for stream executors, each running the workers of a
// single stream instance.
type Executor interface {
	Stream() Stream
	StreamId() string

	// Run starts the stream's workers and blocks until the stream has drained and stopped.
	// The provided ctx is the hard context for in-flight work, and is only expected to be
	// canceled when a graceful shutdown has timed out.
	Run(ctx context.Context, wg *sync.WaitGroup)

	// Shutdown requests a graceful drain. It does not wait for the drain to complete.
	Shutdown()

	// Done is closed when Run has returned.
	Done() <-chan struct{}

	Status() entity.StreamStatus
	Metrics() entity.Metrics

	// Err returns the reason the stream instance failed, or nil.
	Err() error
}
