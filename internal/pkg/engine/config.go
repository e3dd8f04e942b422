package engine

import (
	"time"

	"github.com/zpiroux/flowline/entity"
)

const (
	DefaultShutdownTimeout  = 30 * time.Second
	DefaultEventLogInterval = 500
	DefaultCloseTimeout     = 10 * time.Second
	DefaultFlushInterval    = 100 * time.Millisecond
)

type Config struct {
	NotifyChan entity.NotifyChan
	Log        bool

	// ShutdownTimeout is the grace period given to all streams to drain after a shutdown
	// request, before in-flight work is canceled and the shutdown reported as unclean.
	ShutdownTimeout time.Duration

	// FailFast makes Supervisor.Init abort if any stream fails to build. If false the
	// stream is reported as failed and the others are started.
	FailFast bool

	// StopOnStreamFailure makes a fatal failure of one stream instance shut down all
	// other streams as well.
	StopOnStreamFailure bool

	// EventLogInterval is the number of fetched batches between metric log lines.
	EventLogInterval int

	// CloseTimeout bounds the time spent closing a stream's entities after it has drained.
	CloseTimeout time.Duration

	// FlushInterval is the longest time between checks for expired accumulator deadlines,
	// such as the timeout of the batch stage.
	FlushInterval time.Duration

	// Metrics holds the prometheus collectors. If nil, unregistered collectors are used.
	Metrics *Metrics
}

func (c *Config) ensureValidDefaults() {
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.EventLogInterval <= 0 {
		c.EventLogInterval = DefaultEventLogInterval
	}
	if c.CloseTimeout <= 0 {
		c.CloseTimeout = DefaultCloseTimeout
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics(nil)
	}
}
