package flowline

import (
	"io"
	"time"

	"github.com/zpiroux/flowline/entity"
	"github.com/zpiroux/flowline/internal/pkg/assembly"
	"github.com/zpiroux/flowline/internal/pkg/engine"
	"github.com/zpiroux/flowline/internal/pkg/entity/stdout"
	"github.com/zpiroux/flowline/internal/service"
)

const (
	defaultNotifyChanSize   = 256
	defaultEventLogInterval = 10000
)

// Kinds which cannot be replaced with RegisterSourceType or RegisterSinkType, since the
// engine depends on them: "memory" for Publish and "drop" as the default error output.
var reservedKinds = map[string]bool{
	entity.EntityMemory: true,
	entity.EntityDrop:   true,
}

// Config needs to be created with NewConfig() and filled in as applicable for the intended
// setup, and provided in the call to flowline.New(). All fields are optional.
type Config struct {
	Runtime RuntimeConfig
	Ops     OpsConfig

	// MetricsAddress enables the /metrics and /health endpoints on this address, e.g. ":9090".
	MetricsAddress string

	// Streams are stream definitions (JSON) registered when Flowline is created.
	Streams [][]byte

	entity assembly.Config
}

// RuntimeConfig specifies how streams are started and stopped.
type RuntimeConfig struct {

	// ShutdownTimeout is the grace period for streams to drain on shutdown. Streams still
	// running when it expires have their in-flight work canceled.
	ShutdownTimeout time.Duration

	// FailFast makes New and Run fail if any stream cannot be built. If false, streams
	// failing to build are reported as failed and the others run. Default true.
	FailFast bool

	// StopOnStreamFailure makes a failing stream shut down all other streams.
	StopOnStreamFailure bool
}

// OpsConfig provide options for observability.
type OpsConfig struct {

	// Size of the notification channel buffer
	NotifyChanSize int

	// If set to true native logging will be used (debug, info, warn, and error logs).
	// If set to false (default) no standard logging will be done, but the same type of
	// information will be provided on the notification channel, accessible with
	// flowline.NotifyChannel().
	Log bool

	// The interval, in fetched batches, between metric log lines of each stream.
	EventLogInterval int

	// Stdout is the writer used by the stdout sink. Defaults to os.Stdout.
	Stdout io.Writer
}

// NewConfig returns an initialized Config with all built-in kinds registered.
func NewConfig() *Config {
	return &Config{
		Runtime: RuntimeConfig{ShutdownTimeout: engine.DefaultShutdownTimeout, FailFast: true},
		Ops:     OpsConfig{NotifyChanSize: defaultNotifyChanSize, EventLogInterval: defaultEventLogInterval},
		entity:  assembly.NewConfig(assembly.BuiltinOptions{}),
	}
}

// RegisterSourceType makes a source kind available for stream definitions. A factory
// for an existing kind replaces it, except for reserved kinds. This can only be done
// after NewConfig() and prior to creating Flowline with flowline.New().
func (c *Config) RegisterSourceType(sf entity.SourceFactory) error {
	if err := c.checkKind(sf.SourceId()); err != nil {
		return err
	}
	c.entity.AddSource(sf)
	return nil
}

func (c *Config) RegisterStageType(sf entity.StageFactory) error {
	if sf.StageId() == "" {
		return ErrInvalidEntityId
	}
	c.entity.AddStage(sf)
	return nil
}

func (c *Config) RegisterSinkType(sf entity.SinkFactory) error {
	if err := c.checkKind(sf.SinkId()); err != nil {
		return err
	}
	c.entity.AddSink(sf)
	return nil
}

func (c *Config) checkKind(kind string) error {
	if kind == "" || reservedKinds[kind] {
		return ErrInvalidEntityId
	}
	return nil
}

func (c *Config) toServiceConfig() service.Config {
	var sc service.Config
	sc.Entity = c.entity
	if _, builtin := sc.Entity.Sinks[stdout.EntityStdout].(*stdout.SinkFactory); builtin && c.Ops.Stdout != nil {
		sc.Entity.AddSink(stdout.NewSinkFactory(c.Ops.Stdout))
	}
	sc.MetricsAddress = c.MetricsAddress
	sc.Engine.Log = c.Ops.Log
	sc.Engine.EventLogInterval = c.Ops.EventLogInterval
	sc.Engine.ShutdownTimeout = c.Runtime.ShutdownTimeout
	sc.Engine.FailFast = c.Runtime.FailFast
	sc.Engine.StopOnStreamFailure = c.Runtime.StopOnStreamFailure
	return sc
}
