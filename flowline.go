// Package flowline is a configuration-driven stream processing engine. Each stream reads
// batches from a source, runs them through an ordered chain of processor stages, and
// writes the results to an output, with failed batches routed to an error output.
//
// Flowline is used either as a library, registering stream definitions with the API,
// or with the flowline CLI running streams from a config document.
package flowline

import (
	"context"
	"errors"
	"fmt"

	"github.com/teltech/logger"
	"github.com/zpiroux/flowline/entity"
	"github.com/zpiroux/flowline/internal/pkg/engine"
	"github.com/zpiroux/flowline/internal/service"
)

var log *logger.Log

func init() {
	log = logger.New()
}

// Error values returned by Flowline API.
// Many of these errors will also contain additional details about the error.
// Error matching can still be done with 'if errors.Is(err, ErrInvalidStreamId)' etc.
// due to error wrapping.
var (
	ErrConfigNotInitialized   = errors.New("flowline.Config need to be created with NewConfig()")
	ErrFlowlineNotInitialized = errors.New("flowline not initialized")
	ErrSpecAlreadyExists      = errors.New("stream ID already exists, stream definitions cannot be changed once registered")
	ErrInvalidStreamSpec      = errors.New("stream definition is not valid")
	ErrInvalidStreamId        = errors.New("invalid stream ID")
	ErrInternalDataProcessing = errors.New("internal data processing error")
	ErrInvalidEntityId        = errors.New("invalid source/stage/sink kind")
	ErrPublishNotSupported    = errors.New("stream source does not support publishing")

	// ErrUncleanShutdown is matched by the errors of streams not drained within the
	// shutdown timeout.
	ErrUncleanShutdown = engine.ErrUncleanShutdown
)

type Flowline struct {
	service    *service.Service
	notifyChan entity.NotifyChan
}

// New creates Flowline's internal services based on the provided config, which needs to be
// created with NewConfig(), and registers the streams in config.Streams.
func New(ctx context.Context, config *Config) (*Flowline, error) {
	if config == nil || config.entity.Sources == nil {
		return nil, ErrConfigNotInitialized
	}
	f := &Flowline{}
	if config.Ops.NotifyChanSize > 0 {
		f.notifyChan = make(entity.NotifyChan, config.Ops.NotifyChanSize)
	}

	sc := config.toServiceConfig()
	sc.Engine.NotifyChan = f.notifyChan
	s, err := service.New(ctx, sc)
	if err != nil {
		return nil, err
	}
	f.service = s

	for _, specData := range config.Streams {
		if _, err := f.RegisterStream(ctx, specData); err != nil {
			if config.Runtime.FailFast {
				return nil, err
			}
			log.Errorf("stream not registered: %v", err)
		}
	}
	return f, nil
}

// Run builds and starts all registered streams. It is a blocking call until all streams
// have stopped, Shutdown is called, or ctx is canceled, which all lead to a graceful
// shutdown. The returned error joins the failures of all streams which failed to build,
// failed while running, or did not drain in time.
func (f *Flowline) Run(ctx context.Context) error {
	if f.service == nil {
		return ErrFlowlineNotInitialized
	}
	return f.service.Run(ctx)
}

// AwaitReady blocks until Run has started all registered streams, or ctx is done.
func (f *Flowline) AwaitReady(ctx context.Context) error {
	if f.service == nil {
		return ErrFlowlineNotInitialized
	}
	return f.service.AwaitReady(ctx)
}

// RegisterStream validates the stream definition and registers it. If Flowline is running
// the stream is started immediately. The id of the stream is returned.
func (f *Flowline) RegisterStream(ctx context.Context, specData []byte) (id string, err error) {
	if f.service == nil {
		return id, ErrFlowlineNotInitialized
	}
	spec, err := entity.NewSpec(specData)
	if err != nil {
		return id, errWithDetails(ErrInvalidStreamSpec, err)
	}
	if err = f.service.AddStream(ctx, spec); err != nil {
		if errors.Is(err, service.ErrStreamExists) {
			return id, errWithDetails(ErrSpecAlreadyExists, err)
		}
		return id, errWithDetails(ErrInvalidStreamSpec, err)
	}
	return spec.Id, nil
}

// Publish sends data to the source of the stream identified by streamId, if the source
// supports it, such as the built-in "memory" source. The call returns when the data has
// been handled by the stream, with an error if it could not be processed successfully.
// The returned id identifies the published data.
func (f *Flowline) Publish(ctx context.Context, streamId string, data []byte) (id string, err error) {
	if f.service == nil {
		return id, ErrFlowlineNotInitialized
	}
	stream, err := f.service.Supervisor().Stream(streamId)
	if err != nil {
		return id, errWithDetails(ErrInvalidStreamId, err)
	}
	if _, ok := stream.Source().(entity.Publisher); !ok {
		return id, fmt.Errorf("%w: stream %s has source kind %s", ErrPublishNotSupported, streamId, stream.Spec().Input.Type)
	}
	id, err = stream.Publish(ctx, data)
	if err != nil {
		return id, errWithDetails(ErrInternalDataProcessing, err)
	}
	return id, nil
}

// GetStreamSpec returns the full stream definition, with defaults applied, for a stream id.
func (f *Flowline) GetStreamSpec(ctx context.Context, streamId string) (specData []byte, err error) {
	if f.service == nil {
		return nil, ErrFlowlineNotInitialized
	}
	spec, err := f.service.Registry().Get(ctx, streamId)
	if err != nil {
		return nil, errWithDetails(ErrInvalidStreamId, err)
	}
	return spec.JSON(), nil
}

// GetStreamSpecs returns all registered stream definitions
func (f *Flowline) GetStreamSpecs(ctx context.Context) (specs map[string][]byte, err error) {
	if f.service == nil {
		return nil, ErrFlowlineNotInitialized
	}
	specsFromReg, err := f.service.Registry().GetAll(ctx)
	if err != nil {
		return nil, err
	}
	specs = make(map[string][]byte, len(specsFromReg))
	for id, spec := range specsFromReg {
		specs[id] = spec.JSON()
	}
	return specs, nil
}

// ValidateStreamSpec returns an error if the provided stream definition is invalid, or uses
// kinds not registered. The stream id is returned if valid.
func (f *Flowline) ValidateStreamSpec(specData []byte) (specId string, err error) {
	if f.service == nil {
		return specId, ErrFlowlineNotInitialized
	}
	spec, err := entity.NewSpec(specData)
	if err != nil {
		return specId, errWithDetails(ErrInvalidStreamSpec, err)
	}
	if err = f.service.EntityFactory().Validate(spec); err != nil {
		return specId, errWithDetails(ErrInvalidStreamSpec, err)
	}
	return spec.Id, nil
}

// Streams returns the status of all streams, keyed by stream id.
func (f *Flowline) Streams() map[string]entity.StreamStatus {
	if f.service == nil {
		return nil
	}
	return f.service.Statuses()
}

// Metrics returns a snapshot of the processing metrics of all running streams.
func (f *Flowline) Metrics() map[string]entity.Metrics {
	if f.service == nil {
		return nil
	}
	return f.service.Metrics()
}

// Kinds returns the kind tags available for stream definitions, keyed by "source", "stage"
// and "sink".
func (f *Flowline) Kinds() map[string][]string {
	if f.service == nil {
		return nil
	}
	return f.service.Kinds()
}

// Shutdown drains all streams and waits for them to stop, up to the configured shutdown
// timeout or until ctx is done. Streams not drained by then are reported in the returned
// error, which matches ErrUncleanShutdown.
func (f *Flowline) Shutdown(ctx context.Context) error {
	if f.service == nil {
		return ErrFlowlineNotInitialized
	}
	return f.service.Shutdown(ctx)
}

// NotifyChannel returns the channel on which operational events are sent. Events are
// dropped if the channel is full. Nil if Config.Ops.NotifyChanSize is zero.
func (f *Flowline) NotifyChannel() <-chan entity.NotificationEvent {
	return f.notifyChan
}

func errWithDetails(err error, errDetails error) error {
	return fmt.Errorf("%w, details: %v", err, errDetails)
}
