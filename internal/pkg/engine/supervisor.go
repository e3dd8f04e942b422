package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/teltech/logger"
	"github.com/zpiroux/flowline/entity"
	"github.com/zpiroux/flowline/internal/pkg/iflow"
)

var log *logger.Log

func init() {
	log = logger.New()
}

var ErrUncleanShutdown = errors.New("unclean shutdown")

// Supervisor is responsible for high-level lifecycle management of streams. It builds one
// Stream per stream spec and runs it with an Executor in its own goroutine. A failing
// stream does not affect the others, unless StopOnStreamFailure is configured.
type Supervisor struct {
	config        Config
	registry      iflow.Registry
	streamBuilder iflow.StreamBuilder
	archivist     *executorArchivist
	wgExecutors   sync.WaitGroup
	instanceId    string

	// runCtx is the hard context of all executors, canceled only when the shutdown grace
	// period has expired.
	runCtx     context.Context
	hardCancel context.CancelFunc

	mu                sync.Mutex
	running           bool
	shutdownRequested bool
	active            int
	deployed          int
	buildFailures     map[string]error
	uncleanErrs       []error
	changed           chan struct{}
	forced            chan struct{}

	shutdownOnce sync.Once
	shutdownDone chan struct{}
	shutdownErr  error
}

// Supervisor expects the provided registry to be populated with the specs to run
func NewSupervisor(
	ctx context.Context,
	config Config,
	streamBuilder iflow.StreamBuilder,
	registry iflow.Registry) (*Supervisor, error) {

	if isNil(streamBuilder) || isNil(registry) {
		return nil, errors.New("supervisor requires a stream builder and a registry")
	}
	config.ensureValidDefaults()
	s := &Supervisor{
		config:        config,
		registry:      registry,
		streamBuilder: streamBuilder,
		archivist:     newExecutorArchivist(),
		instanceId:    createInstanceAlias(),
		buildFailures: make(map[string]error),
		changed:       make(chan struct{}, 1),
		forced:        make(chan struct{}),
		shutdownDone:  make(chan struct{}),
	}
	s.runCtx, s.hardCancel = context.WithCancel(context.WithoutCancel(ctx))
	return s, nil
}

// Init builds streams for all enabled specs in the registry, in stream id order. If
// FailFast is set the first build failure is returned, otherwise the failure is recorded,
// reported as a failed stream, and included in the error returned by Run.
func (s *Supervisor) Init(ctx context.Context) error {

	specs, err := s.registry.GetAll(ctx)
	if err != nil {
		return err
	}

	ids := make([]string, 0, len(specs))
	for id := range specs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		spec := specs[id]
		if spec.IsDisabled() {
			log.Infof(s.lgprfx()+"stream %s is disabled and will not be assigned to an executor", spec.Id)
			continue
		}

		if err := s.createStream(ctx, spec); err != nil {
			if s.config.FailFast {
				return err
			}
			log.Errorf(s.lgprfx()+"stream %s could not be built and will not be started, err: %v", spec.Id, err)
		}
	}
	return nil
}

// Registry returns the registry containing all registered stream specs
func (s *Supervisor) Registry() iflow.Registry {
	return s.registry
}

// Run is the main entry point for execution of all streams. It deploys all created
// executors and returns when all of them have stopped, or when a shutdown has completed.
// If no executor could be created because all streams failed to build, it returns directly.
// If ctx is canceled a graceful shutdown is initiated. The returned error joins all build
// failures, stream failures and unclean shutdown reports.
func (s *Supervisor) Run(ctx context.Context, ready *sync.WaitGroup) error {

	stopShutdownTrigger := context.AfterFunc(ctx, func() {
		_ = s.Shutdown(context.Background())
	})
	defer stopShutdownTrigger()

	var nbExecutorsDeployed int
	executorMap := s.archivist.GrantExclusiveAccess()
	ids := make([]string, 0, len(*executorMap))
	for id := range *executorMap {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		s.deployExecutor((*executorMap)[id])
		nbExecutorsDeployed++
	}
	s.mu.Lock()
	// Nothing can run if all streams failed to build
	nothingToRun := nbExecutorsDeployed == 0 && len(s.buildFailures) > 0
	s.running = !nothingToRun
	s.mu.Unlock()
	s.archivist.RevokeExclusiveAccess()
	if nothingToRun {
		log.Error(s.lgprfx() + "No stream could be built, nothing to run")
		if ready != nil {
			ready.Done()
		}
		return s.runErr()
	}
	log.Infof(s.lgprfx()+"%d executors deployed", nbExecutorsDeployed)

	// Everything is up and running
	if ready != nil {
		ready.Done()
	}

	forced := s.waitForCompletion()
	if forced {
		log.Warn(s.lgprfx() + "Shutdown grace period expired, not waiting for remaining executors.")
	} else {
		s.wgExecutors.Wait()
		log.Info(s.lgprfx() + "All Executors finished operations. Supervisor shutting down.")
	}
	return s.runErr()
}

// waitForCompletion blocks until all deployed executors have finished, with at least one
// deployed or a shutdown requested, or until a shutdown timed out. It returns true in the
// latter case.
func (s *Supervisor) waitForCompletion() bool {
	for {
		s.mu.Lock()
		completed := s.active == 0 && (s.deployed > 0 || s.shutdownRequested)
		s.mu.Unlock()
		if completed {
			return false
		}
		select {
		case <-s.changed:
		case <-s.forced:
			return true
		}
	}
}

func (s *Supervisor) signal() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

func (s *Supervisor) runErr() error {
	var errs []error

	s.mu.Lock()
	ids := make([]string, 0, len(s.buildFailures))
	for id := range s.buildFailures {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		errs = append(errs, fmt.Errorf("stream %s: %w", id, s.buildFailures[id]))
	}
	errs = append(errs, s.uncleanErrs...)
	s.mu.Unlock()

	for _, executor := range s.archivist.All() {
		if err := executor.Err(); err != nil {
			errs = append(errs, fmt.Errorf("stream %s: %w", executor.StreamId(), err))
		}
	}
	return errors.Join(errs...)
}

// deployExecutor must be called with exclusive archivist access
func (s *Supervisor) deployExecutor(executor iflow.Executor) {
	s.mu.Lock()
	s.active++
	s.deployed++
	s.mu.Unlock()

	s.wgExecutors.Add(1)
	go func() {
		defer func() {
			s.mu.Lock()
			s.active--
			s.mu.Unlock()
			s.signal()
		}()
		executor.Run(s.runCtx, &s.wgExecutors)
	}()
}

// Shutdown requests all streams to drain and waits for them to stop, for at most the
// configured ShutdownTimeout or until ctx is done. Streams not stopped by then have their
// in-flight work canceled and are reported with ErrUncleanShutdown. Shutdown always
// returns; subsequent calls wait for and return the result of the first one.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown(ctx)
		close(s.shutdownDone)
	})
	<-s.shutdownDone
	return s.shutdownErr
}

func (s *Supervisor) shutdown(ctx context.Context) error {

	log.Infof(s.lgprfx()+"Shutting down, grace period: %v", s.config.ShutdownTimeout)
	s.mu.Lock()
	s.shutdownRequested = true
	running := s.running
	s.mu.Unlock()
	s.signal()

	executors := s.archivist.All()
	for _, executor := range executors {
		executor.Shutdown()
	}
	if !running {
		return nil
	}

	grace := time.NewTimer(s.config.ShutdownTimeout)
	defer grace.Stop()
	pending := awaitExecutors(executors, grace.C, ctx.Done())
	if len(pending) == 0 {
		log.Info(s.lgprfx() + "All streams drained")
		return nil
	}

	s.hardCancel()
	awaitExecutors(pending, time.After(s.config.CloseTimeout), nil)

	var errs []error
	for _, executor := range pending {
		err := fmt.Errorf("%w: stream %s did not drain within %v", ErrUncleanShutdown, executor.StreamId(), s.config.ShutdownTimeout)
		log.Warn(s.lgprfx() + err.Error())
		errs = append(errs, err)
	}
	s.mu.Lock()
	s.uncleanErrs = append(s.uncleanErrs, errs...)
	s.mu.Unlock()
	close(s.forced)
	return errors.Join(errs...)
}

// awaitExecutors waits for executors to be done until timeout or abort fires. It returns
// the executors not yet done.
func awaitExecutors(executors []iflow.Executor, timeout <-chan time.Time, abort <-chan struct{}) []iflow.Executor {
	for i, executor := range executors {
		select {
		case <-executor.Done():
			continue
		case <-timeout:
		case <-abort:
		}
		var pending []iflow.Executor
		for _, ex := range executors[i:] {
			select {
			case <-ex.Done():
			default:
				pending = append(pending, ex)
			}
		}
		return pending
	}
	return nil
}

// AddStream builds a stream for the spec and, if the supervisor is running, deploys it.
// An existing stream with the same id is shut down and replaced.
func (s *Supervisor) AddStream(ctx context.Context, spec *entity.Spec) error {
	s.mu.Lock()
	shuttingDown := s.shutdownRequested
	s.mu.Unlock()
	if shuttingDown {
		return fmt.Errorf(s.lgprfx()+"cannot add stream %s, shutdown in progress", spec.Id)
	}

	if spec.IsDisabled() {
		log.Infof(s.lgprfx()+"New spec version is disabled for streamId '%s', just shutting down old one", spec.Id)
		s.RemoveStream(spec.Id)
		return nil
	}
	return s.createStream(ctx, spec)
}

func (s *Supervisor) createStream(ctx context.Context, spec *entity.Spec) error {

	executorMap := s.archivist.GrantExclusiveAccess()
	defer s.archivist.RevokeExclusiveAccess()

	stream, err := s.streamBuilder.Build(ctx, spec)
	if err != nil {
		log.Errorf(s.lgprfx()+"could not build stream from spec: %s", spec.JSON())
		s.mu.Lock()
		s.buildFailures[spec.Id] = err
		s.mu.Unlock()
		return err
	}

	executor := NewExecutor(s.config, stream)
	if executor == nil {
		err = fmt.Errorf(s.lgprfx()+"could not create executor for stream: %s", spec.Id)
		s.mu.Lock()
		s.buildFailures[spec.Id] = err
		s.mu.Unlock()
		return err
	}
	if s.config.StopOnStreamFailure {
		executor.SetFailureHandler(s.handleStreamFailure)
	}

	if existing, exists := (*executorMap)[spec.Id]; exists {
		existing.Shutdown()
	}
	(*executorMap)[spec.Id] = executor

	s.mu.Lock()
	delete(s.buildFailures, spec.Id)
	running := s.running
	s.mu.Unlock()

	log.Infof(s.lgprfx()+"Created executor with ID: [%s], for spec with ID: %s", stream.Instance(), spec.Id)
	if running {
		s.deployExecutor(executor)
	}
	return nil
}

// RemoveStream drains and removes the stream with the given id, if it exists.
func (s *Supervisor) RemoveStream(streamId string) {
	executorMap := s.archivist.GrantExclusiveAccess()
	defer s.archivist.RevokeExclusiveAccess()

	if existing, exists := (*executorMap)[streamId]; exists {
		existing.Shutdown()
		delete(*executorMap, streamId)
	} else {
		log.Warnf(s.lgprfx()+"RemoveStream called for streamId %s but stream did not exist", streamId)
	}
}

func (s *Supervisor) handleStreamFailure(streamId string, err error) {
	log.Errorf(s.lgprfx()+"stream %s failed (%v), shutting down all streams", streamId, err)
	go func() {
		_ = s.Shutdown(context.Background())
	}()
}

// Stream returns the stream instance for a stream id, for use with getting stream spec
// info and stream publishing.
func (s *Supervisor) Stream(id string) (iflow.Stream, error) {
	executor := s.archivist.Get(id)
	if executor == nil {
		return nil, fmt.Errorf(s.lgprfx()+"stream with id '%s' not found", id)
	}
	return executor.Stream(), nil
}

// Executor returns the executor of a stream, or nil if not found.
func (s *Supervisor) Executor(id string) iflow.Executor {
	return s.archivist.Get(id)
}

// Statuses returns the status of all streams, including the ones which failed to build.
func (s *Supervisor) Statuses() map[string]entity.StreamStatus {
	statuses := make(map[string]entity.StreamStatus)
	s.mu.Lock()
	for id := range s.buildFailures {
		statuses[id] = entity.StreamFailed
	}
	s.mu.Unlock()
	for _, executor := range s.archivist.All() {
		statuses[executor.StreamId()] = executor.Status()
	}
	return statuses
}

func (s *Supervisor) Metrics() map[string]entity.Metrics {
	metrics := make(map[string]entity.Metrics)
	for _, executor := range s.archivist.All() {
		metrics[executor.StreamId()] = executor.Metrics()
	}
	return metrics
}

func (s *Supervisor) lgprfx() string {
	return "[supervisor:" + s.instanceId + "] "
}

// ExecutorArchivist is the keeper of all Executors.
type executorArchivist struct {
	x      ExecutorMap
	xMutex *sync.Mutex
}

type ExecutorMap map[string]iflow.Executor

func newExecutorArchivist() *executorArchivist {
	return &executorArchivist{
		x:      make(ExecutorMap),
		xMutex: &sync.Mutex{},
	}
}

func (e *executorArchivist) Get(id string) iflow.Executor {
	defer e.xMutex.Unlock()
	e.xMutex.Lock()
	return e.x[id]
}

// All returns the executors sorted by stream id.
func (e *executorArchivist) All() []iflow.Executor {
	defer e.xMutex.Unlock()
	e.xMutex.Lock()
	executors := make([]iflow.Executor, 0, len(e.x))
	for _, executor := range e.x {
		executors = append(executors, executor)
	}
	sort.Slice(executors, func(i, j int) bool {
		return executors[i].StreamId() < executors[j].StreamId()
	})
	return executors
}

func (e *executorArchivist) GrantExclusiveAccess() *ExecutorMap {
	e.xMutex.Lock()
	return &e.x
}

func (e *executorArchivist) RevokeExclusiveAccess() {
	e.xMutex.Unlock()
}
