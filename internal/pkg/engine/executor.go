package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/zpiroux/flowline/entity"
	"github.com/zpiroux/flowline/internal/pkg/iflow"
	"github.com/zpiroux/flowline/pkg/notify"
)

// WorkerState is the state of a single worker of a stream instance.
type WorkerState int32

const (
	WorkerFetching WorkerState = iota
	WorkerProcessing
	WorkerRouting
	WorkerAcking
	WorkerDraining
	WorkerStopped
)

var workerStateName = map[WorkerState]string{
	WorkerFetching:   "fetching",
	WorkerProcessing: "processing",
	WorkerRouting:    "routing",
	WorkerAcking:     "acking",
	WorkerDraining:   "draining",
	WorkerStopped:    "stopped",
}

func (s WorkerState) String() string {
	return workerStateName[s]
}

// Stream Executors operate a stream instance, from Source through the processor Chain to
// the Sink or error Sink, as specified by a single stream definition. The stream it is
// executing is configured and instantiated by the Supervisor.
//
// The executor runs spec.Pipeline.ThreadNum workers sharing the stream's entities. Each
// worker completes routing and acking of a batch before fetching the next one.
type Executor struct {
	config   Config
	stream   iflow.Stream
	id       string
	streamId string
	notifier *notify.Notifier

	status     atomic.Int32
	stopCtx    context.Context    // Canceled when a drain is requested
	stopCancel context.CancelFunc // CancelFunc for requesting drain
	done       chan struct{}

	failMu  sync.Mutex
	failErr error
	onFail  func(streamId string, err error)

	connMu  sync.Mutex
	connGen atomic.Uint64

	workerStates []atomic.Int32
	inFlight     atomic.Int64
	maxInFlight  atomic.Int64

	executorMetrics ProcessingMetrics
	sinkMetrics     ProcessingMetrics
	filtered        atomic.Int64
	routed          atomic.Int64
	retries         atomic.Int64
	reconnects      atomic.Int64

	prom promCollectors
}

type promCollectors struct {
	batchesFetched    prometheus.Counter
	rowsFetched       prometheus.Counter
	batchesFiltered   prometheus.Counter
	outputBatches     prometheus.Counter
	outputRows        prometheus.Counter
	errorBatches      prometheus.Counter
	errorRows         prometheus.Counter
	fetchRetries      prometheus.Counter
	writeRetries      prometheus.Counter
	reconnects        prometheus.Counter
	inFlight          prometheus.Gauge
	processingSeconds prometheus.Observer
	stageErrors       *prometheus.CounterVec
}

func NewExecutor(config Config, stream iflow.Stream) *Executor {

	config.ensureValidDefaults()
	e := &Executor{
		config: config,
		stream: stream,
		done:   make(chan struct{}),
	}
	if !e.valid() {
		return nil
	}
	e.id = stream.Instance()
	e.streamId = stream.Spec().Id
	e.stopCtx, e.stopCancel = context.WithCancel(context.Background())
	e.notifier = notify.New(config.NotifyChan, notify.NewLog(config.Log), 2, "executor", e.id, e.streamId)
	e.workerStates = make([]atomic.Int32, stream.Spec().Pipeline.ThreadNum)

	m := config.Metrics
	e.prom = promCollectors{
		batchesFetched:    m.batchesFetched.WithLabelValues(e.streamId),
		rowsFetched:       m.rowsFetched.WithLabelValues(e.streamId),
		batchesFiltered:   m.batchesFiltered.WithLabelValues(e.streamId),
		outputBatches:     m.batchesWritten.WithLabelValues(e.streamId, sinkRoleOutput),
		outputRows:        m.rowsWritten.WithLabelValues(e.streamId, sinkRoleOutput),
		errorBatches:      m.batchesWritten.WithLabelValues(e.streamId, sinkRoleErrorOutput),
		errorRows:         m.rowsWritten.WithLabelValues(e.streamId, sinkRoleErrorOutput),
		fetchRetries:      m.retries.WithLabelValues(e.streamId, "fetch"),
		writeRetries:      m.retries.WithLabelValues(e.streamId, "write"),
		reconnects:        m.reconnects.WithLabelValues(e.streamId),
		inFlight:          m.inFlight.WithLabelValues(e.streamId),
		processingSeconds: m.processingSeconds.WithLabelValues(e.streamId),
		stageErrors:       m.stageErrors,
	}
	return e
}

func (e *Executor) valid() bool {
	if isNil(e.stream) {
		return false
	}
	return e.stream.Spec() != nil &&
		!isNil(e.stream.Source()) &&
		!isNil(e.stream.Chain()) &&
		!isNil(e.stream.Sink()) &&
		!isNil(e.stream.ErrorSink())
}

// SetFailureHandler sets a func called once if the stream instance fails.
func (e *Executor) SetFailureHandler(f func(streamId string, err error)) {
	e.onFail = f
}

func (e *Executor) StreamId() string {
	return e.streamId
}

func (e *Executor) Stream() iflow.Stream {
	return e.stream
}

func (e *Executor) Done() <-chan struct{} {
	return e.done
}

func (e *Executor) Status() entity.StreamStatus {
	return entity.StreamStatus(e.status.Load())
}

func (e *Executor) Err() error {
	e.failMu.Lock()
	defer e.failMu.Unlock()
	return e.failErr
}

// WorkerStates returns the current state of each worker.
func (e *Executor) WorkerStates() []WorkerState {
	states := make([]WorkerState, len(e.workerStates))
	for i := range e.workerStates {
		states[i] = WorkerState(e.workerStates[i].Load())
	}
	return states
}

// MaxInFlight returns the highest number of batches concurrently processed so far.
func (e *Executor) MaxInFlight() int64 {
	return e.maxInFlight.Load()
}

func (e *Executor) Metrics() entity.Metrics {
	return entity.Metrics{
		BatchesFetched:           atomic.LoadInt64(&e.executorMetrics.Batches),
		RowsFetched:              atomic.LoadInt64(&e.executorMetrics.Rows),
		ProcessingTimeMicros:     atomic.LoadInt64(&e.executorMetrics.DurationMicros),
		BatchesFiltered:          e.filtered.Load(),
		BatchesWritten:           atomic.LoadInt64(&e.sinkMetrics.Batches),
		RowsWritten:              atomic.LoadInt64(&e.sinkMetrics.Rows),
		SinkProcessingTimeMicros: atomic.LoadInt64(&e.sinkMetrics.DurationMicros),
		BatchesRoutedToErrorSink: e.routed.Load(),
		Retries:                  e.retries.Load(),
		Reconnects:               e.reconnects.Load(),
	}
}

// Run connects the stream entities, runs the workers until the source is exhausted, the
// stream fails, or a drain is requested with Shutdown, and finally drains and closes the
// stream. The provided ctx is only used to abort in-flight work.
func (e *Executor) Run(ctx context.Context, wg *sync.WaitGroup) {

	defer e.runExit(wg)
	e.setStatus(entity.StreamStarting)

	spec := e.stream.Spec()
	e.notifier.Notify(entity.NotifyLevelInfo, "Starting up with %d workers, error_ack policy: %s", spec.Pipeline.ThreadNum, spec.Ops.ErrorAck)

	// Fetches are aborted both on drain requests and on hard cancellation
	fetchCtx, cancelFetch := context.WithCancel(ctx)
	stopFetch := context.AfterFunc(e.stopCtx, cancelFetch)
	defer func() {
		stopFetch()
		cancelFetch()
	}()

	if err := e.connect(fetchCtx); err != nil {
		if fetchCtx.Err() == nil {
			e.fail(fmt.Errorf("could not connect stream entities: %w", err))
		}
	} else {
		e.setStatus(entity.StreamRunning)
		var wgWorkers sync.WaitGroup
		for i := 0; i < spec.Pipeline.ThreadNum; i++ {
			wgWorkers.Add(1)
			go e.worker(ctx, fetchCtx, i, &wgWorkers)
		}
		if e.stream.Chain().Accumulating() {
			wgWorkers.Add(1)
			go e.flushExpired(ctx, &wgWorkers)
		}
		wgWorkers.Wait()
	}

	e.drain(ctx)
}

func (e *Executor) runExit(wg *sync.WaitGroup) {
	// Protection against badly written source/sink plugins
	if r := recover(); r != nil {
		e.notifier.Notify(entity.NotifyLevelError, "Panic (%v) in executor for spec %s, terminating stream", r, e.stream.Spec().JSON())
		e.fail(fmt.Errorf("panic in executor: %v", r))
	}
	if e.Err() != nil {
		e.setStatus(entity.StreamFailed)
	} else {
		e.setStatus(entity.StreamStopped)
	}
	e.notifier.Notify(entity.NotifyLevelInfo, "Executor finished with status %s. Executor metrics: %s, Sink metrics: %s",
		e.Status(), e.executorMetrics, e.sinkMetrics)
	close(e.done)
	if wg != nil {
		wg.Done()
	}
}

// Shutdown requests the stream to drain. Workers observe the request between steps, so
// in-flight batches are completed before the workers stop.
func (e *Executor) Shutdown() {
	if e.stopCtx.Err() == nil {
		e.notifier.Notify(entity.NotifyLevelInfo, "Shutdown requested, draining")
	}
	e.stopCancel()
}

func (e *Executor) stopRequested() bool {
	return e.stopCtx.Err() != nil
}

func (e *Executor) setStatus(status entity.StreamStatus) {
	e.status.Store(int32(status))
}

func (e *Executor) setWorkerState(worker int, state WorkerState) {
	if worker < 0 {
		return
	}
	e.workerStates[worker].Store(int32(state))
}

// fail marks the stream instance as failed and requests all workers to drain.
// Only the first failure is kept.
func (e *Executor) fail(err error) {
	e.failMu.Lock()
	first := e.failErr == nil
	if first {
		e.failErr = err
	}
	e.failMu.Unlock()

	if first {
		e.notifier.Notify(entity.NotifyLevelError, "Stream instance failed: %v", err)
		if e.onFail != nil {
			e.onFail(e.streamId, err)
		}
	}
	e.stopCancel()
}

func (e *Executor) connect(ctx context.Context) error {
	if err := e.stream.Sink().Connect(ctx); err != nil {
		return fmt.Errorf("output: %w", err)
	}
	if e.stream.ErrorSink() != e.stream.Sink() {
		if err := e.stream.ErrorSink().Connect(ctx); err != nil {
			return fmt.Errorf("error_output: %w", err)
		}
	}
	return e.connectSource(ctx)
}

// connectSource connects the source, retrying retryable errors with the stream's retry
// policy and disconnected errors at the reconnect interval.
func (e *Executor) connectSource(ctx context.Context) error {
	attempt := 0
	for {
		err := e.stream.Source().Connect(ctx)
		switch {
		case err == nil:
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		case errors.Is(err, entity.ErrDisconnected):
			return e.reconnect(ctx, e.connGen.Load())
		case entity.IsRetryable(err) && attempt < e.ops().MaxRetries:
			attempt++
			if !e.waitRetry(ctx, "source connect", attempt, err, e.prom.fetchRetries) {
				return ctx.Err()
			}
		default:
			return fmt.Errorf("input: %w", err)
		}
	}
}

// reconnect is called by workers observing a disconnected source. Only one worker
// reconnects per disconnection; the others wait for it and then resume fetching.
func (e *Executor) reconnect(ctx context.Context, seenGen uint64) error {
	e.connMu.Lock()
	defer e.connMu.Unlock()

	if e.connGen.Load() != seenGen {
		return nil
	}

	interval := e.ops().ReconnectInterval.Std()
	e.notifier.Notify(entity.NotifyLevelWarn, "Source disconnected, reconnecting every %v", interval)

	operation := func() error {
		err := e.stream.Source().Connect(ctx)
		if err != nil {
			e.notifier.Notify(entity.NotifyLevelWarn, "Reconnect attempt failed: %v", err)
			if !errors.Is(err, entity.ErrDisconnected) && !entity.IsRetryable(err) {
				return backoff.Permanent(err)
			}
		}
		return err
	}
	err := backoff.Retry(operation, backoff.WithContext(backoff.NewConstantBackOff(interval), ctx))
	if err != nil {
		return err
	}
	e.connGen.Add(1)
	e.reconnects.Add(1)
	e.prom.reconnects.Inc()
	e.notifier.Notify(entity.NotifyLevelInfo, "Source reconnected")
	return nil
}

// waitRetry logs and sleeps before a retry. Returns false if ctx was canceled.
func (e *Executor) waitRetry(ctx context.Context, op string, attempt int, err error, counter prometheus.Counter) bool {
	ops := e.ops()
	delay := retryBackoff(ops.RetryBackoff.Std(), ops.MaxRetryBackoff.Std(), attempt)
	e.notifier.Notify(entity.NotifyLevelWarn, "%s failed with error: %v, issuing retry attempt #%d in %v", op, err, attempt, delay)
	e.retries.Add(1)
	counter.Inc()
	return sleepCtx(ctx, delay)
}

func (e *Executor) ops() entity.Ops {
	return e.stream.Spec().Ops
}

func (e *Executor) logEventData() bool {
	return e.stream.Spec().Ops.LogEventData
}

// worker is the per-worker state machine: Fetching, Processing, Routing, Acking, and
// finally Draining when a drain is requested, the source is exhausted or the stream fails.
// The drain request is only observed between batches; ctx is the hard context used for
// processing, routing and acking.
func (e *Executor) worker(ctx, fetchCtx context.Context, worker int, wg *sync.WaitGroup) {
	defer func() {
		if r := recover(); r != nil {
			e.fail(fmt.Errorf("panic in worker #%d: %v", worker, r))
		}
		e.setWorkerState(worker, WorkerStopped)
		wg.Done()
	}()

	fetchAttempt := 0
	for {
		if e.stopRequested() {
			e.setWorkerState(worker, WorkerDraining)
			return
		}

		e.setWorkerState(worker, WorkerFetching)
		gen := e.connGen.Load()
		batch, ack, err := e.stream.Source().Fetch(fetchCtx)

		if err != nil {
			if fetchCtx.Err() != nil {
				e.setWorkerState(worker, WorkerDraining)
				return
			}
			switch {
			case errors.Is(err, entity.ErrEndOfInput):
				e.notifier.Notify(entity.NotifyLevelInfo, "Source reported end of input, draining")
				e.stopCancel()
				e.setWorkerState(worker, WorkerDraining)
				return

			case errors.Is(err, entity.ErrDisconnected):
				if err := e.reconnect(fetchCtx, gen); err != nil {
					if fetchCtx.Err() == nil {
						e.fail(fmt.Errorf("reconnect failed: %w", err))
					}
					e.setWorkerState(worker, WorkerDraining)
					return
				}
				continue

			case entity.IsRetryable(err) && fetchAttempt < e.ops().MaxRetries:
				fetchAttempt++
				if !e.waitRetry(fetchCtx, "Fetch()", fetchAttempt, err, e.prom.fetchRetries) {
					e.setWorkerState(worker, WorkerDraining)
					return
				}
				continue

			default:
				if entity.IsRetryable(err) {
					err = fmt.Errorf("giving up fetching after %d retries: %w", fetchAttempt, err)
				}
				e.fail(fmt.Errorf("fetch failed: %w", err))
				e.setWorkerState(worker, WorkerDraining)
				return
			}
		}
		fetchAttempt = 0

		if batch == nil {
			// Nothing available, e.g. poll timeout
			continue
		}
		env := entity.NewEnvelope(e.streamId, batch, ack)
		e.processEnvelope(ctx, worker, env)
	}
}

// processEnvelope takes a fetched envelope to a terminal state: written to the sink and
// acked, filtered and acked, or routed to the error sink and acked or nacked according
// to the error_ack policy. An envelope with rows kept by an accumulating stage stays
// pending until a later batch, or a flush, emits them.
func (e *Executor) processEnvelope(ctx context.Context, worker int, env *entity.Envelope) {

	startTime := time.Now()
	inFlight := e.inFlight.Add(1)
	for {
		peak := e.maxInFlight.Load()
		if inFlight <= peak || e.maxInFlight.CompareAndSwap(peak, inFlight) {
			break
		}
	}
	e.prom.inFlight.Inc()
	defer e.processExit(startTime)

	rows := int64(env.Batch.NumRows())
	batches := atomic.AddInt64(&e.executorMetrics.Batches, 1)
	atomic.AddInt64(&e.executorMetrics.Rows, rows)
	e.prom.batchesFetched.Inc()
	e.prom.rowsFetched.Add(float64(rows))
	if batches%int64(e.config.EventLogInterval) == 0 {
		e.notifier.Notify(entity.NotifyLevelInfo, "[metric] nb batches fetched: %d, written to sink: %d", batches, atomic.LoadInt64(&e.sinkMetrics.Batches))
	}
	if e.logEventData() {
		e.notifier.Notify(entity.NotifyLevelDebug, "Envelope %s fetched: %v", env.ID, env.Batch)
	}

	e.setWorkerState(worker, WorkerProcessing)
	out := e.stream.Chain().Process(ctx, env)

	// Envelopes resolved by this outcome. Held envelopes are resolved when the rows kept
	// by accumulating stages are emitted.
	envs := out.Released
	if !out.Held {
		envs = append([]*entity.Envelope{env}, envs...)
	}

	if out.Err != nil {
		var stageErr *StageError
		if !errors.As(out.Err, &stageErr) {
			stageErr = &StageError{Index: -1, Stage: "chain", Batch: env.Batch, Err: out.Err}
		}
		e.prom.stageErrors.WithLabelValues(e.streamId, stageErr.Stage).Inc()
		e.notifier.Notify(entity.NotifyLevelWarn, "Envelope %s failed in %s: %v", env.ID, stageErr.Stage, stageErr.Err)

		e.setWorkerState(worker, WorkerRouting)
		routeErr := e.routeToErrorSink(ctx, env, stageErr.Batch, entity.ErrorKindStage, stageErr.Stage, stageErr.Index, stageErr.Err)

		e.setWorkerState(worker, WorkerAcking)
		e.resolveRouted(ctx, envs, routeErr, stageErr)
		return
	}

	if len(out.Batches) == 0 {
		if !out.Held {
			e.filtered.Add(1)
			e.prom.batchesFiltered.Inc()
			if e.logEventData() {
				e.notifier.Notify(entity.NotifyLevelDebug, "Envelope %s filtered out by processor chain", env.ID)
			}
		} else if e.logEventData() {
			e.notifier.Notify(entity.NotifyLevelDebug, "Envelope %s kept by accumulating stage", env.ID)
		}
		e.setWorkerState(worker, WorkerAcking)
		e.ackAll(ctx, envs)
		return
	}

	e.deliver(ctx, worker, env, out.Batches, envs)
}

// deliver writes the batches to the sink in order and resolves the envelopes they stem
// from. If a write fails, the failing batch and all batches not yet written are routed to
// the error sink, and the envelopes resolved according to the error_ack policy. env is
// only used for tagging routed batches and may be nil.
func (e *Executor) deliver(
	ctx context.Context,
	worker int,
	env *entity.Envelope,
	batches []*entity.Batch,
	envs []*entity.Envelope) {

	e.setWorkerState(worker, WorkerRouting)
	for i, out := range batches {
		writeErr, exhausted := e.writeToSink(ctx, out)
		if writeErr == nil {
			continue
		}

		if ctx.Err() != nil {
			// Aborted, left for redelivery
			e.setWorkerState(worker, WorkerAcking)
			e.nackAll(ctx, envs, writeErr)
			return
		}

		routeErr := e.routeOutputs(ctx, env, batches[i:], writeErr)
		if exhausted {
			e.fail(fmt.Errorf("output permanently failing: %w", writeErr))
		}
		e.setWorkerState(worker, WorkerAcking)
		e.resolveRouted(ctx, envs, routeErr, writeErr)
		return
	}

	e.setWorkerState(worker, WorkerAcking)
	e.ackAll(ctx, envs)
}

// routeOutputs routes unwritten output batches to the error sink, as a single batch if
// their schemas match.
func (e *Executor) routeOutputs(ctx context.Context, env *entity.Envelope, batches []*entity.Batch, cause error) error {
	if len(batches) > 1 {
		if merged, err := entity.Concat(batches...); err == nil {
			batches = []*entity.Batch{merged}
		}
	}
	outputId := "output:" + e.stream.Spec().Output.Type
	var errs []error
	for _, b := range batches {
		if err := e.routeToErrorSink(ctx, env, b, entity.ErrorKindOutput, outputId, -1, cause); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// resolveFlushed takes the output of flushed accumulating stages to a terminal state, in
// the same manner as processEnvelope.
func (e *Executor) resolveFlushed(ctx context.Context, worker int, out iflow.Output) {
	if out.Err != nil {
		var stageErr *StageError
		if errors.As(out.Err, &stageErr) && stageErr.Batch != nil {
			e.prom.stageErrors.WithLabelValues(e.streamId, stageErr.Stage).Inc()
			routeErr := e.routeToErrorSink(ctx, nil, stageErr.Batch, entity.ErrorKindStage, stageErr.Stage, stageErr.Index, stageErr.Err)
			e.resolveRouted(ctx, out.Released, routeErr, stageErr)
			return
		}
		e.notifier.Notify(entity.NotifyLevelError, "Flush of processor chain failed: %v", out.Err)
		e.nackAll(ctx, out.Released, out.Err)
		return
	}
	if len(out.Batches) == 0 {
		e.ackAll(ctx, out.Released)
		return
	}
	e.deliver(ctx, worker, nil, out.Batches, out.Released)
}

// flushExpired runs while the workers are running and emits the rows of accumulating
// stages once their deadline has passed, also when no new batches arrive.
func (e *Executor) flushExpired(ctx context.Context, wg *sync.WaitGroup) {
	defer func() {
		if r := recover(); r != nil {
			e.fail(fmt.Errorf("panic in flush timer: %v", r))
		}
		wg.Done()
	}()

	chain := e.stream.Chain()
	timer := time.NewTimer(e.nextFlushCheck())
	defer timer.Stop()
	for {
		select {
		case <-e.stopCtx.Done():
			return
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		for _, out := range chain.FlushExpired(ctx, time.Now()) {
			e.resolveFlushed(ctx, -1, out)
		}
		timer.Reset(e.nextFlushCheck())
	}
}

func (e *Executor) nextFlushCheck() time.Duration {
	wait := e.config.FlushInterval
	if d := e.stream.Chain().NextDeadline(); !d.IsZero() {
		wait = min(wait, time.Until(d))
	}
	return max(wait, time.Millisecond)
}

func (e *Executor) processExit(startTime time.Time) {
	duration := time.Since(startTime)
	atomic.AddInt64(&e.executorMetrics.DurationMicros, duration.Microseconds())
	atomic.AddInt64(&e.executorMetrics.Operations, 1)
	e.prom.processingSeconds.Observe(duration.Seconds())
	e.prom.inFlight.Dec()
	e.inFlight.Add(-1)
}

// writeToSink writes with retries of retryable errors, in the same manner as source fetches.
// The returned bool is true if the sink should be regarded as permanently broken, i.e.
// retries were exhausted or the sink requested shutdown. Retries aborted by ctx do not
// count as exhausted.
func (e *Executor) writeToSink(ctx context.Context, batch *entity.Batch) (error, bool) {

	for attempt := 0; ; attempt++ {

		startTime := time.Now()
		err := safeWrite(ctx, e.stream.Sink(), batch)

		if err == nil {
			rows := int64(batch.NumRows())
			atomic.AddInt64(&e.sinkMetrics.Batches, 1)
			atomic.AddInt64(&e.sinkMetrics.Rows, rows)
			atomic.AddInt64(&e.sinkMetrics.DurationMicros, time.Since(startTime).Microseconds())
			atomic.AddInt64(&e.sinkMetrics.Operations, 1)
			e.prom.outputBatches.Inc()
			e.prom.outputRows.Add(float64(rows))
			return nil, false
		}

		if errors.Is(err, entity.ErrEntityShutdownRequested) {
			e.notifier.Notify(entity.NotifyLevelError, "Sink requested shutdown during Write(): %v", err)
			return err, true
		}

		if !entity.IsRetryable(err) {
			e.notifier.Notify(entity.NotifyLevelWarn, "Write() failed with unretryable error: %v", err)
			return err, false
		}

		if ctx.Err() != nil {
			return err, false
		}

		if attempt >= e.ops().MaxRetries {
			e.notifier.Notify(entity.NotifyLevelError, "Giving up retrying write to sink after %d attempts, err: %v", attempt+1, err)
			return err, true
		}

		if !e.waitRetry(ctx, "Write()", attempt+1, err, e.prom.writeRetries) {
			return err, false
		}
	}
}

// routeToErrorSink writes the failing batch, tagged with the failure context, to the error
// sink. Retryable errors are retried with the stream's retry policy.
func (e *Executor) routeToErrorSink(
	ctx context.Context,
	env *entity.Envelope,
	batch *entity.Batch,
	kind, stage string,
	index int,
	cause error) error {

	if batch == nil {
		batch = env.Batch
	}
	tagged := batch.
		WithMeta(entity.MetaErrorStream, e.streamId).
		WithMeta(entity.MetaErrorKind, kind).
		WithMeta(entity.MetaErrorStage, stage).
		WithMeta(entity.MetaErrorStageIndex, strconv.Itoa(index)).
		WithMeta(entity.MetaErrorMessage, cause.Error())
	if env != nil {
		tagged = tagged.WithMeta(entity.MetaEnvelopeId, env.ID)
	}

	var err error
	for attempt := 0; ; attempt++ {
		err = safeWrite(ctx, e.stream.ErrorSink(), tagged)
		if err == nil {
			e.routed.Add(1)
			e.prom.errorBatches.Inc()
			e.prom.errorRows.Add(float64(tagged.NumRows()))
			return nil
		}
		if !entity.IsRetryable(err) || attempt >= e.ops().MaxRetries {
			break
		}
		if !e.waitRetry(ctx, "error sink Write()", attempt+1, err, e.prom.writeRetries) {
			break
		}
	}
	e.notifier.Notify(entity.NotifyLevelError, "Could not write failed batch to error sink, err: %v, original failure: %v", err, cause)
	return err
}

// resolveRouted acks or nacks envelopes routed to the error sink, according to the
// stream's error_ack policy. Envelopes which could not be written to the error sink are
// always nacked.
func (e *Executor) resolveRouted(ctx context.Context, envs []*entity.Envelope, routeErr, cause error) {
	if routeErr != nil || e.ops().ErrorAck == entity.ErrorAckNack {
		e.nackAll(ctx, envs, cause)
		return
	}
	e.ackAll(ctx, envs)
}

func (e *Executor) ackAll(ctx context.Context, envs []*entity.Envelope) {
	for _, env := range envs {
		e.ack(ctx, env)
	}
}

func (e *Executor) nackAll(ctx context.Context, envs []*entity.Envelope, reason error) {
	for _, env := range envs {
		e.nack(ctx, env, reason)
	}
}

func (e *Executor) ack(ctx context.Context, env *entity.Envelope) {
	if err := env.Ack(ctx); err != nil {
		e.notifier.Notify(entity.NotifyLevelError, "Could not ack envelope %s, err: %v", env.ID, err)
	}
}

func (e *Executor) nack(ctx context.Context, env *entity.Envelope, reason error) {
	if err := env.Nack(ctx, reason); err != nil {
		e.notifier.Notify(entity.NotifyLevelError, "Could not nack envelope %s, err: %v", env.ID, err)
	}
}

// drain flushes accumulated stage output to the sink, resolving the envelopes held by
// accumulating stages, and closes the stream entities, in the order source, chain, sinks.
func (e *Executor) drain(ctx context.Context) {

	e.setStatus(entity.StreamDraining)

	for _, out := range e.stream.Chain().Flush(ctx) {
		e.resolveFlushed(ctx, -1, out)
	}

	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.config.CloseTimeout)
	defer cancel()
	if closer, ok := e.stream.(interface{ Close(context.Context) error }); ok {
		if err := closer.Close(closeCtx); err != nil {
			e.notifier.Notify(entity.NotifyLevelWarn, "Error closing stream entities: %v", err)
		}
	}
}

func safeWrite(ctx context.Context, sink entity.Sink, batch *entity.Batch) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in sink Write(): %v", r)
		}
	}()
	return sink.Write(ctx, batch)
}
