package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/zpiroux/flowline/entity"
	"github.com/zpiroux/flowline/internal/pkg/iflow"
)

// StageError is returned by the chain when a stage fails on a batch. Batch is the input
// batch of the failing stage, i.e. the partially transformed batch.
type StageError struct {
	Index int
	Stage string
	Batch *entity.Batch
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// ChainStage is a stage instance together with its identity and concurrency property.
type ChainStage struct {
	Index       int
	Kind        string
	Stage       entity.Stage
	Concurrency entity.Concurrency
}

func (s ChainStage) Id() string {
	return fmt.Sprintf("processors[%d]:%s", s.Index, s.Kind)
}

type chainStage struct {
	ChainStage
	id   string
	acc  entity.Accumulator
	mu   sync.Mutex         // only used for serialized and accumulating stages
	held []*entity.Envelope // envelopes with rows kept by acc, guarded by mu
}

func (s *chainStage) locked() bool {
	return s.acc != nil || s.Concurrency == entity.ConcurrencySerialized
}

func (s *chainStage) apply(ctx context.Context, batch *entity.Batch) (out []*entity.Batch, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in stage: %v", r)
		}
	}()
	return s.Stage.Apply(ctx, batch)
}

func (s *chainStage) flush(ctx context.Context, flusher entity.Flusher) (out []*entity.Batch, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in stage flush: %v", r)
		}
	}()
	return flusher.Flush(ctx)
}

// Chain applies its stages left to right. It is shared by all workers of a stream
// instance; serialized stages are guarded by a per-stage mutex.
//
// Accumulating stages are tracked with the envelopes whose rows they keep, so these are
// only resolved when the rows are emitted, see iflow.Output.
type Chain struct {
	stages []*chainStage

	holdMu sync.Mutex
	holds  map[*entity.Envelope]int // number of stages keeping rows of an envelope
}

func NewChain(stages ...ChainStage) *Chain {
	c := &Chain{holds: make(map[*entity.Envelope]int)}
	for _, s := range stages {
		cs := &chainStage{ChainStage: s, id: s.Id()}
		cs.acc, _ = s.Stage.(entity.Accumulator)
		c.stages = append(c.stages, cs)
	}
	return c
}

func (c *Chain) Len() int {
	return len(c.stages)
}

func (c *Chain) StageIds() []string {
	ids := make([]string, len(c.stages))
	for i, s := range c.stages {
		ids[i] = s.id
	}
	return ids
}

func (c *Chain) Accumulating() bool {
	for _, s := range c.stages {
		if s.acc != nil {
			return true
		}
	}
	return false
}

// Bind validates the chain statically, by passing the source schema through all stages
// able to derive their output schema. Validation stops at the first stage where the
// schema is not statically known.
func (c *Chain) Bind(in *entity.Schema) error {
	schema := in
	for _, s := range c.stages {
		if schema == nil {
			return nil
		}
		binder, ok := s.Stage.(entity.SchemaBinder)
		if !ok {
			return nil
		}
		out, err := binder.Bind(schema)
		if err != nil {
			if entity.IsConfigError(err) {
				return fmt.Errorf("stage %s: %w", s.id, err)
			}
			return fmt.Errorf("%w: stage %s: %w", entity.ErrInvalidSpec, s.id, err)
		}
		schema = out
	}
	return nil
}

// Process runs the envelope's batch through the chain. If any stage leaves no non-empty
// batch, the chain stops and an output without batches is returned.
func (c *Chain) Process(ctx context.Context, env *entity.Envelope) iflow.Output {
	batches, carry, err := c.processFrom(ctx, 0, []*entity.Batch{env.Batch}, []*entity.Envelope{env})
	return c.output(env, batches, carry, err)
}

// processFrom applies stages from start. carry holds the envelopes the current batches
// belong to, extended with the envelopes released by accumulating stages on the way.
func (c *Chain) processFrom(
	ctx context.Context,
	start int,
	current []*entity.Batch,
	carry []*entity.Envelope) ([]*entity.Batch, []*entity.Envelope, error) {

	current = nonEmpty(current)
	for i := start; i < len(c.stages) && len(current) > 0; i++ {
		s := c.stages[i]
		var next []*entity.Batch
		for _, b := range current {
			out, released, err := c.applyStage(ctx, s, b, carry)
			carry = appendMissing(carry, released...)
			if err != nil {
				return nil, carry, &StageError{Index: i, Stage: s.id, Batch: b, Err: err}
			}
			next = append(next, nonEmpty(out)...)
		}
		current = next
	}
	return current, carry, nil
}

func (c *Chain) applyStage(
	ctx context.Context,
	s *chainStage,
	batch *entity.Batch,
	carry []*entity.Envelope) ([]*entity.Batch, []*entity.Envelope, error) {

	if !s.locked() {
		out, err := s.apply(ctx, batch)
		return out, nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out, err := s.apply(ctx, batch)
	if s.acc == nil {
		return out, nil, err
	}
	emitted := err == nil && len(nonEmpty(out)) > 0
	return out, c.track(s, carry, emitted, err == nil), err
}

// track updates the envelopes kept by an accumulating stage after a call to it and returns
// the envelopes no longer kept by any stage. The stage lock must be held.
func (c *Chain) track(s *chainStage, carry []*entity.Envelope, emitted, hold bool) []*entity.Envelope {
	pending := s.acc.Pending()

	c.holdMu.Lock()
	defer c.holdMu.Unlock()

	var released []*entity.Envelope
	if emitted || !pending {
		for _, env := range s.held {
			c.holds[env]--
			if c.holds[env] <= 0 {
				delete(c.holds, env)
				released = append(released, env)
			}
		}
		s.held = nil
	}
	if pending && hold {
		for _, env := range carry {
			if !slices.Contains(s.held, env) {
				s.held = append(s.held, env)
				c.holds[env]++
			}
		}
	}
	return released
}

// output builds the chain output, where carried envelopes still kept by any stage are
// held rather than released.
func (c *Chain) output(env *entity.Envelope, batches []*entity.Batch, carry []*entity.Envelope, err error) iflow.Output {
	out := iflow.Output{Batches: batches, Err: err}

	c.holdMu.Lock()
	defer c.holdMu.Unlock()
	for _, e := range carry {
		switch {
		case c.holds[e] > 0:
			if e == env {
				out.Held = true
			}
		case e != env:
			out.Released = append(out.Released, e)
		}
	}
	return out
}

// Flush emits the accumulated state of all flushing stages, in stage order, passing
// each stage's flushed output through the downstream stages.
func (c *Chain) Flush(ctx context.Context) []iflow.Output {
	var outputs []iflow.Output
	for i := range c.stages {
		if out, ok := c.flushStage(ctx, i, time.Time{}, false); ok {
			outputs = append(outputs, out)
		}
	}
	return outputs
}

// FlushExpired flushes the accumulating stages with a deadline not after now.
func (c *Chain) FlushExpired(ctx context.Context, now time.Time) []iflow.Output {
	var outputs []iflow.Output
	for i, s := range c.stages {
		if s.acc == nil {
			continue
		}
		if out, ok := c.flushStage(ctx, i, now, true); ok {
			outputs = append(outputs, out)
		}
	}
	return outputs
}

func (c *Chain) NextDeadline() time.Time {
	var next time.Time
	for _, s := range c.stages {
		if s.acc == nil {
			continue
		}
		s.mu.Lock()
		d := s.acc.Deadline()
		s.mu.Unlock()
		if !d.IsZero() && (next.IsZero() || d.Before(next)) {
			next = d
		}
	}
	return next
}

// flushStage flushes stage i and runs its output through the downstream stages. The
// returned bool is false if there was nothing to flush.
func (c *Chain) flushStage(ctx context.Context, i int, now time.Time, expiredOnly bool) (iflow.Output, bool) {
	s := c.stages[i]
	flusher, ok := s.Stage.(entity.Flusher)
	if !ok {
		return iflow.Output{}, false
	}

	flushed, released, ok, err := func() ([]*entity.Batch, []*entity.Envelope, bool, error) {
		if s.locked() {
			s.mu.Lock()
			defer s.mu.Unlock()
		}
		if expiredOnly {
			d := s.acc.Deadline()
			if d.IsZero() || now.Before(d) {
				return nil, nil, false, nil
			}
		}
		flushed, err := s.flush(ctx, flusher)
		var released []*entity.Envelope
		if s.acc != nil {
			released = c.track(s, nil, err == nil && len(nonEmpty(flushed)) > 0, false)
		}
		return flushed, released, true, err
	}()
	if !ok {
		return iflow.Output{}, false
	}
	if err != nil {
		return c.output(nil, nil, released, &StageError{Index: i, Stage: s.id, Err: err}), true
	}
	batches, carry, err := c.processFrom(ctx, i+1, flushed, released)
	if len(batches) == 0 && len(carry) == 0 && err == nil {
		return iflow.Output{}, false
	}
	return c.output(nil, batches, carry, err), true
}

func (c *Chain) Close(ctx context.Context) error {
	var errs []error
	for _, s := range c.stages {
		if closer, ok := s.Stage.(entity.Closer); ok {
			if err := closer.Close(ctx); err != nil {
				errs = append(errs, fmt.Errorf("closing stage %s: %w", s.id, err))
			}
		}
	}
	return errors.Join(errs...)
}

func nonEmpty(batches []*entity.Batch) []*entity.Batch {
	out := batches[:0:0]
	for _, b := range batches {
		if !b.IsEmpty() {
			out = append(out, b)
		}
	}
	return out
}

func appendMissing(envs []*entity.Envelope, add ...*entity.Envelope) []*entity.Envelope {
	for _, env := range add {
		if !slices.Contains(envs, env) {
			envs = append(envs, env)
		}
	}
	return envs
}
