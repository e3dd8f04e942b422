// Package etltest provides mock stream entities and helpers for testing the engine and
// connectors without external systems.
package etltest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zpiroux/flowline/entity"
)

// Step is one scripted Fetch result of a MockSource.
type Step struct {
	Batch *entity.Batch
	Err   error
	Delay time.Duration
}

// MockSource returns its scripted steps in order, and then either ErrEndOfInput or, if
// BlockWhenDone is set, blocks until the fetch ctx is canceled. Acks and nacks are counted
// per fetched batch.
type MockSource struct {
	BlockWhenDone bool
	ConnectErrs   []error // returned by successive Connect calls before succeeding
	SourceSchema  *entity.Schema

	mu       sync.Mutex
	steps    []Step
	pos      int
	connects atomic.Int32
	closed   atomic.Bool
	acked    []*entity.Batch
	nacked   []*entity.Batch
	reasons  []error
}

func NewMockSource(steps ...Step) *MockSource {
	return &MockSource{steps: steps}
}

// Batches is a convenience creating a MockSource returning the provided batches.
func Batches(batches ...*entity.Batch) *MockSource {
	steps := make([]Step, len(batches))
	for i, b := range batches {
		steps[i] = Step{Batch: b}
	}
	return NewMockSource(steps...)
}

func (m *MockSource) Connect(ctx context.Context) error {
	n := int(m.connects.Add(1))
	if n <= len(m.ConnectErrs) {
		return m.ConnectErrs[n-1]
	}
	return nil
}

func (m *MockSource) Fetch(ctx context.Context) (*entity.Batch, entity.Acknowledger, error) {

	m.mu.Lock()
	if m.pos >= len(m.steps) {
		m.mu.Unlock()
		if m.BlockWhenDone {
			<-ctx.Done()
			return nil, nil, ctx.Err()
		}
		return nil, nil, entity.ErrEndOfInput
	}
	step := m.steps[m.pos]
	m.pos++
	m.mu.Unlock()

	if step.Delay > 0 {
		select {
		case <-time.After(step.Delay):
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		}
	}
	if step.Err != nil {
		return nil, nil, step.Err
	}
	return step.Batch, &mockAck{source: m, batch: step.Batch}, nil
}

func (m *MockSource) Close(ctx context.Context) error {
	m.closed.Store(true)
	return nil
}

// Schema makes MockSource a SchemaProvider. A nil schema means not statically known.
func (m *MockSource) Schema() *entity.Schema {
	return m.SourceSchema
}

func (m *MockSource) Connects() int {
	return int(m.connects.Load())
}

func (m *MockSource) Closed() bool {
	return m.closed.Load()
}

func (m *MockSource) Acked() []*entity.Batch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*entity.Batch(nil), m.acked...)
}

func (m *MockSource) Nacked() []*entity.Batch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*entity.Batch(nil), m.nacked...)
}

func (m *MockSource) NackReasons() []error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]error(nil), m.reasons...)
}

// Resolved returns the total number of acked and nacked batches.
func (m *MockSource) Resolved() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.acked) + len(m.nacked)
}

type mockAck struct {
	source *MockSource
	batch  *entity.Batch
}

func (a *mockAck) Ack(ctx context.Context) error {
	a.source.mu.Lock()
	defer a.source.mu.Unlock()
	a.source.acked = append(a.source.acked, a.batch)
	return nil
}

func (a *mockAck) Nack(ctx context.Context, reason error) error {
	a.source.mu.Lock()
	defer a.source.mu.Unlock()
	a.source.nacked = append(a.source.nacked, a.batch)
	a.source.reasons = append(a.source.reasons, reason)
	return nil
}

// DisconnectingSource returns ErrDisconnected from Fetch until it has been reconnected,
// and then behaves as its embedded MockSource.
type DisconnectingSource struct {
	*MockSource
	Disconnects int // number of initial Fetch calls reporting disconnection
	fetches     atomic.Int32
}

func (d *DisconnectingSource) Fetch(ctx context.Context) (*entity.Batch, entity.Acknowledger, error) {
	if int(d.fetches.Add(1)) <= d.Disconnects && d.Connects() < 2 {
		return nil, nil, entity.ErrDisconnected
	}
	return d.MockSource.Fetch(ctx)
}
