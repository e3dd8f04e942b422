package entity

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

type DeliveryState int32

const (
	DeliveryPending DeliveryState = iota
	DeliveryAcknowledged
	DeliveryFailed
)

func (s DeliveryState) String() string {
	switch s {
	case DeliveryPending:
		return "pending"
	case DeliveryAcknowledged:
		return "acknowledged"
	case DeliveryFailed:
		return "failed"
	}
	return "unknown"
}

// Acknowledger is the delivery confirmation handle returned by sources requiring it,
// e.g. a pubsub message or a kafka offset.
type Acknowledger interface {
	// Ack confirms the batch has been fully handled.
	Ack(ctx context.Context) error

	// Nack signals the batch could not be handled, allowing the source to redeliver it.
	Nack(ctx context.Context, reason error) error
}

// AckFuncs adapts plain functions to the Acknowledger interface. Nil funcs are no-ops.
type AckFuncs struct {
	AckFunc  func(ctx context.Context) error
	NackFunc func(ctx context.Context, reason error) error
}

func (a AckFuncs) Ack(ctx context.Context) error {
	if a.AckFunc == nil {
		return nil
	}
	return a.AckFunc(ctx)
}

func (a AckFuncs) Nack(ctx context.Context, reason error) error {
	if a.NackFunc == nil {
		return nil
	}
	return a.NackFunc(ctx, reason)
}

// Envelope wraps a fetched batch with its delivery metadata. Exactly one worker holds an
// envelope at any time. The delivery state moves from pending to either acknowledged or
// failed, exactly once.
type Envelope struct {
	ID         string
	StreamID   string
	IngestedAt time.Time
	Batch      *Batch

	ack   Acknowledger
	state atomic.Int32
}

func NewEnvelope(streamId string, batch *Batch, ack Acknowledger) *Envelope {
	return &Envelope{
		ID:         uuid.NewString(),
		StreamID:   streamId,
		IngestedAt: time.Now().UTC(),
		Batch:      batch,
		ack:        ack,
	}
}

// HasAcknowledger returns true if the source requires delivery confirmation for this envelope.
func (e *Envelope) HasAcknowledger() bool {
	return e.ack != nil
}

func (e *Envelope) State() DeliveryState {
	return DeliveryState(e.state.Load())
}

// Ack marks the envelope as acknowledged and confirms delivery to the source.
func (e *Envelope) Ack(ctx context.Context) error {
	if !e.state.CompareAndSwap(int32(DeliveryPending), int32(DeliveryAcknowledged)) {
		return ErrEnvelopeResolved
	}
	if e.ack == nil {
		return nil
	}
	return e.ack.Ack(ctx)
}

// Nack marks the envelope as failed and reports the failure to the source.
func (e *Envelope) Nack(ctx context.Context, reason error) error {
	if !e.state.CompareAndSwap(int32(DeliveryPending), int32(DeliveryFailed)) {
		return ErrEnvelopeResolved
	}
	if e.ack == nil {
		return nil
	}
	return e.ack.Nack(ctx, reason)
}
