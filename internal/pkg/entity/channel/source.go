package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/zpiroux/flowline/entity"
	"github.com/zpiroux/flowline/pkg/notify"
)

const sourceTypeId = entity.EntityMemory

var ErrSourceClosed = errors.New("memory source is closed")

type SourceFactory struct{}

func NewSourceFactory() entity.SourceFactory {
	return &SourceFactory{}
}

func (sf *SourceFactory) SourceId() string {
	return sourceTypeId
}

func (sf *SourceFactory) NewSource(ctx context.Context, c entity.Config) (entity.Source, error) {
	var config Config
	if err := c.Decode(&config); err != nil {
		return nil, err
	}
	return newSource(c, config), nil
}

func (sf *SourceFactory) Close(ctx context.Context) error {
	return nil
}

type Config struct {
	// Messages are emitted one per batch, before any published data
	Messages []string `mapstructure:"messages"`

	// EndWhenEmpty makes the source report end of input when all messages have been
	// fetched, instead of waiting for published data.
	EndWhenEmpty bool `mapstructure:"end_when_empty"`
}

// chanEvent is data published to the source, together with the channel on which the
// outcome is reported back to the publisher.
type chanEvent struct {
	id     string
	data   []byte
	result chan error
}

type source struct {
	c        entity.Config
	config   Config
	notifier *notify.Notifier

	mu      sync.Mutex
	pending []string

	sourceChan chan chanEvent
	closed     chan struct{}
	closeOnce  sync.Once
}

func newSource(c entity.Config, config Config) *source {
	s := &source{
		c:          c,
		config:     config,
		pending:    append([]string(nil), config.Messages...),
		sourceChan: make(chan chanEvent),
		closed:     make(chan struct{}),
	}
	s.notifier = notify.New(c.NotifyChan, notify.NewLog(c.Log), 2, "memory.source", c.Instance, c.Stream)
	return s
}

func (s *source) Connect(ctx context.Context) error {
	return nil
}

func (s *source) Fetch(ctx context.Context) (*entity.Batch, entity.Acknowledger, error) {

	if msg, ok := s.nextMessage(); ok {
		return entity.NewBinaryBatch([][]byte{[]byte(msg)}), nil, nil
	}
	if s.config.EndWhenEmpty {
		return nil, nil, entity.ErrEndOfInput
	}

	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case <-s.closed:
		return nil, nil, entity.ErrEndOfInput
	case event := <-s.sourceChan:
		return entity.NewBinaryBatch([][]byte{event.data}), &eventAck{event: event}, nil
	}
}

func (s *source) nextMessage() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return "", false
	}
	msg := s.pending[0]
	s.pending = s.pending[1:]
	return msg, true
}

// Publish hands the data to a worker of the stream and waits until it has been acked or
// nacked. The returned id identifies the published data in logs.
func (s *source) Publish(ctx context.Context, data []byte) (string, error) {

	event := chanEvent{
		id:     uuid.NewString(),
		data:   data,
		result: make(chan error, 1),
	}

	select {
	case s.sourceChan <- event:
	case <-s.closed:
		return "", ErrSourceClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}

	select {
	case err := <-event.result:
		if err != nil {
			return event.id, fmt.Errorf("published data %s was not processed successfully: %w", event.id, err)
		}
		return event.id, nil
	case <-ctx.Done():
		s.notifier.Notify(entity.NotifyLevelWarn, "Publisher of %s gave up waiting for result: %v", event.id, ctx.Err())
		return event.id, ctx.Err()
	}
}

func (s *source) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
	return nil
}

type eventAck struct {
	event chanEvent
}

func (a *eventAck) Ack(ctx context.Context) error {
	a.event.result <- nil
	return nil
}

func (a *eventAck) Nack(ctx context.Context, reason error) error {
	if reason == nil {
		reason = errors.New("nacked")
	}
	a.event.result <- reason
	return nil
}
