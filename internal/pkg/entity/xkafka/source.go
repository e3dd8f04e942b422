package xkafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/zpiroux/flowline/entity"
	"github.com/zpiroux/flowline/pkg/notify"
)

// MetaTopic is the batch metadata key holding the topic the batch was consumed from.
const MetaTopic = "kafka.topic"

type SourceFactory struct {
	cf ConsumerFactory
}

// NewSourceFactory creates the kafka source factory. If cf is nil the real kafka
// consumer is used.
func NewSourceFactory(cf ConsumerFactory) entity.SourceFactory {
	if cf == nil {
		cf = DefaultConsumerFactory{}
	}
	return &SourceFactory{cf: cf}
}

func (sf *SourceFactory) SourceId() string {
	return EntityKafka
}

func (sf *SourceFactory) NewSource(ctx context.Context, c entity.Config) (entity.Source, error) {
	return newSource(c, sf.cf)
}

func (sf *SourceFactory) Close(ctx context.Context) error {
	return nil
}

// source consumes messages with a consumer group, using manual offset storing and
// automatic commits of stored offsets. A batch's offsets are stored when it is acked.
// Nacked batches leave their offsets unstored, but a later acked batch from the same
// partition will move the committed offset past them.
type source struct {
	c        entity.Config
	config   SourceConfig
	cf       ConsumerFactory
	notifier *notify.Notifier

	mu       sync.Mutex // serializes polling, so that each batch holds consecutive messages
	consumer Consumer
	closed   bool
	consumed atomic.Int64
}

func newSource(c entity.Config, cf ConsumerFactory) (*source, error) {
	var config SourceConfig
	if err := c.Decode(&config); err != nil {
		return nil, err
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	s := &source{
		c:      c,
		config: config,
		cf:     cf,
	}
	s.notifier = notify.New(c.NotifyChan, notify.NewLog(c.Log), 2, "xkafka.source", c.Instance, c.Stream)
	s.notifier.Notify(entity.NotifyLevelInfo, "Source created with topics %v, config: %s", config.Topics, config.configMap())
	return s, nil
}

// Connect creates a new consumer and subscribes to the topics. Any existing consumer,
// e.g. after a disconnect, is closed first.
func (s *source) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return entity.ErrEndOfInput
	}
	s.closeConsumer()

	consumer, err := s.cf.NewConsumer(s.config.configMap().kafkaConfig())
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}
	if err = consumer.SubscribeTopics(s.config.Topics, nil); err != nil {
		_ = consumer.Close()
		return entity.Retryable(fmt.Errorf("failed subscribing to topics %v: %w", s.config.Topics, err))
	}
	s.consumer = consumer
	s.notifier.Notify(entity.NotifyLevelInfo, "Consumer created and subscribed to %v", s.config.Topics)
	return nil
}

// Fetch polls until batch_size messages have been received or a poll times out with at
// least one message received. A poll timeout without messages returns a nil batch.
func (s *source) Fetch(ctx context.Context) (*entity.Batch, entity.Acknowledger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, nil, entity.ErrEndOfInput
	}
	if s.consumer == nil {
		return nil, nil, entity.ErrDisconnected
	}

	var msgs []*kafka.Message
	pollTimeoutMs := int(s.config.PollTimeout.Milliseconds())

	for len(msgs) < s.config.BatchSize && ctx.Err() == nil {

		event := s.consumer.Poll(pollTimeoutMs)
		if event == nil {
			if len(msgs) > 0 {
				break
			}
			return nil, nil, ctx.Err()
		}

		switch evt := event.(type) {
		case *kafka.Message:
			if evt.TopicPartition.Error != nil {
				s.notifier.Notify(entity.NotifyLevelWarn, "Topic partition error when consuming message %s: %v", evt.TopicPartition, evt.TopicPartition.Error)
				continue
			}
			if s.c.Ops.LogEventData {
				s.notifier.Notify(entity.NotifyLevelDebug, "Message consumed from %s: %s", evt.TopicPartition, string(evt.Value))
			}
			msgs = append(msgs, evt)

		case kafka.Error:
			if evt.Code() == kafka.ErrAllBrokersDown {
				return nil, nil, fmt.Errorf("%w: %v", entity.ErrDisconnected, evt)
			}
			if evt.IsFatal() {
				return nil, nil, fmt.Errorf("fatal kafka consumer error: %v", evt)
			}
			// Most errors are recoverable by librdkafka itself
			s.notifier.Notify(entity.NotifyLevelWarn, "Kafka error in consumer, code: %v, event: %v", evt.Code(), evt)

		default:
			if !strings.Contains(evt.String(), "OffsetsCommitted") {
				s.notifier.Notify(entity.NotifyLevelInfo, "Kafka info event in consumer: %v", evt)
			}
		}
	}

	if len(msgs) == 0 {
		return nil, nil, ctx.Err()
	}

	values := make([][]byte, len(msgs))
	for i, m := range msgs {
		values[i] = m.Value
	}
	s.consumed.Add(int64(len(msgs)))
	batch := entity.NewBinaryBatch(values)
	if topic := msgs[0].TopicPartition.Topic; topic != nil {
		batch = batch.WithMeta(MetaTopic, *topic)
	}
	return batch, &offsetAck{source: s, consumer: s.consumer, msgs: msgs}, nil
}

func (s *source) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	err := s.closeConsumer()
	s.notifier.Notify(entity.NotifyLevelInfo, "Source closed, consumed messages: %d", s.consumed.Load())
	return err
}

func (s *source) closeConsumer() error {
	if s.consumer == nil {
		return nil
	}
	err := s.consumer.Close()
	if err != nil {
		s.notifier.Notify(entity.NotifyLevelError, "Error closing consumer: %v", err)
	}
	s.consumer = nil
	return err
}

type offsetAck struct {
	source   *source
	consumer Consumer
	msgs     []*kafka.Message
}

func (a *offsetAck) Ack(ctx context.Context) error {
	offsets := make([]kafka.TopicPartition, 0, len(a.msgs))
	for _, m := range a.msgs {
		tp := m.TopicPartition
		tp.Offset++
		offsets = append(offsets, tp)
	}
	if _, err := a.consumer.StoreOffsets(offsets); err != nil {
		// In-memory operation, so only expected to fail if the consumer was replaced in a
		// reconnect. This gives duplicates, not loss.
		a.source.notifier.Notify(entity.NotifyLevelError, "Error storing offsets %v: %v", offsets, err)
		return err
	}
	return nil
}

func (a *offsetAck) Nack(ctx context.Context, reason error) error {
	if reason == nil {
		reason = errors.New("unknown reason")
	}
	a.source.notifier.Notify(entity.NotifyLevelWarn, "Batch of %d messages nacked, offsets not stored, reason: %v", len(a.msgs), reason)
	return nil
}
