package xkafka

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/tidwall/gjson"
	"github.com/zpiroux/flowline/entity"
	"github.com/zpiroux/flowline/pkg/notify"
)

type SinkFactory struct {
	pf ProducerFactory
}

// NewSinkFactory creates the kafka sink factory. If pf is nil the real kafka producer
// is used.
func NewSinkFactory(pf ProducerFactory) entity.SinkFactory {
	if pf == nil {
		pf = DefaultProducerFactory{}
	}
	return &SinkFactory{pf: pf}
}

func (sf *SinkFactory) SinkId() string {
	return EntityKafka
}

func (sf *SinkFactory) NewSink(ctx context.Context, c entity.Config) (entity.Sink, error) {
	return newSink(c, sf.pf)
}

func (sf *SinkFactory) Close(ctx context.Context) error {
	return nil
}

// sink produces one message per batch row. A Write returns when delivery reports for
// all messages of the batch have been received.
type sink struct {
	c        entity.Config
	config   SinkConfig
	pf       ProducerFactory
	notifier *notify.Notifier

	mu              sync.RWMutex
	producer        Producer
	stopEvents      context.CancelFunc
	eventsDone      chan struct{}
	requestShutdown atomic.Bool
	published       atomic.Int64
}

func newSink(c entity.Config, pf ProducerFactory) (*sink, error) {
	var config SinkConfig
	if err := c.Decode(&config); err != nil {
		return nil, err
	}
	if err := config.validate(); err != nil {
		return nil, err
	}
	s := &sink{
		c:      c,
		config: config,
		pf:     pf,
	}
	s.notifier = notify.New(c.NotifyChan, notify.NewLog(c.Log), 2, "xkafka.sink", c.Instance, c.Stream)
	return s, nil
}

func (s *sink) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.producer != nil {
		return nil
	}
	producer, err := s.pf.NewProducer(s.config.configMap().kafkaConfig())
	if err != nil {
		return fmt.Errorf("failed to create producer: %w", err)
	}

	if s.config.CreateTopic != nil {
		if err = s.createTopic(ctx, producer); err != nil {
			producer.Close()
			return err
		}
	}

	ctxEvents, cancel := context.WithCancel(context.Background())
	s.producer = producer
	s.stopEvents = cancel
	s.eventsDone = make(chan struct{})
	go s.eventHandler(ctxEvents, producer)

	s.notifier.Notify(entity.NotifyLevelInfo, "Producer created for topic %s with config: %s", s.config.Topic, s.config.configMap())
	return nil
}

func (s *sink) createTopic(ctx context.Context, producer Producer) error {
	ac, err := s.pf.NewAdminClientFromProducer(producer)
	if err != nil {
		return fmt.Errorf("could not create admin client: %w", err)
	}
	defer ac.Close()

	created, err := ensureTopic(ctx, ac, kafka.TopicSpecification{
		Topic:             s.config.Topic,
		NumPartitions:     s.config.CreateTopic.Partitions,
		ReplicationFactor: s.config.CreateTopic.ReplicationFactor,
	})
	if err != nil {
		return entity.Retryable(err)
	}
	if created {
		s.notifier.Notify(entity.NotifyLevelInfo, "Topic %s created", s.config.Topic)
	}
	return nil
}

func (s *sink) Write(ctx context.Context, batch *entity.Batch) error {

	if s.requestShutdown.Load() {
		return entity.ErrEntityShutdownRequested
	}
	s.mu.RLock()
	producer := s.producer
	s.mu.RUnlock()
	if producer == nil {
		return errors.New("kafka sink not connected")
	}

	payloads, err := batch.Payloads()
	if err != nil {
		return err
	}
	keys := s.keys(batch, payloads)
	headers := metaHeaders(batch)

	deliveryChan := make(chan kafka.Event, len(payloads))
	pending := 0
	for i, payload := range payloads {
		msg := &kafka.Message{
			TopicPartition: kafka.TopicPartition{Topic: &s.config.Topic, Partition: kafka.PartitionAny},
			Key:            keys[i],
			Value:          payload,
			Headers:        headers,
		}
		if err = producer.Produce(msg, deliveryChan); err != nil {
			// Messages already enqueued are still delivered, giving duplicates on retry
			return entity.Retryable(fmt.Errorf("produce failed after %d of %d messages: %w", pending, len(payloads), err))
		}
		pending++
	}

	ctx, cancel := context.WithTimeout(ctx, s.config.DeliveryTimeout)
	defer cancel()

	var deliveryErr error
	for ; pending > 0; pending-- {
		select {
		case <-ctx.Done():
			return entity.Retryable(fmt.Errorf("waiting for %d delivery reports: %w", pending, ctx.Err()))
		case event := <-deliveryChan:
			switch e := event.(type) {
			case *kafka.Message:
				if e.TopicPartition.Error != nil {
					deliveryErr = e.TopicPartition.Error
					continue
				}
				s.published.Add(1)
				if s.c.Ops.LogEventData {
					s.notifier.Notify(entity.NotifyLevelDebug, "Message published to %s, value: %s", e.TopicPartition, string(e.Value))
				}
			case kafka.Error:
				if e.Code() == kafka.ErrAllBrokersDown {
					return entity.ErrEntityShutdownRequested
				}
				deliveryErr = e
			default:
				// Unknown outcome, so the batch needs to be retried
				deliveryErr = fmt.Errorf("unexpected kafka event in delivery report: %v", e)
			}
		}
	}
	if deliveryErr != nil {
		return entity.Retryable(fmt.Errorf("publish failed: %w", deliveryErr))
	}
	return nil
}

// keys returns the message key of each row, or nil keys if no key column is configured.
func (s *sink) keys(batch *entity.Batch, payloads [][]byte) [][]byte {
	keys := make([][]byte, len(payloads))
	if s.config.Key == "" {
		return keys
	}
	if batch.IsBinary() {
		for i, p := range payloads {
			if v := gjson.GetBytes(p, s.config.Key); v.Exists() {
				keys[i] = []byte(v.String())
			}
		}
		return keys
	}
	col, ok := batch.ColumnByName(s.config.Key)
	if !ok {
		return keys
	}
	for i, v := range col {
		switch value := v.(type) {
		case nil:
		case []byte:
			keys[i] = value
		case string:
			keys[i] = []byte(value)
		default:
			keys[i] = []byte(fmt.Sprint(value))
		}
	}
	return keys
}

// metaHeaders carries batch metadata, e.g. error routing details, as message headers.
func metaHeaders(batch *entity.Batch) []kafka.Header {
	meta := batch.Metadata()
	if len(meta) == 0 {
		return nil
	}
	headers := make([]kafka.Header, 0, len(meta))
	for k, v := range meta {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	sort.Slice(headers, func(i, j int) bool { return headers[i].Key < headers[j].Key })
	return headers
}

// eventHandler handles producer events not tied to a specific write, e.g. fatal client
// errors, which make the sink request a shutdown of the stream.
func (s *sink) eventHandler(ctx context.Context, producer Producer) {
	defer close(s.eventsDone)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-producer.Events():
			if !ok {
				return
			}
			switch event := e.(type) {
			case kafka.Error:
				if event.IsFatal() {
					s.notifier.Notify(entity.NotifyLevelError, "Fatal producer error: %v, requesting shutdown", event)
					s.requestShutdown.Store(true)
				} else {
					s.notifier.Notify(entity.NotifyLevelWarn, "Producer error: %v", event)
				}
			default:
				s.notifier.Notify(entity.NotifyLevelDebug, "Ignored producer event: %v", event)
			}
		}
	}
}

func (s *sink) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.producer == nil {
		return nil
	}
	var err error
	if unflushed := s.producer.Flush(flushTimeoutMs); unflushed > 0 {
		err = fmt.Errorf("%d messages were not flushed when closing producer", unflushed)
		s.notifier.Notify(entity.NotifyLevelError, "%v", err)
	}
	s.stopEvents()
	<-s.eventsDone
	s.producer.Close()
	s.producer = nil
	s.notifier.Notify(entity.NotifyLevelInfo, "Sink closed, published messages: %d", s.published.Load())
	return err
}
