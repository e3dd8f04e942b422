package xkafka

import (
	"context"
	"errors"
	"sync"

	"github.com/confluentinc/confluent-kafka-go/kafka"
)

type MockConsumerFactory struct {
	mu        sync.Mutex
	events    []kafka.Event
	consumers []*MockConsumer
}

// NewMockConsumerFactory creates a factory whose consumers share the provided events.
func NewMockConsumerFactory(events ...kafka.Event) *MockConsumerFactory {
	return &MockConsumerFactory{events: events}
}

func (f *MockConsumerFactory) NewConsumer(conf *kafka.ConfigMap) (Consumer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := &MockConsumer{factory: f, conf: conf}
	f.consumers = append(f.consumers, c)
	return c, nil
}

func (f *MockConsumerFactory) next() kafka.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.events) == 0 {
		return nil
	}
	e := f.events[0]
	f.events = f.events[1:]
	return e
}

func (f *MockConsumerFactory) Consumers() []*MockConsumer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*MockConsumer(nil), f.consumers...)
}

type MockConsumer struct {
	factory *MockConsumerFactory
	conf    *kafka.ConfigMap

	mu      sync.Mutex
	topics  []string
	offsets []kafka.TopicPartition
	closed  bool
}

func (c *MockConsumer) SubscribeTopics(topics []string, rebalanceCb kafka.RebalanceCb) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics = topics
	return nil
}

func (c *MockConsumer) Poll(timeoutMs int) kafka.Event {
	return c.factory.next()
}

func (c *MockConsumer) StoreOffsets(offsets []kafka.TopicPartition) ([]kafka.TopicPartition, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.New("consumer closed")
	}
	c.offsets = append(c.offsets, offsets...)
	return offsets, nil
}

func (c *MockConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *MockConsumer) StoredOffsets() []kafka.TopicPartition {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]kafka.TopicPartition(nil), c.offsets...)
}

func (c *MockConsumer) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func message(topic string, partition int32, offset int64, value string) *kafka.Message {
	return &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: partition, Offset: kafka.Offset(offset)},
		Value:          []byte(value),
	}
}

type MockProducerFactory struct {
	producer *MockProducer
	admin    *MockAdminClient
}

func NewMockProducerFactory() *MockProducerFactory {
	return &MockProducerFactory{
		producer: NewMockProducer(),
		admin:    &MockAdminClient{},
	}
}

func (f *MockProducerFactory) NewProducer(conf *kafka.ConfigMap) (Producer, error) {
	f.producer.conf = conf
	return f.producer, nil
}

func (f *MockProducerFactory) NewAdminClientFromProducer(p Producer) (AdminClient, error) {
	return f.admin, nil
}

type MockProducer struct {
	conf   *kafka.ConfigMap
	events chan kafka.Event

	mu           sync.Mutex
	messages     []*kafka.Message
	failDelivery int // number of delivery reports to fail
	closed       bool
}

func NewMockProducer() *MockProducer {
	return &MockProducer{events: make(chan kafka.Event, 10)}
}

func (p *MockProducer) Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if deliveryChan == nil {
		deliveryChan = p.events
	}
	if p.failDelivery > 0 {
		p.failDelivery--
		msg.TopicPartition.Error = errors.New("publish kafka op failed")
		deliveryChan <- msg
		return nil
	}
	p.messages = append(p.messages, msg)
	deliveryChan <- msg
	return nil
}

func (p *MockProducer) Events() chan kafka.Event {
	return p.events
}

func (p *MockProducer) Flush(timeoutMs int) int {
	return 0
}

func (p *MockProducer) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
}

func (p *MockProducer) Messages() []*kafka.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*kafka.Message(nil), p.messages...)
}

type MockAdminClient struct {
	mu      sync.Mutex
	created []kafka.TopicSpecification
	topics  map[string]kafka.TopicMetadata
}

func (m *MockAdminClient) GetMetadata(topic *string, allTopics bool, timeoutMs int) (*kafka.Metadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &kafka.Metadata{Topics: m.topics}, nil
}

func (m *MockAdminClient) CreateTopics(ctx context.Context, topics []kafka.TopicSpecification, options ...kafka.CreateTopicsAdminOption) ([]kafka.TopicResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.topics == nil {
		m.topics = make(map[string]kafka.TopicMetadata)
	}
	var results []kafka.TopicResult
	for _, t := range topics {
		m.created = append(m.created, t)
		m.topics[t.Topic] = kafka.TopicMetadata{Topic: t.Topic}
		results = append(results, kafka.TopicResult{Topic: t.Topic})
	}
	return results, nil
}

func (m *MockAdminClient) Close() {}

func (m *MockAdminClient) Created() []kafka.TopicSpecification {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]kafka.TopicSpecification(nil), m.created...)
}
