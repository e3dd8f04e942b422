package xkafka

import (
	"context"
	"fmt"
	"sync"

	"github.com/confluentinc/confluent-kafka-go/kafka"
)

// Consumer is the subset of *kafka.Consumer used by the kafka source.
type Consumer interface {
	SubscribeTopics(topics []string, rebalanceCb kafka.RebalanceCb) error
	Poll(timeoutMs int) (event kafka.Event)
	StoreOffsets(offsets []kafka.TopicPartition) ([]kafka.TopicPartition, error)
	Close() error
}

type ConsumerFactory interface {
	NewConsumer(conf *kafka.ConfigMap) (Consumer, error)
}

type DefaultConsumerFactory struct{}

func (d DefaultConsumerFactory) NewConsumer(conf *kafka.ConfigMap) (Consumer, error) {
	return kafka.NewConsumer(conf)
}

// Producer is the subset of *kafka.Producer used by the kafka sink.
type Producer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
	Events() chan kafka.Event
	Flush(timeoutMs int) int
	Close()
}

type ProducerFactory interface {
	NewProducer(conf *kafka.ConfigMap) (Producer, error)
	NewAdminClientFromProducer(p Producer) (AdminClient, error)
}

type DefaultProducerFactory struct{}

func (d DefaultProducerFactory) NewProducer(conf *kafka.ConfigMap) (Producer, error) {
	return kafka.NewProducer(conf)
}

func (d DefaultProducerFactory) NewAdminClientFromProducer(p Producer) (AdminClient, error) {
	kp, ok := p.(*kafka.Producer)
	if !ok {
		return nil, fmt.Errorf("admin client requires a *kafka.Producer, got %T", p)
	}
	ac, err := kafka.NewAdminClientFromProducer(kp)
	if err != nil {
		return nil, err
	}
	return DefaultAdminClient{ac: ac}, nil
}

type AdminClient interface {
	GetMetadata(topic *string, allTopics bool, timeoutMs int) (*kafka.Metadata, error)
	CreateTopics(ctx context.Context, topics []kafka.TopicSpecification, options ...kafka.CreateTopicsAdminOption) ([]kafka.TopicResult, error)
	Close()
}

type DefaultAdminClient struct {
	ac *kafka.AdminClient
}

func (d DefaultAdminClient) GetMetadata(topic *string, allTopics bool, timeoutMs int) (*kafka.Metadata, error) {
	return d.ac.GetMetadata(topic, allTopics, timeoutMs)
}

func (d DefaultAdminClient) CreateTopics(ctx context.Context, topics []kafka.TopicSpecification, options ...kafka.CreateTopicsAdminOption) ([]kafka.TopicResult, error) {
	return d.ac.CreateTopics(ctx, topics, options...)
}

func (d DefaultAdminClient) Close() {
	d.ac.Close()
}

const metadataRequestTimeoutMs = 5000

// Streams with thread_num > 1 share a single sink, but several streams may produce to the
// same topic, so topic creation is serialized per process.
var topicCreationMutex sync.Mutex

// ensureTopic creates the topic unless it already exists.
func ensureTopic(ctx context.Context, ac AdminClient, topic kafka.TopicSpecification) (created bool, err error) {

	topicCreationMutex.Lock()
	defer topicCreationMutex.Unlock()

	md, err := ac.GetMetadata(nil, true, metadataRequestTimeoutMs)
	if err != nil {
		return false, fmt.Errorf("could not get metadata from kafka cluster: %w", err)
	}
	if topicExists(topic.Topic, md.Topics) {
		return false, nil
	}

	res, err := ac.CreateTopics(ctx, []kafka.TopicSpecification{topic})
	if err != nil {
		return false, fmt.Errorf("could not create topic %+v: %w", topic, err)
	}
	for _, r := range res {
		switch r.Error.Code() {
		case kafka.ErrNoError, kafka.ErrTopicAlreadyExists:
		default:
			return false, fmt.Errorf("could not create topic %s: %v", r.Topic, r.Error)
		}
	}
	return true, nil
}

func topicExists(topicToFind string, existingTopics map[string]kafka.TopicMetadata) bool {
	for _, topic := range existingTopics {
		if topic.Topic == topicToFind {
			return true
		}
	}
	return false
}
