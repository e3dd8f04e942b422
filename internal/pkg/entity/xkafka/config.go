package xkafka

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/zpiroux/flowline/entity"
)

const (
	EntityKafka = "kafka"

	DefaultBatchSize       = 100
	DefaultPollTimeout     = 3 * time.Second
	DefaultQueuedMaxKbytes = 8192
	flushTimeoutMs         = 10000
)

// ConfigMap holds librdkafka properties.
type ConfigMap map[string]any

// SourceConfig holds the kind-specific fields of a kafka input.
type SourceConfig struct {
	Brokers         []string      `mapstructure:"brokers"`
	Topics          []string      `mapstructure:"topics"`
	ConsumerGroup   string        `mapstructure:"consumer_group"`
	ClientId        string        `mapstructure:"client_id"`
	StartFromLatest bool          `mapstructure:"start_from_latest"`
	BatchSize       int           `mapstructure:"batch_size"`
	PollTimeout     time.Duration `mapstructure:"poll_timeout"`

	// Properties are added to the consumer config as is, overriding the values
	// derived from the other fields.
	Properties map[string]any `mapstructure:"properties"`
}

func (c *SourceConfig) validate() error {
	if len(c.Brokers) == 0 {
		return entity.ConfigErrorf("kafka: brokers missing")
	}
	if len(c.Topics) == 0 {
		return entity.ConfigErrorf("kafka: topics missing")
	}
	if c.ConsumerGroup == "" {
		return entity.ConfigErrorf("kafka: consumer_group missing")
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = DefaultPollTimeout
	}
	return nil
}

func (c *SourceConfig) configMap() ConfigMap {
	offsetReset := "earliest"
	if c.StartFromLatest {
		offsetReset = "latest"
	}
	props := ConfigMap{
		"bootstrap.servers":        strings.Join(c.Brokers, ","),
		"group.id":                 c.ConsumerGroup,
		"auto.offset.reset":        offsetReset,
		"enable.auto.commit":       true,
		"enable.auto.offset.store": false,

		// Keep the local consumer queue small, to not go OOM with a big backlog
		"queued.max.messages.kbytes": DefaultQueuedMaxKbytes,
	}
	if c.ClientId != "" {
		props["client.id"] = c.ClientId
	}
	return props.merge(c.Properties)
}

// TopicSpec specifies the topic to create before producing to it.
type TopicSpec struct {
	Partitions        int `mapstructure:"partitions"`
	ReplicationFactor int `mapstructure:"replication_factor"`
}

// SinkConfig holds the kind-specific fields of a kafka output.
type SinkConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`

	// Key is the column whose value is used as message key. For binary batches it is
	// a gjson path into the JSON payload.
	Key string `mapstructure:"key"`

	ClientId    string     `mapstructure:"client_id"`
	Compression string     `mapstructure:"compression"`
	Acks        string     `mapstructure:"acks"`
	CreateTopic *TopicSpec `mapstructure:"create_topic"`

	// DeliveryTimeout bounds the wait for delivery reports of a written batch.
	DeliveryTimeout time.Duration `mapstructure:"delivery_timeout"`

	Properties map[string]any `mapstructure:"properties"`
}

func (c *SinkConfig) validate() error {
	if len(c.Brokers) == 0 {
		return entity.ConfigErrorf("kafka: brokers missing")
	}
	if c.Topic == "" {
		return entity.ConfigErrorf("kafka: topic missing")
	}
	if c.Compression == "" {
		c.Compression = "lz4"
	}
	if c.Acks == "" {
		c.Acks = "all"
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 30 * time.Second
	}
	if c.CreateTopic != nil {
		if c.CreateTopic.Partitions <= 0 {
			c.CreateTopic.Partitions = 1
		}
		if c.CreateTopic.ReplicationFactor <= 0 {
			c.CreateTopic.ReplicationFactor = 1
		}
	}
	return nil
}

func (c *SinkConfig) configMap() ConfigMap {
	props := ConfigMap{
		"bootstrap.servers":                     strings.Join(c.Brokers, ","),
		"enable.idempotence":                    c.Acks == "all",
		"acks":                                  c.Acks,
		"max.in.flight.requests.per.connection": 5,
		"compression.type":                      c.Compression,
	}
	if c.ClientId != "" {
		props["client.id"] = c.ClientId
	}
	return props.merge(c.Properties)
}

// merge adds the provided properties. Numbers decoded from JSON or YAML documents are
// converted to int when integral, since librdkafka rejects float values for int properties.
func (c ConfigMap) merge(props map[string]any) ConfigMap {
	for k, v := range props {
		if f, ok := v.(float64); ok && f == math.Trunc(f) {
			v = int(f)
		}
		c[k] = v
	}
	return c
}

func (c ConfigMap) kafkaConfig() *kafka.ConfigMap {
	kconfig := make(kafka.ConfigMap, len(c))
	for k, v := range c {
		kconfig[k] = v
	}
	return &kconfig
}

func (c ConfigMap) String() string {
	return fmt.Sprintf("%v", displayConfig(c))
}

func displayConfig(in ConfigMap) map[string]any {
	out := make(map[string]any)
	for k, v := range in {
		if k != "sasl.password" {
			out[k] = v
		}
	}
	return out
}
