// Package xmqtt provides the "mqtt" source and sink.
package xmqtt

import (
	"context"
	"fmt"
	"sync"

	"github.com/zpiroux/flowline/entity"
	"github.com/zpiroux/flowline/pkg/notify"
)

const (
	EntityMqtt = "mqtt"

	// MetaTopic is the batch metadata key holding the topic of a received message.
	MetaTopic = "mqtt.topic"

	DefaultBufferSize = 1024
)

type SourceConfig struct {
	ConnConfig `mapstructure:",squash"`

	Topics []string `mapstructure:"topics"`
	QoS    byte     `mapstructure:"qos"`

	// BufferSize is the number of received messages buffered before the client blocks.
	BufferSize int `mapstructure:"buffer_size"`
}

type SourceFactory struct {
	newClient ClientFactory
}

// NewSourceFactory creates the mqtt source factory. If newClient is nil the paho client
// is used.
func NewSourceFactory(newClient ClientFactory) entity.SourceFactory {
	if newClient == nil {
		newClient = NewPahoClient
	}
	return &SourceFactory{newClient: newClient}
}

func (sf *SourceFactory) SourceId() string {
	return EntityMqtt
}

func (sf *SourceFactory) NewSource(ctx context.Context, c entity.Config) (entity.Source, error) {
	return newSource(c, sf.newClient)
}

func (sf *SourceFactory) Close(ctx context.Context) error {
	return nil
}

type message struct {
	topic   string
	payload []byte
}

// source subscribes to the topics and emits one message per batch. Delivery to the broker
// is acknowledged by the client according to the QoS level, so no acknowledger is returned.
// A lost connection is reported by Fetch as ErrDisconnected.
type source struct {
	c         entity.Config
	config    SourceConfig
	newClient ClientFactory
	notifier  *notify.Notifier
	messages  chan message

	mu     sync.Mutex
	client Client
	lost   chan struct{}
	closed chan struct{}
}

func newSource(c entity.Config, newClient ClientFactory) (*source, error) {
	var config SourceConfig
	if err := c.Decode(&config); err != nil {
		return nil, err
	}
	if err := config.validate(); err != nil {
		return nil, entity.ConfigErrorf("mqtt: %v", err)
	}
	if len(config.Topics) == 0 {
		return nil, entity.ConfigErrorf("mqtt: topics missing")
	}
	if config.QoS > 2 {
		return nil, entity.ConfigErrorf("mqtt: invalid qos %d", config.QoS)
	}
	if config.BufferSize <= 0 {
		config.BufferSize = DefaultBufferSize
	}
	s := &source{
		c:         c,
		config:    config,
		newClient: newClient,
		messages:  make(chan message, config.BufferSize),
		closed:    make(chan struct{}),
	}
	s.notifier = notify.New(c.NotifyChan, notify.NewLog(c.Log), 2, "xmqtt.source", c.Instance, c.Stream)
	return s, nil
}

func (s *source) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		s.client.Disconnect()
		s.client = nil
	}

	lost := make(chan struct{})
	once := &sync.Once{}
	client := s.newClient(s.config.ConnConfig, ClientOptions{
		OnConnectionLost: func(err error) {
			once.Do(func() {
				s.notifier.Notify(entity.NotifyLevelWarn, "Connection to %s lost: %v", s.config.Broker(), err)
				close(lost)
			})
		},
	})
	if err := client.Connect(); err != nil {
		return entity.Retryable(fmt.Errorf("could not connect to %s: %w", s.config.Broker(), err))
	}
	if err := client.Subscribe(s.config.Topics, s.config.QoS, s.receive); err != nil {
		client.Disconnect()
		return entity.Retryable(err)
	}
	s.client = client
	s.lost = lost
	s.notifier.Notify(entity.NotifyLevelInfo, "Connected to %s and subscribed to %v", s.config.Broker(), s.config.Topics)
	return nil
}

func (s *source) receive(topic string, payload []byte) {
	select {
	case s.messages <- message{topic: topic, payload: payload}:
	case <-s.closed:
	}
}

func (s *source) Fetch(ctx context.Context) (*entity.Batch, entity.Acknowledger, error) {
	s.mu.Lock()
	lost := s.lost
	s.mu.Unlock()

	if lost == nil {
		return nil, nil, entity.ErrDisconnected
	}

	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case <-s.closed:
		return nil, nil, entity.ErrEndOfInput
	case <-lost:
		return nil, nil, entity.ErrDisconnected
	case msg := <-s.messages:
		if s.c.Ops.LogEventData {
			s.notifier.Notify(entity.NotifyLevelDebug, "Message received on %s: %s", msg.topic, string(msg.payload))
		}
		return entity.NewBinaryBatch([][]byte{msg.payload}).WithMeta(MetaTopic, msg.topic), nil, nil
	}
}

func (s *source) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.closed:
		return nil
	default:
		close(s.closed)
	}
	if s.client != nil {
		s.client.Disconnect()
		s.client = nil
	}
	s.notifier.Notify(entity.NotifyLevelInfo, "Source closed")
	return nil
}
