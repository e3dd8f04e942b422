package xmqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/zpiroux/flowline/entity"
	"github.com/zpiroux/flowline/pkg/notify"
)

type SinkConfig struct {
	ConnConfig `mapstructure:",squash"`

	Topic  string `mapstructure:"topic"`
	QoS    byte   `mapstructure:"qos"`
	Retain bool   `mapstructure:"retain"`
}

type SinkFactory struct {
	newClient ClientFactory
}

// NewSinkFactory creates the mqtt sink factory. If newClient is nil the paho client is used.
func NewSinkFactory(newClient ClientFactory) entity.SinkFactory {
	if newClient == nil {
		newClient = NewPahoClient
	}
	return &SinkFactory{newClient: newClient}
}

func (sf *SinkFactory) SinkId() string {
	return EntityMqtt
}

func (sf *SinkFactory) NewSink(ctx context.Context, c entity.Config) (entity.Sink, error) {
	return newSink(c, sf.newClient)
}

func (sf *SinkFactory) Close(ctx context.Context) error {
	return nil
}

// sink publishes one message per row. The client reconnects by itself on connection loss,
// with failed publishes reported as retryable.
type sink struct {
	config    SinkConfig
	newClient ClientFactory
	notifier  *notify.Notifier

	mu     sync.RWMutex
	client Client
}

func newSink(c entity.Config, newClient ClientFactory) (*sink, error) {
	var config SinkConfig
	if err := c.Decode(&config); err != nil {
		return nil, err
	}
	if err := config.validate(); err != nil {
		return nil, entity.ConfigErrorf("mqtt: %v", err)
	}
	if config.Topic == "" {
		return nil, entity.ConfigErrorf("mqtt: topic missing")
	}
	if config.QoS > 2 {
		return nil, entity.ConfigErrorf("mqtt: invalid qos %d", config.QoS)
	}
	s := &sink{config: config, newClient: newClient}
	s.notifier = notify.New(c.NotifyChan, notify.NewLog(c.Log), 2, "xmqtt.sink", c.Instance, c.Stream)
	return s, nil
}

func (s *sink) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		return nil
	}
	client := s.newClient(s.config.ConnConfig, ClientOptions{
		AutoReconnect: true,
		OnConnectionLost: func(err error) {
			s.notifier.Notify(entity.NotifyLevelWarn, "Connection to %s lost, reconnecting: %v", s.config.Broker(), err)
		},
	})
	if err := client.Connect(); err != nil {
		return entity.Retryable(fmt.Errorf("could not connect to %s: %w", s.config.Broker(), err))
	}
	s.client = client
	return nil
}

func (s *sink) Write(ctx context.Context, batch *entity.Batch) error {
	payloads, err := batch.Payloads()
	if err != nil {
		return err
	}
	s.mu.RLock()
	client := s.client
	s.mu.RUnlock()
	if client == nil {
		return errors.New("mqtt sink not connected")
	}
	for i, p := range payloads {
		if err = client.Publish(s.config.Topic, s.config.QoS, s.config.Retain, p); err != nil {
			return entity.Retryable(fmt.Errorf("publish of row %d failed: %w", i, err))
		}
	}
	return nil
}

func (s *sink) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.client != nil {
		s.client.Disconnect()
		s.client = nil
	}
	return nil
}
