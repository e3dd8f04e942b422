// Package xpubsub provides the "pubsub" source, receiving messages from a GCP Pub/Sub
// subscription with per-message ack and nack.
package xpubsub

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/zpiroux/flowline/entity"
	"github.com/zpiroux/flowline/pkg/notify"
)

const (
	EntityPubsub = "pubsub"

	SubTypeShared = "shared"
	SubTypeUnique = "unique"

	// Batch metadata keys set by the source. Message attributes are added with the
	// MetaAttributePrefix.
	MetaMessageId       = "pubsub.message_id"
	MetaPublishTime     = "pubsub.publish_time"
	MetaAttributePrefix = "pubsub.attr."

	DefaultBufferSize = 100
)

// Can't use normal ISO format for sub IDs. Using dots instead of colons.
const timestampLayoutMicros = "2006-01-02T15.04.05.000000Z"

type SubscriptionConfig struct {
	// Name of the subscription. Required for shared subscriptions.
	Name string `mapstructure:"name"`

	// Type is "shared" for a subscription used by all stream instances in a competing
	// consumer pattern, or "unique" for a subscription created for each stream instance
	// and deleted when the source closes.
	Type string `mapstructure:"type"`
}

type SourceConfig struct {
	Project      string             `mapstructure:"project"`
	Topic        string             `mapstructure:"topic"`
	Subscription SubscriptionConfig `mapstructure:"subscription"`

	MaxOutstandingMessages int  `mapstructure:"max_outstanding_messages"`
	MaxOutstandingBytes    int  `mapstructure:"max_outstanding_bytes"`
	NumGoroutines          int  `mapstructure:"num_goroutines"`
	Synchronous            bool `mapstructure:"synchronous"`

	// BufferSize is the number of received messages waiting to be fetched.
	BufferSize int `mapstructure:"buffer_size"`
}

func (c *SourceConfig) validate() error {
	if c.Project == "" {
		return errors.New("project missing")
	}
	if c.Topic == "" {
		return errors.New("topic missing")
	}
	switch c.Subscription.Type {
	case "":
		c.Subscription.Type = SubTypeShared
		fallthrough
	case SubTypeShared:
		if c.Subscription.Name == "" {
			return errors.New("subscription name missing for shared subscription")
		}
	case SubTypeUnique:
	default:
		return fmt.Errorf("subscription type %s not supported", c.Subscription.Type)
	}
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	return nil
}

func (c *SourceConfig) receiveSettings() pubsub.ReceiveSettings {
	rs := pubsub.DefaultReceiveSettings
	rs.Synchronous = c.Synchronous
	if c.MaxOutstandingMessages > 0 {
		rs.MaxOutstandingMessages = c.MaxOutstandingMessages
	}
	if c.MaxOutstandingBytes > 0 {
		rs.MaxOutstandingBytes = c.MaxOutstandingBytes
	}
	if c.NumGoroutines > 0 {
		rs.NumGoroutines = c.NumGoroutines
	}
	return rs
}

type SourceFactory struct {
	newClient ClientFactory
}

// NewSourceFactory creates the pubsub source factory. If newClient is nil, clients are
// created with DefaultClientFactory.
func NewSourceFactory(newClient ClientFactory) entity.SourceFactory {
	if newClient == nil {
		newClient = DefaultClientFactory
	}
	return &SourceFactory{newClient: newClient}
}

func (sf *SourceFactory) SourceId() string {
	return EntityPubsub
}

func (sf *SourceFactory) NewSource(ctx context.Context, c entity.Config) (entity.Source, error) {
	return newSource(c, sf.newClient)
}

func (sf *SourceFactory) Close(ctx context.Context) error {
	return nil
}

type MsgAckFunc func(*pubsub.Message)

// source funnels messages from the subscription's Receive goroutines through a buffered
// channel to the fetching workers. Each batch holds one message, acked or nacked when
// the batch has been handled.
type source struct {
	c         entity.Config
	config    SourceConfig
	newClient ClientFactory
	notifier  *notify.Notifier
	messages  chan *pubsub.Message
	closed    chan struct{}
	ack       MsgAckFunc
	nack      MsgAckFunc

	mu           sync.Mutex
	client       Client
	sub          Subscription
	receiver     *receiver
	stopReceive  context.CancelFunc
	receiverDone chan struct{}
}

// receiver is the state of one receive loop. err is set before lost is closed.
type receiver struct {
	lost chan struct{}
	err  error
}

func newSource(c entity.Config, newClient ClientFactory) (*source, error) {
	var config SourceConfig
	if err := c.Decode(&config); err != nil {
		return nil, err
	}
	if err := config.validate(); err != nil {
		return nil, entity.ConfigErrorf("pubsub: %v", err)
	}
	s := &source{
		c:         c,
		config:    config,
		newClient: newClient,
		messages:  make(chan *pubsub.Message, config.BufferSize),
		closed:    make(chan struct{}),
		ack:       func(m *pubsub.Message) { m.Ack() },
		nack:      func(m *pubsub.Message) { m.Nack() },
	}
	s.notifier = notify.New(c.NotifyChan, notify.NewLog(c.Log), 2, "xpubsub.source", c.Instance, c.Stream)
	return s, nil
}

// Connect creates the client and the subscription if not yet done, and (re)starts the
// receive loop.
func (s *source) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopReceiver()

	if s.client == nil {
		client, err := s.newClient(ctx, s.config.Project)
		if err != nil {
			return entity.Retryable(fmt.Errorf("could not create pubsub client: %w", err))
		}
		s.client = client
	}
	if s.sub == nil {
		sub, err := s.subscribe(ctx)
		if err != nil {
			return entity.Retryable(err)
		}
		s.sub = sub
	}

	receiveCtx, cancel := context.WithCancel(context.Background())
	s.stopReceive = cancel
	s.receiver = &receiver{lost: make(chan struct{})}
	s.receiverDone = make(chan struct{})
	go s.receive(receiveCtx, s.sub, s.receiver, s.receiverDone)
	return nil
}

func (s *source) subscribe(ctx context.Context) (Subscription, error) {
	rs := s.config.receiveSettings()
	name := s.config.Subscription.Name
	if s.config.Subscription.Type == SubTypeUnique {
		name = "flowline-" + s.c.Instance + "-" + time.Now().UTC().Format(timestampLayoutMicros)
	}

	// TODO: Add config and default values for sub expiration
	sub, err := s.client.CreateSubscription(ctx, name, s.config.Topic, rs)
	if err != nil {
		if s.config.Subscription.Type == SubTypeShared && isAlreadyExists(err) {
			s.notifier.Notify(entity.NotifyLevelInfo, "Subscription %s already exists (err: %v)", name, err)
			sub = s.client.Subscription(name, rs)
		} else {
			return nil, fmt.Errorf("could not create subscription %s on topic %s: %w", name, s.config.Topic, err)
		}
	}
	s.notifier.Notify(entity.NotifyLevelInfo, "Subscribed to topic %s with subscription %s (%+v)", s.config.Topic, sub.String(), rs)
	return sub, nil
}

func (s *source) receive(ctx context.Context, sub Subscription, r *receiver, done chan struct{}) {
	defer close(done)
	for {
		err := sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
			select {
			case s.messages <- msg:
			case <-ctx.Done():
				s.nack(msg)
			}
		})

		if ctx.Err() != nil {
			return
		}

		// Sometimes PubSub gives deadline exceeded error, for example due to internal pubsub service
		// or network error. If so, the best way to proceed is to just re-initiate the receive operation.
		if err != nil && err.Error() == context.DeadlineExceeded.Error() {
			s.notifier.Notify(entity.NotifyLevelWarn, "sub.Receive() terminated, err: '%v'. Re-initiating operation.", err)
			continue
		}

		if err == nil {
			err = errors.New("receive returned without error")
		}
		s.notifier.Notify(entity.NotifyLevelError, "Pubsub subscriber terminated, err: %v", err)
		r.err = err
		close(r.lost)
		return
	}
}

// stopReceiver must be called with mu held.
func (s *source) stopReceiver() {
	if s.stopReceive == nil {
		return
	}
	s.stopReceive()
	<-s.receiverDone
	s.stopReceive = nil
}

func (s *source) Fetch(ctx context.Context) (*entity.Batch, entity.Acknowledger, error) {
	s.mu.Lock()
	r := s.receiver
	s.mu.Unlock()
	if r == nil {
		return nil, nil, entity.ErrDisconnected
	}

	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case <-s.closed:
		return nil, nil, entity.ErrEndOfInput
	case msg := <-s.messages:
		return s.toBatch(msg), s.acknowledger(msg), nil
	case <-r.lost:
		return nil, nil, fmt.Errorf("%w: %v", entity.ErrDisconnected, r.err)
	}
}

func (s *source) toBatch(msg *pubsub.Message) *entity.Batch {
	if s.c.Ops.LogEventData {
		s.notifier.Notify(entity.NotifyLevelDebug, "Message %s received: %s", msg.ID, string(msg.Data))
	}
	batch := entity.NewBinaryBatch([][]byte{msg.Data}).
		WithMeta(MetaMessageId, msg.ID).
		WithMeta(MetaPublishTime, msg.PublishTime.UTC().Format(time.RFC3339Nano))
	for k, v := range msg.Attributes {
		batch = batch.WithMeta(MetaAttributePrefix+k, v)
	}
	return batch
}

func (s *source) acknowledger(msg *pubsub.Message) entity.Acknowledger {
	return entity.AckFuncs{
		AckFunc: func(ctx context.Context) error {
			s.ack(msg)
			return nil
		},
		NackFunc: func(ctx context.Context, reason error) error {
			s.nack(msg)
			return nil
		},
	}
}

// Publish sends data to the source topic, returning the message ID when published. It
// does not wait for the message to be received by this stream.
func (s *source) Publish(ctx context.Context, data []byte) (string, error) {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return "", errors.New("pubsub source not connected")
	}
	id, err := client.Publish(ctx, s.config.Topic, data)
	if err != nil {
		s.notifier.Notify(entity.NotifyLevelError, "Failed to publish: %v", err)
		return "", err
	}
	return id, nil
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
	s.stopReceiver()

	// Messages received but never fetched are left for redelivery
	for drained := false; !drained; {
		select {
		case msg := <-s.messages:
			s.nack(msg)
		default:
			drained = true
		}
	}

	var errs []error
	if s.sub != nil && s.config.Subscription.Type == SubTypeUnique {
		// Need fresh ctx here to avoid ctx canceled error
		err := s.sub.Delete(context.Background())
		s.notifier.Notify(entity.NotifyLevelInfo, "Unique sub %s deleted, err: %v", s.sub.String(), err)
		errs = append(errs, err)
	}
	if s.client != nil {
		errs = append(errs, s.client.Close())
	}
	return errors.Join(errs...)
}
