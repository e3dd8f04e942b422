package xpubsub

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zpiroux/flowline/entity"
	"google.golang.org/api/googleapi"
)

type MockClient struct {
	mu        sync.Mutex
	sub       *MockSubscription
	createErr error
	created   []string
	existing  []string
	published [][]byte
	closed    bool
}

func (m *MockClient) CreateSubscription(ctx context.Context, id string, topic string, rs pubsub.ReceiveSettings) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return nil, m.createErr
	}
	m.created = append(m.created, id)
	m.sub.name = id
	return m.sub, nil
}

func (m *MockClient) Subscription(id string, rs pubsub.ReceiveSettings) Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.existing = append(m.existing, id)
	m.sub.name = id
	return m.sub
}

func (m *MockClient) Publish(ctx context.Context, topic string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.published = append(m.published, data)
	return "mockMsgId", nil
}

func (m *MockClient) Close() error {
	m.closed = true
	return nil
}

// MockSubscription delivers the messages sent on its channel. Receive returns when ctx
// is done or an error is sent on errs.
type MockSubscription struct {
	name     string
	messages chan *pubsub.Message
	errs     chan error
	receives int
	deleted  bool
}

func newMockSubscription() *MockSubscription {
	return &MockSubscription{
		messages: make(chan *pubsub.Message),
		errs:     make(chan error, 1),
	}
}

func (s *MockSubscription) Receive(ctx context.Context, f func(context.Context, *pubsub.Message)) error {
	s.receives++
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-s.errs:
			return err
		case msg := <-s.messages:
			f(ctx, msg)
		}
	}
}

func (s *MockSubscription) Delete(ctx context.Context) error {
	s.deleted = true
	return nil
}

func (s *MockSubscription) String() string {
	return s.name
}

type ackRecorder struct {
	mu     sync.Mutex
	acked  []string
	nacked []string
}

func (a *ackRecorder) ack(m *pubsub.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acked = append(a.acked, m.ID)
}

func (a *ackRecorder) nack(m *pubsub.Message) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacked = append(a.nacked, m.ID)
}

func newTestSource(t *testing.T, client *MockClient, props map[string]any) (*source, *ackRecorder) {
	s, err := newSource(entity.Config{Kind: EntityPubsub, Instance: "bafrop", Props: props},
		func(ctx context.Context, project string) (Client, error) { return client, nil })
	require.NoError(t, err)
	acks := &ackRecorder{}
	s.ack, s.nack = acks.ack, acks.nack
	return s, acks
}

func TestSourceFetchAndAck(t *testing.T) {

	ctx := context.Background()
	client := &MockClient{sub: newMockSubscription()}
	s, acks := newTestSource(t, client, map[string]any{
		"project":      "my-project",
		"topic":        "events",
		"subscription": map[string]any{"name": "flowline-events"},
	})

	_, _, err := s.Fetch(ctx)
	assert.ErrorIs(t, err, entity.ErrDisconnected)
	require.NoError(t, s.Connect(ctx))
	assert.Equal(t, []string{"flowline-events"}, client.created)

	publishTime := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	go func() {
		client.sub.messages <- &pubsub.Message{ID: "m1", Data: []byte("foo"), PublishTime: publishTime, Attributes: map[string]string{"origin": "test"}}
		client.sub.messages <- &pubsub.Message{ID: "m2", Data: []byte("bar")}
	}()

	batch, ack, err := s.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("foo"), batch.Value(0, 0))
	id, _ := batch.Meta(MetaMessageId)
	assert.Equal(t, "m1", id)
	pt, _ := batch.Meta(MetaPublishTime)
	assert.Equal(t, "2026-01-02T03:04:05Z", pt)
	origin, _ := batch.Meta(MetaAttributePrefix + "origin")
	assert.Equal(t, "test", origin)
	require.NoError(t, ack.Ack(ctx))

	_, ack, err = s.Fetch(ctx)
	require.NoError(t, err)
	require.NoError(t, ack.Nack(ctx, assert.AnError))

	assert.Equal(t, []string{"m1"}, acks.acked)
	assert.Equal(t, []string{"m2"}, acks.nacked)

	id, err = s.Publish(ctx, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "mockMsgId", id)
	assert.Equal(t, [][]byte{[]byte("hello")}, client.published)

	require.NoError(t, s.Close(ctx))
	assert.True(t, client.closed)
	assert.False(t, client.sub.deleted, "shared subscriptions are kept")
	_, _, err = s.Fetch(ctx)
	assert.ErrorIs(t, err, entity.ErrEndOfInput)
}

func TestSourceReceiveErrors(t *testing.T) {

	ctx := context.Background()
	client := &MockClient{sub: newMockSubscription()}
	s, _ := newTestSource(t, client, map[string]any{
		"project":      "my-project",
		"topic":        "events",
		"subscription": map[string]any{"type": SubTypeUnique},
	})
	require.NoError(t, s.Connect(ctx))
	require.Len(t, client.created, 1)
	assert.True(t, strings.HasPrefix(client.created[0], "flowline-bafrop-"))

	// Deadline exceeded re-initiates receive
	client.sub.errs <- context.DeadlineExceeded
	go func() { client.sub.messages <- &pubsub.Message{ID: "m1", Data: []byte("foo")} }()
	_, _, err := s.Fetch(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, client.sub.receives)

	// Other errors are reported as disconnected, and reconnect reuses the subscription
	client.sub.errs <- errors.New("rpc error: Unavailable")
	_, _, err = s.Fetch(ctx)
	assert.ErrorIs(t, err, entity.ErrDisconnected)
	assert.ErrorContains(t, err, "Unavailable")
	require.NoError(t, s.Connect(ctx))
	assert.Len(t, client.created, 1)

	require.NoError(t, s.Close(ctx))
	assert.True(t, client.sub.deleted, "unique subscriptions are deleted")
}

func TestSourceExistingSubscription(t *testing.T) {

	ctx := context.Background()
	props := map[string]any{"project": "p", "topic": "t", "subscription": map[string]any{"name": "s", "type": "shared"}}

	client := &MockClient{sub: newMockSubscription(), createErr: &googleapi.Error{Code: 409}}
	s, _ := newTestSource(t, client, props)
	require.NoError(t, s.Connect(ctx))
	assert.Equal(t, []string{"s"}, client.existing)
	require.NoError(t, s.Close(ctx))

	client = &MockClient{sub: newMockSubscription(), createErr: errors.New("rpc error: code = AlreadyExists")}
	s, _ = newTestSource(t, client, props)
	require.NoError(t, s.Connect(ctx))
	assert.Equal(t, []string{"s"}, client.existing)
	require.NoError(t, s.Close(ctx))

	client = &MockClient{sub: newMockSubscription(), createErr: errors.New("permission denied")}
	s, _ = newTestSource(t, client, props)
	err := s.Connect(ctx)
	assert.True(t, entity.IsRetryable(err))
}

func TestSourceConfig(t *testing.T) {

	invalid := []map[string]any{
		{"topic": "t", "subscription": map[string]any{"name": "s"}},
		{"project": "p", "subscription": map[string]any{"name": "s"}},
		{"project": "p", "topic": "t"},
		{"project": "p", "topic": "t", "subscription": map[string]any{"type": "exclusive"}},
	}
	for _, props := range invalid {
		_, err := newSource(entity.Config{Kind: EntityPubsub, Props: props}, nil)
		assert.True(t, entity.IsConfigError(err), "props: %v", props)
	}

	s, err := newSource(entity.Config{Kind: EntityPubsub, Props: map[string]any{
		"project":                  "p",
		"topic":                    "t",
		"subscription":             map[string]any{"name": "s"},
		"max_outstanding_messages": 10,
		"synchronous":              true,
	}}, nil)
	require.NoError(t, err)
	rs := s.config.receiveSettings()
	assert.Equal(t, 10, rs.MaxOutstandingMessages)
	assert.True(t, rs.Synchronous)
	assert.Equal(t, pubsub.DefaultReceiveSettings.NumGoroutines, rs.NumGoroutines)
}
