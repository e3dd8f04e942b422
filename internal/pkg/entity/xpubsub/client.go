package xpubsub

import (
	"context"
	"errors"
	"strings"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/googleapi"
)

const alreadyExists = 409 // Defined here due to lack of proper other place in GCP libs

// Client is the subset of the pubsub client used by the source, enabling mocks in tests.
type Client interface {
	CreateSubscription(ctx context.Context, id string, topic string, rs pubsub.ReceiveSettings) (Subscription, error)
	Subscription(id string, rs pubsub.ReceiveSettings) Subscription
	Publish(ctx context.Context, topic string, data []byte) (string, error)
	Close() error
}

type Subscription interface {
	Receive(ctx context.Context, f func(context.Context, *pubsub.Message)) error
	String() string
	Delete(ctx context.Context) error
}

// ClientFactory creates a client for the GCP project.
type ClientFactory func(ctx context.Context, project string) (Client, error)

func DefaultClientFactory(ctx context.Context, project string) (Client, error) {
	client, err := pubsub.NewClient(ctx, project)
	if err != nil {
		return nil, err
	}
	return &gcpClient{client: client}, nil
}

type gcpClient struct {
	client *pubsub.Client
}

func (c *gcpClient) CreateSubscription(ctx context.Context, id string, topic string, rs pubsub.ReceiveSettings) (Subscription, error) {
	sub, err := c.client.CreateSubscription(ctx, id, pubsub.SubscriptionConfig{Topic: c.client.Topic(topic)})
	if err != nil {
		return nil, err
	}
	sub.ReceiveSettings = rs
	return sub, nil
}

func (c *gcpClient) Subscription(id string, rs pubsub.ReceiveSettings) Subscription {
	sub := c.client.Subscription(id)
	sub.ReceiveSettings = rs
	return sub
}

// Publish blocks until a server-generated ID or an error is returned for the message.
func (c *gcpClient) Publish(ctx context.Context, topic string, data []byte) (string, error) {
	t := c.client.Topic(topic)
	defer t.Stop()
	return t.Publish(ctx, &pubsub.Message{Data: data}).Get(ctx)
}

func (c *gcpClient) Close() error {
	return c.client.Close()
}

// isAlreadyExists handles both the REST and the gRPC flavour of the error.
func isAlreadyExists(err error) bool {
	var e *googleapi.Error
	if errors.As(err, &e) {
		return e.Code == alreadyExists
	}
	return strings.Contains(err.Error(), "AlreadyExists")
}
