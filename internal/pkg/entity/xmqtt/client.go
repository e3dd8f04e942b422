package xmqtt

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
)

// DefaultQuiesceTimeout is the duration the client will wait for outstanding messages to
// be published before forcing a disconnection
const DefaultQuiesceTimeout = 250 * time.Millisecond

// MessageHandler receives messages from subscribed topics.
type MessageHandler func(topic string, payload []byte)

// Client describes an MQTT client, designed to accommodate the incongruencies between real
// clients and mock clients.
type Client interface {
	Connect() error
	Disconnect()
	Subscribe(topics []string, qos byte, handler MessageHandler) error
	Publish(topic string, qos byte, retained bool, payload []byte) error
}

// ClientOptions holds what a client needs beyond the connection config.
type ClientOptions struct {
	// AutoReconnect lets the client reconnect by itself. If false, OnConnectionLost is
	// called and the owner is expected to reconnect.
	AutoReconnect    bool
	OnConnectionLost func(err error)
}

// ClientFactory produces disconnected MQTT clients.
type ClientFactory func(c ConnConfig, opts ClientOptions) Client

func NewPahoClient(c ConnConfig, opts ClientOptions) Client {
	return &PahoClient{config: c, opts: opts}
}

type PahoClient struct {
	config ConnConfig
	opts   ClientOptions
	client pahomqtt.Client
}

var _ Client = &PahoClient{}

func (p *PahoClient) Connect() error {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(p.config.Broker())
	opts.SetClientID(p.config.ClientId)
	opts.SetUsername(p.config.Username)
	opts.SetPassword(p.config.Password)
	opts.SetCleanSession(p.config.cleanSession())
	opts.SetKeepAlive(p.config.KeepAlive)
	opts.SetConnectTimeout(p.config.ConnectTimeout)
	opts.SetAutoReconnect(p.opts.AutoReconnect)
	if p.opts.OnConnectionLost != nil {
		onLost := p.opts.OnConnectionLost
		opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			onLost(err)
		})
	}

	p.client = pahomqtt.NewClient(opts)
	return waitToken(p.client.Connect(), p.config.ConnectTimeout, "connect")
}

func (p *PahoClient) Disconnect() {
	if p.client != nil {
		p.client.Disconnect(uint(DefaultQuiesceTimeout / time.Millisecond))
	}
}

func (p *PahoClient) Subscribe(topics []string, qos byte, handler MessageHandler) error {
	filters := make(map[string]byte, len(topics))
	for _, t := range topics {
		filters[t] = qos
	}
	token := p.client.SubscribeMultiple(filters, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	return waitToken(token, p.config.ConnectTimeout, "subscribe")
}

func (p *PahoClient) Publish(topic string, qos byte, retained bool, payload []byte) error {
	return waitToken(p.client.Publish(topic, qos, retained, payload), p.config.ConnectTimeout, "publish")
}

// Tokens are futures
func waitToken(token pahomqtt.Token, timeout time.Duration, op string) error {
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("mqtt %s timed out after %v", op, timeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt %s failed: %w", op, err)
	}
	return nil
}

// ConnConfig holds the connection fields shared by the mqtt source and sink.
type ConnConfig struct {
	Host     string `mapstructure:"host"`
	Port     uint16 `mapstructure:"port"`
	ClientId string `mapstructure:"client_id"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`

	// CleanSession makes the broker dispose of the client session on disconnect.
	// Default true.
	CleanSession *bool `mapstructure:"clean_session"`

	KeepAlive      time.Duration `mapstructure:"keep_alive"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

func (c *ConnConfig) validate() error {
	if c.Host == "" {
		return errors.New("host missing")
	}
	if c.Port == 0 {
		c.Port = 1883
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = 60 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	return nil
}

func (c ConnConfig) cleanSession() bool {
	return c.CleanSession == nil || *c.CleanSession
}

// Broker formats the configured Host and Port as tcp://host:port, suitable for
// consumption by the Paho MQTT Client. Hosts with an explicit scheme keep it.
func (c ConnConfig) Broker() string {
	scheme, host := "tcp", c.Host
	if i := strings.Index(host, "://"); i >= 0 {
		scheme, host = host[:i], host[i+3:]
	}
	u := &url.URL{
		Scheme: scheme,
		Host:   net.JoinHostPort(host, strconv.FormatUint(uint64(c.Port), 10)),
	}
	return u.String()
}
