// Package mqtt wraps the paho client behind the transport interface the
// sync engine consumes. Subscriptions are tracked and restored on every
// reconnect, and the bridge availability topic doubles as the LWT.
package mqtt

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"airzone-ha-bridge/internal/bridge"
)

// Errors returned by the client.
var (
	ErrNotConnected   = errors.New("mqtt: not connected")
	ErrPublishTimeout = errors.New("mqtt: publish timeout")
)

// Config holds broker connection settings.
type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string

	// AvailabilityTopic carries the bridge online/offline state and is
	// registered as the broker LWT.
	AvailabilityTopic string

	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.ClientID == "" {
		c.ClientID = "airzone-ha-bridge"
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 5 * time.Second
	}
}

// conn is the slice of the paho client the wrapper uses. Narrowing it keeps
// the subscription bookkeeping testable without a broker.
type conn interface {
	Connect() pahomqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Subscribe(topic string, qos byte, callback pahomqtt.MessageHandler) pahomqtt.Token
	IsConnectionOpen() bool
}

// Client implements bridge.Transport over a paho MQTT connection.
type Client struct {
	cfg    Config
	client conn
	logger *slog.Logger

	mu      sync.Mutex
	subs    map[string]bridge.MessageHandler
	connFns []func(bool)
}

var _ bridge.Transport = (*Client)(nil)

// NewClient prepares a client. Call Connect to establish the session.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	cfg.applyDefaults()
	c := &Client{
		cfg:    cfg,
		logger: logger.With("component", "mqtt"),
		subs:   make(map[string]bridge.MessageHandler),
	}

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			c.logger.Info("MQTT connected", "broker", cfg.Broker)
			c.announce("online")
			c.restoreSubscriptions()
			c.notify(true)
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			c.logger.Warn("MQTT connection lost", "err", err)
			c.notify(false)
		})

	if cfg.AvailabilityTopic != "" {
		opts.SetWill(cfg.AvailabilityTopic, "offline", 1, true)
	}
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	c.client = pahomqtt.NewClient(opts)
	return c
}

// Connect establishes the broker session.
func (c *Client) Connect() error {
	token := c.client.Connect()
	if !token.WaitTimeout(c.cfg.ConnectTimeout) {
		return fmt.Errorf("mqtt connect to %s: timeout", c.cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect to %s: %w", c.cfg.Broker, err)
	}
	return nil
}

// Close announces offline and disconnects.
func (c *Client) Close() {
	c.announce("offline")
	c.client.Disconnect(1000)
	c.logger.Info("MQTT disconnected")
}

// Subscribe registers a handler for a topic filter. The subscription is
// tracked and re-established after every reconnect.
func (c *Client) Subscribe(filter string, handler bridge.MessageHandler) error {
	c.mu.Lock()
	c.subs[filter] = handler
	connected := c.client.IsConnectionOpen()
	c.mu.Unlock()

	if !connected {
		return nil
	}
	return c.subscribe(filter, handler)
}

func (c *Client) subscribe(filter string, handler bridge.MessageHandler) error {
	token := c.client.Subscribe(filter, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(c.cfg.PublishTimeout) {
		return fmt.Errorf("mqtt subscribe %s: timeout", filter)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", filter, err)
	}
	return nil
}

func (c *Client) restoreSubscriptions() {
	c.mu.Lock()
	subs := make(map[string]bridge.MessageHandler, len(c.subs))
	for k, v := range c.subs {
		subs[k] = v
	}
	c.mu.Unlock()

	for filter, handler := range subs {
		if err := c.subscribe(filter, handler); err != nil {
			c.logger.Error("restore subscription failed", "filter", filter, "err", err)
		}
	}
}

// Publish sends a message at QoS 1 and waits for broker acknowledgement.
func (c *Client) Publish(topic string, payload []byte, retain bool) error {
	if !c.client.IsConnectionOpen() {
		return fmt.Errorf("publish %s: %w", topic, ErrNotConnected)
	}
	token := c.client.Publish(topic, 1, retain, payload)
	if !token.WaitTimeout(c.cfg.PublishTimeout) {
		return fmt.Errorf("publish %s: %w", topic, ErrPublishTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// OnConnectionChange registers a connection state callback.
func (c *Client) OnConnectionChange(fn func(connected bool)) {
	c.mu.Lock()
	c.connFns = append(c.connFns, fn)
	c.mu.Unlock()
}

func (c *Client) notify(connected bool) {
	c.mu.Lock()
	fns := make([]func(bool), len(c.connFns))
	copy(fns, c.connFns)
	c.mu.Unlock()
	for _, fn := range fns {
		fn(connected)
	}
}

func (c *Client) announce(state string) {
	if c.cfg.AvailabilityTopic == "" {
		return
	}
	token := c.client.Publish(c.cfg.AvailabilityTopic, 1, true, []byte(state))
	if !token.WaitTimeout(c.cfg.PublishTimeout) {
		c.logger.Warn("bridge state publish timeout", "state", state)
	}
}
