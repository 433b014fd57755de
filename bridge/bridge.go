// Package bridge mirrors retained messages from an upstream MQTT broker into
// the retained message store.
//
// Every retained PUBLISH received on the configured filters is persisted; a
// retained PUBLISH with an empty payload removes the topic, matching broker
// semantics. Non-retained messages are ignored.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/wolfeidau/bucketstore/retained"
	"github.com/wolfeidau/bucketstore/telemetry"
	"github.com/wolfeidau/bucketstore/writer"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultWriteTimeout   = 10 * time.Second
	defaultKeepAlive      = 30 * time.Second
	disconnectQuiesce     = 250 // milliseconds
	maxQoS                = 2
)

var (
	// ErrConnectionFailed is returned when the broker cannot be reached.
	ErrConnectionFailed = errors.New("bridge: connection failed")

	// ErrInvalidConfig is returned by New for an unusable configuration.
	ErrInvalidConfig = errors.New("bridge: invalid config")
)

// Config configures the upstream connection.
type Config struct {
	Broker   string // e.g. tcp://localhost:1883
	ClientID string
	Username string
	Password string
	Filters  []string
	QoS      byte
}

// Store is the subset of the retained persistence the bridge writes to.
type Store interface {
	Persist(topic string, msg *retained.Message) *writer.Future[struct{}]
	Remove(topic string) *writer.Future[struct{}]
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bridge) {
		b.logger = logger
	}
}

// WithWriteTimeout bounds how long a message handler waits for its write.
func WithWriteTimeout(d time.Duration) Option {
	return func(b *Bridge) {
		b.writeTimeout = d
	}
}

// Bridge is a retained message mirror.
type Bridge struct {
	cfg          Config
	store        Store
	client       pahomqtt.Client
	logger       *slog.Logger
	writeTimeout time.Duration
	now          func() time.Time
}

// New creates a bridge writing to store. It does not connect.
func New(cfg Config, store Store, opts ...Option) (*Bridge, error) {
	if cfg.Broker == "" {
		return nil, fmt.Errorf("%w: broker is required", ErrInvalidConfig)
	}
	if len(cfg.Filters) == 0 {
		return nil, fmt.Errorf("%w: at least one filter is required", ErrInvalidConfig)
	}
	if cfg.QoS > maxQoS {
		return nil, fmt.Errorf("%w: qos %d", ErrInvalidConfig, cfg.QoS)
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "bucketstore"
	}

	b := &Bridge{
		cfg:          cfg,
		store:        store,
		logger:       slog.Default(),
		writeTimeout: defaultWriteTimeout,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

func (b *Bridge) clientOptions() *pahomqtt.ClientOptions {
	opts := pahomqtt.NewClientOptions()
	opts.AddBroker(b.cfg.Broker)
	opts.SetClientID(b.cfg.ClientID)
	if b.cfg.Username != "" {
		opts.SetUsername(b.cfg.Username)
		opts.SetPassword(b.cfg.Password)
	}

	// A clean session makes the broker resend every retained message on
	// subscribe, which resynchronises the mirror after a reconnect.
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectTimeout(defaultConnectTimeout)
	opts.SetKeepAlive(defaultKeepAlive)
	opts.SetOrderMatters(true)

	opts.SetOnConnectHandler(func(c pahomqtt.Client) {
		b.subscribe(c)
	})
	opts.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		b.logger.Warn("upstream connection lost", "broker", b.cfg.Broker, "error", err)
	})
	return opts
}

// subscribe (re-)subscribes every filter; it runs on each (re)connect.
func (b *Bridge) subscribe(c pahomqtt.Client) {
	filters := make(map[string]byte, len(b.cfg.Filters))
	for _, f := range b.cfg.Filters {
		filters[f] = b.cfg.QoS
	}

	token := c.SubscribeMultiple(filters, b.handle)
	if !token.WaitTimeout(defaultConnectTimeout) {
		b.logger.Error("subscribe timed out", "filters", b.cfg.Filters)
		return
	}
	if err := token.Error(); err != nil {
		b.logger.Error("subscribe failed", "filters", b.cfg.Filters, "error", err)
		return
	}
	b.logger.Info("subscribed upstream", "broker", b.cfg.Broker, "filters", b.cfg.Filters)
}

// Run connects, mirrors until ctx is done and then disconnects.
func (b *Bridge) Run(ctx context.Context) error {
	b.client = pahomqtt.NewClient(b.clientOptions())
	token := b.client.Connect()
	if !token.WaitTimeout(defaultConnectTimeout) {
		return fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, defaultConnectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	<-ctx.Done()
	b.client.Disconnect(disconnectQuiesce)
	b.logger.Info("upstream disconnected", "broker", b.cfg.Broker)
	return nil
}

// handle is the paho message callback.
func (b *Bridge) handle(_ pahomqtt.Client, msg pahomqtt.Message) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("bridge handler panic recovered", "topic", msg.Topic(), "panic", r)
			telemetry.RecordBridgeMessage(context.Background(), "error")
		}
	}()

	outcome, err := b.process(msg)
	if err != nil {
		b.logger.Warn("failed to mirror retained message", "topic", msg.Topic(), "error", err)
	}
	telemetry.RecordBridgeMessage(context.Background(), outcome)
}

func (b *Bridge) process(msg pahomqtt.Message) (string, error) {
	if !msg.Retained() {
		return "skipped", nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.writeTimeout)
	defer cancel()

	topic := msg.Topic()
	if len(msg.Payload()) == 0 {
		if _, err := b.store.Remove(topic).Wait(ctx); err != nil {
			return "error", err
		}
		return "removed", nil
	}

	m := &retained.Message{
		Payload:   append([]byte(nil), msg.Payload()...),
		QoS:       msg.Qos(),
		Timestamp: b.now(),
	}
	if _, err := b.store.Persist(topic, m).Wait(ctx); err != nil {
		return "error", err
	}
	return "persisted", nil
}
