// Package mqtt311 is the MQTT 3.1.1 transport, built on the Eclipse
// Paho Go client. It suits brokers that do not speak MQTT v5.
//
// Paho's own reconnect and connect-retry loops are disabled; the
// session drives reconnects so there is exactly one retry policy.
package mqtt311

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/fradomos/domos/internal/transport"
)

// protocolVersion311 selects MQTT 3.1.1 in the CONNECT packet.
const protocolVersion311 = 4

// quiesce is how long Disconnect lets in-flight work finish, in ms.
const quiesce = 250

// Transport is an MQTT 3.1.1 [transport.Transport].
type Transport struct {
	opts   transport.Options
	broker string
	logger *slog.Logger

	mu     sync.Mutex
	client pahomqtt.Client
}

// New validates opts and returns an unconnected transport.
func New(opts transport.Options, logger *slog.Logger) (*Transport, error) {
	broker, err := brokerURL(opts.Broker)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{opts: opts, broker: broker, logger: logger}, nil
}

// brokerURL maps the configured URL onto a scheme Paho dials.
func brokerURL(raw string) (string, error) {
	if !strings.Contains(raw, "://") {
		raw = "tcp://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse broker URL: %w", err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("broker URL %q has no host", raw)
	}
	switch u.Scheme {
	case "mqtt", "tcp", "ssl", "tls", "mqtts", "ws", "wss":
	default:
		return "", fmt.Errorf("broker scheme %q not supported", u.Scheme)
	}
	return u.String(), nil
}

// clientOptions builds the Paho options for one connection.
func (t *Transport) clientOptions(h transport.Handlers) *pahomqtt.ClientOptions {
	o := pahomqtt.NewClientOptions().
		AddBroker(t.broker).
		SetClientID(t.opts.ClientID).
		SetProtocolVersion(protocolVersion311).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(true).
		SetConnectTimeout(30 * time.Second).
		SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})

	if t.opts.KeepAlive > 0 {
		o.SetKeepAlive(t.opts.KeepAlive)
	}
	if t.opts.Username != "" {
		o.SetUsername(t.opts.Username)
		o.SetPassword(t.opts.Password)
	}
	if w := t.opts.Will; w != nil && w.Topic != "" {
		o.SetBinaryWill(w.Topic, w.Payload, 1, w.Retain)
	}

	limiter := transport.NewLimiter(t.opts.RateLimit, t.logger)

	o.SetDefaultPublishHandler(func(_ pahomqtt.Client, m pahomqtt.Message) {
		if !limiter.Allow() {
			return
		}
		if h.OnMessage != nil {
			h.OnMessage(m.Topic(), m.Payload())
		}
	})
	o.SetConnectionLostHandler(func(c pahomqtt.Client, err error) {
		t.mu.Lock()
		if t.client == c {
			t.client = nil
		}
		t.mu.Unlock()

		t.logger.Warn("mqtt connection lost", "error", err)
		if h.OnConnectionLost != nil {
			h.OnConnectionLost(err)
		}
	})
	return o
}

// Connect dials the broker and waits for CONNACK or ctx.
func (t *Transport) Connect(ctx context.Context, h transport.Handlers) error {
	if err := t.Disconnect(ctx); err != nil {
		t.logger.Debug("mqtt close previous link", "error", err)
	}

	client := pahomqtt.NewClient(t.clientOptions(h))
	if err := wait(ctx, client.Connect()); err != nil {
		client.Disconnect(0)
		return fmt.Errorf("mqtt connect: %w", err)
	}

	t.mu.Lock()
	t.client = client
	t.mu.Unlock()

	t.logger.Info("mqtt connected", "broker", t.broker, "client_id", t.opts.ClientID, "protocol", "3.1.1")
	return nil
}

func (t *Transport) current() pahomqtt.Client {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.client
}

// Subscribe registers topic at QoS 0; messages reach the handlers
// passed to Connect.
func (t *Transport) Subscribe(ctx context.Context, topic string) error {
	c := t.current()
	if c == nil {
		return transport.ErrNotConnected
	}
	if err := wait(ctx, c.Subscribe(topic, 0, nil)); err != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", topic, err)
	}
	return nil
}

// Publish sends payload at QoS 0, not retained.
func (t *Transport) Publish(ctx context.Context, topic string, payload []byte) error {
	return t.publish(ctx, topic, 0, false, payload)
}

// PublishRetained sends a retained message at QoS 1.
func (t *Transport) PublishRetained(ctx context.Context, topic string, payload []byte) error {
	return t.publish(ctx, topic, 1, true, payload)
}

func (t *Transport) publish(ctx context.Context, topic string, qos byte, retain bool, payload []byte) error {
	c := t.current()
	if c == nil {
		return transport.ErrNotConnected
	}
	if err := wait(ctx, c.Publish(topic, qos, retain, payload)); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", topic, err)
	}
	return nil
}

// Disconnect closes the link; a no-op when not connected.
func (t *Transport) Disconnect(context.Context) error {
	t.mu.Lock()
	c := t.client
	t.client = nil
	t.mu.Unlock()

	if c == nil {
		return nil
	}
	c.Disconnect(quiesce)
	t.logger.Debug("mqtt disconnected")
	return nil
}

// wait blocks until tok completes or ctx ends.
func wait(ctx context.Context, tok pahomqtt.Token) error {
	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// compile-time interface checks
var (
	_ transport.Transport       = (*Transport)(nil)
	_ transport.RetainPublisher = (*Transport)(nil)
)
