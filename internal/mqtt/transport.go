package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/paho"

	"github.com/fradomos/domos/internal/config"
	"github.com/fradomos/domos/internal/transport"
)

// Transport is an MQTT v5 [transport.Transport]. Each Connect builds a
// fresh [paho.Client] over a newly dialed connection.
type Transport struct {
	opts   transport.Options
	broker *url.URL
	logger *slog.Logger
	dial   dialFunc

	mu   sync.Mutex
	link *link
}

// link is one connected client.
type link struct {
	client  *paho.Client
	closing atomic.Bool
	lost    sync.Once
}

// New validates opts and returns an unconnected transport.
func New(opts transport.Options, logger *slog.Logger) (*Transport, error) {
	broker, err := ParseBroker(opts.Broker)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		opts:   opts,
		broker: broker,
		logger: logger,
		dial:   dial,
	}, nil
}

// Connect dials the broker and completes the MQTT handshake. Any
// previous link is closed first.
func (t *Transport) Connect(ctx context.Context, h transport.Handlers) error {
	if err := t.Disconnect(ctx); err != nil {
		t.logger.Debug("mqtt close previous link", "error", err)
	}

	conn, err := t.dial(ctx, t.broker)
	if err != nil {
		return err
	}

	l := &link{}

	limiter := transport.NewLimiter(t.opts.RateLimit, t.logger)

	l.client = paho.NewClient(paho.ClientConfig{
		ClientID: t.opts.ClientID,
		Conn:     conn,
		OnPublishReceived: []func(paho.PublishReceived) (bool, error){
			func(pr paho.PublishReceived) (bool, error) {
				if !limiter.Allow() {
					return true, nil
				}
				t.logger.Log(context.Background(), config.LevelTrace, "mqtt message received",
					"topic", pr.Packet.Topic,
					"payload", string(pr.Packet.Payload),
				)
				if h.OnMessage != nil {
					h.OnMessage(pr.Packet.Topic, pr.Packet.Payload)
				}
				return true, nil
			},
		},
		OnClientError: func(err error) {
			t.connectionLost(l, h, err)
		},
		OnServerDisconnect: func(d *paho.Disconnect) {
			err := fmt.Errorf("server disconnect: reason code %d", d.ReasonCode)
			if d.Properties != nil && d.Properties.ReasonString != "" {
				err = fmt.Errorf("server disconnect: %s (reason code %d)", d.Properties.ReasonString, d.ReasonCode)
			}
			t.connectionLost(l, h, err)
		},
	})

	ca, err := l.client.Connect(ctx, t.connectPacket())
	if err != nil {
		l.closing.Store(true)
		conn.Close()
		if ca != nil {
			return fmt.Errorf("mqtt connect refused (reason code %d): %w", ca.ReasonCode, err)
		}
		return fmt.Errorf("mqtt connect: %w", err)
	}

	t.mu.Lock()
	t.link = l
	t.mu.Unlock()

	t.logger.Info("mqtt connected",
		"broker", t.broker.Redacted(),
		"client_id", t.opts.ClientID,
		"session_present", ca.SessionPresent,
	)
	return nil
}

// connectPacket builds the CONNECT packet from the options.
func (t *Transport) connectPacket() *paho.Connect {
	cp := &paho.Connect{
		KeepAlive:  uint16(t.opts.KeepAlive / time.Second),
		ClientID:   t.opts.ClientID,
		CleanStart: true,
	}
	if t.opts.Username != "" {
		cp.Username = t.opts.Username
		cp.UsernameFlag = true
	}
	if t.opts.Password != "" {
		cp.Password = []byte(t.opts.Password)
		cp.PasswordFlag = true
	}
	if w := t.opts.Will; w != nil && w.Topic != "" {
		cp.WillMessage = &paho.WillMessage{
			Topic:   w.Topic,
			Payload: w.Payload,
			QoS:     1,
			Retain:  w.Retain,
		}
	}
	return cp
}

// connectionLost reports a dropped link once, unless it was closed
// locally.
func (t *Transport) connectionLost(l *link, h transport.Handlers, err error) {
	if l.closing.Load() {
		return
	}
	l.lost.Do(func() {
		t.mu.Lock()
		if t.link == l {
			t.link = nil
		}
		t.mu.Unlock()

		t.logger.Warn("mqtt connection lost", "error", err)
		if h.OnConnectionLost != nil {
			h.OnConnectionLost(err)
		}
	})
}

func (t *Transport) current() *paho.Client {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.link == nil {
		return nil
	}
	return t.link.client
}

// Subscribe registers topic at QoS 0.
func (t *Transport) Subscribe(ctx context.Context, topic string) error {
	c := t.current()
	if c == nil {
		return transport.ErrNotConnected
	}
	sa, err := c.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: 0}},
	})
	if err != nil {
		return fmt.Errorf("mqtt subscribe %s: %w", topic, err)
	}
	if sa != nil {
		for _, code := range sa.Reasons {
			if code >= 0x80 {
				return fmt.Errorf("mqtt subscribe %s: refused (reason code %d)", topic, code)
			}
		}
	}
	return nil
}

// Publish sends payload at QoS 0, not retained.
func (t *Transport) Publish(ctx context.Context, topic string, payload []byte) error {
	return t.publish(ctx, &paho.Publish{Topic: topic, Payload: payload, QoS: 0})
}

// PublishRetained sends a retained message at QoS 1.
func (t *Transport) PublishRetained(ctx context.Context, topic string, payload []byte) error {
	return t.publish(ctx, &paho.Publish{Topic: topic, Payload: payload, QoS: 1, Retain: true})
}

func (t *Transport) publish(ctx context.Context, p *paho.Publish) error {
	c := t.current()
	if c == nil {
		return transport.ErrNotConnected
	}
	if _, err := c.Publish(ctx, p); err != nil {
		return fmt.Errorf("mqtt publish %s: %w", p.Topic, err)
	}
	return nil
}

// Disconnect sends DISCONNECT and closes the link. It is a no-op when
// not connected.
func (t *Transport) Disconnect(context.Context) error {
	t.mu.Lock()
	l := t.link
	t.link = nil
	t.mu.Unlock()

	if l == nil {
		return nil
	}
	l.closing.Store(true)
	if err := l.client.Disconnect(&paho.Disconnect{ReasonCode: 0}); err != nil {
		return fmt.Errorf("mqtt disconnect: %w", err)
	}
	t.logger.Debug("mqtt disconnected")
	return nil
}

// compile-time interface checks
var (
	_ transport.Transport       = (*Transport)(nil)
	_ transport.RetainPublisher = (*Transport)(nil)
	_ net.Conn                  = (*wsConn)(nil)
)
