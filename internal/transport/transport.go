// Package transport defines the capability a broker client must offer
// to carry a sensor/command session. Concrete adapters live in the
// mqtt (Paho v5) and mqtt311 (Paho 3.1.1) packages; the session is
// written against this interface only.
package transport

import (
	"context"
	"errors"
	"time"
)

// ErrNotConnected is returned by adapters when an operation needs an
// established connection and there is none.
var ErrNotConnected = errors.New("transport not connected")

// Handlers receive callbacks from the adapter. Both run on adapter
// goroutines and must be safe for concurrent use.
type Handlers struct {
	// OnMessage is called for every inbound message, in delivery order.
	OnMessage func(topic string, payload []byte)

	// OnConnectionLost is called at most once per successful Connect
	// when the link drops without a local Disconnect.
	OnConnectionLost func(err error)
}

// Will is the message the broker publishes on our behalf when the
// connection drops uncleanly.
type Will struct {
	Topic   string
	Payload []byte
	Retain  bool
}

// Options configure an adapter. They are fixed at construction.
type Options struct {
	// Broker is the broker URL (mqtt, tcp, mqtts, ssl, tls, ws, wss).
	Broker    string
	ClientID  string
	Username  string
	Password  string
	KeepAlive time.Duration

	// Will is registered with every connect when non-nil.
	Will *Will

	// RateLimit caps inbound messages per second. Zero disables it.
	RateLimit int
}

// Transport is a single publish/subscribe link to a broker. Connect
// may be called again after a lost connection or a Disconnect; each
// call replaces the previous link.
type Transport interface {
	// Connect dials the broker and returns once the handshake has
	// completed or failed.
	Connect(ctx context.Context, h Handlers) error

	// Subscribe registers interest in topic at QoS 0.
	Subscribe(ctx context.Context, topic string) error

	// Publish sends payload to topic at QoS 0, not retained.
	Publish(ctx context.Context, topic string, payload []byte) error

	// Disconnect closes the link. It is safe to call when not connected.
	Disconnect(ctx context.Context) error
}

// RetainPublisher is implemented by transports that can publish
// retained messages. Sessions use it for availability announcements.
type RetainPublisher interface {
	PublishRetained(ctx context.Context, topic string, payload []byte) error
}
