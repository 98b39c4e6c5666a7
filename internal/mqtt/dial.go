package mqtt

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/net/proxy"

	"github.com/fradomos/domos/internal/buildinfo"
)

// subprotocol is the WebSocket subprotocol MQTT brokers expect.
const subprotocol = "mqtt"

// dialFunc opens a network connection to a broker URL.
type dialFunc func(ctx context.Context, broker *url.URL) (net.Conn, error)

// ParseBroker parses and normalizes a broker URL. A URL without a
// scheme is treated as mqtt://.
func ParseBroker(broker string) (*url.URL, error) {
	if !strings.Contains(broker, "://") {
		broker = "mqtt://" + broker
	}
	u, err := url.Parse(broker)
	if err != nil {
		return nil, fmt.Errorf("parse broker URL: %w", err)
	}
	if u.Hostname() == "" {
		return nil, fmt.Errorf("broker URL %q has no host", broker)
	}
	switch u.Scheme {
	case "mqtt", "tcp", "mqtts", "ssl", "tls", "ws", "wss":
		return u, nil
	default:
		return nil, fmt.Errorf("broker scheme %q not supported", u.Scheme)
	}
}

// dial connects to broker using the transport its scheme names.
func dial(ctx context.Context, broker *url.URL) (net.Conn, error) {
	switch broker.Scheme {
	case "mqtt", "tcp":
		return dialTCP(ctx, hostPort(broker, "1883"))
	case "mqtts", "ssl", "tls":
		return dialTLS(ctx, broker)
	case "ws", "wss":
		return dialWebsocket(ctx, broker)
	default:
		return nil, fmt.Errorf("broker scheme %q not supported", broker.Scheme)
	}
}

// dialTCP dials addr, honouring ALL_PROXY and NO_PROXY.
func dialTCP(ctx context.Context, addr string) (net.Conn, error) {
	conn, err := proxy.Dial(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return conn, nil
}

func dialTLS(ctx context.Context, broker *url.URL) (net.Conn, error) {
	raw, err := dialTCP(ctx, hostPort(broker, "8883"))
	if err != nil {
		return nil, err
	}
	conn := tls.Client(raw, &tls.Config{
		ServerName: broker.Hostname(),
		MinVersion: tls.VersionTLS12,
	})
	if err := conn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("tls handshake with %s: %w", broker.Host, err)
	}
	return conn, nil
}

func dialWebsocket(ctx context.Context, broker *url.URL) (net.Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
		Subprotocols:     []string{subprotocol},
		TLSClientConfig:  &tls.Config{MinVersion: tls.VersionTLS12},
	}

	header := http.Header{}
	header.Set("User-Agent", buildinfo.UserAgent())

	ws, resp, err := dialer.DialContext(ctx, broker.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket dial %s: %s: %w", broker.Redacted(), resp.Status, err)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", broker.Redacted(), err)
	}
	return newWSConn(ws), nil
}

// hostPort returns host:port, filling in the default port.
func hostPort(u *url.URL, defaultPort string) string {
	port := u.Port()
	if port == "" {
		port = defaultPort
	}
	return net.JoinHostPort(u.Hostname(), port)
}
