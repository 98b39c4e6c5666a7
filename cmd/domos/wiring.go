package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fradomos/domos/internal/config"
	"github.com/fradomos/domos/internal/connwatch"
	"github.com/fradomos/domos/internal/events"
	"github.com/fradomos/domos/internal/mqtt"
	"github.com/fradomos/domos/internal/mqtt311"
	"github.com/fradomos/domos/internal/session"
	"github.com/fradomos/domos/internal/transport"
)

// availabilityOffline is the will payload; the session publishes the
// matching "online" itself after every connect.
const availabilityOffline = "offline"

// transportOptions maps the mqtt config block onto adapter options. An
// empty client_id gets a fresh generated one.
func transportOptions(m config.MQTTConfig) transport.Options {
	clientID := m.ClientID
	if clientID == "" {
		clientID = mqtt.ClientID(m.ClientIDPrefix)
	}
	opts := transport.Options{
		Broker:    m.Broker,
		ClientID:  clientID,
		Username:  m.Username,
		Password:  m.Password,
		KeepAlive: m.KeepAlive(),
		RateLimit: m.RateLimit,
	}
	if m.AvailabilityTopic != "" {
		opts.Will = &transport.Will{
			Topic:   m.AvailabilityTopic,
			Payload: []byte(availabilityOffline),
			Retain:  true,
		}
	}
	return opts
}

// newTransport builds the adapter selected by mqtt.transport.
func newTransport(opts transport.Options, kind string, logger *slog.Logger) (transport.Transport, error) {
	switch kind {
	case config.TransportV311:
		return mqtt311.New(opts, logger)
	case config.TransportV5, "":
		return mqtt.New(opts, logger)
	default:
		return nil, fmt.Errorf("unknown transport %q", kind)
	}
}

// sessionConfig maps the mqtt config block onto session settings.
func sessionConfig(m config.MQTTConfig, clientID string) session.Config {
	b := m.Backoff
	return session.Config{
		SensorTopic:   m.SensorTopic,
		Subscriptions: m.Subscriptions,
		Reconnect:     !m.DisableReconnect,
		Backoff: connwatch.BackoffConfig{
			InitialDelay:   seconds(b.InitialDelaySec),
			MaxDelay:       seconds(b.MaxDelaySec),
			Multiplier:     b.Multiplier,
			MaxRetries:     b.MaxRetries,
			AttemptTimeout: seconds(b.AttemptTimeoutSec),
		}.WithDefaults(),
		PublishTimeout:    m.PublishTimeout(),
		AvailabilityTopic: m.AvailabilityTopic,
		ClientID:          clientID,
	}
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// clientConfig is cfg for a short-lived CLI session (watch, send).
// The availability topic belongs to the serve instance, so it is
// cleared: no online announcement, no offline on exit, no will. A
// one-shot session also runs a single connect episode.
func clientConfig(cfg *config.Config, oneShot bool) *config.Config {
	c := *cfg
	c.MQTT.AvailabilityTopic = ""
	if oneShot {
		c.MQTT.DisableReconnect = true
	}
	return &c
}

// newSession builds the transport and session described by cfg.
func newSession(cfg *config.Config, bus *events.Bus, logger *slog.Logger) (*session.Session, error) {
	opts := transportOptions(cfg.MQTT)
	tr, err := newTransport(opts, cfg.MQTT.Transport, logger)
	if err != nil {
		return nil, fmt.Errorf("create %s transport: %w", cfg.MQTT.Transport, err)
	}
	return session.New(sessionConfig(cfg.MQTT, opts.ClientID), tr, bus, logger), nil
}

// awaitConnected blocks until the session reports connected, the
// connect episode gives up, or ctx ends. states must be subscribed
// before sess.Start so that no transition is missed.
func awaitConnected(ctx context.Context, sess *session.Session, states <-chan events.Event) error {
	for {
		switch sess.State() {
		case session.Connected:
			return nil
		case session.Failed:
			return fmt.Errorf("connect failed: %s", sess.Status().LastError)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-states:
		}
	}
}
