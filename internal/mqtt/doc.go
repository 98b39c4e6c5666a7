// Package mqtt is the MQTT v5 transport, built on the low-level
// [paho] client from Eclipse Paho v2.
//
// The adapter dials the broker itself so one code path serves plain
// TCP, TLS and MQTT-over-WebSocket endpoints (the default broker is a
// wss:// URL). It never reconnects on its own: a dropped link is
// reported once through [transport.Handlers.OnConnectionLost] and the
// session decides whether and when to dial again.
//
// Inbound messages pass a [transport.Limiter] before they reach the
// session.
// When an availability topic is configured a retained "offline" will
// is registered with every connect.
package mqtt
