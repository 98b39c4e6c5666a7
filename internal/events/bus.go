// Package events carries live session activity from the components
// that produce it (sensor session, device controller, API) to the
// WebSocket stream and the watch CLI. A nil *Bus is valid and drops
// everything, so producers never need a guard.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceSession identifies events from the sensor/command session.
	SourceSession = "session"
	// SourceCommand identifies events from the device controller.
	SourceCommand = "command"
	// SourceAPI identifies events from the HTTP API.
	SourceAPI = "api"
)

// Kind constants describe the type of event within a source.
const (
	// KindStateChanged signals a session connection state transition.
	// Data: from, to, error (optional).
	KindStateChanged = "state_changed"
	// KindReading signals a newly decoded sensor reading.
	// Data: topic, temperature (optional), humidity (optional).
	KindReading = "reading"
	// KindDecodeFailed signals an inbound payload that was discarded.
	// Data: topic, payload_size, error.
	KindDecodeFailed = "decode_failed"
	// KindCommandSent signals a command handed to the transport.
	// Data: topic, payload.
	KindCommandSent = "command_sent"
	// KindCommandDropped signals a command that was not sent.
	// Data: topic, payload, reason.
	KindCommandDropped = "command_dropped"
	// KindDeviceState signals a recorded device state change.
	// Data: room, device, on, mode, setpoint.
	KindDeviceState = "device_state"
	// KindStreamOpened signals a new live stream client.
	// Data: remote.
	KindStreamOpened = "stream_opened"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus fans events out to subscribers without ever blocking the
// publisher. A subscriber whose buffer is full misses the event; the
// miss is counted in [Bus.Dropped].
type Bus struct {
	mu   sync.RWMutex
	subs map[<-chan Event]*subscriber

	dropped atomic.Uint64
}

type subscriber struct {
	ch    chan Event
	kinds map[string]bool // nil accepts every kind
}

func (s *subscriber) wants(kind string) bool {
	return s.kinds == nil || s.kinds[kind]
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]*subscriber)}
}

// Publish delivers e to every subscriber that accepts its kind. Safe
// to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.wants(e.Kind) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			b.dropped.Add(1)
		}
	}
}

// Emit publishes an event stamped with the current time. Safe to call
// on a nil receiver (no-op).
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{
		Timestamp: time.Now(),
		Source:    source,
		Kind:      kind,
		Data:      data,
	})
}

// Subscribe returns a channel of published events, limited to kinds
// when any are given. The caller must call Unsubscribe when done.
// bufSize sets how far the subscriber may fall behind before events
// are dropped; 64 suits a WebSocket client.
//
// On a nil bus the returned channel is never written to or closed.
func (b *Bus) Subscribe(bufSize int, kinds ...string) <-chan Event {
	sub := &subscriber{ch: make(chan Event, bufSize)}
	if len(kinds) > 0 {
		sub.kinds = make(map[string]bool, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = true
		}
	}
	if b == nil {
		return sub.ch
	}
	b.mu.Lock()
	b.subs[sub.ch] = sub
	b.mu.Unlock()
	return sub.ch
}

// Unsubscribe removes a subscription and closes its channel. Unknown
// or already removed channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(sub.ch)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a
// subscriber's buffer was full.
func (b *Bus) Dropped() uint64 {
	if b == nil {
		return 0
	}
	return b.dropped.Load()
}
