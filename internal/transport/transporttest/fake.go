// Package transporttest provides an in-memory [transport.Transport]
// for tests.
package transporttest

import (
	"context"
	"sync"

	"github.com/fradomos/domos/internal/transport"
)

// Message is one publish recorded by a [Fake].
type Message struct {
	Topic    string
	Payload  string
	Retained bool
}

// Fake is a scripted transport. Connect succeeds unless ConnectErrs
// has entries left; Gate, when non-nil, holds Connect until it is
// closed or the context ends.
type Fake struct {
	mu          sync.Mutex
	handlers    transport.Handlers
	connected   bool
	connects    int
	disconnects int
	subscribed  []string
	published   []Message

	// ConnectErrs are returned by successive Connect calls before any
	// call succeeds.
	ConnectErrs []error

	// Gate blocks Connect until closed.
	Gate chan struct{}

	// PublishErr is returned by Publish when set.
	PublishErr error

	// SubscribeErr is returned by Subscribe when set.
	SubscribeErr error

	ready chan struct{}
}

// New returns a Fake whose Connect succeeds immediately.
func New() *Fake {
	return &Fake{ready: make(chan struct{}, 64)}
}

// Connect implements [transport.Transport].
func (f *Fake) Connect(ctx context.Context, h transport.Handlers) error {
	f.mu.Lock()
	gate := f.Gate
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	if len(f.ConnectErrs) > 0 {
		err := f.ConnectErrs[0]
		f.ConnectErrs = f.ConnectErrs[1:]
		return err
	}
	f.handlers = h
	f.connected = true
	select {
	case f.ready <- struct{}{}:
	default:
	}
	return nil
}

// Subscribe implements [transport.Transport].
func (f *Fake) Subscribe(_ context.Context, topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return transport.ErrNotConnected
	}
	if f.SubscribeErr != nil {
		return f.SubscribeErr
	}
	f.subscribed = append(f.subscribed, topic)
	return nil
}

// Publish implements [transport.Transport].
func (f *Fake) Publish(_ context.Context, topic string, payload []byte) error {
	return f.record(topic, payload, false)
}

// PublishRetained implements [transport.RetainPublisher].
func (f *Fake) PublishRetained(_ context.Context, topic string, payload []byte) error {
	return f.record(topic, payload, true)
}

func (f *Fake) record(topic string, payload []byte, retained bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.connected {
		return transport.ErrNotConnected
	}
	if f.PublishErr != nil {
		return f.PublishErr
	}
	f.published = append(f.published, Message{Topic: topic, Payload: string(payload), Retained: retained})
	return nil
}

// Disconnect implements [transport.Transport].
func (f *Fake) Disconnect(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	f.connected = false
	return nil
}

// Connected returns a channel that receives once per successful Connect.
func (f *Fake) Connected() <-chan struct{} {
	return f.ready
}

// Deliver feeds an inbound message through the current handlers.
func (f *Fake) Deliver(topic string, payload []byte) {
	f.mu.Lock()
	h := f.handlers
	f.mu.Unlock()
	if h.OnMessage != nil {
		h.OnMessage(topic, payload)
	}
}

// Handlers returns the handlers passed to the most recent successful
// Connect, so tests can replay callbacks from an old link.
func (f *Fake) Handlers() transport.Handlers {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers
}

// Drop simulates the broker closing the link.
func (f *Fake) Drop(err error) {
	f.mu.Lock()
	h := f.handlers
	f.connected = false
	f.mu.Unlock()
	if h.OnConnectionLost != nil {
		h.OnConnectionLost(err)
	}
}

// Published returns a copy of all recorded publishes.
func (f *Fake) Published() []Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Message(nil), f.published...)
}

// Subscribed returns a copy of all subscribe calls, in order.
func (f *Fake) Subscribed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.subscribed...)
}

// Connects returns how many times Connect was called past the gate.
func (f *Fake) Connects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connects
}

// Disconnects returns how many times Disconnect was called.
func (f *Fake) Disconnects() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

// SetPublishErr changes the error returned by Publish.
func (f *Fake) SetPublishErr(err error) {
	f.mu.Lock()
	f.PublishErr = err
	f.mu.Unlock()
}
