// Package session owns one publish/subscribe link to the broker: it
// keeps the sensor topic subscribed, decodes inbound readings (last
// write wins) and publishes device commands fire-and-forget.
//
// All state is guarded by a single mutex and no transport call is made
// while it is held. Every Start, Stop, reconnect and Dispose bumps a
// generation counter; callbacks carry the generation they were created
// for and are ignored once it is stale, so a late handshake or message
// from a superseded link has no effect.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fradomos/domos/internal/command"
	"github.com/fradomos/domos/internal/config"
	"github.com/fradomos/domos/internal/connwatch"
	"github.com/fradomos/domos/internal/events"
	"github.com/fradomos/domos/internal/sensor"
	"github.com/fradomos/domos/internal/transport"
)

var (
	// ErrNotConnected is returned by operations that need an
	// established link.
	ErrNotConnected = errors.New("session not connected")
	// ErrNotSent wraps transport failures while publishing a command.
	ErrNotSent = errors.New("command not sent")
	// ErrDisposed is returned by Start after Dispose.
	ErrDisposed = errors.New("session disposed")

	errSuperseded = errors.New("connect attempt superseded")
)

// linkName identifies the broker link in connwatch status.
const linkName = "broker"

const (
	availabilityOnline  = "online"
	availabilityOffline = "offline"
)

// Config configures a [Session].
type Config struct {
	// SensorTopic carries JSON readings. Required.
	SensorTopic string

	// Subscriptions are additional reading topics subscribed after
	// every connect.
	Subscriptions []string

	// Reconnect starts a new connect episode after a lost link.
	Reconnect bool

	// Backoff controls retries within one connect episode.
	Backoff connwatch.BackoffConfig

	// PublishTimeout bounds each command publish (default 5s).
	PublishTimeout time.Duration

	// AvailabilityTopic receives retained online/offline announcements
	// when the transport supports retained publishes. Optional.
	AvailabilityTopic string

	// ClientID is reported in Status only; the transport owns identity.
	ClientID string
}

// Status is a point-in-time snapshot for health reporting.
type Status struct {
	State         State                   `json:"state"`
	ClientID      string                  `json:"client_id,omitempty"`
	Topics        []string                `json:"topics"`
	HasReading    bool                    `json:"has_reading"`
	LastReadingAt *time.Time              `json:"last_reading_at,omitempty"`
	LastError     string                  `json:"last_error,omitempty"`
	Link          connwatch.ServiceStatus `json:"link"`
}

// Session is a sensor/command session. Create one with [New].
type Session struct {
	cfg    Config
	tr     transport.Transport
	bus    *events.Bus
	logger *slog.Logger
	links  *connwatch.Manager

	mu         sync.Mutex
	state      State
	gen        uint64
	disposed   bool
	baseCtx    context.Context
	cancel     context.CancelFunc
	watcher    *connwatch.Watcher
	topics     []string
	reading    sensor.Reading
	hasReading bool
	readingAt  time.Time
	lastErr    error
}

// New creates an idle session. bus may be nil.
func New(cfg Config, tr transport.Transport, bus *events.Bus, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 5 * time.Second
	}
	cfg.Backoff = cfg.Backoff.WithDefaults()

	topics := []string{cfg.SensorTopic}
	for _, t := range cfg.Subscriptions {
		if t != "" && !slices.Contains(topics, t) {
			topics = append(topics, t)
		}
	}

	return &Session{
		cfg:    cfg,
		tr:     tr,
		bus:    bus,
		logger: logger,
		links:  connwatch.NewManager(logger),
		topics: topics,
	}
}

// Start begins a connect episode in the background and returns
// immediately. It is a no-op while connecting or connected. The
// episode, and any later reconnects, end when ctx is cancelled.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		s.logger.Warn("session start ignored after dispose")
		return ErrDisposed
	}
	if s.state == Connecting || s.state == Connected {
		s.mu.Unlock()
		return nil
	}
	s.baseCtx = ctx
	s.beginEpisodeLocked()
	s.mu.Unlock()
	return nil
}

// beginEpisodeLocked moves to Connecting under a new generation and
// launches the connect watcher. Caller holds s.mu.
func (s *Session) beginEpisodeLocked() {
	from := s.state
	s.gen++
	g := s.gen
	s.state = Connecting
	s.emitState(from, Connecting, nil)

	if s.cancel != nil {
		s.cancel()
	}
	epCtx, cancel := context.WithCancel(s.baseCtx)
	s.cancel = cancel
	s.watcher = s.links.Watch(epCtx, connwatch.WatcherConfig{
		Name:     linkName,
		Attempt:  func(ctx context.Context) error { return s.attempt(ctx, g) },
		Backoff:  s.cfg.Backoff,
		OnReady:  func() { s.announce(g, availabilityOnline) },
		OnGiveUp: func(err error) { s.onGiveUp(g, err) },
		Logger:   s.logger,
	})
}

// attempt connects once, subscribes every topic and, if the
// generation is still current, moves to Connected.
func (s *Session) attempt(ctx context.Context, g uint64) error {
	if !s.current(g) {
		return errSuperseded
	}

	h := transport.Handlers{
		OnMessage:        func(topic string, payload []byte) { s.onMessage(g, topic, payload) },
		OnConnectionLost: func(err error) { s.onConnectionLost(g, err) },
	}
	if err := s.tr.Connect(ctx, h); err != nil {
		s.logger.Warn("broker connect failed", "error", err)
		s.setLastErr(g, err)
		return err
	}

	s.mu.Lock()
	if s.gen != g || s.disposed {
		s.mu.Unlock()
		s.release(ctx)
		return errSuperseded
	}
	topics := slices.Clone(s.topics)
	s.mu.Unlock()

	for _, topic := range topics {
		if err := s.tr.Subscribe(ctx, topic); err != nil {
			err = fmt.Errorf("subscribe %s: %w", topic, err)
			s.logger.Warn("broker subscribe failed", "topic", topic, "error", err)
			s.setLastErr(g, err)
			s.release(ctx)
			return err
		}
		s.logger.Debug("subscribed", "topic", topic)
	}

	s.mu.Lock()
	if s.gen != g || s.disposed {
		s.mu.Unlock()
		s.release(ctx)
		return errSuperseded
	}
	from := s.state
	s.state = Connected
	s.lastErr = nil
	s.mu.Unlock()

	s.logger.Info("session connected", "topics", topics)
	s.emitState(from, Connected, nil)
	return nil
}

// release drops a link that no longer belongs to the current
// generation.
func (s *Session) release(ctx context.Context) {
	if err := s.tr.Disconnect(context.WithoutCancel(ctx)); err != nil {
		s.logger.Debug("transport disconnect failed", "error", err)
	}
}

func (s *Session) onGiveUp(g uint64, err error) {
	s.mu.Lock()
	if s.gen != g || s.disposed {
		s.mu.Unlock()
		return
	}
	from := s.state
	s.state = Failed
	s.lastErr = err
	s.mu.Unlock()

	s.logger.Warn("session failed, giving up until restarted", "error", err)
	s.emitState(from, Failed, err)
}

func (s *Session) onConnectionLost(g uint64, err error) {
	s.mu.Lock()
	if s.gen != g || s.disposed || s.state != Connected {
		s.mu.Unlock()
		return
	}
	s.state = Disconnected
	s.lastErr = err
	if s.watcher != nil {
		s.watcher.MarkDown(err)
	}
	reconnect := s.cfg.Reconnect && s.baseCtx.Err() == nil
	s.mu.Unlock()

	s.logger.Warn("broker connection lost", "error", err, "reconnect", reconnect)
	s.emitState(Connected, Disconnected, err)

	if !reconnect {
		return
	}

	s.mu.Lock()
	if s.gen != g || s.disposed {
		s.mu.Unlock()
		return
	}
	s.beginEpisodeLocked()
	s.mu.Unlock()
}

// onMessage decodes one inbound payload. Failures leave the current
// reading untouched.
func (s *Session) onMessage(g uint64, topic string, payload []byte) {
	if !s.current(g) {
		return
	}

	r, err := sensor.Decode(payload)
	if err != nil {
		s.logger.Debug("sensor payload rejected",
			"topic", topic,
			"payload_size", len(payload),
			"error", err,
		)
		s.bus.Emit(events.SourceSession, events.KindDecodeFailed, map[string]any{
			"topic":        topic,
			"payload_size": len(payload),
			"error":        err.Error(),
		})
		return
	}

	s.mu.Lock()
	if s.gen != g || s.disposed {
		s.mu.Unlock()
		return
	}
	s.reading = r
	s.hasReading = true
	s.readingAt = time.Now()
	s.mu.Unlock()

	s.logger.Log(context.Background(), config.LevelTrace, "reading received", "topic", topic, "reading", r.Format())

	data := r.Fields()
	data["topic"] = topic
	s.bus.Emit(events.SourceSession, events.KindReading, data)
}

// Subscribe adds topic to the subscribed set. The set is
// re-subscribed after every reconnect.
func (s *Session) Subscribe(ctx context.Context, topic string) error {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return errors.New("subscribe: empty topic")
	}

	s.mu.Lock()
	if s.state != Connected {
		state := s.state
		s.mu.Unlock()
		s.logger.Warn("subscribe ignored, session not connected", "topic", topic, "state", state)
		return ErrNotConnected
	}
	g := s.gen
	s.mu.Unlock()

	if err := s.tr.Subscribe(ctx, topic); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}

	s.mu.Lock()
	if s.gen == g && !slices.Contains(s.topics, topic) {
		s.topics = append(s.topics, topic)
	}
	s.mu.Unlock()
	return nil
}

// Publish sends msg at most once. It never queues: outside Connected
// it logs and returns ErrNotConnected without touching the transport.
// A transport failure is logged and returned wrapped in ErrNotSent;
// the session stays up.
func (s *Session) Publish(ctx context.Context, msg command.Message) error {
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrNotSent, err)
	}

	s.mu.Lock()
	state := s.state
	s.mu.Unlock()

	if state != Connected {
		s.logger.Warn("command dropped, session not connected",
			"topic", msg.Topic,
			"payload", msg.Payload,
			"state", state,
		)
		s.bus.Emit(events.SourceSession, events.KindCommandDropped, map[string]any{
			"topic":   msg.Topic,
			"payload": msg.Payload,
			"reason":  ErrNotConnected.Error(),
		})
		return ErrNotConnected
	}

	pubCtx, cancel := context.WithTimeout(ctx, s.cfg.PublishTimeout)
	defer cancel()

	if err := s.tr.Publish(pubCtx, msg.Topic, []byte(msg.Payload)); err != nil {
		s.logger.Warn("command publish failed", "topic", msg.Topic, "error", err)
		s.bus.Emit(events.SourceSession, events.KindCommandDropped, map[string]any{
			"topic":   msg.Topic,
			"payload": msg.Payload,
			"reason":  err.Error(),
		})
		return fmt.Errorf("%w: %w", ErrNotSent, err)
	}

	s.logger.Debug("command published", "topic", msg.Topic, "payload", msg.Payload)
	s.bus.Emit(events.SourceSession, events.KindCommandSent, map[string]any{
		"topic":   msg.Topic,
		"payload": msg.Payload,
	})
	return nil
}

// Stop disconnects and cancels any connect episode. No reconnect
// follows until Start is called again.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil
	}
	from := s.state
	w, wasConnected := s.endEpisodeLocked()
	s.state = Disconnected
	s.mu.Unlock()

	if w != nil {
		w.Stop()
	}
	if wasConnected {
		s.publishAvailability(ctx, availabilityOffline)
		if err := s.tr.Disconnect(ctx); err != nil {
			s.logger.Debug("transport disconnect failed", "error", err)
		}
	}
	if from != Disconnected {
		s.logger.Info("session stopped")
		s.emitState(from, Disconnected, nil)
	}
	return nil
}

// Dispose tears the session down for good. It is idempotent and safe
// from any state; afterwards no transport callback has any effect.
func (s *Session) Dispose(ctx context.Context) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil
	}
	s.disposed = true
	from := s.state
	w, wasConnected := s.endEpisodeLocked()
	s.state = TornDown
	s.mu.Unlock()

	if w != nil {
		w.Stop()
	}
	if wasConnected {
		s.publishAvailability(ctx, availabilityOffline)
	}
	err := s.tr.Disconnect(ctx)
	s.links.Stop()

	s.logger.Info("session disposed")
	s.emitState(from, TornDown, nil)
	if err != nil {
		return fmt.Errorf("release transport: %w", err)
	}
	return nil
}

// endEpisodeLocked invalidates the current generation and cancels its
// episode. Caller holds s.mu.
func (s *Session) endEpisodeLocked() (*connwatch.Watcher, bool) {
	s.gen++
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	w := s.watcher
	s.watcher = nil
	return w, s.state == Connected
}

// announce publishes the online availability message after a connect.
func (s *Session) announce(g uint64, status string) {
	if !s.current(g) {
		return
	}
	s.publishAvailability(context.Background(), status)
}

func (s *Session) publishAvailability(ctx context.Context, status string) {
	if s.cfg.AvailabilityTopic == "" {
		return
	}
	rp, ok := s.tr.(transport.RetainPublisher)
	if !ok {
		return
	}
	pubCtx, cancel := context.WithTimeout(ctx, s.cfg.PublishTimeout)
	defer cancel()
	if err := rp.PublishRetained(pubCtx, s.cfg.AvailabilityTopic, []byte(status)); err != nil {
		s.logger.Warn("availability publish failed", "status", status, "error", err)
		return
	}
	s.logger.Debug("availability published", "status", status)
}

// Reading returns the latest decoded reading and whether one has been
// received.
func (s *Session) Reading() (sensor.Reading, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reading, s.hasReading
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns a snapshot for health endpoints.
func (s *Session) Status() Status {
	s.mu.Lock()
	st := Status{
		State:      s.state,
		ClientID:   s.cfg.ClientID,
		Topics:     slices.Clone(s.topics),
		HasReading: s.hasReading,
	}
	if s.hasReading {
		at := s.readingAt
		st.LastReadingAt = &at
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	s.mu.Unlock()

	if link, ok := s.links.Status()[linkName]; ok {
		st.Link = link
	} else {
		st.Link = connwatch.ServiceStatus{Name: linkName}
	}
	return st
}

// current reports whether g is the live generation.
func (s *Session) current(g uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == g && !s.disposed
}

func (s *Session) setLastErr(g uint64, err error) {
	s.mu.Lock()
	if s.gen == g {
		s.lastErr = err
	}
	s.mu.Unlock()
}

func (s *Session) emitState(from, to State, err error) {
	data := map[string]any{
		"from": from.String(),
		"to":   to.String(),
	}
	if err != nil {
		data["error"] = err.Error()
	}
	s.bus.Emit(events.SourceSession, events.KindStateChanged, data)
}
