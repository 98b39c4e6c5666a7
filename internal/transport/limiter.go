package transport

import (
	"log/slog"
	"sync"
	"time"
)

// Limiter caps inbound messages per one-second window. Both adapters
// run it in their delivery callback, before the session decodes
// anything. Drops are summarized in a single warning when the window
// that saw them closes.
//
// A nil *Limiter allows everything.
type Limiter struct {
	limit  int
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	start   time.Time
	seen    int
	dropped int
}

// NewLimiter returns a limiter for perSecond messages, or nil when
// perSecond is not positive.
func NewLimiter(perSecond int, logger *slog.Logger) *Limiter {
	if perSecond <= 0 {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{limit: perSecond, logger: logger, now: time.Now}
}

// Allow counts one message and reports whether it may be delivered.
func (l *Limiter) Allow() bool {
	if l == nil {
		return true
	}
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	if now.Sub(l.start) >= time.Second {
		l.rollLocked(now)
	}
	l.seen++
	if l.seen > l.limit {
		l.dropped++
		return false
	}
	return true
}

func (l *Limiter) rollLocked(now time.Time) {
	if l.dropped > 0 {
		l.logger.Warn("inbound messages dropped by rate limit",
			"received", l.seen,
			"dropped", l.dropped,
			"limit_per_sec", l.limit,
		)
	}
	l.start = now
	l.seen = 0
	l.dropped = 0
}
