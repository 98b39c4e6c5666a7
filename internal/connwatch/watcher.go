package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// AttemptFunc makes one connection attempt and returns nil once the
// link is up. It must return promptly when ctx is done.
type AttemptFunc func(ctx context.Context) error

// WatcherConfig describes one episode.
type WatcherConfig struct {
	Name    string
	Attempt AttemptFunc
	Backoff BackoffConfig

	// OnReady runs on the watcher goroutine after the successful
	// attempt. OnGiveUp runs there after the last failed one; a
	// cancelled episode calls neither.
	OnReady  func()
	OnGiveUp func(err error)

	Logger *slog.Logger
}

// ServiceStatus is the JSON shape of a link in /health.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	Episode   int       `json:"episode"`
	Attempts  int       `json:"attempts"`
	GaveUp    bool      `json:"gave_up,omitempty"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
}

// Watcher is one running or finished episode.
type Watcher struct {
	cfg    WatcherConfig
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	episode   int
	ready     bool
	gaveUp    bool
	attempts  int
	lastErr   error
	lastCheck time.Time
}

// IsReady reports whether the last attempt succeeded and the link has
// not been marked down since.
func (w *Watcher) IsReady() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ready
}

// LastError is the error of the last attempt or MarkDown.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Attempts is how many attempts this episode has started.
func (w *Watcher) Attempts() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.attempts
}

func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := ServiceStatus{
		Name:      w.cfg.Name,
		Ready:     w.ready,
		Episode:   w.episode,
		Attempts:  w.attempts,
		GaveUp:    w.gaveUp,
		LastCheck: w.lastCheck,
	}
	if w.lastErr != nil {
		st.LastError = w.lastErr.Error()
	}
	return st
}

// MarkDown records that an established link dropped.
func (w *Watcher) MarkDown(err error) {
	w.mu.Lock()
	w.ready = false
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()
}

// Wait blocks until the episode is over.
func (w *Watcher) Wait() {
	<-w.done
}

// Stop cancels the episode and waits for it.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	b := w.cfg.Backoff
	log := w.cfg.Logger.With("service", w.cfg.Name, "episode", w.episode)
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for n := 1; ; n++ {
		err := w.try(ctx, n)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			log.Info("service connected", "after_attempts", n)
			if w.cfg.OnReady != nil {
				w.cfg.OnReady()
			}
			return
		}
		if n >= b.MaxRetries {
			w.mu.Lock()
			w.gaveUp = true
			w.mu.Unlock()
			log.Warn("connection attempts exhausted", "attempts", n, "error", err)
			if w.cfg.OnGiveUp != nil {
				w.cfg.OnGiveUp(err)
			}
			return
		}

		delay := b.Delay(n)
		log.Debug("connection attempt failed, retrying",
			"attempt", n,
			"max_retries", b.MaxRetries,
			"next_delay", delay.String(),
			"error", err,
		)
		timer.Reset(delay)
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}
}

// try runs attempt n under the attempt timeout and records the
// result unless the episode was cancelled meanwhile.
func (w *Watcher) try(ctx context.Context, n int) error {
	w.mu.Lock()
	w.attempts = n
	w.mu.Unlock()

	actx, cancel := context.WithTimeout(ctx, w.cfg.Backoff.AttemptTimeout)
	err := w.cfg.Attempt(actx)
	cancel()
	if ctx.Err() != nil {
		return err
	}

	w.mu.Lock()
	w.ready = err == nil
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()
	return err
}
