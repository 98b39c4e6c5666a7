package connwatch

import (
	"context"
	"log/slog"
	"sync"
)

// Manager owns the current watcher per link name. A new episode for a
// name replaces the old watcher in [Manager.Status]; the caller stops
// the old one.
type Manager struct {
	logger *slog.Logger

	mu       sync.RWMutex
	watchers map[string]*Watcher
	episodes map[string]int
}

func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:   logger,
		watchers: make(map[string]*Watcher),
		episodes: make(map[string]int),
	}
}

// Watch starts an episode on its own goroutine. It panics on an empty
// Name or nil Attempt.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	switch {
	case cfg.Name == "":
		panic("connwatch: watcher needs a name")
	case cfg.Attempt == nil:
		panic("connwatch: watcher " + cfg.Name + " has no attempt func")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	cfg.Backoff = cfg.Backoff.WithDefaults()

	wctx, cancel := context.WithCancel(ctx)
	w := &Watcher{cfg: cfg, cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	m.episodes[cfg.Name]++
	w.episode = m.episodes[cfg.Name]
	m.watchers[cfg.Name] = w
	m.mu.Unlock()

	go w.run(wctx)
	return w
}

// Status snapshots every link by name.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]ServiceStatus, len(m.watchers))
	for name, w := range m.watchers {
		out[name] = w.Status()
	}
	return out
}

// Stop cancels every current episode and waits for them.
func (m *Manager) Stop() {
	m.mu.RLock()
	ws := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		ws = append(ws, w)
	}
	m.mu.RUnlock()

	for _, w := range ws {
		w.Stop()
	}
}
