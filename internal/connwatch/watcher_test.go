package connwatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func fastBackoff(retries int) BackoffConfig {
	return BackoffConfig{
		InitialDelay:   time.Millisecond,
		MaxDelay:       4 * time.Millisecond,
		Multiplier:     2,
		MaxRetries:     retries,
		AttemptTimeout: 100 * time.Millisecond,
	}
}

func newTestManager() *Manager {
	return NewManager(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func finish(t *testing.T, w *Watcher) {
	t.Helper()
	done := make(chan struct{})
	go func() { w.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("episode did not finish")
	}
}

// failN fails the first n calls with err and succeeds afterwards.
func failN(n int32, err error) (AttemptFunc, *atomic.Int32) {
	var calls atomic.Int32
	return func(context.Context) error {
		if calls.Add(1) <= n {
			return err
		}
		return nil
	}, &calls
}

func TestWatcher_Outcomes(t *testing.T) {
	t.Parallel()
	errDown := errors.New("broker down")

	tests := []struct {
		name      string
		failures  int32
		retries   int
		wantCalls int32
		wantReady bool
		wantGive  bool
	}{
		{"first try", 0, 5, 1, true, false},
		{"recovers", 3, 5, 4, true, false},
		{"recovers on last", 4, 5, 5, true, false},
		{"exhausted", 10, 5, 5, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			attempt, calls := failN(tt.failures, errDown)
			var ready, gaveUp atomic.Int32
			var giveErr atomic.Value

			w := newTestManager().Watch(context.Background(), WatcherConfig{
				Name:     "broker",
				Attempt:  attempt,
				Backoff:  fastBackoff(tt.retries),
				OnReady:  func() { ready.Add(1) },
				OnGiveUp: func(err error) { gaveUp.Add(1); giveErr.Store(err) },
			})
			finish(t, w)

			if got := calls.Load(); got != tt.wantCalls {
				t.Errorf("attempts = %d, want %d", got, tt.wantCalls)
			}
			if w.Attempts() != int(tt.wantCalls) {
				t.Errorf("Attempts() = %d, want %d", w.Attempts(), tt.wantCalls)
			}
			if w.IsReady() != tt.wantReady {
				t.Errorf("IsReady() = %v", w.IsReady())
			}
			st := w.Status()
			if st.GaveUp != tt.wantGive {
				t.Errorf("GaveUp = %v", st.GaveUp)
			}
			if tt.wantReady {
				if ready.Load() != 1 || gaveUp.Load() != 0 || st.LastError != "" {
					t.Errorf("ready=%d gaveUp=%d lastErr=%q", ready.Load(), gaveUp.Load(), st.LastError)
				}
			} else {
				if ready.Load() != 0 || gaveUp.Load() != 1 {
					t.Errorf("ready=%d gaveUp=%d", ready.Load(), gaveUp.Load())
				}
				if err, _ := giveErr.Load().(error); !errors.Is(err, errDown) {
					t.Errorf("OnGiveUp err = %v", err)
				}
			}
		})
	}
}

func TestWatcher_CancelledDuringDelay(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())

	b := fastBackoff(5)
	b.InitialDelay, b.MaxDelay = time.Hour, time.Hour
	first := make(chan struct{})
	var gaveUp atomic.Int32

	w := newTestManager().Watch(ctx, WatcherConfig{
		Name: "broker",
		Attempt: func(context.Context) error {
			select {
			case <-first:
			default:
				close(first)
			}
			return errors.New("refused")
		},
		Backoff:  b,
		OnGiveUp: func(error) { gaveUp.Add(1) },
	})
	<-first
	cancel()
	finish(t, w)

	if gaveUp.Load() != 0 {
		t.Error("OnGiveUp ran for a cancelled episode")
	}
	if w.Attempts() != 1 {
		t.Errorf("Attempts() = %d, want 1", w.Attempts())
	}
}

func TestWatcher_StopMidAttempt(t *testing.T) {
	t.Parallel()
	started := make(chan struct{})
	var ready atomic.Int32

	w := newTestManager().Watch(context.Background(), WatcherConfig{
		Name: "broker",
		Attempt: func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return nil
		},
		Backoff: fastBackoff(3),
		OnReady: func() { ready.Add(1) },
	})
	<-started

	stopped := make(chan struct{})
	go func() { w.Stop(); close(stopped) }()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
	if ready.Load() != 0 || w.IsReady() {
		t.Error("an attempt that outlived Stop was reported ready")
	}
}

func TestWatcher_AttemptTimeout(t *testing.T) {
	t.Parallel()
	b := fastBackoff(1)
	b.AttemptTimeout = 5 * time.Millisecond

	w := newTestManager().Watch(context.Background(), WatcherConfig{
		Name: "broker",
		Attempt: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		Backoff: b,
	})
	finish(t, w)

	if !errors.Is(w.LastError(), context.DeadlineExceeded) {
		t.Errorf("LastError() = %v, want deadline exceeded", w.LastError())
	}
}

func TestWatcher_MarkDown(t *testing.T) {
	t.Parallel()
	w := newTestManager().Watch(context.Background(), WatcherConfig{
		Name:    "broker",
		Attempt: func(context.Context) error { return nil },
		Backoff: fastBackoff(1),
	})
	finish(t, w)
	before := w.Status().LastCheck

	w.MarkDown(errors.New("connection reset"))
	st := w.Status()
	if st.Ready || st.LastError != "connection reset" {
		t.Errorf("status after MarkDown = %+v", st)
	}
	if st.LastCheck.Before(before) {
		t.Errorf("LastCheck went backwards: %v < %v", st.LastCheck, before)
	}
}

func TestManager_EpisodesReplace(t *testing.T) {
	t.Parallel()
	m := newTestManager()

	first := m.Watch(context.Background(), WatcherConfig{
		Name:    "broker",
		Attempt: func(context.Context) error { return errors.New("down") },
		Backoff: fastBackoff(1),
	})
	finish(t, first)
	second := m.Watch(context.Background(), WatcherConfig{
		Name:    "broker",
		Attempt: func(context.Context) error { return nil },
		Backoff: fastBackoff(1),
	})
	finish(t, second)

	status := m.Status()
	if len(status) != 1 {
		t.Fatalf("Status() has %d entries, want 1", len(status))
	}
	st := status["broker"]
	if !st.Ready || st.Episode != 2 {
		t.Errorf("broker status = %+v, want ready in episode 2", st)
	}
	if first.Status().Episode != 1 {
		t.Errorf("first episode = %d", first.Status().Episode)
	}
}

func TestManager_StatusPerName(t *testing.T) {
	t.Parallel()
	m := newTestManager()
	up := m.Watch(context.Background(), WatcherConfig{
		Name: "broker", Attempt: func(context.Context) error { return nil }, Backoff: fastBackoff(1),
	})
	down := m.Watch(context.Background(), WatcherConfig{
		Name: "bridge", Attempt: func(context.Context) error { return errors.New("unreachable") }, Backoff: fastBackoff(1),
	})
	finish(t, up)
	finish(t, down)

	status := m.Status()
	if s := status["broker"]; !s.Ready || s.LastError != "" || s.Episode != 1 {
		t.Errorf("broker = %+v", s)
	}
	if s := status["bridge"]; s.Ready || s.LastError != "unreachable" || !s.GaveUp {
		t.Errorf("bridge = %+v", s)
	}
}

func TestManager_Stop(t *testing.T) {
	t.Parallel()
	m := newTestManager()
	block := func(ctx context.Context) error { <-ctx.Done(); return ctx.Err() }
	m.Watch(context.Background(), WatcherConfig{Name: "a", Attempt: block, Backoff: fastBackoff(3)})
	m.Watch(context.Background(), WatcherConfig{Name: "b", Attempt: block, Backoff: fastBackoff(3)})

	done := make(chan struct{})
	go func() { m.Stop(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestManager_WatchPanics(t *testing.T) {
	t.Parallel()
	for _, cfg := range []WatcherConfig{
		{Attempt: func(context.Context) error { return nil }},
		{Name: "broker"},
	} {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("Watch(%+v) did not panic", cfg)
				}
			}()
			newTestManager().Watch(context.Background(), cfg)
		}()
	}
}
