package transport

import (
	"bytes"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"
)

func fixedClock(t *time.Time) func() time.Time {
	return func() time.Time { return *t }
}

func TestNewLimiter_Disabled(t *testing.T) {
	for _, n := range []int{0, -3} {
		l := NewLimiter(n, nil)
		if l != nil {
			t.Fatalf("NewLimiter(%d) = %v, want nil", n, l)
		}
		for range 100 {
			if !l.Allow() {
				t.Fatal("nil limiter dropped a message")
			}
		}
	}
}

func TestLimiter_Window(t *testing.T) {
	var buf bytes.Buffer
	l := NewLimiter(3, slog.New(slog.NewTextHandler(&buf, nil)))
	now := time.Date(2026, 1, 10, 8, 0, 0, 0, time.UTC)
	l.now = fixedClock(&now)

	var allowed int
	for range 5 {
		if l.Allow() {
			allowed++
		}
	}
	if allowed != 3 {
		t.Errorf("allowed %d in first window, want 3", allowed)
	}
	if buf.Len() != 0 {
		t.Errorf("logged before the window closed: %q", buf.String())
	}

	now = now.Add(999 * time.Millisecond)
	if l.Allow() {
		t.Error("message inside the same window allowed")
	}

	now = now.Add(time.Millisecond)
	if !l.Allow() {
		t.Error("first message of a new window dropped")
	}
	out := buf.String()
	if !strings.Contains(out, "received=6") || !strings.Contains(out, "dropped=3") {
		t.Errorf("drop summary = %q, want received=6 dropped=3", out)
	}
}

func TestLimiter_QuietWindowNotLogged(t *testing.T) {
	var buf bytes.Buffer
	l := NewLimiter(10, slog.New(slog.NewTextHandler(&buf, nil)))
	now := time.Unix(0, 0)
	l.now = fixedClock(&now)

	l.Allow()
	now = now.Add(2 * time.Second)
	l.Allow()
	if buf.Len() != 0 {
		t.Errorf("logged without drops: %q", buf.String())
	}
}

func TestLimiter_Concurrent(t *testing.T) {
	l := NewLimiter(100, slog.New(slog.NewTextHandler(io.Discard, nil)))
	now := time.Unix(0, 0)
	l.now = func() time.Time { return now }

	var (
		mu      sync.Mutex
		allowed int
		wg      sync.WaitGroup
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n := 0
			for range 50 {
				if l.Allow() {
					n++
				}
			}
			mu.Lock()
			allowed += n
			mu.Unlock()
		}()
	}
	wg.Wait()
	if allowed != 100 {
		t.Errorf("allowed %d of 400, want 100", allowed)
	}
}
