package connwatch

import (
	"testing"
	"time"
)

func TestDefaultBackoffConfig_Schedule(t *testing.T) {
	t.Parallel()
	cfg := DefaultBackoffConfig()
	if cfg.MaxRetries != 10 || cfg.AttemptTimeout != 20*time.Second {
		t.Errorf("defaults = %+v", cfg)
	}

	want := []time.Duration{2, 4, 8, 16, 32, 60, 60, 60}
	for i, w := range want {
		if got := cfg.Delay(i + 1); got != w*time.Second {
			t.Errorf("Delay(%d) = %v, want %v", i+1, got, w*time.Second)
		}
	}
}

func TestBackoffConfig_Delay(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  BackoffConfig
		n    int
		want time.Duration
	}{
		{"first", BackoffConfig{InitialDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 3}, 1, time.Second},
		{"tripled", BackoffConfig{InitialDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 3}, 3, 9 * time.Second},
		{"capped", BackoffConfig{InitialDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 3}, 4, 10 * time.Second},
		{"initial above cap", BackoffConfig{InitialDelay: time.Minute, MaxDelay: time.Second, Multiplier: 2}, 1, time.Second},
		{"flat", BackoffConfig{InitialDelay: 5 * time.Second, MaxDelay: time.Minute, Multiplier: 1}, 7, 5 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.Delay(tt.n); got != tt.want {
				t.Errorf("Delay(%d) = %v, want %v", tt.n, got, tt.want)
			}
		})
	}
}

func TestBackoffConfig_WithDefaults(t *testing.T) {
	t.Parallel()
	got := BackoffConfig{MaxRetries: 3, MaxDelay: -time.Second}.WithDefaults()
	want := DefaultBackoffConfig()
	want.MaxRetries = 3
	if got != want {
		t.Errorf("WithDefaults() = %+v, want %+v", got, want)
	}
}
