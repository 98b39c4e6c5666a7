// Package connwatch runs connect episodes against the broker and keeps
// their status for /health.
//
// An episode is a bounded series of attempts: the first runs at once,
// later ones wait an exponentially growing delay. The episode ends on
// the first success, after MaxRetries failures, or when its context is
// cancelled. Reconnecting after a drop is a new episode, started by the
// caller.
package connwatch

import "time"

// BackoffConfig is the retry schedule of one episode. Zero fields take
// the values of [DefaultBackoffConfig].
type BackoffConfig struct {
	InitialDelay   time.Duration // wait after the first failure
	MaxDelay       time.Duration // delay ceiling
	Multiplier     float64       // growth per failure
	MaxRetries     int           // attempts per episode, including the first
	AttemptTimeout time.Duration // bound on a single attempt
}

// DefaultBackoffConfig waits 2s, 4s, 8s, 16s, 32s, then 60s between
// attempts, gives each attempt 20s and stops after 10 attempts.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay:   2 * time.Second,
		MaxDelay:       time.Minute,
		Multiplier:     2,
		MaxRetries:     10,
		AttemptTimeout: 20 * time.Second,
	}
}

// WithDefaults fills zero or negative fields from [DefaultBackoffConfig].
func (c BackoffConfig) WithDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.Multiplier <= 0 {
		c.Multiplier = d.Multiplier
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = d.AttemptTimeout
	}
	return c
}

// Delay is the wait after failed attempt n, counting from 1.
func (c BackoffConfig) Delay(n int) time.Duration {
	d := c.InitialDelay
	for ; n > 1 && d < c.MaxDelay; n-- {
		d = time.Duration(float64(d) * c.Multiplier)
	}
	return min(d, c.MaxDelay)
}
