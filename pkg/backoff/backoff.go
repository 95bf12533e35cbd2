// Package backoff computes retry delays.
package backoff

import (
	"math/rand/v2"
	"time"
)

// Config describes a doubling delay. Zero fields fall back to defaults.
type Config struct {
	Initial time.Duration // first delay (default: 100ms)
	Max     time.Duration // ceiling (default: 5s)
	Jitter  float64       // each delay is spread by ±Jitter of itself, clamped to [0, 1]
}

// Delay returns the wait before retry number attempt. Attempts below 1 are
// treated as the first.
func (c Config) Delay(attempt int) time.Duration {
	initial, ceiling := c.Initial, c.Max
	if initial <= 0 {
		initial = 100 * time.Millisecond
	}
	if ceiling <= 0 {
		ceiling = 5 * time.Second
	}

	d := initial
	for i := 1; i < attempt && d < ceiling; i++ {
		d *= 2
	}
	return spread(min(d, ceiling), c.Jitter)
}

func spread(d time.Duration, jitter float64) time.Duration {
	if d <= 0 || jitter <= 0 {
		return d
	}
	jitter = min(jitter, 1)
	width := float64(d) * jitter
	return time.Duration(float64(d) - width + rand.Float64()*2*width)
}
