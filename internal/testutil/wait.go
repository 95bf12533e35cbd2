// Package testutil has helpers for tests that watch background goroutines
// (executions, dispatch workers, watchdog sweeps) converge on a state.
package testutil

import (
	"context"
	"fmt"
	"testing"
	"time"
)

const (
	defaultTimeout  = 10 * time.Second
	defaultInterval = 20 * time.Millisecond
)

type poll struct {
	timeout  time.Duration
	interval time.Duration
}

// Option tunes a poll.
type Option func(*poll)

// WithTimeout bounds how long a poll may run.
func WithTimeout(d time.Duration) Option {
	return func(p *poll) { p.timeout = d }
}

// WithInterval sets the delay between checks.
func WithInterval(d time.Duration) Option {
	return func(p *poll) { p.interval = d }
}

// Poll checks cond until it holds, ctx ends or the timeout passes. cond is
// always checked at least once.
func Poll(ctx context.Context, cond func() bool, opts ...Option) error {
	p := poll{timeout: defaultTimeout, interval: defaultInterval}
	for _, opt := range opts {
		opt(&p)
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if cond() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("condition not met within %s: %w", p.timeout, ctx.Err())
		case <-ticker.C:
		}
	}
}

// MustWaitFor fails the test unless cond holds before the timeout.
func MustWaitFor(tb testing.TB, cond func() bool, opts ...Option) {
	tb.Helper()
	if err := Poll(tb.Context(), cond, opts...); err != nil {
		tb.Fatal(err)
	}
}

// MustStayFalse fails the test if cond becomes true within d. It is the
// negative counterpart of MustWaitFor, for asserting something never happens.
func MustStayFalse(tb testing.TB, cond func() bool, d time.Duration) {
	tb.Helper()
	if err := Poll(tb.Context(), cond, WithTimeout(d)); err == nil {
		tb.Fatal("condition became true unexpectedly")
	}
}
