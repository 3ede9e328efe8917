// Package testutil holds polling helpers for asynchronous tests.
package testutil

import (
	"testing"
	"time"
)

// Poll controls how long and how often a condition is probed.
type Poll struct {
	Within time.Duration
	Every  time.Duration
}

// PollOption adjusts a Poll.
type PollOption func(*Poll)

// Within bounds the total wait (default 30s).
func Within(d time.Duration) PollOption {
	return func(p *Poll) { p.Within = d }
}

// Every sets the probe interval (default 100ms).
func Every(d time.Duration) PollOption {
	return func(p *Poll) { p.Every = d }
}

func newPoll(opts []PollOption) Poll {
	p := Poll{Within: 30 * time.Second, Every: 100 * time.Millisecond}
	for _, opt := range opts {
		opt(&p)
	}
	if p.Every <= 0 {
		p.Every = time.Millisecond
	}
	return p
}

// Eventually probes cond until it holds or the wait expires. The condition
// is always probed at least once, and once more at the deadline.
func Eventually(tb testing.TB, cond func() bool, opts ...PollOption) bool {
	tb.Helper()
	p := newPoll(opts)

	if cond() {
		return true
	}
	deadline := time.NewTimer(p.Within)
	defer deadline.Stop()
	tick := time.NewTicker(p.Every)
	defer tick.Stop()

	for {
		select {
		case <-tick.C:
			if cond() {
				return true
			}
		case <-deadline.C:
			return cond()
		}
	}
}

// RequireEventually is Eventually that fails the test on timeout.
// It must be called from the test goroutine.
func RequireEventually(tb testing.TB, cond func() bool, what string, opts ...PollOption) {
	tb.Helper()
	if !Eventually(tb, cond, opts...) {
		tb.Fatalf("timed out waiting for %s", what)
	}
}

// Await probes fetch until done accepts its result and returns that result.
// On timeout the test fails with the last observed value.
func Await[T any](tb testing.TB, fetch func() T, done func(T) bool, opts ...PollOption) T {
	tb.Helper()
	var last T
	ok := Eventually(tb, func() bool {
		last = fetch()
		return done(last)
	}, opts...)
	if !ok {
		tb.Fatalf("timed out; last observed: %+v", last)
	}
	return last
}
