// Package circuitbreaker stops calling a dependency after consecutive
// failures and lets a single probe through once a cooldown has passed.
//
//	Closed --threshold failures--> Open --cooldown--> HalfOpen
//	HalfOpen --probe succeeds--> Closed
//	HalfOpen --probe fails--> Open
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Execute while the breaker rejects calls.
var ErrOpen = errors.New("circuit breaker is open")

// State represents the state of a circuit breaker.
type State int

const (
	Closed   State = iota // Normal operation, requests allowed
	Open                  // Failing, requests blocked
	HalfOpen              // Testing if recovered
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker implements the circuit breaker pattern for a single resource.
type Breaker struct {
	mu          sync.Mutex
	state       State
	failures    int           // consecutive failures
	threshold   int           // failures before opening
	lastFailure time.Time     // when the last failure occurred
	cooldown    time.Duration // how long to wait before half-open
	probing     bool          // a half-open probe is in flight
	isFailure   func(error) bool
	onChange    func(from, to State)
}

// Config holds configuration for a circuit breaker.
type Config struct {
	Threshold int           // Failures before circuit opens (default: 5)
	Cooldown  time.Duration // Time before half-open (default: 30s)

	// IsFailure decides which errors returned through Execute count against
	// the breaker. Nil counts every non-nil error.
	IsFailure func(error) bool

	// OnStateChange is called after every transition, outside the lock.
	OnStateChange func(from, to State)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Threshold: 5,
		Cooldown:  30 * time.Second,
	}
}

// New creates a new circuit breaker.
func New(cfg Config) *Breaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	return &Breaker{
		state:     Closed,
		threshold: cfg.Threshold,
		cooldown:  cfg.Cooldown,
		isFailure: cfg.IsFailure,
		onChange:  cfg.OnStateChange,
	}
}

// Allow returns true if a request should be attempted.
// In half-open state only one caller is let through until it reports back.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	from := b.state
	allowed := b.allowLocked()
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
	return allowed
}

func (b *Breaker) allowLocked() bool {
	switch b.state {
	case Open:
		if time.Since(b.lastFailure) <= b.cooldown {
			return false
		}
		b.state = HalfOpen
	case HalfOpen:
		if b.probing {
			return false
		}
	default:
		return true
	}
	b.probing = true
	return true
}

// Execute runs fn if the breaker allows it and records the outcome.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !b.Allow() {
		return ErrOpen
	}
	err := fn(ctx)
	if err != nil && (b.isFailure == nil || b.isFailure(err)) {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return err
}

// RecordSuccess records a successful request.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	from := b.state
	b.failures = 0
	b.state = Closed
	b.probing = false
	b.mu.Unlock()

	b.notify(from, Closed)
}

// RecordFailure records a failed request.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	from := b.state
	b.failures++
	b.lastFailure = time.Now()
	b.probing = false
	// A failed half-open probe reopens regardless of the count.
	if b.state == HalfOpen || b.failures >= b.threshold {
		b.state = Open
	}
	to := b.state
	b.mu.Unlock()

	b.notify(from, to)
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the current consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset resets the breaker to closed state.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.state = Closed
	b.failures = 0
	b.probing = false
	b.mu.Unlock()

	b.notify(from, Closed)
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.onChange != nil {
		b.onChange(from, to)
	}
}
