package billing

import (
	"context"
	"errors"
	"sync"
	"time"
)

// BreakerState is the state of a Breaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// ErrCircuitOpen is returned while a Breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Breaker guards outbound provider calls so a failing upstream is not hammered
// by every webhook delivery. After Threshold consecutive failures it opens
// for ResetTimeout, then lets one probe through.
type Breaker struct {
	mu sync.Mutex

	name         string
	threshold    int
	resetTimeout time.Duration
	state        BreakerState
	failures     int
	openedAt     time.Time
	probing      bool

	onStateChange func(name string, state BreakerState)
}

// NewBreaker creates a closed breaker. threshold <= 0 defaults to 5,
// resetTimeout <= 0 to 30s.
func NewBreaker(name string, threshold int, resetTimeout time.Duration,
	onStateChange func(name string, state BreakerState)) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if resetTimeout <= 0 {
		resetTimeout = 30 * time.Second
	}
	return &Breaker{
		name:          name,
		threshold:     threshold,
		resetTimeout:  resetTimeout,
		state:         BreakerClosed,
		onStateChange: onStateChange,
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState()
}

func (b *Breaker) currentState() BreakerState {
	if b.state == BreakerOpen && time.Since(b.openedAt) >= b.resetTimeout {
		return BreakerHalfOpen
	}
	return b.state
}

// Do runs fn unless the breaker is open. Context cancellation by the caller
// does not count as an upstream failure.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if !b.allow() {
		return ErrCircuitOpen
	}

	err := fn(ctx)
	switch {
	case err == nil:
		b.success()
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		b.release()
	default:
		b.failure()
	}
	return err
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.currentState() {
	case BreakerClosed:
		return true
	case BreakerHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		b.setState(BreakerHalfOpen)
		return true
	default:
		return false
	}
}

func (b *Breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probing = false
	b.setState(BreakerClosed)
}

func (b *Breaker) release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
}

func (b *Breaker) failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.state == BreakerHalfOpen || b.failures >= b.threshold {
		b.openedAt = time.Now()
		b.probing = false
		b.setState(BreakerOpen)
	}
}

func (b *Breaker) setState(s BreakerState) {
	if b.state == s {
		return
	}
	b.state = s
	if b.onStateChange != nil {
		b.onStateChange(b.name, s)
	}
}
