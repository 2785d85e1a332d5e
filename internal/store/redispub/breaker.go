package redispub

import (
	"errors"
	"sync"
	"time"
)

// BreakerState is the publish breaker state.
type BreakerState int

const (
	BreakerClosed   BreakerState = 0 // publishing normally
	BreakerOpen     BreakerState = 1 // redis down, publishes skipped
	BreakerHalfOpen BreakerState = 2 // probing with one publish
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrBreakerOpen is returned by Do while the breaker is open.
var ErrBreakerOpen = errors.New("redispub: breaker open")

// Breaker trips after maxFailures consecutive pipeline errors and rejects
// publishes for resetAfter. The first call past that window runs as a
// probe: success closes the breaker, failure re-opens it. The mirror is
// not the durable tier, so skipped publishes are dropped, not buffered.
type Breaker struct {
	mu          sync.Mutex
	state       BreakerState
	failures    int
	maxFailures int
	resetAfter  time.Duration
	lastFailure time.Time

	// OnStateChange is called on transitions (optional).
	OnStateChange func(from, to BreakerState)
}

// NewBreaker creates a breaker that opens after maxFailures consecutive
// errors and probes again after resetAfter.
func NewBreaker(maxFailures int, resetAfter time.Duration) *Breaker {
	return &Breaker{
		maxFailures: maxFailures,
		resetAfter:  resetAfter,
		state:       BreakerClosed,
	}
}

// Do runs fn unless the breaker is open. Returns ErrBreakerOpen without
// calling fn when publishes are being skipped.
func (b *Breaker) Do(fn func() error) error {
	b.mu.Lock()

	switch b.state {
	case BreakerOpen:
		if time.Since(b.lastFailure) > b.resetAfter {
			b.transition(BreakerHalfOpen)
		} else {
			b.mu.Unlock()
			return ErrBreakerOpen
		}
	case BreakerHalfOpen:
		// the mutex admits one probe at a time
	}

	b.mu.Unlock()

	err := fn()

	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.failures++
		b.lastFailure = time.Now()

		if b.state == BreakerHalfOpen {
			b.transition(BreakerOpen)
		} else if b.failures >= b.maxFailures {
			b.transition(BreakerOpen)
		}
		return err
	}

	if b.state == BreakerHalfOpen {
		b.transition(BreakerClosed)
	}
	b.failures = 0
	return nil
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) transition(to BreakerState) {
	from := b.state
	b.state = to
	if to == BreakerClosed {
		b.failures = 0
	}
	if b.OnStateChange != nil {
		b.OnStateChange(from, to)
	}
}
