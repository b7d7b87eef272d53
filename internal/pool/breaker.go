package pool

import (
	"context"
	"sync"
	"time"

	"github.com/stagehand-dev/stagehand/internal/errors"
	"github.com/stagehand-dev/stagehand/internal/event"
	"github.com/stagehand-dev/stagehand/internal/logging"
)

// BreakerState is the circuit breaker's position.
type BreakerState int

const (
	// StateClosed passes calls through and counts consecutive failures.
	StateClosed BreakerState = iota
	// StateOpen rejects calls until the reset timeout elapses.
	StateOpen
	// StateHalfOpen lets one trial call through at a time; successes close
	// the breaker, any failure reopens it.
	StateHalfOpen
)

// String returns a human-readable breaker state.
func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker is a circuit breaker guarding calls to a failure-prone dependency.
// Consecutive failures trip it open; after a cooling-off period it admits
// trial calls one at a time before trusting the dependency again.
type Breaker struct {
	name             string
	failureThreshold int
	successThreshold int
	resetTimeout     time.Duration

	mu            sync.Mutex
	state         BreakerState
	failures      int
	successes     int
	trialInFlight bool
	openedAt      time.Time

	bus    *event.Bus
	logger *logging.Logger
	now    func() time.Time
}

// NewBreaker creates a closed breaker. failureThreshold consecutive failures
// open it; successThreshold consecutive half-open successes close it again.
// bus may be nil when no state-change events are wanted.
func NewBreaker(name string, failureThreshold, successThreshold int, resetTimeout time.Duration, bus *event.Bus, logger *logging.Logger) *Breaker {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Breaker{
		name:             name,
		failureThreshold: failureThreshold,
		successThreshold: successThreshold,
		resetTimeout:     resetTimeout,
		state:            StateClosed,
		bus:              bus,
		logger:           logger,
		now:              time.Now,
	}
}

// State returns the breaker's current state, accounting for an elapsed reset
// timeout.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeHalfOpenLocked()
	return b.state
}

// Allow reports whether a call may proceed right now. An open breaker
// returns an error wrapping ErrCircuitOpen, as does a half-open breaker
// whose single trial call has not resolved yet. A nil return in half-open
// reserves the trial; the caller must report the outcome through
// RecordSuccess or RecordFailure.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeHalfOpenLocked()
	switch b.state {
	case StateOpen:
		return errors.Wrapf(errors.ErrCircuitOpen, "%s rejecting calls for %s more",
			b.name, b.remainingLocked())
	case StateHalfOpen:
		if b.trialInFlight {
			return errors.Wrapf(errors.ErrCircuitOpen, "%s trial call in flight", b.name)
		}
		b.trialInFlight = true
	}
	return nil
}

// RecordSuccess feeds a successful call outcome into the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.trialInFlight = false
		b.successes++
		if b.successes >= b.successThreshold {
			b.transitionLocked(StateClosed)
		}
	}
}

// RecordFailure feeds a failed call outcome into the breaker.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.failureThreshold {
			b.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		// The dependency is still sick; go back to cooling off.
		b.trialInFlight = false
		b.transitionLocked(StateOpen)
	}
}

// Execute runs fn under the breaker: rejected immediately when open,
// otherwise run and its outcome recorded.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}

	err := fn(ctx)
	if err != nil {
		b.RecordFailure()
		return err
	}
	b.RecordSuccess()
	return nil
}

// maybeHalfOpenLocked moves an open breaker to half-open once the reset
// timeout has elapsed. Caller holds b.mu.
func (b *Breaker) maybeHalfOpenLocked() {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.resetTimeout {
		b.transitionLocked(StateHalfOpen)
	}
}

// remainingLocked returns how long until an open breaker admits trial calls.
func (b *Breaker) remainingLocked() time.Duration {
	remaining := b.resetTimeout - b.now().Sub(b.openedAt)
	if remaining < 0 {
		remaining = 0
	}
	return remaining.Round(time.Millisecond)
}

// transitionLocked changes state, resets counters, and announces the change.
// Caller holds b.mu.
func (b *Breaker) transitionLocked(to BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.failures = 0
	b.successes = 0
	b.trialInFlight = false
	if to == StateOpen {
		b.openedAt = b.now()
	}

	b.logger.Warn("circuit breaker state changed",
		"breaker", b.name,
		"from", from.String(),
		"to", to.String(),
	)
	if b.bus != nil {
		b.bus.Publish(event.NewBreakerStateChangedEvent(b.name, from.String(), to.String()))
	}
}
