package pool

import (
	"context"
	"testing"
	"time"

	"github.com/stagehand-dev/stagehand/internal/errors"
	"github.com/stagehand-dev/stagehand/internal/event"
	"github.com/stagehand-dev/stagehand/internal/logging"
)

// newTestBreaker returns a breaker with a controllable clock.
func newTestBreaker(failures, successes int, reset time.Duration) (*Breaker, *time.Time) {
	now := time.Now()
	b := NewBreaker("agent-dispatch", failures, successes, reset, nil, nil)
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(3, 1, time.Minute)

	b.RecordFailure()
	b.RecordFailure()
	if b.State() != StateClosed {
		t.Fatal("breaker should stay closed below the threshold")
	}

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatal("third consecutive failure should open the breaker")
	}

	if err := b.Allow(); !errors.Is(err, errors.ErrCircuitOpen) {
		t.Errorf("Allow while open = %v, want ErrCircuitOpen", err)
	}
}

func TestBreaker_SuccessResetsFailureStreak(t *testing.T) {
	b, _ := newTestBreaker(3, 1, time.Minute)

	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess() // streak broken
	b.RecordFailure()
	b.RecordFailure()

	if b.State() != StateClosed {
		t.Error("non-consecutive failures must not open the breaker")
	}
}

func TestBreaker_HalfOpenAfterResetTimeout(t *testing.T) {
	b, now := newTestBreaker(1, 2, time.Minute)

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatal("breaker should be open")
	}

	*now = now.Add(2 * time.Minute)
	if b.State() != StateHalfOpen {
		t.Fatal("elapsed reset timeout should move the breaker to half-open")
	}

	// One success is not enough with a threshold of two.
	b.RecordSuccess()
	if b.State() != StateHalfOpen {
		t.Fatal("breaker should need two successes to close")
	}
	b.RecordSuccess()
	if b.State() != StateClosed {
		t.Fatal("breaker should close after the success threshold")
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b, now := newTestBreaker(1, 2, time.Minute)

	b.RecordFailure()
	*now = now.Add(2 * time.Minute)
	if b.State() != StateHalfOpen {
		t.Fatal("expected half-open")
	}

	b.RecordFailure()
	if b.State() != StateOpen {
		t.Fatal("a half-open failure should reopen the breaker")
	}
	if err := b.Allow(); err == nil {
		t.Error("reopened breaker should reject calls again")
	}
}

func TestBreaker_HalfOpenAdmitsOneTrialAtATime(t *testing.T) {
	b, now := newTestBreaker(1, 2, time.Minute)

	b.RecordFailure()
	*now = now.Add(2 * time.Minute)

	if err := b.Allow(); err != nil {
		t.Fatalf("first half-open Allow = %v, want nil", err)
	}
	// The trial has not resolved; a second caller must wait its turn.
	if err := b.Allow(); !errors.Is(err, errors.ErrCircuitOpen) {
		t.Fatalf("second half-open Allow = %v, want ErrCircuitOpen", err)
	}
	if b.State() != StateHalfOpen {
		t.Fatal("rejecting a concurrent trial must not change state")
	}

	b.RecordSuccess()
	if err := b.Allow(); err != nil {
		t.Errorf("Allow after the trial resolved = %v, want nil", err)
	}
}

func TestBreaker_ExecuteRecordsOutcomes(t *testing.T) {
	b, _ := newTestBreaker(2, 1, time.Minute)
	ctx := context.Background()

	boom := errors.NewAgentError("crashed", errors.ErrStageUnhealthy)
	for i := 0; i < 2; i++ {
		if err := b.Execute(ctx, func(ctx context.Context) error { return boom }); err == nil {
			t.Fatal("Execute should surface the call error")
		}
	}

	// Breaker is open now; the function must not run.
	ran := false
	err := b.Execute(ctx, func(ctx context.Context) error {
		ran = true
		return nil
	})
	if !errors.Is(err, errors.ErrCircuitOpen) {
		t.Errorf("Execute while open = %v, want ErrCircuitOpen", err)
	}
	if ran {
		t.Error("open breaker must short-circuit the call")
	}
}

func TestBreaker_PublishesStateChanges(t *testing.T) {
	bus := event.NewBus(logging.NopLogger(), 16)

	b := NewBreaker("agent-dispatch", 1, 1, time.Minute, bus, nil)
	b.RecordFailure()
	bus.Close()

	var changes []event.BreakerStateChangedEvent
	if _, err := bus.Replay(event.TopicBreakerStateChanged, func(e event.Event) {
		changes = append(changes, e.(event.BreakerStateChangedEvent))
	}); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if len(changes) != 1 {
		t.Fatalf("expected 1 state change event, got %d", len(changes))
	}
	if changes[0].From != "closed" || changes[0].To != "open" {
		t.Errorf("change = %s -> %s, want closed -> open", changes[0].From, changes[0].To)
	}
}
