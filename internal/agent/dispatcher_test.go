package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stagehand-dev/stagehand/internal/errors"
	"github.com/stagehand-dev/stagehand/internal/event"
	"github.com/stagehand-dev/stagehand/internal/logging"
)

// collectUntilTerminal subscribes to all agent events and returns them once a
// completed or error event for taskID arrives.
func collectUntilTerminal(t *testing.T, bus *event.Bus, taskID string) func() []event.Event {
	t.Helper()
	done := make(chan struct{})
	var events []event.Event
	_, err := bus.Subscribe("agent.*", func(e event.Event) {
		events = append(events, e)
		switch ev := e.(type) {
		case event.AgentCompletedEvent:
			if ev.TaskID == taskID {
				close(done)
			}
		case event.AgentErrorEvent:
			if ev.TaskID == taskID {
				close(done)
			}
		}
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	return func() []event.Event {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("no terminal agent event arrived")
		}
		bus.Close()
		return events
	}
}

func TestScriptedDispatcher_DefaultApproves(t *testing.T) {
	bus := event.NewBus(logging.NopLogger(), 64)
	d := NewScriptedDispatcher(StrictnessNormal, bus)
	wait := collectUntilTerminal(t, bus, "t1")

	err := d.Dispatch(context.Background(), Request{TaskID: "t1", Type: TypeReviewer})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	events := wait()
	if len(events) != 2 {
		t.Fatalf("got %d events, want launch + completed", len(events))
	}
	if _, ok := events[0].(event.AgentLaunchEvent); !ok {
		t.Errorf("first event = %T, want AgentLaunchEvent", events[0])
	}
	completed, ok := events[1].(event.AgentCompletedEvent)
	if !ok {
		t.Fatalf("second event = %T, want AgentCompletedEvent", events[1])
	}
	if !completed.Approved {
		t.Error("unscripted reviewer run should approve under normal strictness")
	}
}

func TestScriptedDispatcher_CorrectionsNotApproved(t *testing.T) {
	bus := event.NewBus(logging.NopLogger(), 64)
	d := NewScriptedDispatcher(StrictnessNormal, bus)
	d.Script("t1", TypeReviewer, Outcome{Corrections: true, Output: "needs work"})
	wait := collectUntilTerminal(t, bus, "t1")

	if err := d.Dispatch(context.Background(), Request{TaskID: "t1", Type: TypeReviewer}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	events := wait()
	completed := events[len(events)-1].(event.AgentCompletedEvent)
	if completed.Approved {
		t.Error("corrections outcome must not approve")
	}
	if completed.Result != "needs work" {
		t.Errorf("Result = %q, want scripted output", completed.Result)
	}
}

func TestScriptedDispatcher_StrictReviewsNeedExplicitApproval(t *testing.T) {
	bus := event.NewBus(logging.NopLogger(), 64)
	d := NewScriptedDispatcher(StrictnessStrict, bus)
	wait := collectUntilTerminal(t, bus, "t1")

	if err := d.Dispatch(context.Background(), Request{TaskID: "t1", Type: TypeReviewer}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	events := wait()
	completed := events[len(events)-1].(event.AgentCompletedEvent)
	if completed.Approved {
		t.Error("unscripted strict review must request corrections")
	}
}

func TestScriptedDispatcher_FailurePublishesError(t *testing.T) {
	bus := event.NewBus(logging.NopLogger(), 64)
	d := NewScriptedDispatcher(StrictnessNormal, bus)
	d.Script("t1", TypeDeveloper, Outcome{Fail: "runtime unreachable", ProgressSteps: 2})
	wait := collectUntilTerminal(t, bus, "t1")

	if err := d.Dispatch(context.Background(), Request{TaskID: "t1", Type: TypeDeveloper}); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	events := wait()
	// launch, two progress reports, then the error.
	if len(events) != 4 {
		t.Fatalf("got %d events, want 4", len(events))
	}
	errEvent, ok := events[3].(event.AgentErrorEvent)
	if !ok {
		t.Fatalf("last event = %T, want AgentErrorEvent", events[3])
	}
	if errEvent.Err != "runtime unreachable" {
		t.Errorf("Err = %q", errEvent.Err)
	}
}

func TestDispatch_RejectsUnknownType(t *testing.T) {
	bus := event.NewBus(logging.NopLogger(), 64)
	defer bus.Close()

	scripted := NewScriptedDispatcher(StrictnessNormal, bus)
	if err := scripted.Dispatch(context.Background(), Request{TaskID: "t1", Type: "oracle"}); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("scripted Dispatch = %v, want ErrInvalidInput", err)
	}

	execd := NewExecDispatcher("true", nil, StrictnessNormal, bus, nil)
	if err := execd.Dispatch(context.Background(), Request{TaskID: "t1", Type: "oracle"}); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("exec Dispatch = %v, want ErrInvalidInput", err)
	}
}

func TestExecDispatcher_SuccessfulCommand(t *testing.T) {
	bus := event.NewBus(logging.NopLogger(), 64)
	d := NewExecDispatcher("true", nil, StrictnessNormal, bus, nil)
	wait := collectUntilTerminal(t, bus, "t1")

	req := Request{TaskID: "t1", Type: TypeDeveloper, Worktree: t.TempDir()}
	if err := d.Dispatch(context.Background(), req); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	events := wait()
	completed, ok := events[len(events)-1].(event.AgentCompletedEvent)
	if !ok {
		t.Fatalf("last event = %T, want AgentCompletedEvent", events[len(events)-1])
	}
	if !completed.Approved {
		t.Error("exit 0 should complete approved")
	}
}

func TestExecDispatcher_FailingCommand(t *testing.T) {
	bus := event.NewBus(logging.NopLogger(), 64)
	d := NewExecDispatcher("false", nil, StrictnessNormal, bus, nil)
	wait := collectUntilTerminal(t, bus, "t1")

	req := Request{TaskID: "t1", Type: TypeDeveloper, Worktree: t.TempDir()}
	if err := d.Dispatch(context.Background(), req); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	events := wait()
	if _, ok := events[len(events)-1].(event.AgentErrorEvent); !ok {
		t.Errorf("last event = %T, want AgentErrorEvent", events[len(events)-1])
	}
}

func TestTypeAndStrictnessValidation(t *testing.T) {
	for _, typ := range AllTypes() {
		if !typ.IsValid() {
			t.Errorf("%s should be valid", typ)
		}
	}
	if Type("oracle").IsValid() {
		t.Error("unknown type should be invalid")
	}
	if !StrictnessLenient.IsValid() || Strictness("brutal").IsValid() {
		t.Error("strictness validation broken")
	}
}
