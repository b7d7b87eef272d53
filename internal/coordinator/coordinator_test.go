package coordinator

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stagehand-dev/stagehand/internal/agent"
	"github.com/stagehand-dev/stagehand/internal/errors"
	"github.com/stagehand-dev/stagehand/internal/event"
	"github.com/stagehand-dev/stagehand/internal/lockfile"
	"github.com/stagehand-dev/stagehand/internal/logging"
	"github.com/stagehand-dev/stagehand/internal/pool"
	"github.com/stagehand-dev/stagehand/internal/statestore"
)

type fixture struct {
	store      *statestore.Store
	bus        *event.Bus
	dispatcher *agent.ScriptedDispatcher
	coord      *Coordinator
}

func newFixture(t *testing.T, opts Options, strictness agent.Strictness) *fixture {
	t.Helper()
	dir := t.TempDir()
	locks := lockfile.NewManager(dir, time.Minute, 5*time.Millisecond, logging.NopLogger())
	bus := event.NewBus(logging.NopLogger(), 512)
	t.Cleanup(bus.Close)

	store, err := statestore.NewStore(dir, 5, time.Second, locks, bus, logging.NopLogger())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	max := opts.MaxConcurrent
	if max < 1 {
		max = 1
	}
	p, err := pool.NewPool(0, max, 0, nil)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	t.Cleanup(p.Close)

	breaker := pool.NewBreaker("agent-dispatch", 5, 2, time.Minute, bus, nil)
	dispatcher := agent.NewScriptedDispatcher(strictness, bus)

	return &fixture{
		store:      store,
		bus:        bus,
		dispatcher: dispatcher,
		coord:      New(store, bus, dispatcher, p, breaker, opts, logging.NopLogger()),
	}
}

func baseOptions() Options {
	return Options{
		SessionName:           "test session",
		MaxConcurrent:         2,
		MaxCorrectionAttempts: 3,
		HeartbeatInterval:     10 * time.Millisecond,
		AcquireTimeout:        time.Second,
	}
}

// replayTyped collects events of one topic pattern after the bus is closed.
func replayTyped(t *testing.T, bus *event.Bus, pattern string) []event.Event {
	t.Helper()
	bus.Close()
	var events []event.Event
	if _, err := bus.Replay(pattern, func(e event.Event) {
		events = append(events, e)
	}); err != nil {
		t.Fatalf("Replay(%s): %v", pattern, err)
	}
	return events
}

func TestRun_SingleTaskFullPipeline(t *testing.T) {
	fx := newFixture(t, baseOptions(), agent.StrictnessNormal)
	fx.dispatcher.Script("t1", agent.TypeFinalizer, agent.Outcome{Output: "pr-42\nmerged clean"})

	report, err := fx.coord.Run(context.Background(), []TaskSpec{{ID: "t1", Title: "add parser"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Completed != 1 || report.Failed != 0 {
		t.Fatalf("report = %+v, want 1 completed", report)
	}
	if !report.Success() {
		t.Error("report should be a success")
	}

	task, err := fx.store.GetTask(context.Background(), "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != statestore.StatusCompleted {
		t.Errorf("Status = %s, want completed", task.Status)
	}
	if task.Branch != "stagehand/t1" {
		t.Errorf("Branch = %q, want prefixed branch", task.Branch)
	}
	if task.Progress != 100 {
		t.Errorf("Progress = %d, want 100", task.Progress)
	}
	if task.CurrentStageAgent != "" {
		t.Errorf("CurrentStageAgent = %q, want empty after completion", task.CurrentStageAgent)
	}
	if task.PRReference != "pr-42" {
		t.Errorf("PRReference = %q, want first finalizer output line", task.PRReference)
	}

	session, err := fx.store.GetSession(context.Background(), report.SessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if session.Status != statestore.SessionCompleted {
		t.Errorf("session status = %s, want completed", session.Status)
	}

	var stages []string
	for _, e := range replayTyped(t, fx.bus, event.TopicTaskTransitioned) {
		stages = append(stages, e.(event.TaskTransitionedEvent).To)
	}
	want := []string{"developing", "reviewing", "finalizing", "completed"}
	if len(stages) != len(want) {
		t.Fatalf("transitions = %v, want %v", stages, want)
	}
	for i := range want {
		if stages[i] != want[i] {
			t.Fatalf("transitions = %v, want %v", stages, want)
		}
	}
}

func TestRun_CorrectionLoop(t *testing.T) {
	fx := newFixture(t, baseOptions(), agent.StrictnessNormal)
	fx.dispatcher.Script("t1", agent.TypeReviewer, agent.Outcome{Corrections: true, Output: "rename the flag"})

	report, err := fx.coord.Run(context.Background(), []TaskSpec{{ID: "t1", Title: "add parser"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Completed != 1 {
		t.Fatalf("report = %+v, want completed after one correction round", report)
	}

	task, err := fx.store.GetTask(context.Background(), "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.CorrectionAttempts != 1 {
		t.Errorf("CorrectionAttempts = %d, want 1", task.CorrectionAttempts)
	}

	launches := replayTyped(t, fx.bus, event.TopicAgentLaunch)
	var types []string
	for _, e := range launches {
		types = append(types, e.(event.AgentLaunchEvent).AgentType)
	}
	want := []string{"developer", "reviewer", "corrector", "reviewer", "finalizer"}
	if len(types) != len(want) {
		t.Fatalf("launch order = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("launch order = %v, want %v", types, want)
		}
	}
}

func TestRun_MaxCorrectionAttemptsFails(t *testing.T) {
	opts := baseOptions()
	opts.MaxCorrectionAttempts = 2
	// Strict reviews never approve unless scripted, so the correction loop
	// runs until the bound trips.
	fx := newFixture(t, opts, agent.StrictnessStrict)

	report, err := fx.coord.Run(context.Background(), []TaskSpec{{ID: "t1", Title: "add parser"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Failed != 1 {
		t.Fatalf("report = %+v, want 1 failed", report)
	}

	task, err := fx.store.GetTask(context.Background(), "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != statestore.StatusFailed {
		t.Errorf("Status = %s, want failed", task.Status)
	}
	if task.FailureReason != ReasonMaxAttempts {
		t.Errorf("FailureReason = %q, want %q", task.FailureReason, ReasonMaxAttempts)
	}
	if task.CorrectionAttempts != 2 {
		t.Errorf("CorrectionAttempts = %d, want 2", task.CorrectionAttempts)
	}
}

func TestRun_AgentErrorDoesNotAbortSiblings(t *testing.T) {
	fx := newFixture(t, baseOptions(), agent.StrictnessNormal)
	fx.dispatcher.Script("t1", agent.TypeDeveloper, agent.Outcome{Fail: "runtime unreachable"})

	report, err := fx.coord.Run(context.Background(), []TaskSpec{
		{ID: "t1", Title: "broken"},
		{ID: "t2", Title: "fine"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Failed != 1 || report.Completed != 1 {
		t.Fatalf("report = %+v, want 1 failed + 1 completed", report)
	}
	if report.Success() {
		t.Error("a failed task must fail the report")
	}

	session, err := fx.store.GetSession(context.Background(), report.SessionID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if session.Status != statestore.SessionFailed {
		t.Errorf("session status = %s, want failed", session.Status)
	}

	// The failure cause is classified on the record, not just a string.
	task, err := fx.store.GetTask(context.Background(), "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.LastError == nil {
		t.Fatal("failed task should carry a classified error")
	}
	if task.LastError.Severity != "high" {
		t.Errorf("LastError.Severity = %q, want high", task.LastError.Severity)
	}
	if task.LastError.Category != "external-agent" {
		t.Errorf("LastError.Category = %q, want external-agent", task.LastError.Category)
	}
	if !strings.Contains(task.LastError.Message, "runtime unreachable") {
		t.Errorf("LastError.Message = %q, want the agent failure text", task.LastError.Message)
	}
}

func TestRun_RejectsUnknownDependency(t *testing.T) {
	fx := newFixture(t, baseOptions(), agent.StrictnessNormal)

	done := make(chan error, 1)
	go func() {
		_, err := fx.coord.Run(context.Background(), []TaskSpec{
			{ID: "t1", Title: "orphan", DependsOn: []string{"missing"}},
		})
		done <- err
	}()

	select {
	case err := <-done:
		var verr *errors.ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("Run = %v, want a validation error", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run should reject an unknown dependency immediately")
	}
}

func TestRun_RejectsDependencyCycle(t *testing.T) {
	fx := newFixture(t, baseOptions(), agent.StrictnessNormal)

	done := make(chan error, 1)
	go func() {
		_, err := fx.coord.Run(context.Background(), []TaskSpec{
			{ID: "a", Title: "first", DependsOn: []string{"b"}},
			{ID: "b", Title: "second", DependsOn: []string{"a"}},
		})
		done <- err
	}()

	select {
	case err := <-done:
		var verr *errors.ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("Run = %v, want a validation error", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run should reject a dependency cycle immediately")
	}
}

func TestRun_DependencyOrdering(t *testing.T) {
	opts := baseOptions()
	opts.MaxConcurrent = 2
	fx := newFixture(t, opts, agent.StrictnessNormal)

	report, err := fx.coord.Run(context.Background(), []TaskSpec{
		{ID: "t2", Title: "uses parser", DependsOn: []string{"t1"}},
		{ID: "t1", Title: "add parser"},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Completed != 2 {
		t.Fatalf("report = %+v, want both completed", report)
	}

	admitted := replayTyped(t, fx.bus, event.TopicTaskAdmitted)
	if len(admitted) != 2 {
		t.Fatalf("got %d admissions, want 2", len(admitted))
	}
	if admitted[0].(event.TaskAdmittedEvent).TaskID != "t1" {
		t.Error("dependency must be admitted first")
	}
	if admitted[1].(event.TaskAdmittedEvent).TaskID != "t2" {
		t.Error("dependent task must be admitted second")
	}
}

func TestRun_FailedDependencyBlocksDependent(t *testing.T) {
	fx := newFixture(t, baseOptions(), agent.StrictnessNormal)
	fx.dispatcher.Script("t1", agent.TypeDeveloper, agent.Outcome{Fail: "boom"})

	report, err := fx.coord.Run(context.Background(), []TaskSpec{
		{ID: "t1", Title: "base"},
		{ID: "t2", Title: "dependent", DependsOn: []string{"t1"}},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Failed != 2 {
		t.Fatalf("report = %+v, want both failed", report)
	}

	task, err := fx.store.GetTask(context.Background(), "t2")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.FailureReason != "dependency failed" {
		t.Errorf("FailureReason = %q, want dependency failed", task.FailureReason)
	}
}

func TestRun_PriorityOrdering(t *testing.T) {
	opts := baseOptions()
	opts.MaxConcurrent = 1
	fx := newFixture(t, opts, agent.StrictnessNormal)

	report, err := fx.coord.Run(context.Background(), []TaskSpec{
		{ID: "t-low", Title: "low", Priority: 1},
		{ID: "t-high", Title: "high", Priority: 5},
		{ID: "t-simple", Title: "simple", Priority: 1, Complexity: -1},
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Completed != 3 {
		t.Fatalf("report = %+v, want all completed", report)
	}

	admitted := replayTyped(t, fx.bus, event.TopicTaskAdmitted)
	var order []string
	for _, e := range admitted {
		order = append(order, e.(event.TaskAdmittedEvent).TaskID)
	}
	want := []string{"t-high", "t-simple", "t-low"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("admission order = %v, want %v", order, want)
		}
	}
}

func TestRun_CancelledMidStageIgnoresCompletion(t *testing.T) {
	fx := newFixture(t, baseOptions(), agent.StrictnessNormal)
	fx.dispatcher.Script("t1", agent.TypeDeveloper, agent.Outcome{Delay: 300 * time.Millisecond})

	go func() {
		time.Sleep(50 * time.Millisecond)
		fx.coord.Cancel("t1")
	}()

	report, err := fx.coord.Run(context.Background(), []TaskSpec{{ID: "t1", Title: "doomed"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Failed != 1 {
		t.Fatalf("report = %+v, want 1 failed", report)
	}

	task, err := fx.store.GetTask(context.Background(), "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.FailureReason != ReasonCancelled {
		t.Errorf("FailureReason = %q, want cancelled", task.FailureReason)
	}

	// The developer's late completion must not have advanced the pipeline.
	launches := replayTyped(t, fx.bus, event.TopicAgentLaunch)
	if len(launches) != 1 {
		t.Errorf("got %d agent launches, want only the developer", len(launches))
	}
}

func TestRun_UnhealthyStageFailsAfterGrace(t *testing.T) {
	opts := baseOptions()
	opts.StageTimeout = 40 * time.Millisecond
	opts.HeartbeatInterval = 10 * time.Millisecond
	opts.HeartbeatGrace = 30 * time.Millisecond
	fx := newFixture(t, opts, agent.StrictnessNormal)
	fx.dispatcher.Script("t1", agent.TypeDeveloper, agent.Outcome{Delay: time.Hour})

	start := time.Now()
	report, err := fx.coord.Run(context.Background(), []TaskSpec{{ID: "t1", Title: "silent"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("health monitor took too long to fail the stage")
	}
	if report.Failed != 1 {
		t.Fatalf("report = %+v, want 1 failed", report)
	}

	task, err := fx.store.GetTask(context.Background(), "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if !strings.Contains(task.FailureReason, "no progress") {
		t.Errorf("FailureReason = %q, want a stage-health reason", task.FailureReason)
	}
}

func TestRun_ContextCancellationFailsOutstanding(t *testing.T) {
	fx := newFixture(t, baseOptions(), agent.StrictnessNormal)
	fx.dispatcher.Script("t1", agent.TypeDeveloper, agent.Outcome{Delay: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	report, err := fx.coord.Run(ctx, []TaskSpec{
		{ID: "t1", Title: "in flight"},
		{ID: "t2", Title: "waiting", DependsOn: []string{"t1"}},
	})
	if err == nil {
		t.Fatal("cancelled run must return an error")
	}
	if report == nil || report.Failed != 2 {
		t.Fatalf("report = %+v, want both tasks failed", report)
	}
}

func TestRun_RejectsEmptyTaskList(t *testing.T) {
	fx := newFixture(t, baseOptions(), agent.StrictnessNormal)
	if _, err := fx.coord.Run(context.Background(), nil); err == nil {
		t.Error("empty task list should be rejected")
	}
}
