// Package coordinator drives tasks through the pipeline lifecycle. It is
// event-driven: a single loop consumes agent events from the bus, applies
// lifecycle transitions through the state store, and dispatches the next
// stage. Admission is bounded by the resource pool and every dispatch is
// guarded by the circuit breaker.
package coordinator

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/stagehand-dev/stagehand/internal/agent"
	"github.com/stagehand-dev/stagehand/internal/errors"
	"github.com/stagehand-dev/stagehand/internal/event"
	"github.com/stagehand-dev/stagehand/internal/logging"
	"github.com/stagehand-dev/stagehand/internal/pool"
	"github.com/stagehand-dev/stagehand/internal/retry"
	"github.com/stagehand-dev/stagehand/internal/statestore"
)

// ReasonCancelled marks tasks failed by cancellation.
const ReasonCancelled = "cancelled"

// ReasonMaxAttempts marks tasks that exhausted the correction loop.
const ReasonMaxAttempts = "max_attempts_reached"

// Options configure a coordinator run.
type Options struct {
	SessionName           string
	MaxConcurrent         int
	MaxCorrectionAttempts int

	// StageTimeout without an agent signal marks a stage unhealthy; zero
	// disables health monitoring.
	StageTimeout time.Duration
	// HeartbeatInterval paces the health checks.
	HeartbeatInterval time.Duration
	// HeartbeatGrace is how long an unhealthy stage may stay silent before
	// it is treated as failed.
	HeartbeatGrace time.Duration

	BranchPrefix   string
	WorktreeRoot   string
	AcquireTimeout time.Duration
	RetryPolicy    retry.Policy
}

func (o Options) withDefaults() Options {
	if o.MaxConcurrent < 1 {
		o.MaxConcurrent = 1
	}
	if o.MaxCorrectionAttempts < 1 {
		o.MaxCorrectionAttempts = 1
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = time.Second
	}
	if o.BranchPrefix == "" {
		o.BranchPrefix = "stagehand"
	}
	if o.AcquireTimeout <= 0 {
		o.AcquireTimeout = 30 * time.Second
	}
	if o.RetryPolicy.MaxAttempts == 0 {
		o.RetryPolicy = retry.DefaultPolicy
	}
	return o
}

// activeTask is a task currently holding a pool slot and running a stage.
type activeTask struct {
	spec       TaskSpec
	slot       *pool.Slot
	stage      statestore.TaskStatus
	lastSignal time.Time
	unhealthy  bool
}

// Report summarizes a coordinator run.
type Report struct {
	SessionID string
	Completed int
	Failed    int
	Preserved int
	Tasks     map[string]statestore.TaskStatus

	// CheckpointID is set when a critical error halted the run; resume
	// starts from it.
	CheckpointID string
}

// Success reports whether every task completed (or was preserved, which is
// terminal but not a failure).
func (r *Report) Success() bool {
	return r.CheckpointID == "" && r.Failed == 0
}

// Coordinator owns one session's pipeline run.
type Coordinator struct {
	store      *statestore.Store
	bus        *event.Bus
	dispatcher agent.Dispatcher
	pool       *pool.Pool
	breaker    *pool.Breaker
	opts       Options
	logger     *logging.Logger

	sessionID string
	queue     *admissionQueue
	active    map[string]*activeTask
	events    chan event.Event
	cancels   chan string
}

// New creates a coordinator. The pool's capacity should match
// opts.MaxConcurrent; the breaker guards every agent dispatch.
func New(store *statestore.Store, bus *event.Bus, dispatcher agent.Dispatcher, p *pool.Pool, breaker *pool.Breaker, opts Options, logger *logging.Logger) *Coordinator {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Coordinator{
		store:      store,
		bus:        bus,
		dispatcher: dispatcher,
		pool:       p,
		breaker:    breaker,
		opts:       opts.withDefaults(),
		logger:     logger,
		active:     make(map[string]*activeTask),
		events:     make(chan event.Event, 1024),
		cancels:    make(chan string, 16),
	}
}

// Cancel requests cancellation of a single task. A waiting task is failed
// immediately; an in-flight stage finishes and its completion event is then
// ignored.
func (c *Coordinator) Cancel(taskID string) {
	select {
	case c.cancels <- taskID:
	default:
	}
}

// Run executes the given tasks to their terminal states and returns the
// session report. The error is non-nil on cancellation or a critical halt;
// per-task failures are reported, not returned.
func (c *Coordinator) Run(ctx context.Context, specs []TaskSpec) (*Report, error) {
	if len(specs) == 0 {
		return nil, errors.NewValidationError("no tasks to run")
	}
	if err := validateSpecs(specs); err != nil {
		return nil, err
	}

	if err := c.createSession(ctx, specs); err != nil {
		return nil, err
	}
	c.queue = newAdmissionQueue(specs)

	subID, err := c.bus.Subscribe("agent.*", func(e event.Event) {
		c.events <- e
	})
	if err != nil {
		return nil, err
	}
	defer c.bus.Unsubscribe(subID)

	log := c.logger.WithSession(c.sessionID)
	log.Info("session started", "tasks", len(specs), "max_concurrent", c.opts.MaxConcurrent)

	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		if err := c.admit(ctx); err != nil {
			return c.halt(ctx, err)
		}
		if c.queue.pending() == 0 && len(c.active) == 0 {
			break
		}

		select {
		case e := <-c.events:
			if err := c.handleEvent(ctx, e); err != nil {
				return c.halt(ctx, err)
			}
		case taskID := <-c.cancels:
			if err := c.cancelTask(ctx, taskID); err != nil {
				return c.halt(ctx, err)
			}
		case <-ticker.C:
			if err := c.checkHealth(ctx); err != nil {
				return c.halt(ctx, err)
			}
		case <-ctx.Done():
			return c.abort(ctx.Err())
		}
	}

	report, err := c.report(context.Background())
	if err != nil {
		return nil, err
	}
	log.Info("session finished",
		"completed", report.Completed,
		"failed", report.Failed,
		"preserved", report.Preserved,
	)
	return report, nil
}

// createSession persists the session and one pending record per task.
func (c *Coordinator) createSession(ctx context.Context, specs []TaskSpec) error {
	c.sessionID = uuid.NewString()
	session := &statestore.Session{
		ID:         c.sessionID,
		Name:       c.opts.SessionName,
		Status:     statestore.SessionActive,
		TotalTasks: len(specs),
	}
	if err := c.store.CreateSession(ctx, session); err != nil {
		return err
	}

	for _, spec := range specs {
		task := &statestore.TaskState{
			TaskID:     spec.ID,
			SessionID:  c.sessionID,
			Title:      spec.Title,
			Branch:     c.opts.BranchPrefix + "/" + spec.ID,
			Status:     statestore.StatusPending,
			Priority:   spec.Priority,
			Complexity: spec.Complexity,
			DependsOn:  spec.DependsOn,
		}
		if c.opts.WorktreeRoot != "" {
			task.Worktree = filepath.Join(c.opts.WorktreeRoot, spec.ID)
		}
		if err := c.store.CreateTask(ctx, task); err != nil {
			return err
		}
		if err := c.store.AttachTask(ctx, c.sessionID, spec.ID); err != nil {
			return err
		}
	}
	return nil
}

// admit fails dependency-blocked tasks and starts ready ones while slots and
// the concurrency bound allow.
func (c *Coordinator) admit(ctx context.Context) error {
	for _, spec := range c.queue.blocked() {
		if err := c.failTask(ctx, spec.ID, "dependency failed", nil); err != nil {
			return err
		}
	}

	for len(c.active) < c.opts.MaxConcurrent {
		spec, ok := c.queue.next()
		if !ok {
			return nil
		}

		slot, err := c.pool.Acquire(ctx, c.opts.AcquireTimeout)
		if err != nil {
			c.queue.requeue(spec)
			if errors.Is(err, errors.ErrPoolExhausted) {
				return nil
			}
			return err
		}

		task, err := c.transition(ctx, spec.ID, statestore.StatusDeveloping, "admitted", nil)
		if err != nil {
			slot.Release()
			if errors.IsCritical(err) {
				return err
			}
			c.queue.requeue(spec)
			return nil
		}

		c.active[spec.ID] = &activeTask{
			spec:       spec,
			slot:       slot,
			stage:      statestore.StatusDeveloping,
			lastSignal: time.Now(),
		}
		c.bus.Publish(event.NewTaskAdmittedEvent(spec.ID, c.sessionID, task.Branch))

		if err := c.dispatch(ctx, task, agent.TypeDeveloper, nil); err != nil {
			if failErr := c.failTask(ctx, spec.ID, "dispatch failed: "+err.Error(), err); failErr != nil {
				return failErr
			}
		}
	}
	return nil
}

// dispatch launches the agent for a stage through the circuit breaker.
func (c *Coordinator) dispatch(ctx context.Context, task *statestore.TaskState, agentType agent.Type, extra map[string]string) error {
	reqCtx := map[string]string{"title": task.Title}
	for k, v := range extra {
		reqCtx[k] = v
	}

	req := agent.Request{
		TaskID:    task.TaskID,
		SessionID: task.SessionID,
		Type:      agentType,
		Branch:    task.Branch,
		Worktree:  task.Worktree,
		Context:   reqCtx,
	}
	return c.breaker.Execute(ctx, func(ctx context.Context) error {
		return c.dispatcher.Dispatch(ctx, req)
	})
}

// handleEvent applies one agent event. Events for unknown or already
// terminal tasks release their slot and are otherwise ignored.
func (c *Coordinator) handleEvent(ctx context.Context, e event.Event) error {
	switch ev := e.(type) {
	case event.AgentProgressEvent:
		if at, ok := c.active[ev.TaskID]; ok {
			at.lastSignal = time.Now()
			at.unhealthy = false
		}
		return nil
	case event.AgentCompletedEvent:
		return c.handleCompleted(ctx, ev)
	case event.AgentErrorEvent:
		return c.handleError(ctx, ev)
	}
	return nil
}

func (c *Coordinator) handleCompleted(ctx context.Context, ev event.AgentCompletedEvent) error {
	at, ok := c.active[ev.TaskID]
	if !ok {
		return nil
	}
	expected, _ := stageAgent(at.stage)
	if expected.String() != ev.AgentType {
		// Stale event from a previous stage; the health monitor covers the
		// current one.
		return nil
	}

	task, err := c.store.GetTask(ctx, ev.TaskID)
	if err != nil {
		if errors.IsCritical(err) {
			return err
		}
		return c.failTask(ctx, ev.TaskID, "state read failed: "+err.Error(), err)
	}
	if task.Status.Terminal() {
		// Cancelled while the stage was in flight; the outcome no longer
		// applies.
		c.releaseTask(ev.TaskID)
		return nil
	}

	at.lastSignal = time.Now()
	at.unhealthy = false

	switch agent.Type(ev.AgentType) {
	case agent.TypeDeveloper, agent.TypeCorrector:
		return c.advance(ctx, at, statestore.StatusReviewing, ev.AgentType+" completed", agent.TypeReviewer, nil)

	case agent.TypeReviewer:
		if ev.Approved {
			return c.advance(ctx, at, statestore.StatusFinalizing, "review approved", agent.TypeFinalizer, nil)
		}
		if task.CorrectionAttempts >= c.opts.MaxCorrectionAttempts {
			return c.failTask(ctx, ev.TaskID, ReasonMaxAttempts, errors.ErrMaxAttemptsReached)
		}
		return c.advance(ctx, at, statestore.StatusCorrecting, "corrections requested", agent.TypeCorrector,
			map[string]string{"review_notes": ev.Result})

	case agent.TypeFinalizer:
		return c.completeTask(ctx, at, ev.Result)
	}
	return nil
}

func (c *Coordinator) handleError(ctx context.Context, ev event.AgentErrorEvent) error {
	at, ok := c.active[ev.TaskID]
	if !ok {
		return nil
	}
	expected, _ := stageAgent(at.stage)
	if expected.String() != ev.AgentType {
		return nil
	}

	task, err := c.store.GetTask(ctx, ev.TaskID)
	if err == nil && task.Status.Terminal() {
		c.releaseTask(ev.TaskID)
		return nil
	}
	agentErr := errors.NewAgentError(ev.Err, nil).
		WithTaskID(ev.TaskID).
		WithAgentType(ev.AgentType)
	return c.failTask(ctx, ev.TaskID, "agent error: "+ev.Err, agentErr)
}

// advance moves an active task into its next stage and dispatches its agent.
func (c *Coordinator) advance(ctx context.Context, at *activeTask, to statestore.TaskStatus, reason string, agentType agent.Type, extra map[string]string) error {
	task, err := c.transition(ctx, at.spec.ID, to, reason, func(s *statestore.TaskState) {
		if to == statestore.StatusCorrecting {
			s.CorrectionAttempts++
		}
	})
	if err != nil {
		if errors.IsCritical(err) {
			return err
		}
		return c.failTask(ctx, at.spec.ID, "transition failed: "+err.Error(), err)
	}

	at.stage = to
	at.lastSignal = time.Now()

	if err := c.dispatch(ctx, task, agentType, extra); err != nil {
		return c.failTask(ctx, at.spec.ID, "dispatch failed: "+err.Error(), err)
	}
	return nil
}

// completeTask finishes a finalized task and announces it for cleanup. The
// finalizer's first output line is recorded as the merge reference.
func (c *Coordinator) completeTask(ctx context.Context, at *activeTask, result string) error {
	task, err := c.transition(ctx, at.spec.ID, statestore.StatusCompleted, "finalizer completed", func(s *statestore.TaskState) {
		s.PRReference = firstLine(result)
	})
	if err != nil {
		if errors.IsCritical(err) {
			return err
		}
		return c.failTask(ctx, at.spec.ID, "transition failed: "+err.Error(), err)
	}

	c.releaseTask(at.spec.ID)
	c.queue.markCompleted(at.spec.ID)
	c.bus.Publish(event.NewTaskFinalizedEvent(task.TaskID, task.SessionID, task.Branch, task.Worktree))
	return c.refreshSession(ctx)
}

// failTask marks a task failed with a reason. When a cause is given its
// classification is recorded on the task record for post-mortems.
// High-severity per-task failures never abort sibling tasks.
func (c *Coordinator) failTask(ctx context.Context, taskID, reason string, cause error) error {
	_, err := c.transition(ctx, taskID, statestore.StatusFailed, reason, func(s *statestore.TaskState) {
		s.FailureReason = reason
		if cause != nil {
			s.LastError = &statestore.TaskError{
				Message:  cause.Error(),
				Severity: errors.GetSeverity(cause).String(),
				Category: string(errors.GetCategory(cause)),
			}
		}
	})
	if err != nil && errors.IsCritical(err) {
		return err
	}
	if err != nil {
		c.logger.WithTask(taskID).Error("failed to record task failure", "error", err.Error())
	}

	c.releaseTask(taskID)
	c.queue.markFailed(taskID)
	c.bus.Publish(event.NewTaskFailedEvent(taskID, reason))
	return c.refreshSession(ctx)
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(line)
}

// releaseTask returns the task's pool slot and forgets its stage.
func (c *Coordinator) releaseTask(taskID string) {
	if at, ok := c.active[taskID]; ok {
		at.slot.Release()
		delete(c.active, taskID)
	}
}

// cancelTask fails the task record immediately. An in-flight stage is left
// to finish; its completion event is ignored against the terminal record.
func (c *Coordinator) cancelTask(ctx context.Context, taskID string) error {
	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.IsCritical(err) {
			return err
		}
		return nil
	}
	if task.Status.Terminal() {
		return nil
	}

	c.queue.remove(taskID)
	c.logger.WithTask(taskID).Info("task cancelled")

	_, err = c.transition(ctx, taskID, statestore.StatusFailed, ReasonCancelled, func(s *statestore.TaskState) {
		s.FailureReason = ReasonCancelled
	})
	if err != nil && errors.IsCritical(err) {
		return err
	}
	c.queue.markFailed(taskID)
	c.bus.Publish(event.NewTaskFailedEvent(taskID, ReasonCancelled))
	return c.refreshSession(ctx)
}

// checkHealth marks silent stages unhealthy and fails those that stay
// silent past the grace period.
func (c *Coordinator) checkHealth(ctx context.Context) error {
	if c.opts.StageTimeout <= 0 {
		return nil
	}

	now := time.Now()
	for taskID, at := range c.active {
		elapsed := now.Sub(at.lastSignal)
		if elapsed < c.opts.StageTimeout {
			continue
		}
		if !at.unhealthy {
			at.unhealthy = true
			c.logger.WithTask(taskID).WithStage(string(at.stage)).Warn("stage unhealthy",
				"silent_for", elapsed.Round(time.Millisecond).String(),
			)
			continue
		}
		if elapsed >= c.opts.StageTimeout+c.opts.HeartbeatGrace {
			reason := fmt.Sprintf("%s: no progress for %s", errors.ErrStageUnhealthy.Error(),
				elapsed.Round(time.Millisecond))
			cause := errors.NewAgentError("stage stopped reporting progress", errors.ErrStageUnhealthy).
				WithTaskID(taskID)
			if err := c.failTask(ctx, taskID, reason, cause); err != nil {
				return err
			}
		}
	}
	return nil
}

// transition applies a lifecycle transition through the store, retrying
// transient failures, and publishes the transition event.
func (c *Coordinator) transition(ctx context.Context, taskID string, to statestore.TaskStatus, reason string, extra func(*statestore.TaskState)) (*statestore.TaskState, error) {
	var updated *statestore.TaskState
	var from statestore.TaskStatus

	err := retry.Do(ctx, c.opts.RetryPolicy, c.logger, "transition "+taskID, func(ctx context.Context) error {
		current, err := c.store.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		from = current.Status
		if !CanTransition(current.Status, to) {
			return errors.NewStateError(
				fmt.Sprintf("cannot move task from %s to %s", current.Status, to),
				errors.ErrInvalidTransition,
			).WithTaskID(taskID)
		}

		updated, err = c.store.UpdateTask(ctx, taskID, current.Version, func(s *statestore.TaskState) error {
			s.Status = to
			if agentType, ok := stageAgent(to); ok {
				s.CurrentStageAgent = agentType.String()
			} else {
				s.CurrentStageAgent = ""
			}
			if pct, ok := stageProgress(to); ok {
				s.Progress = pct
			}
			if extra != nil {
				extra(s)
			}
			return nil
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	c.bus.Publish(event.NewTaskTransitionedEvent(taskID, string(from), string(to), reason))
	c.logger.WithTask(taskID).Info("task transitioned",
		"from", string(from),
		"to", string(to),
		"reason", reason,
	)
	return updated, nil
}

func (c *Coordinator) refreshSession(ctx context.Context) error {
	_, err := c.store.RefreshSession(ctx, c.sessionID)
	if err != nil && errors.IsCritical(err) {
		return err
	}
	if err != nil {
		c.logger.WithSession(c.sessionID).Warn("session refresh failed", "error", err.Error())
	}
	return nil
}

// halt handles a critical error: checkpoint the whole session, mark it
// failed, and stop the run. The single checkpoint id covers every member
// task, so resume needs nothing else.
func (c *Coordinator) halt(ctx context.Context, cause error) (*Report, error) {
	log := c.logger.WithSession(c.sessionID)
	log.Error("critical error, halting session", "error", cause.Error())

	var checkpointID string
	cp, err := c.store.CreateCheckpoint(context.Background(), c.sessionID, "critical halt: "+cause.Error())
	if err != nil {
		log.Error("checkpoint failed during halt", "error", err.Error())
	} else {
		checkpointID = cp.ID
		log.Info("checkpoint taken", "checkpoint_id", cp.ID, "tasks", len(cp.Tasks))
	}

	c.markSessionFailed()

	report, reportErr := c.report(context.Background())
	if reportErr != nil {
		report = &Report{SessionID: c.sessionID, Tasks: map[string]statestore.TaskStatus{}}
	}
	report.CheckpointID = checkpointID
	return report, errors.Wrap(cause, "coordinator halted")
}

// abort handles run-context cancellation: every non-terminal task is failed
// as cancelled and the report is returned with the context error.
func (c *Coordinator) abort(cause error) (*Report, error) {
	ctx := context.Background()

	for _, spec := range c.queue.drain() {
		_ = c.failTask(ctx, spec.ID, ReasonCancelled, nil)
	}
	for taskID := range c.active {
		_ = c.failTask(ctx, taskID, ReasonCancelled, nil)
	}

	c.markSessionFailed()

	report, err := c.report(ctx)
	if err != nil {
		return nil, err
	}
	return report, errors.Wrap(cause, "run cancelled")
}

func (c *Coordinator) markSessionFailed() {
	ctx := context.Background()
	session, err := c.store.GetSession(ctx, c.sessionID)
	if err != nil {
		return
	}
	if session.Status == statestore.SessionActive {
		if _, err := c.store.RefreshSession(ctx, c.sessionID); err != nil {
			c.logger.WithSession(c.sessionID).Warn("session refresh failed", "error", err.Error())
		}
	}
}

// report assembles the final per-task outcome.
func (c *Coordinator) report(ctx context.Context) (*Report, error) {
	if _, err := c.store.RefreshSession(ctx, c.sessionID); err != nil {
		c.logger.WithSession(c.sessionID).Warn("session refresh failed", "error", err.Error())
	}

	tasks, err := c.store.ListTasks(ctx)
	if err != nil {
		return nil, err
	}

	report := &Report{
		SessionID: c.sessionID,
		Tasks:     make(map[string]statestore.TaskStatus),
	}
	for _, task := range tasks {
		if task.SessionID != c.sessionID {
			continue
		}
		report.Tasks[task.TaskID] = task.Status
		switch task.Status {
		case statestore.StatusCompleted:
			report.Completed++
		case statestore.StatusFailed:
			report.Failed++
		case statestore.StatusPreserved:
			report.Preserved++
		}
	}
	return report, nil
}
