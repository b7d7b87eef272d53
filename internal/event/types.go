// Package event defines the publish/subscribe bus and event types that
// decouple Stagehand's components. The coordinator, state store, and cleanup
// protocol communicate through topics without direct dependencies.
package event

import "time"

// Topic name constants. Convention: "category.action". Subscribers may use a
// single-segment wildcard, e.g. "agent.*" matches "agent.completed".
const (
	TopicTaskAdmitted     = "task.admitted"
	TopicTaskTransitioned = "task.transitioned"
	TopicTaskFinalized    = "task.finalized"
	TopicTaskFailed       = "task.failed"
	TopicTaskCancelled    = "task.cancelled"

	TopicAgentLaunch    = "agent.launch"
	TopicAgentProgress  = "agent.progress"
	TopicAgentCompleted = "agent.completed"
	TopicAgentError     = "agent.error"

	TopicStateIntegrity = "state.integrity"
	TopicSessionUpdated = "session.updated"

	TopicCleanupExecuted  = "cleanup.executed"
	TopicCleanupPreserved = "cleanup.preserved"

	TopicBreakerStateChanged = "breaker.state_changed"

	TopicAggregateSummary = "aggregate.summary"
)

// Event is the interface that all events must implement.
// It provides a common way to identify and timestamp events.
type Event interface {
	// EventType returns the topic string for this event.
	EventType() string

	// Timestamp returns when the event occurred.
	Timestamp() time.Time
}

// baseEvent provides common fields for all events.
// Embed this in concrete event types to satisfy the Event interface.
type baseEvent struct {
	eventType string
	timestamp time.Time
}

func (e baseEvent) EventType() string    { return e.eventType }
func (e baseEvent) Timestamp() time.Time { return e.timestamp }

// newBaseEvent creates a baseEvent with the current time.
func newBaseEvent(eventType string) baseEvent {
	return baseEvent{
		eventType: eventType,
		timestamp: time.Now(),
	}
}

// -----------------------------------------------------------------------------
// Task Lifecycle Events
// -----------------------------------------------------------------------------

// TaskAdmittedEvent is emitted when a task enters the pipeline in Pending state.
type TaskAdmittedEvent struct {
	baseEvent
	TaskID    string // Task identifier
	SessionID string // Owning session
	Branch    string // Git branch assigned to the task
}

// NewTaskAdmittedEvent creates a TaskAdmittedEvent.
func NewTaskAdmittedEvent(taskID, sessionID, branch string) TaskAdmittedEvent {
	return TaskAdmittedEvent{
		baseEvent: newBaseEvent(TopicTaskAdmitted),
		TaskID:    taskID,
		SessionID: sessionID,
		Branch:    branch,
	}
}

// TaskTransitionedEvent is emitted on every lifecycle state change.
type TaskTransitionedEvent struct {
	baseEvent
	TaskID string // Task identifier
	From   string // Previous lifecycle state
	To     string // New lifecycle state
	Reason string // Optional transition context
}

// NewTaskTransitionedEvent creates a TaskTransitionedEvent.
func NewTaskTransitionedEvent(taskID, from, to, reason string) TaskTransitionedEvent {
	return TaskTransitionedEvent{
		baseEvent: newBaseEvent(TopicTaskTransitioned),
		TaskID:    taskID,
		From:      from,
		To:        to,
		Reason:    reason,
	}
}

// TaskFinalizedEvent is emitted when a task's finalize stage completes.
// The safe-cleanup protocol subscribes to this topic; cleanup is never
// triggered any other way.
type TaskFinalizedEvent struct {
	baseEvent
	TaskID    string // Task identifier
	SessionID string // Owning session
	Branch    string // Branch pending cleanup evaluation
	Worktree  string // Worktree pending cleanup evaluation
}

// NewTaskFinalizedEvent creates a TaskFinalizedEvent.
func NewTaskFinalizedEvent(taskID, sessionID, branch, worktree string) TaskFinalizedEvent {
	return TaskFinalizedEvent{
		baseEvent: newBaseEvent(TopicTaskFinalized),
		TaskID:    taskID,
		SessionID: sessionID,
		Branch:    branch,
		Worktree:  worktree,
	}
}

// TaskFailedEvent is emitted when a task reaches the Failed terminal state.
type TaskFailedEvent struct {
	baseEvent
	TaskID string // Task identifier
	Reason string // Failure reason (e.g. "cancelled", "max_attempts_reached")
}

// NewTaskFailedEvent creates a TaskFailedEvent.
func NewTaskFailedEvent(taskID, reason string) TaskFailedEvent {
	return TaskFailedEvent{
		baseEvent: newBaseEvent(TopicTaskFailed),
		TaskID:    taskID,
		Reason:    reason,
	}
}

// -----------------------------------------------------------------------------
// Agent Dispatch Events
// -----------------------------------------------------------------------------

// AgentLaunchEvent is emitted when the coordinator dispatches a stage to an
// external agent collaborator.
type AgentLaunchEvent struct {
	baseEvent
	TaskID    string            // Task the stage belongs to
	AgentType string            // developer, reviewer, corrector, finalizer
	Context   map[string]string // Stage context handed to the agent
}

// NewAgentLaunchEvent creates an AgentLaunchEvent.
func NewAgentLaunchEvent(taskID, agentType string, ctx map[string]string) AgentLaunchEvent {
	return AgentLaunchEvent{
		baseEvent: newBaseEvent(TopicAgentLaunch),
		TaskID:    taskID,
		AgentType: agentType,
		Context:   ctx,
	}
}

// AgentProgressEvent is emitted by an agent any number of times while a
// stage is in flight. It doubles as the stage heartbeat.
type AgentProgressEvent struct {
	baseEvent
	TaskID    string // Task the stage belongs to
	AgentType string // Reporting agent type
	Percent   int    // Progress 0-100
	Phase     string // Free-form phase description
}

// NewAgentProgressEvent creates an AgentProgressEvent.
func NewAgentProgressEvent(taskID, agentType string, percent int, phase string) AgentProgressEvent {
	return AgentProgressEvent{
		baseEvent: newBaseEvent(TopicAgentProgress),
		TaskID:    taskID,
		AgentType: agentType,
		Percent:   percent,
		Phase:     phase,
	}
}

// AgentCompletedEvent is emitted when an agent finishes a stage.
type AgentCompletedEvent struct {
	baseEvent
	TaskID    string // Task the stage belongs to
	AgentType string // Completing agent type
	Approved  bool   // Reviewer verdict (reviewer stages only)
	Result    string // Free-form stage result
}

// NewAgentCompletedEvent creates an AgentCompletedEvent.
func NewAgentCompletedEvent(taskID, agentType string, approved bool, result string) AgentCompletedEvent {
	return AgentCompletedEvent{
		baseEvent: newBaseEvent(TopicAgentCompleted),
		TaskID:    taskID,
		AgentType: agentType,
		Approved:  approved,
		Result:    result,
	}
}

// AgentErrorEvent is emitted when an agent reports an unrecoverable error.
type AgentErrorEvent struct {
	baseEvent
	TaskID    string // Task the stage belongs to
	AgentType string // Failing agent type
	Err       string // Error description
}

// NewAgentErrorEvent creates an AgentErrorEvent.
func NewAgentErrorEvent(taskID, agentType, errMsg string) AgentErrorEvent {
	return AgentErrorEvent{
		baseEvent: newBaseEvent(TopicAgentError),
		TaskID:    taskID,
		AgentType: agentType,
		Err:       errMsg,
	}
}

// -----------------------------------------------------------------------------
// State Store Events
// -----------------------------------------------------------------------------

// StateIntegrityEvent is emitted when a task record fails its integrity
// check and history recovery was attempted.
type StateIntegrityEvent struct {
	baseEvent
	TaskID    string // Affected task
	Recovered bool   // Whether history recovery succeeded
	Detail    string // What failed verification
}

// NewStateIntegrityEvent creates a StateIntegrityEvent.
func NewStateIntegrityEvent(taskID string, recovered bool, detail string) StateIntegrityEvent {
	return StateIntegrityEvent{
		baseEvent: newBaseEvent(TopicStateIntegrity),
		TaskID:    taskID,
		Recovered: recovered,
		Detail:    detail,
	}
}

// SessionUpdatedEvent is emitted whenever a member task changes a session's
// derived metrics.
type SessionUpdatedEvent struct {
	baseEvent
	SessionID string // Updated session
	Status    string // Session status after the update
}

// NewSessionUpdatedEvent creates a SessionUpdatedEvent.
func NewSessionUpdatedEvent(sessionID, status string) SessionUpdatedEvent {
	return SessionUpdatedEvent{
		baseEvent: newBaseEvent(TopicSessionUpdated),
		SessionID: sessionID,
		Status:    status,
	}
}

// -----------------------------------------------------------------------------
// Cleanup Events
// -----------------------------------------------------------------------------

// CleanupExecutedEvent is emitted after a full cleanup run for a task.
type CleanupExecutedEvent struct {
	baseEvent
	TaskID  string   // Cleaned task
	Actions []string // Actions performed (worktree, local branch, ...)
	Errors  []string // Per-action errors (empty on full success)
}

// NewCleanupExecutedEvent creates a CleanupExecutedEvent.
func NewCleanupExecutedEvent(taskID string, actions, errs []string) CleanupExecutedEvent {
	return CleanupExecutedEvent{
		baseEvent: newBaseEvent(TopicCleanupExecuted),
		TaskID:    taskID,
		Actions:   actions,
		Errors:    errs,
	}
}

// CleanupPreservedEvent is emitted when evaluation decides to preserve a
// task's resources instead of deleting them.
type CleanupPreservedEvent struct {
	baseEvent
	TaskID string // Preserved task
	Reason string // Why resources were kept
}

// NewCleanupPreservedEvent creates a CleanupPreservedEvent.
func NewCleanupPreservedEvent(taskID, reason string) CleanupPreservedEvent {
	return CleanupPreservedEvent{
		baseEvent: newBaseEvent(TopicCleanupPreserved),
		TaskID:    taskID,
		Reason:    reason,
	}
}

// -----------------------------------------------------------------------------
// Circuit Breaker Events
// -----------------------------------------------------------------------------

// BreakerStateChangedEvent is emitted when a named circuit breaker changes state.
type BreakerStateChangedEvent struct {
	baseEvent
	Name string // Breaker name
	From string // Previous breaker state
	To   string // New breaker state
}

// NewBreakerStateChangedEvent creates a BreakerStateChangedEvent.
func NewBreakerStateChangedEvent(name, from, to string) BreakerStateChangedEvent {
	return BreakerStateChangedEvent{
		baseEvent: newBaseEvent(TopicBreakerStateChanged),
		Name:      name,
		From:      from,
		To:        to,
	}
}

// -----------------------------------------------------------------------------
// Aggregation Events
// -----------------------------------------------------------------------------

// SummaryEvent is emitted by the aggregator when an aggregation window
// elapses. It carries the count and the member events published under the
// same aggregation key within the window.
type SummaryEvent struct {
	baseEvent
	Key    string  // Aggregation key
	Count  int     // Number of member events
	Events []Event // Member events in publish order
}

// NewSummaryEvent creates a SummaryEvent.
func NewSummaryEvent(key string, events []Event) SummaryEvent {
	return SummaryEvent{
		baseEvent: newBaseEvent(TopicAggregateSummary),
		Key:       key,
		Count:     len(events),
		Events:    events,
	}
}
