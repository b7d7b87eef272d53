// Package errors provides centralized error definitions and error handling
// utilities for the Stagehand codebase. It defines domain-specific errors,
// error constructors with context wrapping, and classification helpers used
// by the coordinator's retry and reporting policies.
//
// # Error Types
//
// Domain-specific errors represent errors from specific subsystems:
//   - StateError: errors from the versioned state store
//   - LockError: errors from lock acquisition and release
//   - AgentError: errors from external agent stage execution
//   - GitError: errors from version-control operations
//
// Every error carries a Severity (how the coordinator must react) and a
// Category (which subsystem produced it). Medium and low severity errors in
// retryable categories are retried locally; high severity errors fail the
// owning task; critical errors halt the coordinator after a checkpoint.
//
// Checking errors:
//
//	if errors.Is(err, errors.ErrVersionConflict) { ... }
//
//	var stateErr *errors.StateError
//	if errors.As(err, &stateErr) { ... }
//
//	if errors.IsRetryable(err) { ... }
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents how the coordinator must react to an error.
type Severity int

const (
	// SeverityLow is for errors that are expected in normal operation and
	// retried silently (e.g. transient lock contention).
	SeverityLow Severity = iota
	// SeverityMedium is for errors that are retried with backoff and logged.
	SeverityMedium
	// SeverityHigh is for errors that fail the owning task after retries
	// are exhausted but never abort sibling tasks.
	SeverityHigh
	// SeverityCritical is for errors that halt the coordinator: a checkpoint
	// is taken and the process exits non-zero.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Category identifies the subsystem an error originated from.
type Category string

const (
	CategoryState      Category = "state"
	CategoryLock       Category = "lock-contention"
	CategoryResource   Category = "resource-exhaustion"
	CategoryAgent      Category = "external-agent"
	CategoryGit        Category = "version-control"
	CategoryValidation Category = "validation"
)

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// State store sentinel errors
var (
	// ErrTaskNotFound indicates that a task record could not be found.
	ErrTaskNotFound = New("task not found")
	// ErrSessionNotFound indicates that a session could not be found.
	ErrSessionNotFound = New("session not found")
	// ErrCheckpointNotFound indicates that a checkpoint could not be found.
	ErrCheckpointNotFound = New("checkpoint not found")
	// ErrVersionConflict indicates a write specified a stale expected version.
	ErrVersionConflict = New("version conflict")
	// ErrRecordCorrupted indicates that a state record failed its integrity check.
	ErrRecordCorrupted = New("state record corrupted")
	// ErrAlreadyExists indicates an attempt to create a record that exists.
	ErrAlreadyExists = New("record already exists")
)

// Lock manager sentinel errors
var (
	// ErrLockTimeout indicates a lock could not be acquired within the timeout.
	ErrLockTimeout = New("lock acquisition timed out")
	// ErrLockNotHeld indicates a release of a lock the caller does not hold.
	ErrLockNotHeld = New("lock not held")
)

// Pool and breaker sentinel errors
var (
	// ErrPoolExhausted indicates no resource became available within the timeout.
	ErrPoolExhausted = New("resource pool exhausted")
	// ErrPoolDrained indicates the pool has been drained and accepts no acquires.
	ErrPoolDrained = New("resource pool drained")
	// ErrCircuitOpen indicates the circuit breaker is open and rejecting calls.
	ErrCircuitOpen = New("circuit breaker open")
)

// Coordinator sentinel errors
var (
	// ErrTaskCancelled indicates a task was cancelled between stages.
	ErrTaskCancelled = New("task cancelled")
	// ErrMaxAttemptsReached indicates the correction loop exceeded its bound.
	ErrMaxAttemptsReached = New("max correction attempts reached")
	// ErrInvalidTransition indicates an illegal lifecycle transition.
	ErrInvalidTransition = New("invalid lifecycle transition")
	// ErrStageUnhealthy indicates a stage stopped reporting progress.
	ErrStageUnhealthy = New("stage unhealthy")
)

// Git sentinel errors
var (
	// ErrNotGitRepository indicates the directory is not a git repository.
	ErrNotGitRepository = New("not a git repository")
	// ErrBranchNotFound indicates that a branch could not be found.
	ErrBranchNotFound = New("branch not found")
	// ErrBranchNotMerged indicates a branch has commits missing from main.
	ErrBranchNotMerged = New("branch not merged")
	// ErrDirtyWorktree indicates the worktree has uncommitted changes.
	ErrDirtyWorktree = New("worktree has uncommitted changes")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// ClassifiedError is the base interface for all Stagehand errors.
// It extends the standard error interface with the classification the
// coordinator's error policy is driven by.
type ClassifiedError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Severity returns the severity level of this error.
	Severity() Severity

	// Category returns the originating subsystem.
	Category() Category

	// IsRetryable returns true if the error is transient and the operation
	// may succeed on retry.
	IsRetryable() bool
}

// baseError provides common functionality for all error types.
type baseError struct {
	message   string
	cause     error
	severity  Severity
	category  Category
	retryable bool
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Is checks if this error matches the target.
func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// Category returns the originating subsystem.
func (e *baseError) Category() Category {
	return e.category
}

// IsRetryable returns whether the error is retryable.
func (e *baseError) IsRetryable() bool {
	return e.retryable
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// StateError represents errors from the versioned state store.
//
// Example:
//
//	err := errors.NewStateError("update failed", errors.ErrVersionConflict).
//		WithTaskID("task-1").WithVersion(4)
type StateError struct {
	baseError
	TaskID  string
	Version int
}

// NewStateError creates a new StateError.
func NewStateError(message string, cause error) *StateError {
	return &StateError{
		baseError: baseError{
			message:  message,
			cause:    cause,
			severity: SeverityHigh,
			category: CategoryState,
		},
		Version: -1,
	}
}

// WithTaskID adds a task ID to the error context.
func (e *StateError) WithTaskID(id string) *StateError {
	e.TaskID = id
	return e
}

// WithVersion adds the record version involved in the failure.
func (e *StateError) WithVersion(v int) *StateError {
	e.Version = v
	return e
}

// WithSeverity sets the error severity.
func (e *StateError) WithSeverity(s Severity) *StateError {
	e.severity = s
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *StateError) WithRetryable(r bool) *StateError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *StateError) Error() string {
	var parts []string
	if e.TaskID != "" {
		parts = append(parts, fmt.Sprintf("task=%s", e.TaskID))
	}
	if e.Version >= 0 {
		parts = append(parts, fmt.Sprintf("version=%d", e.Version))
	}

	prefix := "state error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("state error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *StateError) Is(target error) bool {
	if _, ok := target.(*StateError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// LockError represents errors from lock acquisition and release.
type LockError struct {
	baseError
	ResourceKey string
	Mode        string
}

// NewLockError creates a new LockError. Lock contention is transient by
// default: medium severity and retryable.
func NewLockError(message string, cause error) *LockError {
	return &LockError{
		baseError: baseError{
			message:   message,
			cause:     cause,
			severity:  SeverityMedium,
			category:  CategoryLock,
			retryable: true,
		},
	}
}

// WithResourceKey adds the contended resource key to the error context.
func (e *LockError) WithResourceKey(key string) *LockError {
	e.ResourceKey = key
	return e
}

// WithMode adds the requested lock mode to the error context.
func (e *LockError) WithMode(mode string) *LockError {
	e.Mode = mode
	return e
}

// WithSeverity sets the error severity.
func (e *LockError) WithSeverity(s Severity) *LockError {
	e.severity = s
	return e
}

// Error returns the formatted error message.
func (e *LockError) Error() string {
	var parts []string
	if e.ResourceKey != "" {
		parts = append(parts, fmt.Sprintf("key=%s", e.ResourceKey))
	}
	if e.Mode != "" {
		parts = append(parts, fmt.Sprintf("mode=%s", e.Mode))
	}

	prefix := "lock error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("lock error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *LockError) Is(target error) bool {
	if _, ok := target.(*LockError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// AgentError represents errors from external agent stage execution.
type AgentError struct {
	baseError
	TaskID    string
	AgentType string
}

// NewAgentError creates a new AgentError.
func NewAgentError(message string, cause error) *AgentError {
	return &AgentError{
		baseError: baseError{
			message:  message,
			cause:    cause,
			severity: SeverityHigh,
			category: CategoryAgent,
		},
	}
}

// WithTaskID adds a task ID to the error context.
func (e *AgentError) WithTaskID(id string) *AgentError {
	e.TaskID = id
	return e
}

// WithAgentType adds the agent type (developer/reviewer/...) to the context.
func (e *AgentError) WithAgentType(t string) *AgentError {
	e.AgentType = t
	return e
}

// WithSeverity sets the error severity.
func (e *AgentError) WithSeverity(s Severity) *AgentError {
	e.severity = s
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *AgentError) WithRetryable(r bool) *AgentError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *AgentError) Error() string {
	var parts []string
	if e.TaskID != "" {
		parts = append(parts, fmt.Sprintf("task=%s", e.TaskID))
	}
	if e.AgentType != "" {
		parts = append(parts, fmt.Sprintf("agent=%s", e.AgentType))
	}

	prefix := "agent error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("agent error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *AgentError) Is(target error) bool {
	if _, ok := target.(*AgentError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// GitError represents errors from version-control operations.
//
// Example:
//
//	err := errors.NewGitError("failed to remove worktree", cause).
//		WithBranch("stagehand/task-1").WithGitOutput(out)
type GitError struct {
	baseError
	Branch    string
	Worktree  string
	GitOutput string // Captured git command output
}

// NewGitError creates a new GitError.
func NewGitError(message string, cause error) *GitError {
	return &GitError{
		baseError: baseError{
			message:  message,
			cause:    cause,
			severity: SeverityHigh,
			category: CategoryGit,
		},
	}
}

// WithBranch adds a branch name to the error context.
func (e *GitError) WithBranch(branch string) *GitError {
	e.Branch = branch
	return e
}

// WithWorktree adds a worktree path to the error context.
func (e *GitError) WithWorktree(path string) *GitError {
	e.Worktree = path
	return e
}

// WithGitOutput adds git command output to the error context.
func (e *GitError) WithGitOutput(output string) *GitError {
	e.GitOutput = output
	return e
}

// WithSeverity sets the error severity.
func (e *GitError) WithSeverity(s Severity) *GitError {
	e.severity = s
	return e
}

// Error returns the formatted error message.
func (e *GitError) Error() string {
	var parts []string
	if e.Branch != "" {
		parts = append(parts, fmt.Sprintf("branch=%s", e.Branch))
	}
	if e.Worktree != "" {
		parts = append(parts, fmt.Sprintf("worktree=%s", e.Worktree))
	}

	prefix := "git error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("git error [%s]", strings.Join(parts, ", "))
	}

	msg := e.message
	if e.cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.cause)
	}
	if e.GitOutput != "" {
		msg = fmt.Sprintf("%s\ngit output: %s", msg, e.GitOutput)
	}

	return fmt.Sprintf("%s: %s", prefix, msg)
}

// Is checks if this error matches the target.
func (e *GitError) Is(target error) bool {
	if _, ok := target.(*GitError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ValidationError represents invalid input or state.
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:  message,
			severity: SeverityMedium,
			category: CategoryValidation,
		},
	}
}

// WithField adds a field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}

	prefix := "validation error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("validation error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	if errors.Is(target, ErrInvalidInput) {
		return true
	}
	return e.baseError.Is(target)
}

// TimeoutError represents an operation that timed out.
type TimeoutError struct {
	baseError
	Operation string
	Duration  time.Duration
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		baseError: baseError{
			message:   operation,
			severity:  SeverityMedium,
			category:  CategoryResource,
			retryable: true, // Timeouts are generally retryable
		},
		Operation: operation,
		Duration:  duration,
	}
}

// WithCause adds a cause to the error.
func (e *TimeoutError) WithCause(cause error) *TimeoutError {
	e.cause = cause
	return e
}

// WithRetryable sets whether the error is retryable (default true for timeouts).
func (e *TimeoutError) WithRetryable(r bool) *TimeoutError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *TimeoutError) Error() string {
	base := fmt.Sprintf("timeout error: %s (timeout: %s)", e.Operation, e.Duration)
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", base, e.cause)
	}
	return base
}

// Is checks if this error matches the target.
func (e *TimeoutError) Is(target error) bool {
	if _, ok := target.(*TimeoutError); ok {
		return true
	}
	if errors.Is(target, ErrTimeout) {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry. This checks for:
//   - Errors implementing ClassifiedError with IsRetryable() returning true
//   - Errors wrapping ErrTimeout or ErrLockTimeout
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var classified ClassifiedError
	if As(err, &classified) {
		return classified.IsRetryable()
	}

	if Is(err, ErrTimeout) || Is(err, ErrLockTimeout) || Is(err, ErrPoolExhausted) {
		return true
	}

	return false
}

// GetSeverity returns the severity level of the error.
// Returns SeverityHigh for errors that don't implement ClassifiedError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityLow
	}

	var classified ClassifiedError
	if As(err, &classified) {
		return classified.Severity()
	}

	return SeverityHigh
}

// GetCategory returns the category of the error, or an empty category for
// errors that don't implement ClassifiedError.
func GetCategory(err error) Category {
	if err == nil {
		return ""
	}

	var classified ClassifiedError
	if As(err, &classified) {
		return classified.Category()
	}

	return ""
}

// IsCritical returns true if the error must halt the coordinator.
func IsCritical(err error) bool {
	return GetSeverity(err) == SeverityCritical
}

// -----------------------------------------------------------------------------
// Convenience Constructors
// -----------------------------------------------------------------------------

// Wrap wraps an error with additional context message.
//
// Example:
//
//	err := errors.Wrap(baseErr, "failed to admit task")
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
