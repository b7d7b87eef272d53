// Package statestore persists task, session, and checkpoint records as JSON
// files under a state directory. Every task write is guarded by optimistic
// locking: callers state the version they read, writes bump the version by
// one, and a stale expectation fails with a version conflict instead of
// silently clobbering a concurrent update. Superseded record versions are
// archived to a bounded per-task history used for integrity recovery.
package statestore

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"
)

// TaskStatus is a task's position in the pipeline lifecycle.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusDeveloping TaskStatus = "developing"
	StatusReviewing  TaskStatus = "reviewing"
	StatusCorrecting TaskStatus = "correcting"
	StatusFinalizing TaskStatus = "finalizing"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
	StatusPreserved  TaskStatus = "preserved"
)

// Terminal reports whether the status ends the task's lifecycle. Terminal
// tasks never transition again.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusPreserved:
		return true
	}
	return false
}

// TaskState is the persisted record for one task. Version starts at 1 and
// increments by exactly one on every successful update.
type TaskState struct {
	TaskID    string `json:"task_id"`
	SessionID string `json:"session_id"`
	Title     string `json:"title"`

	Branch   string `json:"branch"`
	Worktree string `json:"worktree"`

	Status  TaskStatus `json:"status"`
	Version int        `json:"version"`

	// Stage bookkeeping, maintained by the coordinator on every transition.
	CurrentStageAgent string `json:"current_stage_agent,omitempty"`
	Progress          int    `json:"progress"`
	PRReference       string `json:"pr_reference,omitempty"`

	// Admission ordering inputs
	Priority   int      `json:"priority"`
	Complexity int      `json:"complexity"`
	DependsOn  []string `json:"depends_on,omitempty"`

	// Lifecycle bookkeeping
	CorrectionAttempts int        `json:"correction_attempts"`
	FailureReason      string     `json:"failure_reason,omitempty"`
	LastError          *TaskError `json:"last_error,omitempty"`

	// Data carries stage outputs keyed by stage name.
	Data map[string]string `json:"data,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// Checksum covers every other field and is verified on load.
	Checksum string `json:"checksum"`
}

// TaskError is the classified cause of a task failure, kept alongside the
// free-form FailureReason so tooling can filter without parsing strings.
type TaskError struct {
	Message  string `json:"message"`
	Severity string `json:"severity"`
	Category string `json:"category,omitempty"`
}

// Clone returns a deep copy of the task state.
func (t *TaskState) Clone() *TaskState {
	c := *t
	if t.DependsOn != nil {
		c.DependsOn = append([]string(nil), t.DependsOn...)
	}
	if t.LastError != nil {
		e := *t.LastError
		c.LastError = &e
	}
	if t.Data != nil {
		c.Data = make(map[string]string, len(t.Data))
		for k, v := range t.Data {
			c.Data[k] = v
		}
	}
	return &c
}

// ComputeChecksum returns the integrity checksum over the record with the
// checksum field itself blanked.
func (t *TaskState) ComputeChecksum() (string, error) {
	c := t.Clone()
	c.Checksum = ""
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to marshal for checksum: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// seal recomputes and stores the checksum before a write.
func (t *TaskState) seal() error {
	sum, err := t.ComputeChecksum()
	if err != nil {
		return err
	}
	t.Checksum = sum
	return nil
}

// verify checks the stored checksum. An empty detail string means the record
// passed verification.
func (t *TaskState) verify(taskID string) string {
	if t.TaskID != taskID {
		return fmt.Sprintf("task ID mismatch (file: %s, expected: %s)", t.TaskID, taskID)
	}
	if t.Version < 1 {
		return fmt.Sprintf("invalid version %d", t.Version)
	}
	want, err := t.ComputeChecksum()
	if err != nil {
		return "checksum computation failed"
	}
	if t.Checksum != want {
		return "checksum mismatch"
	}
	return ""
}

// SessionStatus summarizes a session's overall progress.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// Session groups related tasks and carries metrics derived from its members.
type Session struct {
	ID     string        `json:"id"`
	Name   string        `json:"name"`
	Status SessionStatus `json:"status"`

	TaskIDs []string `json:"task_ids"`

	// Derived counts, refreshed whenever a member task changes.
	TotalTasks     int `json:"total_tasks"`
	CompletedTasks int `json:"completed_tasks"`
	FailedTasks    int `json:"failed_tasks"`
	PreservedTasks int `json:"preserved_tasks"`

	// AvgCompletionSeconds is the mean wall time from task creation to its
	// terminal transition, over terminal members only. Zero until a member
	// reaches a terminal state.
	AvgCompletionSeconds float64 `json:"avg_completion_seconds"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Checkpoint is an immutable point-in-time snapshot of one session and the
// current records of all its member tasks, taken before risky operations so
// the whole session can be rewound together.
type Checkpoint struct {
	ID        string       `json:"id"`
	SessionID string       `json:"session_id"`
	Reason    string       `json:"reason"`
	Session   *Session     `json:"session"`
	Tasks     []*TaskState `json:"tasks"`
	CreatedAt time.Time    `json:"created_at"`
}

// -----------------------------------------------------------------------------
// Layout helpers
// -----------------------------------------------------------------------------

// SessionsDirName is the directory holding session records.
const SessionsDirName = "sessions"

// TasksDirName is the directory holding per-task state.
const TasksDirName = "tasks"

// CheckpointsDirName is the directory holding checkpoint snapshots.
const CheckpointsDirName = "checkpoints"

// StateFileName is the current task record within a task directory.
const StateFileName = "state.json"

// HistoryDirName holds archived record versions within a task directory.
const HistoryDirName = "history"

// ScratchDirName holds task-scoped temporary files, removed on full cleanup.
const ScratchDirName = "tmp"

// sessionPath returns the record file for a session.
func sessionPath(baseDir, sessionID string) string {
	return filepath.Join(baseDir, SessionsDirName, sessionID+".json")
}

// taskDir returns the directory for a task.
func taskDir(baseDir, taskID string) string {
	return filepath.Join(baseDir, TasksDirName, taskID)
}

// taskStatePath returns the current record file for a task.
func taskStatePath(baseDir, taskID string) string {
	return filepath.Join(taskDir(baseDir, taskID), StateFileName)
}

// historyDir returns the archive directory for a task.
func historyDir(baseDir, taskID string) string {
	return filepath.Join(taskDir(baseDir, taskID), HistoryDirName)
}

// historyPath returns the archive file for one record version.
func historyPath(baseDir, taskID string, version int) string {
	return filepath.Join(historyDir(baseDir, taskID), fmt.Sprintf("v%d.json", version))
}

// checkpointPath returns the snapshot file for a checkpoint.
func checkpointPath(baseDir, checkpointID string) string {
	return filepath.Join(baseDir, CheckpointsDirName, checkpointID+".json")
}

// taskLockKey returns the lock manager key guarding a task record.
func taskLockKey(taskID string) string {
	return TasksDirName + "/" + taskID + "/state"
}
