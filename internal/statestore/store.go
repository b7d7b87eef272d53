package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stagehand-dev/stagehand/internal/errors"
	"github.com/stagehand-dev/stagehand/internal/event"
	"github.com/stagehand-dev/stagehand/internal/lockfile"
	"github.com/stagehand-dev/stagehand/internal/logging"
)

// Store persists task, session, and checkpoint records under a base
// directory. Task writes are serialized across processes by the lock manager
// and guarded by optimistic version checks.
type Store struct {
	baseDir      string
	historyLimit int
	lockTimeout  time.Duration

	locks  *lockfile.Manager
	bus    *event.Bus
	logger *logging.Logger

	mu sync.Mutex // serializes writers within this process
}

// NewStore creates a store rooted at baseDir, creating the directory layout
// if needed. historyLimit bounds the number of archived versions kept per
// task. bus may be nil when no event delivery is wanted.
func NewStore(baseDir string, historyLimit int, lockTimeout time.Duration, locks *lockfile.Manager, bus *event.Bus, logger *logging.Logger) (*Store, error) {
	if historyLimit < 1 {
		return nil, errors.NewValidationError("history limit must be at least 1")
	}
	if logger == nil {
		logger = logging.NopLogger()
	}

	for _, dir := range []string{
		filepath.Join(baseDir, SessionsDirName),
		filepath.Join(baseDir, TasksDirName),
		filepath.Join(baseDir, CheckpointsDirName),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	return &Store{
		baseDir:      baseDir,
		historyLimit: historyLimit,
		lockTimeout:  lockTimeout,
		locks:        locks,
		bus:          bus,
		logger:       logger,
	}, nil
}

// BaseDir returns the store's root directory.
func (s *Store) BaseDir() string {
	return s.baseDir
}

// ScratchDir returns the task-scoped scratch directory. Agents may drop
// temporary files here; full cleanup removes the whole directory.
func (s *Store) ScratchDir(taskID string) string {
	return filepath.Join(s.baseDir, ScratchDirName, taskID)
}

// -----------------------------------------------------------------------------
// Tasks
// -----------------------------------------------------------------------------

// CreateTask persists a new task record at version 1. Creating a task that
// already exists fails with an error wrapping ErrAlreadyExists.
func (s *Store) CreateTask(ctx context.Context, task *TaskState) error {
	if task.TaskID == "" {
		return errors.NewValidationError("task ID cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	lease, err := s.locks.Acquire(ctx, taskLockKey(task.TaskID), lockfile.ModeWrite, s.lockTimeout)
	if err != nil {
		return err
	}
	defer lease.Release()

	path := taskStatePath(s.baseDir, task.TaskID)
	if _, err := os.Stat(path); err == nil {
		return errors.NewStateError("task already exists", errors.ErrAlreadyExists).
			WithTaskID(task.TaskID)
	}

	now := time.Now()
	task.Version = 1
	task.CreatedAt = now
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = StatusPending
	}
	if err := task.seal(); err != nil {
		return err
	}

	if err := os.MkdirAll(taskDir(s.baseDir, task.TaskID), 0755); err != nil {
		return fmt.Errorf("failed to create task directory: %w", err)
	}

	data, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	if err := atomicWriteFile(path, data, 0644); err != nil {
		return err
	}

	s.logger.Info("task created", "task_id", task.TaskID, "session_id", task.SessionID)
	return nil
}

// GetTask loads a task record, verifying its integrity. A record that fails
// verification is recovered from the newest valid archived version; if no
// archive is valid the error wraps ErrRecordCorrupted.
func (s *Store) GetTask(ctx context.Context, taskID string) (*TaskState, error) {
	lease, err := s.locks.Acquire(ctx, taskLockKey(taskID), lockfile.ModeRead, s.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	task, err := s.loadVerified(taskID)
	if err != nil {
		return nil, err
	}
	return task.Clone(), nil
}

// UpdateTask applies mutate to the task record under optimistic locking.
// expectedVersion must equal the record's current version; otherwise the
// update fails with an error wrapping ErrVersionConflict carrying the actual
// version. On success the previous record is archived to history and the new
// record's version is exactly expectedVersion+1.
func (s *Store) UpdateTask(ctx context.Context, taskID string, expectedVersion int, mutate func(*TaskState) error) (*TaskState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lease, err := s.locks.Acquire(ctx, taskLockKey(taskID), lockfile.ModeWrite, s.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	current, err := s.loadVerified(taskID)
	if err != nil {
		return nil, err
	}

	if current.Version != expectedVersion {
		// A conflict means a concurrent writer won; re-reading and retrying
		// can succeed, so the error is transient.
		return nil, errors.NewStateError("stale expected version", errors.ErrVersionConflict).
			WithTaskID(taskID).
			WithVersion(current.Version).
			WithRetryable(true)
	}

	if err := s.archive(current); err != nil {
		return nil, err
	}

	next := current.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	// The caller mutates payload fields only; identity and version are owned
	// by the store.
	next.TaskID = current.TaskID
	next.CreatedAt = current.CreatedAt
	next.Version = current.Version + 1
	next.UpdatedAt = time.Now()
	if err := next.seal(); err != nil {
		return nil, err
	}

	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal task: %w", err)
	}
	if err := atomicWriteFile(taskStatePath(s.baseDir, taskID), data, 0644); err != nil {
		return nil, err
	}

	s.logger.Debug("task updated",
		"task_id", taskID,
		"version", next.Version,
		"status", string(next.Status),
	)
	return next.Clone(), nil
}

// ListTasks returns every readable task record. Tasks whose record and entire
// history are corrupted are skipped with a warning rather than failing the
// listing.
func (s *Store) ListTasks(ctx context.Context) ([]*TaskState, error) {
	entries, err := os.ReadDir(filepath.Join(s.baseDir, TasksDirName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read tasks directory: %w", err)
	}

	var tasks []*TaskState
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		task, err := s.GetTask(ctx, entry.Name())
		if err != nil {
			s.logger.Warn("skipping unreadable task record",
				"task_id", entry.Name(),
				"error", err.Error(),
			)
			continue
		}
		tasks = append(tasks, task)
	}

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].TaskID < tasks[j].TaskID })
	return tasks, nil
}

// HistoryVersions returns the archived version numbers for a task, ascending.
func (s *Store) HistoryVersions(taskID string) ([]int, error) {
	versions, err := listHistoryVersions(historyDir(s.baseDir, taskID))
	if err != nil {
		return nil, err
	}
	sort.Ints(versions)
	return versions, nil
}

// archive copies the current record into history/v<version>.json and prunes
// the oldest archives beyond the history limit.
func (s *Store) archive(task *TaskState) error {
	dir := historyDir(s.baseDir, task.TaskID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create history directory: %w", err)
	}

	data, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal archive: %w", err)
	}
	if err := atomicWriteFile(historyPath(s.baseDir, task.TaskID, task.Version), data, 0644); err != nil {
		return err
	}

	versions, err := listHistoryVersions(dir)
	if err != nil {
		return err
	}
	if len(versions) <= s.historyLimit {
		return nil
	}

	sort.Ints(versions)
	for _, v := range versions[:len(versions)-s.historyLimit] {
		if err := os.Remove(historyPath(s.baseDir, task.TaskID, v)); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to prune history: %w", err)
		}
	}
	return nil
}

// loadVerified reads the current record and verifies its integrity,
// attempting history recovery when verification fails. Callers must hold the
// task's lock.
func (s *Store) loadVerified(taskID string) (*TaskState, error) {
	path := taskStatePath(s.baseDir, taskID)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.NewStateError("no record on disk", errors.ErrTaskNotFound).
				WithTaskID(taskID)
		}
		return nil, fmt.Errorf("failed to read task record: %w", err)
	}

	var task TaskState
	if err := json.Unmarshal(data, &task); err != nil {
		return s.recoverFromHistory(taskID, fmt.Sprintf("invalid JSON: %v", err))
	}
	if detail := task.verify(taskID); detail != "" {
		return s.recoverFromHistory(taskID, detail)
	}
	return &task, nil
}

// recoverFromHistory restores the newest archived version that passes
// verification, rewriting it as the current record. Emits a state integrity
// event either way.
func (s *Store) recoverFromHistory(taskID, detail string) (*TaskState, error) {
	s.logger.Warn("task record failed verification",
		"task_id", taskID,
		"detail", detail,
	)

	versions, err := listHistoryVersions(historyDir(s.baseDir, taskID))
	if err != nil {
		return nil, err
	}
	sort.Sort(sort.Reverse(sort.IntSlice(versions)))

	for _, v := range versions {
		data, err := os.ReadFile(historyPath(s.baseDir, taskID, v))
		if err != nil {
			continue
		}
		var task TaskState
		if err := json.Unmarshal(data, &task); err != nil {
			continue
		}
		if task.verify(taskID) != "" {
			continue
		}

		if err := atomicWriteFile(taskStatePath(s.baseDir, taskID), data, 0644); err != nil {
			return nil, err
		}
		s.logger.Warn("task record recovered from history",
			"task_id", taskID,
			"restored_version", v,
		)
		s.publish(event.NewStateIntegrityEvent(taskID, true, detail))
		return &task, nil
	}

	s.publish(event.NewStateIntegrityEvent(taskID, false, detail))
	return nil, errors.NewStateError("record and history unrecoverable", errors.ErrRecordCorrupted).
		WithTaskID(taskID).
		WithSeverity(errors.SeverityCritical)
}

// -----------------------------------------------------------------------------
// Sessions
// -----------------------------------------------------------------------------

// CreateSession persists a new session record.
func (s *Store) CreateSession(ctx context.Context, session *Session) error {
	if session.ID == "" {
		return errors.NewValidationError("session ID cannot be empty")
	}

	path := sessionPath(s.baseDir, session.ID)
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("session %s: %w", session.ID, errors.ErrAlreadyExists)
	}

	now := time.Now()
	session.CreatedAt = now
	session.UpdatedAt = now
	if session.Status == "" {
		session.Status = SessionActive
	}
	session.TotalTasks = len(session.TaskIDs)

	return s.writeSession(session)
}

// GetSession loads a session by ID.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	data, err := os.ReadFile(sessionPath(s.baseDir, sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("session %s: %w", sessionID, errors.ErrSessionNotFound)
		}
		return nil, fmt.Errorf("failed to read session: %w", err)
	}

	var session Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("failed to parse session %s: %w", sessionID, err)
	}
	return &session, nil
}

// ListSessions returns all session records sorted by creation time,
// newest first.
func (s *Store) ListSessions(ctx context.Context) ([]*Session, error) {
	entries, err := os.ReadDir(filepath.Join(s.baseDir, SessionsDirName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	var sessions []*Session
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		session, err := s.GetSession(ctx, strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			s.logger.Warn("skipping unreadable session record",
				"file", entry.Name(),
				"error", err.Error(),
			)
			continue
		}
		sessions = append(sessions, session)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
	return sessions, nil
}

// AttachTask adds a task to a session's member list.
func (s *Store) AttachTask(ctx context.Context, sessionID, taskID string) error {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	for _, id := range session.TaskIDs {
		if id == taskID {
			return nil
		}
	}
	session.TaskIDs = append(session.TaskIDs, taskID)
	session.TotalTasks = len(session.TaskIDs)
	session.UpdatedAt = time.Now()
	return s.writeSession(session)
}

// RefreshSession recomputes a session's derived metrics from its member
// tasks and publishes a session update event. A session whose members are
// all terminal becomes completed, or failed when any member failed.
func (s *Store) RefreshSession(ctx context.Context, sessionID string) (*Session, error) {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	completed, failed, preserved, terminal := 0, 0, 0, 0
	var terminalWall time.Duration
	for _, taskID := range session.TaskIDs {
		task, err := s.GetTask(ctx, taskID)
		if err != nil {
			s.logger.Warn("session member unreadable",
				"session_id", sessionID,
				"task_id", taskID,
			)
			continue
		}
		if task.Status.Terminal() {
			terminal++
			// The terminal transition is the record's last write.
			terminalWall += task.UpdatedAt.Sub(task.CreatedAt)
		}
		switch task.Status {
		case StatusCompleted:
			completed++
		case StatusFailed:
			failed++
		case StatusPreserved:
			preserved++
		}
	}

	session.TotalTasks = len(session.TaskIDs)
	session.CompletedTasks = completed
	session.FailedTasks = failed
	session.PreservedTasks = preserved
	session.AvgCompletionSeconds = 0
	if terminal > 0 {
		session.AvgCompletionSeconds = (terminalWall / time.Duration(terminal)).Seconds()
	}
	session.UpdatedAt = time.Now()

	if session.TotalTasks > 0 && terminal == session.TotalTasks {
		if failed > 0 {
			session.Status = SessionFailed
		} else {
			session.Status = SessionCompleted
		}
	} else {
		session.Status = SessionActive
	}

	if err := s.writeSession(session); err != nil {
		return nil, err
	}
	s.publish(event.NewSessionUpdatedEvent(sessionID, string(session.Status)))
	return session, nil
}

// writeSession persists a session record atomically.
func (s *Store) writeSession(session *Session) error {
	data, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	return atomicWriteFile(sessionPath(s.baseDir, session.ID), data, 0644)
}

// -----------------------------------------------------------------------------
// Checkpoints
// -----------------------------------------------------------------------------

// CreateCheckpoint snapshots a session and the current records of all its
// member tasks so the whole session can be rewound after a risky operation
// goes wrong. Unreadable members are skipped with a warning; everything that
// was readable is in the snapshot.
func (s *Store) CreateCheckpoint(ctx context.Context, sessionID, reason string) (*Checkpoint, error) {
	session, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	tasks := make([]*TaskState, 0, len(session.TaskIDs))
	for _, taskID := range session.TaskIDs {
		task, err := s.GetTask(ctx, taskID)
		if err != nil {
			s.logger.Warn("checkpoint skipping unreadable task",
				"session_id", sessionID,
				"task_id", taskID,
				"error", err.Error(),
			)
			continue
		}
		tasks = append(tasks, task)
	}

	cp := &Checkpoint{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Reason:    reason,
		Session:   session,
		Tasks:     tasks,
		CreatedAt: time.Now(),
	}

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	if err := atomicWriteFile(checkpointPath(s.baseDir, cp.ID), data, 0644); err != nil {
		return nil, err
	}

	s.logger.Info("checkpoint created",
		"session_id", sessionID,
		"checkpoint_id", cp.ID,
		"tasks", len(tasks),
		"reason", reason,
	)
	return cp, nil
}

// GetCheckpoint loads a checkpoint by ID.
func (s *Store) GetCheckpoint(ctx context.Context, checkpointID string) (*Checkpoint, error) {
	data, err := os.ReadFile(checkpointPath(s.baseDir, checkpointID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("checkpoint %s: %w", checkpointID, errors.ErrCheckpointNotFound)
		}
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("failed to parse checkpoint %s: %w", checkpointID, err)
	}
	return &cp, nil
}

// ListCheckpoints returns checkpoints, optionally filtered to one session,
// newest first.
func (s *Store) ListCheckpoints(ctx context.Context, sessionID string) ([]*Checkpoint, error) {
	entries, err := os.ReadDir(filepath.Join(s.baseDir, CheckpointsDirName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read checkpoints directory: %w", err)
	}

	var checkpoints []*Checkpoint
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		cp, err := s.GetCheckpoint(ctx, strings.TrimSuffix(entry.Name(), ".json"))
		if err != nil {
			continue
		}
		if sessionID != "" && cp.SessionID != sessionID {
			continue
		}
		checkpoints = append(checkpoints, cp)
	}

	sort.Slice(checkpoints, func(i, j int) bool {
		return checkpoints[i].CreatedAt.After(checkpoints[j].CreatedAt)
	})
	return checkpoints, nil
}

// RestoreCheckpoint rewinds every task in a checkpointed session to its
// snapshot and writes the snapshotted session record back. Each restored
// record continues its version sequence rather than reusing the snapshot's
// version, so optimistic locking stays monotonic. Restoration works even
// when a current record is corrupted beyond history recovery.
func (s *Store) RestoreCheckpoint(ctx context.Context, checkpointID string) ([]*TaskState, error) {
	cp, err := s.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	restored := make([]*TaskState, 0, len(cp.Tasks))
	for _, snapshot := range cp.Tasks {
		task, err := s.restoreTaskSnapshot(ctx, snapshot)
		if err != nil {
			return nil, err
		}
		restored = append(restored, task)
	}

	session := *cp.Session
	session.UpdatedAt = time.Now()
	if err := s.writeSession(&session); err != nil {
		return nil, err
	}

	s.logger.Info("checkpoint restored",
		"session_id", cp.SessionID,
		"checkpoint_id", checkpointID,
		"tasks", len(restored),
	)
	return restored, nil
}

// restoreTaskSnapshot rewrites one task record from its checkpointed
// snapshot, continuing the version sequence. Caller holds s.mu.
func (s *Store) restoreTaskSnapshot(ctx context.Context, snapshot *TaskState) (*TaskState, error) {
	lease, err := s.locks.Acquire(ctx, taskLockKey(snapshot.TaskID), lockfile.ModeWrite, s.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	base := snapshot.Version
	current, err := s.loadVerified(snapshot.TaskID)
	switch {
	case err == nil:
		base = current.Version
		if err := s.archive(current); err != nil {
			return nil, err
		}
	case errors.Is(err, errors.ErrRecordCorrupted):
		// Unrecoverable record; the snapshot is the best baseline left.
	default:
		return nil, err
	}

	restored := snapshot.Clone()
	restored.Version = base + 1
	restored.UpdatedAt = time.Now()
	if err := restored.seal(); err != nil {
		return nil, err
	}

	data, err := json.MarshalIndent(restored, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal restored task: %w", err)
	}
	if err := atomicWriteFile(taskStatePath(s.baseDir, snapshot.TaskID), data, 0644); err != nil {
		return nil, err
	}
	return restored.Clone(), nil
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

// publish delivers an event when a bus is attached.
func (s *Store) publish(e event.Event) {
	if s.bus != nil {
		s.bus.Publish(e)
	}
}

// listHistoryVersions parses version numbers from v<N>.json archive files.
func listHistoryVersions(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read history directory: %w", err)
	}

	var versions []int
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "v") || !strings.HasSuffix(name, ".json") {
			continue
		}
		v, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "v"), ".json"))
		if err != nil {
			continue
		}
		versions = append(versions, v)
	}
	return versions, nil
}

// atomicWriteFile writes data to a file atomically by writing to a temporary
// file first, then renaming. This ensures the target file is never in a
// partially-written state.
func atomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)

	// Create temp file in same directory to ensure atomic rename
	tmpFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()

	// Clean up temp file on any error
	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	// Write data
	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to write temp file: %w", err)
	}

	// Sync to disk
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("failed to sync temp file: %w", err)
	}

	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	// Set permissions
	if err := os.Chmod(tmpPath, perm); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}

	// Atomic rename
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file: %w", err)
	}

	success = true
	return nil
}
