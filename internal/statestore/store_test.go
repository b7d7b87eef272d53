package statestore

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stagehand-dev/stagehand/internal/errors"
	"github.com/stagehand-dev/stagehand/internal/event"
	"github.com/stagehand-dev/stagehand/internal/lockfile"
	"github.com/stagehand-dev/stagehand/internal/logging"
)

func newTestStore(t *testing.T, historyLimit int) *Store {
	t.Helper()
	dir := t.TempDir()
	locks := lockfile.NewManager(dir, time.Minute, 10*time.Millisecond, logging.NopLogger())
	store, err := NewStore(dir, historyLimit, time.Second, locks, nil, logging.NopLogger())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return store
}

func newTask(taskID string) *TaskState {
	return &TaskState{
		TaskID:    taskID,
		SessionID: "sess-1",
		Title:     "add feature",
		Branch:    "stagehand/" + taskID,
		Priority:  1,
	}
}

func TestCreateTask_StartsAtVersionOne(t *testing.T) {
	store := newTestStore(t, 5)
	ctx := context.Background()

	if err := store.CreateTask(ctx, newTask("t1")); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	task, err := store.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Version != 1 {
		t.Errorf("Version = %d, want 1", task.Version)
	}
	if task.Status != StatusPending {
		t.Errorf("Status = %q, want pending", task.Status)
	}
	if task.Checksum == "" {
		t.Error("record should carry an integrity checksum")
	}
}

func TestCreateTask_DuplicateFails(t *testing.T) {
	store := newTestStore(t, 5)
	ctx := context.Background()

	if err := store.CreateTask(ctx, newTask("t1")); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := store.CreateTask(ctx, newTask("t1")); !errors.Is(err, errors.ErrAlreadyExists) {
		t.Errorf("duplicate create = %v, want ErrAlreadyExists", err)
	}
}

func TestGetTask_NotFound(t *testing.T) {
	store := newTestStore(t, 5)

	_, err := store.GetTask(context.Background(), "nope")
	if !errors.Is(err, errors.ErrTaskNotFound) {
		t.Errorf("GetTask = %v, want ErrTaskNotFound", err)
	}
}

func TestUpdateTask_IncrementsVersionByOne(t *testing.T) {
	store := newTestStore(t, 5)
	ctx := context.Background()

	if err := store.CreateTask(ctx, newTask("t1")); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	updated, err := store.UpdateTask(ctx, "t1", 1, func(ts *TaskState) error {
		ts.Status = StatusDeveloping
		return nil
	})
	if err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	if updated.Version != 2 {
		t.Errorf("Version = %d, want 2", updated.Version)
	}
	if updated.Status != StatusDeveloping {
		t.Errorf("Status = %q, want developing", updated.Status)
	}

	// Version is owned by the store; the stored record must agree.
	reread, err := store.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if reread.Version != 2 {
		t.Errorf("stored Version = %d, want 2", reread.Version)
	}
}

func TestUpdateTask_StaleVersionConflicts(t *testing.T) {
	store := newTestStore(t, 5)
	ctx := context.Background()

	if err := store.CreateTask(ctx, newTask("t1")); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := store.UpdateTask(ctx, "t1", 1, func(ts *TaskState) error {
		ts.Status = StatusDeveloping
		return nil
	}); err != nil {
		t.Fatalf("first update: %v", err)
	}

	// Second writer still believes version 1.
	_, err := store.UpdateTask(ctx, "t1", 1, func(ts *TaskState) error {
		ts.Status = StatusReviewing
		return nil
	})
	if !errors.Is(err, errors.ErrVersionConflict) {
		t.Fatalf("stale update = %v, want ErrVersionConflict", err)
	}

	var stateErr *errors.StateError
	if !errors.As(err, &stateErr) {
		t.Fatal("conflict should be a *StateError")
	}
	if stateErr.Version != 2 {
		t.Errorf("conflict should carry the actual version, got %d", stateErr.Version)
	}
	// Losers must re-read and retry, so the conflict is transient.
	if !errors.IsRetryable(err) {
		t.Error("version conflict should be retryable")
	}

	// The losing write must not have applied.
	task, err := store.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if task.Status != StatusDeveloping {
		t.Errorf("Status = %q, losing write leaked through", task.Status)
	}
}

func TestUpdateTask_HistoryArchivedAndPruned(t *testing.T) {
	store := newTestStore(t, 3)
	ctx := context.Background()

	if err := store.CreateTask(ctx, newTask("t1")); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	for v := 1; v <= 6; v++ {
		if _, err := store.UpdateTask(ctx, "t1", v, func(ts *TaskState) error {
			ts.Data = map[string]string{"round": string(rune('0' + v))}
			return nil
		}); err != nil {
			t.Fatalf("update at version %d: %v", v, err)
		}
	}

	versions, err := store.HistoryVersions("t1")
	if err != nil {
		t.Fatalf("HistoryVersions: %v", err)
	}
	// Six archives were written (v1..v6); only the newest three survive.
	want := []int{4, 5, 6}
	if len(versions) != len(want) {
		t.Fatalf("versions = %v, want %v", versions, want)
	}
	for i := range want {
		if versions[i] != want[i] {
			t.Fatalf("versions = %v, want %v", versions, want)
		}
	}
}

func TestGetTask_RecoversFromHistory(t *testing.T) {
	dir := t.TempDir()
	locks := lockfile.NewManager(dir, time.Minute, 10*time.Millisecond, logging.NopLogger())
	bus := event.NewBus(logging.NopLogger(), 16)
	store, err := NewStore(dir, 5, time.Second, locks, bus, logging.NopLogger())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	ctx := context.Background()

	if err := store.CreateTask(ctx, newTask("t1")); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := store.UpdateTask(ctx, "t1", 1, func(ts *TaskState) error {
		ts.Status = StatusDeveloping
		return nil
	}); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}

	// Corrupt the current record on disk.
	statePath := filepath.Join(dir, TasksDirName, "t1", StateFileName)
	if err := os.WriteFile(statePath, []byte("{ not json"), 0644); err != nil {
		t.Fatalf("corrupt record: %v", err)
	}

	task, err := store.GetTask(ctx, "t1")
	if err != nil {
		t.Fatalf("GetTask should recover from history: %v", err)
	}
	// v1 is the newest valid archive (v2's archive is written on the next update).
	if task.Version != 1 {
		t.Errorf("recovered Version = %d, want 1", task.Version)
	}

	bus.Close()
	n, err := bus.Replay(event.TopicStateIntegrity, func(e event.Event) {
		ie := e.(event.StateIntegrityEvent)
		if !ie.Recovered {
			t.Error("integrity event should report recovery")
		}
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 integrity event, got %d", n)
	}
}

func TestGetTask_UnrecoverableCorruption(t *testing.T) {
	store := newTestStore(t, 5)
	ctx := context.Background()

	if err := store.CreateTask(ctx, newTask("t1")); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	// No history exists yet; corrupting the only record is unrecoverable.
	statePath := filepath.Join(store.BaseDir(), TasksDirName, "t1", StateFileName)
	if err := os.WriteFile(statePath, []byte("garbage"), 0644); err != nil {
		t.Fatalf("corrupt record: %v", err)
	}

	_, err := store.GetTask(ctx, "t1")
	if !errors.Is(err, errors.ErrRecordCorrupted) {
		t.Fatalf("GetTask = %v, want ErrRecordCorrupted", err)
	}
	if !errors.IsCritical(err) {
		t.Error("unrecoverable corruption should be critical")
	}
}

func TestCheckpoint_SnapshotsWholeSession(t *testing.T) {
	store := newTestStore(t, 5)
	ctx := context.Background()

	session := &Session{ID: "sess-1", Name: "release prep"}
	if err := store.CreateSession(ctx, session); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	for _, id := range []string{"t1", "t2"} {
		if err := store.CreateTask(ctx, newTask(id)); err != nil {
			t.Fatalf("CreateTask %s: %v", id, err)
		}
		if err := store.AttachTask(ctx, "sess-1", id); err != nil {
			t.Fatalf("AttachTask %s: %v", id, err)
		}
	}
	if _, err := store.UpdateTask(ctx, "t1", 1, func(ts *TaskState) error {
		ts.Status = StatusDeveloping
		return nil
	}); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}

	cp, err := store.CreateCheckpoint(ctx, "sess-1", "before risky correction")
	if err != nil {
		t.Fatalf("CreateCheckpoint: %v", err)
	}
	if cp.SessionID != "sess-1" {
		t.Errorf("SessionID = %q, want sess-1", cp.SessionID)
	}
	if len(cp.Tasks) != 2 {
		t.Fatalf("snapshot holds %d tasks, want both members", len(cp.Tasks))
	}

	listed, err := store.ListCheckpoints(ctx, "sess-1")
	if err != nil {
		t.Fatalf("ListCheckpoints: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != cp.ID {
		t.Errorf("ListCheckpoints by session returned %d entries", len(listed))
	}
	if listed, err = store.ListCheckpoints(ctx, "other-session"); err != nil || len(listed) != 0 {
		t.Errorf("foreign session listing = %d entries, %v", len(listed), err)
	}
}

func TestCheckpoint_RestoreRewindsAllTasks(t *testing.T) {
	store := newTestStore(t, 5)
	ctx := context.Background()

	session := &Session{ID: "sess-1", Name: "release prep"}
	if err := store.CreateSession(ctx, session); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	for _, id := range []string{"t1", "t2"} {
		if err := store.CreateTask(ctx, newTask(id)); err != nil {
			t.Fatalf("CreateTask %s: %v", id, err)
		}
		if err := store.AttachTask(ctx, "sess-1", id); err != nil {
			t.Fatalf("AttachTask %s: %v", id, err)
		}
	}

	cp, err := store.CreateCheckpoint(ctx, "sess-1", "before risky correction")
	if err != nil {
		t.Fatalf("CreateCheckpoint: %v", err)
	}

	// Both tasks move on past the checkpoint, t1 further than t2.
	for v := 1; v <= 3; v++ {
		if _, err := store.UpdateTask(ctx, "t1", v, func(ts *TaskState) error {
			ts.CorrectionAttempts++
			return nil
		}); err != nil {
			t.Fatalf("update t1 at version %d: %v", v, err)
		}
	}
	if _, err := store.UpdateTask(ctx, "t2", 1, func(ts *TaskState) error {
		ts.Status = StatusDeveloping
		return nil
	}); err != nil {
		t.Fatalf("update t2: %v", err)
	}

	restored, err := store.RestoreCheckpoint(ctx, cp.ID)
	if err != nil {
		t.Fatalf("RestoreCheckpoint: %v", err)
	}
	if len(restored) != 2 {
		t.Fatalf("restored %d tasks, want 2", len(restored))
	}

	byID := make(map[string]*TaskState, len(restored))
	for _, task := range restored {
		byID[task.TaskID] = task
	}
	// Versions continue past each record's current version.
	if got := byID["t1"]; got.Version != 5 || got.CorrectionAttempts != 0 {
		t.Errorf("t1 = v%d attempts %d, want v5 with checkpointed 0 attempts",
			got.Version, got.CorrectionAttempts)
	}
	if got := byID["t2"]; got.Version != 3 || got.Status != StatusPending {
		t.Errorf("t2 = v%d %q, want v3 back at pending", got.Version, got.Status)
	}

	// The session record is rewound with its members.
	rewound, err := store.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if rewound.Status != cp.Session.Status {
		t.Errorf("session Status = %q, want checkpointed %q", rewound.Status, cp.Session.Status)
	}
}

func TestCheckpoint_NotFound(t *testing.T) {
	store := newTestStore(t, 5)

	if _, err := store.GetCheckpoint(context.Background(), "missing"); !errors.Is(err, errors.ErrCheckpointNotFound) {
		t.Errorf("GetCheckpoint = %v, want ErrCheckpointNotFound", err)
	}
}

func TestSession_RefreshDerivesMetrics(t *testing.T) {
	store := newTestStore(t, 5)
	ctx := context.Background()

	session := &Session{ID: "sess-1", Name: "release prep"}
	if err := store.CreateSession(ctx, session); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	for _, id := range []string{"t1", "t2", "t3"} {
		if err := store.CreateTask(ctx, newTask(id)); err != nil {
			t.Fatalf("CreateTask %s: %v", id, err)
		}
		if err := store.AttachTask(ctx, "sess-1", id); err != nil {
			t.Fatalf("AttachTask %s: %v", id, err)
		}
	}

	setStatus := func(id string, status TaskStatus) {
		t.Helper()
		task, err := store.GetTask(ctx, id)
		if err != nil {
			t.Fatalf("GetTask %s: %v", id, err)
		}
		if _, err := store.UpdateTask(ctx, id, task.Version, func(ts *TaskState) error {
			ts.Status = status
			return nil
		}); err != nil {
			t.Fatalf("UpdateTask %s: %v", id, err)
		}
	}

	setStatus("t1", StatusCompleted)
	setStatus("t2", StatusPreserved)

	refreshed, err := store.RefreshSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("RefreshSession: %v", err)
	}
	if refreshed.Status != SessionActive {
		t.Errorf("Status = %q, want active while t3 is pending", refreshed.Status)
	}
	if refreshed.CompletedTasks != 1 || refreshed.PreservedTasks != 1 {
		t.Errorf("counts = completed:%d preserved:%d, want 1/1",
			refreshed.CompletedTasks, refreshed.PreservedTasks)
	}

	// The average is the mean creation-to-terminal wall time of the two
	// terminal members; t3 is still pending and must not count.
	var wall time.Duration
	for _, id := range []string{"t1", "t2"} {
		task, err := store.GetTask(ctx, id)
		if err != nil {
			t.Fatalf("GetTask %s: %v", id, err)
		}
		wall += task.UpdatedAt.Sub(task.CreatedAt)
	}
	wantAvg := (wall / 2).Seconds()
	if math.Abs(refreshed.AvgCompletionSeconds-wantAvg) > 1e-6 {
		t.Errorf("AvgCompletionSeconds = %v, want %v", refreshed.AvgCompletionSeconds, wantAvg)
	}

	setStatus("t3", StatusFailed)
	refreshed, err = store.RefreshSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("RefreshSession: %v", err)
	}
	if refreshed.Status != SessionFailed {
		t.Errorf("Status = %q, want failed once a member failed and all are terminal", refreshed.Status)
	}
}

func TestSession_NotFound(t *testing.T) {
	store := newTestStore(t, 5)

	if _, err := store.GetSession(context.Background(), "missing"); !errors.Is(err, errors.ErrSessionNotFound) {
		t.Errorf("GetSession = %v, want ErrSessionNotFound", err)
	}
}

func TestListTasks_SkipsUnreadable(t *testing.T) {
	store := newTestStore(t, 5)
	ctx := context.Background()

	if err := store.CreateTask(ctx, newTask("t1")); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := store.CreateTask(ctx, newTask("t2")); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	// t2 has no history; corrupting it makes it unlistable.
	statePath := filepath.Join(store.BaseDir(), TasksDirName, "t2", StateFileName)
	if err := os.WriteFile(statePath, []byte("garbage"), 0644); err != nil {
		t.Fatalf("corrupt record: %v", err)
	}

	tasks, err := store.ListTasks(ctx)
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].TaskID != "t1" {
		t.Errorf("ListTasks should skip the corrupted record, got %d tasks", len(tasks))
	}
}
