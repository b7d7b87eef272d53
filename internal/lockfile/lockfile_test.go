package lockfile

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stagehand-dev/stagehand/internal/errors"
	"github.com/stagehand-dev/stagehand/internal/logging"
)

func newTestManager(t *testing.T, ttl time.Duration) *Manager {
	t.Helper()
	return NewManager(t.TempDir(), ttl, 10*time.Millisecond, logging.NopLogger())
}

func TestAcquire_WriteIsExclusive(t *testing.T) {
	m := newTestManager(t, time.Minute)
	ctx := context.Background()

	lease, err := m.Acquire(ctx, "tasks/t1/state", ModeWrite, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}
	defer lease.Release()

	_, err = m.Acquire(ctx, "tasks/t1/state", ModeWrite, 50*time.Millisecond)
	if err == nil {
		t.Fatal("second writer should time out")
	}
	if !errors.Is(err, errors.ErrLockTimeout) {
		t.Errorf("error should wrap ErrLockTimeout, got %v", err)
	}
	if !errors.IsRetryable(err) {
		t.Error("lock contention should be retryable")
	}
}

func TestAcquire_ReadersShare(t *testing.T) {
	m := newTestManager(t, time.Minute)
	ctx := context.Background()

	r1, err := m.Acquire(ctx, "tasks/t1/state", ModeRead, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("first reader: %v", err)
	}
	r2, err := m.Acquire(ctx, "tasks/t1/state", ModeRead, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("second reader: %v", err)
	}

	holders, err := m.Inspect("tasks/t1/state")
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if len(holders) != 2 {
		t.Fatalf("expected 2 holders, got %d", len(holders))
	}

	if err := r1.Release(); err != nil {
		t.Errorf("Release r1: %v", err)
	}
	if err := r2.Release(); err != nil {
		t.Errorf("Release r2: %v", err)
	}
}

func TestAcquire_WriterWaitsForReader(t *testing.T) {
	m := newTestManager(t, time.Minute)
	ctx := context.Background()

	reader, err := m.Acquire(ctx, "tasks/t1/state", ModeRead, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("reader: %v", err)
	}

	if _, err := m.Acquire(ctx, "tasks/t1/state", ModeWrite, 50*time.Millisecond); err == nil {
		t.Fatal("writer should block while a reader holds the lock")
	}

	if err := reader.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	writer, err := m.Acquire(ctx, "tasks/t1/state", ModeWrite, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("writer after release: %v", err)
	}
	_ = writer.Release()
}

func TestAcquire_ReaderBlockedByWriter(t *testing.T) {
	m := newTestManager(t, time.Minute)
	ctx := context.Background()

	writer, err := m.Acquire(ctx, "tasks/t1/state", ModeWrite, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("writer: %v", err)
	}
	defer writer.Release()

	if _, err := m.Acquire(ctx, "tasks/t1/state", ModeRead, 50*time.Millisecond); err == nil {
		t.Fatal("reader should block while a writer holds the lock")
	}
}

func TestAcquire_ExpiredLeaseIsReclaimed(t *testing.T) {
	m := newTestManager(t, 30*time.Millisecond)
	ctx := context.Background()

	stale, err := m.Acquire(ctx, "tasks/t1/state", ModeWrite, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("first Acquire: %v", err)
	}

	time.Sleep(60 * time.Millisecond) // let the lease lapse

	fresh, err := m.Acquire(ctx, "tasks/t1/state", ModeWrite, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("expired lease should be reclaimable: %v", err)
	}
	defer fresh.Release()

	// The stale holder was pruned from disk; its release must fail.
	if err := stale.Release(); !errors.Is(err, errors.ErrLockNotHeld) {
		t.Errorf("stale Release error = %v, want ErrLockNotHeld", err)
	}
}

func TestLease_ReleaseIsIdempotent(t *testing.T) {
	m := newTestManager(t, time.Minute)

	lease, err := m.Acquire(context.Background(), "tasks/t1/state", ModeWrite, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	if err := lease.Release(); err != nil {
		t.Fatalf("first Release: %v", err)
	}
	if err := lease.Release(); err != nil {
		t.Errorf("second Release should be a no-op, got %v", err)
	}

	if _, err := os.Stat(m.lockPath("tasks/t1/state")); !os.IsNotExist(err) {
		t.Error("lock file should be removed once the last holder releases")
	}
}

func TestLease_RenewExtendsLease(t *testing.T) {
	m := newTestManager(t, time.Minute)

	lease, err := m.Acquire(context.Background(), "tasks/t1/state", ModeWrite, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer lease.Release()

	before := lease.Holder.ExpiresAt
	time.Sleep(20 * time.Millisecond)
	if err := lease.Renew(); err != nil {
		t.Fatalf("Renew: %v", err)
	}
	if !lease.Holder.ExpiresAt.After(before) {
		t.Error("Renew should push the expiry forward")
	}
}

func TestLease_RenewAfterReleaseFails(t *testing.T) {
	m := newTestManager(t, time.Minute)

	lease, err := m.Acquire(context.Background(), "tasks/t1/state", ModeWrite, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	_ = lease.Release()

	if err := lease.Renew(); !errors.Is(err, errors.ErrLockNotHeld) {
		t.Errorf("Renew after Release = %v, want ErrLockNotHeld", err)
	}
}

func TestAcquire_ContextCancellation(t *testing.T) {
	m := newTestManager(t, time.Minute)

	lease, err := m.Acquire(context.Background(), "tasks/t1/state", ModeWrite, 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer lease.Release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := m.Acquire(ctx, "tasks/t1/state", ModeWrite, time.Minute); err == nil {
		t.Fatal("cancelled context should abort acquisition")
	}
}

func TestAcquire_RejectsUnknownMode(t *testing.T) {
	m := newTestManager(t, time.Minute)

	if _, err := m.Acquire(context.Background(), "tasks/t1/state", Mode("exclusive"), time.Second); err == nil {
		t.Fatal("unknown mode should be rejected")
	}
}

func TestCleanStale_ReclaimsExpiredHolders(t *testing.T) {
	m := newTestManager(t, 20*time.Millisecond)

	if _, err := m.Acquire(context.Background(), "tasks/t1/state", ModeWrite, 100*time.Millisecond); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	time.Sleep(50 * time.Millisecond)

	reclaimed, err := m.CleanStale()
	if err != nil {
		t.Fatalf("CleanStale: %v", err)
	}
	if reclaimed != 1 {
		t.Errorf("reclaimed = %d, want 1", reclaimed)
	}

	if _, err := os.Stat(m.lockPath("tasks/t1/state")); !os.IsNotExist(err) {
		t.Error("lock file with no live holders should be removed")
	}
}

func TestInspect_NoLockFile(t *testing.T) {
	m := newTestManager(t, time.Minute)

	holders, err := m.Inspect("tasks/missing/state")
	if err != nil {
		t.Fatalf("Inspect: %v", err)
	}
	if len(holders) != 0 {
		t.Errorf("expected no holders, got %d", len(holders))
	}
}
