// Package lockfile implements TTL-leased advisory locks over files. Locks
// guard persisted state records against concurrent writers across processes.
//
// A lock is a JSON record listing its current holders. Read locks are shared:
// any number of readers may hold the lock together. Write locks are
// exclusive: a writer waits for every other holder to release or expire.
// Every grant carries a lease; holders that neither release nor renew before
// the lease expires are reclaimed by the next acquirer, so a crashed process
// cannot wedge the lock forever.
package lockfile

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/stagehand-dev/stagehand/internal/errors"
	"github.com/stagehand-dev/stagehand/internal/logging"
)

// Mode distinguishes shared from exclusive acquisition.
type Mode string

const (
	// ModeRead grants shared access; multiple readers may hold the lock.
	ModeRead Mode = "read"
	// ModeWrite grants exclusive access.
	ModeWrite Mode = "write"
)

// guardStaleAfter bounds how long a crashed process can hold the guard file
// that serializes lock record updates.
const guardStaleAfter = 5 * time.Second

// Holder identifies one grant on a lock.
type Holder struct {
	ID         string    `json:"id"`
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	Mode       Mode      `json:"mode"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// expired reports whether the holder's lease has lapsed.
func (h Holder) expired(now time.Time) bool {
	return now.After(h.ExpiresAt)
}

// record is the on-disk lock file format.
type record struct {
	Key     string   `json:"key"`
	Holders []Holder `json:"holders"`
}

// Manager grants and releases TTL locks for resource keys. A key maps to a
// lock file at <dir>/<key>.lock, so "tasks/t1/state" locks
// <dir>/tasks/t1/state.lock.
type Manager struct {
	dir    string
	ttl    time.Duration
	poll   time.Duration
	logger *logging.Logger
}

// NewManager creates a lock manager rooted at dir. ttl is the lease granted
// to each holder; poll is how often a blocked acquirer re-checks the lock.
func NewManager(dir string, ttl, poll time.Duration, logger *logging.Logger) *Manager {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Manager{
		dir:    dir,
		ttl:    ttl,
		poll:   poll,
		logger: logger,
	}
}

// Lease is an acquired lock grant. Release it when done; Renew extends the
// lease for long-running work.
type Lease struct {
	Key    string
	Holder Holder

	m        *Manager
	released bool
}

// Acquire obtains the lock for key in the given mode, polling until the lock
// becomes available, the timeout elapses, or ctx is cancelled. A timeout
// produces a retryable lock-contention error wrapping ErrLockTimeout.
func (m *Manager) Acquire(ctx context.Context, key string, mode Mode, timeout time.Duration) (*Lease, error) {
	if mode != ModeRead && mode != ModeWrite {
		return nil, errors.NewValidationError(fmt.Sprintf("unknown lock mode %q", mode))
	}

	deadline := time.Now().Add(timeout)
	for {
		holder, err := m.tryAcquire(key, mode)
		if err == nil {
			m.logger.Debug("lock acquired",
				"key", key,
				"mode", string(mode),
				"holder", holder.ID,
			)
			return &Lease{Key: key, Holder: holder, m: m}, nil
		}
		if !errors.Is(err, errors.ErrLockTimeout) {
			return nil, err
		}

		if time.Now().After(deadline) {
			return nil, errors.NewLockError("lock acquisition timed out", errors.ErrLockTimeout).
				WithResourceKey(key).
				WithMode(string(mode))
		}

		select {
		case <-ctx.Done():
			return nil, errors.NewLockError("lock acquisition cancelled", ctx.Err()).
				WithResourceKey(key).
				WithMode(string(mode))
		case <-time.After(m.poll):
		}
	}
}

// tryAcquire attempts one non-blocking grant. Contention is reported as an
// error wrapping ErrLockTimeout so the caller's poll loop can retry.
func (m *Manager) tryAcquire(key string, mode Mode) (Holder, error) {
	path := m.lockPath(key)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return Holder{}, fmt.Errorf("failed to create lock directory: %w", err)
	}

	unguard, err := m.guard(path)
	if err != nil {
		return Holder{}, err
	}
	defer unguard()

	rec, err := readRecord(path)
	if err != nil {
		return Holder{}, err
	}
	rec.Key = key

	now := time.Now()
	live := pruneHolders(rec.Holders, now)
	if len(live) < len(rec.Holders) {
		m.logger.Warn("expired lock holders reclaimed",
			"key", key,
			"reclaimed", len(rec.Holders)-len(live),
		)
	}

	if !compatible(live, mode) {
		// Persist the pruned holder list even when we cannot join, so
		// expired leases do not linger on disk.
		rec.Holders = live
		if err := writeRecord(path, rec); err != nil {
			return Holder{}, err
		}
		return Holder{}, errors.ErrLockTimeout
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	holder := Holder{
		ID:         generateHolderID(hostname),
		PID:        os.Getpid(),
		Hostname:   hostname,
		Mode:       mode,
		AcquiredAt: now,
		ExpiresAt:  now.Add(m.ttl),
	}

	rec.Holders = append(live, holder)
	if err := writeRecord(path, rec); err != nil {
		return Holder{}, err
	}
	return holder, nil
}

// Release gives up the lease. Releasing a lease that is no longer held, or
// whose lease expired and was reclaimed, returns an error wrapping
// ErrLockNotHeld. Safe to call multiple times; subsequent calls return nil.
func (l *Lease) Release() error {
	if l == nil || l.released {
		return nil
	}
	l.released = true

	path := l.m.lockPath(l.Key)
	unguard, err := l.m.guard(path)
	if err != nil {
		return err
	}
	defer unguard()

	rec, err := readRecord(path)
	if err != nil {
		return err
	}

	idx := -1
	for i, h := range rec.Holders {
		if h.ID == l.Holder.ID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return errors.NewLockError("lease not held", errors.ErrLockNotHeld).
			WithResourceKey(l.Key).
			WithMode(string(l.Holder.Mode))
	}

	rec.Holders = append(rec.Holders[:idx], rec.Holders[idx+1:]...)
	if len(rec.Holders) == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove lock file: %w", err)
		}
		l.m.logger.Debug("lock released", "key", l.Key, "holder", l.Holder.ID)
		return nil
	}

	if err := writeRecord(path, rec); err != nil {
		return err
	}
	l.m.logger.Debug("lock released", "key", l.Key, "holder", l.Holder.ID)
	return nil
}

// Renew extends the lease by the manager's TTL from now. Renewing a lease
// that expired and was reclaimed returns an error wrapping ErrLockNotHeld.
func (l *Lease) Renew() error {
	if l == nil || l.released {
		return errors.NewLockError("lease already released", errors.ErrLockNotHeld).
			WithResourceKey(l.Key)
	}

	path := l.m.lockPath(l.Key)
	unguard, err := l.m.guard(path)
	if err != nil {
		return err
	}
	defer unguard()

	rec, err := readRecord(path)
	if err != nil {
		return err
	}

	now := time.Now()
	for i, h := range rec.Holders {
		if h.ID == l.Holder.ID {
			if h.expired(now) {
				break
			}
			rec.Holders[i].ExpiresAt = now.Add(l.m.ttl)
			l.Holder.ExpiresAt = rec.Holders[i].ExpiresAt
			return writeRecord(path, rec)
		}
	}

	return errors.NewLockError("lease not held", errors.ErrLockNotHeld).
		WithResourceKey(l.Key).
		WithMode(string(l.Holder.Mode))
}

// Inspect returns the live holders of a lock. A missing lock file means no
// holders. Expired holders are filtered but not removed from disk.
func (m *Manager) Inspect(key string) ([]Holder, error) {
	rec, err := readRecord(m.lockPath(key))
	if err != nil {
		return nil, err
	}
	return pruneHolders(rec.Holders, time.Now()), nil
}

// CleanStale scans every lock file under the manager's root, drops holders
// whose lease expired or whose local process is gone, and removes lock files
// left with no holders. Returns the number of holders reclaimed.
func (m *Manager) CleanStale() (int, error) {
	reclaimed := 0

	err := filepath.WalkDir(m.dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".lock") {
			return nil
		}

		unguard, gerr := m.guard(path)
		if gerr != nil {
			return gerr
		}
		defer unguard()

		rec, rerr := readRecord(path)
		if rerr != nil {
			return rerr
		}

		now := time.Now()
		hostname, herr := os.Hostname()
		if herr != nil {
			hostname = "unknown"
		}

		var live []Holder
		for _, h := range rec.Holders {
			if h.expired(now) {
				reclaimed++
				continue
			}
			// A dead process on this host can never release its lease.
			if h.Hostname == hostname && !isProcessAlive(h.PID) {
				reclaimed++
				continue
			}
			live = append(live, h)
		}

		if len(live) == len(rec.Holders) {
			return nil
		}
		if len(live) == 0 {
			if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
				return rmErr
			}
			return nil
		}
		rec.Holders = live
		return writeRecord(path, rec)
	})
	if err != nil {
		return reclaimed, err
	}

	if reclaimed > 0 {
		m.logger.Warn("stale lock holders cleaned", "reclaimed", reclaimed)
	}
	return reclaimed, nil
}

// lockPath maps a resource key to its lock file.
func (m *Manager) lockPath(key string) string {
	return filepath.Join(m.dir, filepath.FromSlash(key)+".lock")
}

// guard serializes read-modify-write cycles on one lock file between
// processes using an O_EXCL sibling file. Guards older than guardStaleAfter
// are treated as abandoned by a crashed process and broken.
func (m *Manager) guard(path string) (func(), error) {
	guardPath := path + ".guard"
	deadline := time.Now().Add(guardStaleAfter)

	for {
		f, err := os.OpenFile(guardPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if err == nil {
			f.Close()
			return func() { os.Remove(guardPath) }, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("failed to create lock guard: %w", err)
		}

		if info, serr := os.Stat(guardPath); serr == nil && time.Since(info.ModTime()) > guardStaleAfter {
			m.logger.Warn("breaking abandoned lock guard", "path", guardPath)
			os.Remove(guardPath)
			continue
		}

		if time.Now().After(deadline) {
			return nil, errors.NewLockError("lock guard contended", errors.ErrLockTimeout).
				WithResourceKey(path)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// compatible reports whether a new grant in the given mode can coexist with
// the live holders. Writers require an empty lock; readers tolerate readers.
func compatible(live []Holder, mode Mode) bool {
	if len(live) == 0 {
		return true
	}
	if mode == ModeWrite {
		return false
	}
	for _, h := range live {
		if h.Mode == ModeWrite {
			return false
		}
	}
	return true
}

// pruneHolders filters out holders whose lease has expired.
func pruneHolders(holders []Holder, now time.Time) []Holder {
	var live []Holder
	for _, h := range holders {
		if !h.expired(now) {
			live = append(live, h)
		}
	}
	return live
}

// readRecord loads a lock record. A missing file yields an empty record.
func readRecord(path string) (record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return record{}, nil
		}
		return record{}, fmt.Errorf("failed to read lock file: %w", err)
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return record{}, fmt.Errorf("failed to parse lock file: %w", err)
	}
	return rec, nil
}

// writeRecord persists a lock record atomically via temp file and rename.
func writeRecord(path string, rec record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal lock record: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write lock file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace lock file: %w", err)
	}
	return nil
}

// generateHolderID creates a unique holder identity for diagnostics and
// release matching.
func generateHolderID(hostname string) string {
	return fmt.Sprintf("%s-%d-%s", hostname, os.Getpid(), uuid.NewString()[:8])
}

// isProcessAlive checks if a process with the given PID is still running.
func isProcessAlive(pid int) bool {
	// On Unix, sending signal 0 checks if process exists without affecting it
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	err = process.Signal(syscall.Signal(0))
	return err == nil
}
