package cleanup

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/stagehand-dev/stagehand/internal/errors"
)

// PreservationLogName is the append-only log of preserved tasks within the
// state directory.
const PreservationLogName = "preserved.jsonl"

// PreservationRecord is one entry in the preservation log.
type PreservationRecord struct {
	TaskID      string    `json:"task_id"`
	Reason      string    `json:"reason"`
	Warnings    []string  `json:"warnings,omitempty"`
	Branch      string    `json:"branch,omitempty"`
	Worktree    string    `json:"worktree,omitempty"`
	PreservedAt time.Time `json:"preserved_at"`
}

// PreservationLog is a durable JSONL log of preserved tasks. Records are
// only ever appended; re-evaluating a task later appends a new record.
type PreservationLog struct {
	mu   sync.Mutex
	path string
}

// NewPreservationLog creates a log rooted in the state directory.
func NewPreservationLog(stateDir string) *PreservationLog {
	return &PreservationLog{path: filepath.Join(stateDir, PreservationLogName)}
}

// Append writes one record and syncs it to disk.
func (l *PreservationLog) Append(record PreservationRecord) error {
	if record.PreservedAt.IsZero() {
		record.PreservedAt = time.Now().UTC()
	}

	data, err := json.Marshal(record)
	if err != nil {
		return errors.Wrap(err, "failed to encode preservation record")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrap(err, "failed to open preservation log")
	}
	defer f.Close()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return errors.Wrap(err, "failed to append preservation record")
	}
	return f.Sync()
}

// List returns every record in the log, oldest first. A missing log is an
// empty list. A torn trailing line is skipped rather than failing the read.
func (l *PreservationLog) List() ([]PreservationRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.Open(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "failed to open preservation log")
	}
	defer f.Close()

	var records []PreservationRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var record PreservationRecord
		if err := json.Unmarshal(line, &record); err != nil {
			continue
		}
		records = append(records, record)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read preservation log")
	}
	return records, nil
}
