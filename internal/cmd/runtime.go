package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/stagehand-dev/stagehand/internal/config"
	"github.com/stagehand-dev/stagehand/internal/event"
	"github.com/stagehand-dev/stagehand/internal/lockfile"
	"github.com/stagehand-dev/stagehand/internal/logging"
	"github.com/stagehand-dev/stagehand/internal/statestore"
)

// runtime bundles the long-lived components every subcommand needs: loaded
// configuration, the logger, the event bus, the lock manager, and the state
// store rooted at the resolved state directory.
type runtime struct {
	cfg      *config.Config
	stateDir string
	logger   *logging.Logger
	bus      *event.Bus
	locks    *lockfile.Manager
	store    *statestore.Store
}

// newRuntime loads configuration and opens the state directory. The stale
// lock scan runs here so every command starts from reclaimed locks.
func newRuntime() (*runtime, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get working directory: %w", err)
	}
	stateDir := cfg.State.ResolveStateDir(cwd)
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	logger, err := logging.NewLogger(stateDir, cfg.Logging.Level)
	if err != nil {
		return nil, err
	}

	bus := event.NewBus(logger, cfg.Events.HistoryLimit)
	locks := lockfile.NewManager(stateDir, cfg.Lock.DefaultTTL(), cfg.Lock.PollInterval(), logger)

	store, err := statestore.NewStore(stateDir, cfg.State.HistoryLimit, cfg.Lock.AcquireTimeout(), locks, bus, logger)
	if err != nil {
		bus.Close()
		_ = logger.Close()
		return nil, err
	}

	if reclaimed, err := locks.CleanStale(); err != nil {
		logger.Warn("stale lock scan failed", "error", err.Error())
	} else if reclaimed > 0 && cfg.Cleanup.WarnOnStale {
		logger.Warn("reclaimed stale locks", "count", reclaimed)
		fmt.Fprintf(os.Stderr, "warning: reclaimed %d stale lock(s) from a previous run\n", reclaimed)
	}

	return &runtime{
		cfg:      cfg,
		stateDir: stateDir,
		logger:   logger,
		bus:      bus,
		locks:    locks,
		store:    store,
	}, nil
}

// close drains the bus and flushes the log file.
func (r *runtime) close() {
	r.bus.Close()
	_ = r.logger.Close()
}

// ago renders a timestamp as a rounded time-since string.
func ago(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return time.Since(t).Round(time.Second).String() + " ago"
}
