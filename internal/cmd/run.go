package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stagehand-dev/stagehand/internal/agent"
	"github.com/stagehand-dev/stagehand/internal/cleanup"
	"github.com/stagehand-dev/stagehand/internal/config"
	"github.com/stagehand-dev/stagehand/internal/coordinator"
	"github.com/stagehand-dev/stagehand/internal/errors"
	"github.com/stagehand-dev/stagehand/internal/event"
	"github.com/stagehand-dev/stagehand/internal/git"
	"github.com/stagehand-dev/stagehand/internal/pool"
	"github.com/stagehand-dev/stagehand/internal/retry"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run tasks through the pipeline",
	Long: `Run admits the given tasks, drives each through the
develop/review/correct/finalize stages, and cleans up merged branches.
Tasks come from repeated --task flags (id or id=title) or a JSON tasks
file. Exit code 0 means every task completed.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().String("session", "", "session name")
	runCmd.Flags().StringArray("task", nil, "task to run, as id or id=title (repeatable)")
	runCmd.Flags().String("tasks-file", "", "JSON file with a task list (id, title, priority, complexity, depends_on)")
	runCmd.Flags().Int("max-concurrent", 0, "maximum tasks holding agents at once")
	runCmd.Flags().String("branch-prefix", "", "branch name prefix for task branches")
	runCmd.Flags().String("strictness", "", "review strictness: lenient, normal, strict")
	runCmd.Flags().String("agent-cmd", "", "external agent command (run in the task worktree)")
	runCmd.Flags().String("worktree-root", "", "directory for per-task worktrees")
	runCmd.Flags().Bool("dry-run", false, "simulate agents instead of dispatching real ones")

	_ = viper.BindPFlag("pipeline.max_concurrent_tasks", runCmd.Flags().Lookup("max-concurrent"))
	_ = viper.BindPFlag("branch.prefix", runCmd.Flags().Lookup("branch-prefix"))
	_ = viper.BindPFlag("pipeline.review_strictness", runCmd.Flags().Lookup("strictness"))

	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	specs, err := loadTaskSpecs(cmd)
	if err != nil {
		return err
	}

	rt, err := newRuntime()
	if err != nil {
		return err
	}
	defer rt.close()
	cfg := rt.cfg

	dryRun, _ := cmd.Flags().GetBool("dry-run")
	strictness := agent.Strictness(cfg.Pipeline.ReviewStrictness)

	var dispatcher agent.Dispatcher
	if dryRun {
		dispatcher = agent.NewScriptedDispatcher(strictness, rt.bus)
	} else {
		agentCmd, _ := cmd.Flags().GetString("agent-cmd")
		if agentCmd == "" {
			return errors.NewValidationError("either --agent-cmd or --dry-run is required")
		}
		parts := strings.Fields(agentCmd)
		dispatcher = agent.NewExecDispatcher(parts[0], parts[1:], strictness, rt.bus, rt.logger)
	}

	maxConcurrent := cfg.Pipeline.MaxConcurrentTasks
	poolMin := cfg.Pool.MinSize
	if poolMin > maxConcurrent {
		poolMin = maxConcurrent
	}
	agentPool, err := pool.NewPool(poolMin, maxConcurrent, cfg.Pool.IdleTimeout(), rt.logger)
	if err != nil {
		return err
	}
	defer agentPool.Close()

	breaker := pool.NewBreaker("agent-dispatch",
		cfg.Breaker.FailureThreshold,
		cfg.Breaker.SuccessThreshold,
		cfg.Breaker.ResetTimeout(),
		rt.bus, rt.logger)

	// Progress events arrive at heartbeat frequency per task; batch them so
	// log followers see one summary per window instead of the firehose.
	aggregator := event.NewAggregator(rt.bus, cfg.Events.AggregationWindow())
	defer aggregator.Close()
	if _, err := rt.bus.Subscribe(event.TopicAgentProgress, func(e event.Event) {
		if progress, ok := e.(event.AgentProgressEvent); ok {
			aggregator.Add(progress.TaskID, e)
		}
	}); err != nil {
		return err
	}
	if _, err := rt.bus.Subscribe(event.TopicAggregateSummary, func(e event.Event) {
		if summary, ok := e.(event.SummaryEvent); ok {
			rt.logger.Debug("progress summary", "task_id", summary.Key, "reports", summary.Count)
		}
	}); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Live-reload tunables while a long session runs.
	watcher := config.NewWatcher(config.ConfigDir(), rt.logger)
	if err := watcher.Start(ctx); err != nil {
		rt.logger.Warn("config watcher unavailable", "error", err.Error())
	} else {
		go func() {
			for range watcher.Events() {
				if _, err := config.Load(); err != nil {
					rt.logger.Warn("config reload failed", "error", err.Error())
					continue
				}
				rt.logger.Info("configuration reloaded")
			}
		}()
	}

	if !dryRun {
		cwd, err := os.Getwd()
		if err != nil {
			return err
		}
		protocol := cleanup.NewProtocol(rt.store, git.NewClient(cwd), rt.bus, rt.stateDir,
			cfg.Cleanup.KeepRemoteBranches, rt.logger)
		if _, err := protocol.SubscribeFinalized(); err != nil {
			return err
		}
	}

	sessionName, _ := cmd.Flags().GetString("session")
	worktreeRoot, _ := cmd.Flags().GetString("worktree-root")

	coord := coordinator.New(rt.store, rt.bus, dispatcher, agentPool, breaker, coordinator.Options{
		SessionName:           sessionName,
		MaxConcurrent:         maxConcurrent,
		MaxCorrectionAttempts: cfg.Pipeline.MaxCorrectionAttempts,
		StageTimeout:          cfg.Pipeline.StageTimeout(),
		HeartbeatInterval:     cfg.Pipeline.HeartbeatInterval(),
		HeartbeatGrace:        cfg.Pipeline.HeartbeatGrace(),
		BranchPrefix:          cfg.Branch.Prefix,
		WorktreeRoot:          worktreeRoot,
		AcquireTimeout:        cfg.Pool.AcquireTimeout(),
		RetryPolicy: retry.Policy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseDelay:   cfg.Retry.BaseDelay(),
			MaxDelay:    cfg.Retry.MaxDelay(),
		},
	}, rt.logger)

	report, runErr := coord.Run(ctx, specs)
	if report != nil {
		printReport(report)
	}
	if runErr != nil {
		return runErr
	}
	if !report.Success() {
		return fmt.Errorf("%d task(s) failed", report.Failed)
	}
	return nil
}

// loadTaskSpecs merges --tasks-file and --task flags into one spec list.
func loadTaskSpecs(cmd *cobra.Command) ([]coordinator.TaskSpec, error) {
	var specs []coordinator.TaskSpec

	if path, _ := cmd.Flags().GetString("tasks-file"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read tasks file: %w", err)
		}
		if err := json.Unmarshal(data, &specs); err != nil {
			return nil, fmt.Errorf("failed to parse tasks file: %w", err)
		}
	}

	taskFlags, _ := cmd.Flags().GetStringArray("task")
	for _, raw := range taskFlags {
		id, title, found := strings.Cut(raw, "=")
		if !found {
			title = id
		}
		if id == "" {
			return nil, errors.NewValidationError("task id must not be empty")
		}
		specs = append(specs, coordinator.TaskSpec{ID: id, Title: title})
	}

	if len(specs) == 0 {
		return nil, errors.NewValidationError("no tasks given: use --task or --tasks-file")
	}
	return specs, nil
}
