// Package cleanup implements the merge-verification-gated reclamation of a
// finished task's resources: its worktree, its local and remote branches,
// and its scratch files. Nothing is ever deleted speculatively; any doubt
// about merge status or worktree cleanliness preserves the resources and
// records why.
package cleanup

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/stagehand-dev/stagehand/internal/errors"
	"github.com/stagehand-dev/stagehand/internal/event"
	"github.com/stagehand-dev/stagehand/internal/git"
	"github.com/stagehand-dev/stagehand/internal/logging"
	"github.com/stagehand-dev/stagehand/internal/retry"
	"github.com/stagehand-dev/stagehand/internal/statestore"
)

// Action is the outcome of a cleanup evaluation.
type Action string

const (
	// ActionFullCleanup removes the task's worktree, branches, and scratch
	// files.
	ActionFullCleanup Action = "full_cleanup"

	// ActionPreserve keeps every resource and writes a preservation record.
	ActionPreserve Action = "preserve"
)

// Decision is the result of evaluating a task against the cleanup matrix.
type Decision struct {
	TaskID   string   `json:"task_id"`
	Action   Action   `json:"action"`
	Reason   string   `json:"reason"`
	Warnings []string `json:"warnings,omitempty"`
}

// Protocol evaluates and executes cleanup for finalized tasks.
type Protocol struct {
	store       *statestore.Store
	vcs         *git.Client
	bus         *event.Bus
	log         *PreservationLog
	keepRemote  bool
	retryPolicy retry.Policy
	logger      *logging.Logger
}

// NewProtocol creates a cleanup protocol. keepRemote skips remote branch
// deletion during full cleanup.
func NewProtocol(store *statestore.Store, vcs *git.Client, bus *event.Bus, stateDir string, keepRemote bool, logger *logging.Logger) *Protocol {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Protocol{
		store:       store,
		vcs:         vcs,
		bus:         bus,
		log:         NewPreservationLog(stateDir),
		keepRemote:  keepRemote,
		retryPolicy: retry.DefaultPolicy,
		logger:      logger,
	}
}

// SubscribeFinalized registers the protocol on the bus so every finalized
// task is cleaned up. This subscription is the only trigger for cleanup.
func (p *Protocol) SubscribeFinalized() (string, error) {
	return p.bus.Subscribe(event.TopicTaskFinalized, func(e event.Event) {
		fin, ok := e.(event.TaskFinalizedEvent)
		if !ok {
			return
		}
		if _, err := p.Execute(context.Background(), fin.TaskID); err != nil {
			p.logger.WithTask(fin.TaskID).Error("cleanup failed", "error", err.Error())
		}
	})
}

// Evaluate applies the decision matrix to a task without touching anything.
//
//	merged + clean worktree  -> full_cleanup
//	merged + dirty worktree  -> preserve, warn
//	not merged               -> preserve, reason lists the unmerged commits
//
// "Merged" requires both the merged-branch listing and an empty diff, since
// a fast-forward listing can be stale.
func (p *Protocol) Evaluate(ctx context.Context, taskID string) (Decision, error) {
	task, err := p.store.GetTask(ctx, taskID)
	if err != nil {
		return Decision{}, err
	}

	decision := Decision{TaskID: taskID}

	if task.Branch == "" {
		// Nothing was ever created for this task.
		decision.Action = ActionFullCleanup
		decision.Reason = "no branch recorded"
		return decision, nil
	}

	main := p.vcs.FindMainBranch()

	listed, err := p.vcs.IsBranchMerged(task.Branch, main)
	if err != nil {
		return Decision{}, err
	}
	diffEmpty, err := p.vcs.DiffEmpty(main, task.Branch)
	if err != nil {
		return Decision{}, err
	}

	if !listed || !diffEmpty {
		commits, err := p.vcs.ListUnmergedCommits(main, task.Branch)
		if err != nil {
			return Decision{}, err
		}

		decision.Action = ActionPreserve
		decision.Reason = fmt.Sprintf("branch %s not merged into %s: %d unmerged commits", task.Branch, main, len(commits))
		if len(commits) > 0 {
			decision.Reason += "\n" + strings.Join(commits, "\n")
		}
		if listed && !diffEmpty {
			decision.Warnings = append(decision.Warnings,
				"merged-branch listing disagrees with diff; listing may be stale")
		}
		return decision, nil
	}

	if task.Worktree != "" {
		if _, statErr := os.Stat(task.Worktree); statErr == nil {
			dirty, err := p.vcs.HasUncommittedChanges(task.Worktree)
			if err != nil {
				return Decision{}, err
			}
			if dirty {
				decision.Action = ActionPreserve
				decision.Reason = "worktree has uncommitted changes"
				decision.Warnings = append(decision.Warnings,
					fmt.Sprintf("worktree %s is dirty despite merged branch", task.Worktree))
				return decision, nil
			}
		}
	}

	decision.Action = ActionFullCleanup
	decision.Reason = fmt.Sprintf("branch %s merged into %s with empty diff", task.Branch, main)
	return decision, nil
}

// Execute evaluates the task and carries out the decision. Full cleanup
// runs each action independently so one failure does not abort the rest;
// preserve writes a durable record and deletes nothing.
func (p *Protocol) Execute(ctx context.Context, taskID string) (Decision, error) {
	decision, err := p.Evaluate(ctx, taskID)
	if err != nil {
		return Decision{}, err
	}

	task, err := p.store.GetTask(ctx, taskID)
	if err != nil {
		return Decision{}, err
	}

	if decision.Action == ActionPreserve {
		return decision, p.preserve(ctx, task, decision)
	}
	return decision, p.fullCleanup(task, decision)
}

func (p *Protocol) fullCleanup(task *statestore.TaskState, decision Decision) error {
	log := p.logger.WithTask(task.TaskID)
	var actions, errs []string

	try := func(name string, fn func() error) {
		if err := fn(); err != nil {
			log.Warn("cleanup action failed", "action", name, "error", err.Error())
			errs = append(errs, name+": "+err.Error())
			return
		}
		log.Info("cleanup action done", "action", name)
		actions = append(actions, name)
	}

	if task.Worktree != "" {
		if _, err := os.Stat(task.Worktree); err == nil {
			try("remove worktree "+task.Worktree, func() error {
				return p.vcs.RemoveWorktree(task.Worktree)
			})
		}
	}

	if task.Branch != "" {
		try("delete branch "+task.Branch, func() error {
			err := p.vcs.DeleteBranch(task.Branch, false)
			if err == nil || errors.Is(err, errors.ErrBranchNotFound) {
				return nil
			}
			// Merge was independently verified, so force deletion is safe.
			return p.vcs.DeleteBranch(task.Branch, true)
		})

		if !p.keepRemote {
			try("delete remote branch "+task.Branch, func() error {
				return p.vcs.DeleteRemoteBranch(task.Branch)
			})
		}
	}

	if scratch := p.store.ScratchDir(task.TaskID); scratch != "" {
		if _, err := os.Stat(scratch); err == nil {
			try("remove scratch dir "+scratch, func() error {
				return os.RemoveAll(scratch)
			})
		}
	}

	if p.bus != nil {
		p.bus.Publish(event.NewCleanupExecutedEvent(task.TaskID, actions, errs))
	}
	return nil
}

func (p *Protocol) preserve(ctx context.Context, task *statestore.TaskState, decision Decision) error {
	record := PreservationRecord{
		TaskID:   task.TaskID,
		Reason:   decision.Reason,
		Warnings: decision.Warnings,
		Branch:   task.Branch,
		Worktree: task.Worktree,
	}
	if err := p.log.Append(record); err != nil {
		return err
	}

	// A preserved task is terminal but not failed; flip its record so the
	// final report and later re-evaluation can find it.
	if !task.Status.Terminal() || task.Status == statestore.StatusCompleted {
		err := retry.Do(ctx, p.retryPolicy, p.logger, "mark task preserved", func(ctx context.Context) error {
			current, err := p.store.GetTask(ctx, task.TaskID)
			if err != nil {
				return err
			}
			_, err = p.store.UpdateTask(ctx, task.TaskID, current.Version, func(s *statestore.TaskState) error {
				s.Status = statestore.StatusPreserved
				s.FailureReason = ""
				return nil
			})
			return err
		})
		if err != nil {
			return err
		}
		// The status flip changes the session's derived counts.
		if task.SessionID != "" {
			if _, err := p.store.RefreshSession(ctx, task.SessionID); err != nil {
				p.logger.WithTask(task.TaskID).Warn("session refresh failed", "error", err.Error())
			}
		}
	}

	p.logger.WithTask(task.TaskID).Warn("task resources preserved", "reason", decision.Reason)
	if p.bus != nil {
		p.bus.Publish(event.NewCleanupPreservedEvent(task.TaskID, decision.Reason))
	}
	return nil
}

// ListPreserved returns every preservation record written so far, oldest
// first.
func (p *Protocol) ListPreserved() ([]PreservationRecord, error) {
	return p.log.List()
}
