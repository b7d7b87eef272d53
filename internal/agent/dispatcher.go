package agent

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/stagehand-dev/stagehand/internal/errors"
	"github.com/stagehand-dev/stagehand/internal/event"
	"github.com/stagehand-dev/stagehand/internal/logging"
)

// Dispatcher launches a stage agent for a request. Dispatch returns once the
// launch is underway; the outcome arrives later on the event bus as an
// agent.completed or agent.error event, with agent.progress events in
// between.
type Dispatcher interface {
	Dispatch(ctx context.Context, req Request) error
}

// -----------------------------------------------------------------------------
// ExecDispatcher
// -----------------------------------------------------------------------------

// ExecDispatcher runs an external command per stage, in the task's worktree.
// The request is passed through the environment (STAGEHAND_TASK_ID,
// STAGEHAND_AGENT_TYPE, STAGEHAND_BRANCH, STAGEHAND_REVIEW_STRICTNESS, plus
// STAGEHAND_CTX_<KEY> for each context entry).
//
// Exit code 0 reports a completed stage. For reviewer runs, exit code 2
// reports "corrections needed" rather than a failure. Anything else becomes
// an agent.error event.
type ExecDispatcher struct {
	command    string
	args       []string
	strictness Strictness
	bus        *event.Bus
	logger     *logging.Logger
}

// reviewerCorrectionsExit is the reviewer exit code meaning "not approved,
// send the task back through the corrector".
const reviewerCorrectionsExit = 2

// NewExecDispatcher creates a dispatcher that shells out to command for every
// stage execution.
func NewExecDispatcher(command string, args []string, strictness Strictness, bus *event.Bus, logger *logging.Logger) *ExecDispatcher {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &ExecDispatcher{
		command:    command,
		args:       args,
		strictness: strictness,
		bus:        bus,
		logger:     logger,
	}
}

// Dispatch starts the agent command and returns. Launch failures are
// returned directly; execution outcomes are published as events.
func (d *ExecDispatcher) Dispatch(ctx context.Context, req Request) error {
	if !req.Type.IsValid() {
		return errors.NewAgentError("unknown agent type", errors.ErrInvalidInput).
			WithTaskID(req.TaskID).
			WithAgentType(req.Type.String())
	}

	cmd := exec.CommandContext(ctx, d.command, d.args...)
	cmd.Dir = req.Worktree
	cmd.Env = append(cmd.Environ(),
		"STAGEHAND_TASK_ID="+req.TaskID,
		"STAGEHAND_SESSION_ID="+req.SessionID,
		"STAGEHAND_AGENT_TYPE="+req.Type.String(),
		"STAGEHAND_BRANCH="+req.Branch,
		"STAGEHAND_REVIEW_STRICTNESS="+d.strictness.String(),
	)
	for k, v := range req.Context {
		cmd.Env = append(cmd.Env, "STAGEHAND_CTX_"+strings.ToUpper(k)+"="+v)
	}

	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output

	if err := cmd.Start(); err != nil {
		return errors.NewAgentError("failed to launch agent command", err).
			WithTaskID(req.TaskID).
			WithAgentType(req.Type.String())
	}

	d.bus.Publish(event.NewAgentLaunchEvent(req.TaskID, req.Type.String(), req.Context))
	d.logger.WithTask(req.TaskID).Info("agent launched",
		"agent_type", req.Type.String(),
		"command", d.command,
	)

	go d.await(req, cmd, &output)
	return nil
}

// await reaps the agent process and translates its exit into bus events.
func (d *ExecDispatcher) await(req Request, cmd *exec.Cmd, output *bytes.Buffer) {
	err := cmd.Wait()
	summary := tail(output.String(), 4096)

	if err == nil {
		d.bus.Publish(event.NewAgentCompletedEvent(req.TaskID, req.Type.String(), true, summary))
		return
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && req.Type == TypeReviewer && exitErr.ExitCode() == reviewerCorrectionsExit {
		d.bus.Publish(event.NewAgentCompletedEvent(req.TaskID, req.Type.String(), false, summary))
		return
	}

	d.logger.WithTask(req.TaskID).Error("agent command failed",
		"agent_type", req.Type.String(),
		"error", err.Error(),
	)
	d.bus.Publish(event.NewAgentErrorEvent(req.TaskID, req.Type.String(), err.Error()+": "+summary))
}

// tail returns the last n bytes of s, trimmed.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) > n {
		s = s[len(s)-n:]
	}
	return s
}

// -----------------------------------------------------------------------------
// ScriptedDispatcher
// -----------------------------------------------------------------------------

// Outcome scripts a single stage execution for the ScriptedDispatcher.
type Outcome struct {
	// Fail publishes an agent.error event with this message instead of a
	// completion.
	Fail string

	// Corrections marks a reviewer run as not approved.
	Corrections bool

	// Output is the completion summary.
	Output string

	// ProgressSteps publishes that many evenly spaced agent.progress events
	// before the terminal event.
	ProgressSteps int

	// Delay postpones the terminal event.
	Delay time.Duration
}

// ScriptedDispatcher replays configured outcomes instead of running real
// agents. Used by dry runs and tests. Unscripted requests complete approved
// with an empty output.
type ScriptedDispatcher struct {
	mu       sync.Mutex
	outcomes map[string]Outcome

	strictness Strictness
	bus        *event.Bus
}

// NewScriptedDispatcher creates a dispatcher with no scripted outcomes.
func NewScriptedDispatcher(strictness Strictness, bus *event.Bus) *ScriptedDispatcher {
	return &ScriptedDispatcher{
		outcomes:   make(map[string]Outcome),
		strictness: strictness,
		bus:        bus,
	}
}

// Script registers the outcome for the next dispatch of (taskID, agentType).
func (d *ScriptedDispatcher) Script(taskID string, agentType Type, outcome Outcome) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.outcomes[taskID+"/"+agentType.String()] = outcome
}

// Dispatch publishes the launch event and asynchronously replays the
// scripted outcome.
func (d *ScriptedDispatcher) Dispatch(ctx context.Context, req Request) error {
	if !req.Type.IsValid() {
		return errors.NewAgentError("unknown agent type", errors.ErrInvalidInput).
			WithTaskID(req.TaskID).
			WithAgentType(req.Type.String())
	}

	d.mu.Lock()
	key := req.TaskID + "/" + req.Type.String()
	outcome, ok := d.outcomes[key]
	if ok {
		delete(d.outcomes, key)
	}
	d.mu.Unlock()

	if !ok && req.Type == TypeReviewer && d.strictness == StrictnessStrict {
		// Strict reviews never approve by default.
		outcome.Corrections = true
	}

	d.bus.Publish(event.NewAgentLaunchEvent(req.TaskID, req.Type.String(), req.Context))

	go func() {
		for i := 1; i <= outcome.ProgressSteps; i++ {
			percent := i * 100 / (outcome.ProgressSteps + 1)
			d.bus.Publish(event.NewAgentProgressEvent(req.TaskID, req.Type.String(), percent, "working"))
		}

		if outcome.Delay > 0 {
			select {
			case <-time.After(outcome.Delay):
			case <-ctx.Done():
				d.bus.Publish(event.NewAgentErrorEvent(req.TaskID, req.Type.String(), ctx.Err().Error()))
				return
			}
		}

		if outcome.Fail != "" {
			d.bus.Publish(event.NewAgentErrorEvent(req.TaskID, req.Type.String(), outcome.Fail))
			return
		}
		d.bus.Publish(event.NewAgentCompletedEvent(req.TaskID, req.Type.String(), !outcome.Corrections, outcome.Output))
	}()
	return nil
}

// Compile-time interface checks.
var (
	_ Dispatcher = (*ExecDispatcher)(nil)
	_ Dispatcher = (*ScriptedDispatcher)(nil)
)
