package coordinator

import (
	"github.com/stagehand-dev/stagehand/internal/agent"
	"github.com/stagehand-dev/stagehand/internal/statestore"
)

// legalTransitions is the task lifecycle:
//
//	pending -> developing -> reviewing -> finalizing -> completed
//	                reviewing <-> correcting
//	completed -> preserved (cleanup demotes when resources cannot be freed)
//	any non-terminal state -> failed
var legalTransitions = map[statestore.TaskStatus][]statestore.TaskStatus{
	statestore.StatusPending:    {statestore.StatusDeveloping, statestore.StatusFailed},
	statestore.StatusDeveloping: {statestore.StatusReviewing, statestore.StatusFailed},
	statestore.StatusReviewing:  {statestore.StatusFinalizing, statestore.StatusCorrecting, statestore.StatusFailed},
	statestore.StatusCorrecting: {statestore.StatusReviewing, statestore.StatusFailed},
	statestore.StatusFinalizing: {statestore.StatusCompleted, statestore.StatusFailed},
	statestore.StatusCompleted:  {statestore.StatusPreserved},
	statestore.StatusFailed:     {},
	statestore.StatusPreserved:  {},
}

// CanTransition reports whether moving a task from one status to another is
// legal.
func CanTransition(from, to statestore.TaskStatus) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// stageProgress maps a status to a coarse pipeline percentage for the task
// record. Terminal failure keeps whatever the task had reached.
func stageProgress(status statestore.TaskStatus) (int, bool) {
	switch status {
	case statestore.StatusPending:
		return 0, true
	case statestore.StatusDeveloping:
		return 20, true
	case statestore.StatusReviewing:
		return 50, true
	case statestore.StatusCorrecting:
		return 60, true
	case statestore.StatusFinalizing:
		return 80, true
	case statestore.StatusCompleted, statestore.StatusPreserved:
		return 100, true
	}
	return 0, false
}

// stageAgent maps an in-flight stage to the agent type that runs it.
func stageAgent(status statestore.TaskStatus) (agent.Type, bool) {
	switch status {
	case statestore.StatusDeveloping:
		return agent.TypeDeveloper, true
	case statestore.StatusReviewing:
		return agent.TypeReviewer, true
	case statestore.StatusCorrecting:
		return agent.TypeCorrector, true
	case statestore.StatusFinalizing:
		return agent.TypeFinalizer, true
	}
	return "", false
}
