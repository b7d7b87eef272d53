package coordinator

import (
	"github.com/stagehand-dev/stagehand/internal/errors"
)

// TaskSpec describes a task handed to the coordinator for execution.
type TaskSpec struct {
	ID         string   `json:"id"`
	Title      string   `json:"title"`
	Priority   int      `json:"priority"`   // higher runs first
	Complexity int      `json:"complexity"` // lower runs first at equal priority
	DependsOn  []string `json:"depends_on,omitempty"`
}

// validateSpecs rejects task lists that could never finish: blank or
// duplicate ids, dependencies on unknown tasks, and dependency cycles. A
// task with an unsatisfiable dependency would otherwise wait forever.
func validateSpecs(specs []TaskSpec) error {
	ids := make(map[string]bool, len(specs))
	for _, spec := range specs {
		if spec.ID == "" {
			return errors.NewValidationError("task id must not be empty")
		}
		if ids[spec.ID] {
			return errors.NewValidationError("duplicate task id").
				WithField("id").WithValue(spec.ID)
		}
		ids[spec.ID] = true
	}

	indegree := make(map[string]int, len(specs))
	dependents := make(map[string][]string, len(specs))
	for _, spec := range specs {
		indegree[spec.ID] += 0
		for _, dep := range spec.DependsOn {
			if !ids[dep] {
				return errors.NewValidationError("dependency on unknown task").
					WithField("depends_on").WithValue(dep)
			}
			indegree[spec.ID]++
			dependents[dep] = append(dependents[dep], spec.ID)
		}
	}

	// Kahn's algorithm; anything left unresolved sits on a cycle.
	var ready []string
	for id, n := range indegree {
		if n == 0 {
			ready = append(ready, id)
		}
	}
	resolved := 0
	for len(ready) > 0 {
		id := ready[len(ready)-1]
		ready = ready[:len(ready)-1]
		resolved++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				ready = append(ready, next)
			}
		}
	}
	if resolved != len(specs) {
		return errors.NewValidationError("dependency cycle among tasks").
			WithField("depends_on")
	}
	return nil
}

// admissionQueue orders waiting tasks for admission: only tasks whose
// dependencies have all completed are eligible, and among eligible tasks
// higher priority wins, with lower complexity breaking ties.
type admissionQueue struct {
	waiting   map[string]TaskSpec
	completed map[string]bool
	failed    map[string]bool
}

func newAdmissionQueue(specs []TaskSpec) *admissionQueue {
	q := &admissionQueue{
		waiting:   make(map[string]TaskSpec, len(specs)),
		completed: make(map[string]bool),
		failed:    make(map[string]bool),
	}
	for _, spec := range specs {
		q.waiting[spec.ID] = spec
	}
	return q
}

// next pops the best admissible task, or false when none is ready.
func (q *admissionQueue) next() (TaskSpec, bool) {
	var best TaskSpec
	found := false
	for _, spec := range q.waiting {
		if !q.depsSatisfied(spec) {
			continue
		}
		if !found || betterThan(spec, best) {
			best = spec
			found = true
		}
	}
	if found {
		delete(q.waiting, best.ID)
	}
	return best, found
}

// blocked pops every waiting task that can no longer run because one of its
// dependencies failed or was preserved.
func (q *admissionQueue) blocked() []TaskSpec {
	var out []TaskSpec
	for id, spec := range q.waiting {
		for _, dep := range spec.DependsOn {
			if q.failed[dep] {
				out = append(out, spec)
				delete(q.waiting, id)
				break
			}
		}
	}
	return out
}

func (q *admissionQueue) depsSatisfied(spec TaskSpec) bool {
	for _, dep := range spec.DependsOn {
		if !q.completed[dep] {
			return false
		}
	}
	return true
}

// requeue puts a popped task back, typically after a failed admission.
func (q *admissionQueue) requeue(spec TaskSpec) {
	q.waiting[spec.ID] = spec
}

// remove drops a waiting task, returning whether it was present.
func (q *admissionQueue) remove(taskID string) bool {
	if _, ok := q.waiting[taskID]; ok {
		delete(q.waiting, taskID)
		return true
	}
	return false
}

// markCompleted records a finished dependency.
func (q *admissionQueue) markCompleted(taskID string) {
	q.completed[taskID] = true
}

// markFailed records a dependency that will never complete.
func (q *admissionQueue) markFailed(taskID string) {
	q.failed[taskID] = true
}

// drain pops every waiting task regardless of dependency state.
func (q *admissionQueue) drain() []TaskSpec {
	out := make([]TaskSpec, 0, len(q.waiting))
	for id, spec := range q.waiting {
		out = append(out, spec)
		delete(q.waiting, id)
	}
	return out
}

// pending returns how many tasks are still waiting.
func (q *admissionQueue) pending() int {
	return len(q.waiting)
}

// betterThan orders two admissible tasks: priority descending, complexity
// ascending, then ID for determinism.
func betterThan(a, b TaskSpec) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if a.Complexity != b.Complexity {
		return a.Complexity < b.Complexity
	}
	return a.ID < b.ID
}
