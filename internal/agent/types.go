// Package agent defines the dispatch boundary to the external stage agents
// (developer, reviewer, corrector, finalizer). The coordinator hands a
// Request to a Dispatcher and learns the outcome from bus events; nothing in
// this package blocks on agent execution.
package agent

// Type identifies which kind of stage agent handles a request.
type Type string

const (
	// TypeDeveloper implements the task on its branch.
	TypeDeveloper Type = "developer"

	// TypeReviewer evaluates the developer's work and either approves it or
	// requests corrections.
	TypeReviewer Type = "reviewer"

	// TypeCorrector applies the reviewer's requested corrections.
	TypeCorrector Type = "corrector"

	// TypeFinalizer prepares the approved work for merge.
	TypeFinalizer Type = "finalizer"
)

// AllTypes returns every agent type in pipeline order.
func AllTypes() []Type {
	return []Type{TypeDeveloper, TypeReviewer, TypeCorrector, TypeFinalizer}
}

// String returns the string representation of the agent type.
func (t Type) String() string {
	return string(t)
}

// IsValid returns true if the agent type is a recognized value.
func (t Type) IsValid() bool {
	switch t {
	case TypeDeveloper, TypeReviewer, TypeCorrector, TypeFinalizer:
		return true
	}
	return false
}

// Strictness is the review strictness profile applied to reviewer runs.
type Strictness string

const (
	StrictnessLenient Strictness = "lenient"
	StrictnessNormal  Strictness = "normal"
	StrictnessStrict  Strictness = "strict"
)

// String returns the string representation of the strictness profile.
func (s Strictness) String() string {
	return string(s)
}

// IsValid returns true if the strictness is a recognized value.
func (s Strictness) IsValid() bool {
	switch s {
	case StrictnessLenient, StrictnessNormal, StrictnessStrict:
		return true
	}
	return false
}

// Request describes one stage execution handed to a Dispatcher.
type Request struct {
	TaskID    string
	SessionID string
	Type      Type
	Branch    string
	Worktree  string

	// Context carries free-form key/value pairs for the agent: the task
	// title, the reviewer's correction notes, and similar stage inputs.
	Context map[string]string
}

// Result is the payload of a successful stage execution.
type Result struct {
	// Approved only matters for reviewer runs: false means corrections were
	// requested and the task loops back through the corrector.
	Approved bool

	// Output is the agent's summary of what it did.
	Output string
}
