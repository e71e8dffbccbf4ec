package model

import "time"

// RequestState is a position in the request lifecycle.
type RequestState string

// Request states. Draft is never persisted.
const (
	StateDraft     RequestState = "draft"
	StatePending   RequestState = "pending"
	StateApproved  RequestState = "approved"
	StateRejected  RequestState = "rejected"
	StateRunning   RequestState = "running"
	StateCompleted RequestState = "completed"
	StateFailed    RequestState = "failed"
	StateTimedOut  RequestState = "timed_out"
)

// PayloadKind distinguishes typed-in queries from uploaded scripts.
type PayloadKind string

// Payload kinds.
const (
	PayloadInlineQuery    PayloadKind = "inline_query"
	PayloadUploadedScript PayloadKind = "uploaded_script"
)

// validTransitions maps each state to the set of states it may transition to.
// Approved→Failed is only reachable when the target disappeared before the
// request could start, or when recovering from a crashed process.
var validTransitions = map[RequestState]map[RequestState]bool{
	StateDraft: {
		StatePending: true,
	},
	StatePending: {
		StateApproved: true,
		StateRejected: true,
	},
	StateApproved: {
		StateRunning: true,
		StateFailed:  true,
	},
	StateRunning: {
		StateCompleted: true,
		StateFailed:    true,
		StateTimedOut:  true,
	},
}

// ValidTransition reports whether transitioning from one state to another is allowed.
func ValidTransition(from, to RequestState) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// IsTerminal reports whether no further transition leaves state.
func (s RequestState) IsTerminal() bool {
	switch s {
	case StateRejected, StateCompleted, StateFailed, StateTimedOut:
		return true
	}
	return false
}

// Valid reports whether s is a known state.
func (s RequestState) Valid() bool {
	switch s {
	case StateDraft, StatePending, StateApproved, StateRejected,
		StateRunning, StateCompleted, StateFailed, StateTimedOut:
		return true
	}
	return false
}

// Request is a user-submitted query or script tracked through review and
// execution. It is mutated only by the lifecycle service.
type Request struct {
	ID            string       `json:"id"`
	Submitter     string       `json:"submitter"`
	InstanceID    string       `json:"instance_id"`
	DatabaseName  string       `json:"database_name"`
	PayloadKind   PayloadKind  `json:"payload_kind"`
	Payload       string       `json:"payload"`
	ScriptName    string       `json:"script_name,omitempty"`
	Comment       string       `json:"comment,omitempty"`
	State         RequestState `json:"state"`
	Reviewer      string       `json:"reviewer,omitempty"`
	ReviewComment string       `json:"review_comment,omitempty"`
	ClonedFrom    string       `json:"cloned_from,omitempty"`

	Result     string `json:"result,omitempty"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	ErrorCode  string `json:"error_code,omitempty"`
	DurationMS *int   `json:"duration_ms,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	ReviewedAt *time.Time `json:"reviewed_at,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Outcome is the terminal result of an execution, recorded atomically with
// the terminal state.
type Outcome struct {
	State      RequestState
	Result     string
	Output     string
	Error      string
	ErrorCode  string
	DurationMS int
}

// RequestFilter narrows request listings. Zero values mean "any".
type RequestFilter struct {
	State      RequestState
	Submitter  string
	InstanceID string
	Limit      int
	Offset     int
}
