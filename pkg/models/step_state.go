package models

import "time"

// StepStatus is the per-participant execution state of one step.
type StepStatus string

const (
	StepStatusPending                StepStatus = "pending"
	StepStatusWaitingForDependencies StepStatus = "waiting_for_dependencies"
	StepStatusWaitingForInputs       StepStatus = "waiting_for_inputs"
	StepStatusReady                  StepStatus = "ready"
	StepStatusRunning                StepStatus = "running"
	StepStatusCompleted              StepStatus = "completed"
	StepStatusShared                 StepStatus = "shared"
	StepStatusFailed                 StepStatus = "failed"
)

// statusRank orders the monotonic progression Pending/Waiting* -> Ready ->
// Running -> Completed -> Shared. Failed sits outside the ordering: it is
// terminal only for the current attempt and a manual re-run resets the step.
var statusRank = map[StepStatus]int{
	StepStatusPending:                0,
	StepStatusWaitingForDependencies: 0,
	StepStatusWaitingForInputs:       0,
	StepStatusReady:                  1,
	StepStatusRunning:                2,
	StepStatusCompleted:              3,
	StepStatusShared:                 4,
}

// PreRun reports whether the step has not started executing yet, meaning the
// resolver still owns its status.
func (s StepStatus) PreRun() bool {
	return statusRank[s] <= 1 && s != StepStatusFailed
}

// Waiting reports a transient not-ready state. Waiting is the expected
// steady state of an eventually-consistent system, never an error.
func (s StepStatus) Waiting() bool {
	return s == StepStatusWaitingForDependencies || s == StepStatusWaitingForInputs
}

// Done reports whether the step finished successfully for this participant.
func (s StepStatus) Done() bool {
	return s == StepStatusCompleted || s == StepStatusShared
}

// Artifact names one produced output file of a step.
type Artifact struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// StepState tracks one step for one participant within a session. It is
// owned exclusively by that participant; peers learn about it only through
// published progress snapshots.
type StepState struct {
	StepID         string     `json:"step_id"`
	Status         StepStatus `json:"status"`
	AutoRun        bool       `json:"auto_run"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	OutputManifest []Artifact `json:"output_manifest,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// Advance moves the state to next only when the transition is forward in the
// monotonic ordering, and reports whether anything changed. Failed and
// re-run resets bypass this and are applied explicitly by the agent.
func (st *StepState) Advance(next StepStatus) bool {
	if st.Status == next {
		return false
	}

	if statusRank[next] < statusRank[st.Status] {
		return false
	}

	st.Status = next

	return true
}
