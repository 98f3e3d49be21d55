package models

import "time"

// ProgressEventType enumerates the append-only coordination log entries.
type ProgressEventType string

const (
	ProgressJoined        ProgressEventType = "joined"
	ProgressStepStarted   ProgressEventType = "step_started"
	ProgressStepCompleted ProgressEventType = "step_completed"
	ProgressStepShared    ProgressEventType = "step_shared"
	ProgressStepFailed    ProgressEventType = "step_failed"
)

// ProgressEvent is one line of a participant's _progress/log.jsonl.
type ProgressEvent struct {
	ID        string            `json:"id"`
	Type      ProgressEventType `json:"type"`
	Role      string            `json:"role"`
	StepID    string            `json:"step_id,omitempty"`
	Status    StepStatus        `json:"status,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// ProgressSnapshot is a participant's full published state for one session,
// written to _progress/state.json. A participant only ever writes its own
// snapshot; readers treat a fresher UpdatedAt as authoritative for that
// participant.
type ProgressSnapshot struct {
	SessionID string                `json:"session_id"`
	Identity  string                `json:"identity"`
	Role      string                `json:"role"`
	UpdatedAt time.Time             `json:"updated_at"`
	Steps     map[string]*StepState `json:"steps"`
}

// StepStatusOf returns the published status for a step, defaulting to
// Pending when the snapshot has no record yet.
func (p *ProgressSnapshot) StepStatusOf(stepID string) StepStatus {
	if p == nil {
		return StepStatusPending
	}

	if st, ok := p.Steps[stepID]; ok {
		return st.Status
	}

	return StepStatusPending
}
