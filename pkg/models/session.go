package models

import (
	"strings"
	"time"
)

// SessionStatus is the roll-up lifecycle state of a session on one
// participant.
type SessionStatus string

const (
	SessionStatusInvited   SessionStatus = "invited"
	SessionStatusAccepted  SessionStatus = "accepted"
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
	SessionStatusCancelled SessionStatus = "cancelled"
)

// Participant binds a concrete identity to a role declared by the flow.
type Participant struct {
	Identity string `json:"identity" validate:"required"`
	Role     string `json:"role"     validate:"required"`
}

// Session is one accepted execution of a flow on one participant. RunID is
// always equal to SessionID: every participant derives the same
// shared-storage path from it without negotiation.
type Session struct {
	FlowName      string            `json:"flow_name"  validate:"required"`
	SessionID     string            `json:"session_id" validate:"required"`
	RunID         string            `json:"run_id"     validate:"required,eqfield=SessionID"`
	ThreadID      string            `json:"thread_id"`
	Participants  []Participant     `json:"participants" validate:"required,min=1,dive"`
	FlowSpec      *FlowSpec         `json:"flow_spec"    validate:"required"`
	Status        SessionStatus     `json:"status"`
	SelfIdentity  string            `json:"self_identity"`
	SelfRole      string            `json:"self_role"`
	InputBindings map[string]string `json:"input_bindings,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// ParticipantByIdentity returns the participant with the given identity, or
// nil. Identity comparison is case-insensitive, matching how datasite
// identities behave in practice.
func (s *Session) ParticipantByIdentity(identity string) *Participant {
	for i := range s.Participants {
		if strings.EqualFold(s.Participants[i].Identity, identity) {
			return &s.Participants[i]
		}
	}

	return nil
}

// ParticipantByRole returns the participant assigned to a role, or nil.
func (s *Session) ParticipantByRole(role string) *Participant {
	for i := range s.Participants {
		if s.Participants[i].Role == role {
			return &s.Participants[i]
		}
	}

	return nil
}

// Identities returns all participant identities in declaration order.
func (s *Session) Identities() []string {
	identities := make([]string, 0, len(s.Participants))
	for _, p := range s.Participants {
		identities = append(identities, p.Identity)
	}

	return identities
}

// Settled reports whether the session needs no further evaluation. Failed is
// not settled: a failed session stays live so a recovered barrier or an
// operator re-run can still move it forward.
func (s *Session) Settled() bool {
	return s.Status == SessionStatusCompleted ||
		s.Status == SessionStatusCancelled
}
