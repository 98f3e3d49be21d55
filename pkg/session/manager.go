// Package session creates and accepts flow sessions. A session is born on
// the proposer, travels to every invitee inside the invitation message, and
// is materialized independently by each participant; there is no shared
// session store.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/openmined/flowmesh/pkg/flow"
	"github.com/openmined/flowmesh/pkg/messaging"
	"github.com/openmined/flowmesh/pkg/models"
	"github.com/openmined/flowmesh/pkg/persistence"
)

var (
	ErrNotInvited         = errors.New("local identity is not among the invited participants")
	ErrInvalidInvitation  = errors.New("invalid invitation")
	ErrUnboundPlaceholder = errors.New("flow placeholder has no participant bound")
	ErrDuplicateIdentity  = errors.New("identity bound to more than one role")
	ErrDuplicateRole      = errors.New("role bound to more than one identity")
)

// Manager owns the session lifecycle for one participant.
type Manager struct {
	identity    string
	persistence persistence.Persistence
	bus         messaging.Bus
	logger      *slog.Logger
}

func NewManager(identity string, p persistence.Persistence, bus messaging.Bus, logger *slog.Logger) *Manager {
	return &Manager{
		identity:    identity,
		persistence: p,
		bus:         bus,
		logger:      logger,
	}
}

// Propose creates a new session from a validated flow spec and a full
// placeholder-to-identity binding, persists it locally and sends the
// invitation to the thread. The proposer joins its own session immediately.
//
// The run identifier is the session identifier: every participant derives
// the same shared paths from it with no further negotiation.
func (m *Manager) Propose(ctx context.Context, spec *models.FlowSpec, participants []models.Participant) (*models.Session, error) {
	return m.propose(ctx, spec, participants, uuid.New().String())
}

func (m *Manager) propose(ctx context.Context, spec *models.FlowSpec, participants []models.Participant, threadID string) (*models.Session, error) {
	if err := checkBindings(spec, participants); err != nil {
		return nil, err
	}

	self := findSelf(participants, m.identity)
	if self == nil {
		return nil, ErrNotInvited
	}

	frozen, err := freezeSpec(spec)
	if err != nil {
		return nil, err
	}

	sessionID := uuid.New().String()

	session := &models.Session{
		FlowName:     frozen.Name,
		SessionID:    sessionID,
		RunID:        sessionID,
		ThreadID:     threadID,
		Participants: participants,
		FlowSpec:     frozen,
		Status:       models.SessionStatusAccepted,
		SelfIdentity: self.Identity,
		SelfRole:     self.Role,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}

	// Roster construction validates every target reference against the
	// concrete participants before anything is persisted or sent.
	if _, err := flow.NewRoster(frozen, participants, self.Identity); err != nil {
		return nil, err
	}

	if err := m.persistence.SaveSession(ctx, session); err != nil {
		return nil, err
	}

	if err := m.sendInvitation(ctx, session); err != nil {
		return nil, err
	}

	m.logger.Info("Proposed flow session",
		"flow_name", session.FlowName,
		"session_id", session.SessionID,
		"participants", len(participants))

	return session, nil
}

// Repropose starts a fresh session for the same flow and participants. The
// new session gets a new identifier, and with it new shared paths; nothing
// from the old run is reused except the conversation thread, so invitees
// see the re-run in the same thread as the original.
func (m *Manager) Repropose(ctx context.Context, old *models.Session) (*models.Session, error) {
	threadID := old.ThreadID
	if threadID == "" {
		threadID = uuid.New().String()
	}

	return m.propose(ctx, old.FlowSpec, old.Participants, threadID)
}

// Accept materializes a session from an invitation. Accepting twice returns
// the already-stored session unchanged. A malformed or foreign invitation is
// rejected before any state is written, so a rejected invitation leaves no
// trace.
func (m *Manager) Accept(ctx context.Context, invitation *messaging.FlowInvitation, inputBindings map[string]string) (*models.Session, error) {
	if invitation.SessionID == "" || invitation.FlowSpec == nil || len(invitation.Participants) == 0 {
		return nil, ErrInvalidInvitation
	}

	if existing, err := m.persistence.SessionByID(ctx, invitation.SessionID); err == nil {
		return existing, nil
	} else if !persistence.IsNotFound(err) {
		return nil, err
	}

	self := findSelf(invitation.Participants, m.identity)
	if self == nil {
		return nil, fmt.Errorf("%w: session %s", ErrNotInvited, invitation.SessionID)
	}

	if err := checkBindings(invitation.FlowSpec, invitation.Participants); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInvitation, err)
	}

	if _, err := flow.NewRoster(invitation.FlowSpec, invitation.Participants, self.Identity); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidInvitation, err)
	}

	session := &models.Session{
		FlowName:      invitation.FlowName,
		SessionID:     invitation.SessionID,
		RunID:         invitation.SessionID,
		ThreadID:      invitation.ThreadID,
		Participants:  invitation.Participants,
		FlowSpec:      invitation.FlowSpec,
		Status:        models.SessionStatusAccepted,
		SelfIdentity:  self.Identity,
		SelfRole:      self.Role,
		InputBindings: inputBindings,
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}

	if err := m.persistence.SaveSession(ctx, session); err != nil {
		return nil, err
	}

	m.logger.Info("Accepted flow session",
		"flow_name", session.FlowName,
		"session_id", session.SessionID,
		"role", session.SelfRole)

	return session, nil
}

func (m *Manager) sendInvitation(ctx context.Context, session *models.Session) error {
	invitation := &messaging.FlowInvitation{
		BaseMessage: messaging.BaseMessage{
			ID:        m.bus.GenerateID(),
			Type:      messaging.FlowInvitationMessage,
			ThreadID:  session.ThreadID,
			Sender:    m.identity,
			Timestamp: time.Now().UTC(),
		},
		FlowName:     session.FlowName,
		SessionID:    session.SessionID,
		Participants: session.Participants,
		FlowSpec:     session.FlowSpec,
	}

	return m.bus.Publish(ctx, session.ThreadID, invitation)
}

// checkBindings verifies the placeholder-to-identity binding is a
// bijection: every declared placeholder bound exactly once, every identity
// bound to exactly one role.
func checkBindings(spec *models.FlowSpec, participants []models.Participant) error {
	roles := make(map[string]bool, len(participants))
	identities := make(map[string]bool, len(participants))

	for _, p := range participants {
		if roles[p.Role] {
			return fmt.Errorf("%w: %s", ErrDuplicateRole, p.Role)
		}

		key := strings.ToLower(p.Identity)
		if identities[key] {
			return fmt.Errorf("%w: %s", ErrDuplicateIdentity, p.Identity)
		}

		roles[p.Role] = true
		identities[key] = true
	}

	for _, placeholder := range spec.Datasites.All {
		if !roles[placeholder] && !identities[strings.ToLower(placeholder)] {
			return fmt.Errorf("%w: %s", ErrUnboundPlaceholder, placeholder)
		}
	}

	return nil
}

func findSelf(participants []models.Participant, identity string) *models.Participant {
	for i := range participants {
		if strings.EqualFold(participants[i].Identity, identity) {
			return &participants[i]
		}
	}

	return nil
}

// freezeSpec deep-copies the spec so later edits to the caller's copy can
// never leak into a session already proposed.
func freezeSpec(spec *models.FlowSpec) (*models.FlowSpec, error) {
	body, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to freeze flow spec: %w", err)
	}

	var frozen models.FlowSpec
	if err := json.Unmarshal(body, &frozen); err != nil {
		return nil, fmt.Errorf("failed to freeze flow spec: %w", err)
	}

	return &frozen, nil
}
