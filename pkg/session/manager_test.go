package session

import (
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmined/flowmesh/pkg/log"
	"github.com/openmined/flowmesh/pkg/messaging"
	"github.com/openmined/flowmesh/pkg/messaging/gochannel"
	"github.com/openmined/flowmesh/pkg/models"
	"github.com/openmined/flowmesh/pkg/persistence"
	"github.com/openmined/flowmesh/pkg/persistence/file"
)

func testSpec() *models.FlowSpec {
	return &models.FlowSpec{
		Name:      "secure-sum",
		Datasites: models.Datasites{All: []string{"contributor1", "contributor2", "aggregator"}},
		Steps: []*models.Step{
			{ID: "generate", Uses: "generate", Run: &models.RunSpec{Targets: "contributors"}},
		},
	}
}

func testParticipants() []models.Participant {
	return []models.Participant{
		{Identity: "alice@example.com", Role: "contributor1"},
		{Identity: "bob@example.com", Role: "contributor2"},
		{Identity: "carol@example.com", Role: "aggregator"},
	}
}

func testManager(t *testing.T, identity string) (*Manager, persistence.Persistence) {
	t.Helper()

	pub, sub, err := gochannel.CreateChannel(watermill.NopLogger{})
	require.NoError(t, err)

	p := file.NewPersistence(t.TempDir())

	return NewManager(identity, p, messaging.NewWatermillBus(pub, sub), log.WithModule("test")), p
}

func TestPropose_RunIDEqualsSessionID(t *testing.T) {
	manager, p := testManager(t, "alice@example.com")

	s, err := manager.Propose(t.Context(), testSpec(), testParticipants())
	require.NoError(t, err)

	assert.Equal(t, s.SessionID, s.RunID)
	assert.NotEmpty(t, s.SessionID)
	assert.Equal(t, "contributor1", s.SelfRole)
	assert.Equal(t, models.SessionStatusAccepted, s.Status)

	stored, err := p.SessionByID(t.Context(), s.SessionID)
	require.NoError(t, err)
	assert.Equal(t, s.RunID, stored.RunID)
}

func TestRepropose_MintsFreshIdentifier(t *testing.T) {
	manager, _ := testManager(t, "alice@example.com")

	first, err := manager.Propose(t.Context(), testSpec(), testParticipants())
	require.NoError(t, err)

	second, err := manager.Repropose(t.Context(), first)
	require.NoError(t, err)

	assert.NotEqual(t, first.SessionID, second.SessionID)
	assert.Equal(t, second.SessionID, second.RunID)
	assert.Equal(t, first.FlowName, second.FlowName)

	// A re-run continues the original conversation thread.
	assert.Equal(t, first.ThreadID, second.ThreadID)
}

func TestPropose_FrozenSpecIsDetached(t *testing.T) {
	manager, _ := testManager(t, "alice@example.com")

	spec := testSpec()

	s, err := manager.Propose(t.Context(), spec, testParticipants())
	require.NoError(t, err)

	spec.Steps[0].Uses = "tampered"
	assert.Equal(t, "generate", s.FlowSpec.Steps[0].Uses)
}

func TestPropose_RejectsDuplicateRole(t *testing.T) {
	manager, _ := testManager(t, "alice@example.com")

	participants := testParticipants()
	participants[1].Role = "contributor1"

	_, err := manager.Propose(t.Context(), testSpec(), participants)
	require.ErrorIs(t, err, ErrDuplicateRole)
}

func TestPropose_RejectsDuplicateIdentity(t *testing.T) {
	manager, _ := testManager(t, "alice@example.com")

	participants := testParticipants()
	participants[1].Identity = "ALICE@example.com"

	_, err := manager.Propose(t.Context(), testSpec(), participants)
	require.ErrorIs(t, err, ErrDuplicateIdentity)
}

func TestPropose_RejectsUnboundPlaceholder(t *testing.T) {
	manager, _ := testManager(t, "alice@example.com")

	_, err := manager.Propose(t.Context(), testSpec(), testParticipants()[:2])
	require.ErrorIs(t, err, ErrUnboundPlaceholder)
}

func TestPropose_ProposerMustParticipate(t *testing.T) {
	manager, _ := testManager(t, "outsider@example.com")

	_, err := manager.Propose(t.Context(), testSpec(), testParticipants())
	require.ErrorIs(t, err, ErrNotInvited)
}

func testInvitation(t *testing.T) *messaging.FlowInvitation {
	t.Helper()

	return &messaging.FlowInvitation{
		BaseMessage: messaging.BaseMessage{
			ID:        "msg-1",
			Type:      messaging.FlowInvitationMessage,
			ThreadID:  "thread-1",
			Sender:    "alice@example.com",
			Timestamp: time.Now().UTC(),
		},
		FlowName:     "secure-sum",
		SessionID:    "session-abc",
		Participants: testParticipants(),
		FlowSpec:     testSpec(),
	}
}

func TestAccept_MaterializesSession(t *testing.T) {
	manager, p := testManager(t, "bob@example.com")

	s, err := manager.Accept(t.Context(), testInvitation(t), map[string]string{"count": "3"})
	require.NoError(t, err)

	assert.Equal(t, "session-abc", s.SessionID)
	assert.Equal(t, "session-abc", s.RunID)
	assert.Equal(t, "contributor2", s.SelfRole)
	assert.Equal(t, "bob@example.com", s.SelfIdentity)
	assert.Equal(t, "3", s.InputBindings["count"])

	stored, err := p.SessionByID(t.Context(), "session-abc")
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusAccepted, stored.Status)
}

func TestAccept_IsIdempotent(t *testing.T) {
	manager, _ := testManager(t, "bob@example.com")

	first, err := manager.Accept(t.Context(), testInvitation(t), nil)
	require.NoError(t, err)

	second, err := manager.Accept(t.Context(), testInvitation(t), nil)
	require.NoError(t, err)

	assert.Equal(t, first.SessionID, second.SessionID)
	assert.Equal(t, first.CreatedAt.Unix(), second.CreatedAt.Unix())
}

func TestAccept_RejectsUninvitedWithoutState(t *testing.T) {
	manager, p := testManager(t, "mallory@example.com")

	_, err := manager.Accept(t.Context(), testInvitation(t), nil)
	require.ErrorIs(t, err, ErrNotInvited)

	_, err = p.SessionByID(t.Context(), "session-abc")
	assert.True(t, persistence.IsNotFound(err))
}

func TestAccept_RejectsMalformedInvitation(t *testing.T) {
	manager, p := testManager(t, "bob@example.com")

	invitation := testInvitation(t)
	invitation.FlowSpec = nil

	_, err := manager.Accept(t.Context(), invitation, nil)
	require.ErrorIs(t, err, ErrInvalidInvitation)

	// A rejected invitation leaves no partial state behind.
	_, err = p.SessionByID(t.Context(), "session-abc")
	assert.True(t, persistence.IsNotFound(err))
}

func TestAccept_RejectsBrokenBindings(t *testing.T) {
	manager, p := testManager(t, "bob@example.com")

	invitation := testInvitation(t)
	invitation.Participants = invitation.Participants[:2]

	_, err := manager.Accept(t.Context(), invitation, nil)
	require.ErrorIs(t, err, ErrInvalidInvitation)

	_, err = p.SessionByID(t.Context(), "session-abc")
	assert.True(t, persistence.IsNotFound(err))
}
