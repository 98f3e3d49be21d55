package file

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmined/flowmesh/pkg/models"
	"github.com/openmined/flowmesh/pkg/persistence"
)

func testSession(id string) *models.Session {
	return &models.Session{
		FlowName:  "secure-sum",
		SessionID: id,
		RunID:     id,
		Participants: []models.Participant{
			{Identity: "alice@example.com", Role: "contributor1"},
		},
		FlowSpec: &models.FlowSpec{
			Name:      "secure-sum",
			Datasites: models.Datasites{All: []string{"contributor1"}},
			Steps:     []*models.Step{{ID: "generate", Run: &models.RunSpec{Targets: "all"}}},
		},
		Status:       models.SessionStatusAccepted,
		SelfIdentity: "alice@example.com",
		SelfRole:     "contributor1",
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
}

func TestPersistence_SaveAndLoadSession(t *testing.T) {
	p := NewPersistence(t.TempDir())

	session := testSession("session-1")
	require.NoError(t, p.SaveSession(t.Context(), session))

	loaded, err := p.SessionByID(t.Context(), "session-1")
	require.NoError(t, err)
	assert.Equal(t, session.SessionID, loaded.SessionID)
	assert.Equal(t, session.RunID, loaded.RunID)
	assert.Equal(t, "secure-sum", loaded.FlowSpec.Name)
}

func TestPersistence_SessionNotFound(t *testing.T) {
	p := NewPersistence(t.TempDir())

	_, err := p.SessionByID(t.Context(), "missing")
	require.ErrorIs(t, err, persistence.ErrSessionNotFound)
	assert.True(t, persistence.IsNotFound(err))
}

func TestPersistence_Sessions(t *testing.T) {
	p := NewPersistence(t.TempDir())

	sessions, err := p.Sessions(t.Context())
	require.NoError(t, err)
	assert.Empty(t, sessions)

	require.NoError(t, p.SaveSession(t.Context(), testSession("session-1")))
	require.NoError(t, p.SaveSession(t.Context(), testSession("session-2")))

	sessions, err = p.Sessions(t.Context())
	require.NoError(t, err)
	assert.Len(t, sessions, 2)
}

func TestPersistence_DeleteSession(t *testing.T) {
	root := t.TempDir()
	p := NewPersistence(root)

	require.NoError(t, p.SaveSession(t.Context(), testSession("session-1")))
	require.NoError(t, p.DeleteSession(t.Context(), "session-1"))

	assert.NoFileExists(t, filepath.Join(root, "sessions", "session-1.json"))
	require.ErrorIs(t, p.DeleteSession(t.Context(), "session-1"), persistence.ErrSessionNotFound)
}

func TestPersistence_StepStates(t *testing.T) {
	p := NewPersistence(t.TempDir())

	// Absent file means no state yet, not an error.
	states, err := p.StepStates(t.Context(), "session-1")
	require.NoError(t, err)
	assert.Empty(t, states)

	states = map[string]*models.StepState{
		"generate": {StepID: "generate", Status: models.StepStatusShared, AutoRun: true},
	}
	require.NoError(t, p.SaveStepStates(t.Context(), "session-1", states))

	loaded, err := p.StepStates(t.Context(), "session-1")
	require.NoError(t, err)
	require.Contains(t, loaded, "generate")
	assert.Equal(t, models.StepStatusShared, loaded["generate"].Status)
	assert.True(t, loaded["generate"].AutoRun)
}

func TestPersistence_HealthCheck(t *testing.T) {
	p := NewPersistence(t.TempDir())
	require.NoError(t, p.HealthCheck(t.Context()))

	missing := NewPersistence(filepath.Join(t.TempDir(), "nope"))
	require.Error(t, missing.HealthCheck(t.Context()))
}
