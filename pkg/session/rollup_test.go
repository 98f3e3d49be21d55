package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmined/flowmesh/pkg/flow"
	"github.com/openmined/flowmesh/pkg/models"
)

func rollupFixture(t *testing.T) (*flow.Roster, *models.FlowSpec) {
	t.Helper()

	spec := &models.FlowSpec{
		Name:      "secure-sum",
		Datasites: models.Datasites{All: []string{"contributor1", "contributor2", "aggregator"}},
		Steps: []*models.Step{
			{ID: "generate", Run: &models.RunSpec{Targets: "contributors"}},
			{ID: "gate", Barrier: &models.BarrierSpec{WaitFor: "generate", Targets: "contributors"}},
			{ID: "combine", Run: &models.RunSpec{Targets: "aggregator"}},
		},
	}

	roster, err := flow.NewRoster(spec, []models.Participant{
		{Identity: "alice@example.com", Role: "contributor1"},
		{Identity: "bob@example.com", Role: "contributor2"},
		{Identity: "carol@example.com", Role: "aggregator"},
	}, "alice@example.com")
	require.NoError(t, err)

	return roster, spec
}

func TestRollUp_FreshSessionIsAccepted(t *testing.T) {
	roster, spec := rollupFixture(t)

	status := RollUp(roster, spec, map[string]*models.StepState{})
	assert.Equal(t, models.SessionStatusAccepted, status)
}

func TestRollUp_WaitingKeepsSessionRunning(t *testing.T) {
	roster, spec := rollupFixture(t)

	states := map[string]*models.StepState{
		"generate": {StepID: "generate", Status: models.StepStatusShared},
		"gate":     {StepID: "gate", Status: models.StepStatusWaitingForDependencies},
	}

	status := RollUp(roster, spec, states)
	assert.Equal(t, models.SessionStatusRunning, status)
}

func TestRollUp_CompletedWhenOwnStepsDone(t *testing.T) {
	roster, spec := rollupFixture(t)

	// combine targets the aggregator only, so alice completes without it.
	states := map[string]*models.StepState{
		"generate": {StepID: "generate", Status: models.StepStatusShared},
		"gate":     {StepID: "gate", Status: models.StepStatusCompleted},
	}

	status := RollUp(roster, spec, states)
	assert.Equal(t, models.SessionStatusCompleted, status)
}

func TestRollUp_FailedStepFailsSession(t *testing.T) {
	roster, spec := rollupFixture(t)

	states := map[string]*models.StepState{
		"generate": {StepID: "generate", Status: models.StepStatusFailed, Error: "boom"},
	}

	status := RollUp(roster, spec, states)
	assert.Equal(t, models.SessionStatusFailed, status)
}
