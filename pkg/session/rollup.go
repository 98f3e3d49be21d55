package session

import (
	"github.com/openmined/flowmesh/pkg/flow"
	"github.com/openmined/flowmesh/pkg/models"
)

// RollUp derives the session lifecycle status from the local step states.
// Only steps this participant takes part in count; a session is completed
// once every one of them is done, and failed while any attempt sits in
// Failed. A waiting step keeps the session running, never fails it.
func RollUp(roster *flow.Roster, spec *models.FlowSpec, states map[string]*models.StepState) models.SessionStatus {
	applicable := 0
	done := 0
	started := false

	for _, step := range spec.Steps {
		if !step.IsBarrier() && !roster.Includes(step.Targets(), roster.Self()) {
			continue
		}

		applicable++

		state, ok := states[step.ID]
		if !ok || state == nil {
			continue
		}

		switch {
		case state.Status == models.StepStatusFailed:
			return models.SessionStatusFailed
		case state.Status.Done():
			done++
			started = true
		case state.Status != models.StepStatusPending:
			started = true
		}
	}

	switch {
	case applicable > 0 && done == applicable:
		return models.SessionStatusCompleted
	case started:
		return models.SessionStatusRunning
	default:
		return models.SessionStatusAccepted
	}
}
