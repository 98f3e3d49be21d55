package resolver

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openmined/flowmesh/pkg/flow"
	"github.com/openmined/flowmesh/pkg/models"
	"github.com/openmined/flowmesh/pkg/progress"
)

type fakeLocator map[string]bool

func (l fakeLocator) Exists(_ *models.Session, owner, stepID, fileName string) bool {
	return l[fmt.Sprintf("%s/%s/%s", owner, stepID, fileName)]
}

func aggregationSpec() *models.FlowSpec {
	return &models.FlowSpec{
		Name:      "secure-sum",
		Datasites: models.Datasites{All: []string{"contributor1", "contributor2", "aggregator"}},
		Steps: []*models.Step{
			{
				ID:   "generate",
				Uses: "generate",
				Run:  &models.RunSpec{Targets: "contributors"},
				Share: map[string]*models.ShareSpec{
					"numbers": {
						Source:      "outputs/numbers.json",
						Permissions: models.Permissions{Read: []string{"aggregator"}},
					},
				},
			},
			{
				ID:      "gate",
				Barrier: &models.BarrierSpec{WaitFor: "generate", Targets: "contributors", Timeout: 30},
			},
			{
				ID:        "combine",
				Uses:      "aggregate",
				DependsOn: []string{"gate"},
				Run:       &models.RunSpec{Targets: "aggregator"},
				Aggregate: &models.AggregateSpec{
					Contributors: "contributors",
					SourceStep:   "generate",
					Artifact:     "numbers",
					Quorum:       2,
				},
				Share: map[string]*models.ShareSpec{
					"result": {
						Source:      "outputs/result.json",
						Permissions: models.Permissions{Read: []string{"all"}},
					},
				},
			},
		},
	}
}

func sessionFor(t *testing.T, self string) (*models.Session, *flow.Roster) {
	t.Helper()

	spec := aggregationSpec()
	participants := []models.Participant{
		{Identity: "alice@example.com", Role: "contributor1"},
		{Identity: "bob@example.com", Role: "contributor2"},
		{Identity: "carol@example.com", Role: "aggregator"},
	}

	roster, err := flow.NewRoster(spec, participants, self)
	require.NoError(t, err)

	session := &models.Session{
		FlowName:     "secure-sum",
		SessionID:    "session-1",
		RunID:        "session-1",
		Participants: participants,
		FlowSpec:     spec,
		SelfIdentity: self,
	}

	return session, roster
}

func sharedState(stepID, fileName string) *models.StepState {
	return &models.StepState{
		StepID:         stepID,
		Status:         models.StepStatusShared,
		OutputManifest: []models.Artifact{{Name: "numbers", Path: fileName}},
	}
}

func peerSnapshot(identity string, steps map[string]*models.StepState) *models.ProgressSnapshot {
	return &models.ProgressSnapshot{
		SessionID: "session-1",
		Identity:  identity,
		UpdatedAt: time.Now().UTC(),
		Steps:     steps,
	}
}

func TestEvaluate_NonTargetStepIsNotApplicable(t *testing.T) {
	session, roster := sessionFor(t, "carol@example.com")
	r := New(roster, fakeLocator{})

	view := progress.View{Local: map[string]*models.StepState{}, Peers: map[string]*models.ProgressSnapshot{}}

	eval := r.Evaluate(session, session.FlowSpec.StepByID("generate"), view, time.Time{})
	assert.False(t, eval.Applicable)
}

func TestEvaluate_RunStepReadyWithoutDependencies(t *testing.T) {
	session, roster := sessionFor(t, "alice@example.com")
	r := New(roster, fakeLocator{})

	view := progress.View{Local: map[string]*models.StepState{}, Peers: map[string]*models.ProgressSnapshot{}}

	eval := r.Evaluate(session, session.FlowSpec.StepByID("generate"), view, time.Time{})
	assert.True(t, eval.Applicable)
	assert.Equal(t, models.StepStatusReady, eval.Status)
}

func TestEvaluate_DependencyGatesLocally(t *testing.T) {
	session, roster := sessionFor(t, "carol@example.com")
	r := New(roster, fakeLocator{})

	view := progress.View{
		Local: map[string]*models.StepState{
			"gate": {StepID: "gate", Status: models.StepStatusWaitingForDependencies},
		},
		Peers: map[string]*models.ProgressSnapshot{},
	}

	eval := r.Evaluate(session, session.FlowSpec.StepByID("combine"), view, time.Time{})
	assert.Equal(t, models.StepStatusWaitingForDependencies, eval.Status)
	assert.Contains(t, eval.Reason, "gate")
}

func TestEvaluate_WaitingStaysWaitingAcrossTicks(t *testing.T) {
	session, roster := sessionFor(t, "carol@example.com")
	r := New(roster, fakeLocator{})

	view := progress.View{Local: map[string]*models.StepState{}, Peers: map[string]*models.ProgressSnapshot{}}
	step := session.FlowSpec.StepByID("combine")

	// Absent peer snapshots are a normal steady state: re-evaluating must
	// keep yielding the same transient verdict, never escalate to failure.
	for tick := 0; tick < 5; tick++ {
		eval := r.Evaluate(session, step, view, time.Time{})
		assert.Equal(t, models.StepStatusWaitingForDependencies, eval.Status, "tick %d", tick)
	}
}

func TestEvaluate_BarrierRequiresSharedWhenStepShares(t *testing.T) {
	session, roster := sessionFor(t, "alice@example.com")
	r := New(roster, fakeLocator{})

	// Alice completed generate but has not shared yet; bob only completed.
	// generate declares shared outputs, so Completed is not enough.
	view := progress.View{
		Local: map[string]*models.StepState{
			"generate": {StepID: "generate", Status: models.StepStatusCompleted},
		},
		Peers: map[string]*models.ProgressSnapshot{
			"bob@example.com": peerSnapshot("bob@example.com", map[string]*models.StepState{
				"generate": {StepID: "generate", Status: models.StepStatusCompleted},
			}),
		},
	}

	eval := r.Evaluate(session, session.FlowSpec.StepByID("gate"), view, time.Time{})
	assert.Equal(t, models.StepStatusWaitingForInputs, eval.Status)

	view.Local["generate"] = sharedState("generate", "numbers.json")
	view.Peers["bob@example.com"] = peerSnapshot("bob@example.com", map[string]*models.StepState{
		"generate": sharedState("generate", "numbers.json"),
	})

	eval = r.Evaluate(session, session.FlowSpec.StepByID("gate"), view, time.Time{})
	assert.Equal(t, models.StepStatusReady, eval.Status)
}

func TestEvaluate_BarrierTimeoutIsNotSticky(t *testing.T) {
	session, roster := sessionFor(t, "alice@example.com")
	r := New(roster, fakeLocator{})
	step := session.FlowSpec.StepByID("gate")

	view := progress.View{
		Local: map[string]*models.StepState{
			"generate": sharedState("generate", "numbers.json"),
		},
		Peers: map[string]*models.ProgressSnapshot{},
	}

	// Waiting for longer than the declared timeout fails the attempt.
	waitingSince := time.Now().Add(-60 * time.Second)

	eval := r.Evaluate(session, step, view, waitingSince)
	assert.Equal(t, models.StepStatusFailed, eval.Status)
	assert.Contains(t, eval.Reason, "bob@example.com")

	// Once the laggard catches up the same barrier evaluates Ready again.
	view.Peers["bob@example.com"] = peerSnapshot("bob@example.com", map[string]*models.StepState{
		"generate": sharedState("generate", "numbers.json"),
	})

	eval = r.Evaluate(session, step, view, waitingSince)
	assert.Equal(t, models.StepStatusReady, eval.Status)
}

func TestEvaluate_BarrierWithoutTimeoutWaitsForever(t *testing.T) {
	session, roster := sessionFor(t, "alice@example.com")
	session.FlowSpec.StepByID("gate").Barrier.Timeout = 0

	r := New(roster, fakeLocator{})

	view := progress.View{Local: map[string]*models.StepState{}, Peers: map[string]*models.ProgressSnapshot{}}

	eval := r.Evaluate(session, session.FlowSpec.StepByID("gate"), view, time.Now().Add(-24*time.Hour))
	assert.Equal(t, models.StepStatusWaitingForInputs, eval.Status)
}

func TestEvaluate_QuorumGatesAggregation(t *testing.T) {
	session, roster := sessionFor(t, "carol@example.com")

	locator := fakeLocator{
		"alice@example.com/generate/numbers.json": true,
	}
	r := New(roster, locator)

	step := session.FlowSpec.StepByID("combine")

	view := progress.View{
		Local: map[string]*models.StepState{
			"gate": {StepID: "gate", Status: models.StepStatusCompleted},
		},
		Peers: map[string]*models.ProgressSnapshot{
			"alice@example.com": peerSnapshot("alice@example.com", map[string]*models.StepState{
				"generate": sharedState("generate", "numbers.json"),
			}),
		},
	}

	// One of two contributions available, quorum is two.
	eval := r.Evaluate(session, step, view, time.Time{})
	assert.Equal(t, models.StepStatusWaitingForInputs, eval.Status)
	assert.Contains(t, eval.Reason, "1/2")

	// Bob reports Shared but the bytes have not replicated yet: still short.
	view.Peers["bob@example.com"] = peerSnapshot("bob@example.com", map[string]*models.StepState{
		"generate": sharedState("generate", "numbers.json"),
	})

	eval = r.Evaluate(session, step, view, time.Time{})
	assert.Equal(t, models.StepStatusWaitingForInputs, eval.Status)

	locator["bob@example.com/generate/numbers.json"] = true

	eval = r.Evaluate(session, step, view, time.Time{})
	assert.Equal(t, models.StepStatusReady, eval.Status)

	assert.ElementsMatch(t, []string{"alice@example.com", "bob@example.com"},
		r.AvailableContributions(session, view, step))
}

func TestEvaluate_InputRefsGateOnReplication(t *testing.T) {
	session, roster := sessionFor(t, "carol@example.com")

	spec := session.FlowSpec
	spec.Steps = append(spec.Steps, &models.Step{
		ID:   "report",
		Uses: "command",
		Run:  &models.RunSpec{Targets: "aggregator"},
		With: map[string]string{"data": "{step.generate.numbers}"},
	})

	locator := fakeLocator{}
	r := New(roster, locator)
	step := spec.StepByID("report")

	view := progress.View{
		Local: map[string]*models.StepState{},
		Peers: map[string]*models.ProgressSnapshot{},
	}

	eval := r.Evaluate(session, step, view, time.Time{})
	assert.Equal(t, models.StepStatusWaitingForInputs, eval.Status)

	for _, contributor := range []string{"alice@example.com", "bob@example.com"} {
		view.Peers[contributor] = peerSnapshot(contributor, map[string]*models.StepState{
			"generate": sharedState("generate", "numbers.json"),
		})
		locator[contributor+"/generate/numbers.json"] = true
	}

	eval = r.Evaluate(session, step, view, time.Time{})
	assert.Equal(t, models.StepStatusReady, eval.Status)
}
