// Package resolver decides, from local state and observed peer snapshots,
// what a step's status should be on the current poll tick. It performs no
// I/O beyond the injected artifact locator and has no side effects, so the
// same view always yields the same answer.
package resolver

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/openmined/flowmesh/pkg/flow"
	"github.com/openmined/flowmesh/pkg/models"
	"github.com/openmined/flowmesh/pkg/progress"
)

// ArtifactLocator answers whether a participant's shared artifact has been
// replicated into the local root yet.
type ArtifactLocator interface {
	Exists(session *models.Session, owner, stepID, fileName string) bool
}

// Evaluation is the resolver's verdict for one step on one tick.
type Evaluation struct {
	// Applicable is false when the step targets other participants and the
	// local agent has nothing to do for it.
	Applicable bool
	Status     models.StepStatus
	// Reason names what the step is waiting on, for logs and status views.
	Reason string
}

// Resolver evaluates pre-run steps for one participant.
type Resolver struct {
	roster  *flow.Roster
	locator ArtifactLocator
	now     func() time.Time
}

func New(roster *flow.Roster, locator ArtifactLocator) *Resolver {
	return &Resolver{roster: roster, locator: locator, now: time.Now}
}

// Evaluate computes the status a pre-run step should hold right now.
// waitingSince is when the step first started waiting at a barrier; the zero
// time means it has not waited yet. Not-ready verdicts are transient by
// construction: only a barrier timeout produces Failed.
func (r *Resolver) Evaluate(session *models.Session, step *models.Step, view progress.View, waitingSince time.Time) Evaluation {
	if !r.applicable(step) {
		return Evaluation{Applicable: false, Status: models.StepStatusPending, Reason: "targets other participants"}
	}

	if eval, ok := r.checkDependencies(session, step, view); !ok {
		return eval
	}

	if step.IsBarrier() {
		return r.evaluateBarrier(session, step, view, waitingSince)
	}

	if eval, ok := r.checkInputs(session, step, view); !ok {
		return eval
	}

	if step.IsAggregate() {
		if eval, ok := r.checkQuorum(session, step, view); !ok {
			return eval
		}
	}

	return Evaluation{Applicable: true, Status: models.StepStatusReady}
}

// applicable reports whether the local participant has anything to do for
// the step. Barriers gate everyone; run steps gate their targets only.
func (r *Resolver) applicable(step *models.Step) bool {
	if step.IsBarrier() {
		return true
	}

	return r.roster.Includes(step.Targets(), r.roster.Self())
}

// checkDependencies requires every depends_on step to be done from the local
// participant's point of view. A dependency this participant runs must be
// done locally; one run elsewhere must be reported done by all its targets.
func (r *Resolver) checkDependencies(session *models.Session, step *models.Step, view progress.View) (Evaluation, bool) {
	self := r.roster.Self()

	for _, depID := range step.DependsOn {
		dep := session.FlowSpec.StepByID(depID)
		if dep == nil {
			continue
		}

		if dep.IsBarrier() || r.roster.Includes(dep.Targets(), self) {
			if !view.PeerStatus(self, self, depID).Done() {
				return waiting(models.StepStatusWaitingForDependencies, "dependency %s not done", depID), false
			}

			continue
		}

		targets, err := r.roster.Resolve(dep.Targets())
		if err != nil {
			continue
		}

		for _, identity := range targets {
			if !view.PeerStatus(self, identity, depID).Done() {
				return waiting(models.StepStatusWaitingForDependencies, "dependency %s not done on %s", depID, identity), false
			}
		}
	}

	return Evaluation{}, true
}

// checkInputs requires every cross-step artifact binding to be satisfiable:
// each producer of the referenced step must have shared, and the artifact
// bytes must have replicated locally. Aggregation inputs are quorum-gated
// separately and skipped here.
func (r *Resolver) checkInputs(session *models.Session, step *models.Step, view progress.View) (Evaluation, bool) {
	for _, ref := range step.InputRefs() {
		if step.IsAggregate() && ref.StepID == step.Aggregate.SourceStep {
			continue
		}

		producing := session.FlowSpec.StepByID(ref.StepID)
		if producing == nil {
			continue
		}

		producers, err := r.roster.Resolve(producing.Targets())
		if err != nil {
			continue
		}

		for _, producer := range producers {
			if !r.inputAvailable(session, view, producer, ref) {
				return waiting(models.StepStatusWaitingForInputs, "input %s.%s not available from %s", ref.StepID, ref.Artifact, producer), false
			}
		}
	}

	return Evaluation{}, true
}

func (r *Resolver) inputAvailable(session *models.Session, view progress.View, producer string, ref models.InputRef) bool {
	self := r.roster.Self()

	if strings.EqualFold(producer, self) {
		return view.PeerStatus(self, self, ref.StepID).Done()
	}

	if view.PeerStatus(self, producer, ref.StepID) != models.StepStatusShared {
		return false
	}

	fileName := r.artifactFile(view, producer, ref.StepID, ref.Artifact)
	if fileName == "" {
		return false
	}

	return r.locator.Exists(session, producer, ref.StepID, fileName)
}

// evaluateBarrier gates on every target reporting the waited-for step done.
// When the waited-for step shares outputs, Completed is not enough: the
// barrier holds until the peer reports Shared, because downstream steps read
// the shared bytes. An unsatisfied barrier waits on peer inputs, so its
// transient verdict is WaitingForInputs.
func (r *Resolver) evaluateBarrier(session *models.Session, step *models.Step, view progress.View, waitingSince time.Time) Evaluation {
	self := r.roster.Self()
	barrier := step.Barrier

	targets, err := r.roster.Resolve(barrier.Targets)
	if err != nil {
		return Evaluation{Applicable: true, Status: models.StepStatusFailed, Reason: err.Error()}
	}

	requireShared := false
	if waited := session.FlowSpec.StepByID(barrier.WaitFor); waited != nil && waited.SharesOutput() {
		requireShared = true
	}

	var laggards []string

	for _, identity := range targets {
		status := view.PeerStatus(self, identity, barrier.WaitFor)

		satisfied := status.Done()
		if requireShared {
			satisfied = status == models.StepStatusShared
		}

		if !satisfied {
			laggards = append(laggards, identity)
		}
	}

	if len(laggards) == 0 {
		return Evaluation{Applicable: true, Status: models.StepStatusReady}
	}

	if barrier.Timeout > 0 && !waitingSince.IsZero() {
		deadline := waitingSince.Add(time.Duration(barrier.Timeout) * time.Second)
		if r.now().After(deadline) {
			return Evaluation{
				Applicable: true,
				Status:     models.StepStatusFailed,
				Reason:     fmt.Sprintf("barrier timed out waiting for %s on %s", barrier.WaitFor, strings.Join(laggards, ", ")),
			}
		}
	}

	return waiting(models.StepStatusWaitingForInputs, "waiting for %s on %s", barrier.WaitFor, strings.Join(laggards, ", "))
}

// checkQuorum counts contributors whose source-step artifact has both been
// reported Shared and replicated locally. Below quorum the aggregation
// waits; it never runs on a partial set smaller than the declared quorum.
func (r *Resolver) checkQuorum(session *models.Session, step *models.Step, view progress.View) (Evaluation, bool) {
	spec := step.Aggregate

	contributors, err := r.roster.Resolve(spec.Contributors)
	if err != nil {
		return Evaluation{Applicable: true, Status: models.StepStatusFailed, Reason: err.Error()}, false
	}

	quorum := spec.Quorum
	if quorum <= 0 || quorum > len(contributors) {
		quorum = len(contributors)
	}

	available := r.AvailableContributions(session, view, step)

	if len(available) >= quorum {
		return Evaluation{}, true
	}

	reason := fmt.Sprintf("quorum %d/%d contributions for %s", len(available), quorum, spec.SourceStep)

	return waiting(models.StepStatusWaitingForInputs, "%s", reason), false
}

// AvailableContributions returns the contributors whose shared source-step
// artifact is locally readable right now.
func (r *Resolver) AvailableContributions(session *models.Session, view progress.View, step *models.Step) []string {
	files := r.ContributionFiles(session, view, step)

	available := make([]string, 0, len(files))
	for contributor := range files {
		available = append(available, contributor)
	}

	sort.Strings(available)

	return available
}

// ContributionFiles maps each available contributor to the file name of its
// replicated contribution artifact.
func (r *Resolver) ContributionFiles(session *models.Session, view progress.View, step *models.Step) map[string]string {
	spec := step.Aggregate
	self := r.roster.Self()

	contributors, err := r.roster.Resolve(spec.Contributors)
	if err != nil {
		return nil
	}

	files := make(map[string]string)

	for _, contributor := range contributors {
		if view.PeerStatus(self, contributor, spec.SourceStep) != models.StepStatusShared {
			continue
		}

		fileName := r.artifactFile(view, contributor, spec.SourceStep, spec.Artifact)
		if fileName == "" {
			continue
		}

		if r.locator.Exists(session, contributor, spec.SourceStep, fileName) {
			files[contributor] = fileName
		}
	}

	return files
}

// artifactFile resolves an artifact name to its shared file name via the
// producer's published output manifest.
func (r *Resolver) artifactFile(view progress.View, owner, stepID, artifact string) string {
	self := r.roster.Self()

	var manifest []models.Artifact

	if strings.EqualFold(owner, self) {
		if state, ok := view.Local[stepID]; ok && state != nil {
			manifest = state.OutputManifest
		}
	} else if snapshot, ok := view.Peers[strings.ToLower(owner)]; ok && snapshot != nil {
		if state, ok := snapshot.Steps[stepID]; ok && state != nil {
			manifest = state.OutputManifest
		}
	}

	for _, entry := range manifest {
		if entry.Name == artifact {
			return entry.Path
		}
	}

	return ""
}

func waiting(status models.StepStatus, format string, args ...any) Evaluation {
	return Evaluation{
		Applicable: true,
		Status:     status,
		Reason:     fmt.Sprintf(format, args...),
	}
}
