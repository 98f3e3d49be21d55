package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openmined/flowmesh/pkg/models"
	"github.com/openmined/flowmesh/pkg/progress"
	"github.com/openmined/flowmesh/pkg/runner"
	"github.com/openmined/flowmesh/pkg/template"
)

// startStepLocked marks the step running and launches its runner in the
// background. Caller holds a.mu.
func (a *Agent) startStepLocked(ctx context.Context, rt *sessionRuntime, step *models.Step) {
	state := rt.states[step.ID]
	now := time.Now().UTC()

	state.Status = models.StepStatusRunning
	state.StartedAt = &now
	state.Error = ""
	rt.inFlight[step.ID] = true

	if err := rt.publisher.Record(models.ProgressStepStarted, step.ID, state.Status, rt.states); err != nil {
		a.logger.Warn("Failed to record step start", "step_id", step.ID, "error", err)
	}

	a.logger.Info("Step started", "session_id", rt.session.SessionID, "step_id", step.ID, "uses", step.Uses)

	go a.executeStep(ctx, rt, step)
}

func (a *Agent) executeStep(ctx context.Context, rt *sessionRuntime, step *models.Step) {
	err := a.runStep(ctx, rt, step)

	a.mu.Lock()
	defer a.mu.Unlock()

	state := rt.states[step.ID]
	now := time.Now().UTC()

	delete(rt.inFlight, step.ID)

	if err != nil {
		state.Status = models.StepStatusFailed
		state.Error = err.Error()

		if recordErr := rt.publisher.Record(models.ProgressStepFailed, step.ID, state.Status, rt.states); recordErr != nil {
			a.logger.Warn("Failed to record step failure", "step_id", step.ID, "error", recordErr)
		}

		a.logger.Error("Step failed", "session_id", rt.session.SessionID, "step_id", step.ID, "error", err)
	} else {
		state.Status = models.StepStatusCompleted
		state.CompletedAt = &now

		if recordErr := rt.publisher.Record(models.ProgressStepCompleted, step.ID, state.Status, rt.states); recordErr != nil {
			a.logger.Warn("Failed to record step completion", "step_id", step.ID, "error", recordErr)
		}

		a.logger.Info("Step completed", "session_id", rt.session.SessionID, "step_id", step.ID)
	}

	if saveErr := a.persistence.SaveStepStates(ctx, rt.session.SessionID, rt.states); saveErr != nil {
		a.logger.Warn("Failed to persist step states", "session_id", rt.session.SessionID, "error", saveErr)
	}
}

func (a *Agent) runStep(ctx context.Context, rt *sessionRuntime, step *models.Step) error {
	name := step.Uses
	if name == "" {
		name = "command"
	}

	r, err := a.registry.Get(name)
	if err != nil {
		return err
	}

	workDir := a.workDir(rt.session)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return fmt.Errorf("failed to create work dir: %w", err)
	}

	values := template.Values{
		CurrentDatasite: a.layout.Identity,
		FlowName:        rt.session.FlowName,
		RunID:           rt.session.RunID,
		StepNumber:      rt.session.FlowSpec.StepNumber(step.ID),
		StepID:          step.ID,
		Vars:            rt.session.FlowSpec.Vars,
	}

	outputPaths := make(map[string]string, len(step.Share))

	for artifact, share := range step.Share {
		source := template.Resolve(share.Source, values)
		if !filepath.IsAbs(source) {
			source = filepath.Join(workDir, source)
		}

		if err := os.MkdirAll(filepath.Dir(source), 0o755); err != nil {
			return fmt.Errorf("failed to create output dir: %w", err)
		}

		outputPaths[artifact] = source
	}

	inputs := a.resolveInputs(rt, step, values)

	var contributions map[string]string

	if step.IsAggregate() {
		contributions = a.contributionPaths(rt, step)
	}

	logWriter, err := a.openStepLog(rt.session.SessionID, step.ID)
	if err != nil {
		return err
	}
	defer logWriter.Close()

	return r.Run(ctx, runner.RunContext{
		Session:           rt.session,
		Step:              step,
		WorkDir:           workDir,
		Inputs:            inputs,
		OutputPaths:       outputPaths,
		ContributionPaths: contributions,
		Logger:            a.logger.With("step_id", step.ID),
		LogWriter:         logWriter,
	})
}

// resolveInputs materializes the step's `with` bindings: placeholders are
// substituted, cross-step artifact references become local paths to the
// replicated bytes, and session input bindings override everything.
func (a *Agent) resolveInputs(rt *sessionRuntime, step *models.Step, values template.Values) map[string]string {
	inputs := template.ResolveAll(step.With, values)

	for key, raw := range step.With {
		ref, ok := inputRef(raw)
		if !ok {
			continue
		}

		if path := a.inputPath(rt, ref); path != "" {
			inputs[key] = path
		}
	}

	for key, value := range rt.session.InputBindings {
		inputs[key] = value
	}

	return inputs
}

func inputRef(raw string) (models.InputRef, bool) {
	probe := models.Step{With: map[string]string{"value": raw}}

	refs := probe.InputRefs()
	if len(refs) != 1 {
		return models.InputRef{}, false
	}

	return refs[0], true
}

// viewOf builds a read view safe to use off the tick goroutine: the local
// table is copied under the lock.
func (a *Agent) viewOf(rt *sessionRuntime) progress.View {
	peers := a.observer.Observe(rt.session)

	a.mu.Lock()
	defer a.mu.Unlock()

	local := make(map[string]*models.StepState, len(rt.states))

	for id, state := range rt.states {
		copied := *state
		local[id] = &copied
	}

	return progress.View{Local: local, Peers: peers}
}

// inputPath finds the local path of a referenced artifact, preferring the
// local participant's own copy when it produced the artifact itself.
func (a *Agent) inputPath(rt *sessionRuntime, ref models.InputRef) string {
	producing := rt.session.FlowSpec.StepByID(ref.StepID)
	if producing == nil {
		return ""
	}

	producers, err := rt.roster.Resolve(producing.Targets())
	if err != nil {
		return ""
	}

	view := a.viewOf(rt)

	for _, producer := range producers {
		for _, artifact := range stateManifest(view, producer, a.layout.Identity, ref.StepID) {
			if artifact.Name != ref.Artifact {
				continue
			}

			path := a.sharing.ArtifactPath(rt.session, producer, ref.StepID, artifact.Path)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}

	return ""
}

func stateManifest(view progress.View, owner, self, stepID string) []models.Artifact {
	if strings.EqualFold(owner, self) {
		if state, ok := view.Local[stepID]; ok && state != nil {
			return state.OutputManifest
		}

		return nil
	}

	if snapshot, ok := view.Peers[strings.ToLower(owner)]; ok && snapshot != nil {
		if state, ok := snapshot.Steps[stepID]; ok && state != nil {
			return state.OutputManifest
		}
	}

	return nil
}

func (a *Agent) contributionPaths(rt *sessionRuntime, step *models.Step) map[string]string {
	view := a.viewOf(rt)

	paths := make(map[string]string)
	for contributor, fileName := range rt.resolver.ContributionFiles(rt.session, view, step) {
		paths[contributor] = a.sharing.ArtifactPath(rt.session, contributor, step.Aggregate.SourceStep, fileName)
	}

	return paths
}

// shareStepLocked shares a completed step's declared outputs. Caller holds
// a.mu. A failed share leaves the step Completed; the next tick retries.
func (a *Agent) shareStepLocked(ctx context.Context, rt *sessionRuntime, step *models.Step) {
	manifest, _, err := a.sharing.ShareStep(ctx, rt.session, rt.roster, step, a.workDir(rt.session))
	if err != nil {
		a.logger.Warn("Failed to share step outputs", "session_id", rt.session.SessionID, "step_id", step.ID, "error", err)

		return
	}

	state := rt.states[step.ID]

	if manifest != nil {
		state.OutputManifest = make([]models.Artifact, 0, len(manifest.Artifacts))
		for _, artifact := range manifest.Artifacts {
			state.OutputManifest = append(state.OutputManifest, models.Artifact{
				Name: artifact.Name,
				Path: artifact.Dest,
			})
		}
	}

	if state.Advance(models.StepStatusShared) {
		if err := rt.publisher.Record(models.ProgressStepShared, step.ID, state.Status, rt.states); err != nil {
			a.logger.Warn("Failed to record step share", "step_id", step.ID, "error", err)
		}
	}
}

// RunStep executes a step on operator request. A finished step is left
// untouched; a failed one is re-run from scratch.
func (a *Agent) RunStep(ctx context.Context, sessionID, stepID string) error {
	rt, err := a.runtime(sessionID)
	if err != nil {
		return err
	}

	peers := a.observer.Observe(rt.session)

	a.mu.Lock()
	defer a.mu.Unlock()

	step := rt.session.FlowSpec.StepByID(stepID)
	if step == nil {
		return fmt.Errorf("%w: %s", ErrStepUnknown, stepID)
	}

	state := rt.states[stepID]
	if state == nil || state.Status.Done() {
		return fmt.Errorf("%w: %s", ErrStepTerminal, stepID)
	}

	if rt.inFlight[stepID] {
		return fmt.Errorf("step %s is already running", stepID)
	}

	if step.IsBarrier() {
		return fmt.Errorf("step %s is a barrier; it completes on its own", stepID)
	}

	if state.Status == models.StepStatusFailed {
		state.Status = models.StepStatusPending
		state.Error = ""
		state.StartedAt = nil
		state.CompletedAt = nil
	}

	view := progress.View{Local: rt.states, Peers: peers}

	eval := rt.resolver.Evaluate(rt.session, step, view, rt.waitingSince[stepID])
	if !eval.Applicable {
		return fmt.Errorf("step %s does not target this participant", stepID)
	}

	if eval.Status != models.StepStatusReady {
		return fmt.Errorf("step %s is not ready: %s", stepID, eval.Reason)
	}

	a.startStepLocked(ctx, rt, step)

	return nil
}

// ShareStep shares a completed step's outputs on operator request. Sharing
// an already-shared step is a no-op.
func (a *Agent) ShareStep(ctx context.Context, sessionID, stepID string) error {
	rt, err := a.runtime(sessionID)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	step := rt.session.FlowSpec.StepByID(stepID)
	if step == nil {
		return fmt.Errorf("%w: %s", ErrStepUnknown, stepID)
	}

	state := rt.states[stepID]
	if state == nil {
		return fmt.Errorf("%w: %s", ErrStepUnknown, stepID)
	}

	if state.Status == models.StepStatusShared {
		return nil
	}

	if state.Status != models.StepStatusCompleted {
		return fmt.Errorf("step %s has not completed", stepID)
	}

	a.shareStepLocked(ctx, rt, step)

	return nil
}

func (a *Agent) workDir(s *models.Session) string {
	return filepath.Join(a.layout.LocalStateDir(), "work", s.SessionID)
}

func (a *Agent) openStepLog(sessionID, stepID string) (*os.File, error) {
	path := a.layout.StepLogPath(sessionID, stepID)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create step log dir: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open step log: %w", err)
	}

	return f, nil
}
