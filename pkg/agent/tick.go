package agent

import (
	"context"
	"time"

	"github.com/openmined/flowmesh/pkg/models"
	"github.com/openmined/flowmesh/pkg/progress"
	"github.com/openmined/flowmesh/pkg/session"
)

// Tick performs one orchestration pass: sync, observe, evaluate, execute.
// Every verdict is re-derived from scratch, so a tick lost to a crash or a
// stale snapshot costs one poll interval, never correctness.
func (a *Agent) Tick(ctx context.Context) error {
	if err := a.syncer.Sync(ctx); err != nil {
		// Replication hiccups are expected; evaluation proceeds on the
		// snapshots already present.
		a.logger.Warn("Sync pass failed", "error", err)
	}

	for _, rt := range a.activeRuntimes() {
		if err := a.tickSession(ctx, rt); err != nil {
			a.logger.Error("Session tick failed", "session_id", rt.session.SessionID, "error", err)
		}
	}

	return nil
}

func (a *Agent) activeRuntimes() []*sessionRuntime {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]*sessionRuntime, 0, len(a.runtimes))

	for _, rt := range a.runtimes {
		if rt.session.Settled() {
			continue
		}

		out = append(out, rt)
	}

	return out
}

func (a *Agent) tickSession(ctx context.Context, rt *sessionRuntime) error {
	peers := a.observer.Observe(rt.session)

	a.mu.Lock()
	defer a.mu.Unlock()

	view := progress.View{Local: rt.states, Peers: peers}
	changed := false

	for _, step := range rt.session.FlowSpec.Steps {
		state := rt.states[step.ID]
		if state == nil || rt.inFlight[step.ID] {
			continue
		}

		// A timed-out barrier stays evaluable: once the laggards catch up
		// it completes as if the timeout never fired.
		evaluable := state.Status.PreRun() || (step.IsBarrier() && state.Status == models.StepStatusFailed)
		if !evaluable {
			continue
		}

		eval := rt.resolver.Evaluate(rt.session, step, view, rt.waitingSince[step.ID])
		if !eval.Applicable {
			continue
		}

		switch {
		case eval.Status == models.StepStatusReady:
			delete(rt.waitingSince, step.ID)

			if step.IsBarrier() {
				a.completeBarrier(rt, step)

				changed = true

				continue
			}

			if state.AutoRun {
				a.startStepLocked(ctx, rt, step)

				changed = true

				continue
			}

			if state.Status != models.StepStatusReady {
				state.Status = models.StepStatusReady
				changed = true
			}
		case eval.Status == models.StepStatusFailed:
			if state.Status != models.StepStatusFailed {
				state.Status = models.StepStatusFailed
				state.Error = eval.Reason
				changed = true

				if err := rt.publisher.Record(models.ProgressStepFailed, step.ID, state.Status, rt.states); err != nil {
					return err
				}

				a.logger.Warn("Step failed", "session_id", rt.session.SessionID, "step_id", step.ID, "reason", eval.Reason)
			}
		case eval.Status.Waiting():
			// A failed barrier keeps its verdict until the condition is
			// actually met; waiting must not mask the earlier timeout.
			if state.Status == models.StepStatusFailed {
				continue
			}

			if step.IsBarrier() && rt.waitingSince[step.ID].IsZero() {
				rt.waitingSince[step.ID] = time.Now()
			}

			if state.Status != eval.Status {
				state.Status = eval.Status
				changed = true

				a.logger.Debug("Step waiting",
					"session_id", rt.session.SessionID,
					"step_id", step.ID,
					"status", eval.Status,
					"reason", eval.Reason)
			}
		}
	}

	if a.config.AutoShare {
		for _, step := range rt.session.FlowSpec.Steps {
			state := rt.states[step.ID]
			if state == nil || rt.inFlight[step.ID] {
				continue
			}

			if state.Status == models.StepStatusCompleted && step.SharesOutput() {
				a.shareStepLocked(ctx, rt, step)

				changed = true
			}
		}
	}

	if status := session.RollUp(rt.roster, rt.session.FlowSpec, rt.states); status != rt.session.Status {
		rt.session.Status = status
		rt.session.UpdatedAt = time.Now().UTC()

		if err := a.persistence.SaveSession(ctx, rt.session); err != nil {
			return err
		}

		a.logger.Info("Session status changed", "session_id", rt.session.SessionID, "status", status)
	}

	if changed {
		if err := rt.publisher.PublishSnapshot(rt.states); err != nil {
			return err
		}

		if err := a.persistence.SaveStepStates(ctx, rt.session.SessionID, rt.states); err != nil {
			return err
		}
	}

	return nil
}

func (a *Agent) completeBarrier(rt *sessionRuntime, step *models.Step) {
	state := rt.states[step.ID]
	now := time.Now().UTC()

	state.Status = models.StepStatusCompleted
	state.CompletedAt = &now
	state.Error = ""

	if err := rt.publisher.Record(models.ProgressStepCompleted, step.ID, state.Status, rt.states); err != nil {
		a.logger.Warn("Failed to record barrier completion", "step_id", step.ID, "error", err)
	}

	a.logger.Info("Barrier satisfied", "session_id", rt.session.SessionID, "step_id", step.ID)
}
