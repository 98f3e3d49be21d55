// Package runner executes flow steps on the local participant. Runners are
// looked up by the step's `uses` field; each runs inside the session work
// directory and writes its declared artifacts there.
package runner

import (
	"context"
	"io"
	"log/slog"

	"github.com/openmined/flowmesh/pkg/models"
)

// RunContext carries everything a runner may use for one step execution.
type RunContext struct {
	Session *models.Session
	Step    *models.Step
	// WorkDir is the private per-session directory the step executes in.
	WorkDir string
	// Inputs are the step's resolved `with` bindings.
	Inputs map[string]string
	// OutputPaths maps each declared share artifact to the absolute path
	// the runner must write it to.
	OutputPaths map[string]string
	// ContributionPaths maps contributor identities to their replicated
	// contribution files. Only set for aggregation steps.
	ContributionPaths map[string]string
	Logger            *slog.Logger
	// LogWriter receives the step's private execution log. It never leaves
	// the local datasite.
	LogWriter io.Writer
}

type Runner interface {
	Run(ctx context.Context, rc RunContext) error
}
