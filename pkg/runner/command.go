package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
)

var ErrNoCommand = errors.New("command runner requires a 'command' binding")

// CommandRunner executes an arbitrary shell command in the session work
// directory. The session context is exposed through FLOWMESH_* environment
// variables; stdout and stderr go to the private step log.
type CommandRunner struct{}

func (r *CommandRunner) Run(ctx context.Context, rc RunContext) error {
	line, ok := rc.Inputs["command"]
	if !ok || line == "" {
		return ErrNoCommand
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", line)
	cmd.Dir = rc.WorkDir
	cmd.Stdout = rc.LogWriter
	cmd.Stderr = rc.LogWriter
	cmd.Env = append(os.Environ(),
		"FLOWMESH_SESSION_ID="+rc.Session.SessionID,
		"FLOWMESH_RUN_ID="+rc.Session.RunID,
		"FLOWMESH_FLOW_NAME="+rc.Session.FlowName,
		"FLOWMESH_STEP_ID="+rc.Step.ID,
		"FLOWMESH_IDENTITY="+rc.Session.SelfIdentity,
		"FLOWMESH_ROLE="+rc.Session.SelfRole,
	)

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("command failed: %w", err)
	}

	return nil
}
