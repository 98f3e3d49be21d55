// Package datasite maps flow sessions onto the replicated datasite
// filesystem layout.
//
// Every participant owns a datasite subtree under a common root:
//
//	{root}/datasites/{identity}/shared/flows/{flow_name}/{run_id}/
//	    _progress/state.json      full progress snapshot
//	    _progress/log.jsonl       append-only event log
//	    {n}-{step_id}/            shared step outputs + permission descriptor
//
// The sync layer replicates these subtrees between hosts subject to the
// permission descriptors; this package only computes paths.
package datasite

import (
	"fmt"
	"path/filepath"
)

const (
	ProgressDirName   = "_progress"
	StateFileName     = "state.json"
	LogFileName       = "log.jsonl"
	DescriptorName    = "syft.pub.yaml"
	ManifestFileName  = ".share.manifest.json"
	stepLogsDirName   = "step_logs"
	localStateDirName = ".flowmesh"
)

// Layout computes paths for one participant's view of the shared root.
type Layout struct {
	Root     string
	Identity string
}

func NewLayout(root, identity string) Layout {
	return Layout{Root: root, Identity: identity}
}

// DatasiteDir is the subtree owned by the given identity, as synced into
// this participant's root.
func (l Layout) DatasiteDir(identity string) string {
	return filepath.Join(l.Root, "datasites", identity)
}

// FlowRunDir is the shared directory for one session owned by identity.
func (l Layout) FlowRunDir(identity, flowName, runID string) string {
	return filepath.Join(l.DatasiteDir(identity), "shared", "flows", flowName, runID)
}

// OwnFlowRunDir is this participant's own shared session directory, the only
// one it ever writes to.
func (l Layout) OwnFlowRunDir(flowName, runID string) string {
	return l.FlowRunDir(l.Identity, flowName, runID)
}

// StepDir is the shared output directory for a step within a run dir.
func (l Layout) StepDir(flowRunDir string, stepNumber int, stepID string) string {
	return filepath.Join(flowRunDir, fmt.Sprintf("%d-%s", stepNumber, stepID))
}

// ProgressDir holds the progress snapshot and event log of a run dir.
func (l Layout) ProgressDir(flowRunDir string) string {
	return filepath.Join(flowRunDir, ProgressDirName)
}

// LocalStateDir is the private, never-synced state directory for this
// participant (session records, private step logs).
func (l Layout) LocalStateDir() string {
	return filepath.Join(l.Root, localStateDirName)
}

// StepLogPath is the private log file for one step of one session.
func (l Layout) StepLogPath(sessionID, stepID string) string {
	return filepath.Join(l.LocalStateDir(), stepLogsDirName, sessionID, stepID+".log")
}
