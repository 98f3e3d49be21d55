// Package sharing materializes declared step outputs into the participant's
// shared datasite folder and gates them with permission descriptors.
package sharing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/openmined/flowmesh/pkg/datasite"
	"github.com/openmined/flowmesh/pkg/flow"
	"github.com/openmined/flowmesh/pkg/messaging"
	"github.com/openmined/flowmesh/pkg/models"
	"github.com/openmined/flowmesh/pkg/template"
)

var ErrArtifactMissing = errors.New("declared artifact not found")

// Engine copies declared artifacts into the shared step directory, rewrites
// the permission descriptor from the resolved reader set, and announces the
// share on the bus. A share is performed at most once per step; the written
// manifest makes repeats a no-op.
type Engine struct {
	layout datasite.Layout
	bus    messaging.Bus
	logger *slog.Logger
}

func NewEngine(layout datasite.Layout, bus messaging.Bus, logger *slog.Logger) *Engine {
	return &Engine{layout: layout, bus: bus, logger: logger}
}

// ShareStep shares the step's declared artifacts out of workDir. It returns
// the manifest and whether this call performed the share (false when a
// previous share already did).
func (e *Engine) ShareStep(ctx context.Context, session *models.Session, roster *flow.Roster, step *models.Step, workDir string) (*models.ShareManifest, bool, error) {
	if !step.SharesOutput() {
		return nil, false, nil
	}

	runDir := e.layout.OwnFlowRunDir(session.FlowName, session.RunID)
	stepDir := e.layout.StepDir(runDir, session.FlowSpec.StepNumber(step.ID), step.ID)

	if manifest, err := readManifest(stepDir); err == nil {
		return manifest, false, nil
	}

	if err := os.MkdirAll(stepDir, 0o755); err != nil {
		return nil, false, fmt.Errorf("failed to create step dir: %w", err)
	}

	values := template.Values{
		CurrentDatasite: e.layout.Identity,
		FlowName:        session.FlowName,
		RunID:           session.RunID,
		StepNumber:      session.FlowSpec.StepNumber(step.ID),
		StepID:          step.ID,
		Vars:            session.FlowSpec.Vars,
	}

	artifacts := make([]models.SharedArtifact, 0, len(step.Share))
	readerSet := make(map[string]bool)
	files := make([]messaging.SharedFile, 0, len(step.Share))

	for name, share := range step.Share {
		source := template.Resolve(share.Source, values)
		if !filepath.IsAbs(source) {
			source = filepath.Join(workDir, source)
		}

		dest := filepath.Join(stepDir, filepath.Base(source))

		size, err := copyArtifact(source, dest)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, false, fmt.Errorf("%w: %s (%s)", ErrArtifactMissing, name, source)
			}

			return nil, false, err
		}

		readers, err := roster.ResolveAll(share.Permissions.Read)
		if err != nil {
			return nil, false, err
		}

		for _, reader := range readers {
			readerSet[reader] = true
		}

		artifacts = append(artifacts, models.SharedArtifact{
			Name:   name,
			Source: source,
			Dest:   filepath.Base(source),
		})

		files = append(files, messaging.SharedFile{
			Name:      filepath.Base(source),
			SizeBytes: size,
		})
	}

	readers := make([]string, 0, len(readerSet))
	for reader := range readerSet {
		readers = append(readers, reader)
	}

	sort.Strings(readers)

	// The descriptor is rewritten in full on every share so that stale
	// grants from an earlier run at the same path cannot survive.
	descriptor := datasite.NewDescriptor(e.layout.Identity, readers)
	if err := datasite.WriteDescriptor(stepDir, descriptor); err != nil {
		return nil, false, err
	}

	manifest := &models.ShareManifest{
		SessionID: session.SessionID,
		StepID:    step.ID,
		SharedBy:  e.layout.Identity,
		Artifacts: artifacts,
		Readers:   readers,
		SharedAt:  time.Now().UTC(),
	}

	if err := writeManifest(stepDir, manifest); err != nil {
		return nil, false, err
	}

	e.logger.Info("Shared step outputs",
		"session_id", session.SessionID,
		"step_id", step.ID,
		"artifacts", len(artifacts),
		"readers", len(readers))

	e.announce(ctx, session, step, files)

	return manifest, true, nil
}

// ArtifactPath locates a shared artifact inside a participant's replicated
// step directory.
func (e *Engine) ArtifactPath(session *models.Session, owner, stepID, fileName string) string {
	runDir := e.layout.FlowRunDir(owner, session.FlowName, session.RunID)
	stepDir := e.layout.StepDir(runDir, session.FlowSpec.StepNumber(stepID), stepID)

	return filepath.Join(stepDir, fileName)
}

func (e *Engine) announce(ctx context.Context, session *models.Session, step *models.Step, files []messaging.SharedFile) {
	msg := &messaging.StepResultsShared{
		BaseMessage: messaging.BaseMessage{
			ID:        e.bus.GenerateID(),
			Type:      messaging.StepResultsSharedMessage,
			ThreadID:  session.ThreadID,
			Sender:    e.layout.Identity,
			Timestamp: time.Now().UTC(),
		},
		FlowName:  session.FlowName,
		SessionID: session.SessionID,
		StepID:    step.ID,
		StepName:  step.Name,
		Files:     files,
	}

	// The notification is a courtesy for humans watching the thread; a
	// delivery failure must not fail the share.
	if err := e.bus.Publish(ctx, session.ThreadID, msg); err != nil {
		e.logger.Warn("Failed to announce shared results", "step_id", step.ID, "error", err)
	}
}

func copyArtifact(source, dest string) (int64, error) {
	in, err := os.Open(source)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return 0, fmt.Errorf("failed to create shared artifact: %w", err)
	}
	defer out.Close()

	size, err := io.Copy(out, in)
	if err != nil {
		return 0, fmt.Errorf("failed to copy artifact %s: %w", source, err)
	}

	return size, nil
}

func readManifest(stepDir string) (*models.ShareManifest, error) {
	body, err := os.ReadFile(filepath.Join(stepDir, datasite.ManifestFileName))
	if err != nil {
		return nil, err
	}

	var manifest models.ShareManifest
	if err := json.Unmarshal(body, &manifest); err != nil {
		return nil, err
	}

	return &manifest, nil
}

func writeManifest(stepDir string, manifest *models.ShareManifest) error {
	body, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode share manifest: %w", err)
	}

	return os.WriteFile(filepath.Join(stepDir, datasite.ManifestFileName), body, 0o644)
}
