// Package progress publishes and observes per-participant coordination
// state. Each participant appends to its own event log and rewrites its own
// snapshot; peers only ever read. With single-writer files there is no
// write-write race to resolve, and staleness is bounded only by sync-layer
// propagation.
package progress

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/openmined/flowmesh/pkg/datasite"
	"github.com/openmined/flowmesh/pkg/models"
)

// Publisher writes the local participant's progress files for one session.
type Publisher struct {
	layout    datasite.Layout
	sessionID string
	role      string
	readers   []string
	dir       string

	descriptorWritten bool
}

func NewPublisher(layout datasite.Layout, session *models.Session) *Publisher {
	runDir := layout.OwnFlowRunDir(session.FlowName, session.RunID)

	return &Publisher{
		layout:    layout,
		sessionID: session.SessionID,
		role:      session.SelfRole,
		readers:   session.Identities(),
		dir:       layout.ProgressDir(runDir),
	}
}

// Dir returns the coordination directory the publisher writes to.
func (p *Publisher) Dir() string {
	return p.dir
}

// Record appends one event to log.jsonl and rewrites state.json with the
// full current step-state table.
func (p *Publisher) Record(eventType models.ProgressEventType, stepID string, status models.StepStatus, states map[string]*models.StepState) error {
	if err := p.ensure(); err != nil {
		return err
	}

	if err := p.appendEvent(eventType, stepID, status); err != nil {
		return err
	}

	return p.writeSnapshot(states)
}

// PublishSnapshot rewrites state.json without appending an event. Used for
// transient status changes that peers must observe but that are not
// milestones worth logging.
func (p *Publisher) PublishSnapshot(states map[string]*models.StepState) error {
	if err := p.ensure(); err != nil {
		return err
	}

	return p.writeSnapshot(states)
}

// ensure creates the progress dir and, once, its permission descriptor.
// Every participant may observe this directory; nobody else may write here.
func (p *Publisher) ensure() error {
	if err := os.MkdirAll(p.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create progress dir: %w", err)
	}

	if !p.descriptorWritten {
		descriptor := datasite.NewDescriptor(p.layout.Identity, p.readers)
		if err := datasite.WriteDescriptor(p.dir, descriptor); err != nil {
			return err
		}

		p.descriptorWritten = true
	}

	return nil
}

func (p *Publisher) appendEvent(eventType models.ProgressEventType, stepID string, status models.StepStatus) error {
	event := models.ProgressEvent{
		ID:        uuid.New().String(),
		Type:      eventType,
		Role:      p.role,
		StepID:    stepID,
		Status:    status,
		Timestamp: time.Now().UTC(),
	}

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode progress event: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(p.dir, datasite.LogFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open progress log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append progress event: %w", err)
	}

	return nil
}

func (p *Publisher) writeSnapshot(states map[string]*models.StepState) error {
	identity := p.layout.Identity

	snapshot := models.ProgressSnapshot{
		SessionID: p.sessionID,
		Identity:  identity,
		Role:      p.role,
		UpdatedAt: time.Now().UTC(),
		Steps:     states,
	}

	body, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode progress snapshot: %w", err)
	}

	return os.WriteFile(filepath.Join(p.dir, datasite.StateFileName), body, 0o644)
}

// Events reads back the local append-only log, oldest first.
func (p *Publisher) Events() ([]models.ProgressEvent, error) {
	return readEvents(filepath.Join(p.dir, datasite.LogFileName))
}
