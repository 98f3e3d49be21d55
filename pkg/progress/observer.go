package progress

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/openmined/flowmesh/pkg/datasite"
	"github.com/openmined/flowmesh/pkg/models"
)

// View is the resolver's read model for one session: the local step-state
// table plus the last observed snapshot per peer. Peer entries may be
// missing or stale; absence means "not yet replicated", never failure.
type View struct {
	Local map[string]*models.StepState
	Peers map[string]*models.ProgressSnapshot
}

// PeerStatus returns the given participant's status for a step. The local
// table is authoritative for the local identity.
func (v View) PeerStatus(self, identity, stepID string) models.StepStatus {
	if strings.EqualFold(identity, self) {
		if state, ok := v.Local[stepID]; ok && state != nil {
			return state.Status
		}

		return models.StepStatusPending
	}

	return v.Peers[strings.ToLower(identity)].StepStatusOf(stepID)
}

// Observer reads peer snapshots from their replicated datasite folders. It
// caches the freshest snapshot seen per peer so that a torn or vanished
// file during sync never moves a peer's observed state backwards.
type Observer struct {
	layout datasite.Layout

	mu    sync.Mutex
	cache map[string]*models.ProgressSnapshot
}

func NewObserver(layout datasite.Layout) *Observer {
	return &Observer{
		layout: layout,
		cache:  make(map[string]*models.ProgressSnapshot),
	}
}

// Observe reads every remote participant's state.json for the session and
// returns the per-peer snapshots, keyed by lowercased identity.
func (o *Observer) Observe(session *models.Session) map[string]*models.ProgressSnapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	snapshots := make(map[string]*models.ProgressSnapshot)

	for _, participant := range session.Participants {
		if strings.EqualFold(participant.Identity, o.layout.Identity) {
			continue
		}

		key := strings.ToLower(participant.Identity)

		snapshot, err := o.readSnapshot(participant.Identity, session)
		if err != nil {
			// Keep whatever we saw last; the file may be mid-sync.
			if cached, ok := o.cache[key]; ok {
				snapshots[key] = cached
			}

			continue
		}

		if cached, ok := o.cache[key]; ok && cached.UpdatedAt.After(snapshot.UpdatedAt) {
			snapshot = cached
		}

		o.cache[key] = snapshot
		snapshots[key] = snapshot
	}

	return snapshots
}

func (o *Observer) readSnapshot(identity string, session *models.Session) (*models.ProgressSnapshot, error) {
	runDir := o.layout.FlowRunDir(identity, session.FlowName, session.RunID)
	path := filepath.Join(o.layout.ProgressDir(runDir), datasite.StateFileName)

	body, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("no snapshot from %s yet: %w", identity, err)
		}

		return nil, fmt.Errorf("failed to read snapshot from %s: %w", identity, err)
	}

	var snapshot models.ProgressSnapshot
	if err := json.Unmarshal(body, &snapshot); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot from %s: %w", identity, err)
	}

	if snapshot.SessionID != session.SessionID {
		return nil, fmt.Errorf("snapshot from %s belongs to session %s", identity, snapshot.SessionID)
	}

	return &snapshot, nil
}

// PeerEvents reads a remote participant's replicated event log, oldest
// first. Useful for audit views; the engine itself only consumes snapshots.
func (o *Observer) PeerEvents(identity string, session *models.Session) ([]models.ProgressEvent, error) {
	runDir := o.layout.FlowRunDir(identity, session.FlowName, session.RunID)

	return readEvents(filepath.Join(o.layout.ProgressDir(runDir), datasite.LogFileName))
}

func readEvents(path string) ([]models.ProgressEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to open progress log: %w", err)
	}
	defer f.Close()

	var events []models.ProgressEvent

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var event models.ProgressEvent
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			// A torn trailing line from an in-flight sync is not fatal.
			continue
		}

		events = append(events, event)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan progress log: %w", err)
	}

	return events, nil
}
