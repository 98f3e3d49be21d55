// Package file implements file-backed persistence, one JSON document per
// session.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/openmined/flowmesh/pkg/models"
	"github.com/openmined/flowmesh/pkg/persistence"
)

const dirMode = 0o755

type Persistence struct {
	root string
}

func NewPersistence(root string) *Persistence {
	return &Persistence{root: root}
}

func (p *Persistence) Sessions(ctx context.Context) ([]*models.Session, error) {
	root := os.DirFS(p.sessionsDir())

	jsonFiles, err := fs.Glob(root, "*.json")
	if err != nil {
		return nil, err
	}

	sessions := make([]*models.Session, 0, len(jsonFiles))

	for _, file := range jsonFiles {
		session, err := p.SessionByID(ctx, file[:len(file)-len(".json")])
		if err != nil {
			return nil, err
		}

		sessions = append(sessions, session)
	}

	return sessions, nil
}

func (p *Persistence) SessionByID(_ context.Context, sessionID string) (*models.Session, error) {
	body, err := os.ReadFile(p.sessionPath(sessionID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, persistence.ErrSessionNotFound
		}

		return nil, err
	}

	var session models.Session
	if err := json.Unmarshal(body, &session); err != nil {
		return nil, fmt.Errorf("failed to decode session %s: %w", sessionID, err)
	}

	return &session, nil
}

func (p *Persistence) SaveSession(_ context.Context, session *models.Session) error {
	if err := os.MkdirAll(p.sessionsDir(), dirMode); err != nil {
		return err
	}

	body, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode session %s: %w", session.SessionID, err)
	}

	return os.WriteFile(p.sessionPath(session.SessionID), body, 0o644)
}

func (p *Persistence) DeleteSession(_ context.Context, sessionID string) error {
	err := os.Remove(p.sessionPath(sessionID))
	if errors.Is(err, fs.ErrNotExist) {
		return persistence.ErrSessionNotFound
	}

	return err
}

func (p *Persistence) StepStates(_ context.Context, sessionID string) (map[string]*models.StepState, error) {
	body, err := os.ReadFile(p.statesPath(sessionID))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return make(map[string]*models.StepState), nil
		}

		return nil, err
	}

	states := make(map[string]*models.StepState)
	if err := json.Unmarshal(body, &states); err != nil {
		return nil, fmt.Errorf("failed to decode step states for %s: %w", sessionID, err)
	}

	return states, nil
}

func (p *Persistence) SaveStepStates(_ context.Context, sessionID string, states map[string]*models.StepState) error {
	if err := os.MkdirAll(p.statesDir(), dirMode); err != nil {
		return err
	}

	body, err := json.MarshalIndent(states, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode step states for %s: %w", sessionID, err)
	}

	return os.WriteFile(p.statesPath(sessionID), body, 0o644)
}

func (p *Persistence) HealthCheck(_ context.Context) error {
	info, err := os.Stat(p.root)
	if err != nil {
		return err
	}

	if !info.IsDir() {
		return fmt.Errorf("persistence root %s is not a directory", p.root)
	}

	return nil
}

func (p *Persistence) Close(_ context.Context) error {
	return nil
}

func (p *Persistence) sessionsDir() string {
	return filepath.Join(p.root, "sessions")
}

func (p *Persistence) statesDir() string {
	return filepath.Join(p.root, "step_states")
}

func (p *Persistence) sessionPath(sessionID string) string {
	return filepath.Join(p.sessionsDir(), sessionID+".json")
}

func (p *Persistence) statesPath(sessionID string) string {
	return filepath.Join(p.statesDir(), sessionID+".json")
}
