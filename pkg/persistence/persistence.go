// Package persistence provides the local storage abstraction for sessions
// and step state. Everything stored here is private to the local
// participant; cross-participant state travels only through published
// progress snapshots.
package persistence

import (
	"context"
	"errors"

	"github.com/openmined/flowmesh/pkg/models"
)

var ErrSessionNotFound = errors.New("session not found")

type Persistence interface {
	Sessions(ctx context.Context) ([]*models.Session, error)
	SessionByID(ctx context.Context, sessionID string) (*models.Session, error)
	SaveSession(ctx context.Context, session *models.Session) error
	DeleteSession(ctx context.Context, sessionID string) error

	StepStates(ctx context.Context, sessionID string) (map[string]*models.StepState, error)
	SaveStepStates(ctx context.Context, sessionID string, states map[string]*models.StepState) error

	HealthCheck(ctx context.Context) error
	Close(ctx context.Context) error
}

func IsNotFound(err error) bool {
	return errors.Is(err, ErrSessionNotFound)
}
