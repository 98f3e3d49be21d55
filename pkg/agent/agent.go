// Package agent runs the per-participant orchestration loop. Each poll tick
// it syncs the datasite root, observes peer snapshots, re-derives every
// step's status and executes whatever became ready. All coordination state
// flows through the replicated filesystem; the agent never calls a peer.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/openmined/flowmesh/pkg/datasite"
	"github.com/openmined/flowmesh/pkg/flow"
	"github.com/openmined/flowmesh/pkg/messaging"
	"github.com/openmined/flowmesh/pkg/models"
	"github.com/openmined/flowmesh/pkg/persistence"
	"github.com/openmined/flowmesh/pkg/progress"
	"github.com/openmined/flowmesh/pkg/resolver"
	"github.com/openmined/flowmesh/pkg/runner"
	"github.com/openmined/flowmesh/pkg/session"
	"github.com/openmined/flowmesh/pkg/sharing"
	"github.com/openmined/flowmesh/pkg/syncer"
)

var (
	ErrSessionUnknown = errors.New("session not tracked by agent")
	ErrStepUnknown    = errors.New("step not part of flow")
	ErrStepTerminal   = errors.New("step already finished")
)

// Config tunes the agent loop.
type Config struct {
	// PollInterval is the tick period. Zero means one second.
	PollInterval time.Duration
	// AutoRun executes steps as soon as they become ready. Manual steps
	// wait for an operator trigger.
	AutoRun bool
	// AutoShare shares declared outputs immediately after completion.
	AutoShare bool
	// AutoAccept joins incoming invitations without an operator decision.
	AutoAccept bool
}

// Agent drives all sessions of one participant.
type Agent struct {
	config      Config
	layout      datasite.Layout
	persistence persistence.Persistence
	bus         messaging.Bus
	sessions    *session.Manager
	registry    *runner.Registry
	syncer      syncer.Syncer
	sharing     *sharing.Engine
	observer    *progress.Observer
	logger      *slog.Logger

	mu       sync.Mutex
	runtimes map[string]*sessionRuntime
	cron     *cron.Cron
}

// sessionRuntime is the in-memory working set for one tracked session.
type sessionRuntime struct {
	session   *models.Session
	roster    *flow.Roster
	publisher *progress.Publisher
	resolver  *resolver.Resolver

	states       map[string]*models.StepState
	waitingSince map[string]time.Time
	inFlight     map[string]bool
}

func New(config Config, layout datasite.Layout, p persistence.Persistence, bus messaging.Bus, sessions *session.Manager, registry *runner.Registry, sync syncer.Syncer, logger *slog.Logger) *Agent {
	if config.PollInterval <= 0 {
		config.PollInterval = time.Second
	}

	return &Agent{
		config:      config,
		layout:      layout,
		persistence: p,
		bus:         bus,
		sessions:    sessions,
		registry:    registry,
		syncer:      sync,
		sharing:     sharing.NewEngine(layout, bus, logger),
		observer:    progress.NewObserver(layout),
		logger:      logger,
		runtimes:    make(map[string]*sessionRuntime),
	}
}

// Start restores persisted sessions, wires the bus handlers and schedules
// the poll loop. It returns once the loop is scheduled.
func (a *Agent) Start(ctx context.Context) error {
	if err := a.restore(ctx); err != nil {
		return err
	}

	if err := a.bus.Handle(messaging.FlowInvitationMessage, a.onInvitation); err != nil {
		return err
	}

	if err := a.bus.Handle(messaging.StepResultsSharedMessage, a.onResultsShared); err != nil {
		return err
	}

	if err := a.bus.Subscribe(ctx); err != nil {
		return err
	}

	a.cron = cron.New(cron.WithSeconds())

	spec := fmt.Sprintf("@every %s", a.config.PollInterval)
	if _, err := a.cron.AddFunc(spec, func() {
		if err := a.Tick(ctx); err != nil {
			a.logger.Error("Tick failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("failed to schedule poll loop: %w", err)
	}

	a.cron.Start()
	a.logger.Info("Agent started", "identity", a.layout.Identity, "poll_interval", a.config.PollInterval)

	return nil
}

// Stop halts the poll loop and waits for in-flight ticks.
func (a *Agent) Stop() {
	if a.cron != nil {
		<-a.cron.Stop().Done()
	}
}

func (a *Agent) restore(ctx context.Context) error {
	sessions, err := a.persistence.Sessions(ctx)
	if err != nil {
		return err
	}

	for _, s := range sessions {
		if s.Settled() {
			continue
		}

		if err := a.track(ctx, s, false); err != nil {
			a.logger.Warn("Failed to restore session", "session_id", s.SessionID, "error", err)
		}
	}

	return nil
}

// Track registers a newly proposed or accepted session with the loop and
// records the joined milestone.
func (a *Agent) Track(ctx context.Context, s *models.Session) error {
	return a.track(ctx, s, true)
}

func (a *Agent) track(ctx context.Context, s *models.Session, announce bool) error {
	roster, err := flow.NewRoster(s.FlowSpec, s.Participants, s.SelfIdentity)
	if err != nil {
		return err
	}

	states, err := a.persistence.StepStates(ctx, s.SessionID)
	if err != nil {
		return err
	}

	for _, step := range s.FlowSpec.Steps {
		if _, ok := states[step.ID]; ok {
			continue
		}

		states[step.ID] = &models.StepState{
			StepID:  step.ID,
			Status:  models.StepStatusPending,
			AutoRun: a.config.AutoRun,
		}
	}

	rt := &sessionRuntime{
		session:      s,
		roster:       roster,
		publisher:    progress.NewPublisher(a.layout, s),
		resolver:     resolver.New(roster, a.locator()),
		states:       states,
		waitingSince: make(map[string]time.Time),
		inFlight:     make(map[string]bool),
	}

	a.mu.Lock()
	a.runtimes[s.SessionID] = rt
	a.mu.Unlock()

	if announce {
		if err := rt.publisher.Record(models.ProgressJoined, "", "", rt.states); err != nil {
			return err
		}
	}

	return nil
}

func (a *Agent) onInvitation(ctx context.Context, message any) error {
	invitation, ok := message.(*messaging.FlowInvitation)
	if !ok {
		return nil
	}

	if strings.EqualFold(invitation.Sender, a.layout.Identity) {
		return nil
	}

	if !a.config.AutoAccept {
		a.logger.Info("Invitation pending operator acceptance",
			"flow_name", invitation.FlowName,
			"session_id", invitation.SessionID,
			"sender", invitation.Sender)

		return nil
	}

	s, err := a.sessions.Accept(ctx, invitation, nil)
	if err != nil {
		if errors.Is(err, session.ErrNotInvited) {
			return nil
		}

		return err
	}

	return a.Track(ctx, s)
}

func (a *Agent) onResultsShared(_ context.Context, message any) error {
	results, ok := message.(*messaging.StepResultsShared)
	if !ok {
		return nil
	}

	a.logger.Info("Peer shared step results",
		"session_id", results.SessionID,
		"step_id", results.StepID,
		"sender", results.Sender,
		"files", len(results.Files))

	return nil
}

// Accept joins an invitation on operator request and starts tracking it.
func (a *Agent) Accept(ctx context.Context, invitation *messaging.FlowInvitation, inputBindings map[string]string) (*models.Session, error) {
	s, err := a.sessions.Accept(ctx, invitation, inputBindings)
	if err != nil {
		return nil, err
	}

	if err := a.Track(ctx, s); err != nil {
		return nil, err
	}

	return s, nil
}

// Propose creates and tracks a new session.
func (a *Agent) Propose(ctx context.Context, spec *models.FlowSpec, participants []models.Participant) (*models.Session, error) {
	s, err := a.sessions.Propose(ctx, spec, participants)
	if err != nil {
		return nil, err
	}

	if err := a.Track(ctx, s); err != nil {
		return nil, err
	}

	return s, nil
}

// Sessions lists the tracked sessions.
func (a *Agent) Sessions() []*models.Session {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]*models.Session, 0, len(a.runtimes))
	for _, rt := range a.runtimes {
		out = append(out, rt.session)
	}

	return out
}

// StepStates returns a copy of the local step-state table for a session.
func (a *Agent) StepStates(sessionID string) (map[string]models.StepState, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	rt, ok := a.runtimes[sessionID]
	if !ok {
		return nil, ErrSessionUnknown
	}

	out := make(map[string]models.StepState, len(rt.states))
	for id, state := range rt.states {
		out[id] = *state
	}

	return out, nil
}

func (a *Agent) runtime(sessionID string) (*sessionRuntime, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	rt, ok := a.runtimes[sessionID]
	if !ok {
		return nil, ErrSessionUnknown
	}

	return rt, nil
}

func (a *Agent) locator() resolver.ArtifactLocator {
	return fileLocator{layout: a.layout}
}

// fileLocator checks artifact replication directly against the local root.
type fileLocator struct {
	layout datasite.Layout
}

func (l fileLocator) Exists(s *models.Session, owner, stepID, fileName string) bool {
	runDir := l.layout.FlowRunDir(owner, s.FlowName, s.RunID)
	stepDir := l.layout.StepDir(runDir, s.FlowSpec.StepNumber(stepID), stepID)

	info, err := os.Stat(filepath.Join(stepDir, fileName))

	return err == nil && !info.IsDir()
}
