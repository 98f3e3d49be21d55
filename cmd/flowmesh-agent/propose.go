package main

import (
	"context"
	"fmt"
	"strings"

	cli "github.com/urfave/cli/v3"

	"github.com/openmined/flowmesh/pkg/cmd"
	"github.com/openmined/flowmesh/pkg/flow"
	"github.com/openmined/flowmesh/pkg/log"
	"github.com/openmined/flowmesh/pkg/models"
	"github.com/openmined/flowmesh/pkg/session"
)

func proposeCommand() *cli.Command {
	return &cli.Command{
		Name:      "propose",
		Usage:     "Propose a flow session to a set of participants",
		ArgsUsage: "<flow.yaml>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "identity",
				Usage:    "Datasite identity of this participant",
				Required: true,
				Sources:  cli.EnvVars("FLOWMESH_IDENTITY"),
			},
			&cli.StringSliceFlag{
				Name:     "participant",
				Aliases:  []string{"p"},
				Usage:    "Role binding as role=identity; repeat per participant",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "database-url",
				Usage:    "Persistence URL",
				Required: true,
				Sources:  cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "message-bus",
				Usage:   "Message bus provider (kafka, gochannel)",
				Value:   "kafka",
				Sources: cli.EnvVars("MESSAGE_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: proposeAction,
	}
}

func proposeAction(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"))

	path := command.Args().First()
	if path == "" {
		return fmt.Errorf("usage: flowmesh-agent propose <flow.yaml>")
	}

	spec, err := flow.Load(path)
	if err != nil {
		return err
	}

	participants, err := parseParticipants(command.StringSlice("participant"))
	if err != nil {
		return err
	}

	identity := command.String("identity")
	logger := log.WithModule("flowmesh-agent").With("identity", identity)

	persistence := cmd.NewPersistence(command.String("database-url"))
	defer func() {
		if err := persistence.Close(ctx); err != nil {
			logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
		}
	}()

	bus := cmd.NewBus(command.String("message-bus"), "flowmesh-agent", logger)
	defer func() {
		if err := bus.Close(); err != nil {
			logger.ErrorContext(ctx, "Failed to close message bus", "error", err)
		}
	}()

	manager := session.NewManager(identity, persistence, bus, logger)

	s, err := manager.Propose(ctx, spec, participants)
	if err != nil {
		return err
	}

	fmt.Printf("proposed session %s for flow %q\n", s.SessionID, s.FlowName)

	return nil
}

func parseParticipants(bindings []string) ([]models.Participant, error) {
	participants := make([]models.Participant, 0, len(bindings))

	for _, binding := range bindings {
		role, identity, found := strings.Cut(binding, "=")
		if !found || role == "" || identity == "" {
			return nil, fmt.Errorf("invalid participant binding %q, expected role=identity", binding)
		}

		participants = append(participants, models.Participant{Role: role, Identity: identity})
	}

	return participants, nil
}
