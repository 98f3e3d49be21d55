package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	cli "github.com/urfave/cli/v3"

	"github.com/openmined/flowmesh/pkg/agent"
	"github.com/openmined/flowmesh/pkg/cmd"
	"github.com/openmined/flowmesh/pkg/datasite"
	"github.com/openmined/flowmesh/pkg/log"
	"github.com/openmined/flowmesh/pkg/runner"
	"github.com/openmined/flowmesh/pkg/session"
	"github.com/openmined/flowmesh/pkg/syncer"
)

func main() {
	command := &cli.Command{
		Name:                  "flowmesh-api",
		EnableShellCompletion: true,
		Usage:                 "Run the agent with its status and control API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "identity",
				Usage:    "Datasite identity of this participant",
				Required: true,
				Sources:  cli.EnvVars("FLOWMESH_IDENTITY"),
			},
			&cli.StringFlag{
				Name:     "datasite-root",
				Usage:    "Root directory containing the replicated datasites/ tree",
				Required: true,
				Sources:  cli.EnvVars("FLOWMESH_DATASITE_ROOT"),
			},
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Persistence URL; defaults to file storage inside the datasite root",
				Sources: cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "message-bus",
				Usage:   "Message bus provider (kafka, gochannel)",
				Value:   "kafka",
				Sources: cli.EnvVars("MESSAGE_BUS_TYPE"),
			},
			&cli.IntFlag{
				Name:    "port",
				Usage:   "HTTP port to listen on",
				Value:   9090,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.DurationFlag{
				Name:    "poll-interval",
				Usage:   "Orchestration tick period",
				Value:   2 * time.Second,
				Sources: cli.EnvVars("FLOWMESH_POLL_INTERVAL"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: run,
	}

	err := command.Run(context.Background(), os.Args)
	if err != nil {
		panic(err)
	}
}

func run(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"))

	identity := command.String("identity")
	logger := log.WithModule("flowmesh-api").With("identity", identity)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	layout := datasite.NewLayout(command.String("datasite-root"), identity)

	databaseURL := command.String("database-url")
	if databaseURL == "" {
		databaseURL = "file://" + filepath.Join(layout.LocalStateDir(), "db")
	}

	persistence := cmd.NewPersistence(databaseURL)
	defer func() {
		if err := persistence.Close(ctx); err != nil {
			logger.ErrorContext(ctx, "Failed to close persistence", "error", err)
		}
	}()

	bus := cmd.NewBus(command.String("message-bus"), "flowmesh-api", logger)
	defer func() {
		if err := bus.Close(); err != nil {
			logger.ErrorContext(ctx, "Failed to close message bus", "error", err)
		}
	}()

	manager := session.NewManager(identity, persistence, bus, logger)

	a := agent.New(agent.Config{
		PollInterval: command.Duration("poll-interval"),
		AutoRun:      true,
		AutoShare:    true,
	}, layout, persistence, bus, manager, runner.DefaultRegistry(), syncer.Noop{}, logger)

	if err := a.Start(ctx); err != nil {
		return err
	}
	defer a.Stop()

	api := NewAPI(logger, a, persistence)

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down API")
		os.Exit(0)
	}()

	return api.Start(command.Int("port"))
}
