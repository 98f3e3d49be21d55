package main

import (
	"context"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	cli "github.com/urfave/cli/v3"

	"github.com/openmined/flowmesh/pkg/agent"
	"github.com/openmined/flowmesh/pkg/cmd"
	"github.com/openmined/flowmesh/pkg/datasite"
	"github.com/openmined/flowmesh/pkg/log"
	"github.com/openmined/flowmesh/pkg/otelhelper"
	"github.com/openmined/flowmesh/pkg/runner"
	"github.com/openmined/flowmesh/pkg/runqueue"
	"github.com/openmined/flowmesh/pkg/session"
	"github.com/openmined/flowmesh/pkg/syncer"
)

func runCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "Start the agent loop for one participant",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "identity",
				Usage:    "Datasite identity of this participant (usually an email)",
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
			&cli.DurationFlag{
				Name:    "poll-interval",
				Usage:   "Orchestration tick period",
				Value:   2 * time.Second,
				Sources: cli.EnvVars("FLOWMESH_POLL_INTERVAL"),
			},
			&cli.BoolFlag{
				Name:    "auto-run",
				Usage:   "Execute steps as soon as they become ready",
				Value:   true,
				Sources: cli.EnvVars("FLOWMESH_AUTO_RUN"),
			},
			&cli.BoolFlag{
				Name:    "auto-share",
				Usage:   "Share declared outputs right after completion",
				Value:   true,
				Sources: cli.EnvVars("FLOWMESH_AUTO_SHARE"),
			},
			&cli.BoolFlag{
				Name:    "auto-accept",
				Usage:   "Join incoming invitations without operator confirmation",
				Sources: cli.EnvVars("FLOWMESH_AUTO_ACCEPT"),
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "Redis URL for the operator run queue (disabled when empty)",
				Sources: cli.EnvVars("REDIS_URL"),
			},
			&cli.StringFlag{
				Name:    "run-queue",
				Usage:   "Redis list the operator commands arrive on",
				Value:   "flowmesh:commands",
				Sources: cli.EnvVars("FLOWMESH_RUN_QUEUE"),
			},
			&cli.BoolFlag{
				Name:    "tracing",
				Usage:   "Export OTLP traces",
				Sources: cli.EnvVars("FLOWMESH_TRACING"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Action: runAction,
	}
}

func runAction(ctx context.Context, command *cli.Command) error {
	log.Setup(command.String("log-level"))

	identity := command.String("identity")
	logger := log.WithModule("flowmesh-agent").With("identity", identity)

	logger.InfoContext(ctx, "Initializing agent")

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if command.Bool("tracing") {
		if _, err := otelhelper.NewTracer(ctx, "flowmesh-agent"); err != nil {
			logger.WarnContext(ctx, "Failed to initialize tracing", "error", err)
		}
	}

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

	bus := cmd.NewBus(command.String("message-bus"), "flowmesh-agent", logger)
	defer func() {
		if err := bus.Close(); err != nil {
			logger.ErrorContext(ctx, "Failed to close message bus", "error", err)
		}
	}()

	manager := session.NewManager(identity, persistence, bus, logger)

	a := agent.New(agent.Config{
		PollInterval: command.Duration("poll-interval"),
		AutoRun:      command.Bool("auto-run"),
		AutoShare:    command.Bool("auto-share"),
		AutoAccept:   command.Bool("auto-accept"),
	}, layout, persistence, bus, manager, runner.DefaultRegistry(), syncer.Noop{}, logger)

	if err := a.Start(ctx); err != nil {
		return err
	}
	defer a.Stop()

	if redisURL := command.String("redis-url"); redisURL != "" {
		consumer, err := runqueue.NewConsumer(redisURL, command.String("run-queue"), a, logger)
		if err != nil {
			return err
		}

		go func() {
			if err := consumer.Start(ctx); err != nil {
				logger.ErrorContext(ctx, "Run queue consumer stopped", "error", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("Shutting down agent")

	return nil
}
