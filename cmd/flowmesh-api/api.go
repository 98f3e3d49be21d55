// Package main provides the agent status and control API server.
package main

import (
	"log/slog"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/gofiber/fiber/v3/middleware/cors"
	"github.com/gofiber/fiber/v3/middleware/healthcheck"
	"github.com/gofiber/fiber/v3/middleware/logger"

	"github.com/openmined/flowmesh/pkg/agent"
	"github.com/openmined/flowmesh/pkg/persistence"
	"github.com/openmined/flowmesh/pkg/web"
)

type API struct {
	logger      *slog.Logger
	agent       *agent.Agent
	persistence persistence.Persistence
	validate    *validator.Validate
}

func NewAPI(logger *slog.Logger, a *agent.Agent, p persistence.Persistence) *API {
	return &API{
		logger:      logger,
		agent:       a,
		persistence: p,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
	}
}

func (a *API) App() *fiber.App {
	handlers := web.NewAPIHandlers(a.agent, a.persistence, a.validate)

	app := fiber.New()
	app.Use(cors.New())
	app.Use(logger.New(logger.Config{
		DisableColors: true,
	}))

	app.Get(healthcheck.DefaultLivenessEndpoint, healthcheck.NewHealthChecker())
	app.Get(healthcheck.DefaultReadinessEndpoint, healthcheck.NewHealthChecker())

	app.Get("/", func(c fiber.Ctx) error {
		return c.SendString("Flowmesh API")
	})

	s := app.Group("/sessions")
	s.Get("/", handlers.GetSessions)
	s.Post("/", handlers.ProposeSession)
	s.Get("/:id", handlers.GetSession)
	s.Get("/:id/steps", handlers.GetSessionSteps)
	s.Get("/:id/steps/:stepId/log", handlers.GetStepLog)
	s.Post("/:id/steps/:stepId/run", handlers.RunStep)
	s.Post("/:id/steps/:stepId/share", handlers.ShareStep)

	app.Get("/health", handlers.HealthCheck)

	return app
}

func (a *API) Start(port int) error {
	app := a.App()

	err := app.Listen(":" + strconv.Itoa(port))

	return err
}
