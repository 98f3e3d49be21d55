package web

import (
	"errors"

	"github.com/gofiber/fiber/v3"
	"github.com/moogar0880/problems"

	"github.com/openmined/flowmesh/pkg/agent"
	"github.com/openmined/flowmesh/pkg/persistence"
)

func badRequest(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(400).
		WithInstance(c.Path()).
		WithType("validation_error").
		WithDetail(detail)

	return c.Status(fiber.StatusBadRequest).JSON(problem)
}

func notFound(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(404).
		WithInstance(c.Path()).
		WithType("not_found").
		WithDetail(detail)

	return c.Status(fiber.StatusNotFound).JSON(problem)
}

func conflict(c fiber.Ctx, detail string) error {
	problem := problems.NewStatusProblem(409).
		WithInstance(c.Path()).
		WithType("conflict").
		WithDetail(detail)

	return c.Status(fiber.StatusConflict).JSON(problem)
}

func internalError(c fiber.Ctx, err error) error {
	problem := problems.NewStatusProblem(500).
		WithInstance(c.Path()).
		WithType("internal_error").
		WithError(err)

	return c.Status(fiber.StatusInternalServerError).JSON(problem)
}

// handleAgentError maps engine errors onto problem responses.
func handleAgentError(c fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, agent.ErrSessionUnknown) || persistence.IsNotFound(err):
		return notFound(c, "session not found")
	case errors.Is(err, agent.ErrStepUnknown):
		return notFound(c, "step not found")
	case errors.Is(err, agent.ErrStepTerminal):
		return conflict(c, err.Error())
	default:
		return badRequest(c, err.Error())
	}
}
