// Package web exposes the local status and control API of an agent. It only
// ever reports and triggers local state; nothing here crosses participant
// boundaries.
package web

import (
	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/openmined/flowmesh/pkg/agent"
	"github.com/openmined/flowmesh/pkg/flow"
	"github.com/openmined/flowmesh/pkg/models"
	"github.com/openmined/flowmesh/pkg/persistence"
)

type APIHandlers struct {
	agent       *agent.Agent
	persistence persistence.Persistence
	validator   *validator.Validate
}

func NewAPIHandlers(a *agent.Agent, p persistence.Persistence, v *validator.Validate) *APIHandlers {
	return &APIHandlers{
		agent:       a,
		persistence: p,
		validator:   v,
	}
}

func (h *APIHandlers) GetSessions(c fiber.Ctx) error {
	sessions, err := h.persistence.Sessions(c.Context())
	if err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{
		"sessions":    sessions,
		"total_count": len(sessions),
	})
}

func (h *APIHandlers) GetSession(c fiber.Ctx) error {
	session, err := h.persistence.SessionByID(c.Context(), c.Params("id"))
	if err != nil {
		return handleAgentError(c, err)
	}

	return c.JSON(session)
}

func (h *APIHandlers) GetSessionSteps(c fiber.Ctx) error {
	states, err := h.agent.StepStates(c.Params("id"))
	if err != nil {
		return handleAgentError(c, err)
	}

	return c.JSON(fiber.Map{"steps": states})
}

func (h *APIHandlers) GetStepLog(c fiber.Ctx) error {
	lines, err := h.agent.StepLogTail(c.Params("id"), c.Params("stepId"), fiber.Query[int](c, "tail", 100))
	if err != nil {
		return handleAgentError(c, err)
	}

	return c.JSON(fiber.Map{"lines": lines})
}

func (h *APIHandlers) RunStep(c fiber.Ctx) error {
	if err := h.agent.RunStep(c.Context(), c.Params("id"), c.Params("stepId")); err != nil {
		return handleAgentError(c, err)
	}

	return c.SendStatus(fiber.StatusAccepted)
}

func (h *APIHandlers) ShareStep(c fiber.Ctx) error {
	if err := h.agent.ShareStep(c.Context(), c.Params("id"), c.Params("stepId")); err != nil {
		return handleAgentError(c, err)
	}

	return c.SendStatus(fiber.StatusAccepted)
}

type proposeRequest struct {
	Flow         string               `json:"flow"         validate:"required"`
	Participants []models.Participant `json:"participants" validate:"required,min=1,dive"`
}

func (h *APIHandlers) ProposeSession(c fiber.Ctx) error {
	var req proposeRequest
	if err := c.Bind().Body(&req); err != nil {
		return badRequest(c, "Invalid request body: "+err.Error())
	}

	if err := h.validator.Struct(&req); err != nil {
		return badRequest(c, err.Error())
	}

	spec, err := flow.Parse([]byte(req.Flow))
	if err != nil {
		return badRequest(c, err.Error())
	}

	session, err := h.agent.Propose(c.Context(), spec, req.Participants)
	if err != nil {
		return handleAgentError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(session)
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	if err := h.persistence.HealthCheck(c.Context()); err != nil {
		return internalError(c, err)
	}

	return c.JSON(fiber.Map{"status": "ok"})
}
