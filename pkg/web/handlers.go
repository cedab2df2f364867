package web

import (
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/colloquy/colloquy/pkg/orchestrator"
	"github.com/colloquy/colloquy/pkg/persistence"
	"github.com/colloquy/colloquy/pkg/registry"
)

type APIHandlers struct {
	orch        *orchestrator.Orchestrator
	persistence persistence.Persistence
	registry    *registry.Registry
	validator   *validator.Validate
}

func NewAPIHandlers(
	orch *orchestrator.Orchestrator,
	persistence persistence.Persistence,
	registry *registry.Registry,
	validator *validator.Validate,
) *APIHandlers {
	return &APIHandlers{
		orch:        orch,
		persistence: persistence,
		registry:    registry,
		validator:   validator,
	}
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	status := "healthy"
	httpStatus := http.StatusOK

	storageErr := h.persistence.HealthCheck(c.Context())
	if storageErr != nil {
		status = "unhealthy"
		httpStatus = http.StatusInternalServerError
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status": status,
		"checkers": fiber.Map{
			"storage":  storageErr == nil,
			"handlers": len(h.registry.Handlers()),
		},
		"timestamp": time.Now().UTC(),
	})
}

func (h *APIHandlers) ListDefinitions(c fiber.Ctx) error {
	defs, err := h.persistence.Definitions().GetAll(c.Context())
	if err != nil {
		return internalError(c, err)
	}

	summaries := make([]DefinitionSummary, 0, len(defs))
	for _, def := range defs {
		summaries = append(summaries, SummarizeDefinition(def))
	}

	return c.JSON(fiber.Map{
		"definitions": summaries,
		"total_count": len(summaries),
	})
}

func (h *APIHandlers) GetDefinition(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Definition ID is required")
	}

	def, err := h.persistence.Definitions().GetByID(c.Context(), id)
	if err != nil {
		if persistence.IsDefinitionNotFound(err) {
			return notFound(c, "definition not found")
		}

		return internalError(c, err)
	}

	return c.JSON(def)
}

// ValidateDefinition runs the semantic checks against the live handler set.
// The response is 200 either way; validity is in the body.
func (h *APIHandlers) ValidateDefinition(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Definition ID is required")
	}

	def, err := h.persistence.Definitions().GetByID(c.Context(), id)
	if err != nil {
		if persistence.IsDefinitionNotFound(err) {
			return notFound(c, "definition not found")
		}

		return internalError(c, err)
	}

	resp := ValidationResponse{ID: def.ID, Valid: true}

	for _, problem := range def.Validate(h.registry.Has) {
		resp.Valid = false
		resp.Problems = append(resp.Problems, problem.Error())
	}

	return c.JSON(resp)
}

func (h *APIHandlers) GetRun(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Run ID is required")
	}

	run, err := h.persistence.Runs().GetByID(c.Context(), id)
	if err != nil {
		if persistence.IsRunNotFound(err) {
			return notFound(c, "run not found")
		}

		return internalError(c, err)
	}

	return c.JSON(run)
}

// PostMessage feeds one classified turn into the orchestrator and relays its
// response. This is the generic programmatic surface; channel-specific webhook
// parsing lives in the channel adapters, not here.
func (h *APIHandlers) PostMessage(c fiber.Ctx) error {
	sessionID := c.Params("id")
	if sessionID == "" {
		return badRequest(c, "Session ID is required")
	}

	var req MessageRequest
	if err := c.Bind().JSON(&req); err != nil {
		return badRequest(c, "Invalid JSON format")
	}

	if err := h.validator.Struct(req); err != nil {
		return badRequest(c, err.Error())
	}

	resp, err := h.orch.HandleMessage(c.Context(), sessionID, orchestrator.Inbound{
		Message:    req.Message,
		Event:      req.Event,
		Intent:     req.Intent,
		Confidence: req.Confidence,
		Entities:   req.Entities,
	})
	if err != nil {
		return handleOrchestratorError(c, err)
	}

	return c.JSON(resp)
}
