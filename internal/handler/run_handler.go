package handler

import (
	"context"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grader/internal/dto"
	"github.com/noah-isme/gema-grader/internal/repository"
	"github.com/noah-isme/gema-grader/internal/service"
	"github.com/noah-isme/gema-grader/internal/utils"
)

// RunHandler exposes the run ledger and manual flow triggers.
type RunHandler struct {
	runs      repository.RunRepository
	flows     service.FlowRunner
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewRunHandler constructs a run handler.
func NewRunHandler(runs repository.RunRepository, flows service.FlowRunner, validate *validator.Validate, logger zerolog.Logger) *RunHandler {
	if validate == nil {
		validate = validator.New()
	}
	return &RunHandler{
		runs:      runs,
		flows:     flows,
		validator: validate,
		logger:    logger.With().Str("component", "run_handler").Logger(),
	}
}

// Register wires run routes without operator guards.
func (h *RunHandler) Register(router fiber.Router) {
	router.Get("", h.List)
	router.Post("", h.Trigger)
}

// List returns recent runs from the ledger.
func (h *RunHandler) List(c *fiber.Ctx) error {
	var filter dto.RunFilter
	if err := c.QueryParser(&filter); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid query parameters")
	}
	if err := h.validator.Struct(filter); err != nil {
		return utils.SendValidationError(c, err)
	}

	records, err := h.runs.ListRecent(c.UserContext(), repository.RunFilter{Flow: filter.Flow, Limit: filter.Limit})
	if err != nil {
		requestLogger(h.logger, c).Error().Err(err).Msg("failed to list runs")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to list runs")
	}

	return utils.SendSuccess(c, "runs retrieved", dto.NewRunResponseSlice(records))
}

// Trigger starts a flow in the background; its outcome lands in the run ledger.
func (h *RunHandler) Trigger(c *fiber.Ctx) error {
	var req dto.TriggerRunRequest
	if err := c.BodyParser(&req); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}
	if err := h.validator.Struct(req); err != nil {
		return utils.SendValidationError(c, err)
	}
	if h.flows == nil {
		return utils.SendError(c, fiber.StatusServiceUnavailable, "flow runner unavailable")
	}

	logger := requestLogger(h.logger, c).With().Str("flow", req.Flow).Str("group", req.Group).Str("section", req.Section).Logger()
	ctx := context.WithoutCancel(c.UserContext())

	go func() {
		summary, err := h.run(ctx, req)
		if err != nil {
			logger.Error().Err(err).Str("status", summary.Status).Msg("triggered run failed")
			return
		}
		logger.Info().Str("run_id", summary.RunID).Str("status", summary.Status).Msg("triggered run finished")
	}()

	return utils.SendSuccessWithStatus(c, fiber.StatusAccepted, "run triggered", req)
}

func (h *RunHandler) run(ctx context.Context, req dto.TriggerRunRequest) (dto.RunSummary, error) {
	switch req.Flow {
	case service.FlowAutoExtension:
		return h.flows.RunAutoExtension(ctx, req.Group, req.Section)
	case service.FlowSnapshot:
		return h.flows.RunSnapshots(ctx, req.Group, req.Section)
	default:
		return h.flows.RunGrading(ctx, req.Group)
	}
}
