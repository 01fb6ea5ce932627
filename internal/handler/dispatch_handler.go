package handler

import (
	"context"
	"fmt"

	"github.com/ecanturk/notify-dispatch/internal/service"
	"github.com/gofiber/fiber/v2"
)

// DispatchRunner is the one-shot trigger seam: an external scheduler (cron,
// serverless timer) hits the endpoint instead of running the in-process
// poll loop.
type DispatchRunner interface {
	RunDueBatch(ctx context.Context, trigger string) (service.BatchResult, error)
}

type DispatchHandler struct {
	runner DispatchRunner
}

func NewDispatchHandler(runner DispatchRunner) (*DispatchHandler, error) {
	if runner == nil {
		return nil, fmt.Errorf("dispatch runner is required")
	}
	return &DispatchHandler{runner: runner}, nil
}

func RegisterDispatchRoutes(router fiber.Router, runner DispatchRunner) error {
	h, err := NewDispatchHandler(runner)
	if err != nil {
		return err
	}

	v1 := router.Group("/v1")
	v1.Post("/dispatch/run", h.RunDispatch)

	return nil
}

func (h *DispatchHandler) RunDispatch(c *fiber.Ctx) error {
	result, err := h.runner.RunDueBatch(c.Context(), "external")
	if err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, err.Error())
	}

	return c.Status(fiber.StatusOK).JSON(result)
}
