package handler

import (
	"fmt"

	"github.com/gofiber/fiber/v2"

	"github.com/haunguyenht/Stripula-sub007/internal/domain"
	"github.com/haunguyenht/Stripula-sub007/internal/orchestrator"
	"github.com/haunguyenht/Stripula-sub007/internal/parser"
)

type batchRequest struct {
	TenantID  string   `json:"tenantId"`
	GatewayID string   `json:"gatewayId"`
	Tier      string   `json:"tier"`
	Lines     []string `json:"lines"`
}

type batchResponse struct {
	Summary     domain.BatchSummary `json:"summary"`
	FailedLines []int               `json:"failedLines,omitempty"`
}

func RegisterBatchRoutes(app fiber.Router, engine *orchestrator.Orchestrator) {
	app.Post("/batches", StartBatchHandler(engine))
	app.Delete("/batches/:tenantId", StopBatchHandler(engine))
}

// StartBatchHandler parses the submitted lines and runs the batch to
// completion, returning the terminal summary.
func StartBatchHandler(engine *orchestrator.Orchestrator) fiber.Handler {
	return func(c *fiber.Ctx) error {
		var req batchRequest
		if err := c.BodyParser(&req); err != nil {
			return fmt.Errorf("invalid batch request body: %w", domain.ErrValidation)
		}

		tier, err := domain.ParseTierFromString(req.Tier)
		if err != nil {
			return err
		}

		items, failed := parser.ParseLines(req.Lines)
		if len(items) == 0 {
			return fmt.Errorf("no parsable work items in request: %w", domain.ErrValidation)
		}

		summary, err := engine.StartBatch(c.Context(), orchestrator.BatchRequest{
			TenantID:  req.TenantID,
			GatewayID: req.GatewayID,
			Tier:      tier,
			Items:     items,
		})
		if err != nil {
			return err
		}

		return c.Status(fiber.StatusOK).JSON(batchResponse{
			Summary:     summary,
			FailedLines: failed,
		})
	}
}

// StopBatchHandler requests cooperative cancellation of the tenant's
// running batch. Stopping an idle tenant is a no-op.
func StopBatchHandler(engine *orchestrator.Orchestrator) fiber.Handler {
	return func(c *fiber.Ctx) error {
		engine.Stop(c.Params("tenantId"))
		return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
			"status": "stop_requested",
		})
	}
}
