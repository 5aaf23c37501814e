package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/stemforge/api/internal/orchestrator"
	"github.com/stemforge/api/internal/processor"
	"github.com/stemforge/api/internal/store"
	"github.com/stemforge/api/pkg/response"
)

type JobHandler struct {
	store    *store.Store
	orch     *orchestrator.Orchestrator
	registry *processor.Registry
}

func NewJobHandler(st *store.Store, orch *orchestrator.Orchestrator, registry *processor.Registry) *JobHandler {
	return &JobHandler{store: st, orch: orch, registry: registry}
}

// Process handles POST /process/:model/:fileId. Creates a job and
// returns 202 immediately; execution happens asynchronously. Neither
// the model name nor the file id is validated here: the job record is
// created regardless and an unknown model or missing file fails the
// job at execution time, observable via the status endpoint.
func (h *JobHandler) Process(c *fiber.Ctx) error {
	modelName := c.Params("model")
	fileID := c.Params("fileId")

	jobID, err := h.orch.Dispatch(c.Context(), modelName, fileID)
	if err != nil {
		return response.ServiceError(c, "Failed to dispatch job")
	}

	return response.Accepted(c, fiber.Map{
		"status": "accepted",
		"jobId":  jobID,
		"fileId": fileID,
	})
}

// Status handles GET /status/:jobId.
func (h *JobHandler) Status(c *fiber.Ctx) error {
	job, err := h.store.GetJob(c.Context(), c.Params("jobId"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return response.NotFound(c, "Job not found")
		}
		return response.ServiceError(c, "Failed to load job")
	}
	return response.OK(c, job)
}

// Models handles GET /models, listing the registered processing models.
func (h *JobHandler) Models(c *fiber.Ctx) error {
	return response.OK(c, fiber.Map{"models": h.registry.Models()})
}
