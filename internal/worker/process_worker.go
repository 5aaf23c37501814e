// Package worker adapts the orchestrator's executor to asynq so
// distributed workers can claim and run jobs through the same durable
// store contract the in-process poller uses.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/hibiken/asynq"

	"github.com/stemforge/api/internal/model"
	"github.com/stemforge/api/internal/orchestrator"
)

// ProcessWorker handles job:process tasks.
type ProcessWorker struct {
	orch *orchestrator.Orchestrator
}

// NewProcessWorker creates a worker backed by the given orchestrator.
func NewProcessWorker(orch *orchestrator.Orchestrator) *ProcessWorker {
	return &ProcessWorker{orch: orch}
}

// ProcessTask executes one queued job. Processor failures are recorded
// on the job record by the executor, so they are not returned to asynq:
// retrying a job that already reached a terminal state would violate
// status monotonicity.
func (w *ProcessWorker) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var payload model.ProcessTaskPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshal task payload: %w", err)
	}

	log.Printf("Worker picked up job %s (model=%s)", payload.JobID, payload.Model)
	return w.orch.Execute(ctx, payload.JobID, payload.FileID, payload.Model)
}

// Mux returns a ServeMux with all task handlers registered.
func Mux(orch *orchestrator.Orchestrator) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(orchestrator.TaskTypeProcess, NewProcessWorker(orch).ProcessTask)
	return mux
}
