// Package orchestrator turns processing requests into durable jobs and
// guarantees something eventually executes them: a direct-dispatch
// goroutine, the background poller, or an external queue worker.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/hibiken/asynq"

	"github.com/stemforge/api/internal/model"
	"github.com/stemforge/api/internal/processor"
	"github.com/stemforge/api/internal/progress"
	"github.com/stemforge/api/internal/store"
	"github.com/stemforge/api/internal/upload"
)

// TaskTypeProcess is the asynq task type for distributed job execution.
const TaskTypeProcess = "job:process"

// QueueName is the asynq queue jobs are enqueued onto.
const QueueName = "process"

const defaultPollInterval = time.Second

// Orchestrator owns the durable store handle, the processor registry,
// and the poller lifecycle. Construct one per process (or per test).
type Orchestrator struct {
	store    *store.Store
	uploads  *upload.Manager
	registry *processor.Registry
	events   *progress.Broadcaster

	queue        *asynq.Client
	pollInterval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an Orchestrator in direct-dispatch mode. Call UseQueue to
// enable the distributed-queue escape hatch.
func New(st *store.Store, uploads *upload.Manager, registry *processor.Registry, events *progress.Broadcaster) *Orchestrator {
	return &Orchestrator{
		store:        st,
		uploads:      uploads,
		registry:     registry,
		events:       events,
		pollInterval: defaultPollInterval,
	}
}

// UseQueue makes Dispatch enqueue jobs onto the distributed queue
// instead of spawning them in-process.
func (o *Orchestrator) UseQueue(client *asynq.Client) {
	o.queue = client
}

// SetPollInterval overrides the poller sleep between empty claims.
func (o *Orchestrator) SetPollInterval(d time.Duration) {
	if d > 0 {
		o.pollInterval = d
	}
}

// Dispatch creates a job for (model, fileID) and arranges its
// execution. It returns the job id synchronously and never blocks on
// completion. A failed queue enqueue falls back to direct dispatch so a
// job is never stranded in queued.
func (o *Orchestrator) Dispatch(ctx context.Context, modelName, fileID string) (string, error) {
	jobID, err := o.store.CreateJob(ctx, fileID, modelName)
	if err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}

	if o.queue != nil {
		if err := o.enqueue(ctx, jobID, fileID, modelName); err == nil {
			return jobID, nil
		} else {
			log.Printf("Queue enqueue failed for job %s, falling back to direct dispatch: %v", jobID, err)
		}
	}

	go func() {
		if err := o.Execute(context.Background(), jobID, fileID, modelName); err != nil {
			log.Printf("Direct dispatch of job %s: %v", jobID, err)
		}
	}()
	return jobID, nil
}

func (o *Orchestrator) enqueue(ctx context.Context, jobID, fileID, modelName string) error {
	payload, err := json.Marshal(model.ProcessTaskPayload{
		JobID:  jobID,
		FileID: fileID,
		Model:  modelName,
	})
	if err != nil {
		return fmt.Errorf("marshal task payload: %w", err)
	}
	task := asynq.NewTask(TaskTypeProcess, payload)
	_, err = o.queue.EnqueueContext(ctx, task,
		asynq.Queue(QueueName),
		asynq.MaxRetry(3),
		asynq.Retention(24*time.Hour),
	)
	return err
}

// Start launches the background poller loop.
func (o *Orchestrator) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.wg.Add(1)
	go o.pollLoop(ctx)
}

// Stop cancels the poller and waits for it to exit. In-flight jobs run
// to completion; there is no job cancellation API.
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
		o.wg.Wait()
	}
}

// pollLoop claims at most one queued job at a time and executes it
// synchronously. Every failure is contained at the iteration boundary;
// the loop survives to process subsequent jobs.
func (o *Orchestrator) pollLoop(ctx context.Context) {
	defer o.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := o.store.ClaimNextQueuedJob(ctx)
		if err != nil {
			log.Printf("Poller claim failed: %v", err)
			if !o.sleep(ctx) {
				return
			}
			continue
		}
		if job == nil {
			if !o.sleep(ctx) {
				return
			}
			continue
		}

		o.run(ctx, job)
	}
}

func (o *Orchestrator) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(o.pollInterval):
		return true
	}
}
