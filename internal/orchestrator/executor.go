package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/stemforge/api/internal/model"
	"github.com/stemforge/api/internal/processor"
	"github.com/stemforge/api/internal/progress"
	"github.com/stemforge/api/internal/store"
)

// Execute claims the given job and runs it to a terminal state. Safe to
// call from the direct-dispatch path and from external queue workers:
// the conditional claim guarantees only one executor wins.
func (o *Orchestrator) Execute(ctx context.Context, jobID, fileID, modelName string) error {
	claimed, err := o.store.ClaimJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !claimed {
		// The poller or another worker already owns this job.
		return nil
	}
	o.run(ctx, &model.Job{
		ID:     jobID,
		FileID: fileID,
		Model:  modelName,
		Status: model.JobStatusProcessing,
	})
	return nil
}

// run executes an already-claimed job. Processor errors and panics are
// recorded on the job record; they never propagate to the caller.
func (o *Orchestrator) run(ctx context.Context, job *model.Job) {
	in := processor.Inputs{
		JobID:  job.ID,
		FileID: job.FileID,
		Model:  job.Model,
	}
	if song, err := o.store.GetSong(ctx, job.FileID); err == nil {
		in.SourcePath = o.uploads.FilePath(song.Filename)
		if song.Duration != nil {
			in.Duration = *song.Duration
		}
	}

	stageName := stageFor(job.Model)
	o.updateJob(ctx, job.ID, model.JobStatusProcessing, 0, "Processing with "+job.Model)
	stage := o.events.StartPredictive(job.ID, stageName, progress.EstimateDuration(stageName, in.Duration))

	artifact, err := o.invoke(ctx, in)
	if err != nil {
		stage.Fail(err.Error())
		o.updateJob(ctx, job.ID, model.JobStatusFailed, 0, err.Error())
		log.Printf("Job %s failed: %v", job.ID, err)
		return
	}

	msg := "done"
	if artifact != nil && len(artifact.Files) > 0 {
		msg = "artifacts: " + strings.Join(artifact.Files, ", ")
	}
	stage.Complete(stageName + " complete")
	o.updateJob(ctx, job.ID, model.JobStatusCompleted, 1.0, msg)
	log.Printf("Job %s completed", job.ID)
}

// invoke resolves and calls the processor, converting panics into
// errors so a misbehaving backend cannot take down the poller loop.
func (o *Orchestrator) invoke(ctx context.Context, in processor.Inputs) (artifact *processor.Artifact, err error) {
	defer func() {
		if r := recover(); r != nil {
			artifact = nil
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()

	proc, err := o.registry.Get(in.Model)
	if err != nil {
		return nil, err
	}
	return proc.Process(ctx, in)
}

// UpdateJobProgress persists intermediate progress for a running job.
// Processors report fraction complete through this hook.
func (o *Orchestrator) UpdateJobProgress(jobID string, fraction float64, message string) {
	o.updateJob(context.Background(), jobID, model.JobStatusProcessing, fraction, message)
}

func (o *Orchestrator) updateJob(ctx context.Context, jobID string, status model.JobStatus, fraction float64, message string) {
	patch := model.JobPatch{Status: &status, Message: &message}
	if fraction > 0 {
		patch.Progress = &fraction
	}
	if err := o.store.UpdateJob(ctx, jobID, patch); err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Printf("Failed to update job %s: %v", jobID, err)
	}
}

// stageFor maps a model name onto the progress stage it reports as.
func stageFor(modelName string) string {
	switch modelName {
	case "demucs":
		return "separation"
	case "whisper", "gemma_3n":
		return "transcription"
	case "karaoke":
		return "karaoke"
	default:
		return modelName
	}
}
