package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stemforge/api/internal/model"
)

// CreateJob records a new job with status queued and progress 0.
func (s *Store) CreateJob(ctx context.Context, fileID, modelName string) (string, error) {
	id := uuid.New().String()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, file_id, model, status, progress, message, created_at)
		 VALUES (?, ?, ?, ?, 0, '', ?)`,
		id, fileID, modelName, model.JobStatusQueued,
		formatTime(time.Now()),
	)
	if err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}
	return id, nil
}

// GetJob returns the job with the given id or ErrNotFound.
func (s *Store) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, file_id, model, status, progress, message, created_at
		 FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// UpdateJob applies a partial patch to the job. Backward status
// transitions are rejected with ErrStatusRegression; progress is never
// lowered while the job is processing.
func (s *Store) UpdateJob(ctx context.Context, id string, patch model.JobPatch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin job update: %w", err)
	}
	defer tx.Rollback()

	job, err := scanJob(tx.QueryRowContext(ctx,
		`SELECT id, file_id, model, status, progress, message, created_at
		 FROM jobs WHERE id = ?`, id))
	if err != nil {
		return err
	}

	if patch.Status != nil {
		if !job.Status.CanTransition(*patch.Status) {
			return fmt.Errorf("%w: %s -> %s", ErrStatusRegression, job.Status, *patch.Status)
		}
		job.Status = *patch.Status
	}
	if patch.Progress != nil && *patch.Progress > job.Progress {
		job.Progress = *patch.Progress
	}
	if patch.Message != nil {
		job.Message = *patch.Message
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = ?, progress = ?, message = ? WHERE id = ?`,
		job.Status, job.Progress, job.Message, id,
	); err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit job update: %w", err)
	}
	return nil
}

// ClaimNextQueuedJob atomically selects the oldest queued job and moves
// it to processing. Returns nil when no queued job exists. The claim is
// a single conditional update so two pollers can never take the same
// job: losing a race simply retries on the next oldest candidate.
func (s *Store) ClaimNextQueuedJob(ctx context.Context) (*model.Job, error) {
	for {
		job, err := scanJob(s.db.QueryRowContext(ctx,
			`SELECT id, file_id, model, status, progress, message, created_at
			 FROM jobs WHERE status = ? ORDER BY created_at LIMIT 1`,
			model.JobStatusQueued))
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		claimed, err := s.ClaimJob(ctx, job.ID)
		if err != nil {
			return nil, err
		}
		if claimed {
			job.Status = model.JobStatusProcessing
			return job, nil
		}
		// Another claimer won; try the next candidate.
	}
}

// ClaimJob performs the conditional queued -> processing transition for
// one specific job. Reports false when the job was already claimed.
func (s *Store) ClaimJob(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ? WHERE id = ? AND status = ?`,
		model.JobStatusProcessing, id, model.JobStatusQueued)
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim job rows: %w", err)
	}
	return n == 1, nil
}

func scanJob(row rowScanner) (*model.Job, error) {
	var (
		job       model.Job
		createdAt string
	)
	err := row.Scan(&job.ID, &job.FileID, &job.Model, &job.Status, &job.Progress, &job.Message, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	if job.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse job timestamp: %w", err)
	}
	return &job, nil
}
