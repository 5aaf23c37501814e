package model

import "time"

// JobStatus is the lifecycle state of a processing job. Transitions are
// strictly monotonic: queued -> processing -> completed|failed. The only
// transition allowed to skip processing is queued -> failed on dispatch
// error.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// statusRank orders statuses for the monotonicity guard.
var statusRank = map[JobStatus]int{
	JobStatusQueued:     0,
	JobStatusProcessing: 1,
	JobStatusCompleted:  2,
	JobStatusFailed:     2,
}

// CanTransition reports whether moving from to next is a forward
// transition. Equal states are allowed so progress-only patches can
// repeat the current status.
func (s JobStatus) CanTransition(next JobStatus) bool {
	from, ok := statusRank[s]
	if !ok {
		return false
	}
	to, ok := statusRank[next]
	if !ok {
		return false
	}
	if from == 2 {
		// Terminal states never change.
		return s == next
	}
	return to >= from
}

// Job is a durable record of one request to apply a named processing
// capability to a song. FileID is not required to reference an existing
// song at creation time; the processor resolves it.
type Job struct {
	ID        string    `json:"id"`
	FileID    string    `json:"fileId"`
	Model     string    `json:"model"`
	Status    JobStatus `json:"status"`
	Progress  float64   `json:"progress"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"createdAt"`
}

// JobPatch applies partial updates to a job. Nil fields are left
// untouched.
type JobPatch struct {
	Status   *JobStatus
	Progress *float64
	Message  *string
}

// ProcessTaskPayload is the message enqueued onto the distributed queue
// when a dispatch hands a job to external workers.
type ProcessTaskPayload struct {
	JobID  string `json:"jobId"`
	FileID string `json:"fileId"`
	Model  string `json:"model"`
}
