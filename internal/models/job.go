package models

import (
	"fmt"
	"time"
)

// JobStatus is the lifecycle state of an analysis job.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
	StatusCancelled  JobStatus = "cancelled"
	StatusTimeout    JobStatus = "timeout"
)

// IsTerminal reports whether no further transitions are allowed from this
// status, except failed → pending via retry.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

// IsValid reports membership in the closed status set.
func (s JobStatus) IsValid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

// validTransitions maps each status to the set of statuses it may move to.
// Retry (failed → pending) is the only path out of a terminal state.
var validTransitions = map[JobStatus][]JobStatus{
	StatusPending:    {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout},
	StatusFailed:     {StatusPending},
}

// CanTransition reports whether from → to is an allowed lifecycle move.
func (s JobStatus) CanTransition(to JobStatus) bool {
	for _, t := range validTransitions[s] {
		if t == to {
			return true
		}
	}
	return false
}

// JobPriority orders jobs within the queue.
type JobPriority string

const (
	PriorityLow    JobPriority = "low"
	PriorityNormal JobPriority = "normal"
	PriorityHigh   JobPriority = "high"
	PriorityUrgent JobPriority = "urgent"
)

// Weight returns the scheduling weight; higher dequeues first.
func (p JobPriority) Weight() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 0
	}
	return 1
}

// IsValid reports membership in the closed priority set.
func (p JobPriority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Job is one decompilation+translation request tracked by the job engine.
type Job struct {
	ID            string            `json:"id" db:"id"`
	FileReference string            `json:"file_reference" db:"file_reference"`
	Filename      string            `json:"filename" db:"filename"`
	Priority      JobPriority       `json:"priority" db:"priority"`
	Status        JobStatus         `json:"status" db:"status"`
	Config        AnalysisConfig    `json:"analysis_config" db:"-"`
	CreatedAt     time.Time         `json:"created_at" db:"created_at"`
	StartedAt     *time.Time        `json:"started_at,omitempty" db:"started_at"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty" db:"completed_at"`
	Progress      int               `json:"progress_percentage" db:"progress"`
	CurrentStep   string            `json:"current_step,omitempty" db:"current_step"`
	WorkerID      *string           `json:"worker_id,omitempty" db:"worker_id"`
	RetryCount    int               `json:"retry_count" db:"retry_count"`
	ErrorMessage  *string           `json:"error_message,omitempty" db:"error_message"`
	CallbackURL   string            `json:"callback_url,omitempty" db:"callback_url"`
	CorrelationID string            `json:"correlation_id,omitempty" db:"correlation_id"`
	Tags          []string          `json:"tags,omitempty" db:"-"`
	Metadata      map[string]string `json:"metadata,omitempty" db:"-"`
	ResultSize    int64             `json:"result_size_bytes,omitempty" db:"result_size"`
	EstimatedDone *time.Time        `json:"estimated_completion,omitempty" db:"estimated_done"`
}

// Validate checks cross-field invariants of a job record.
func (j *Job) Validate() error {
	if j.ID == "" {
		return ValidationError("id", "job id is required")
	}
	if !j.Status.IsValid() {
		return ValidationError("status", fmt.Sprintf("unknown status %q", j.Status))
	}
	if !j.Priority.IsValid() {
		return ValidationError("priority", fmt.Sprintf("unknown priority %q", j.Priority))
	}
	if j.Progress < 0 || j.Progress > 100 {
		return ValidationError("progress_percentage", "must be between 0 and 100")
	}
	if j.Progress == 100 && j.Status != StatusCompleted {
		return ValidationError("progress_percentage", "100% requires completed status")
	}
	if j.Status == StatusCompleted && j.Progress != 100 {
		return ValidationError("progress_percentage", "completed jobs must report 100%")
	}
	if (j.WorkerID != nil) != (j.Status == StatusProcessing) {
		return ValidationError("worker_id", "worker assignment is exclusive to processing status")
	}
	if j.StartedAt != nil && j.StartedAt.Before(j.CreatedAt) {
		return ValidationError("started_at", "cannot precede created_at")
	}
	if j.CompletedAt != nil && j.StartedAt != nil && j.CompletedAt.Before(*j.StartedAt) {
		return ValidationError("completed_at", "cannot precede started_at")
	}
	if j.RetryCount < 0 {
		return ValidationError("retry_count", "cannot be negative")
	}
	return nil
}

// QueueDuration returns how long the job waited before a worker picked it up,
// or the wait so far for jobs still pending.
func (j *Job) QueueDuration(now time.Time) time.Duration {
	if j.StartedAt != nil {
		return j.StartedAt.Sub(j.CreatedAt)
	}
	return now.Sub(j.CreatedAt)
}

// ProcessingDuration returns the elapsed processing time, zero if not started.
func (j *Job) ProcessingDuration(now time.Time) time.Duration {
	if j.StartedAt == nil {
		return 0
	}
	if j.CompletedAt != nil {
		return j.CompletedAt.Sub(*j.StartedAt)
	}
	return now.Sub(*j.StartedAt)
}

// ResetForRetry rewinds a failed job to pending, clearing the processing
// episode. Caller must hold the engine's ownership of the record.
func (j *Job) ResetForRetry(resetCount bool) {
	j.Status = StatusPending
	j.WorkerID = nil
	j.StartedAt = nil
	j.CompletedAt = nil
	j.Progress = 0
	j.CurrentStep = ""
	j.ErrorMessage = nil
	if resetCount {
		j.RetryCount = 0
	} else {
		j.RetryCount++
	}
}
