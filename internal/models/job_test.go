package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobStatusTransitions(t *testing.T) {
	tests := []struct {
		name    string
		from    JobStatus
		to      JobStatus
		allowed bool
	}{
		{"pending to processing", StatusPending, StatusProcessing, true},
		{"pending to cancelled", StatusPending, StatusCancelled, true},
		{"pending to completed", StatusPending, StatusCompleted, false},
		{"processing to completed", StatusProcessing, StatusCompleted, true},
		{"processing to failed", StatusProcessing, StatusFailed, true},
		{"processing to timeout", StatusProcessing, StatusTimeout, true},
		{"processing to cancelled", StatusProcessing, StatusCancelled, true},
		{"failed to pending via retry", StatusFailed, StatusPending, true},
		{"completed is terminal", StatusCompleted, StatusPending, false},
		{"cancelled is terminal", StatusCancelled, StatusProcessing, false},
		{"timeout is terminal", StatusTimeout, StatusPending, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransition(tt.to))
		})
	}
}

func TestJobTerminalSet(t *testing.T) {
	terminal := []JobStatus{StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout}
	for _, s := range terminal {
		assert.True(t, s.IsTerminal(), "%s should be terminal", s)
	}
	assert.False(t, StatusPending.IsTerminal())
	assert.False(t, StatusProcessing.IsTerminal())
}

func validJob() *Job {
	return &Job{
		ID:            "job-1",
		FileReference: "upload://abc",
		Filename:      "sample.exe",
		Priority:      PriorityNormal,
		Status:        StatusPending,
		CreatedAt:     time.Now(),
	}
}

func TestJobValidate(t *testing.T) {
	t.Run("valid pending job", func(t *testing.T) {
		require.NoError(t, validJob().Validate())
	})

	t.Run("progress 100 requires completed", func(t *testing.T) {
		j := validJob()
		j.Progress = 100
		assert.Error(t, j.Validate())
	})

	t.Run("completed requires progress 100", func(t *testing.T) {
		j := validJob()
		j.Status = StatusCompleted
		j.Progress = 90
		assert.Error(t, j.Validate())
	})

	t.Run("worker id exclusive to processing", func(t *testing.T) {
		j := validJob()
		w := "worker-1"
		j.WorkerID = &w
		assert.Error(t, j.Validate())

		j.Status = StatusProcessing
		now := time.Now()
		j.StartedAt = &now
		assert.NoError(t, j.Validate())

		j.WorkerID = nil
		assert.Error(t, j.Validate())
	})

	t.Run("started_at before created_at rejected", func(t *testing.T) {
		j := validJob()
		j.Status = StatusProcessing
		w := "worker-1"
		j.WorkerID = &w
		early := j.CreatedAt.Add(-time.Minute)
		j.StartedAt = &early
		assert.Error(t, j.Validate())
	})
}

func TestResetForRetry(t *testing.T) {
	now := time.Now()
	w := "worker-3"
	msg := "provider unavailable"
	j := validJob()
	j.Status = StatusFailed
	j.WorkerID = nil
	j.StartedAt = &now
	j.CompletedAt = &now
	j.Progress = 40
	j.CurrentStep = "translating functions"
	j.ErrorMessage = &msg
	j.RetryCount = 1
	_ = w

	j.ResetForRetry(false)
	assert.Equal(t, StatusPending, j.Status)
	assert.Nil(t, j.StartedAt)
	assert.Nil(t, j.CompletedAt)
	assert.Equal(t, 0, j.Progress)
	assert.Empty(t, j.CurrentStep)
	assert.Nil(t, j.ErrorMessage)
	assert.Equal(t, 2, j.RetryCount)

	j.Status = StatusFailed
	j.ResetForRetry(true)
	assert.Equal(t, 0, j.RetryCount)
}
