package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/binsight/binsight-ai/internal/models"
)

const (
	callbackAttempts = 3
	callbackTimeout  = 10 * time.Second
)

// callbackEvent is the minimal JSON POSTed to a job's callback URL when it
// reaches a terminal state.
type callbackEvent struct {
	JobID         string    `json:"job_id"`
	Status        string    `json:"status"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	CompletedAt   time.Time `json:"completed_at"`
}

// callbackSender delivers terminal-state notifications at most once per
// transition. Delivery failure never changes the job's status.
type callbackSender struct {
	client  *http.Client
	backoff time.Duration
	log     *zap.Logger
}

func newCallbackSender(log *zap.Logger) *callbackSender {
	return &callbackSender{
		client:  &http.Client{Timeout: callbackTimeout},
		backoff: time.Second,
		log:     log,
	}
}

// deliver POSTs the event with bounded retries and exponential backoff.
func (c *callbackSender) deliver(ctx context.Context, job *models.Job) {
	if job.CallbackURL == "" {
		return
	}
	ev := callbackEvent{
		JobID:         job.ID,
		Status:        string(job.Status),
		CorrelationID: job.CorrelationID,
		CompletedAt:   time.Now().UTC(),
	}
	if job.ErrorMessage != nil {
		ev.ErrorMessage = *job.ErrorMessage
	}
	if job.CompletedAt != nil {
		ev.CompletedAt = job.CompletedAt.UTC()
	}
	body, err := json.Marshal(ev)
	if err != nil {
		c.log.Error("callback payload marshal failed", zap.String("job_id", job.ID), zap.Error(err))
		return
	}

	var lastErr error
	for attempt := 0; attempt < callbackAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(c.backoff << (attempt - 1)):
			}
		}
		if lastErr = c.post(ctx, job.CallbackURL, body); lastErr == nil {
			c.log.Debug("callback delivered",
				zap.String("job_id", job.ID),
				zap.String("status", string(job.Status)))
			return
		}
	}
	c.log.Warn("callback delivery failed",
		zap.String("job_id", job.ID),
		zap.Error(lastErr))
}

func (c *callbackSender) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("callback endpoint returned %d", resp.StatusCode)
	}
	return nil
}
