package adapter

import (
	"context"
	"fmt"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/binsight/binsight-ai/internal/models"
)

// doWithRetry runs fn up to maxAttempts times with exponential backoff and
// jitter. Backend retry-after hints extend the computed delay; kinds that
// models.IsRetryable rejects (auth, content filter) abort immediately.
func doWithRetry[T any](ctx context.Context, maxAttempts int, initial time.Duration, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := initial << (attempt - 1)
			// Full jitter keeps concurrent retries from aligning.
			delay = time.Duration(float64(delay) * (0.5 + rand.Float64()/2))
			if hint := models.RetryAfterOf(lastErr); hint > delay {
				delay = hint
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return zero, models.WrapError(models.KindTimeout, "cancelled while backing off", ctx.Err())
			}
		}

		out, err := fn()
		if err == nil {
			return out, nil
		}
		lastErr = err
		if !models.IsRetryable(err) {
			return zero, err
		}
	}
	return zero, lastErr
}

// ClassifyHTTPStatus maps a backend HTTP status onto the error taxonomy.
// Providers call this for any non-2xx reply. retryAfterHeader may be empty.
func ClassifyHTTPStatus(status int, body string, retryAfterHeader string) error {
	if len(body) > 300 {
		body = body[:300]
	}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return models.NewError(models.KindProviderAuth, fmt.Sprintf("backend rejected credentials (HTTP %d)", status))
	case status == http.StatusTooManyRequests:
		e := models.NewError(models.KindProviderRateLimit, "backend rate limit exceeded")
		e.RetryAfter = parseRetryAfter(retryAfterHeader)
		return e
	case status == http.StatusRequestTimeout || status >= 500:
		return models.NewError(models.KindProviderTransient, fmt.Sprintf("backend error (HTTP %d): %s", status, body))
	default:
		return models.NewError(models.KindInternal, fmt.Sprintf("unexpected backend reply (HTTP %d): %s", status, body))
	}
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(header); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
