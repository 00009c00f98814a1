package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/binsight/binsight-ai/internal/metrics"
	"github.com/binsight/binsight-ai/internal/models"
)

// progressWriteGap throttles progress writes between stage boundaries.
const progressWriteGap = 2 * time.Second

// worker dequeues and processes jobs until the engine stops.
func (e *Engine) worker(ctx context.Context, workerID string) {
	defer e.wg.Done()
	for {
		id, err := e.queue.Dequeue(ctx)
		if err != nil {
			return
		}
		claimed, err := e.store.Claim(ctx, id, workerID, e.now())
		metrics.JobQueueDepth.Set(float64(e.queue.Len()))
		if err != nil {
			e.log.Error("job claim failed", zap.String("job_id", id), zap.Error(err))
			continue
		}
		if !claimed {
			// Cancelled while queued; discard and loop.
			continue
		}
		job, err := e.store.Get(ctx, id)
		if err != nil {
			e.log.Error("claimed job vanished", zap.String("job_id", id), zap.Error(err))
			continue
		}
		e.runJob(ctx, job, workerID)
	}
}

func (e *Engine) runJob(parent context.Context, job *models.Job, workerID string) {
	metrics.JobsProcessing.Inc()
	defer metrics.JobsProcessing.Dec()

	timeout := time.Duration(job.Config.TimeoutSeconds) * time.Second
	cctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)
	jctx, tcancel := context.WithTimeout(cctx, timeout)
	defer tcancel()

	e.registerCancel(job.ID, cancel)
	defer e.unregisterCancel(job.ID)

	e.log.Info("job started",
		zap.String("job_id", job.ID),
		zap.String("worker_id", workerID),
		zap.String("depth", string(job.Config.Depth)))

	rep := &progressReporter{engine: e, job: job}
	err := e.execute(jctx, job, rep)

	now := e.now()
	var creq *cancelRequest
	cause := context.Cause(jctx)
	switch {
	case err == nil:
		e.finishJob(job, models.StatusCompleted, "", now)
	case errors.As(cause, &creq):
		e.finishJob(job, models.StatusCancelled, creq.reason, now)
	case parent.Err() != nil:
		e.finishJob(job, models.StatusFailed, "service shutting down before completion", now)
	case errors.Is(cause, context.DeadlineExceeded) || models.KindOf(err) == models.KindTimeout:
		e.finishJob(job, models.StatusTimeout,
			fmt.Sprintf("processing exceeded %ds timeout", job.Config.TimeoutSeconds), now)
	default:
		e.finishJob(job, models.StatusFailed, err.Error(), now)
	}
}

// execute runs the two processing stages with cancellation checkpoints
// between them.
func (e *Engine) execute(ctx context.Context, job *models.Job, rep *progressReporter) error {
	rep.update(ctx, 5, "resolving upload", true)
	path, err := e.files.Resolve(job.FileReference)
	if err != nil {
		return models.WrapError(models.KindUnprocessable, "unable to resolve uploaded file", err)
	}

	rep.update(ctx, 10, "decompiling", true)
	set, err := e.decomp.Decompile(ctx, path, job.Config)
	if err != nil {
		return err
	}
	set.FileInfo.Filename = job.Filename

	if err := ctx.Err(); err != nil {
		return err
	}

	rep.update(ctx, 40, "translating", true)
	result, err := e.translator.Run(ctx, set, job.Config)
	if err != nil {
		return err
	}
	if !result.Success {
		msg := "all translation operations failed"
		if len(result.Errors) > 0 {
			msg += ": " + result.Errors[0]
		}
		return models.NewError(models.KindInternal, msg)
	}

	rep.update(ctx, 90, "storing result", true)
	data, err := json.Marshal(result)
	if err != nil {
		return models.WrapError(models.KindInternal, "unable to serialize result", err)
	}
	// Persist even if the deadline expired during translation.
	sctx, scancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer scancel()
	if err := e.store.SaveResult(sctx, job.ID, data, e.now()); err != nil {
		return models.WrapError(models.KindInternal, "unable to store result", err)
	}
	job.ResultSize = int64(len(data))
	return nil
}

// finishJob records a terminal transition and its side effects. A false
// result from the store means a force-cancel already ended the job and this
// write-back is suppressed.
func (e *Engine) finishJob(job *models.Job, status models.JobStatus, errMsg string, at time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ok, err := e.store.Finish(ctx, job.ID, status, errMsg, at)
	if err != nil {
		e.log.Error("terminal transition failed",
			zap.String("job_id", job.ID),
			zap.String("status", string(status)),
			zap.Error(err))
		return
	}
	if !ok {
		e.log.Debug("terminal write suppressed, job already ended",
			zap.String("job_id", job.ID),
			zap.String("attempted", string(status)))
		return
	}

	job.Status = status
	job.CompletedAt = &at
	job.WorkerID = nil
	if errMsg != "" {
		job.ErrorMessage = &errMsg
	}
	if status == models.StatusCompleted {
		job.Progress = 100
	}

	metrics.JobsCompleted.WithLabelValues(string(status)).Inc()
	if job.StartedAt != nil {
		metrics.JobDuration.WithLabelValues(string(job.Config.Depth)).
			Observe(at.Sub(*job.StartedAt).Seconds())
	}

	e.publish(ProgressEvent{
		JobID:    job.ID,
		Status:   status,
		Progress: job.Progress,
		Error:    errMsg,
		Terminal: true,
	})
	go e.cb.deliver(context.Background(), job)

	e.log.Info("job finished",
		zap.String("job_id", job.ID),
		zap.String("status", string(status)),
		zap.Int64("result_size", job.ResultSize))
}

// progressReporter writes progress checkpoints, throttled between stage
// boundaries so the store sees at most one write per gap.
type progressReporter struct {
	engine *Engine
	job    *models.Job

	mu        sync.Mutex
	lastWrite time.Time
	lastPct   int
}

// update records (pct, step). Forced updates mark stage boundaries and always
// write; unforced ones are dropped inside the throttle window. Progress is
// monotone within the episode.
func (r *progressReporter) update(ctx context.Context, pct int, step string, force bool) {
	r.mu.Lock()
	now := r.engine.now()
	if pct < r.lastPct {
		pct = r.lastPct
	}
	if !force && now.Sub(r.lastWrite) < progressWriteGap {
		r.mu.Unlock()
		return
	}
	r.lastWrite = now
	r.lastPct = pct
	r.mu.Unlock()

	if err := r.engine.store.SetProgress(ctx, r.job.ID, pct, step); err != nil {
		r.engine.log.Debug("progress write failed",
			zap.String("job_id", r.job.ID), zap.Error(err))
	}
	r.job.Progress = pct
	r.job.CurrentStep = step
	r.engine.publish(ProgressEvent{
		JobID:    r.job.ID,
		Status:   models.StatusProcessing,
		Progress: pct,
		Step:     step,
	})
}
