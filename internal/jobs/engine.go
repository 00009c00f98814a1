package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/binsight/binsight-ai/internal/decompiler"
	"github.com/binsight/binsight-ai/internal/metrics"
	"github.com/binsight/binsight-ai/internal/models"
)

// Defaults for the engine options.
const (
	DefaultWorkers       = 4
	DefaultRetentionTTL  = 7 * 24 * time.Hour
	DefaultPurgeInterval = time.Hour
)

// depthEstimates is the static completion-time table used at admission.
var depthEstimates = map[models.AnalysisDepth]time.Duration{
	models.DepthQuick:         30 * time.Second,
	models.DepthStandard:      2 * time.Minute,
	models.DepthComprehensive: 5 * time.Minute,
	models.DepthDeep:          10 * time.Minute,
}

// perExtractionEstimate is added for each enabled extraction category.
const perExtractionEstimate = 15 * time.Second

// Translator runs the LLM translation pipeline over one artifact set.
type Translator interface {
	Run(ctx context.Context, set *models.ArtifactSet, cfg models.AnalysisConfig) (*models.DecompilationResult, error)
}

// FileResolver maps an upload:// reference to a local path.
type FileResolver interface {
	Resolve(fileReference string) (string, error)
}

// Options tune the job engine.
type Options struct {
	Workers               int
	MaxTimeoutSeconds     int
	AllowPrivateCallbacks bool
	RetentionTTL          time.Duration
	PurgeInterval         time.Duration
}

// ProgressEvent is one progress or terminal notification for a job, consumed
// by WebSocket streams.
type ProgressEvent struct {
	JobID    string           `json:"job_id"`
	Status   models.JobStatus `json:"status"`
	Progress int              `json:"progress_percentage"`
	Step     string           `json:"current_step,omitempty"`
	Error    string           `json:"error_message,omitempty"`
	Terminal bool             `json:"terminal"`
}

// cancelRequest is the cancellation cause carried to the owning worker.
type cancelRequest struct {
	reason string
}

func (c *cancelRequest) Error() string { return "job cancelled: " + c.reason }

// Engine admits, schedules, and supervises analysis jobs.
type Engine struct {
	store      *Store
	queue      *priorityQueue
	decomp     decompiler.Decompiler
	translator Translator
	files      FileResolver
	cb         *callbackSender
	opts       Options
	log        *zap.Logger
	now        func() time.Time

	mu       sync.Mutex
	cancels  map[string]context.CancelCauseFunc
	watchers map[string][]chan ProgressEvent

	runCancel context.CancelFunc
	wg        sync.WaitGroup
	started   bool
}

// NewEngine wires the engine. Start must be called before jobs are processed.
func NewEngine(store *Store, decomp decompiler.Decompiler, translator Translator, files FileResolver, opts Options, log *zap.Logger) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.RetentionTTL <= 0 {
		opts.RetentionTTL = DefaultRetentionTTL
	}
	if opts.PurgeInterval <= 0 {
		opts.PurgeInterval = DefaultPurgeInterval
	}
	return &Engine{
		store:      store,
		queue:      newPriorityQueue(),
		decomp:     decomp,
		translator: translator,
		files:      files,
		cb:         newCallbackSender(log),
		opts:       opts,
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
		cancels:    make(map[string]context.CancelCauseFunc),
		watchers:   make(map[string][]chan ProgressEvent),
	}
}

// Start rebuilds the queue from pending rows and launches the worker pool and
// the retention loop.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return models.ErrConflict
	}
	e.started = true
	e.mu.Unlock()

	pending, err := e.store.Pending(ctx)
	if err != nil {
		return fmt.Errorf("rebuild queue: %w", err)
	}
	for _, job := range pending {
		e.queue.Enqueue(job.ID, job.Priority.Weight(), job.CreatedAt)
	}
	metrics.JobQueueDepth.Set(float64(e.queue.Len()))

	runCtx, cancel := context.WithCancel(context.Background())
	e.runCancel = cancel

	for i := 0; i < e.opts.Workers; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		e.wg.Add(1)
		go e.worker(runCtx, workerID)
	}
	e.wg.Add(1)
	go e.retentionLoop(runCtx)

	e.log.Info("job engine started",
		zap.Int("workers", e.opts.Workers),
		zap.Int("requeued", len(pending)))
	return nil
}

// Stop drains the worker pool. In-flight jobs are failed with a retryable
// message so a later retry can pick them up.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.runCancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
	e.log.Info("job engine stopped")
}

// Create validates and admits a new job, returning the stored record and its
// queue position snapshot.
func (e *Engine) Create(ctx context.Context, req *models.JobCreationRequest) (*models.Job, int, error) {
	if err := req.Validate(e.opts.MaxTimeoutSeconds, e.opts.AllowPrivateCallbacks); err != nil {
		return nil, 0, err
	}

	now := e.now()
	estimated := now.Add(estimateDuration(req.Config))
	job := &models.Job{
		ID:            uuid.NewString(),
		FileReference: req.FileReference,
		Filename:      req.Filename,
		Priority:      req.Priority,
		Status:        models.StatusPending,
		Config:        req.Config,
		CreatedAt:     now,
		CallbackURL:   req.CallbackURL,
		CorrelationID: req.CorrelationID,
		Tags:          req.Tags,
		Metadata:      req.Metadata,
		EstimatedDone: &estimated,
	}
	if err := e.store.Create(ctx, job); err != nil {
		return nil, 0, err
	}

	position := e.queue.Enqueue(job.ID, job.Priority.Weight(), job.CreatedAt)
	metrics.JobsSubmitted.WithLabelValues(string(job.Priority)).Inc()
	metrics.JobQueueDepth.Set(float64(e.queue.Len()))

	e.log.Info("job admitted",
		zap.String("job_id", job.ID),
		zap.String("priority", string(job.Priority)),
		zap.Int("queue_position", position))
	return job, position, nil
}

// estimateDuration is the admission-time completion estimate: static per
// depth, plus a small additive term per enabled extraction category.
func estimateDuration(cfg models.AnalysisConfig) time.Duration {
	d, ok := depthEstimates[cfg.Depth]
	if !ok {
		d = depthEstimates[models.DepthStandard]
	}
	for _, enabled := range []bool{cfg.ExtractFunctions, cfg.ExtractImports, cfg.ExtractStrings} {
		if enabled {
			d += perExtractionEstimate
		}
	}
	return d
}

// Get returns one job record.
func (e *Engine) Get(ctx context.Context, id string) (*models.Job, error) {
	return e.store.Get(ctx, id)
}

// List returns jobs matching the query plus the total count.
func (e *Engine) List(ctx context.Context, q ListQuery) ([]*models.Job, int, error) {
	return e.store.List(ctx, q)
}

// Result returns the job and its serialized translation result. The job must
// be completed; other states yield ErrConflict so the caller can distinguish
// "not done yet" from "no such job".
func (e *Engine) Result(ctx context.Context, id string) (*models.Job, []byte, error) {
	job, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	if job.Status != models.StatusCompleted {
		return job, nil, models.ErrConflict
	}
	data, err := e.store.Result(ctx, id)
	if err != nil {
		return job, nil, err
	}
	return job, data, nil
}

// Delete purges a terminal job before its retention TTL.
func (e *Engine) Delete(ctx context.Context, id string) error {
	job, err := e.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if !job.Status.IsTerminal() {
		return models.ErrConflict
	}
	return e.store.Delete(ctx, id)
}

// Do applies a control operation to a job.
func (e *Engine) Do(ctx context.Context, id string, req *models.JobActionRequest) (*models.JobActionResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	job, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	resp := &models.JobActionResponse{
		JobID:          id,
		Action:         req.Action,
		PreviousStatus: job.Status,
	}

	switch req.Action {
	case models.ActionCancel:
		return e.cancel(ctx, job, req, resp)
	case models.ActionRetry:
		return e.retry(ctx, job, req, resp)
	case models.ActionReset:
		return e.reset(ctx, job, req, resp)
	case models.ActionPause, models.ActionResume:
		return nil, models.ErrUnsupported
	}
	return nil, models.ValidationError("action", fmt.Sprintf("unknown action %q", req.Action))
}

func (e *Engine) cancel(ctx context.Context, job *models.Job, req *models.JobActionRequest, resp *models.JobActionResponse) (*models.JobActionResponse, error) {
	reason := req.Reason
	if reason == "" {
		reason = "cancelled by user"
	}
	now := e.now()

	switch job.Status {
	case models.StatusPending:
		ok, err := e.store.CancelPending(ctx, job.ID, reason, now)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Raced with a worker claim; fall through to the processing path.
			return e.cancelProcessing(ctx, job, reason, req.Force, resp)
		}
		e.queue.Remove(job.ID)
		metrics.JobQueueDepth.Set(float64(e.queue.Len()))
		metrics.JobsCompleted.WithLabelValues(string(models.StatusCancelled)).Inc()
		job.Status = models.StatusCancelled
		job.ErrorMessage = &reason
		job.CompletedAt = &now
		e.publish(ProgressEvent{JobID: job.ID, Status: job.Status, Progress: job.Progress, Error: reason, Terminal: true})
		go e.cb.deliver(context.Background(), job)
		resp.Success = true
		resp.NewStatus = models.StatusCancelled
		return resp, nil

	case models.StatusProcessing:
		return e.cancelProcessing(ctx, job, reason, req.Force, resp)

	default:
		return nil, models.ErrConflict
	}
}

func (e *Engine) cancelProcessing(ctx context.Context, job *models.Job, reason string, force bool, resp *models.JobActionResponse) (*models.JobActionResponse, error) {
	e.signalCancel(job.ID, reason)

	if !force {
		// The worker observes the signal at its next checkpoint and performs
		// the transition itself.
		resp.Success = true
		resp.NewStatus = models.StatusProcessing
		resp.Message = "cancellation signalled; the worker will stop at its next checkpoint"
		return resp, nil
	}

	now := e.now()
	ok, err := e.store.ForceCancel(ctx, job.ID, reason, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, models.ErrConflict
	}
	metrics.JobsCompleted.WithLabelValues(string(models.StatusCancelled)).Inc()
	job.Status = models.StatusCancelled
	job.ErrorMessage = &reason
	job.CompletedAt = &now
	e.publish(ProgressEvent{JobID: job.ID, Status: job.Status, Progress: job.Progress, Error: reason, Terminal: true})
	go e.cb.deliver(context.Background(), job)
	resp.Success = true
	resp.NewStatus = models.StatusCancelled
	return resp, nil
}

func (e *Engine) retry(ctx context.Context, job *models.Job, req *models.JobActionRequest, resp *models.JobActionResponse) (*models.JobActionResponse, error) {
	if job.Status != models.StatusFailed {
		return nil, models.ErrConflict
	}
	updated, err := e.store.Retry(ctx, job.ID, req.ResetRetryCount)
	if err != nil {
		if errors.Is(err, models.ErrConflict) {
			return nil, models.ErrConflict
		}
		return nil, err
	}
	e.queue.Enqueue(updated.ID, updated.Priority.Weight(), e.now())
	metrics.JobsSubmitted.WithLabelValues(string(updated.Priority)).Inc()
	metrics.JobQueueDepth.Set(float64(e.queue.Len()))
	resp.Success = true
	resp.NewStatus = models.StatusPending
	resp.Message = fmt.Sprintf("retry %d queued", updated.RetryCount)
	return resp, nil
}

func (e *Engine) reset(ctx context.Context, job *models.Job, req *models.JobActionRequest, resp *models.JobActionResponse) (*models.JobActionResponse, error) {
	if job.Status.IsTerminal() {
		return nil, models.ErrConflict
	}
	if req.NewPriority != "" && req.NewPriority != job.Priority {
		if _, err := e.store.SetPriority(ctx, job.ID, req.NewPriority); err != nil {
			return nil, err
		}
		e.queue.Reprioritize(job.ID, req.NewPriority.Weight())
		resp.Message = fmt.Sprintf("priority changed %s to %s", job.Priority, req.NewPriority)
	}
	resp.Success = true
	resp.NewStatus = job.Status
	return resp, nil
}

// QueueDepth reports the current number of queued jobs.
func (e *Engine) QueueDepth() int { return e.queue.Len() }

// Subscribe registers a progress watcher for one job. The returned cancel
// function must be called to release the channel.
func (e *Engine) Subscribe(jobID string) (<-chan ProgressEvent, func()) {
	ch := make(chan ProgressEvent, 16)
	e.mu.Lock()
	e.watchers[jobID] = append(e.watchers[jobID], ch)
	e.mu.Unlock()

	cancel := func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		chans := e.watchers[jobID]
		for i, c := range chans {
			if c == ch {
				e.watchers[jobID] = append(chans[:i], chans[i+1:]...)
				break
			}
		}
		if len(e.watchers[jobID]) == 0 {
			delete(e.watchers, jobID)
		}
	}
	return ch, cancel
}

// publish fans one event out to the job's watchers. Slow watchers drop
// events rather than block the worker.
func (e *Engine) publish(ev ProgressEvent) {
	e.mu.Lock()
	chans := append([]chan ProgressEvent(nil), e.watchers[ev.JobID]...)
	e.mu.Unlock()
	for _, ch := range chans {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (e *Engine) signalCancel(jobID, reason string) {
	e.mu.Lock()
	cancel, ok := e.cancels[jobID]
	e.mu.Unlock()
	if ok {
		cancel(&cancelRequest{reason: reason})
	}
}

func (e *Engine) registerCancel(jobID string, cancel context.CancelCauseFunc) {
	e.mu.Lock()
	e.cancels[jobID] = cancel
	e.mu.Unlock()
}

func (e *Engine) unregisterCancel(jobID string) {
	e.mu.Lock()
	delete(e.cancels, jobID)
	e.mu.Unlock()
}

// retentionLoop purges terminal jobs past their retention TTL.
func (e *Engine) retentionLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.opts.PurgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cutoff := e.now().Add(-e.opts.RetentionTTL)
			n, err := e.store.PurgeTerminal(ctx, cutoff)
			if err != nil {
				e.log.Warn("retention purge failed", zap.Error(err))
				continue
			}
			if n > 0 {
				e.log.Info("purged expired jobs", zap.Int64("count", n))
			}
		}
	}
}
