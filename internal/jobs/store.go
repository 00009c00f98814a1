// Package jobs implements the analysis job engine: durable job records,
// the priority queue, the worker pool, control operations, and completion
// callbacks.
package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)

	"github.com/binsight/binsight-ai/internal/models"
)

var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_versions (
    version     INTEGER PRIMARY KEY,
    applied_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS jobs (
    id             TEXT PRIMARY KEY,
    file_reference TEXT NOT NULL,
    filename       TEXT NOT NULL,
    priority       TEXT NOT NULL DEFAULT 'normal',
    status         TEXT NOT NULL DEFAULT 'pending',
    config         TEXT NOT NULL DEFAULT '{}',
    created_at     TEXT NOT NULL,
    started_at     TEXT,
    completed_at   TEXT,
    progress       INTEGER NOT NULL DEFAULT 0,
    current_step   TEXT NOT NULL DEFAULT '',
    worker_id      TEXT,
    retry_count    INTEGER NOT NULL DEFAULT 0,
    error_message  TEXT,
    callback_url   TEXT NOT NULL DEFAULT '',
    correlation_id TEXT NOT NULL DEFAULT '',
    tags           TEXT NOT NULL DEFAULT '[]',
    metadata       TEXT NOT NULL DEFAULT '{}',
    result_size    INTEGER NOT NULL DEFAULT 0,
    estimated_done TEXT
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_jobs_completed_at ON jobs(completed_at);

CREATE TABLE IF NOT EXISTS job_results (
    job_id     TEXT PRIMARY KEY REFERENCES jobs(id) ON DELETE CASCADE,
    data       TEXT NOT NULL,
    created_at TEXT NOT NULL
);
`,
	},
}

// Store persists job records and their results in SQLite.
type Store struct {
	db *sqlx.DB
}

// NewStore opens (or creates) the job database at path and applies pending
// migrations. Pass ":memory:" for an in-memory store.
func NewStore(path string) (*Store, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}
	for _, m := range migrations {
		var count int
		if err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version).Scan(&count); err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_versions(version) VALUES(?)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// jobRow is the flat SQLite shape of a Job. Timestamps are stored as RFC 3339
// UTC strings; structured fields as JSON text.
type jobRow struct {
	ID            string         `db:"id"`
	FileReference string         `db:"file_reference"`
	Filename      string         `db:"filename"`
	Priority      string         `db:"priority"`
	Status        string         `db:"status"`
	Config        string         `db:"config"`
	CreatedAt     string         `db:"created_at"`
	StartedAt     sql.NullString `db:"started_at"`
	CompletedAt   sql.NullString `db:"completed_at"`
	Progress      int            `db:"progress"`
	CurrentStep   string         `db:"current_step"`
	WorkerID      sql.NullString `db:"worker_id"`
	RetryCount    int            `db:"retry_count"`
	ErrorMessage  sql.NullString `db:"error_message"`
	CallbackURL   string         `db:"callback_url"`
	CorrelationID string         `db:"correlation_id"`
	Tags          string         `db:"tags"`
	Metadata      string         `db:"metadata"`
	ResultSize    int64          `db:"result_size"`
	EstimatedDone sql.NullString `db:"estimated_done"`
}

const jobColumns = `id, file_reference, filename, priority, status, config,
    created_at, started_at, completed_at, progress, current_step, worker_id,
    retry_count, error_message, callback_url, correlation_id, tags, metadata,
    result_size, estimated_done`

func toRow(j *models.Job) (*jobRow, error) {
	cfg, err := json.Marshal(j.Config)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	tags, err := json.Marshal(j.Tags)
	if err != nil {
		return nil, fmt.Errorf("marshal tags: %w", err)
	}
	meta, err := json.Marshal(j.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal metadata: %w", err)
	}
	row := &jobRow{
		ID:            j.ID,
		FileReference: j.FileReference,
		Filename:      j.Filename,
		Priority:      string(j.Priority),
		Status:        string(j.Status),
		Config:        string(cfg),
		CreatedAt:     formatTime(j.CreatedAt),
		Progress:      j.Progress,
		CurrentStep:   j.CurrentStep,
		RetryCount:    j.RetryCount,
		CallbackURL:   j.CallbackURL,
		CorrelationID: j.CorrelationID,
		Tags:          string(tags),
		Metadata:      string(meta),
		ResultSize:    j.ResultSize,
	}
	row.StartedAt = nullTime(j.StartedAt)
	row.CompletedAt = nullTime(j.CompletedAt)
	row.EstimatedDone = nullTime(j.EstimatedDone)
	if j.WorkerID != nil {
		row.WorkerID = sql.NullString{String: *j.WorkerID, Valid: true}
	}
	if j.ErrorMessage != nil {
		row.ErrorMessage = sql.NullString{String: *j.ErrorMessage, Valid: true}
	}
	return row, nil
}

func (r *jobRow) toJob() (*models.Job, error) {
	j := &models.Job{
		ID:            r.ID,
		FileReference: r.FileReference,
		Filename:      r.Filename,
		Priority:      models.JobPriority(r.Priority),
		Status:        models.JobStatus(r.Status),
		Progress:      r.Progress,
		CurrentStep:   r.CurrentStep,
		RetryCount:    r.RetryCount,
		CallbackURL:   r.CallbackURL,
		CorrelationID: r.CorrelationID,
		ResultSize:    r.ResultSize,
	}
	if err := json.Unmarshal([]byte(r.Config), &j.Config); err != nil {
		return nil, fmt.Errorf("unmarshal config for job %s: %w", r.ID, err)
	}
	if r.Tags != "" {
		if err := json.Unmarshal([]byte(r.Tags), &j.Tags); err != nil {
			return nil, fmt.Errorf("unmarshal tags for job %s: %w", r.ID, err)
		}
	}
	if r.Metadata != "" {
		if err := json.Unmarshal([]byte(r.Metadata), &j.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata for job %s: %w", r.ID, err)
		}
	}
	var err error
	if j.CreatedAt, err = parseTime(r.CreatedAt); err != nil {
		return nil, err
	}
	j.StartedAt = timePtr(r.StartedAt)
	j.CompletedAt = timePtr(r.CompletedAt)
	j.EstimatedDone = timePtr(r.EstimatedDone)
	if r.WorkerID.Valid {
		j.WorkerID = &r.WorkerID.String
	}
	if r.ErrorMessage.Valid {
		j.ErrorMessage = &r.ErrorMessage.String
	}
	return j, nil
}

// Create inserts a new job record.
func (s *Store) Create(ctx context.Context, j *models.Job) error {
	row, err := toRow(j)
	if err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `
        INSERT INTO jobs(`+jobColumns+`)
        VALUES(:id, :file_reference, :filename, :priority, :status, :config,
               :created_at, :started_at, :completed_at, :progress, :current_step,
               :worker_id, :retry_count, :error_message, :callback_url,
               :correlation_id, :tags, :metadata, :result_size, :estimated_done)
    `, row)
	if err != nil && strings.Contains(err.Error(), "UNIQUE") {
		return models.ErrConflict
	}
	return err
}

// Get fetches one job by id.
func (s *Store) Get(ctx context.Context, id string) (*models.Job, error) {
	var row jobRow
	err := s.db.GetContext(ctx, &row, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return row.toJob()
}

// Pending returns all pending jobs, oldest first. Used to rebuild the queue
// after a restart.
func (s *Store) Pending(ctx context.Context) ([]*models.Job, error) {
	var rows []jobRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY created_at ASC`,
		string(models.StatusPending))
	if err != nil {
		return nil, err
	}
	out := make([]*models.Job, 0, len(rows))
	for i := range rows {
		j, err := rows[i].toJob()
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

// Claim atomically moves a pending job to processing, assigning the worker.
// Returns false when the job is no longer pending (cancelled, already claimed).
func (s *Store) Claim(ctx context.Context, id, workerID string, startedAt time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
        UPDATE jobs SET status = ?, worker_id = ?, started_at = ?, current_step = 'starting'
        WHERE id = ? AND status = ?
    `, string(models.StatusProcessing), workerID, formatTime(startedAt), id, string(models.StatusPending))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// SetProgress records a progress checkpoint. Writes to jobs no longer in
// processing are dropped, and progress never goes backwards.
func (s *Store) SetProgress(ctx context.Context, id string, progress int, step string) error {
	_, err := s.db.ExecContext(ctx, `
        UPDATE jobs SET progress = ?, current_step = ?
        WHERE id = ? AND status = ? AND progress <= ?
    `, progress, step, id, string(models.StatusProcessing), progress)
	return err
}

// Finish moves a processing job to the given terminal state. Returns false if
// the job already left processing; the caller must treat that as a suppressed
// write (force-cancel won the race).
func (s *Store) Finish(ctx context.Context, id string, to models.JobStatus, errMsg string, completedAt time.Time) (bool, error) {
	if !models.StatusProcessing.CanTransition(to) {
		return false, models.ValidationError("status", fmt.Sprintf("invalid terminal transition to %q", to))
	}
	progress := `progress`
	if to == models.StatusCompleted {
		progress = `100`
	}
	var msg any
	if errMsg != "" {
		msg = errMsg
	}
	res, err := s.db.ExecContext(ctx, `
        UPDATE jobs SET status = ?, error_message = ?, completed_at = ?,
               worker_id = NULL, progress = `+progress+`
        WHERE id = ? AND status = ?
    `, string(to), msg, formatTime(completedAt), id, string(models.StatusProcessing))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// CancelPending cancels a job still waiting in the queue.
func (s *Store) CancelPending(ctx context.Context, id, reason string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
        UPDATE jobs SET status = ?, error_message = ?, completed_at = ?
        WHERE id = ? AND status = ?
    `, string(models.StatusCancelled), reason, formatTime(at), id, string(models.StatusPending))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ForceCancel cancels a job regardless of whether a worker holds it. The
// worker's later terminal write is suppressed by Finish's status guard.
func (s *Store) ForceCancel(ctx context.Context, id, reason string, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
        UPDATE jobs SET status = ?, error_message = ?, completed_at = ?, worker_id = NULL
        WHERE id = ? AND status IN (?, ?)
    `, string(models.StatusCancelled), reason, formatTime(at), id,
		string(models.StatusPending), string(models.StatusProcessing))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Retry rewinds a failed job to pending for re-dispatch.
func (s *Store) Retry(ctx context.Context, id string, resetCount bool) (*models.Job, error) {
	retry := `retry_count + 1`
	if resetCount {
		retry = `0`
	}
	res, err := s.db.ExecContext(ctx, `
        UPDATE jobs SET status = ?, worker_id = NULL, started_at = NULL,
               completed_at = NULL, progress = 0, current_step = '',
               error_message = NULL, result_size = 0, retry_count = `+retry+`
        WHERE id = ? AND status = ?
    `, string(models.StatusPending), id, string(models.StatusFailed))
	if err != nil {
		return nil, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, models.ErrConflict
	}
	return s.Get(ctx, id)
}

// SetPriority reshuffles a non-terminal job's priority.
func (s *Store) SetPriority(ctx context.Context, id string, p models.JobPriority) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
        UPDATE jobs SET priority = ?
        WHERE id = ? AND status IN (?, ?)
    `, string(p), id, string(models.StatusPending), string(models.StatusProcessing))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ListQuery filters and paginates job listings.
type ListQuery struct {
	Status   models.JobStatus
	Priority models.JobPriority
	Limit    int
	Offset   int
	SortDesc bool
}

// List returns matching jobs plus the total match count.
func (s *Store) List(ctx context.Context, q ListQuery) ([]*models.Job, int, error) {
	where := ` WHERE 1=1`
	args := []any{}
	if q.Status != "" {
		where += ` AND status = ?`
		args = append(args, string(q.Status))
	}
	if q.Priority != "" {
		where += ` AND priority = ?`
		args = append(args, string(q.Priority))
	}

	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM jobs`+where, args...); err != nil {
		return nil, 0, err
	}

	order := ` ORDER BY created_at ASC`
	if q.SortDesc {
		order = ` ORDER BY created_at DESC`
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + jobColumns + ` FROM jobs` + where + order +
		fmt.Sprintf(` LIMIT %d OFFSET %d`, limit, q.Offset)

	var rows []jobRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, err
	}
	out := make([]*models.Job, 0, len(rows))
	for i := range rows {
		j, err := rows[i].toJob()
		if err != nil {
			return nil, 0, err
		}
		out = append(out, j)
	}
	return out, total, nil
}

// SaveResult stores the serialized translation result and records its size on
// the job.
func (s *Store) SaveResult(ctx context.Context, id string, data []byte, at time.Time) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
        INSERT INTO job_results(job_id, data, created_at) VALUES(?,?,?)
        ON CONFLICT(job_id) DO UPDATE SET data = excluded.data, created_at = excluded.created_at
    `, id, string(data), formatTime(at)); err != nil {
		return fmt.Errorf("save result: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE jobs SET result_size = ? WHERE id = ?`, len(data), id); err != nil {
		return fmt.Errorf("record result size: %w", err)
	}
	return tx.Commit()
}

// Result returns the serialized result for a job.
func (s *Store) Result(ctx context.Context, id string) ([]byte, error) {
	var data string
	err := s.db.GetContext(ctx, &data, `SELECT data FROM job_results WHERE job_id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return []byte(data), nil
}

// Delete removes a job and its result.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.ErrNotFound
	}
	return nil
}

// PurgeTerminal deletes terminal jobs that completed before the cutoff.
func (s *Store) PurgeTerminal(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
        DELETE FROM jobs
        WHERE status IN (?, ?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?
    `, string(models.StatusCompleted), string(models.StatusFailed),
		string(models.StatusCancelled), string(models.StatusTimeout), formatTime(before))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountByStatus returns how many jobs currently hold the given status.
func (s *Store) CountByStatus(ctx context.Context, status models.JobStatus) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM jobs WHERE status = ?`, string(status))
	return n, err
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func timePtr(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil
	}
	return &t
}

// parseTime handles the RFC 3339 variants SQLite hands back.
func parseTime(s string) (time.Time, error) {
	layouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05",
	}
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q", s)
}
