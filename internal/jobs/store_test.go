package jobs

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/binsight/binsight-ai/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sampleJob(id string) *models.Job {
	estimated := time.Date(2026, 8, 24, 12, 5, 0, 0, time.UTC)
	return &models.Job{
		ID:            id,
		FileReference: "upload://abc123",
		Filename:      "sample.exe",
		Priority:      models.PriorityNormal,
		Status:        models.StatusPending,
		Config:        models.DefaultAnalysisConfig(),
		CreatedAt:     time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
		CallbackURL:   "https://example.com/hook",
		CorrelationID: "corr-1",
		Tags:          []string{"batch", "nightly"},
		Metadata:      map[string]string{"team": "re"},
		EstimatedDone: &estimated,
	}
}

func TestStoreCreateGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job := sampleJob("job-1")
	require.NoError(t, store.Create(ctx, job))

	got, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, job.FileReference, got.FileReference)
	assert.Equal(t, job.Filename, got.Filename)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, job.Config, got.Config)
	assert.Equal(t, job.Tags, got.Tags)
	assert.Equal(t, job.Metadata, got.Metadata)
	assert.True(t, job.CreatedAt.Equal(got.CreatedAt))
	require.NotNil(t, got.EstimatedDone)
	assert.True(t, job.EstimatedDone.Equal(*got.EstimatedDone))
	assert.Nil(t, got.WorkerID)
	assert.Nil(t, got.ErrorMessage)
}

func TestStoreCreateDuplicate(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, sampleJob("job-1")))
	err := store.Create(ctx, sampleJob("job-1"))
	assert.ErrorIs(t, err, models.ErrConflict)
}

func TestStoreGetMissing(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestStoreClaim(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, sampleJob("job-1")))

	now := time.Now().UTC()
	ok, err := store.Claim(ctx, "job-1", "worker-0", now)
	require.NoError(t, err)
	assert.True(t, ok)

	// A second claim must lose.
	ok, err = store.Claim(ctx, "job-1", "worker-1", now)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusProcessing, got.Status)
	require.NotNil(t, got.WorkerID)
	assert.Equal(t, "worker-0", *got.WorkerID)
	require.NotNil(t, got.StartedAt)
}

func TestStoreProgressMonotone(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, sampleJob("job-1")))
	_, err := store.Claim(ctx, "job-1", "worker-0", time.Now().UTC())
	require.NoError(t, err)

	require.NoError(t, store.SetProgress(ctx, "job-1", 50, "translating"))
	// A stale lower write is dropped.
	require.NoError(t, store.SetProgress(ctx, "job-1", 30, "decompiling"))

	got, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 50, got.Progress)
	assert.Equal(t, "translating", got.CurrentStep)
}

func TestStoreProgressIgnoredWhenNotProcessing(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, sampleJob("job-1")))

	require.NoError(t, store.SetProgress(ctx, "job-1", 50, "translating"))
	got, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 0, got.Progress)
}

func TestStoreFinish(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, sampleJob("job-1")))
	_, err := store.Claim(ctx, "job-1", "worker-0", time.Now().UTC())
	require.NoError(t, err)

	ok, err := store.Finish(ctx, "job-1", models.StatusCompleted, "", time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Nil(t, got.WorkerID)
	require.NotNil(t, got.CompletedAt)
	require.NoError(t, got.Validate())
}

func TestStoreFinishSuppressedAfterForceCancel(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, sampleJob("job-1")))
	_, err := store.Claim(ctx, "job-1", "worker-0", time.Now().UTC())
	require.NoError(t, err)

	ok, err := store.ForceCancel(ctx, "job-1", "operator abort", time.Now().UTC())
	require.NoError(t, err)
	assert.True(t, ok)

	// The worker's late write-back is dropped.
	ok, err = store.Finish(ctx, "job-1", models.StatusCompleted, "", time.Now().UTC())
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCancelled, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, "operator abort", *got.ErrorMessage)
}

func TestStoreFinishRejectsInvalidTransition(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Finish(context.Background(), "job-1", models.StatusPending, "", time.Now().UTC())
	require.Error(t, err)
	assert.Equal(t, models.KindValidation, models.KindOf(err))
}

func TestStoreRetry(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, sampleJob("job-1")))
	_, err := store.Claim(ctx, "job-1", "worker-0", time.Now().UTC())
	require.NoError(t, err)
	_, err = store.Finish(ctx, "job-1", models.StatusFailed, "backend down", time.Now().UTC())
	require.NoError(t, err)

	got, err := store.Retry(ctx, "job-1", false)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, 0, got.Progress)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)
	assert.Nil(t, got.ErrorMessage)

	// Retrying a pending job is a conflict.
	_, err = store.Retry(ctx, "job-1", false)
	assert.ErrorIs(t, err, models.ErrConflict)
}

func TestStoreRetryResetsCount(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	job := sampleJob("job-1")
	job.RetryCount = 4
	require.NoError(t, store.Create(ctx, job))
	_, err := store.Claim(ctx, "job-1", "worker-0", time.Now().UTC())
	require.NoError(t, err)
	_, err = store.Finish(ctx, "job-1", models.StatusFailed, "backend down", time.Now().UTC())
	require.NoError(t, err)

	got, err := store.Retry(ctx, "job-1", true)
	require.NoError(t, err)
	assert.Equal(t, 0, got.RetryCount)
}

func TestStoreList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	for i, p := range []models.JobPriority{models.PriorityLow, models.PriorityHigh, models.PriorityNormal} {
		job := sampleJob("job-" + string(rune('a'+i)))
		job.Priority = p
		job.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, store.Create(ctx, job))
	}
	_, err := store.Claim(ctx, "job-a", "worker-0", time.Now().UTC())
	require.NoError(t, err)

	pending, total, err := store.List(ctx, ListQuery{Status: models.StatusPending})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, pending, 2)
	assert.Equal(t, "job-b", pending[0].ID, "oldest first by default")

	highs, total, err := store.List(ctx, ListQuery{Priority: models.PriorityHigh})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, highs, 1)

	page, total, err := store.List(ctx, ListQuery{Limit: 1, SortDesc: true})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, page, 1)
	assert.Equal(t, "job-c", page[0].ID, "newest first when descending")
}

func TestStoreResultRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, sampleJob("job-1")))

	data := []byte(`{"success":true}`)
	require.NoError(t, store.SaveResult(ctx, "job-1", data, time.Now().UTC()))

	got, err := store.Result(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	job, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), job.ResultSize)

	// Deleting the job removes the result with it.
	require.NoError(t, store.Delete(ctx, "job-1"))
	_, err = store.Result(ctx, "job-1")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestStorePurgeTerminal(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	old := sampleJob("job-old")
	require.NoError(t, store.Create(ctx, old))
	_, err := store.Claim(ctx, "job-old", "worker-0", now.Add(-48*time.Hour))
	require.NoError(t, err)
	_, err = store.Finish(ctx, "job-old", models.StatusCompleted, "", now.Add(-47*time.Hour))
	require.NoError(t, err)

	require.NoError(t, store.Create(ctx, sampleJob("job-live")))

	n, err := store.PurgeTerminal(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = store.Get(ctx, "job-old")
	assert.ErrorIs(t, err, models.ErrNotFound)
	_, err = store.Get(ctx, "job-live")
	assert.NoError(t, err)
}

func TestStorePendingOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		job := sampleJob("job-" + string(rune('a'+i)))
		job.CreatedAt = base.Add(time.Duration(2-i) * time.Minute)
		require.NoError(t, store.Create(ctx, job))
	}

	pending, err := store.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, "job-c", pending[0].ID, "oldest created first")
}
