package joblog

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"calsync/internal/clock"
	"calsync/internal/database"
	"calsync/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingStore struct {
	calls int
}

func (f *failingStore) InsertSyncJobLog(context.Context, models.SyncJobLogEntry) error {
	f.calls++
	return errors.New("database is locked")
}

func (f *failingStore) QuerySyncJobLogs(context.Context, database.LogFilter) ([]models.SyncJobLogEntry, int, error) {
	return nil, 0, errors.New("database is locked")
}

func setup(t *testing.T) (*database.DB, *Logger, string) {
	t.Helper()
	logger := zerolog.Nop()
	db, err := database.NewDB(":memory:", &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	job, _, err := db.CreateSyncJobIfNoActive(context.Background(), models.NewSyncJob("job-1", "owner-1", false, now))
	require.NoError(t, err)

	return db, New(db, clock.NewFake(now), &logger), job.ID
}

func TestLogAndQuery(t *testing.T) {
	_, l, jobID := setup(t)
	ctx := context.Background()
	jl := l.ForJob(jobID)

	jl.Info(ctx, "Starting sync", map[string]any{"manual": true})
	jl.Debug(ctx, "Navigating", nil)
	jl.Warn(ctx, "Skipped row", map[string]any{"reason": "too_few_cells"})
	jl.Error(ctx, "Harvest failed", errors.New("boom"), nil)
	jl.Timing(ctx, "login", 1500*time.Millisecond)
	jl.Event(ctx, "navigate", "https://example.com/s/login", "", nil)
	jl.BookingProcessed(ctx, "A1", "R-1", "created")
	jl.Summary(ctx, 1, 1, 0, 0, 0, 0, time.Second)

	page, err := l.Query(ctx, Query{JobID: jobID})
	require.NoError(t, err)
	assert.Equal(t, 8, page.Total)
	assert.Equal(t, 1, page.Pages)
	assert.Equal(t, "Starting sync", page.Entries[0].Message)

	errs, err := l.Query(ctx, Query{JobID: jobID, Level: models.LevelError})
	require.NoError(t, err)
	require.Len(t, errs.Entries, 1)
	assert.Equal(t, "boom", errs.Entries[0].Details["error"])

	paged, err := l.Query(ctx, Query{JobID: jobID, Page: 2, Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, paged.Pages)
	require.Len(t, paged.Entries, 3)
	assert.Equal(t, "Harvest failed", paged.Entries[0].Message)

	timing, err := l.Query(ctx, Query{JobID: jobID, Page: 1, Limit: 1000})
	require.NoError(t, err)
	assert.Equal(t, models.MaxLogPageSize, timing.Limit)

	_, err = l.Query(ctx, Query{JobID: jobID, Level: "TRACE"})
	assert.Error(t, err)
}

func TestLogSwallowsStoreFailure(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	store := &failingStore{}
	l := New(store, clock.Real{}, &logger)

	assert.NotPanics(t, func() {
		l.Log(context.Background(), "job-1", models.LevelInfo, "hello", nil)
	})
	assert.Equal(t, 1, store.calls)
	assert.Contains(t, buf.String(), "Failed to persist sync job log entry")
	assert.Contains(t, buf.String(), `"sync_job_id":"job-1"`)
}

func TestLogUnknownJobIsDropped(t *testing.T) {
	_, l, _ := setup(t)
	// the foreign key rejects the row; Log still returns normally
	l.Log(context.Background(), "missing-job", models.LevelInfo, "orphan", nil)

	page, err := l.Query(context.Background(), Query{JobID: "missing-job"})
	require.NoError(t, err)
	assert.Zero(t, page.Total)
	assert.NotNil(t, page.Entries)
}

func TestLogAfterCancel(t *testing.T) {
	_, l, jobID := setup(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	l.ForJob(jobID).Info(ctx, "final entry", nil)

	page, err := l.Query(context.Background(), Query{JobID: jobID})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
}
