// Package joblog records structured, per-job log entries. Writing is best
// effort: a failed write is reported to the process log and dropped.
package joblog

import (
	"context"
	"fmt"
	"time"

	"calsync/internal/clock"
	"calsync/internal/database"
	"calsync/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Store is the persistence the logger needs.
type Store interface {
	InsertSyncJobLog(ctx context.Context, entry models.SyncJobLogEntry) error
	QuerySyncJobLogs(ctx context.Context, f database.LogFilter) ([]models.SyncJobLogEntry, int, error)
}

type Logger struct {
	store  Store
	clock  clock.Clock
	logger *zerolog.Logger
}

func New(store Store, c clock.Clock, logger *zerolog.Logger) *Logger {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Logger{store: store, clock: clock.Or(c), logger: logger}
}

// Log appends an entry for jobID. It never returns an error.
func (l *Logger) Log(ctx context.Context, jobID string, level models.LogLevel, message string, details map[string]any) {
	entry := models.SyncJobLogEntry{
		ID:        uuid.NewString(),
		SyncJobID: jobID,
		Timestamp: l.clock.Now().UTC(),
		Level:     level,
		Message:   message,
		Details:   details,
	}

	l.mirror(entry)

	// a cancelled job context must not lose its final entries
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := l.store.InsertSyncJobLog(writeCtx, entry); err != nil {
		l.logger.Warn().Err(err).Str("sync_job_id", jobID).Str("message", message).Msg("Failed to persist sync job log entry")
	}
}

func (l *Logger) mirror(e models.SyncJobLogEntry) {
	var ev *zerolog.Event
	switch e.Level {
	case models.LevelDebug:
		ev = l.logger.Debug()
	case models.LevelWarning:
		ev = l.logger.Warn()
	case models.LevelError:
		ev = l.logger.Error()
	default:
		ev = l.logger.Info()
	}
	if len(e.Details) > 0 {
		ev = ev.Fields(e.Details)
	}
	ev.Str("sync_job_id", e.SyncJobID).Msg(e.Message)
}

// Query selects log entries. Page is 1-based.
type Query struct {
	JobID string
	Level models.LogLevel
	Page  int
	Limit int
}

type Page struct {
	Entries []models.SyncJobLogEntry `json:"entries"`
	Total   int                      `json:"total"`
	Page    int                      `json:"page"`
	Limit   int                      `json:"limit"`
	Pages   int                      `json:"pages"`
}

func (l *Logger) Query(ctx context.Context, q Query) (*Page, error) {
	if q.Level != "" && !q.Level.Valid() {
		return nil, fmt.Errorf("unknown log level %q", q.Level)
	}
	if q.Page < 1 {
		q.Page = 1
	}
	switch {
	case q.Limit <= 0:
		q.Limit = models.DefaultLogPageSize
	case q.Limit > models.MaxLogPageSize:
		q.Limit = models.MaxLogPageSize
	}

	entries, total, err := l.store.QuerySyncJobLogs(ctx, database.LogFilter{
		JobID:  q.JobID,
		Level:  q.Level,
		Offset: (q.Page - 1) * q.Limit,
		Limit:  q.Limit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query job logs: %w", err)
	}
	if entries == nil {
		entries = []models.SyncJobLogEntry{}
	}
	return &Page{
		Entries: entries,
		Total:   total,
		Page:    q.Page,
		Limit:   q.Limit,
		Pages:   (total + q.Limit - 1) / q.Limit,
	}, nil
}

// ForJob binds the logger to one job.
func (l *Logger) ForJob(jobID string) *JobLogger {
	return &JobLogger{parent: l, jobID: jobID}
}

// JobLogger is a Logger bound to a single job id.
type JobLogger struct {
	parent *Logger
	jobID  string
}

func (j *JobLogger) JobID() string {
	return j.jobID
}

func (j *JobLogger) Debug(ctx context.Context, msg string, details map[string]any) {
	j.parent.Log(ctx, j.jobID, models.LevelDebug, msg, details)
}

func (j *JobLogger) Info(ctx context.Context, msg string, details map[string]any) {
	j.parent.Log(ctx, j.jobID, models.LevelInfo, msg, details)
}

func (j *JobLogger) Warn(ctx context.Context, msg string, details map[string]any) {
	j.parent.Log(ctx, j.jobID, models.LevelWarning, msg, details)
}

// Error logs msg with err's text under the "error" key.
func (j *JobLogger) Error(ctx context.Context, msg string, err error, details map[string]any) {
	merged := make(map[string]any, len(details)+2)
	for k, v := range details {
		merged[k] = v
	}
	if err != nil {
		merged["error"] = err.Error()
		merged["error_type"] = fmt.Sprintf("%T", err)
	}
	j.parent.Log(ctx, j.jobID, models.LevelError, msg, merged)
}

// Timing records how long an operation took.
func (j *JobLogger) Timing(ctx context.Context, operation string, d time.Duration) {
	j.parent.Log(ctx, j.jobID, models.LevelDebug, "Timing: "+operation, map[string]any{
		"operation":   operation,
		"duration_ms": d.Milliseconds(),
	})
}

// Event records a harvester step against a page element.
func (j *JobLogger) Event(ctx context.Context, event, url, selector string, details map[string]any) {
	merged := map[string]any{"event_type": event}
	if url != "" {
		merged["url"] = url
	}
	if selector != "" {
		merged["selector"] = selector
	}
	for k, v := range details {
		merged[k] = v
	}
	j.parent.Log(ctx, j.jobID, models.LevelDebug, "Harvester: "+event, merged)
}

// BookingProcessed records what reconciliation did with one booking.
func (j *JobLogger) BookingProcessed(ctx context.Context, externalID, name, action string) {
	j.parent.Log(ctx, j.jobID, models.LevelDebug, fmt.Sprintf("Booking %s: %s", action, name), map[string]any{
		"external_id": externalID,
		"name":        name,
		"action":      action,
	})
}

// Summary records the outcome of a sync.
func (j *JobLogger) Summary(ctx context.Context, total, created, updated, unchanged, deleted, skipped int, d time.Duration) {
	j.parent.Log(ctx, j.jobID, models.LevelInfo,
		fmt.Sprintf("Sync summary: %d harvested, %d created, %d updated, %d unchanged, %d deleted", total, created, updated, unchanged, deleted),
		map[string]any{
			"total":       total,
			"created":     created,
			"updated":     updated,
			"unchanged":   unchanged,
			"deleted":     deleted,
			"skipped":     skipped,
			"duration_ms": d.Milliseconds(),
		})
}
