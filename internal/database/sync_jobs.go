package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"calsync/internal/models"
)

const syncJobColumns = `id, owner_id, status, progress, bookings_synced, error_message,
                 started_at, last_updated_at, completed_at, triggered_manually`

// activeGuard restricts an UPDATE to jobs that have not reached a terminal status.
const activeGuard = `status IN ('pending', 'running')`

// staleGuard limits the sweep to claimed jobs. Queued jobs have no heartbeat
// yet and wait for a worker however long the queue is.
const staleGuard = `status = 'running'`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSyncJob(row rowScanner) (*models.SyncJob, error) {
	var (
		job                models.SyncJob
		status             string
		errMsg, completed  sql.NullString
		started, heartbeat string
	)
	err := row.Scan(&job.ID, &job.OwnerID, &status, &job.Progress, &job.BookingsSynced, &errMsg,
		&started, &heartbeat, &completed, &job.TriggeredManually)
	if err != nil {
		return nil, err
	}
	job.Status = models.JobStatus(status)
	if errMsg.Valid {
		msg := errMsg.String
		job.ErrorMessage = &msg
	}
	if job.StartedAt, err = parseTime(started); err != nil {
		return nil, err
	}
	if job.LastUpdatedAt, err = parseTime(heartbeat); err != nil {
		return nil, err
	}
	if job.CompletedAt, err = parseNullTime(completed); err != nil {
		return nil, err
	}
	return &job, nil
}

func scanSyncJobs(rows *sql.Rows) ([]models.SyncJob, error) {
	var jobs []models.SyncJob
	for rows.Next() {
		job, err := scanSyncJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sync job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sync jobs: %w", err)
	}
	return jobs, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// CreateSyncJobIfNoActive inserts job unless the owner already has a pending
// or running job, in which case that job is returned and created is false.
func (db *DB) CreateSyncJobIfNoActive(ctx context.Context, job models.SyncJob) (*models.SyncJob, bool, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx)

	existing, err := scanSyncJob(tx.QueryRowContext(ctx,
		`SELECT `+syncJobColumns+` FROM sync_jobs WHERE owner_id = ? AND `+activeGuard+` LIMIT 1`, job.OwnerID))
	switch {
	case err == nil:
		return existing, false, nil
	case !errors.Is(err, sql.ErrNoRows):
		return nil, false, fmt.Errorf("failed to look up active sync job: %w", err)
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO sync_jobs (`+syncJobColumns+`)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.OwnerID, string(job.Status), job.Progress, job.BookingsSynced, job.ErrorMessage,
		formatTime(job.StartedAt), formatTime(job.LastUpdatedAt), formatNullTime(job.CompletedAt), job.TriggeredManually,
	)
	if err != nil {
		if isUniqueViolation(err) {
			// another process won the race; hand back its job
			rollback(tx)
			active, getErr := db.GetActiveSyncJob(ctx, job.OwnerID)
			if getErr != nil {
				return nil, false, fmt.Errorf("failed to load concurrently created sync job: %w", getErr)
			}
			return active, false, nil
		}
		return nil, false, fmt.Errorf("failed to create sync job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit sync job: %w", err)
	}
	return &job, true, nil
}

func (db *DB) GetSyncJob(ctx context.Context, id string) (*models.SyncJob, error) {
	job, err := scanSyncJob(db.QueryRowContext(ctx, `SELECT `+syncJobColumns+` FROM sync_jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync job: %w", err)
	}
	return job, nil
}

// GetActiveSyncJob returns the owner's pending or running job, or ErrJobNotFound.
func (db *DB) GetActiveSyncJob(ctx context.Context, ownerID string) (*models.SyncJob, error) {
	job, err := scanSyncJob(db.QueryRowContext(ctx,
		`SELECT `+syncJobColumns+` FROM sync_jobs WHERE owner_id = ? AND `+activeGuard+` LIMIT 1`, ownerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get active sync job: %w", err)
	}
	return job, nil
}

// GetLatestSyncJob returns the most recently started job of the owner.
func (db *DB) GetLatestSyncJob(ctx context.Context, ownerID string) (*models.SyncJob, error) {
	job, err := scanSyncJob(db.QueryRowContext(ctx,
		`SELECT `+syncJobColumns+` FROM sync_jobs WHERE owner_id = ? ORDER BY started_at DESC LIMIT 1`, ownerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest sync job: %w", err)
	}
	return job, nil
}

// ListSyncJobs returns the owner's jobs, newest first.
func (db *DB) ListSyncJobs(ctx context.Context, ownerID string, limit int) ([]models.SyncJob, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.QueryContext(ctx,
		`SELECT `+syncJobColumns+` FROM sync_jobs WHERE owner_id = ? ORDER BY started_at DESC LIMIT ?`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sync jobs: %w", err)
	}
	defer rows.Close()
	return scanSyncJobs(rows)
}

// ListPendingSyncJobs returns jobs waiting to be executed, oldest first.
func (db *DB) ListPendingSyncJobs(ctx context.Context, limit int) ([]models.SyncJob, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+syncJobColumns+` FROM sync_jobs WHERE status = 'pending' ORDER BY started_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending sync jobs: %w", err)
	}
	defer rows.Close()
	return scanSyncJobs(rows)
}

func (db *DB) execGuarded(ctx context.Context, op, query string, args ...any) error {
	result, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	if rows == 0 {
		return ErrJobNotActive
	}
	return nil
}

// ClaimSyncJob moves a pending job to running. ErrJobNotActive means another
// executor claimed it first or it was already finished.
func (db *DB) ClaimSyncJob(ctx context.Context, id, progress string, now time.Time) error {
	return db.execGuarded(ctx, "claim sync job",
		`UPDATE sync_jobs SET status = 'running', progress = ?, last_updated_at = ?
              WHERE id = ? AND status = 'pending'`,
		progress, formatTime(now), id)
}

// UpdateSyncJobProgress records a milestone and refreshes the heartbeat.
func (db *DB) UpdateSyncJobProgress(ctx context.Context, id, progress string, now time.Time) error {
	return db.execGuarded(ctx, "update sync job progress",
		`UPDATE sync_jobs SET progress = ?, last_updated_at = ? WHERE id = ? AND `+activeGuard,
		progress, formatTime(now), id)
}

func (db *DB) CompleteSyncJob(ctx context.Context, id string, synced int, now time.Time) error {
	ts := formatTime(now)
	return db.execGuarded(ctx, "complete sync job",
		`UPDATE sync_jobs SET status = 'completed', progress = ?, bookings_synced = ?, error_message = NULL,
                last_updated_at = ?, completed_at = ?
              WHERE id = ? AND `+activeGuard,
		models.ProgressCompleted, synced, ts, ts, id)
}

func (db *DB) FailSyncJob(ctx context.Context, id, message string, now time.Time) error {
	ts := formatTime(now)
	return db.execGuarded(ctx, "fail sync job",
		`UPDATE sync_jobs SET status = 'failed', progress = ?, error_message = ?,
                last_updated_at = ?, completed_at = ?
              WHERE id = ? AND `+activeGuard,
		models.ProgressFailed, message, ts, ts, id)
}

// MarkStaleSyncJobs fails every running job whose heartbeat is older than
// cutoff and returns the ids it transitioned. Pending jobs are left alone.
func (db *DB) MarkStaleSyncJobs(ctx context.Context, cutoff time.Time, message string, now time.Time) ([]string, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx)

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM sync_jobs WHERE `+staleGuard+` AND last_updated_at < ?`, formatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("failed to find stale sync jobs: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan stale sync job: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate stale sync jobs: %w", err)
	}

	ts := formatTime(now)
	marked := ids[:0]
	for _, id := range ids {
		result, err := tx.ExecContext(ctx,
			`UPDATE sync_jobs SET status = 'failed', progress = ?, error_message = ?,
                    last_updated_at = ?, completed_at = ?
                  WHERE id = ? AND `+staleGuard+` AND last_updated_at < ?`,
			models.ProgressFailed, message, ts, ts, id, formatTime(cutoff))
		if err != nil {
			return nil, fmt.Errorf("failed to mark sync job %s stale: %w", id, err)
		}
		if n, _ := result.RowsAffected(); n > 0 {
			marked = append(marked, id)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit stale sweep: %w", err)
	}
	return marked, nil
}

// DeleteSyncJobsStartedBefore removes finished jobs (and, by cascade, their
// logs) that started before cutoff. Active jobs are never removed.
func (db *DB) DeleteSyncJobsStartedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := db.ExecContext(ctx,
		`DELETE FROM sync_jobs WHERE status IN ('completed', 'failed') AND started_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to delete old sync jobs: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count deleted sync jobs: %w", err)
	}
	return n, nil
}
