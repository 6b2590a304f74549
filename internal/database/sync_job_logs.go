package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"calsync/internal/models"
)

// LogFilter selects job log entries. Zero Limit means no limit.
type LogFilter struct {
	JobID  string
	Level  models.LogLevel
	Offset int
	Limit  int
}

// InsertSyncJobLog appends one entry in its own transaction.
func (db *DB) InsertSyncJobLog(ctx context.Context, entry models.SyncJobLogEntry) error {
	var details sql.NullString
	if len(entry.Details) > 0 {
		raw, err := json.Marshal(entry.Details)
		if err != nil {
			return fmt.Errorf("failed to encode log details: %w", err)
		}
		details = sql.NullString{String: string(raw), Valid: true}
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx)

	_, err = tx.ExecContext(ctx,
		`INSERT INTO sync_job_logs (id, sync_job_id, timestamp, level, message, details) VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.SyncJobID, formatTime(entry.Timestamp), string(entry.Level), entry.Message, details)
	if err != nil {
		return fmt.Errorf("failed to insert sync job log: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit sync job log: %w", err)
	}
	return nil
}

// QuerySyncJobLogs returns the matching entries in chronological order along
// with the total number of matches ignoring Offset/Limit.
func (db *DB) QuerySyncJobLogs(ctx context.Context, f LogFilter) ([]models.SyncJobLogEntry, int, error) {
	var (
		where []string
		args  []any
	)
	if f.JobID != "" {
		where = append(where, "sync_job_id = ?")
		args = append(args, f.JobID)
	}
	if f.Level != "" {
		where = append(where, "level = ?")
		args = append(args, string(f.Level))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_job_logs`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count sync job logs: %w", err)
	}

	query := `SELECT id, sync_job_id, timestamp, level, message, details FROM sync_job_logs` + clause +
		` ORDER BY timestamp ASC, rowid ASC`
	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	query += ` LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query sync job logs: %w", err)
	}
	defer rows.Close()

	var entries []models.SyncJobLogEntry
	for rows.Next() {
		var (
			e         models.SyncJobLogEntry
			ts, level string
			details   sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.SyncJobID, &ts, &level, &e.Message, &details); err != nil {
			return nil, 0, fmt.Errorf("failed to scan sync job log: %w", err)
		}
		e.Level = models.LogLevel(level)
		if e.Timestamp, err = parseTime(ts); err != nil {
			return nil, 0, err
		}
		if details.Valid && details.String != "" {
			if err := json.Unmarshal([]byte(details.String), &e.Details); err != nil {
				return nil, 0, fmt.Errorf("failed to decode log details: %w", err)
			}
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("failed to iterate sync job logs: %w", err)
	}
	return entries, total, nil
}
