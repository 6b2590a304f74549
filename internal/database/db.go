package database

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
	"github.com/rs/zerolog"
)

var (
	ErrJobNotFound         = errors.New("sync job not found")
	ErrJobNotActive        = errors.New("sync job is not active")
	ErrCredentialsNotFound = errors.New("owner credentials not found")
)

// DB is the sqlite store for bookings, sync jobs, job logs and credentials.
type DB struct {
	*sql.DB
	path   string
	logger *zerolog.Logger
}

// NewDB opens (creating if needed) the database at path and applies the schema.
// ":memory:" is accepted for tests.
func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// a single writer keeps sqlite free of SQLITE_BUSY and makes :memory: usable
	conn.SetMaxOpenConns(1)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := createTables(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Info().Str("path", path).Msg("Database initialized")
	return &DB{DB: conn, path: path, logger: logger}, nil
}

func dsn(path string) string {
	params := "_foreign_keys=on&_busy_timeout=5000&_txlock=immediate"
	if path != ":memory:" {
		params += "&_journal_mode=WAL"
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + params
}

// Path returns the file the database was opened from.
func (db *DB) Path() string {
	return db.path
}

func createTables(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS bookings (
            owner_id TEXT NOT NULL,
            external_id TEXT NOT NULL,
            name TEXT NOT NULL,
            start_time TEXT NOT NULL,
            end_time TEXT NOT NULL,
            studio TEXT NOT NULL DEFAULT '',
            location TEXT NOT NULL DEFAULT '',
            status TEXT NOT NULL DEFAULT '',
            price_cents INTEGER,
            detail_url TEXT NOT NULL DEFAULT '',
            last_seen_at TEXT NOT NULL,
            created_at TEXT NOT NULL,
            updated_at TEXT NOT NULL,
            PRIMARY KEY (owner_id, external_id)
        )`,
		`CREATE INDEX IF NOT EXISTS idx_bookings_owner_start ON bookings(owner_id, start_time)`,

		`CREATE TABLE IF NOT EXISTS sync_jobs (
            id TEXT PRIMARY KEY,
            owner_id TEXT NOT NULL,
            status TEXT NOT NULL CHECK (status IN ('pending', 'running', 'completed', 'failed')),
            progress TEXT NOT NULL DEFAULT '',
            bookings_synced INTEGER NOT NULL DEFAULT 0,
            error_message TEXT,
            started_at TEXT NOT NULL,
            last_updated_at TEXT NOT NULL,
            completed_at TEXT,
            triggered_manually INTEGER NOT NULL DEFAULT 0
        )`,
		// at most one pending/running job per owner
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_sync_jobs_one_active
            ON sync_jobs(owner_id) WHERE status IN ('pending', 'running')`,
		`CREATE INDEX IF NOT EXISTS idx_sync_jobs_owner_started ON sync_jobs(owner_id, started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_jobs_status_heartbeat ON sync_jobs(status, last_updated_at)`,

		`CREATE TABLE IF NOT EXISTS sync_job_logs (
            id TEXT PRIMARY KEY,
            sync_job_id TEXT NOT NULL REFERENCES sync_jobs(id) ON DELETE CASCADE,
            timestamp TEXT NOT NULL,
            level TEXT NOT NULL,
            message TEXT NOT NULL,
            details TEXT
        )`,
		`CREATE INDEX IF NOT EXISTS idx_sync_job_logs_job ON sync_job_logs(sync_job_id, timestamp)`,

		`CREATE TABLE IF NOT EXISTS owner_credentials (
            owner_id TEXT PRIMARY KEY,
            email_ciphertext TEXT NOT NULL,
            password_ciphertext TEXT NOT NULL,
            updated_at TEXT NOT NULL
        )`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}

// Timestamps are stored as fixed-width UTC text so that lexical order in SQL
// matches chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse stored time %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// rollback is deferred after BeginTx; it is a no-op once the tx committed.
func rollback(tx *sql.Tx) {
	_ = tx.Rollback()
}
