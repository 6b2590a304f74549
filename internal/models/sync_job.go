package models

import "time"

type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

func (s JobStatus) IsActive() bool {
	return s == JobPending || s == JobRunning
}

func (s JobStatus) Valid() bool {
	return s.IsActive() || s.IsTerminal()
}

// SyncJob is one synchronization attempt for an owner. Once the status is
// terminal the row is never modified again.
type SyncJob struct {
	ID                string     `json:"id"`
	OwnerID           string     `json:"owner_id"`
	Status            JobStatus  `json:"status"`
	Progress          string     `json:"progress"`
	BookingsSynced    int        `json:"bookings_synced"`
	ErrorMessage      *string    `json:"error_message"`
	StartedAt         time.Time  `json:"started_at"`
	LastUpdatedAt     time.Time  `json:"last_updated_at"`
	CompletedAt       *time.Time `json:"completed_at"`
	TriggeredManually bool       `json:"triggered_manually"`
}

// NewSyncJob returns a pending job stamped with now.
func NewSyncJob(id, ownerID string, manual bool, now time.Time) SyncJob {
	now = now.UTC()
	return SyncJob{
		ID:                id,
		OwnerID:           ownerID,
		Status:            JobPending,
		Progress:          ProgressQueued,
		StartedAt:         now,
		LastUpdatedAt:     now,
		TriggeredManually: manual,
	}
}

// LogLevel is the severity of a SyncJobLogEntry.
type LogLevel string

const (
	LevelDebug   LogLevel = "DEBUG"
	LevelInfo    LogLevel = "INFO"
	LevelWarning LogLevel = "WARNING"
	LevelError   LogLevel = "ERROR"
)

func (l LogLevel) Valid() bool {
	switch l {
	case LevelDebug, LevelInfo, LevelWarning, LevelError:
		return true
	}
	return false
}

// SyncJobLogEntry is an append-only log line owned by a SyncJob.
type SyncJobLogEntry struct {
	ID        string         `json:"id"`
	SyncJobID string         `json:"sync_job_id"`
	Timestamp time.Time      `json:"timestamp"`
	Level     LogLevel       `json:"level"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details"`
}
