package models

import "time"

const (
	BookingStatusConfirmed = "confirmed"
	BookingStatusCancelled = "cancelled"
	BookingStatusPending   = "pending"
)

// Job progress milestones.
const (
	ProgressQueued       = "Queued"
	ProgressConnecting   = "Connecting"
	ProgressAuthenticate = "Authenticating"
	ProgressHarvesting   = "Harvesting bookings"
	ProgressProcessing   = "Processing %d bookings"
	ProgressCompleted    = "Completed"
	ProgressFailed       = "Failed"
)

const (
	// DefaultStaleTimeout is how long a job may go without a heartbeat.
	DefaultStaleTimeout = 10 * time.Minute

	// DefaultSweepInterval bounds how often the stale sweep hits the database.
	DefaultSweepInterval = 60 * time.Second

	// DefaultRetentionDays keeps finished jobs and their logs for a month.
	DefaultRetentionDays = 30

	// DefaultBatchSize is the number of writes per reconciliation transaction.
	DefaultBatchSize = 100

	// DefaultMaxPasses is the safety ceiling for harvest passes.
	DefaultMaxPasses = 50

	// DefaultMaxIdlePasses is K, consecutive passes without new rows before stopping.
	DefaultMaxIdlePasses = 4

	// DefaultScheduleInterval is the period of the automatic sync of all owners.
	DefaultScheduleInterval = 2 * time.Hour

	// DefaultLogPageSize is used when a log query gives no limit.
	DefaultLogPageSize = 50

	// MaxLogPageSize caps a single log query page.
	MaxLogPageSize = 500

	// WorkerQueueSize is the buffer of the in-process job queue.
	WorkerQueueSize = 1000
)
