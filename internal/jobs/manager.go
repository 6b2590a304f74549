// Package jobs runs sync jobs: one active job per owner, heartbeat based
// recovery of abandoned jobs, and retention of finished ones.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"calsync/internal/clock"
	"calsync/internal/config"
	"calsync/internal/database"
	"calsync/internal/events"
	"calsync/internal/harvester"
	"calsync/internal/joblog"
	"calsync/internal/models"
	"calsync/internal/reconcile"
	"calsync/internal/syncerr"
	"calsync/internal/worker"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

type Store interface {
	CreateSyncJobIfNoActive(ctx context.Context, job models.SyncJob) (*models.SyncJob, bool, error)
	GetSyncJob(ctx context.Context, id string) (*models.SyncJob, error)
	GetActiveSyncJob(ctx context.Context, ownerID string) (*models.SyncJob, error)
	GetLatestSyncJob(ctx context.Context, ownerID string) (*models.SyncJob, error)
	ListSyncJobs(ctx context.Context, ownerID string, limit int) ([]models.SyncJob, error)
	ClaimSyncJob(ctx context.Context, id, progress string, now time.Time) error
	UpdateSyncJobProgress(ctx context.Context, id, progress string, now time.Time) error
	CompleteSyncJob(ctx context.Context, id string, synced int, now time.Time) error
	FailSyncJob(ctx context.Context, id, message string, now time.Time) error
	MarkStaleSyncJobs(ctx context.Context, cutoff time.Time, message string, now time.Time) ([]string, error)
	DeleteSyncJobsStartedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	ListOwnersWithCredentials(ctx context.Context) ([]string, error)
}

// CredentialSource returns the decrypted site login of an owner.
type CredentialSource interface {
	Lookup(ctx context.Context, ownerID string) (models.Credentials, error)
}

type Reconciler interface {
	Reconcile(ctx context.Context, ownerID string, records []models.ExternalRecord, obs reconcile.Observer) (*reconcile.Result, error)
	ReconcilePartial(ctx context.Context, ownerID string, records []models.ExternalRecord, obs reconcile.Observer) (*reconcile.Result, error)
}

// Dispatcher hands a freshly created job to whatever executes it.
type Dispatcher interface {
	Dispatch(ctx context.Context, job models.SyncJob) error
}

type Config struct {
	StaleTimeout  time.Duration
	SweepInterval time.Duration
	RetentionDays int
	// MaxRecords caps a harvest; 0 means unbounded.
	MaxRecords int
	Harvest    harvester.Options
	// StatusRetry governs job status writes; the default is one retry.
	StatusRetry worker.RetryPolicy
}

// ConfigFrom derives the manager settings from the application config.
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		StaleTimeout:  cfg.Sync.StaleTimeout(),
		SweepInterval: cfg.Sync.SweepInterval(),
		RetentionDays: cfg.Sync.RetentionDays,
		MaxRecords:    cfg.Sync.MaxRecords,
		Harvest:       harvester.OptionsFromConfig(cfg.Harvester),
	}
}

type Deps struct {
	Store       Store
	Credentials CredentialSource
	Sessions    SessionFactory
	Reconciler  Reconciler
	JobLog      *joblog.Logger
	Bus         *events.EventBus
	Clock       clock.Clock
	Logger      *zerolog.Logger
	// NewID generates job ids; uuid by default.
	NewID func() string
}

type Manager struct {
	store      Store
	creds      CredentialSource
	sessions   SessionFactory
	reconciler Reconciler
	joblog     *joblog.Logger
	bus        *events.EventBus
	clock      clock.Clock
	logger     *zerolog.Logger
	newID      func() string
	dispatcher Dispatcher
	sweeps     *rate.Limiter
	cfg        Config
}

func NewManager(deps Deps, cfg Config) *Manager {
	if cfg.StaleTimeout <= 0 {
		cfg.StaleTimeout = models.DefaultStaleTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = models.DefaultSweepInterval
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = models.DefaultRetentionDays
	}
	if cfg.StatusRetry.MaxRetries == 0 {
		cfg.StatusRetry.MaxRetries = 2
	}
	if cfg.StatusRetry.InitialDelay == 0 {
		cfg.StatusRetry.InitialDelay = 500 * time.Millisecond
	}
	if deps.Logger == nil {
		nop := zerolog.Nop()
		deps.Logger = &nop
	}
	if deps.NewID == nil {
		deps.NewID = uuid.NewString
	}
	logger := deps.Logger.With().Str("component", "job_manager").Logger()

	m := &Manager{
		store:      deps.Store,
		creds:      deps.Credentials,
		sessions:   deps.Sessions,
		reconciler: deps.Reconciler,
		joblog:     deps.JobLog,
		bus:        deps.Bus,
		clock:      clock.Or(deps.Clock),
		logger:     &logger,
		newID:      deps.NewID,
		sweeps:     rate.NewLimiter(rate.Every(cfg.SweepInterval), 1),
		cfg:        cfg,
	}
	m.dispatcher = Blocking{m}
	return m
}

// UseDispatcher replaces the default in-caller execution. It must be called
// before the manager starts serving requests.
func (m *Manager) UseDispatcher(d Dispatcher) {
	m.dispatcher = d
}

// StartSync returns the owner's active job if there is one, otherwise it
// creates a pending job and dispatches it. created reports which happened.
func (m *Manager) StartSync(ctx context.Context, ownerID string, manual bool) (*models.SyncJob, bool, error) {
	if ownerID == "" {
		return nil, false, errors.New("owner id is required")
	}
	if _, err := m.SweepStaleJobs(ctx, 0); err != nil {
		m.logger.Warn().Err(err).Msg("Stale sweep before sync start failed")
	}

	job, created, err := m.store.CreateSyncJobIfNoActive(ctx, models.NewSyncJob(m.newID(), ownerID, manual, m.clock.Now()))
	if err != nil {
		return nil, false, fmt.Errorf("failed to start sync: %w", err)
	}
	if !created {
		m.logger.Info().Str("owner_id", ownerID).Str("sync_job_id", job.ID).Msg("Sync already active, reusing job")
		return job, false, nil
	}

	m.joblog.ForJob(job.ID).Info(ctx, "Sync job created", map[string]any{"owner_id": ownerID, "manual": manual})
	m.publish(events.EventJobCreated, events.JobEventPayload{JobID: job.ID, OwnerID: ownerID, Status: string(job.Status), Manual: manual})

	if err := m.dispatcher.Dispatch(ctx, *job); err != nil {
		// the job stays pending until a worker polls it
		m.logger.Error().Err(err).Str("sync_job_id", job.ID).Msg("Failed to dispatch sync job")
	}

	if latest, err := m.store.GetSyncJob(ctx, job.ID); err == nil {
		job = latest
	}
	return job, true, nil
}

// Execute claims a pending job and runs the sync to its end. The sync outcome
// is recorded on the job; the returned error only reports that the job could
// not be claimed or loaded.
func (m *Manager) Execute(ctx context.Context, jobID string) error {
	start := m.clock.Now()
	if err := m.store.ClaimSyncJob(ctx, jobID, models.ProgressConnecting, start); err != nil {
		return err
	}
	job, err := m.store.GetSyncJob(ctx, jobID)
	if err != nil {
		_, message := syncerr.Describe(err)
		m.writeStatus(ctx, jobID, "fail", func(ctx context.Context) error {
			return m.store.FailSyncJob(ctx, jobID, message, m.clock.Now())
		})
		return fmt.Errorf("load claimed job %s: %w", jobID, err)
	}

	jl := m.joblog.ForJob(jobID)
	log := m.logger.With().Str("sync_job_id", jobID).Str("owner_id", job.OwnerID).Logger()
	log.Info().Msg("Sync job started")
	m.publish(events.EventJobStarted, events.JobEventPayload{JobID: jobID, OwnerID: job.OwnerID, Manual: job.TriggeredManually})

	out, runErr := m.run(ctx, job, jl)
	elapsed := m.clock.Now().Sub(start)

	if runErr != nil {
		kind, message := syncerr.Describe(runErr)
		jl.Error(ctx, "Sync failed", runErr, map[string]any{"error_kind": string(kind)})
		m.writeStatus(ctx, jobID, "fail", func(ctx context.Context) error {
			return m.store.FailSyncJob(ctx, jobID, message, m.clock.Now())
		})
		log.Warn().Err(runErr).Str("error_kind", string(kind)).Dur("duration", elapsed).Msg("Sync job failed")
		m.publish(events.EventJobFailed, events.JobEventPayload{
			JobID:           jobID,
			OwnerID:         job.OwnerID,
			Status:          string(models.JobFailed),
			ErrorKind:       string(kind),
			DurationSeconds: elapsed.Seconds(),
		})
		return nil
	}

	res := out.result
	jl.Summary(ctx, len(out.snapshot.Records), res.Created, res.Updated, res.Unchanged, res.Deleted, out.snapshot.Skipped, elapsed)
	m.writeStatus(ctx, jobID, "complete", func(ctx context.Context) error {
		return m.store.CompleteSyncJob(ctx, jobID, res.Synced(), m.clock.Now())
	})
	log.Info().
		Int("synced", res.Synced()).
		Int("deleted", res.Deleted).
		Dur("duration", elapsed).
		Msg("Sync job completed")
	m.publish(events.EventJobCompleted, events.JobEventPayload{
		JobID:           jobID,
		OwnerID:         job.OwnerID,
		Status:          string(models.JobCompleted),
		BookingsSynced:  res.Synced(),
		Created:         res.Created,
		Updated:         res.Updated,
		Unchanged:       res.Unchanged,
		Deleted:         res.Deleted,
		Skipped:         out.snapshot.Skipped,
		DurationSeconds: elapsed.Seconds(),
	})
	return nil
}

type outcome struct {
	snapshot *harvester.Snapshot
	result   *reconcile.Result
}

func (m *Manager) run(ctx context.Context, job *models.SyncJob, jl *joblog.JobLogger) (*outcome, error) {
	jl.Info(ctx, "Starting sync", map[string]any{"manual": job.TriggeredManually})

	creds, err := m.creds.Lookup(ctx, job.OwnerID)
	if err != nil {
		return nil, err
	}

	opts := m.cfg.Harvest
	opts.Recorder = jl
	opts.Clock = m.clock
	opts.Progress = func(ctx context.Context, pass, records int) {
		m.heartbeat(ctx, job.ID, models.ProgressHarvesting)
		jl.Debug(ctx, "Heartbeat", map[string]any{"pass": pass, "records": records})
	}

	session, err := m.sessions(ctx, opts)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := session.Close(); err != nil {
			m.logger.Warn().Err(err).Str("sync_job_id", job.ID).Msg("Failed to close browser session")
		}
	}()

	m.heartbeat(ctx, job.ID, models.ProgressAuthenticate)
	if err := session.Authenticate(ctx, creds); err != nil {
		return nil, err
	}

	m.heartbeat(ctx, job.ID, models.ProgressHarvesting)
	snap, err := session.Harvest(ctx, m.cfg.MaxRecords)
	if err != nil {
		return nil, err
	}

	m.heartbeat(ctx, job.ID, fmt.Sprintf(models.ProgressProcessing, len(snap.Records)))
	var res *reconcile.Result
	if snap.Complete {
		res, err = m.reconciler.Reconcile(ctx, job.OwnerID, snap.Records, jl)
	} else {
		jl.Warn(ctx, "Harvest incomplete, deletions skipped", map[string]any{"stop_reason": string(snap.StopReason)})
		res, err = m.reconciler.ReconcilePartial(ctx, job.OwnerID, snap.Records, jl)
	}
	if err != nil {
		return nil, err
	}
	return &outcome{snapshot: snap, result: res}, nil
}

// heartbeat records a milestone. Failures are logged and never end the sync.
func (m *Manager) heartbeat(ctx context.Context, jobID, progress string) {
	err := m.store.UpdateSyncJobProgress(context.WithoutCancel(ctx), jobID, progress, m.clock.Now())
	switch {
	case err == nil:
	case errors.Is(err, database.ErrJobNotActive):
		m.logger.Warn().Str("sync_job_id", jobID).Msg("Job is no longer active, heartbeat ignored")
	default:
		m.logger.Warn().Err(err).Str("sync_job_id", jobID).Str("progress", progress).Msg("Failed to record job progress")
	}
}

// writeStatus applies a terminal status write under the status retry policy
// and gives up with a log entry.
func (m *Manager) writeStatus(ctx context.Context, jobID, what string, write func(ctx context.Context) error) {
	ctx = context.WithoutCancel(ctx)
	inactive := false
	err := m.cfg.StatusRetry.Do(ctx, func(ctx context.Context) error {
		err := write(ctx)
		if errors.Is(err, database.ErrJobNotActive) {
			inactive = true
			return nil
		}
		return err
	})
	if inactive {
		m.logger.Warn().Str("sync_job_id", jobID).Str("write", what).Msg("Job was finished elsewhere, status not written")
	}
	if err != nil {
		m.logger.Error().Err(err).Str("sync_job_id", jobID).Str("write", what).Msg("Failed to write job status, giving up")
	}
}

// SweepStaleJobs fails active jobs without a heartbeat for longer than
// timeout (the configured one when timeout <= 0). Calls more frequent than the
// sweep interval return immediately.
func (m *Manager) SweepStaleJobs(ctx context.Context, timeout time.Duration) (int, error) {
	if !m.sweeps.AllowN(m.clock.Now(), 1) {
		return 0, nil
	}
	return m.ForceSweep(ctx, timeout)
}

// ForceSweep runs the stale sweep regardless of the rate limit.
func (m *Manager) ForceSweep(ctx context.Context, timeout time.Duration) (int, error) {
	if timeout <= 0 {
		timeout = m.cfg.StaleTimeout
	}
	now := m.clock.Now()
	message := syncerr.UserMessage(syncerr.StaleJob, nil)
	ids, err := m.store.MarkStaleSyncJobs(ctx, now.Add(-timeout), message, now)
	if err != nil {
		return 0, fmt.Errorf("stale sweep: %w", err)
	}
	for _, id := range ids {
		m.joblog.ForJob(id).Error(ctx, "Job marked as stale", nil, map[string]any{"timeout_minutes": timeout.Minutes()})
		m.publish(events.EventJobStale, events.JobEventPayload{JobID: id, Status: string(models.JobFailed), ErrorKind: string(syncerr.StaleJob)})
	}
	if len(ids) > 0 {
		m.logger.Warn().Int("count", len(ids)).Dur("timeout", timeout).Msg("Marked stale sync jobs as failed")
	}
	return len(ids), nil
}

// CleanupOldJobs deletes finished jobs that started more than retentionDays
// ago (the configured window when retentionDays <= 0), logs included.
func (m *Manager) CleanupOldJobs(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		retentionDays = m.cfg.RetentionDays
	}
	cutoff := m.clock.Now().AddDate(0, 0, -retentionDays)
	n, err := m.store.DeleteSyncJobsStartedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup old jobs: %w", err)
	}
	m.logger.Info().Int64("deleted", n).Int("retention_days", retentionDays).Msg("Old sync jobs cleaned up")
	m.publish(events.EventJobsCleaned, events.JobEventPayload{Count: n})
	return n, nil
}

// SyncAll starts a scheduled sync for every owner with stored credentials.
func (m *Manager) SyncAll(ctx context.Context) (started int, err error) {
	owners, err := m.store.ListOwnersWithCredentials(ctx)
	if err != nil {
		return 0, err
	}
	for _, owner := range owners {
		if ctx.Err() != nil {
			return started, ctx.Err()
		}
		_, created, err := m.StartSync(ctx, owner, false)
		if err != nil {
			m.logger.Error().Err(err).Str("owner_id", owner).Msg("Scheduled sync failed to start")
			continue
		}
		if created {
			started++
		}
	}
	return started, nil
}

// Status returns the owner's active job, or the most recent one.
func (m *Manager) Status(ctx context.Context, ownerID string) (*models.SyncJob, error) {
	job, err := m.store.GetActiveSyncJob(ctx, ownerID)
	if errors.Is(err, database.ErrJobNotFound) {
		return m.store.GetLatestSyncJob(ctx, ownerID)
	}
	return job, err
}

func (m *Manager) History(ctx context.Context, ownerID string, limit int) ([]models.SyncJob, error) {
	if limit <= 0 || limit > 100 {
		limit = 10
	}
	return m.store.ListSyncJobs(ctx, ownerID, limit)
}

func (m *Manager) Job(ctx context.Context, id string) (*models.SyncJob, error) {
	return m.store.GetSyncJob(ctx, id)
}

func (m *Manager) Logs(ctx context.Context, q joblog.Query) (*joblog.Page, error) {
	return m.joblog.Query(ctx, q)
}

func (m *Manager) publish(eventType string, payload events.JobEventPayload) {
	if err := m.bus.PublishJSON(eventType, payload); err != nil {
		m.logger.Warn().Err(err).Str("event", eventType).Msg("Failed to publish job event")
	}
}
