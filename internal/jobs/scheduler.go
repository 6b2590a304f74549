package jobs

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

const cleanupInterval = 24 * time.Hour

// Scheduler drives the periodic work of the daemon: a sync of every owner
// with credentials, the stale sweep and the retention cleanup.
type Scheduler struct {
	m             *Manager
	syncInterval  time.Duration
	sweepInterval time.Duration
	logger        *zerolog.Logger
}

// NewScheduler returns a scheduler; a non-positive syncInterval disables
// scheduled syncs.
func NewScheduler(m *Manager, syncInterval time.Duration, logger *zerolog.Logger) *Scheduler {
	l := logger.With().Str("component", "scheduler").Logger()
	return &Scheduler{
		m:             m,
		syncInterval:  syncInterval,
		sweepInterval: m.cfg.SweepInterval,
		logger:        &l,
	}
}

// Run blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	s.cleanup(ctx)

	var syncTick <-chan time.Time
	if s.syncInterval > 0 {
		t := time.NewTicker(s.syncInterval)
		defer t.Stop()
		syncTick = t.C
	}
	sweep := time.NewTicker(s.sweepInterval)
	defer sweep.Stop()
	cleanup := time.NewTicker(cleanupInterval)
	defer cleanup.Stop()

	s.logger.Info().Dur("sync_interval", s.syncInterval).Dur("sweep_interval", s.sweepInterval).Msg("Scheduler started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("Scheduler stopped")
			return
		case <-syncTick:
			started, err := s.m.SyncAll(ctx)
			if err != nil {
				s.logger.Error().Err(err).Msg("Scheduled sync round failed")
				continue
			}
			s.logger.Info().Int("started", started).Msg("Scheduled sync round dispatched")
		case <-sweep.C:
			if _, err := s.m.SweepStaleJobs(ctx, 0); err != nil {
				s.logger.Error().Err(err).Msg("Stale sweep failed")
			}
		case <-cleanup.C:
			s.cleanup(ctx)
		}
	}
}

func (s *Scheduler) cleanup(ctx context.Context) {
	if _, err := s.m.CleanupOldJobs(ctx, 0); err != nil {
		s.logger.Error().Err(err).Msg("Job retention cleanup failed")
	}
}
