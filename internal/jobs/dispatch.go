package jobs

import (
	"context"

	"calsync/internal/models"
)

// Blocking runs a job inside the dispatching call. The CLI and tests use it;
// the daemon dispatches to a worker pool instead.
type Blocking struct {
	m *Manager
}

func (b Blocking) Dispatch(ctx context.Context, job models.SyncJob) error {
	return b.m.Execute(ctx, job.ID)
}
