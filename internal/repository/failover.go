package repository

import (
	"context"
	"sync/atomic"
	"time"

	"calsync/internal/clock"

	"github.com/rs/zerolog"
)

const recoverAfter = time.Minute

// FailoverTriggerStore uses primary until a call fails, then serves from
// fallback and retries primary once a minute.
type FailoverTriggerStore struct {
	primary   TriggerStore
	fallback  TriggerStore
	logger    *zerolog.Logger
	clock     clock.Clock
	isDown    atomic.Bool
	lastCheck atomic.Int64
}

func NewFailoverTriggerStore(primary, fallback TriggerStore, c clock.Clock, logger *zerolog.Logger) *FailoverTriggerStore {
	return &FailoverTriggerStore{
		primary:  primary,
		fallback: fallback,
		logger:   logger,
		clock:    clock.Or(c),
	}
}

// usePrimary reports whether the next call should go to primary.
func (r *FailoverTriggerStore) usePrimary() bool {
	if !r.isDown.Load() {
		return true
	}
	return r.clock.Now().Sub(time.Unix(0, r.lastCheck.Load())) > recoverAfter
}

func (r *FailoverTriggerStore) markDown(err error) {
	if !r.isDown.Swap(true) {
		r.logger.Error().Err(err).Msg("Primary trigger store failed, falling back to memory")
	}
	r.lastCheck.Store(r.clock.Now().UnixNano())
}

func (r *FailoverTriggerStore) markUp() {
	if r.isDown.Swap(false) {
		r.logger.Info().Msg("Primary trigger store recovered")
	}
}

func (r *FailoverTriggerStore) CheckTriggerLimit(ctx context.Context, ownerID string, limit int, window time.Duration) (bool, error) {
	if r.usePrimary() {
		allowed, err := r.primary.CheckTriggerLimit(ctx, ownerID, limit, window)
		if err == nil {
			r.markUp()
			return allowed, nil
		}
		r.markDown(err)
	}

	return r.fallback.CheckTriggerLimit(ctx, ownerID, limit, window)
}

func (r *FailoverTriggerStore) ClearTriggers(ctx context.Context, ownerID string) error {
	// both sides may hold a count from before a failover
	_ = r.fallback.ClearTriggers(ctx, ownerID)
	if r.usePrimary() {
		if err := r.primary.ClearTriggers(ctx, ownerID); err != nil {
			r.markDown(err)
			return nil
		}
		r.markUp()
	}
	return nil
}
