// Package repository counts manual sync triggers per owner, in Redis when it
// is reachable and in memory otherwise.
package repository

import (
	"context"
	"time"
)

// TriggerStore counts events per owner inside a fixed window.
type TriggerStore interface {
	// CheckTriggerLimit records one trigger and reports whether the owner is
	// still within limit for the current window.
	CheckTriggerLimit(ctx context.Context, ownerID string, limit int, window time.Duration) (bool, error)
	ClearTriggers(ctx context.Context, ownerID string) error
}
