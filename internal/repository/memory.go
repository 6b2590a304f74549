package repository

import (
	"context"
	"sync"
	"time"

	"calsync/internal/clock"
)

type MemoryTriggerStore struct {
	mu      sync.Mutex
	entries map[string]*triggerEntry
	clock   clock.Clock
}

type triggerEntry struct {
	count     int
	expiresAt time.Time
}

func NewMemoryTriggerStore(c clock.Clock) *MemoryTriggerStore {
	return &MemoryTriggerStore{
		entries: make(map[string]*triggerEntry),
		clock:   clock.Or(c),
	}
}

func (r *MemoryTriggerStore) CheckTriggerLimit(_ context.Context, ownerID string, limit int, window time.Duration) (bool, error) {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[ownerID]
	if !ok || now.After(entry.expiresAt) {
		entry = &triggerEntry{expiresAt: now.Add(window)}
		r.entries[ownerID] = entry
	}
	entry.count++
	return entry.count <= limit, nil
}

func (r *MemoryTriggerStore) ClearTriggers(_ context.Context, ownerID string) error {
	r.mu.Lock()
	delete(r.entries, ownerID)
	r.mu.Unlock()
	return nil
}
