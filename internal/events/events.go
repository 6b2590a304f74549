// Package events is an in-process bus for sync job lifecycle notifications.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

const (
	EventJobCreated   = "sync_job_created"
	EventJobStarted   = "sync_job_started"
	EventJobCompleted = "sync_job_completed"
	EventJobFailed    = "sync_job_failed"
	EventJobStale     = "sync_job_stale"
	EventJobsCleaned  = "sync_jobs_cleaned"
)

// JobEventPayload describes a sync job at the moment of the event.
type JobEventPayload struct {
	JobID           string  `json:"job_id,omitempty"`
	OwnerID         string  `json:"owner_id,omitempty"`
	Status          string  `json:"status,omitempty"`
	Manual          bool    `json:"manual,omitempty"`
	BookingsSynced  int     `json:"bookings_synced,omitempty"`
	Created         int     `json:"created,omitempty"`
	Updated         int     `json:"updated,omitempty"`
	Unchanged       int     `json:"unchanged,omitempty"`
	Deleted         int     `json:"deleted,omitempty"`
	Skipped         int     `json:"skipped,omitempty"`
	ErrorKind       string  `json:"error_kind,omitempty"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
	Count           int64   `json:"count,omitempty"`
}

// Event represents a lightweight domain event.
type Event struct {
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Decode unmarshals the payload of a job event.
func (e *Event) Decode() (JobEventPayload, error) {
	var p JobEventPayload
	err := json.Unmarshal(e.Payload, &p)
	return p, err
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

// EventBus provides in-process pub/sub for events.
type EventBus struct {
	subscribers map[string][]EventHandler
	mu          sync.RWMutex
}

func NewEventBus() *EventBus {
	return &EventBus{subscribers: make(map[string][]EventHandler)}
}

// Subscribe registers a handler for a given event type.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// Publish notifies subscribers synchronously, in subscription order. Handler
// errors are returned to nobody; handlers log their own failures.
func (b *EventBus) Publish(event *Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	for _, handler := range handlers {
		_ = handler(event)
	}
}

// PublishJSON serializes the payload and publishes an event. A nil bus is a
// no-op.
func (b *EventBus) PublishJSON(eventType string, payload any) error {
	if b == nil {
		return nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	b.Publish(&Event{Type: eventType, Payload: raw, CreatedAt: time.Now()})
	return nil
}
