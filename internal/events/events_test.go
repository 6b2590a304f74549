package events

import (
	"testing"
)

func TestEventBus(t *testing.T) {
	bus := NewEventBus()

	var received *Event
	var callCount int

	bus.Subscribe(EventJobCompleted, func(event *Event) error {
		received = event
		callCount++
		return nil
	})

	err := bus.PublishJSON(EventJobCompleted, JobEventPayload{JobID: "job-1", OwnerID: "o1", BookingsSynced: 3})
	if err != nil {
		t.Fatalf("PublishJSON failed: %v", err)
	}

	if callCount != 1 {
		t.Errorf("expected 1 call, got %d", callCount)
	}
	if received.Type != EventJobCompleted {
		t.Errorf("expected type %s, got %s", EventJobCompleted, received.Type)
	}
	if received.CreatedAt.IsZero() {
		t.Errorf("expected CreatedAt to be set")
	}

	decoded, err := received.Decode()
	if err != nil {
		t.Fatalf("failed to decode payload: %v", err)
	}
	if decoded.JobID != "job-1" || decoded.BookingsSynced != 3 {
		t.Errorf("unexpected payload %+v", decoded)
	}
}

func TestEventBusMultipleSubscribers(t *testing.T) {
	bus := NewEventBus()
	var count1, count2 int

	bus.Subscribe(EventJobFailed, func(_ *Event) error { count1++; return nil })
	bus.Subscribe(EventJobFailed, func(_ *Event) error { count2++; return nil })

	bus.Publish(&Event{Type: EventJobFailed})

	if count1 != 1 || count2 != 1 {
		t.Errorf("expected both handlers to be called once, got %d and %d", count1, count2)
	}
}

func TestEventBusNoSubscribers(t *testing.T) {
	bus := NewEventBus()
	bus.Publish(&Event{Type: "unknown"})
	if err := bus.PublishJSON("unknown", nil); err != nil {
		t.Errorf("PublishJSON failed: %v", err)
	}

	var nilBus *EventBus
	if err := nilBus.PublishJSON(EventJobStarted, JobEventPayload{}); err != nil {
		t.Errorf("nil bus PublishJSON failed: %v", err)
	}
}
