package models

import (
	"strings"
	"time"
)

// ExternalRecord is one row harvested from the reservation site. It lives only
// for the duration of a sync job.
type ExternalRecord struct {
	ExternalID string    `json:"external_id"`
	Name       string    `json:"name"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	Studio     string    `json:"studio"`
	Location   string    `json:"location"`
	Status     string    `json:"status"`
	Price      Price     `json:"price"`
	DetailURL  string    `json:"detail_url"`
}

// BookingFields are the mutable fields that take part in change detection.
type BookingFields struct {
	Name      string
	StartTime time.Time
	EndTime   time.Time
	Studio    string
	Location  string
	Status    string
	Price     Price
}

func (r ExternalRecord) Fields() BookingFields {
	return BookingFields{
		Name:      r.Name,
		StartTime: r.StartTime,
		EndTime:   r.EndTime,
		Studio:    r.Studio,
		Location:  r.Location,
		Status:    r.Status,
		Price:     r.Price,
	}
}

// LocalBooking is the persisted copy of an ExternalRecord for one owner.
// (OwnerID, ExternalID) is unique.
type LocalBooking struct {
	OwnerID    string    `json:"owner_id"`
	ExternalID string    `json:"external_id"`
	Name       string    `json:"name"`
	StartTime  time.Time `json:"start_time"`
	EndTime    time.Time `json:"end_time"`
	Studio     string    `json:"studio"`
	Location   string    `json:"location"`
	Status     string    `json:"status"`
	Price      Price     `json:"price"`
	DetailURL  string    `json:"detail_url"`
	LastSeenAt time.Time `json:"last_seen_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// NewLocalBooking builds the row created on the first sighting of a record.
func NewLocalBooking(ownerID string, rec ExternalRecord, seenAt time.Time) LocalBooking {
	b := LocalBooking{
		OwnerID:    ownerID,
		ExternalID: rec.ExternalID,
		CreatedAt:  seenAt.UTC(),
	}
	b.ApplyRecord(rec, seenAt)
	return b
}

// ApplyRecord copies every mutable field from rec and advances LastSeenAt.
func (b *LocalBooking) ApplyRecord(rec ExternalRecord, seenAt time.Time) {
	b.Name = rec.Name
	b.StartTime = rec.StartTime.UTC()
	b.EndTime = rec.EndTime.UTC()
	b.Studio = rec.Studio
	b.Location = rec.Location
	b.Status = rec.Status
	b.Price = rec.Price
	b.DetailURL = rec.DetailURL
	b.UpdatedAt = seenAt.UTC()
	b.Touch(seenAt)
}

// Touch records that the booking was present in a harvest without changes.
func (b *LocalBooking) Touch(seenAt time.Time) {
	b.LastSeenAt = seenAt.UTC()
}

func (b LocalBooking) Fields() BookingFields {
	return BookingFields{
		Name:      b.Name,
		StartTime: b.StartTime,
		EndTime:   b.EndTime,
		Studio:    b.Studio,
		Location:  b.Location,
		Status:    b.Status,
		Price:     b.Price,
	}
}

// IsCancelled reports whether the site marked the booking as cancelled.
func (b LocalBooking) IsCancelled() bool {
	s := strings.ToLower(strings.TrimSpace(b.Status))
	return s == BookingStatusCancelled || s == "canceled"
}

// BookingBatch is one transaction worth of reconciliation writes for an owner.
type BookingBatch struct {
	OwnerID string
	SeenAt  time.Time
	Creates []LocalBooking
	Updates []LocalBooking
	Touches []string
	Deletes []string
}

func (b BookingBatch) Len() int {
	return len(b.Creates) + len(b.Updates) + len(b.Touches) + len(b.Deletes)
}
