package database

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"calsync/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) *DB {
	t.Helper()
	logger := zerolog.New(os.Stdout).Level(zerolog.WarnLevel)
	db, err := NewDB(":memory:", &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func sampleRecord(id string) models.ExternalRecord {
	return models.ExternalRecord{
		ExternalID: id,
		Name:       "R-" + id,
		StartTime:  time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC),
		EndTime:    time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC),
		Studio:     "Studio A",
		Location:   "Loc1",
		Status:     "Confirmed",
		Price:      models.PriceFromCents(5000),
		DetailURL:  "https://example.com/" + id,
	}
}

func TestNewDB_DirectoryCreation(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "dir", "test.db")
	logger := zerolog.Nop()

	db, err := NewDB(dbPath, &logger)
	require.NoError(t, err)
	defer db.Close()

	assert.FileExists(t, dbPath)
	assert.Equal(t, dbPath, db.Path())
	assert.NoError(t, db.PingContext(context.Background()))
}

func TestApplyBookingBatch(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	day1 := time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC)

	a1 := models.NewLocalBooking("owner-1", sampleRecord("A1"), day1)
	a2rec := sampleRecord("A2")
	a2rec.Price = models.UnknownPrice()
	a2 := models.NewLocalBooking("owner-1", a2rec, day1)
	other := models.NewLocalBooking("owner-2", sampleRecord("A1"), day1)

	require.NoError(t, db.ApplyBookingBatch(ctx, models.BookingBatch{OwnerID: "owner-1", SeenAt: day1, Creates: []models.LocalBooking{a1, a2}}))
	require.NoError(t, db.ApplyBookingBatch(ctx, models.BookingBatch{OwnerID: "owner-2", SeenAt: day1, Creates: []models.LocalBooking{other}}))

	got, err := db.ListBookings(ctx, "owner-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, a1.Fields(), got[0].Fields())
	assert.False(t, got[1].Price.Valid)
	assert.Equal(t, day1, got[0].LastSeenAt)

	day2 := day1.Add(24 * time.Hour)
	changed := sampleRecord("A1")
	changed.Status = "Cancelled"
	a1.ApplyRecord(changed, day2)

	require.NoError(t, db.ApplyBookingBatch(ctx, models.BookingBatch{
		OwnerID: "owner-1",
		SeenAt:  day2,
		Updates: []models.LocalBooking{a1},
		Deletes: []string{"A2"},
	}))

	got, err = db.ListBookings(ctx, "owner-1")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Cancelled", got[0].Status)
	assert.Equal(t, day2, got[0].LastSeenAt)
	assert.Equal(t, day1, got[0].CreatedAt)

	day3 := day2.Add(24 * time.Hour)
	require.NoError(t, db.ApplyBookingBatch(ctx, models.BookingBatch{OwnerID: "owner-1", SeenAt: day3, Touches: []string{"A1"}}))
	got, err = db.ListBookings(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, day3, got[0].LastSeenAt)
	assert.Equal(t, day2, got[0].UpdatedAt)

	// other owners are untouched
	n, err := db.CountBookings(ctx, "owner-2")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestApplyBookingBatchRollsBack(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	seen := time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC)

	dup := models.NewLocalBooking("owner-1", sampleRecord("A1"), seen)
	err := db.ApplyBookingBatch(ctx, models.BookingBatch{
		OwnerID: "owner-1",
		SeenAt:  seen,
		Creates: []models.LocalBooking{models.NewLocalBooking("owner-1", sampleRecord("A0"), seen), dup, dup},
	})
	require.Error(t, err)

	n, err := db.CountBookings(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, 0, n, "failed batch must leave no partial writes")
}

func TestListBookingsBetween(t *testing.T) {
	db := setupTestDB(t)
	ctx := context.Background()
	seen := time.Now().UTC()

	early := sampleRecord("E")
	early.StartTime = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	late := sampleRecord("L")
	late.StartTime = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, db.ApplyBookingBatch(ctx, models.BookingBatch{OwnerID: "o", SeenAt: seen, Creates: []models.LocalBooking{
		models.NewLocalBooking("o", early, seen),
		models.NewLocalBooking("o", late, seen),
	}}))

	got, err := db.ListBookingsBetween(ctx, "o", time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "L", got[0].ExternalID)
}
