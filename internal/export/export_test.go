package export

import (
	"context"
	"testing"
	"time"

	"calsync/internal/database"
	"calsync/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func seed(t *testing.T) *database.DB {
	t.Helper()
	logger := zerolog.Nop()
	db, err := database.NewDB(":memory:", &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	now := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	paid := models.NewLocalBooking("owner-1", models.ExternalRecord{
		ExternalID: "A1",
		Name:       "R-1",
		StartTime:  time.Date(2024, 3, 10, 10, 0, 0, 0, time.UTC),
		EndTime:    time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC),
		Studio:     "Studio A",
		Status:     "Confirmed",
		Price:      models.PriceFromCents(5000),
	}, now)
	unknown := models.NewLocalBooking("owner-1", models.ExternalRecord{
		ExternalID: "A2",
		Name:       "R-2",
		StartTime:  time.Date(2024, 4, 2, 10, 0, 0, 0, time.UTC),
		EndTime:    time.Date(2024, 4, 2, 11, 0, 0, 0, time.UTC),
		Price:      models.UnknownPrice(),
	}, now)
	require.NoError(t, db.ApplyBookingBatch(context.Background(), models.BookingBatch{
		OwnerID: "owner-1",
		SeenAt:  now,
		Creates: []models.LocalBooking{paid, unknown},
	}))

	_, _, err = db.CreateSyncJobIfNoActive(context.Background(), models.NewSyncJob("job-1", "owner-1", true, now))
	require.NoError(t, err)
	require.NoError(t, db.CompleteSyncJob(context.Background(), "job-1", 2, now.Add(time.Minute)))
	return db
}

func TestExportWritesBookingsAndHistory(t *testing.T) {
	db := seed(t)
	e := New(db, t.TempDir(), time.UTC, nil)

	path, err := e.Export(context.Background(), "owner-1", Range{})
	require.NoError(t, err)

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(bookingsSheet)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, "Booking ID", rows[0][0])
	assert.Equal(t, "A1", rows[1][0])
	assert.Equal(t, "2024-03-10 10:00", rows[1][2])
	assert.Equal(t, "50", rows[1][7])
	assert.Equal(t, "", rows[2][7], "unknown price stays blank")

	history, err := f.GetRows(historySheet)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "job-1", history[1][0])
	assert.Equal(t, "completed", history[1][1])
}

func TestExportRange(t *testing.T) {
	db := seed(t)
	e := New(db, t.TempDir(), time.UTC, nil)

	path, err := e.Export(context.Background(), "owner-1", Range{
		From: time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC),
		To:   time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(bookingsSheet)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "A2", rows[1][0])
}
