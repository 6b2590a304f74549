package reconcile

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"calsync/internal/clock"
	"calsync/internal/database"
	"calsync/internal/models"
	"calsync/internal/syncerr"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupStore(t *testing.T) *database.DB {
	t.Helper()
	logger := zerolog.Nop()
	db, err := database.NewDB(":memory:", &logger)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func recordA1() models.ExternalRecord {
	return models.ExternalRecord{
		ExternalID: "A1",
		Name:       "R-1",
		StartTime:  time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC),
		EndTime:    time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC),
		Studio:     "Studio A",
		Location:   "Loc1",
		Status:     "Confirmed",
		Price:      models.PriceFromCents(5000),
	}
}

type recordingObserver struct {
	actions []string
}

func (o *recordingObserver) BookingProcessed(_ context.Context, id, _ string, action string) {
	o.actions = append(o.actions, action+":"+id)
}

func TestReconcileEndToEnd(t *testing.T) {
	db := setupStore(t)
	fc := clock.NewFake(time.Date(2024, 1, 10, 9, 0, 0, 0, time.UTC))
	r := New(db, Options{TrustEmptyHarvest: true, Clock: fc})
	ctx := context.Background()
	snapshot := []models.ExternalRecord{recordA1()}

	obs := &recordingObserver{}
	res, err := r.Reconcile(ctx, "owner-1", snapshot, obs)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 0, res.Updated)
	assert.Equal(t, 0, res.Deleted)
	assert.Equal(t, []string{"created:A1"}, obs.actions)

	fc.Advance(time.Hour)
	res, err = r.Reconcile(ctx, "owner-1", snapshot, nil)
	require.NoError(t, err)
	assert.Equal(t, Result{Unchanged: 1, Batches: 1}, *res)

	stored, err := db.ListBookings(ctx, "owner-1")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, fc.Now(), stored[0].LastSeenAt, "unchanged rows advance last_seen_at")

	res, err = r.Reconcile(ctx, "owner-1", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deleted)

	stored, err = db.ListBookings(ctx, "owner-1")
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestReconcileUpdatesChangedRows(t *testing.T) {
	db := setupStore(t)
	r := New(db, Options{TrustEmptyHarvest: true})
	ctx := context.Background()

	_, err := r.Reconcile(ctx, "owner-1", []models.ExternalRecord{recordA1()}, nil)
	require.NoError(t, err)

	changed := recordA1()
	changed.Status = "Cancelled"
	changed.Price = models.UnknownPrice()

	obs := &recordingObserver{}
	res, err := r.Reconcile(ctx, "owner-1", []models.ExternalRecord{changed}, obs)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, []string{"updated:A1"}, obs.actions)

	stored, err := db.ListBookings(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, "Cancelled", stored[0].Status)
	assert.False(t, stored[0].Price.Valid)
}

func TestReconcileIsIdempotent(t *testing.T) {
	db := setupStore(t)
	r := New(db, Options{BatchSize: 3, TrustEmptyHarvest: true})
	ctx := context.Background()

	var snapshot []models.ExternalRecord
	for i := 0; i < 10; i++ {
		rec := recordA1()
		rec.ExternalID = fmt.Sprintf("B%02d", i)
		rec.StartTime = rec.StartTime.Add(time.Duration(i) * 24 * time.Hour)
		snapshot = append(snapshot, rec)
	}

	first, err := r.Reconcile(ctx, "owner-1", snapshot, nil)
	require.NoError(t, err)
	assert.Equal(t, 10, first.Created)
	assert.Equal(t, 4, first.Batches, "10 creates in batches of 3")

	second, err := r.Reconcile(ctx, "owner-1", snapshot, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Created)
	assert.Equal(t, 0, second.Updated)
	assert.Equal(t, 0, second.Deleted)
	assert.Equal(t, 10, second.Unchanged)
	assert.Equal(t, 10, second.Synced())
}

func TestReconcileEmptyHarvestPolicy(t *testing.T) {
	ctx := context.Background()

	db := setupStore(t)
	r := New(db, Options{TrustEmptyHarvest: false})
	_, err := r.Reconcile(ctx, "owner-1", []models.ExternalRecord{recordA1()}, nil)
	require.NoError(t, err)

	res, err := r.Reconcile(ctx, "owner-1", nil, nil)
	require.NoError(t, err)
	assert.True(t, res.DeletionsSkipped)
	assert.Equal(t, 0, res.Deleted)
	n, err := db.CountBookings(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// a non-empty snapshot still deletes absent rows under the same policy
	other := recordA1()
	other.ExternalID = "A2"
	res, err = r.Reconcile(ctx, "owner-1", []models.ExternalRecord{other}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deleted)
	assert.Equal(t, 1, res.Created)
}

func TestReconcilePartialNeverDeletes(t *testing.T) {
	db := setupStore(t)
	r := New(db, Options{TrustEmptyHarvest: true})
	ctx := context.Background()

	_, err := r.Reconcile(ctx, "owner-1", []models.ExternalRecord{recordA1()}, nil)
	require.NoError(t, err)

	other := recordA1()
	other.ExternalID = "A2"
	res, err := r.ReconcilePartial(ctx, "owner-1", []models.ExternalRecord{other}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 0, res.Deleted)
	assert.True(t, res.DeletionsSkipped)

	n, err := db.CountBookings(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestReconcileOwnersArePartitioned(t *testing.T) {
	db := setupStore(t)
	r := New(db, Options{TrustEmptyHarvest: true})
	ctx := context.Background()

	_, err := r.Reconcile(ctx, "owner-1", []models.ExternalRecord{recordA1()}, nil)
	require.NoError(t, err)
	res, err := r.Reconcile(ctx, "owner-2", []models.ExternalRecord{recordA1()}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)

	_, err = r.Reconcile(ctx, "owner-2", nil, nil)
	require.NoError(t, err)
	n, err := db.CountBookings(ctx, "owner-1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestReconcileDuplicateIDsLastWins(t *testing.T) {
	db := setupStore(t)
	r := New(db, Options{TrustEmptyHarvest: true})

	first := recordA1()
	second := recordA1()
	second.Studio = "Studio B"

	res, err := r.Reconcile(context.Background(), "owner-1", []models.ExternalRecord{first, second}, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)

	stored, err := db.ListBookings(context.Background(), "owner-1")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "Studio B", stored[0].Studio)
}

type brokenStore struct {
	listErr, applyErr error
}

func (b brokenStore) ListBookings(context.Context, string) ([]models.LocalBooking, error) {
	return nil, b.listErr
}

func (b brokenStore) ApplyBookingBatch(context.Context, models.BookingBatch) error {
	return b.applyErr
}

func TestReconcileStoreErrorsArePersistenceErrors(t *testing.T) {
	ctx := context.Background()

	_, err := New(brokenStore{listErr: errors.New("disk I/O error")}, Options{}).Reconcile(ctx, "o", nil, nil)
	require.Error(t, err)
	assert.Equal(t, syncerr.PersistenceError, syncerr.Classify(err))

	_, err = New(brokenStore{applyErr: errors.New("disk I/O error")}, Options{}).Reconcile(ctx, "o", []models.ExternalRecord{recordA1()}, nil)
	require.Error(t, err)
	assert.Equal(t, syncerr.PersistenceError, syncerr.Classify(err))
}
