// Package reconcile diffs a harvested snapshot against the stored bookings of
// one owner and applies the resulting writes in bounded batches.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"calsync/internal/clock"
	"calsync/internal/models"
	"calsync/internal/syncerr"

	"github.com/rs/zerolog"
)

type Store interface {
	ListBookings(ctx context.Context, ownerID string) ([]models.LocalBooking, error)
	ApplyBookingBatch(ctx context.Context, batch models.BookingBatch) error
}

// Observer receives creates, updates and deletes, typically a job logger.
type Observer interface {
	BookingProcessed(ctx context.Context, externalID, name, action string)
}

const (
	ActionCreated = "created"
	ActionUpdated = "updated"
	ActionDeleted = "deleted"
)

type Result struct {
	Created          int  `json:"created"`
	Updated          int  `json:"updated"`
	Unchanged        int  `json:"unchanged"`
	Deleted          int  `json:"deleted"`
	DeletionsSkipped bool `json:"deletions_skipped"`
	Batches          int  `json:"batches"`
}

// Synced is the number of bookings confirmed present by the harvest.
func (r Result) Synced() int {
	return r.Created + r.Updated + r.Unchanged
}

type Options struct {
	BatchSize int
	// TrustEmptyHarvest allows a complete but empty snapshot to delete every
	// stored booking of the owner.
	TrustEmptyHarvest bool
	Clock             clock.Clock
	Logger            *zerolog.Logger
}

type Reconciler struct {
	store      Store
	batchSize  int
	trustEmpty bool
	clock      clock.Clock
	logger     *zerolog.Logger
}

func New(store Store, opts Options) *Reconciler {
	if opts.BatchSize <= 0 {
		opts.BatchSize = models.DefaultBatchSize
	}
	if opts.Logger == nil {
		nop := zerolog.Nop()
		opts.Logger = &nop
	}
	return &Reconciler{
		store:      store,
		batchSize:  opts.BatchSize,
		trustEmpty: opts.TrustEmptyHarvest,
		clock:      clock.Or(opts.Clock),
		logger:     opts.Logger,
	}
}

// Reconcile makes the owner's stored bookings match records exactly.
func (r *Reconciler) Reconcile(ctx context.Context, ownerID string, records []models.ExternalRecord, obs Observer) (*Result, error) {
	return r.run(ctx, ownerID, records, true, obs)
}

// ReconcilePartial creates and updates from records but never deletes. It is
// used when the harvest stopped before seeing the whole listing.
func (r *Reconciler) ReconcilePartial(ctx context.Context, ownerID string, records []models.ExternalRecord, obs Observer) (*Result, error) {
	return r.run(ctx, ownerID, records, false, obs)
}

func (r *Reconciler) run(ctx context.Context, ownerID string, records []models.ExternalRecord, allowDelete bool, obs Observer) (*Result, error) {
	existing, err := r.store.ListBookings(ctx, ownerID)
	if err != nil {
		return nil, syncerr.New(syncerr.PersistenceError, "load bookings", err)
	}
	byID := make(map[string]models.LocalBooking, len(existing))
	for _, b := range existing {
		byID[b.ExternalID] = b
	}

	now := r.clock.Now().UTC()
	res := &Result{}
	p := newPlanner(ownerID, now, r.batchSize)

	// last occurrence of a duplicated id wins
	latest := make(map[string]int, len(records))
	for i, rec := range records {
		latest[rec.ExternalID] = i
	}

	for i, rec := range records {
		if latest[rec.ExternalID] != i {
			continue
		}
		local, ok := byID[rec.ExternalID]
		switch {
		case !ok:
			p.create(models.NewLocalBooking(ownerID, rec, now))
			res.Created++
			notify(ctx, obs, rec.ExternalID, rec.Name, ActionCreated)
		case ContentHash(local.Fields()) == ContentHash(rec.Fields()):
			p.touch(rec.ExternalID)
			res.Unchanged++
		default:
			local.ApplyRecord(rec, now)
			p.update(local)
			res.Updated++
			notify(ctx, obs, rec.ExternalID, rec.Name, ActionUpdated)
		}
	}

	var stale []models.LocalBooking
	for _, b := range existing {
		if _, seen := latest[b.ExternalID]; !seen {
			stale = append(stale, b)
		}
	}

	switch {
	case len(stale) == 0:
	case !allowDelete:
		res.DeletionsSkipped = true
		r.logger.Info().Str("owner_id", ownerID).Int("absent", len(stale)).Msg("Partial harvest, keeping bookings absent from snapshot")
	case len(records) == 0 && !r.trustEmpty:
		res.DeletionsSkipped = true
		r.logger.Warn().Str("owner_id", ownerID).Int("stored", len(stale)).Msg("Empty harvest not trusted, keeping stored bookings")
	default:
		if len(records) == 0 {
			r.logger.Warn().Str("owner_id", ownerID).Int("stored", len(stale)).Msg("Empty harvest deletes every stored booking")
		}
		for _, b := range stale {
			p.remove(b.ExternalID)
			res.Deleted++
			notify(ctx, obs, b.ExternalID, b.Name, ActionDeleted)
		}
	}

	for _, batch := range p.batches() {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if err := r.store.ApplyBookingBatch(ctx, batch); err != nil {
			return res, syncerr.New(syncerr.PersistenceError, fmt.Sprintf("apply batch %d", res.Batches+1), err)
		}
		res.Batches++
	}

	r.logger.Info().
		Str("owner_id", ownerID).
		Int("created", res.Created).
		Int("updated", res.Updated).
		Int("unchanged", res.Unchanged).
		Int("deleted", res.Deleted).
		Int("batches", res.Batches).
		Msg("Reconciliation finished")
	return res, nil
}

func notify(ctx context.Context, obs Observer, id, name, action string) {
	if obs != nil {
		obs.BookingProcessed(ctx, id, name, action)
	}
}

// planner packs writes into batches of at most size operations.
type planner struct {
	ownerID string
	seenAt  time.Time
	size    int
	done    []models.BookingBatch
	cur     models.BookingBatch
}

func newPlanner(ownerID string, seenAt time.Time, size int) *planner {
	p := &planner{ownerID: ownerID, seenAt: seenAt, size: size}
	p.cur = p.fresh()
	return p
}

func (p *planner) fresh() models.BookingBatch {
	return models.BookingBatch{OwnerID: p.ownerID, SeenAt: p.seenAt}
}

func (p *planner) flushIfFull() {
	if p.cur.Len() >= p.size {
		p.done = append(p.done, p.cur)
		p.cur = p.fresh()
	}
}

func (p *planner) create(b models.LocalBooking) {
	p.cur.Creates = append(p.cur.Creates, b)
	p.flushIfFull()
}

func (p *planner) update(b models.LocalBooking) {
	p.cur.Updates = append(p.cur.Updates, b)
	p.flushIfFull()
}

func (p *planner) touch(id string) {
	p.cur.Touches = append(p.cur.Touches, id)
	p.flushIfFull()
}

func (p *planner) remove(id string) {
	p.cur.Deletes = append(p.cur.Deletes, id)
	p.flushIfFull()
}

func (p *planner) batches() []models.BookingBatch {
	if p.cur.Len() > 0 {
		p.done = append(p.done, p.cur)
		p.cur = p.fresh()
	}
	return p.done
}
