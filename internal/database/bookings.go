package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"calsync/internal/models"
)

const bookingColumns = `owner_id, external_id, name, start_time, end_time, studio, location,
                 status, price_cents, detail_url, last_seen_at, created_at, updated_at`

// ListBookings returns every stored booking of an owner ordered by start time.
func (db *DB) ListBookings(ctx context.Context, ownerID string) ([]models.LocalBooking, error) {
	query := `SELECT ` + bookingColumns + `
              FROM bookings WHERE owner_id = ? ORDER BY start_time ASC, external_id ASC`
	rows, err := db.QueryContext(ctx, query, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list bookings: %w", err)
	}
	defer rows.Close()
	return scanBookings(rows)
}

// ListBookingsBetween returns bookings of an owner starting in [from, to).
func (db *DB) ListBookingsBetween(ctx context.Context, ownerID string, from, to time.Time) ([]models.LocalBooking, error) {
	query := `SELECT ` + bookingColumns + `
              FROM bookings WHERE owner_id = ? AND start_time >= ? AND start_time < ?
              ORDER BY start_time ASC, external_id ASC`
	rows, err := db.QueryContext(ctx, query, ownerID, formatTime(from), formatTime(to))
	if err != nil {
		return nil, fmt.Errorf("failed to list bookings by range: %w", err)
	}
	defer rows.Close()
	return scanBookings(rows)
}

func (db *DB) CountBookings(ctx context.Context, ownerID string) (int, error) {
	var count int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM bookings WHERE owner_id = ?`, ownerID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count bookings: %w", err)
	}
	return count, nil
}

func scanBookings(rows *sql.Rows) ([]models.LocalBooking, error) {
	var bookings []models.LocalBooking
	for rows.Next() {
		var (
			b                                  models.LocalBooking
			start, end, lastSeen, created, upd string
			price                              sql.NullInt64
		)
		err := rows.Scan(
			&b.OwnerID, &b.ExternalID, &b.Name, &start, &end, &b.Studio, &b.Location,
			&b.Status, &price, &b.DetailURL, &lastSeen, &created, &upd,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan booking: %w", err)
		}
		if price.Valid {
			b.Price = models.PriceFromCents(price.Int64)
		}
		for _, f := range []struct {
			dst *time.Time
			src string
		}{{&b.StartTime, start}, {&b.EndTime, end}, {&b.LastSeenAt, lastSeen}, {&b.CreatedAt, created}, {&b.UpdatedAt, upd}} {
			if *f.dst, err = parseTime(f.src); err != nil {
				return nil, err
			}
		}
		bookings = append(bookings, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate bookings: %w", err)
	}
	return bookings, nil
}

func nullPrice(p models.Price) sql.NullInt64 {
	return sql.NullInt64{Int64: p.Cents, Valid: p.Valid}
}

// ApplyBookingBatch writes one reconciliation batch in a single transaction.
func (db *DB) ApplyBookingBatch(ctx context.Context, batch models.BookingBatch) error {
	if batch.Len() == 0 {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer rollback(tx)

	seen := formatTime(batch.SeenAt)

	if len(batch.Creates) > 0 {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO bookings (`+bookingColumns+`)
              VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return fmt.Errorf("failed to prepare booking insert: %w", err)
		}
		defer stmt.Close()
		for _, b := range batch.Creates {
			_, err := stmt.ExecContext(ctx,
				batch.OwnerID, b.ExternalID, b.Name, formatTime(b.StartTime), formatTime(b.EndTime),
				b.Studio, b.Location, b.Status, nullPrice(b.Price), b.DetailURL,
				seen, formatTime(b.CreatedAt), seen,
			)
			if err != nil {
				return fmt.Errorf("failed to insert booking %s: %w", b.ExternalID, err)
			}
		}
	}

	if len(batch.Updates) > 0 {
		stmt, err := tx.PrepareContext(ctx, `UPDATE bookings SET
                name = ?, start_time = ?, end_time = ?, studio = ?, location = ?,
                status = ?, price_cents = ?, detail_url = ?, last_seen_at = ?, updated_at = ?
              WHERE owner_id = ? AND external_id = ?`)
		if err != nil {
			return fmt.Errorf("failed to prepare booking update: %w", err)
		}
		defer stmt.Close()
		for _, b := range batch.Updates {
			_, err := stmt.ExecContext(ctx,
				b.Name, formatTime(b.StartTime), formatTime(b.EndTime), b.Studio, b.Location,
				b.Status, nullPrice(b.Price), b.DetailURL, seen, seen,
				batch.OwnerID, b.ExternalID,
			)
			if err != nil {
				return fmt.Errorf("failed to update booking %s: %w", b.ExternalID, err)
			}
		}
	}

	if len(batch.Touches) > 0 {
		stmt, err := tx.PrepareContext(ctx, `UPDATE bookings SET last_seen_at = ? WHERE owner_id = ? AND external_id = ?`)
		if err != nil {
			return fmt.Errorf("failed to prepare booking touch: %w", err)
		}
		defer stmt.Close()
		for _, id := range batch.Touches {
			if _, err := stmt.ExecContext(ctx, seen, batch.OwnerID, id); err != nil {
				return fmt.Errorf("failed to touch booking %s: %w", id, err)
			}
		}
	}

	if len(batch.Deletes) > 0 {
		stmt, err := tx.PrepareContext(ctx, `DELETE FROM bookings WHERE owner_id = ? AND external_id = ?`)
		if err != nil {
			return fmt.Errorf("failed to prepare booking delete: %w", err)
		}
		defer stmt.Close()
		for _, id := range batch.Deletes {
			if _, err := stmt.ExecContext(ctx, batch.OwnerID, id); err != nil {
				return fmt.Errorf("failed to delete booking %s: %w", id, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit booking batch: %w", err)
	}
	return nil
}
