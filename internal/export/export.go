// Package export writes an owner's mirrored bookings and recent sync jobs to
// an xlsx workbook.
package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"calsync/internal/models"

	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"
)

const (
	bookingsSheet = "Bookings"
	historySheet  = "Sync history"
	historyLimit  = 50
)

type Store interface {
	ListBookings(ctx context.Context, ownerID string) ([]models.LocalBooking, error)
	ListBookingsBetween(ctx context.Context, ownerID string, from, to time.Time) ([]models.LocalBooking, error)
	ListSyncJobs(ctx context.Context, ownerID string, limit int) ([]models.SyncJob, error)
}

type Exporter struct {
	store  Store
	dir    string
	loc    *time.Location
	logger *zerolog.Logger
}

// New returns an exporter writing into dir. Times are shown in loc.
func New(store Store, dir string, loc *time.Location, logger *zerolog.Logger) *Exporter {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &Exporter{store: store, dir: dir, loc: loc, logger: logger}
}

// Range limits an export to bookings starting in [From, To). A zero Range
// exports everything.
type Range struct {
	From time.Time
	To   time.Time
}

func (r Range) IsZero() bool {
	return r.From.IsZero() && r.To.IsZero()
}

// Export writes the workbook and returns its path.
func (e *Exporter) Export(ctx context.Context, ownerID string, r Range) (string, error) {
	if err := os.MkdirAll(e.dir, 0o755); err != nil {
		return "", fmt.Errorf("error creating export directory: %w", err)
	}

	var (
		bookings []models.LocalBooking
		err      error
	)
	if r.IsZero() {
		bookings, err = e.store.ListBookings(ctx, ownerID)
	} else {
		bookings, err = e.store.ListBookingsBetween(ctx, ownerID, r.From, r.To)
	}
	if err != nil {
		return "", fmt.Errorf("error getting bookings: %w", err)
	}
	jobs, err := e.store.ListSyncJobs(ctx, ownerID, historyLimit)
	if err != nil {
		return "", fmt.Errorf("error getting sync jobs: %w", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(bookingsSheet)
	if err != nil {
		return "", fmt.Errorf("error creating sheet: %w", err)
	}
	f.SetActiveSheet(index)
	if _, err := f.NewSheet(historySheet); err != nil {
		return "", fmt.Errorf("error creating sheet: %w", err)
	}
	_ = f.DeleteSheet("Sheet1")

	header, err := f.NewStyle(&excelize.Style{
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		Font:      &excelize.Font{Bold: true},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	if err != nil {
		return "", fmt.Errorf("error creating style: %w", err)
	}

	if err := e.writeBookings(f, header, bookings); err != nil {
		return "", err
	}
	if err := e.writeHistory(f, header, jobs); err != nil {
		return "", err
	}

	fileName := fmt.Sprintf("bookings_%s_%s.xlsx", ownerID, time.Now().In(e.loc).Format("20060102_150405"))
	filePath := filepath.Join(e.dir, fileName)
	if err := f.SaveAs(filePath); err != nil {
		return "", fmt.Errorf("error saving file: %w", err)
	}

	e.logger.Info().Str("file_path", filePath).Str("owner_id", ownerID).Int("bookings", len(bookings)).Msg("Excel file created")
	return filePath, nil
}

func (e *Exporter) writeBookings(f *excelize.File, header int, bookings []models.LocalBooking) error {
	cols := []string{"Booking ID", "Name", "Start", "End", "Studio", "Location", "Status", "Price", "Details", "Last seen"}
	if err := writeHeader(f, bookingsSheet, header, cols); err != nil {
		return err
	}

	for i, b := range bookings {
		row := i + 2
		values := []any{
			b.ExternalID,
			b.Name,
			b.StartTime.In(e.loc).Format("2006-01-02 15:04"),
			b.EndTime.In(e.loc).Format("2006-01-02 15:04"),
			b.Studio,
			b.Location,
			b.Status,
			priceCell(b.Price),
			b.DetailURL,
			b.LastSeenAt.In(e.loc).Format("2006-01-02 15:04"),
		}
		cell, _ := excelize.CoordinatesToCellName(1, row)
		if err := f.SetSheetRow(bookingsSheet, cell, &values); err != nil {
			return fmt.Errorf("error writing booking row: %w", err)
		}
	}

	_ = f.SetColWidth(bookingsSheet, "A", "A", 18)
	_ = f.SetColWidth(bookingsSheet, "B", "B", 30)
	_ = f.SetColWidth(bookingsSheet, "C", "H", 18)
	_ = f.SetColWidth(bookingsSheet, "I", "I", 40)
	_ = f.SetColWidth(bookingsSheet, "J", "J", 18)
	return nil
}

func (e *Exporter) writeHistory(f *excelize.File, header int, jobs []models.SyncJob) error {
	cols := []string{"Job ID", "Status", "Progress", "Bookings synced", "Started", "Completed", "Manual", "Error"}
	if err := writeHeader(f, historySheet, header, cols); err != nil {
		return err
	}

	for i, j := range jobs {
		completed, errMsg := "", ""
		if j.CompletedAt != nil {
			completed = j.CompletedAt.In(e.loc).Format("2006-01-02 15:04:05")
		}
		if j.ErrorMessage != nil {
			errMsg = *j.ErrorMessage
		}
		values := []any{
			j.ID,
			string(j.Status),
			j.Progress,
			j.BookingsSynced,
			j.StartedAt.In(e.loc).Format("2006-01-02 15:04:05"),
			completed,
			j.TriggeredManually,
			errMsg,
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(historySheet, cell, &values); err != nil {
			return fmt.Errorf("error writing job row: %w", err)
		}
	}
	_ = f.SetColWidth(historySheet, "A", "A", 38)
	_ = f.SetColWidth(historySheet, "B", "G", 18)
	_ = f.SetColWidth(historySheet, "H", "H", 60)
	return nil
}

func writeHeader(f *excelize.File, sheet string, style int, cols []string) error {
	if err := f.SetSheetRow(sheet, "A1", &cols); err != nil {
		return fmt.Errorf("error writing header: %w", err)
	}
	last, _ := excelize.CoordinatesToCellName(len(cols), 1)
	return f.SetCellStyle(sheet, "A1", last, style)
}

// priceCell leaves unknown prices blank so they are not mistaken for free.
func priceCell(p models.Price) any {
	if !p.Valid {
		return ""
	}
	return float64(p.Cents) / 100
}
