package harvester

import (
	"context"
	"fmt"
	"strings"
	"time"

	"calsync/internal/locator"
	"calsync/internal/models"
	"calsync/internal/parser"
	"calsync/internal/syncerr"
)

type StopReason string

const (
	StopIdle      StopReason = "idle_passes"
	StopNoMore    StopReason = "no_more_pages"
	StopLimit     StopReason = "limit"
	StopMaxPasses StopReason = "max_passes"
	StopFailed    StopReason = "page_error"
)

// Snapshot is the outcome of one traversal of the listing. Complete is false
// when the traversal was cut short by a limit, the pass ceiling or a page
// error after rows were collected, in which case absence from Records proves
// nothing. Interrupted holds that page error.
type Snapshot struct {
	Records     []models.ExternalRecord
	Passes      int
	Skipped     int
	SkipReasons map[parser.SkipReason]int
	Warnings    int
	StopReason  StopReason
	Complete    bool
	Interrupted error
}

// Harvest walks the listing and collects every row. A positive limit stops
// the traversal once that many distinct records were collected.
func (h *Harvester) Harvest(ctx context.Context, limit int) (*Snapshot, error) {
	if err := h.transition(Authenticated, Harvesting); err != nil {
		return nil, err
	}
	start := h.opts.Clock.Now()
	rec := h.opts.Recorder

	if err := h.openListing(ctx); err != nil {
		return nil, h.fail(err)
	}
	table, err := h.site.Table.WaitVisible(ctx, h.page)
	if err != nil {
		return nil, h.fail(err)
	}
	rec.Event(ctx, "table_found", "", table.String(), nil)

	snap := &Snapshot{SkipReasons: make(map[parser.SkipReason]int)}
	seen := make(map[string]struct{})
	skippedRows := make(map[string]struct{})
	rowSel := table.Selector + " tbody tr"
	idle := 0

	for {
		snap.Passes++
		rows, err := h.rows(ctx, rowSel)
		if err != nil {
			if !h.keepPartial(ctx, snap, err) {
				return nil, h.fail(err)
			}
			break
		}
		if len(rows) == 0 && snap.Passes == 1 {
			rowSel, rows = h.alternativeRows(ctx, table.Selector, rowSel)
		}

		added := 0
		for _, raw := range rows {
			res := h.parser.ParseRow(raw)
			if res.Skipped() {
				if _, dup := skippedRows[raw]; !dup {
					skippedRows[raw] = struct{}{}
					snap.Skipped++
					snap.SkipReasons[res.Skip]++
					rec.Warn(ctx, "Skipped row", map[string]any{"reason": string(res.Skip), "warnings": res.Warnings})
				}
				continue
			}
			id := res.Record.ExternalID
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			if len(res.Warnings) > 0 {
				snap.Warnings += len(res.Warnings)
				rec.Warn(ctx, "Row parsed with warnings", map[string]any{"external_id": id, "warnings": res.Warnings})
			}
			snap.Records = append(snap.Records, *res.Record)
			added++
			if limit > 0 && len(snap.Records) >= limit {
				break
			}
		}

		if h.opts.Progress != nil {
			h.opts.Progress(ctx, snap.Passes, len(snap.Records))
		}
		rec.Debug(ctx, "Harvest pass finished", map[string]any{
			"pass":  snap.Passes,
			"rows":  len(rows),
			"added": added,
			"total": len(snap.Records),
		})

		if added == 0 {
			idle++
		} else {
			idle = 0
		}

		switch {
		case limit > 0 && len(snap.Records) >= limit:
			snap.StopReason = StopLimit
		case idle >= h.opts.MaxIdlePasses:
			snap.StopReason, snap.Complete = StopIdle, true
		case snap.Passes >= h.opts.MaxPasses:
			snap.StopReason = StopMaxPasses
			rec.Warn(ctx, "Harvest pass ceiling reached", map[string]any{"max_passes": h.opts.MaxPasses})
		}
		if snap.StopReason != "" {
			break
		}

		more, err := h.advance(ctx)
		if err != nil {
			if !h.keepPartial(ctx, snap, err) {
				return nil, h.fail(err)
			}
			break
		}
		if !more {
			snap.StopReason, snap.Complete = StopNoMore, true
			break
		}
		if err := h.waitForContent(ctx, rowSel, len(rows)); err != nil {
			if !h.keepPartial(ctx, snap, err) {
				return nil, h.fail(err)
			}
			break
		}
	}

	rec.Info(ctx, "Harvest finished", map[string]any{
		"records":     len(snap.Records),
		"passes":      snap.Passes,
		"skipped":     snap.Skipped,
		"stop_reason": string(snap.StopReason),
		"complete":    snap.Complete,
	})
	rec.Timing(ctx, "Harvest", h.opts.Clock.Now().Sub(start))
	h.set(Completed)
	return snap, nil
}

// keepPartial ends the traversal early but keeps what was collected. It
// refuses when nothing was collected yet or ctx is done, and the error then
// fails the harvest.
func (h *Harvester) keepPartial(ctx context.Context, snap *Snapshot, err error) bool {
	if len(snap.Records) == 0 || ctx.Err() != nil {
		return false
	}
	snap.StopReason, snap.Complete, snap.Interrupted = StopFailed, false, err
	h.opts.Recorder.Warn(ctx, "Harvest interrupted, keeping collected rows", map[string]any{
		"error":   err.Error(),
		"records": len(snap.Records),
		"pass":    snap.Passes,
	})
	return true
}

// openListing reaches the bookings listing, preferring the in-app link over
// loading the URL directly.
func (h *Harvester) openListing(ctx context.Context) error {
	url, err := h.page.URL(ctx)
	if err == nil && strings.Contains(url, h.site.ListingMarker) {
		return nil
	}
	rule, err := h.site.MyRentals.Click(ctx, h.page)
	if err == nil {
		h.opts.Recorder.Event(ctx, "click", "", rule.String(), map[string]any{"element": "my-rentals"})
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	h.opts.Recorder.Warn(ctx, "My Rentals link not found, opening listing directly", map[string]any{"error": err.Error()})
	return h.navigate(ctx, h.opts.ListingURL)
}

func (h *Harvester) rows(ctx context.Context, selector string) ([]string, error) {
	rowCtx, cancel := context.WithTimeout(ctx, h.opts.ElementTimeout)
	defer cancel()
	rows, err := h.page.RowsHTML(rowCtx, selector)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, syncerr.New(syncerr.BrowserError, "read rows "+selector, err)
	}
	return rows, nil
}

func (h *Harvester) alternativeRows(ctx context.Context, tableSel, current string) (string, []string) {
	for _, pattern := range h.site.RowSelectors {
		sel := pattern
		if strings.Contains(pattern, "%s") {
			sel = fmt.Sprintf(pattern, tableSel)
		}
		if sel == current {
			continue
		}
		rows, err := h.rows(ctx, sel)
		if err == nil && len(rows) > 0 {
			h.opts.Recorder.Info(ctx, "Using alternative row selector", map[string]any{"selector": sel, "rows": len(rows)})
			return sel, rows
		}
	}
	return current, nil
}

// advance requests more content. It reports false when the listing has no
// further pages.
func (h *Harvester) advance(ctx context.Context) (bool, error) {
	if h.opts.Mode != ModePaginate {
		scrollCtx, cancel := context.WithTimeout(ctx, h.opts.ElementTimeout)
		defer cancel()
		if err := h.page.ScrollToBottom(scrollCtx); err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			return false, syncerr.New(syncerr.BrowserError, "scroll", err)
		}
		return true, nil
	}

	for _, rule := range h.site.NextPage.Rules {
		present, err := h.probe(ctx, func(c context.Context) (bool, error) { return h.page.Exists(c, rule) })
		if err != nil || !present {
			continue
		}
		disabled, err := h.probe(ctx, func(c context.Context) (bool, error) { return h.page.Disabled(c, rule) })
		if err != nil {
			continue
		}
		if disabled {
			h.opts.Recorder.Debug(ctx, "Next page control disabled", map[string]any{"selector": rule.String()})
			return false, nil
		}
		if _, err := locator.New(h.site.NextPage.Name, h.opts.ElementTimeout, rule).Click(ctx, h.page); err != nil {
			return false, err
		}
		h.opts.Recorder.Event(ctx, "click", "", rule.String(), map[string]any{"element": "next-page"})
		return true, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return false, nil
}

func (h *Harvester) probe(ctx context.Context, fn func(context.Context) (bool, error)) (bool, error) {
	probeCtx, cancel := context.WithTimeout(ctx, h.probeTimeout(h.site.NextPage))
	defer cancel()
	return fn(probeCtx)
}

// waitForContent waits for a visible loading indicator to go away, else for
// the row count to grow past before, else for SettleDelay.
func (h *Harvester) waitForContent(ctx context.Context, rowSel string, before int) error {
	for _, rule := range h.site.Spinner.Rules {
		visible, err := h.probeSpinner(ctx, rule)
		if err != nil || !visible {
			continue
		}
		spinner := locator.New(h.site.Spinner.Name, h.opts.PollTimeout, rule)
		if _, err := spinner.WaitHidden(ctx, h.page); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		break
	}

	pollCtx, cancel := context.WithTimeout(ctx, h.opts.PollTimeout)
	defer cancel()
	for {
		n, err := h.page.Count(pollCtx, rowSel)
		if err == nil && n > before {
			return nil
		}
		if err := sleep(pollCtx, h.opts.PollInterval); err != nil {
			break
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return sleep(ctx, h.opts.SettleDelay)
}

func (h *Harvester) probeSpinner(ctx context.Context, rule locator.Rule) (bool, error) {
	probeCtx, cancel := context.WithTimeout(ctx, h.probeTimeout(h.site.Spinner))
	defer cancel()
	return h.page.Exists(probeCtx, rule)
}

func (h *Harvester) probeTimeout(s locator.Strategy) time.Duration {
	if s.Timeout > 0 {
		return s.Timeout
	}
	return h.opts.ElementTimeout
}
