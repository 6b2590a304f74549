// Package parser turns rendered listing rows into ExternalRecords.
package parser

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"calsync/internal/clock"
	"calsync/internal/models"

	"github.com/PuerkitoBio/goquery"
)

// Columns are zero-based cell indexes of each field in a listing row.
type Columns struct {
	Link     int
	Start    int
	End      int
	Studio   int
	Price    int
	Status   int
	Location int
}

type Layout struct {
	Columns  Columns
	MinCells int
	BaseURL  string
}

// DefaultLayout matches the "My Rentals" table: a selection cell followed by
// name, start, end, studio, price, status and location.
func DefaultLayout(baseURL string) Layout {
	return Layout{
		Columns: Columns{
			Link:     1,
			Start:    2,
			End:      3,
			Studio:   4,
			Price:    5,
			Status:   6,
			Location: 7,
		},
		MinCells: 8,
		BaseURL:  baseURL,
	}
}

type SkipReason string

const (
	NotSkipped      SkipReason = ""
	SkipTooFewCells SkipReason = "too_few_cells"
	SkipMissingName SkipReason = "missing_name"
	SkipMalformed   SkipReason = "malformed_row"
)

// Result is either a parsed record or the reason the row was skipped.
// Warnings describe recoverable problems such as an unparseable date.
type Result struct {
	Record   *models.ExternalRecord
	Skip     SkipReason
	Warnings []string
}

func (r Result) Skipped() bool {
	return r.Record == nil
}

func skip(reason SkipReason, warnings ...string) Result {
	return Result{Skip: reason, Warnings: warnings}
}

// DateLayouts are tried in order for start and end cells.
var DateLayouts = []string{
	"1/2/2006 3:04 PM",
	"Jan 2, 2006 3:04 PM",
	"1/2/2006 15:04",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
}

var (
	primaryID   = regexp.MustCompile(`Id=([a-zA-Z0-9]+)`)
	secondaryID = regexp.MustCompile(`/([a-zA-Z0-9]{15,18})/`)
	nonSlug     = regexp.MustCompile(`[^a-z0-9]+`)
)

type Parser struct {
	layout Layout
	loc    *time.Location
	clock  clock.Clock
}

// New returns a parser interpreting wall-clock times in loc.
func New(layout Layout, loc *time.Location, c clock.Clock) *Parser {
	if loc == nil {
		loc = time.UTC
	}
	if layout.MinCells == 0 {
		layout.MinCells = maxColumn(layout.Columns) + 1
	}
	return &Parser{layout: layout, loc: loc, clock: clock.Or(c)}
}

func maxColumn(c Columns) int {
	m := c.Link
	for _, v := range []int{c.Start, c.End, c.Studio, c.Price, c.Status, c.Location} {
		if v > m {
			m = v
		}
	}
	return m
}

// ParseRow parses the outer HTML of a single <tr>.
func (p *Parser) ParseRow(rowHTML string) Result {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader("<table><tbody>" + rowHTML + "</tbody></table>"))
	if err != nil {
		return skip(SkipMalformed, err.Error())
	}
	row := doc.Find("tr").First()
	if row.Length() == 0 {
		return skip(SkipMalformed, "no table row in fragment")
	}
	return p.ParseSelection(row)
}

// ParseSelection parses an already selected <tr>.
func (p *Parser) ParseSelection(row *goquery.Selection) Result {
	cells := row.Find("th, td")
	if cells.Length() < p.layout.MinCells {
		return skip(SkipTooFewCells, fmt.Sprintf("row has %d cells, need %d", cells.Length(), p.layout.MinCells))
	}

	col := p.layout.Columns
	cell := func(i int) string {
		return cleanText(cells.Eq(i).Text())
	}

	linkCell := cells.Eq(col.Link)
	name := cleanText(linkCell.Find("a").First().Text())
	if name == "" {
		name = cleanText(linkCell.Text())
	}
	if name == "" {
		return skip(SkipMissingName)
	}
	href, _ := linkCell.Find("a").First().Attr("href")

	var warnings []string
	rec := &models.ExternalRecord{
		ExternalID: ExtractID(href, name, cell(col.Start), cell(col.End)),
		Name:       name,
		Studio:     cell(col.Studio),
		Location:   cell(col.Location),
		Status:     cell(col.Status),
		Price:      ParsePrice(cell(col.Price)),
		DetailURL:  p.resolveURL(href),
	}

	var ok bool
	if rec.StartTime, ok = p.ParseTime(cell(col.Start)); !ok {
		warnings = append(warnings, fmt.Sprintf("unparseable start time %q", cell(col.Start)))
	}
	if rec.EndTime, ok = p.ParseTime(cell(col.End)); !ok {
		warnings = append(warnings, fmt.Sprintf("unparseable end time %q", cell(col.End)))
	}
	if raw := cell(col.Price); raw != "" && !rec.Price.Valid {
		warnings = append(warnings, fmt.Sprintf("unparseable price %q", raw))
	}

	return Result{Record: rec, Warnings: warnings}
}

// ParseTime tries every known layout in the parser's location. When all of
// them fail it returns the current time and false.
func (p *Parser) ParseTime(s string) (time.Time, bool) {
	s = strings.Join(strings.Fields(s), " ")
	if s != "" {
		for _, layout := range DateLayouts {
			if t, err := time.ParseInLocation(layout, s, p.loc); err == nil {
				return t, true
			}
		}
	}
	return p.clock.Now().In(p.loc).Truncate(time.Second), false
}

// ExtractID pulls the record id out of a detail link. Rows without a usable
// link get a synthetic id derived from the display name, suffixed with a short
// hash of the extra cell texts so that same-named rows stay apart.
func ExtractID(href, name string, extra ...string) string {
	if m := primaryID.FindStringSubmatch(href); m != nil {
		return m[1]
	}
	if m := secondaryID.FindStringSubmatch(href); m != nil {
		return m[1]
	}
	id := "unknown_" + slug(name)
	if strings.TrimSpace(strings.Join(extra, "")) == "" {
		return id
	}
	sum := sha256.Sum256([]byte(strings.Join(extra, "\x1f")))
	return id + "_" + hex.EncodeToString(sum[:4])
}

func slug(s string) string {
	s = nonSlug.ReplaceAllString(strings.ToLower(s), "_")
	return strings.Trim(s, "_")
}

// ParsePrice strips currency symbols and separators. "free" is zero; empty or
// non-numeric text is an unknown price.
func ParsePrice(s string) models.Price {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "free" {
		return models.PriceFromCents(0)
	}
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= '0' && r <= '9', r == '.', r == '-':
			return r
		default:
			return -1
		}
	}, s)
	if !strings.ContainsAny(s, "0123456789") {
		return models.UnknownPrice()
	}
	p, err := models.ParseAmount(s)
	if err != nil {
		return models.UnknownPrice()
	}
	return p
}

func (p *Parser) resolveURL(href string) string {
	href = strings.TrimSpace(href)
	if href == "" || p.layout.BaseURL == "" {
		return href
	}
	base, err := url.Parse(p.layout.BaseURL)
	if err != nil {
		return href
	}
	ref, err := url.Parse(href)
	if err != nil {
		return href
	}
	return base.ResolveReference(ref).String()
}

func cleanText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
