package harvester

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"calsync/internal/locator"
	"calsync/internal/models"
	"calsync/internal/parser"
	"calsync/internal/syncerr"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	loginURL   = "https://example.test/s/login"
	listingURL = "https://example.test/s/booking-item"
	homeURL    = "https://example.test/s/"

	usernameSel = `input[type="text"][placeholder="Username"]`
	passwordSel = `input[type="password"][placeholder="Password"]`
	submitSel   = "button.loginButton"
	tableSel    = "table.forceRecordLayout"
	nextSel     = `button[title="Next Page"]`
	spinnerSel  = ".slds-spinner_container"
)

var (
	myRentalsKey = locator.WithText("a", "My Rentals").String()
	loginErrKey  = locator.WithText("div", "Invalid username or password").String()
)

// fakePage is an in-memory DOM keyed by locator.Rule.String().
type fakePage struct {
	url         string
	visible     map[string]bool
	texts       map[string][]string
	disabled    map[string]bool
	onClick     map[string]func(p *fakePage)
	onHidden    map[string]func(p *fakePage)
	filled      map[string]string
	navigations []string
	navHang     bool
	urlHang     bool

	rowSelector string
	rows        []string
	shown       int
	step        int
	onScroll    func(p *fakePage)
	scrollErr   error
	countCalls  int
}

func newFakePage() *fakePage {
	p := &fakePage{
		visible:     map[string]bool{},
		texts:       map[string][]string{},
		disabled:    map[string]bool{},
		onClick:     map[string]func(p *fakePage){},
		onHidden:    map[string]func(p *fakePage){},
		filled:      map[string]string{},
		rowSelector: tableSel + " tbody tr",
		step:        3,
	}
	for _, key := range []string{usernameSel, passwordSel, submitSel, tableSel} {
		p.visible[key] = true
	}
	p.visible[myRentalsKey] = true
	p.onClick[myRentalsKey] = func(p *fakePage) { p.url = listingURL }
	return p
}

func (p *fakePage) Navigate(ctx context.Context, url string) error {
	p.navigations = append(p.navigations, url)
	if p.navHang {
		<-ctx.Done()
		return ctx.Err()
	}
	p.url = url
	return nil
}

func (p *fakePage) URL(ctx context.Context) (string, error) {
	if p.urlHang {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return p.url, nil
}

func (p *fakePage) Click(_ context.Context, r locator.Rule) error {
	if !p.visible[r.String()] {
		return fmt.Errorf("no element %s", r)
	}
	if fn := p.onClick[r.String()]; fn != nil {
		fn(p)
	}
	return nil
}

func (p *fakePage) Fill(_ context.Context, r locator.Rule, value string) error {
	if !p.visible[r.String()] {
		return fmt.Errorf("no element %s", r)
	}
	p.filled[r.String()] = value
	return nil
}

func (p *fakePage) WaitVisible(_ context.Context, r locator.Rule) error {
	if !p.visible[r.String()] {
		return fmt.Errorf("no element %s", r)
	}
	return nil
}

func (p *fakePage) WaitHidden(ctx context.Context, r locator.Rule) error {
	if !p.visible[r.String()] {
		return nil
	}
	if fn := p.onHidden[r.String()]; fn != nil {
		fn(p)
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

func (p *fakePage) Exists(_ context.Context, r locator.Rule) (bool, error) {
	return p.visible[r.String()], nil
}

func (p *fakePage) Count(_ context.Context, selector string) (int, error) {
	p.countCalls++
	if selector != p.rowSelector {
		return 0, nil
	}
	return p.shown, nil
}

func (p *fakePage) Texts(_ context.Context, r locator.Rule) ([]string, error) {
	if !p.visible[r.String()] {
		return nil, nil
	}
	return p.texts[r.String()], nil
}

func (p *fakePage) RowsHTML(_ context.Context, selector string) ([]string, error) {
	if selector != p.rowSelector {
		return nil, nil
	}
	return p.rows[:p.shown], nil
}

func (p *fakePage) Disabled(_ context.Context, r locator.Rule) (bool, error) {
	return p.disabled[r.String()], nil
}

func (p *fakePage) ScrollToBottom(context.Context) error {
	if p.scrollErr != nil {
		return p.scrollErr
	}
	if p.onScroll != nil {
		p.onScroll(p)
		return nil
	}
	p.shown = min(p.shown+p.step, len(p.rows))
	return nil
}

func (p *fakePage) Close() error { return nil }

func row(id, name string) string {
	return fmt.Sprintf(`<tr><td><input type="checkbox"></td>`+
		`<td><a href="/s/detail?Id=%s">%s</a></td>`+
		`<td>1/15/2024 10:00 AM</td><td>1/15/2024 12:00 PM</td>`+
		`<td>Studio A</td><td>$50.00</td><td>Confirmed</td><td>Loc1</td></tr>`, id, name)
}

func rows(n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = row(fmt.Sprintf("R%03d", i+1), fmt.Sprintf("Rental %d", i+1))
	}
	return out
}

func testOptions() Options {
	return Options{
		LoginURL:          loginURL,
		ListingURL:        listingURL,
		MaxPasses:         50,
		MaxIdlePasses:     2,
		NavigationTimeout: 50 * time.Millisecond,
		ElementTimeout:    50 * time.Millisecond,
		LoginTimeout:      100 * time.Millisecond,
		PollTimeout:       20 * time.Millisecond,
		PollInterval:      2 * time.Millisecond,
	}
}

func newHarvester(p Page, opts Options) *Harvester {
	prs := parser.New(parser.DefaultLayout("https://example.test"), time.UTC, nil)
	return New(p, prs, DefaultSite(20*time.Millisecond), opts)
}

var creds = models.Credentials{Email: "dancer@example.com", Password: "s3cret"}

func loggedIn(t *testing.T, p *fakePage, opts Options) *Harvester {
	t.Helper()
	p.onClick[submitSel] = func(p *fakePage) { p.url = homeURL }
	h := newHarvester(p, opts)
	require.NoError(t, h.Authenticate(context.Background(), creds))
	return h
}

func TestAuthenticateLeavesLoginPage(t *testing.T) {
	p := newFakePage()
	h := loggedIn(t, p, testOptions())

	assert.Equal(t, Authenticated, h.State())
	assert.Equal(t, []string{loginURL}, p.navigations)
	assert.Equal(t, "dancer@example.com", p.filled[usernameSel])
	assert.Equal(t, "s3cret", p.filled[passwordSel])
}

func TestAuthenticateFormDisappears(t *testing.T) {
	p := newFakePage()
	p.visible[myRentalsKey] = false
	p.onClick[submitSel] = func(p *fakePage) { p.visible[passwordSel] = false }
	h := newHarvester(p, testOptions())

	require.NoError(t, h.Authenticate(context.Background(), creds))
	assert.Equal(t, Authenticated, h.State())
}

func TestAuthenticateFailures(t *testing.T) {
	tests := []struct {
		name  string
		setup func(p *fakePage)
		want  syncerr.Kind
	}{
		{
			name: "error message on login page",
			setup: func(p *fakePage) {
				p.onClick[submitSel] = func(p *fakePage) {
					p.visible[loginErrKey] = true
					p.texts[loginErrKey] = []string{"Invalid username or password."}
				}
			},
			want: syncerr.InvalidCredentials,
		},
		{
			name:  "login page persists",
			setup: func(p *fakePage) {},
			want:  syncerr.LoginStuck,
		},
		{
			name:  "page never answers",
			setup: func(p *fakePage) { p.onClick[submitSel] = func(p *fakePage) { p.urlHang = true } },
			want:  syncerr.LoginTimeout,
		},
		{
			name:  "login page never loads",
			setup: func(p *fakePage) { p.navHang = true },
			want:  syncerr.NavigationTimeout,
		},
		{
			name:  "no submit button",
			setup: func(p *fakePage) { p.visible[submitSel] = false },
			want:  syncerr.ElementNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newFakePage()
			p.url = loginURL
			p.visible[myRentalsKey] = false
			tt.setup(p)
			h := newHarvester(p, testOptions())

			err := h.Authenticate(context.Background(), creds)
			require.Error(t, err)
			assert.Equal(t, tt.want, syncerr.Classify(err))
			assert.Equal(t, Failed, h.State())
		})
	}
}

func TestHarvestRequiresLogin(t *testing.T) {
	h := newHarvester(newFakePage(), testOptions())
	_, err := h.Harvest(context.Background(), 0)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestHarvestInfiniteScroll(t *testing.T) {
	p := newFakePage()
	p.rows = rows(7)
	p.shown = 3
	opts := testOptions()
	var passes []int
	opts.Progress = func(_ context.Context, pass, _ int) { passes = append(passes, pass) }
	h := loggedIn(t, p, opts)

	snap, err := h.Harvest(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, snap.Records, 7)
	assert.Equal(t, "R001", snap.Records[0].ExternalID)
	assert.Equal(t, "R007", snap.Records[6].ExternalID)
	assert.True(t, snap.Complete)
	assert.Equal(t, StopIdle, snap.StopReason)
	// 3 passes with new rows, then MaxIdlePasses empty ones
	assert.Equal(t, 5, snap.Passes)
	assert.Equal(t, []int{1, 2, 3, 4, 5}, passes)
	assert.Equal(t, Completed, h.State())
	assert.Equal(t, []string{loginURL}, p.navigations, "listing reached through My Rentals")
}

func TestHarvestLimit(t *testing.T) {
	p := newFakePage()
	p.rows = rows(7)
	p.shown = 3
	h := loggedIn(t, p, testOptions())

	snap, err := h.Harvest(context.Background(), 4)
	require.NoError(t, err)
	assert.Len(t, snap.Records, 4)
	assert.Equal(t, StopLimit, snap.StopReason)
	assert.False(t, snap.Complete)
}

func TestHarvestKeepsRowsAfterPageError(t *testing.T) {
	p := newFakePage()
	p.rows = rows(7)
	p.shown = 3
	p.scrollErr = errors.New("target closed")
	h := loggedIn(t, p, testOptions())

	snap, err := h.Harvest(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, snap.Records, 3)
	assert.Equal(t, StopFailed, snap.StopReason)
	assert.False(t, snap.Complete)
	require.Error(t, snap.Interrupted)
	assert.Equal(t, syncerr.BrowserError, syncerr.KindOf(snap.Interrupted))
	assert.Equal(t, Completed, h.State())
}

func TestHarvestPageErrorBeforeAnyRow(t *testing.T) {
	p := newFakePage()
	p.scrollErr = errors.New("target closed")
	h := loggedIn(t, p, testOptions())

	_, err := h.Harvest(context.Background(), 0)
	require.Error(t, err)
	assert.Equal(t, syncerr.BrowserError, syncerr.KindOf(err))
	assert.Equal(t, Failed, h.State())
}

func TestHarvestPassCeiling(t *testing.T) {
	p := newFakePage()
	p.rows = rows(1)
	p.shown = 1
	n := 1
	p.onScroll = func(p *fakePage) {
		n++
		p.rows = append(p.rows, row(fmt.Sprintf("X%d", n), fmt.Sprintf("Endless %d", n)))
		p.shown = len(p.rows)
	}
	opts := testOptions()
	opts.MaxPasses = 5
	h := loggedIn(t, p, opts)

	snap, err := h.Harvest(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 5, snap.Passes)
	assert.Len(t, snap.Records, 5)
	assert.Equal(t, StopMaxPasses, snap.StopReason)
	assert.False(t, snap.Complete)
}

func TestHarvestPagination(t *testing.T) {
	pages := [][]string{rows(3), rows(6)[3:], {row("R007", "Rental 7")}}
	p := newFakePage()
	p.rows, p.shown = pages[0], len(pages[0])
	p.visible[nextSel] = true
	current := 0
	p.onClick[nextSel] = func(p *fakePage) {
		current++
		p.rows, p.shown = pages[current], len(pages[current])
		if current == len(pages)-1 {
			p.disabled[nextSel] = true
		}
	}
	opts := testOptions()
	opts.Mode = ModePaginate
	h := loggedIn(t, p, opts)

	snap, err := h.Harvest(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, snap.Records, 7)
	assert.Equal(t, 3, snap.Passes)
	assert.Equal(t, StopNoMore, snap.StopReason)
	assert.True(t, snap.Complete)
}

func TestHarvestPaginationWithoutControl(t *testing.T) {
	p := newFakePage()
	p.rows, p.shown = rows(2), 2
	opts := testOptions()
	opts.Mode = ModePaginate
	h := loggedIn(t, p, opts)

	snap, err := h.Harvest(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Passes)
	assert.Equal(t, StopNoMore, snap.StopReason)
	assert.True(t, snap.Complete)
}

func TestHarvestSkipsBadRowsOnce(t *testing.T) {
	p := newFakePage()
	p.rows = append(rows(2), `<tr><td>only</td><td>two</td></tr>`)
	p.shown = len(p.rows)
	h := loggedIn(t, p, testOptions())

	snap, err := h.Harvest(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, snap.Records, 2)
	assert.Equal(t, 1, snap.Skipped)
	assert.Equal(t, 1, snap.SkipReasons[parser.SkipTooFewCells])
}

func TestHarvestWaitsForSpinner(t *testing.T) {
	p := newFakePage()
	p.rows = rows(6)
	p.shown = 3
	loads := 0
	p.onScroll = func(p *fakePage) {
		if loads == 0 {
			p.visible[spinnerSel] = true
		}
	}
	p.onHidden[spinnerSel] = func(p *fakePage) {
		loads++
		p.visible[spinnerSel] = false
		p.shown = len(p.rows)
	}
	h := loggedIn(t, p, testOptions())

	snap, err := h.Harvest(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, snap.Records, 6)
	assert.Equal(t, 1, loads)
}

func TestHarvestAlternativeRowSelector(t *testing.T) {
	p := newFakePage()
	p.rowSelector = "tbody tr"
	p.rows, p.shown = rows(2), 2
	h := loggedIn(t, p, testOptions())

	snap, err := h.Harvest(context.Background(), 0)
	require.NoError(t, err)
	assert.Len(t, snap.Records, 2)
}

func TestHarvestOpensListingDirectly(t *testing.T) {
	p := newFakePage()
	p.visible[myRentalsKey] = false
	p.rows, p.shown = rows(1), 1
	h := loggedIn(t, p, testOptions())

	_, err := h.Harvest(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, []string{loginURL, listingURL}, p.navigations)
}

func TestHarvestTableMissing(t *testing.T) {
	p := newFakePage()
	p.visible[tableSel] = false
	h := loggedIn(t, p, testOptions())
	h.site.Table = h.site.Table.WithTimeout(10 * time.Millisecond)

	_, err := h.Harvest(context.Background(), 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, locator.ErrNoMatch))
	assert.Equal(t, syncerr.ElementNotFound, syncerr.Classify(err))
	assert.Equal(t, Failed, h.State())
}

func TestOptionsFromConfigJoinsURLs(t *testing.T) {
	assert.Equal(t, "https://example.test/s/login", joinURL("https://example.test/", "/s/login"))
	assert.Equal(t, "https://other.test/x", joinURL("https://example.test", "https://other.test/x"))
}
