// Package harvester drives a browser page through the site login and the
// bookings listing, producing a snapshot of external records.
package harvester

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"calsync/internal/clock"
	"calsync/internal/config"
	"calsync/internal/models"
	"calsync/internal/parser"
	"calsync/internal/syncerr"
)

type State int

const (
	Idle State = iota
	Authenticating
	Authenticated
	Harvesting
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Authenticating:
		return "authenticating"
	case Authenticated:
		return "authenticated"
	case Harvesting:
		return "harvesting"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrInvalidState is returned when an operation is called out of order.
var ErrInvalidState = errors.New("harvester: invalid state")

const (
	ModeScroll   = config.HarvestModeScroll
	ModePaginate = config.HarvestModePaginate
)

// Recorder receives the per-job trail of what the harvester did.
type Recorder interface {
	Debug(ctx context.Context, msg string, details map[string]any)
	Info(ctx context.Context, msg string, details map[string]any)
	Warn(ctx context.Context, msg string, details map[string]any)
	Event(ctx context.Context, event, url, selector string, details map[string]any)
	Timing(ctx context.Context, operation string, d time.Duration)
}

// ProgressFunc is called after every harvest pass.
type ProgressFunc func(ctx context.Context, pass, records int)

type Options struct {
	LoginURL      string
	ListingURL    string
	Mode          string
	MaxPasses     int
	MaxIdlePasses int

	NavigationTimeout time.Duration
	ElementTimeout    time.Duration
	LoginTimeout      time.Duration
	PollTimeout       time.Duration
	PollInterval      time.Duration
	SettleDelay       time.Duration

	Recorder Recorder
	Progress ProgressFunc
	Clock    clock.Clock
}

// OptionsFromConfig maps the harvester config section onto Options.
func OptionsFromConfig(cfg config.HarvesterConfig) Options {
	return Options{
		LoginURL:          joinURL(cfg.BaseURL, cfg.LoginURL),
		ListingURL:        joinURL(cfg.BaseURL, cfg.ListingURL),
		Mode:              cfg.Mode,
		MaxPasses:         cfg.MaxPasses,
		MaxIdlePasses:     cfg.MaxIdlePasses,
		NavigationTimeout: cfg.NavigationTimeout,
		ElementTimeout:    cfg.ElementTimeout,
		LoginTimeout:      cfg.LoginTimeout,
		PollTimeout:       cfg.PollTimeout,
		SettleDelay:       cfg.SettleDelay,
	}
}

func joinURL(base, path string) string {
	if path == "" || strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

func (o *Options) applyDefaults() {
	if o.Mode == "" {
		o.Mode = ModeScroll
	}
	if o.MaxPasses <= 0 {
		o.MaxPasses = models.DefaultMaxPasses
	}
	if o.MaxIdlePasses <= 0 {
		o.MaxIdlePasses = models.DefaultMaxIdlePasses
	}
	if o.NavigationTimeout <= 0 {
		o.NavigationTimeout = 30 * time.Second
	}
	if o.ElementTimeout <= 0 {
		o.ElementTimeout = 10 * time.Second
	}
	if o.LoginTimeout <= 0 {
		o.LoginTimeout = 30 * time.Second
	}
	if o.PollTimeout <= 0 {
		o.PollTimeout = 15 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.SettleDelay < 0 {
		o.SettleDelay = 0
	}
	if o.Recorder == nil {
		o.Recorder = nopRecorder{}
	}
	o.Clock = clock.Or(o.Clock)
}

// Harvester is single use: one login followed by one harvest.
type Harvester struct {
	page   Page
	parser *parser.Parser
	site   Site
	opts   Options

	mu    sync.Mutex
	state State
}

func New(page Page, p *parser.Parser, site Site, opts Options) *Harvester {
	opts.applyDefaults()
	return &Harvester{page: page, parser: p, site: site, opts: opts}
}

func (h *Harvester) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Harvester) transition(from, to State) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != from {
		return fmt.Errorf("%w: %s, want %s", ErrInvalidState, h.state, from)
	}
	h.state = to
	return nil
}

func (h *Harvester) set(s State) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

// fail moves the harvester to Failed and passes err through.
func (h *Harvester) fail(err error) error {
	h.set(Failed)
	return err
}

// Authenticate logs in with creds and confirms the session.
func (h *Harvester) Authenticate(ctx context.Context, creds models.Credentials) error {
	if err := h.transition(Idle, Authenticating); err != nil {
		return err
	}
	start := h.opts.Clock.Now()
	rec := h.opts.Recorder

	if err := h.navigate(ctx, h.opts.LoginURL); err != nil {
		return h.fail(err)
	}
	rec.Timing(ctx, "Login page navigation", h.opts.Clock.Now().Sub(start))

	rec.Info(ctx, "Filling login credentials", nil)
	if _, err := h.site.Username.Fill(ctx, h.page, creds.Email); err != nil {
		return h.fail(err)
	}
	if _, err := h.site.Password.Fill(ctx, h.page, creds.Password); err != nil {
		return h.fail(err)
	}
	rule, err := h.site.Submit.Click(ctx, h.page)
	if err != nil {
		return h.fail(err)
	}
	rec.Event(ctx, "click", "", rule.String(), map[string]any{"element": "login-button"})

	if err := h.confirmLogin(ctx); err != nil {
		return h.fail(err)
	}
	rec.Info(ctx, "Login successful", nil)
	rec.Timing(ctx, "Login process", h.opts.Clock.Now().Sub(start))
	return h.transition(Authenticating, Authenticated)
}

type loginCheck int

const (
	checkPending loginCheck = iota
	checkConfirmed
	checkRejected
	checkStuck
)

// confirmLogin polls the layered success signals until one holds, an error
// message shows up, or LoginTimeout runs out.
func (h *Harvester) confirmLogin(ctx context.Context) error {
	loginCtx, cancel := context.WithTimeout(ctx, h.opts.LoginTimeout)
	defer cancel()

	stuck := false
	for {
		result, signal := h.checkLogin(loginCtx)
		switch result {
		case checkConfirmed:
			h.opts.Recorder.Debug(ctx, "Login confirmed", map[string]any{"signal": signal})
			return nil
		case checkRejected:
			return syncerr.Errorf(syncerr.InvalidCredentials, "login", "site rejected the login: %s", signal)
		case checkStuck:
			stuck = true
		}

		if err := sleep(loginCtx, h.opts.PollInterval); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if stuck {
				return syncerr.Errorf(syncerr.LoginStuck, "login", "still on login page after %s", h.opts.LoginTimeout)
			}
			return syncerr.New(syncerr.LoginTimeout, "login", err)
		}
	}
}

func (h *Harvester) checkLogin(ctx context.Context) (loginCheck, string) {
	url, err := h.page.URL(ctx)
	if err != nil {
		return checkPending, ""
	}
	if !strings.Contains(url, h.site.LoginMarker) {
		return checkConfirmed, "left login page"
	}
	if rule, err := h.site.PostLogin.WaitVisible(ctx, h.page); err == nil {
		return checkConfirmed, "post-login element " + rule.String()
	}
	if ctx.Err() != nil {
		return checkPending, ""
	}
	for _, rule := range h.site.Password.Rules {
		visible, err := h.page.Exists(ctx, rule)
		if err != nil {
			return checkPending, ""
		}
		if visible {
			if msg, found := h.loginError(ctx); found {
				return checkRejected, msg
			}
			return checkStuck, ""
		}
	}
	return checkConfirmed, "login form gone"
}

func (h *Harvester) loginError(ctx context.Context) (string, bool) {
	for _, rule := range h.site.LoginError.Rules {
		texts, err := h.page.Texts(ctx, rule)
		if err != nil {
			continue
		}
		for _, t := range texts {
			if t = strings.TrimSpace(t); t != "" {
				return t, true
			}
		}
	}
	return "", false
}

// navigate loads url under NavigationTimeout.
func (h *Harvester) navigate(ctx context.Context, url string) error {
	navCtx, cancel := context.WithTimeout(ctx, h.opts.NavigationTimeout)
	defer cancel()

	h.opts.Recorder.Event(ctx, "navigate", url, "", nil)
	err := h.page.Navigate(navCtx, url)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) || navCtx.Err() != nil {
		return syncerr.New(syncerr.NavigationTimeout, "navigate "+url, err)
	}
	kind := syncerr.Classify(err)
	if kind == syncerr.Unclassified {
		kind = syncerr.BrowserError
	}
	return syncerr.New(kind, "navigate "+url, err)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

type nopRecorder struct{}

func (nopRecorder) Debug(context.Context, string, map[string]any)                 {}
func (nopRecorder) Info(context.Context, string, map[string]any)                  {}
func (nopRecorder) Warn(context.Context, string, map[string]any)                  {}
func (nopRecorder) Event(context.Context, string, string, string, map[string]any) {}
func (nopRecorder) Timing(context.Context, string, time.Duration)                 {}
