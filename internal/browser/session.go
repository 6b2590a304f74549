// Package browser runs a headless Chrome tab through chromedp and exposes it
// as a harvester page.
package browser

import (
	"context"
	"fmt"
	"time"

	"calsync/internal/config"
	"calsync/internal/harvester"
	"calsync/internal/locator"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/rs/zerolog"
)

var _ harvester.Page = (*Session)(nil)

// Launcher starts one browser per sync job.
type Launcher struct {
	cfg    config.HarvesterConfig
	logger *zerolog.Logger
}

func NewLauncher(cfg config.HarvesterConfig, logger *zerolog.Logger) *Launcher {
	return &Launcher{cfg: cfg, logger: logger}
}

func (l *Launcher) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", l.cfg.Headless),
		chromedp.Flag("no-sandbox", l.cfg.NoSandbox),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.WindowSize(1366, 900),
	)
	if l.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(l.cfg.UserAgent))
	}
	return opts
}

// startBrowser allocates Chrome and opens the tab. chromedp binds the browser
// process to the context of the first Run, so ctx must be the session context
// itself and never one derived from it.
var startBrowser = func(ctx context.Context) error {
	return chromedp.Run(ctx)
}

// Launch starts Chrome and checks that it answers before handing it out.
func (l *Launcher) Launch(ctx context.Context) (*Session, error) {
	start := time.Now()
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), l.allocatorOptions()...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	s := &Session{ctx: browserCtx, cancel: browserCancel, allocCancel: allocCancel, logger: l.logger}

	timeout := l.cfg.NavigationTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	watchdog := context.AfterFunc(probeCtx, browserCancel)
	err := startBrowser(browserCtx)
	if !watchdog() {
		err = probeCtx.Err()
	}
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("browser failed to start: %w", err)
	}

	var title string
	if err := s.run(probeCtx,
		chromedp.Navigate("about:blank"),
		network.ClearBrowserCookies(),
		chromedp.Title(&title),
	); err != nil {
		s.Close()
		return nil, fmt.Errorf("browser failed startup probe: %w", err)
	}

	l.logger.Debug().
		Bool("headless", l.cfg.Headless).
		Dur("startup_time", time.Since(start)).
		Msg("Browser session started")
	return s, nil
}

// Session is a single browser tab. It is not safe for concurrent use.
type Session struct {
	ctx         context.Context
	cancel      context.CancelFunc
	allocCancel context.CancelFunc
	logger      *zerolog.Logger
	matchSeq    int
}

// run executes actions on the tab, bounded by the deadline and cancellation
// of ctx.
func (s *Session) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		runCtx, cancelDeadline = context.WithDeadline(runCtx, deadline)
		defer cancelDeadline()
	}
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (s *Session) eval(ctx context.Context, script string, out any) error {
	return s.run(ctx, chromedp.Evaluate(script, out))
}

func (s *Session) Navigate(ctx context.Context, url string) error {
	return s.run(ctx, chromedp.Navigate(url))
}

func (s *Session) URL(ctx context.Context) (string, error) {
	var url string
	if err := s.run(ctx, chromedp.Location(&url)); err != nil {
		return "", err
	}
	return url, nil
}

// resolve turns a rule into a plain selector. Text rules are matched in the
// page and the hit is tagged with a unique attribute; resolve polls until a
// match appears or ctx is done.
func (s *Session) resolve(ctx context.Context, r locator.Rule) (string, error) {
	if r.Text == "" {
		return r.Selector, nil
	}
	s.matchSeq++
	tag := fmt.Sprintf("m%d", s.matchSeq)
	script := tagScript(r, tag)
	for {
		var found bool
		if err := s.eval(ctx, script, &found); err != nil {
			return "", err
		}
		if found {
			return fmt.Sprintf(`[%s=%q]`, matchAttr, tag), nil
		}
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("no element matches %s: %w", r, ctx.Err())
		case <-time.After(pollEvery):
		}
	}
}

func (s *Session) Click(ctx context.Context, r locator.Rule) error {
	sel, err := s.resolve(ctx, r)
	if err != nil {
		return err
	}
	return s.run(ctx, chromedp.Click(sel, chromedp.ByQuery, chromedp.NodeVisible))
}

func (s *Session) Fill(ctx context.Context, r locator.Rule, value string) error {
	sel, err := s.resolve(ctx, r)
	if err != nil {
		return err
	}
	return s.run(ctx,
		chromedp.WaitVisible(sel, chromedp.ByQuery),
		chromedp.Clear(sel, chromedp.ByQuery),
		chromedp.SendKeys(sel, value, chromedp.ByQuery),
	)
}

func (s *Session) WaitVisible(ctx context.Context, r locator.Rule) error {
	sel, err := s.resolve(ctx, r)
	if err != nil {
		return err
	}
	return s.run(ctx, chromedp.WaitVisible(sel, chromedp.ByQuery))
}

// WaitHidden polls until no visible element matches r.
func (s *Session) WaitHidden(ctx context.Context, r locator.Rule) error {
	script := countScript(r)
	for {
		var n int
		if err := s.eval(ctx, script, &n); err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s still visible: %w", r, ctx.Err())
		case <-time.After(pollEvery):
		}
	}
}

func (s *Session) Exists(ctx context.Context, r locator.Rule) (bool, error) {
	var n int
	if err := s.eval(ctx, countScript(r), &n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Session) Count(ctx context.Context, selector string) (int, error) {
	var n int
	err := s.eval(ctx, fmt.Sprintf(`document.querySelectorAll(%s).length`, jsString(selector)), &n)
	return n, err
}

func (s *Session) Texts(ctx context.Context, r locator.Rule) ([]string, error) {
	var texts []string
	if err := s.eval(ctx, textsScript(r), &texts); err != nil {
		return nil, err
	}
	return texts, nil
}

func (s *Session) RowsHTML(ctx context.Context, selector string) ([]string, error) {
	var rows []string
	script := fmt.Sprintf(`Array.from(document.querySelectorAll(%s)).map(el => el.outerHTML)`, jsString(selector))
	if err := s.eval(ctx, script, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

func (s *Session) Disabled(ctx context.Context, r locator.Rule) (bool, error) {
	var disabled bool
	if err := s.eval(ctx, disabledScript(r), &disabled); err != nil {
		return false, err
	}
	return disabled, nil
}

func (s *Session) ScrollToBottom(ctx context.Context) error {
	var ignored bool
	return s.eval(ctx, scrollScript, &ignored)
}

// Close shuts down the tab and the browser process.
func (s *Session) Close() error {
	s.cancel()
	s.allocCancel()
	return nil
}
