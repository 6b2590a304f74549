package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"calsync/internal/app"
	"calsync/internal/config"
	"calsync/internal/credentials"
	"calsync/internal/export"
	"calsync/internal/logging"
	"calsync/internal/models"
)

const usage = `usage: calsyncctl [-config path] <command> [flags]

commands:
  sync             run one sync for an owner and wait for it
  set-credentials  store the booking site login of an owner
  export           write an owner's bookings to an xlsx file
  cleanup          fail stale jobs and delete old finished ones
  gen-key          print a fresh credentials key
`

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdin io.Reader, stdout io.Writer) error {
	global := flag.NewFlagSet("calsyncctl", flag.ContinueOnError)
	configPath := global.String("config", envOr("CONFIG_PATH", "configs/config.yaml"), "path to config.yaml")
	global.Usage = func() { fmt.Fprint(global.Output(), usage) }
	if err := global.Parse(args); err != nil {
		return err
	}
	if global.NArg() == 0 {
		global.Usage()
		return errors.New("missing command")
	}
	cmd, rest := global.Arg(0), global.Args()[1:]

	if cmd == "gen-key" {
		key, err := credentials.GenerateKey()
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, key)
		return nil
	}

	var handler func(ctx context.Context, a *app.App, args []string, stdin io.Reader, stdout io.Writer) error
	switch cmd {
	case "sync":
		handler = runSync
	case "set-credentials":
		handler = runSetCredentials
	case "export":
		handler = runExport
	case "cleanup":
		handler = runCleanup
	default:
		global.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	if closer != nil {
		defer closer.Close()
	}
	l := logger.With().Str("component", "calsyncctl").Logger()

	a, err := app.New(cfg, &l)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return handler(ctx, a, rest, stdin, stdout)
}

func runSync(ctx context.Context, a *app.App, args []string, _ io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("sync", flag.ContinueOnError)
	owner := fs.String("owner", "", "owner id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *owner == "" {
		return errors.New("-owner is required")
	}

	job, created, err := a.Manager.StartSync(ctx, *owner, true)
	if err != nil {
		return err
	}
	if !created {
		fmt.Fprintf(stdout, "sync already in progress: %s\n", job.ID)
	}
	if err := printJSON(stdout, job); err != nil {
		return err
	}
	if job.Status == models.JobFailed {
		return errors.New("sync failed")
	}
	return nil
}

func runSetCredentials(ctx context.Context, a *app.App, args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("set-credentials", flag.ContinueOnError)
	owner := fs.String("owner", "", "owner id")
	email := fs.String("email", "", "site login email")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *owner == "" || *email == "" {
		return errors.New("-owner and -email are required")
	}

	// the password never goes through argv
	password := os.Getenv("CALSYNC_PASSWORD")
	if password == "" {
		line, err := bufio.NewReader(stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("read password: %w", err)
		}
		password = strings.TrimRight(line, "\r\n")
	}
	if password == "" {
		return errors.New("password is empty; pipe it on stdin or set CALSYNC_PASSWORD")
	}

	creds := models.Credentials{Email: *email, Password: password}
	if err := a.Credentials.Store(ctx, *owner, creds, time.Now()); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "credentials stored for %s\n", *owner)
	return nil
}

func runExport(ctx context.Context, a *app.App, args []string, _ io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	owner := fs.String("owner", "", "owner id")
	from := fs.String("from", "", "first day, YYYY-MM-DD")
	to := fs.String("to", "", "last day, YYYY-MM-DD")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *owner == "" {
		return errors.New("-owner is required")
	}
	r, err := parseRange(*from, *to, a.Config.Harvester.Location())
	if err != nil {
		return err
	}

	path, err := a.Exporter.Export(ctx, *owner, r)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, path)
	return nil
}

func runCleanup(ctx context.Context, a *app.App, args []string, _ io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("cleanup", flag.ContinueOnError)
	days := fs.Int("retention-days", 0, "keep finished jobs this many days (0 uses config)")
	staleAfter := fs.Duration("stale-timeout", 0, "fail active jobs silent this long (0 uses config)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	stale, err := a.Manager.ForceSweep(ctx, *staleAfter)
	if err != nil {
		return err
	}
	deleted, err := a.Manager.CleanupOldJobs(ctx, *days)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "stale jobs failed: %d, old jobs deleted: %d\n", stale, deleted)
	return nil
}

// parseRange turns inclusive day bounds into a half-open export range.
func parseRange(from, to string, loc *time.Location) (export.Range, error) {
	var r export.Range
	if from != "" {
		t, err := time.ParseInLocation("2006-01-02", from, loc)
		if err != nil {
			return r, fmt.Errorf("invalid -from: %w", err)
		}
		r.From = t
	}
	if to != "" {
		t, err := time.ParseInLocation("2006-01-02", to, loc)
		if err != nil {
			return r, fmt.Errorf("invalid -to: %w", err)
		}
		r.To = t.AddDate(0, 0, 1)
	}
	if !r.IsZero() {
		if r.To.IsZero() {
			r.To = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)
		}
		if !r.From.Before(r.To) {
			return r, errors.New("-from must not be after -to")
		}
	}
	return r, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
