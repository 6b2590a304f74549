package jobs

import (
	"context"

	"calsync/internal/browser"
	"calsync/internal/harvester"
	"calsync/internal/models"
	"calsync/internal/parser"
	"calsync/internal/syncerr"
)

// Session is one authenticated walk over the booking site.
type Session interface {
	Authenticate(ctx context.Context, creds models.Credentials) error
	Harvest(ctx context.Context, limit int) (*harvester.Snapshot, error)
	Close() error
}

// SessionFactory opens a fresh session for one job.
type SessionFactory func(ctx context.Context, opts harvester.Options) (Session, error)

type browserSession struct {
	*harvester.Harvester
	page harvester.Page
}

func (s *browserSession) Close() error {
	return s.page.Close()
}

// BrowserSessions launches a headless browser per job.
func BrowserSessions(launcher *browser.Launcher, p *parser.Parser, site harvester.Site) SessionFactory {
	return func(ctx context.Context, opts harvester.Options) (Session, error) {
		page, err := launcher.Launch(ctx)
		if err != nil {
			if syncerr.KindOf(err) == syncerr.Unclassified {
				err = syncerr.New(syncerr.BrowserError, "launch browser", err)
			}
			return nil, err
		}
		return &browserSession{Harvester: harvester.New(page, p, site, opts), page: page}, nil
	}
}
