// Package app wires the sync engine from configuration. Both the daemon and
// the command line tool build on it.
package app

import (
	"context"
	"fmt"

	"calsync/internal/browser"
	"calsync/internal/clock"
	"calsync/internal/config"
	"calsync/internal/credentials"
	"calsync/internal/database"
	"calsync/internal/events"
	"calsync/internal/export"
	"calsync/internal/harvester"
	"calsync/internal/joblog"
	"calsync/internal/jobs"
	"calsync/internal/parser"
	"calsync/internal/reconcile"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type App struct {
	Config      *config.Config
	DB          *database.DB
	Bus         *events.EventBus
	Vault       *credentials.Vault
	Credentials *credentials.Source
	Manager     *jobs.Manager
	Exporter    *export.Exporter
	Logger      *zerolog.Logger
}

// New opens the store and assembles the job manager. The manager executes
// jobs in the caller until a different dispatcher is installed.
func New(cfg *config.Config, logger *zerolog.Logger) (*App, error) {
	db, err := database.NewDB(cfg.Database.Path, logger)
	if err != nil {
		logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("init database")
		return nil, err
	}

	var vault *credentials.Vault
	if cfg.Credentials.Key != "" {
		vault, err = credentials.NewVault(cfg.Credentials.Key)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("credentials vault: %w", err)
		}
	} else {
		logger.Warn().Msg("credentials key is not set, stored logins cannot be opened")
	}

	c := clock.Real{}
	loc := cfg.Harvester.Location()
	bus := events.NewEventBus()
	source := credentials.NewSource(db, vault)

	rowParser := parser.New(parser.DefaultLayout(cfg.Harvester.BaseURL), loc, c)
	site := harvester.DefaultSite(cfg.Harvester.ElementTimeout)
	launcher := browser.NewLauncher(cfg.Harvester, logger)

	manager := jobs.NewManager(jobs.Deps{
		Store:       db,
		Credentials: source,
		Sessions:    jobs.BrowserSessions(launcher, rowParser, site),
		Reconciler: reconcile.New(db, reconcile.Options{
			BatchSize:         cfg.Sync.BatchSize,
			TrustEmptyHarvest: cfg.Sync.TrustEmpty(),
			Clock:             c,
			Logger:            logger,
		}),
		JobLog: joblog.New(db, c, logger),
		Bus:    bus,
		Clock:  c,
		Logger: logger,
	}, jobs.ConfigFrom(cfg))

	return &App{
		Config:      cfg,
		DB:          db,
		Bus:         bus,
		Vault:       vault,
		Credentials: source,
		Manager:     manager,
		Exporter:    export.New(db, cfg.Exports.Path, loc, logger),
		Logger:      logger,
	}, nil
}

func (a *App) Close() error {
	return a.DB.Close()
}

// InitRedis connects to the configured queue. A missing address or a failed
// ping returns nil and the engine runs without Redis.
func InitRedis(ctx context.Context, cfg config.RedisConfig, logger *zerolog.Logger) *redis.Client {
	if cfg.Address == "" {
		return nil
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	if _, err := redisClient.Ping(ctx).Result(); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed, continuing without redis")
		_ = redisClient.Close()
		return nil
	}

	logger.Info().Str("addr", cfg.Address).Msg("redis connected")
	return redisClient
}
