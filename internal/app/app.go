// Package app wires the sync pipeline from configuration. The API server
// and the syncctl tool share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"

	"realtysync/internal/config"
	"realtysync/internal/database"
	"realtysync/internal/domain"
	"realtysync/internal/events"
	"realtysync/internal/google"
	"realtysync/internal/logging"
	"realtysync/internal/repository"
	"realtysync/internal/service"
	"realtysync/internal/sheetsync"
	"realtysync/internal/worker"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// App holds the wired components. Close releases them in reverse order.
type App struct {
	Config   *config.Config
	Logger   *zerolog.Logger
	DB       *database.DB
	Redis    *redis.Client
	Events   *events.EventBus
	Sellers  *google.SheetClient
	Buyers   *google.SheetClient
	Staff    *google.SheetClient
	Initials *repository.InitialsCache
	Retry    *worker.RetryHandler
	Queue    *worker.SyncQueue
	Service  *service.SyncService

	closers []io.Closer
}

// LoadConfigAndLogger reads the config file and builds the root logger.
func LoadConfigAndLogger(configPath string) (*config.Config, *zerolog.Logger, io.Closer, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	logger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init logger: %w", err)
	}
	return cfg, logger, closer, nil
}

// New opens the database, Redis and the spreadsheet and builds the queue
// and service on top of them. Redis is optional; the spreadsheet is not.
func New(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: logger, Events: events.NewEventBus()}

	db, err := database.NewDB(cfg.Database, logging.Component(logger, "database"))
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}
	a.DB = db
	a.closers = append(a.closers, db)

	a.Redis = initRedis(ctx, cfg, logger)
	if a.Redis != nil {
		a.closers = append(a.closers, a.Redis)
	}

	if err := a.initSheets(ctx); err != nil {
		_ = a.Close()
		return nil, err
	}

	a.initInitials()

	a.Retry = worker.NewRetryHandler(worker.RetryPolicy{
		MaxRetries:    cfg.Sync.MaxRetries,
		InitialDelay:  cfg.Sync.InitialDelay,
		MaxDelay:      cfg.Sync.MaxDelay,
		BackoffFactor: cfg.Sync.BackoffFactor,
	}, db, logging.Component(logger, "retry"))

	writers := []domain.RowWriter{
		sheetsync.NewSellerWriteService(a.Sellers, logging.Component(logger, "sellers-writer")),
		sheetsync.NewBuyerWriteService(a.Buyers, logging.Component(logger, "buyers-writer")),
	}

	processor := sheetsync.NewProcessor(db, a.Retry, a.Initials, a.Events, logging.Component(logger, "processor"), writers...)
	a.Queue = worker.NewSyncQueue(db, processor, a.Redis, worker.QueueOptions{
		Workers:      cfg.Sync.Workers,
		BatchSize:    cfg.Sync.BatchSize,
		PollInterval: cfg.Sync.PollInterval,
		Lease:        cfg.Sync.Lease,
	}, logging.Component(logger, "sync-queue"))

	a.Service = service.NewSyncService(db, a.Queue, a.Retry, a.Initials, a.Events, logging.Component(logger, "sync-service"), writers...)

	eventLog := logging.Component(logger, "events")
	a.Events.SubscribeAll(func(ev *events.Event) error {
		eventLog.Debug().Str("event", ev.Type).RawJSON("payload", ev.Payload).Msg("sync event")
		return nil
	})

	return a, nil
}

func initRedis(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		return nil
	}

	client := repository.NewRedisClient(cfg.Redis)
	if err := repository.Ping(ctx, client); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed, continuing without redis")
		_ = client.Close()
		return nil
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return client
}

func (a *App) initSheets(ctx context.Context) error {
	g := a.Config.Google
	if g.SpreadsheetID == "" {
		return errors.New("google.spreadsheet_id is required")
	}

	srv, err := google.NewService(ctx, g.CredentialsFile)
	if err != nil {
		return fmt.Errorf("init google sheets: %w", err)
	}

	// One bucket for the whole spreadsheet; the quota is per project.
	limiter := google.NewRateLimiter(g.RateLimitRPS, g.RateLimitBurst)
	sheetLog := logging.Component(a.Logger, "sheets")
	a.Sellers = google.NewSheetClient(srv, g.SpreadsheetID, g.SellersSheet, limiter, sheetLog)
	a.Buyers = google.NewSheetClient(srv, g.SpreadsheetID, g.BuyersSheet, limiter, sheetLog)
	a.Staff = google.NewSheetClient(srv, g.SpreadsheetID, g.StaffSheet, limiter, sheetLog)

	for _, c := range []*google.SheetClient{a.Sellers, a.Buyers, a.Staff} {
		if err := c.Authenticate(ctx); err != nil {
			if google.IsUnauthorized(err) || google.IsForbidden(err) {
				email, _ := google.ServiceAccountEmail(g.CredentialsFile)
				return fmt.Errorf("sheet %q not accessible, share it with %s: %w", c.SheetName(), email, err)
			}
			// Headers are loaded again on first use.
			a.Logger.Warn().Err(err).Str("sheet", c.SheetName()).Msg("sheet check failed, continuing")
		}
	}

	a.Logger.Info().Str("spreadsheet_id", g.SpreadsheetID).Msg("google sheets connected")
	return nil
}

func (a *App) initInitials() {
	var store domain.InitialsStore = repository.NewMemoryInitialsStore()
	if a.Redis != nil {
		store = repository.NewFailoverInitialsStore(
			repository.NewRedisInitialsStore(a.Redis),
			store,
			logging.Component(a.Logger, "initials-store"),
		)
	}
	a.Initials = repository.NewInitialsCache(store, a.Staff, a.Config.Cache.InitialsTTL, logging.Component(a.Logger, "initials"))
}

// Close releases the database and Redis connections.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
