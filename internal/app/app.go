package app

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/dirigo/internal/common"
	"github.com/ternarybob/dirigo/internal/handlers"
	"github.com/ternarybob/dirigo/internal/interfaces"
	"github.com/ternarybob/dirigo/internal/services/events"
	"github.com/ternarybob/dirigo/internal/services/jobs"
	"github.com/ternarybob/dirigo/internal/services/ratelimit"
	"github.com/ternarybob/dirigo/internal/services/sessions"
	"github.com/ternarybob/dirigo/internal/storage"
	"github.com/ternarybob/dirigo/internal/storage/badger"
)

// queueStatsInterval is how often aggregate queue counters are pushed to
// subscribed dashboards.
const queueStatsInterval = 5 * time.Second

// App holds all application components and dependencies
type App struct {
	Config    *common.Config
	Logger    arbor.ILogger
	ctx       context.Context
	cancelCtx context.CancelFunc

	// Storage
	DB             *badger.BadgerDB
	JobStorage     interfaces.JobStorage
	OutcomeStorage interfaces.OutcomeStorage
	KVStore        interfaces.KVStore

	// Services
	EventService     interfaces.EventService
	JobService       *jobs.Service
	SessionService   *sessions.Service
	RateLimitService *ratelimit.Service

	// HTTP handlers
	JobHandler    *handlers.JobHandler
	AuthHandler   *handlers.AuthHandler
	StatusHandler *handlers.StatusHandler
	WSHandler     *handlers.WebSocketHandler

	scheduler *cron.Cron
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	if err := app.initStorage(); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	if err := app.initServices(); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	app.initHandlers()

	if err := app.startBackgroundTasks(); err != nil {
		return nil, fmt.Errorf("failed to start background tasks: %w", err)
	}

	logger.Info().
		Str("kv_backend", cfg.Storage.KVBackend).
		Bool("rate_limiting", cfg.RateLimit.Enabled).
		Msg("Application initialization complete")

	return app, nil
}

// initStorage brings up the Badger job store and the KV backend that holds
// sessions and rate-limit counters.
func (a *App) initStorage() error {
	db, err := badger.NewBadgerDB(a.Logger, &a.Config.Storage.Badger)
	if err != nil {
		return fmt.Errorf("failed to open badger database: %w", err)
	}
	a.DB = db

	a.JobStorage = badger.NewJobStorage(db, a.Logger, a.Config.Queue.MaxClaimAttempts)
	a.OutcomeStorage = badger.NewOutcomeStorage(db, a.Logger)

	kvStore, err := storage.NewKVStore(&a.Config.Storage, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to create kv store: %w", err)
	}
	a.KVStore = kvStore

	a.Logger.Debug().
		Str("storage", "badger").
		Str("path", a.Config.Storage.Badger.Path).
		Msg("Storage layer initialized")

	return nil
}

// initServices initializes business services in dependency order.
func (a *App) initServices() error {
	a.EventService = events.NewService(a.Logger)

	a.JobService = jobs.NewService(
		a.JobStorage,
		a.OutcomeStorage,
		a.EventService,
		a.Logger,
		a.Config.OperationTimeout(),
	)
	a.Logger.Debug().Msg("Job service initialized")

	a.SessionService = sessions.NewService(a.KVStore, &a.Config.Sessions, a.Logger)
	a.Logger.Debug().Msg("Session service initialized")

	a.RateLimitService = ratelimit.NewService(a.KVStore, &a.Config.RateLimit, a.Logger)
	a.Logger.Debug().
		Bool("enabled", a.Config.RateLimit.Enabled).
		Int("default_limit", a.Config.RateLimit.DefaultLimit).
		Msg("Rate limit service initialized")

	return nil
}

// initHandlers initializes all HTTP handlers
func (a *App) initHandlers() {
	a.WSHandler = handlers.NewWebSocketHandler(a.SessionService, a.EventService, a.Logger, &a.Config.Realtime)
	a.JobHandler = handlers.NewJobHandler(a.JobService, a.Logger)
	a.AuthHandler = handlers.NewAuthHandler(a.SessionService, a.Logger)
	a.StatusHandler = handlers.NewStatusHandler(
		a.JobService,
		a.Logger,
		common.GetVersion(),
		a.WSHandler.ServerInstanceID(),
	)
}

// startBackgroundTasks wires the cron sweeps and the periodic queue-stats
// broadcast. The stale-job sweep re-pends in_progress jobs whose workers
// went quiet; the session sweep removes expired sessions that were never
// touched again after expiry.
func (a *App) startBackgroundTasks() error {
	a.ctx, a.cancelCtx = context.WithCancel(context.Background())

	a.scheduler = cron.New(cron.WithSeconds())

	staleSchedule := a.Config.Queue.StaleJobSweepSchedule
	if _, err := a.scheduler.AddFunc(staleSchedule, func() {
		reset, err := a.JobService.ResetStaleJobs(a.ctx, a.Config.Queue.StaleThresholdMinutes)
		if err != nil {
			a.Logger.Warn().Err(err).Msg("Stale job sweep failed")
			return
		}
		if reset > 0 {
			a.Logger.Info().
				Int("reset", reset).
				Int("threshold_minutes", a.Config.Queue.StaleThresholdMinutes).
				Msg("Re-pended stale jobs")
		}
	}); err != nil {
		return fmt.Errorf("invalid stale job sweep schedule %q: %w", staleSchedule, err)
	}

	sessionSchedule := a.Config.Sessions.SweepSchedule
	if _, err := a.scheduler.AddFunc(sessionSchedule, func() {
		removed, err := a.SessionService.Sweep(a.ctx)
		if err != nil {
			a.Logger.Warn().Err(err).Msg("Session sweep failed")
			return
		}
		if removed > 0 {
			a.Logger.Debug().Int("removed", removed).Msg("Swept expired sessions")
		}
	}); err != nil {
		return fmt.Errorf("invalid session sweep schedule %q: %w", sessionSchedule, err)
	}

	a.scheduler.Start()
	a.Logger.Debug().
		Str("stale_job_sweep", staleSchedule).
		Str("session_sweep", sessionSchedule).
		Msg("Background sweeps scheduled")

	common.SafeGo(a.Logger, "queue stats broadcaster", a.broadcastQueueStats)

	return nil
}

// broadcastQueueStats pushes aggregate queue counters onto the event bus at
// a fixed interval. The WebSocket hub relays them to clients subscribed to
// the queue channel.
func (a *App) broadcastQueueStats() {
	ticker := time.NewTicker(queueStatsInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stats, err := a.JobService.QueueStats(a.ctx)
			if err != nil {
				a.Logger.Warn().Err(err).Msg("Failed to compute queue stats")
				continue
			}
			if err := a.EventService.Publish(a.ctx, interfaces.Event{
				Type:    interfaces.EventQueueStats,
				Payload: stats,
			}); err != nil {
				a.Logger.Warn().Err(err).Msg("Failed to publish queue stats")
			}
		case <-a.ctx.Done():
			a.Logger.Info().Msg("Queue stats broadcaster shutting down")
			return
		}
	}
}

// Close closes all application resources
func (a *App) Close() error {
	if a.cancelCtx != nil {
		a.Logger.Info().Msg("Cancelling background goroutines")
		a.cancelCtx()
	}

	if a.scheduler != nil {
		ctx := a.scheduler.Stop()
		select {
		case <-ctx.Done():
		case <-time.After(5 * time.Second):
			a.Logger.Warn().Msg("Timed out waiting for scheduled sweeps to finish")
		}
	}

	if a.EventService != nil {
		if err := a.EventService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close event service")
		}
	}

	if a.KVStore != nil {
		if err := a.KVStore.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close kv store")
		}
	}

	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			return fmt.Errorf("failed to close badger database: %w", err)
		}
		a.Logger.Info().Msg("Storage closed")
	}

	return nil
}
