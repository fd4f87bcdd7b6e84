// Package main is the entry point of the sync worker: it wires the upstream
// client, storage, notification engine and background scheduler together,
// serves the REST API and handles graceful shutdown.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/untis-hub/untis-sync-hub/config"
	"github.com/untis-hub/untis-sync-hub/internal/infrastructure/external/untis"
	"github.com/untis-hub/untis-sync-hub/internal/infrastructure/persistence/postgres"
	"github.com/untis-hub/untis-sync-hub/internal/infrastructure/persistence/redis"
	"github.com/untis-hub/untis-sync-hub/internal/infrastructure/push"
	"github.com/untis-hub/untis-sync-hub/internal/infrastructure/scheduler"
	"github.com/untis-hub/untis-sync-hub/internal/infrastructure/scheduler/jobs"
	"github.com/untis-hub/untis-sync-hub/internal/infrastructure/secrets"
	"github.com/untis-hub/untis-sync-hub/internal/infrastructure/service"
	httpapi "github.com/untis-hub/untis-sync-hub/internal/interface/http"
	"github.com/untis-hub/untis-sync-hub/pkg/logger"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// ─────────────────────────────────────────────────────────────────────────
	// Configuration & logging
	// ─────────────────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logger.New(logger.Options{
		Level:     logger.ParseLevel(cfg.Observability.LogLevel),
		AddCaller: cfg.App.Debug,
	})
	slogger := setupSlog(cfg)

	log.Info("starting untis sync hub",
		logger.String("env", string(cfg.App.Environment)),
		logger.String("version", cfg.App.Version),
		logger.String("timezone", cfg.App.Timezone),
	)

	// ─────────────────────────────────────────────────────────────────────────
	// PostgreSQL
	// ─────────────────────────────────────────────────────────────────────────
	conn, err := postgres.NewConnection(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer conn.Close()

	if err := conn.Ping(ctx); err != nil {
		return fmt.Errorf("database ping: %w", err)
	}

	if err := postgres.NewMigrator(conn).Migrate(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	log.Info("database ready")

	// ─────────────────────────────────────────────────────────────────────────
	// Redis (optional; without it lookups fall through to PostgreSQL)
	// ─────────────────────────────────────────────────────────────────────────
	var (
		cache        *redis.Cache
		fastCache    *redis.TimetableCache
		holidayCache *redis.HolidayCache
	)
	if !cfg.Redis.Disabled {
		redisCfg := redis.DefaultConfig()
		if cfg.Redis.Host != "" {
			redisCfg.Host = cfg.Redis.Host
		}
		if cfg.Redis.Port != 0 {
			redisCfg.Port = cfg.Redis.Port
		}
		redisCfg.Password = cfg.Redis.Password
		redisCfg.DB = cfg.Redis.DB
		if cfg.Redis.PoolSize > 0 {
			redisCfg.PoolSize = cfg.Redis.PoolSize
		}

		cache, err = redis.NewCache(redisCfg)
		if err != nil {
			log.Warn("redis unavailable, fast cache disabled", logger.Err(err))
		} else {
			defer cache.Close()
			fastCache = redis.NewTimetableCache(cache, cfg.Untis.CacheTTL)
			holidayCache = redis.NewHolidayCache(cache)
			log.Info("redis ready", logger.String("addr", redisCfg.Addr()))
		}
	}

	// ─────────────────────────────────────────────────────────────────────────
	// Repositories & upstream client
	// ─────────────────────────────────────────────────────────────────────────
	userRepo := postgres.NewUserRepository(conn)
	snapshotRepo := postgres.NewSnapshotRepository(conn)
	recordRepo := postgres.NewRecordRepository(conn)
	absenceRepo := postgres.NewAbsenceRepository(conn)
	notificationRepo := postgres.NewNotificationRepository(conn)

	box, err := secrets.NewBox(cfg.App.SecretMasterKey)
	if err != nil {
		return fmt.Errorf("init secret box: %w", err)
	}

	clientCfg := untis.DefaultClientConfig(cfg.Untis.BaseURL)
	clientCfg.ClientName = cfg.Untis.ClientName
	clientCfg.Timeout = cfg.Untis.RequestTimeout
	clientCfg.MaxRetries = cfg.Untis.MaxRetries
	clientCfg.RetryBaseDelay = cfg.Untis.RetryBaseDelay
	clientCfg.RetryMaxDelay = cfg.Untis.RetryMaxDelay
	clientCfg.BreakerThreshold = cfg.Untis.CircuitBreakerThreshold
	clientCfg.BreakerTimeout = cfg.Untis.CircuitBreakerTimeout
	clientCfg.RateLimiterConfig.RequestsPerSecond = cfg.Untis.RateLimit
	clientCfg.RateLimiterConfig.BurstSize = cfg.Untis.RateLimitBurst
	clientCfg.Logger = slogger
	client := untis.NewClient(clientCfg)

	// ─────────────────────────────────────────────────────────────────────────
	// Services
	// ─────────────────────────────────────────────────────────────────────────
	sessions := service.NewSessionManager(box, client)

	timetableSvc := service.NewTimetableService(snapshotRepo, recordRepo, sessions, client, fastCache,
		service.TimetableServiceConfig{
			CacheTTL:          cfg.Untis.CacheTTL,
			SnapshotMaxAge:    cfg.Untis.SnapshotMaxAge,
			SnapshotsPerRange: cfg.Untis.SnapshotsPerRange,
			PruneInterval:     cfg.Untis.PruneInterval,
			Logger:            log,
		})

	var sender service.PushSender
	if cfg.Push.VAPIDPublicKey != "" && cfg.Push.VAPIDPrivateKey != "" {
		ps, err := push.NewSender(push.Config{
			VAPIDPublicKey:  cfg.Push.VAPIDPublicKey,
			VAPIDPrivateKey: cfg.Push.VAPIDPrivateKey,
			Subscriber:      cfg.Push.Subscriber,
			TTL:             cfg.Push.TTL,
			Logger:          slogger,
		})
		if err != nil {
			return fmt.Errorf("init push sender: %w", err)
		}
		sender = ps
		log.Info("web push enabled")
	} else {
		log.Warn("VAPID keys not configured, notifications are recorded but not pushed")
	}

	engine := service.NewNotificationEngine(notificationRepo, userRepo, sender, log)
	absenceSvc := service.NewAbsenceSyncService(absenceRepo, sessions, client, engine, log)

	// ─────────────────────────────────────────────────────────────────────────
	// Background scheduler
	// ─────────────────────────────────────────────────────────────────────────
	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched = scheduler.New(scheduler.Config{
			Logger:      log,
			Timezone:    cfg.App.Location,
			TickTimeout: cfg.Scheduler.TickTimeout,
		})

		batch := jobs.BatchConfig{
			BatchSize:   cfg.Scheduler.BatchSize,
			Concurrency: cfg.Scheduler.Concurrency,
		}

		warmup := jobs.NewCacheWarmupJob(userRepo, timetableSvc, sessions, client, holidayCache, batch, log)
		check := jobs.NewTimetableCheckJob(userRepo, snapshotRepo, timetableSvc, engine, batch, cfg.App.Location, log)
		upcoming := jobs.NewUpcomingCheckJob(userRepo, snapshotRepo, engine, batch, cfg.App.Location, log)
		absences := jobs.NewAbsenceCheckJob(userRepo, absenceSvc, batch, log)

		register := func(job scheduler.Job, schedule scheduler.Schedule) error {
			if err := sched.Register(job, schedule); err != nil {
				return fmt.Errorf("register %s: %w", job.Name(), err)
			}
			return nil
		}
		if err := register(warmup, scheduler.EveryWithDelay(cfg.Scheduler.CacheWarmupInterval, 10*time.Second)); err != nil {
			return err
		}
		if err := register(check, scheduler.EveryWithDelay(cfg.Scheduler.TimetableCheckInterval, 30*time.Second)); err != nil {
			return err
		}
		if err := register(upcoming, scheduler.Every(cfg.Scheduler.UpcomingCheckInterval)); err != nil {
			return err
		}
		if err := register(absences, scheduler.EveryWithDelay(cfg.Scheduler.AbsenceCheckInterval, time.Minute)); err != nil {
			return err
		}

		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		log.Info("scheduler started", logger.Int("jobs", len(sched.ListJobs())))
	} else {
		log.Warn("scheduler disabled, running API only")
	}

	// ─────────────────────────────────────────────────────────────────────────
	// HTTP API
	// ─────────────────────────────────────────────────────────────────────────
	serverCfg := httpapi.DefaultConfig()
	serverCfg.Host = cfg.HTTP.Host
	serverCfg.Port = cfg.HTTP.Port
	serverCfg.ReadTimeout = cfg.HTTP.ReadTimeout
	serverCfg.WriteTimeout = cfg.HTTP.WriteTimeout
	serverCfg.IdleTimeout = cfg.HTTP.IdleTimeout
	serverCfg.Timezone = cfg.App.Location

	readyChecks := map[string]httpapi.ReadyCheck{
		"postgres": conn.Ping,
	}
	if cache != nil {
		readyChecks["redis"] = cache.Ping
	}

	deps := httpapi.Dependencies{
		Users:       userRepo,
		Timetable:   timetableSvc,
		Notifier:    engine,
		ReadyChecks: readyChecks,
		Logger:      log,
	}
	if holidayCache != nil {
		deps.Holidays = holidayCache
	}
	if sched != nil {
		deps.Scheduler = sched
	}

	server := httpapi.NewServer(serverCfg, deps)
	serverErr := server.StartAsync()
	log.Info("http server started", logger.String("address", server.Address()))

	// ─────────────────────────────────────────────────────────────────────────
	// Graceful shutdown
	// ─────────────────────────────────────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Info("received shutdown signal", logger.String("signal", sig.String()))
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.App.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", logger.Err(err))
	}
	if sched != nil {
		if err := sched.Stop(); err != nil {
			log.Error("scheduler stop failed", logger.Err(err))
		}
	}

	// Let detached prefetch and prune goroutines finish before the pools close.
	timetableSvc.Wait()

	log.Info("shutdown complete")
	return nil
}

// setupSlog builds the slog logger the upstream client and push sender use.
func setupSlog(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if cfg.App.Debug {
		opts.Level = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Observability.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
