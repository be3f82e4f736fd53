package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/ehr/ledger/internal/config"
	"github.com/ehr/ledger/internal/domain/ledger"
	"github.com/ehr/ledger/internal/platform/auth"
	"github.com/ehr/ledger/internal/platform/blobstore"
	"github.com/ehr/ledger/internal/platform/db"
	"github.com/ehr/ledger/internal/platform/middleware"
	"github.com/ehr/ledger/internal/platform/notification"
	"github.com/ehr/ledger/internal/platform/scheduler"
	"github.com/ehr/ledger/internal/platform/staff"
	"github.com/ehr/ledger/internal/platform/telemetry"
	"github.com/ehr/ledger/internal/platform/websocket"
)

const consistencyJob = "consistency-check"

// app holds everything serve and reconcile need, plus the resources to
// release on shutdown in reverse order of creation.
type app struct {
	echo    *echo.Echo
	svc     *ledger.Service
	sched   *scheduler.Scheduler
	metrics *telemetry.Metrics
	hub     *websocket.Hub
	log     zerolog.Logger

	closers []func(ctx context.Context) error
}

func (a *app) onClose(fn func(ctx context.Context) error) {
	a.closers = append(a.closers, fn)
}

func poolConfig(cfg *config.Config) db.PoolConfig {
	return db.PoolConfig{
		DatabaseURL: cfg.DatabaseURL,
		MaxConns:    cfg.DBMaxConns,
		MinConns:    cfg.DBMinConns,
		LockTimeout: cfg.DBLockTimeout,
	}
}

// alwaysUp stands in for the database ping when the memory store is used.
type alwaysUp struct{}

func (alwaysUp) Ping(context.Context) error { return nil }

func buildApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (_ *app, err error) {
	a := &app{log: logger, metrics: telemetry.New()}
	a.metrics.Describe("ledger_consistency_checks_total", "Consistency check runs by result.")
	a.metrics.Describe("ledger_consistency_mismatches", "Mismatches found by the last consistency check.")
	defer func() {
		if err != nil {
			a.shutdown(ctx)
		}
	}()

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	var (
		store     *ledger.Store
		directory staff.Directory
		pinger    db.Pinger = alwaysUp{}
		stats     func() *db.PoolStats
	)
	switch cfg.StoreDriver {
	case config.StorePostgres:
		var pool *pgxpool.Pool
		pool, err = db.NewPool(ctx, poolConfig(cfg))
		if err != nil {
			return nil, err
		}
		a.onClose(func(context.Context) error { pool.Close(); return nil })
		store = ledger.NewPGStore(pool)
		directory = staff.NewPGDirectory(pool)
		pinger = pool
		stats = func() *db.PoolStats { return db.GetPoolStats(pool) }
		a.metrics.GaugeFunc("db_pool_acquired_conns", "Pool connections in use.", func() float64 {
			return float64(pool.Stat().AcquiredConns())
		})
		a.metrics.GaugeFunc("db_pool_total_conns", "Pool connections open.", func() float64 {
			return float64(pool.Stat().TotalConns())
		})
		logger.Info().Msg("connected to database")
	case config.StoreMemory:
		store = ledger.NewMemoryStore().Store()
		logger.Warn().Msg("using in-memory store: data is lost on restart")
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}

	var blobs blobstore.BlobStore
	if cfg.MinIOEndpoint != "" {
		blobs, err = blobstore.NewMinIOStore(ctx, blobstore.MinIOConfig{
			Endpoint:  cfg.MinIOEndpoint,
			AccessKey: cfg.MinIOAccessKey,
			SecretKey: cfg.MinIOSecretKey,
			Bucket:    cfg.MinIOBucket,
			UseSSL:    cfg.MinIOUseSSL,
		})
		if err != nil {
			return nil, err
		}
	} else {
		logger.Warn().Msg("MINIO_ENDPOINT not set: attachments are kept in memory")
		blobs = blobstore.NewInMemoryBlobStore()
	}

	var pub notification.Publisher = notification.LogPublisher{Log: logger}
	if cfg.AMQPURL != "" {
		amqpPub, dialErr := notification.DialAMQP(cfg.AMQPURL, cfg.NotifyQueue)
		if dialErr != nil {
			return nil, dialErr
		}
		a.onClose(func(context.Context) error { return amqpPub.Close() })
		pub = amqpPub
	}
	a.hub = websocket.NewHub(logger)
	a.onClose(func(context.Context) error { a.hub.Close(); return nil })
	dispatcher := notification.NewDispatcher(notification.Fanout{pub, a.hub}, cfg.NotifyBuffer, logger)
	a.onClose(dispatcher.Close)

	a.svc = ledger.NewService(store, ledger.Options{
		Staff:    directory,
		Notifier: dispatcher,
		Blobs:    blobs,
		Location: loc,
		Logger:   logger,
	})

	a.sched = scheduler.New(loc, logger)
	if cfg.ReconcileSchedule != "" {
		if err = a.sched.Add(consistencyJob, cfg.ReconcileSchedule, a.consistencyCheck); err != nil {
			return nil, err
		}
	}

	a.echo = a.newEcho(cfg, pinger, stats)
	return a, nil
}

// consistencyCheck is the scheduled reconciliation. Mismatches are already
// logged by the service; returning an error marks the run as failed.
func (a *app) consistencyCheck(ctx context.Context) error {
	rep, err := a.svc.CheckConsistency(ctx)
	if err != nil {
		a.metrics.Inc("ledger_consistency_checks_total", "result", "error")
		return err
	}
	a.metrics.Set("ledger_consistency_mismatches", int64(len(rep.Mismatches)))
	if !rep.OK() {
		a.metrics.Inc("ledger_consistency_checks_total", "result", "mismatch")
		return fmt.Errorf("%w: %d mismatch(es)", errMismatches, len(rep.Mismatches))
	}
	a.metrics.Inc("ledger_consistency_checks_total", "result", "ok")
	return nil
}

func (a *app) newEcho(cfg *config.Config, pinger db.Pinger, stats func() *db.PoolStats) *echo.Echo {
	logger, metrics := a.log, a.metrics
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(metrics.Middleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowHeaders: []string{
			echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization,
			middleware.RequestIDHeader, auth.HeaderActorID, auth.HeaderActorRoles,
		},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit, cfg.UploadLimit))

	health := db.HealthHandler(pinger, stats)
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", health)
	e.GET("/metrics", metrics.Handler())

	api := e.Group("/api/v1")
	if cfg.IsDev() && cfg.AuthSigningKey == "" {
		api.Use(auth.DevAuthMiddleware())
	} else {
		api.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			SigningKey: []byte(cfg.AuthSigningKey),
		}))
	}
	api.Use(middleware.RequestTimeout(cfg.RequestTimeout))
	api.Use(middleware.RateLimit(middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}))
	api.Use(middleware.Audit(logger))

	ledger.NewHandler(a.svc).RegisterRoutes(api)
	api.GET("/events/ws", websocket.NewHandler(a.hub, cfg.CORSOrigins).Connect,
		auth.RequireRole(ledger.RoleCashier, ledger.RoleManager, ledger.RoleFinanceManager, ledger.RoleBilling))
	return e
}

func (a *app) start() {
	a.sched.Start()
	if next, ok := a.sched.Next(consistencyJob); ok {
		a.log.Info().Time("next_run", next).Msg("consistency check scheduled")
	}
}

// shutdown stops accepting requests, waits for running jobs and drains the
// notification queue before closing connections.
func (a *app) shutdown(ctx context.Context) error {
	var errs []error
	if a.echo != nil {
		if err := a.echo.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http server: %w", err))
		}
	}
	if a.sched != nil {
		if err := a.sched.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("scheduler: %w", err))
		}
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
