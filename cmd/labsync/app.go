package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ehr/labsync/internal/config"
	"github.com/ehr/labsync/internal/domain/diagnostics"
	"github.com/ehr/labsync/internal/domain/identity"
	"github.com/ehr/labsync/internal/domain/labsync"
	"github.com/ehr/labsync/internal/domain/terminology"
	"github.com/ehr/labsync/internal/platform/checkpoint"
	"github.com/ehr/labsync/internal/platform/db"
	"github.com/ehr/labsync/internal/platform/lims"
	"github.com/ehr/labsync/internal/platform/lock"
	"github.com/ehr/labsync/internal/platform/middleware"
)

const opsReadTimeout = 15 * time.Second

func newLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// actorFromConfig builds the acting identity. Config.Validate has already
// checked the UUIDs.
func actorFromConfig(cfg *config.Config) labsync.Actor {
	actor := labsync.Actor{Username: cfg.ActorUsername}
	if cfg.ActorID != "" {
		actor.UserID = uuid.MustParse(cfg.ActorID)
	}
	if cfg.ActorLocationID != "" {
		loc := uuid.MustParse(cfg.ActorLocationID)
		actor.LocationID = &loc
	}
	return actor
}

// tokenSource prefers a signed service token over a static one. It returns
// nil when neither is configured.
func tokenSource(cfg *config.Config, actor labsync.Actor) lims.TokenSource {
	switch {
	case cfg.LIMSJWTSecret != "":
		signer := &lims.JWTSigner{
			Secret:   []byte(cfg.LIMSJWTSecret),
			Audience: cfg.LIMSJWTAudience,
			Username: actor.Username,
		}
		if actor.UserID != uuid.Nil {
			signer.Subject = actor.UserID.String()
		}
		if actor.LocationID != nil {
			signer.LocationID = actor.LocationID.String()
		}
		return signer
	case cfg.LIMSToken != "":
		return lims.StaticToken(cfg.LIMSToken)
	default:
		return nil
	}
}

// state is the checkpoint store and worker lock, backed by files or Redis.
type state struct {
	checkpoints checkpoint.Store
	locker      lock.Locker
	redis       *redis.Client
}

func openState(ctx context.Context, cfg *config.Config) (*state, error) {
	switch cfg.StateBackend {
	case config.StateBackendRedis:
		rdb, err := db.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		return &state{
			checkpoints: checkpoint.NewRedisStore(rdb),
			locker:      lock.NewRedisLocker(rdb, cfg.WorkerName, cfg.LockTTL),
			redis:       rdb,
		}, nil
	default:
		cps, err := checkpoint.NewFileStore(cfg.StateDir)
		if err != nil {
			return nil, err
		}
		locker, err := lock.NewFileLocker(cfg.StateDir, cfg.WorkerName)
		if err != nil {
			return nil, err
		}
		return &state{checkpoints: cps, locker: locker}, nil
	}
}

func (s *state) Close() {
	if s.redis != nil {
		s.redis.Close()
	}
}

// app wires the worker and its ops surface.
type app struct {
	cfg           *config.Config
	logger        zerolog.Logger
	pool          *pgxpool.Pool
	state         *state
	registry      *prometheus.Registry
	worker        *labsync.Worker
	failedImports labsync.FailedImportRepository
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, cfg.DBSchema)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	logger.Info().Str("schema", cfg.DBSchema).Msg("connected to database")

	st, err := openState(ctx, cfg)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("open sync state: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	actor := actorFromConfig(cfg)
	orders := diagnostics.NewService(diagnostics.NewOrderRepoPG(pool))
	concepts := terminology.NewService(terminology.NewConceptRepoPG(pool))
	failedImports := labsync.NewFailedImportRepoPG(pool)

	remote := lims.NewClient(lims.Options{
		BaseURL:     cfg.LIMSBaseURL,
		HTTPClient:  &http.Client{Timeout: cfg.LIMSTimeout},
		Tokens:      tokenSource(cfg, actor),
		MaxRetries:  cfg.LIMSMaxRetries,
		AckOutcomes: cfg.LIMSAckOutcomes,
		Logger:      logger,
	})

	worker := labsync.NewWorker(labsync.Config{
		Name:          cfg.WorkerName,
		PushBatchSize: cfg.PushBatchSize,
		PullLimit:     cfg.PullLimit,
		Actor:         actor,
	}, labsync.Deps{
		Remote:        remote,
		Orders:        orders,
		Concepts:      concepts,
		Mappings:      labsync.NewMappingRepoPG(pool),
		FailedImports: failedImports,
		Reconciler:    labsync.NewReconciler(identity.NewPatientRepo(pool), cfg.PatientIdentifierTypes),
		Translator:    labsync.NewTranslator(orders, concepts, logger),
		Checkpoints:   st.checkpoints,
		Locker:        st.locker,
		Tx:            db.NewTxManager(pool),
		Metrics:       labsync.NewMetrics(registry),
	}, logger)

	return &app{
		cfg:           cfg,
		logger:        logger,
		pool:          pool,
		state:         st,
		registry:      registry,
		worker:        worker,
		failedImports: failedImports,
	}, nil
}

func (a *app) Close() {
	a.state.Close()
	a.pool.Close()
}

func (a *app) opsServer() *echo.Echo {
	return newOpsServer(a.logger, a.pool, a.registry, labsync.NewHandler(a.failedImports, a.worker))
}

func newOpsServer(logger zerolog.Logger, pinger db.Pinger, gatherer prometheus.Gatherer, h *labsync.Handler) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))

	e.GET("/health", db.HealthHandler(pinger))
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	apiV1 := e.Group("/api/v1")
	h.RegisterRoutes(apiV1, middleware.RequestTimeout(opsReadTimeout))
	return e
}
