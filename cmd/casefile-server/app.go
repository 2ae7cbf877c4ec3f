package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/inaya/casefile/internal/config"
	"github.com/inaya/casefile/internal/domain/admin"
	"github.com/inaya/casefile/internal/domain/analysis"
	"github.com/inaya/casefile/internal/domain/records"
	"github.com/inaya/casefile/internal/platform/auth"
	"github.com/inaya/casefile/internal/platform/blobstore"
	"github.com/inaya/casefile/internal/platform/db"
	"github.com/inaya/casefile/internal/platform/llm"
	"github.com/inaya/casefile/internal/platform/middleware"
	"github.com/inaya/casefile/internal/platform/ocr"
	"github.com/inaya/casefile/internal/platform/queue"
	"github.com/inaya/casefile/internal/platform/webhook"
	"github.com/inaya/casefile/internal/platform/websocket"
)

const uploadBodyLimit = "55M"

// app holds the process-wide dependencies shared by serve and worker.
type app struct {
	cfg    *config.Config
	logger zerolog.Logger

	pool *pgxpool.Pool
	rdb  *redis.Client
	bus  *websocket.RedisBus
	hub  *websocket.Hub
	// hooks is nil unless WEBHOOK_URLS is set.
	hooks *webhook.Publisher

	events   websocket.EventPublisher
	jobs     queue.Queue
	records  *records.Service
	analysis *analysis.Service
	admin    *admin.Service

	closers []func()
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger, hub: websocket.NewHub()}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	var store *records.Store
	if cfg.UseMemoryStore() {
		logger.Warn().Msg("using in-memory record store")
		store = records.NewMemoryStore()
	} else {
		a.pool, err = db.NewPool(ctx, db.PoolConfig{URL: cfg.DatabaseURL, MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		a.closers = append(a.closers, a.pool.Close)
		logger.Info().Msg("connected to database")
		store = records.NewPGStore(a.pool)
	}

	var fanout websocket.MultiPublisher
	if cfg.RedisURL != "" {
		a.rdb, err = queue.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = a.rdb.Close() })
		a.jobs = queue.NewRedisQueue(a.rdb, cfg.AnalysisQueueKey)
		a.bus = websocket.NewRedisBus(a.rdb, cfg.RedisEventsChannel)
		fanout = websocket.MultiPublisher{a.bus, eventLog{logger}}
		logger.Info().Msg("connected to redis")
	} else {
		mq := queue.NewMemoryQueue(256)
		a.closers = append(a.closers, mq.Close)
		a.jobs = mq
		fanout = websocket.MultiPublisher{a.hub, eventLog{logger}}
	}

	if cfg.WebhookURLs != "" {
		var endpoints []webhook.Endpoint
		endpoints, err = webhook.ParseEndpoints(cfg.WebhookURLs, cfg.WebhookSecret)
		if err != nil {
			return nil, err
		}
		a.hooks = webhook.NewPublisher(endpoints)
		fanout = append(fanout, a.hooks)
		logger.Info().Int("endpoints", len(endpoints)).Msg("webhooks enabled")
	}
	a.events = fanout

	blobs, err := newBlobStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if c, ok := blobs.(interface{ Close() error }); ok {
		a.closers = append(a.closers, func() { _ = c.Close() })
	}

	model := llm.NewOpenAIClient(llm.Config{
		APIKey:  cfg.OpenAIAPIKey,
		BaseURL: cfg.OpenAIBaseURL,
		Model:   cfg.OpenAIModel,
		Timeout: cfg.OpenAITimeout,
	})
	if cfg.OpenAIAPIKey == "" {
		logger.Warn().Msg("OPENAI_API_KEY is empty, AI routes will fail")
	}

	extractor, err := a.newExtractor(ctx, model)
	if err != nil {
		return nil, err
	}

	a.records = records.NewService(store, blobs, a.events, a.jobs, records.ServiceConfig{
		BlobRoot:    cfg.DriveRootFolder,
		AutoAnalyze: cfg.AutoAnalyze,
	})
	a.analysis = analysis.NewService(a.records, model, extractor, a.jobs, a.events)
	a.admin = admin.NewService(a.records, a.jobs, a.events)
	return a, nil
}

func newBlobStore(ctx context.Context, cfg *config.Config) (blobstore.Store, error) {
	switch cfg.StorageBackend {
	case "gcs":
		s, err := blobstore.NewGCSStore(ctx, cfg.GCSBucket)
		if err != nil {
			return nil, err
		}
		return s, nil
	case "drive":
		s, err := blobstore.NewDriveStore(ctx, blobstore.DriveConfig{
			ClientID:      cfg.GoogleClientID,
			ClientSecret:  cfg.GoogleClientSecret,
			RefreshToken:  cfg.GoogleRefreshToken,
			ShareWithLink: true,
		})
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return blobstore.NewInMemoryBlobStore(), nil
	}
}

func (a *app) newExtractor(ctx context.Context, model llm.Client) (*ocr.Router, error) {
	if a.cfg.OCRProvider == "vision" {
		v, err := ocr.NewVisionOCR(ctx)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { _ = v.Close() })
		return ocr.NewRouter(v), nil
	}
	return ocr.NewRouter(ocr.NewLLMOCR(model)), nil
}

func (a *app) newWorker() *analysis.Worker {
	return analysis.NewWorker(a.jobs, a.analysis, a.events, workerConfig(a.cfg))
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) readinessChecks() []db.Check {
	var checks []db.Check
	if a.pool != nil {
		checks = append(checks, db.PoolCheck(a.pool))
	}
	if a.rdb != nil {
		checks = append(checks, db.Check{
			Name: "redis",
			Ping: func(ctx context.Context) error { return a.rdb.Ping(ctx).Err() },
		})
	}
	return checks
}

func (a *app) newServer() *echo.Echo {
	cfg := a.cfg

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.SecurityHeaders(cfg.IsProduction()))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{echo.HeaderAuthorization, echo.HeaderContentType, echo.HeaderXRequestID},
	}))
	e.Use(middleware.BodyLimit(cfg.BodyLimit, uploadBodyLimit))
	e.Use(middleware.RequestTimeout(cfg.RequestTimeout, "/ws", "/api/v1/ai"))

	if cfg.ResolvedAuthMode() == "development" {
		e.Use(auth.DevAuthMiddleware(auth.AuthSkipper))
	} else {
		e.Use(auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
			Skipper:    auth.AuthSkipper,
		}))
	}

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok", "version": version})
	})
	e.GET("/health/ready", db.ReadinessHandler(a.pool, a.readinessChecks()...))

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1 := e.Group("/api/v1", middleware.RateLimit(rateLimitCfg))

	records.NewHandler(a.records).RegisterRoutes(apiV1)
	aiMiddleware := []echo.MiddlewareFunc{middleware.RequestTimeout(cfg.AnalysisTimeout)}
	if cfg.AIRateLimit > 0 {
		aiMiddleware = append(aiMiddleware, middleware.RateLimit(middleware.PerMinute(cfg.AIRateLimit, "ai")))
	}
	analysis.NewHandler(a.analysis).RegisterRoutes(apiV1, aiMiddleware...)
	admin.NewHandler(a.admin, cfg.AdminSecret).RegisterRoutes(apiV1)

	websocket.NewWebSocketHandler(a.hub, cfg.CORSOrigins).RegisterRoutes(e)

	return e
}

// eventLog records every published event at debug level.
type eventLog struct {
	logger zerolog.Logger
}

func (l eventLog) Publish(_ context.Context, ev websocket.Event) error {
	l.logger.Debug().
		Str("event", ev.Type).
		Str("case_id", ev.CaseID).
		Str("patient_id", ev.PatientID).
		Msg("event published")
	return nil
}
