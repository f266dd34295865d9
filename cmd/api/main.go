package main

import (
	"context"
	"strconv"
	"time"

	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/afero"

	"mediavault/internal/auth"
	"mediavault/internal/cache"
	"mediavault/internal/cleanup"
	"mediavault/internal/coalesce"
	"mediavault/internal/events"
	"mediavault/internal/normalize"
	"mediavault/internal/persist"
	"mediavault/internal/quarantine"
	"mediavault/internal/replace"
	"mediavault/internal/scan"
	"mediavault/internal/storage"
	"mediavault/internal/telemetry"
	"mediavault/internal/upload"
)

func main() {
	// Use JSON traced logging
	baseHandler := slog.NewJSONHandler(os.Stdout, nil)
	logger := slog.New(telemetry.NewTraceHandler(baseHandler))
	slog.SetDefault(logger)

	if collector := os.Getenv("OTEL_COLLECTOR_URL"); collector != "" {
		shutdown, err := telemetry.InitTracer("mediavault-api", collector)
		if err != nil {
			slog.Error("Failed to initialize tracer", "error", err)
			os.Exit(1)
		}
		defer shutdown(context.Background())
	}

	config := config{
		frontend: os.Getenv("DOMAIN_NAME"),
		addr:     ":" + os.Getenv("API_PORT"),
		profiles: upload.DefaultProfiles(),
	}

	poolSize, _ := strconv.Atoi(os.Getenv("REDIS_POOL_SIZE"))
	minIdleConns, _ := strconv.Atoi(os.Getenv("REDIS_MIN_IDLE_CONNS"))

	cacheCfg := cache.Config{
		Addr:         os.Getenv("REDIS_ADDR"),
		Password:     os.Getenv("REDIS_PASSWORD"),
		DB:           0,
		PoolSize:     poolSize,
		MinIdleConns: minIdleConns,
	}
	slog.Info("Connecting to Redis cache", "addr", os.Getenv("REDIS_ADDR"))
	rdb, err := cache.NewRedisClient(cacheCfg)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}

	dsn := os.Getenv("DB_DSN")
	slog.Info("Connecting to database", "addr", dsn)
	conn, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer conn.Close()

	slog.Info("Connecting to object storage", "endpoint", os.Getenv("S3_ENDPOINT"))
	provider, err := storage.NewMinioProvider(
		os.Getenv("S3_ENDPOINT"),
		os.Getenv("MEDIAVAULT_S3_ACCESS_KEY_ID"),
		os.Getenv("MEDIAVAULT_S3_SECRET_ACCESS_KEY"),
		os.Getenv("S3_USE_SSL") == "true",
	)
	if err != nil {
		slog.Error("Failed to initialize MinIO provider", "error", err)
		os.Exit(1)
	}

	slog.Info("Connecting to event bus", "endpoint", os.Getenv("NATS_ENDPOINT"))
	eventBus, err := events.NewNATSBus(os.Getenv("NATS_ENDPOINT"), "mediavault-api", logger)
	if err != nil {
		slog.Error("Failed to initialize event bus", "error", err)
		os.Exit(1)
	}

	authorizationConfig := authorizationConfig{
		url:      os.Getenv("AUTHORIZATION_URL"),
		clientID: os.Getenv("AUTHORIZATION_CLIENT_ID"),
	}
	slog.Info("Connecting to authorization service", "url", authorizationConfig.url)
	authenticator, err := auth.NewAuthenticator(context.Background(), authorizationConfig.url, authorizationConfig.clientID)
	if err != nil {
		slog.Error("Failed to initialize authenticator", "error", err)
		os.Exit(1)
	}

	// Pipeline assembly. The API process only quarantines and enqueues;
	// everything after pending runs on the worker, but the sync path needs
	// the full chain here too.
	adapter := persist.NewPostgresAdapter(conn, logger)
	store := quarantine.NewStore(conn, provider, quarantine.Config{}, logger)
	engine := scan.NewClamdEngine(os.Getenv("CLAMD_ADDR"), 30*time.Second)
	scanner := scan.NewCoordinator(engine, provider, logger)
	pipeline := normalize.NewPipeline(
		afero.NewBasePathFs(afero.NewOsFs(), workDir()),
		&normalize.StdImageProcessor{},
		logger,
	)
	coalescer := coalesce.NewScheduler(rdb, eventBus, adapter, provider, config.profiles.ConversionsByCollection(), logger)
	orch := upload.NewOrchestrator(store, scanner, pipeline, adapter, provider, eventBus, coalescer, config.profiles, logger)
	coordinator := replace.NewCoordinator(orch, adapter, config.profiles, cleanup.NewQueueScheduler(eventBus), eventBus, logger)

	app := &application{
		config:        config,
		conn:          conn,
		cache:         rdb,
		authenticator: authenticator,
		eventBus:      eventBus,
		orchestrator:  orch,
		coordinator:   coordinator,
		store:         store,
		logger:        logger,
	}

	if err := app.run(app.mount()); err != nil {
		slog.Error("Failed to start server", "error", err)
		os.Exit(1)
	}
}

func workDir() string {
	if dir := os.Getenv("UPLOAD_WORK_DIR"); dir != "" {
		return dir
	}
	return os.TempDir()
}

