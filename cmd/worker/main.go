package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"

	"mediavault/internal/cache"
	"mediavault/internal/cleanup"
	"mediavault/internal/coalesce"
	"mediavault/internal/convert"
	"mediavault/internal/events"
	"mediavault/internal/normalize"
	"mediavault/internal/persist"
	"mediavault/internal/quarantine"
	"mediavault/internal/scan"
	"mediavault/internal/storage"
	"mediavault/internal/telemetry"
	"mediavault/internal/upload"
)

type Config struct {
	Env       string
	Port      string
	DSN       string
	NatsURL   string
	RedisAddr string
	RedisPass string
	S3        s3Config
	ClamdAddr string
	WorkDir   string
	PurgeTick time.Duration
}

type s3Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

const queueGroup = "mediavault-workers"

func main() {
	baseHandler := slog.NewJSONHandler(os.Stdout, nil)
	logger := slog.New(telemetry.NewTraceHandler(baseHandler))
	slog.SetDefault(logger)

	if err := run(logger); err != nil {
		slog.Error("Application terminated with error", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := loadConfig()
	logger.Info("Starting media worker", "env", cfg.Env)

	if collector := os.Getenv("OTEL_COLLECTOR_URL"); collector != "" {
		shutdown, err := telemetry.InitTracer("mediavault-worker", collector)
		if err != nil {
			return fmt.Errorf("failed to initialize tracer: %w", err)
		}
		defer shutdown(context.Background())
	}

	// Database
	dbPool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return fmt.Errorf("failed to connect to db: %w", err)
	}
	defer dbPool.Close()
	if err := dbPool.Ping(ctx); err != nil {
		return fmt.Errorf("failed to ping db: %w", err)
	}

	// Redis (coalescing pointers and locks)
	rdb, err := cache.NewRedisClient(cache.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPass,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	// Object storage
	provider, err := storage.NewMinioProvider(cfg.S3.Endpoint, cfg.S3.AccessKey, cfg.S3.SecretKey, cfg.S3.UseSSL)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}

	// Event bus
	bus, err := events.NewNATSBus(cfg.NatsURL, "mediavault-worker", logger)
	if err != nil {
		return fmt.Errorf("failed to connect to nats: %w", err)
	}

	// Pipeline assembly
	profiles := upload.DefaultProfiles()
	adapter := persist.NewPostgresAdapter(dbPool, logger)
	store := quarantine.NewStore(dbPool, provider, quarantine.Config{}, logger)
	engine := scan.NewClamdEngine(cfg.ClamdAddr, 30*time.Second)
	scanner := scan.NewCoordinator(engine, provider, logger)
	pipeline := normalize.NewPipeline(
		afero.NewBasePathFs(afero.NewOsFs(), cfg.WorkDir),
		&normalize.StdImageProcessor{},
		logger,
	)
	coalescer := coalesce.NewScheduler(rdb, bus, adapter, provider, profiles.ConversionsByCollection(), logger)
	orch := upload.NewOrchestrator(store, scanner, pipeline, adapter, provider, bus, coalescer, profiles, logger)
	generator := convert.NewGenerator(provider, adapter, nil, logger)
	cleanupRunner := cleanup.NewRunner(provider, adapter,
		map[string]storage.Bucket{"media": storage.BucketMedia},
		cleanup.InitMetrics(prometheus.DefaultRegisterer), logger)

	// Subscriptions. One queue group so each job lands on exactly one
	// worker; handler errors Nak for redelivery.
	subs := []struct {
		subject string
		handler events.Handler
	}{
		{events.SubjectProcessUpload, func(ctx context.Context, data []byte) error {
			var job events.ProcessUploadJob
			if err := json.Unmarshal(data, &job); err != nil {
				return err
			}
			_, err := orch.Process(ctx, job)
			return err
		}},
		{events.SubjectCoalesce, func(ctx context.Context, data []byte) error {
			var job events.CoalesceJob
			if err := json.Unmarshal(data, &job); err != nil {
				return err
			}
			return coalescer.RunJob(ctx, job)
		}},
		{events.SubjectConvert, func(ctx context.Context, data []byte) error {
			var job events.ConversionJob
			if err := json.Unmarshal(data, &job); err != nil {
				return err
			}
			return generator.Run(ctx, job)
		}},
		{events.SubjectCleanup, func(ctx context.Context, data []byte) error {
			var job events.CleanupJob
			if err := json.Unmarshal(data, &job); err != nil {
				return err
			}
			_, err := cleanupRunner.Run(ctx, job)
			return err
		}},
	}
	for _, s := range subs {
		if _, err := bus.Subscribe(s.subject, queueGroup, s.handler); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", s.subject, err)
		}
	}

	// TTL backstop: periodically force-expire stuck quarantine entries.
	go purgeLoop(ctx, store, cfg.PurgeTick, logger)

	logger.Info("Worker is running and listening for jobs...")

	// Health and metrics server
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := dbPool.Ping(r.Context()); err != nil {
			http.Error(w, "db unreachable", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: mux,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Health server failed", "error", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("Shutting down worker...", "signal", sig.String())
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Health server shutdown error", "error", err)
	}

	// Drain lets in-flight jobs finish instead of killing them mid-pipeline.
	if err := bus.Drain(); err != nil {
		logger.Error("NATS drain error", "error", err)
	}

	dbPool.Close()
	if err := rdb.Close(); err != nil {
		logger.Error("Redis close error", "error", err)
	}

	logger.Info("Shutdown complete.")
	return nil
}

// purgeLoop reclaims expired quarantine entries until ctx is cancelled.
func purgeLoop(ctx context.Context, store *quarantine.Store, tick time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := store.PurgeExpired(ctx); err != nil {
				logger.Error("Quarantine purge failed", "error", err)
			}
		}
	}
}

func loadConfig() Config {
	get := func(key, fallback string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return fallback
	}

	purgeTick, err := time.ParseDuration(get("QUARANTINE_PURGE_INTERVAL", "15m"))
	if err != nil {
		purgeTick = 15 * time.Minute
	}

	return Config{
		Env:       get("ENV", "development"),
		Port:      get("WORKER_PORT", "8081"),
		DSN:       os.Getenv("DB_DSN"),
		NatsURL:   get("NATS_ENDPOINT", "nats://localhost:4222"),
		RedisAddr: get("REDIS_ADDR", "localhost:6379"),
		RedisPass: os.Getenv("REDIS_PASSWORD"),
		S3: s3Config{
			Endpoint:  get("S3_ENDPOINT", "localhost:9000"),
			AccessKey: os.Getenv("MEDIAVAULT_S3_ACCESS_KEY_ID"),
			SecretKey: os.Getenv("MEDIAVAULT_S3_SECRET_ACCESS_KEY"),
			UseSSL:    os.Getenv("S3_USE_SSL") == "true",
		},
		ClamdAddr: get("CLAMD_ADDR", "localhost:3310"),
		WorkDir:   get("UPLOAD_WORK_DIR", os.TempDir()),
		PurgeTick: purgeTick,
	}
}
