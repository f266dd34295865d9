package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/jackc/pgx/v5/pgxpool"

	"mediavault/internal/auth"
	"mediavault/internal/cache"
	"mediavault/internal/events"
	"mediavault/internal/handlers/uploads"
	"mediavault/internal/idempotency"
	"mediavault/internal/quarantine"
	"mediavault/internal/replace"
	"mediavault/internal/upload"
)

type application struct {
	config        config
	conn          *pgxpool.Pool
	cache         *cache.RedisClient
	authenticator *auth.Authenticator
	eventBus      events.Bus
	orchestrator  *upload.Orchestrator
	coordinator   *replace.Coordinator
	store         *quarantine.Store
	logger        *slog.Logger
}

type config struct {
	frontend string
	addr     string
	profiles upload.Profiles
}

type authorizationConfig struct {
	url      string
	clientID string
}

func (app *application) mount() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{app.config.frontend},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Correlation-Id"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300, // Maximum value not ignored by any of major browsers
	}))
	slog.Info("Allowed origins", "origin", app.config.frontend)

	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})

	idempotencyStore := idempotency.NewStore(app.cache)

	uploadService := uploads.NewUploadService(app.orchestrator, app.coordinator, app.store)
	uploadHandler := uploads.NewUploadHandler(uploadService)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Recoverer)
		r.Use(idempotency.Idempotency(idempotencyStore))

		// Authenticated routes
		r.Use(app.authenticator.Middleware)

		r.Post("/uploads", uploadHandler.Submit)
		r.Post("/uploads/sync", uploadHandler.SubmitSync)
		r.Get("/uploads/{token}/status", uploadHandler.Status)
	})

	return r
}

func (app *application) run(h http.Handler) error {
	svr := &http.Server{
		Addr:         app.config.addr,
		Handler:      h,
		WriteTimeout: time.Second * 30,
		ReadTimeout:  time.Second * 10,
		IdleTimeout:  time.Minute * 1,
	}

	slog.Info("Starting server on " + app.config.addr)
	go func() {
		if err := svr.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Listen: %s\n", err)
		}
	}()

	// Wait for Interrupt Signal (Ctrl+C or Docker Stop)
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	// Create a deadline to wait for active requests (e.g. 10 seconds)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Shutdown HTTP
	if err := svr.Shutdown(ctx); err != nil {
		log.Fatal("Server Forced to Shutdown:", err)
		return err
	}

	// Shutdown NATS (Drain is better than Close)
	// Drain allows in-flight messages to finish processing
	if err := app.eventBus.Drain(); err != nil {
		log.Fatal("NATS Drain failed:", err)
		return err
	}

	// Close DB Connection Pool
	app.conn.Close()

	// Close Redis Client
	if err := app.cache.Close(); err != nil {
		log.Fatal("Redis Close failed:", err)
		return err
	}

	log.Println("Server Exited Properly")
	return nil
}
