package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/chaloalba05-wq/chat-backend/internal/api"
	"github.com/chaloalba05-wq/chat-backend/internal/audit"
	"github.com/chaloalba05-wq/chat-backend/internal/cache"
	"github.com/chaloalba05-wq/chat-backend/internal/config"
	"github.com/chaloalba05-wq/chat-backend/internal/directory"
	"github.com/chaloalba05-wq/chat-backend/internal/gateway"
	"github.com/chaloalba05-wq/chat-backend/internal/rooms"
	"github.com/chaloalba05-wq/chat-backend/internal/session"
	"github.com/chaloalba05-wq/chat-backend/internal/store"
)

func main() {
	cfg := config.Load()

	var logger zerolog.Logger
	if cfg.IsDevelopment() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Logger()
	} else {
		logger = zerolog.New(os.Stdout).
			With().
			Timestamp().
			Logger()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Durable backend selection: Postgres wins, then Redis, then SQLite,
	// then memory for local hacking.
	var (
		st          store.Store
		backend     string
		redisClient *redis.Client
	)
	switch {
	case cfg.DatabaseURL != "":
		logger.Info().Msg("running database migrations...")
		if err := store.RunMigrations(cfg.DatabaseURL); err != nil {
			logger.Fatal().Err(err).Msg("migration failed")
		}

		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres connection failed")
		}
		st, backend = pg, "postgres"
		logger.Info().Msg("connected to PostgreSQL")

	case cfg.RedisURL != "":
		rs, err := store.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		st, backend = rs, "redis"
		redisClient = rs.Client()
		logger.Info().Msg("connected to Redis")

	case cfg.SQLitePath != "":
		sq, err := store.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			logger.Fatal().Err(err).Msg("sqlite open failed")
		}
		st, backend = sq, "sqlite"
		logger.Info().Str("path", cfg.SQLitePath).Msg("opened SQLite database")

	default:
		st, backend = store.NewMemoryStore(), "memory"
		logger.Warn().Msg("no durable backend configured, messages will not survive a restart")
	}
	defer st.Close()

	trail := audit.NewLog(audit.DefaultCap)
	msgCache := cache.New(logger, st, trail, cache.Options{
		ConversationCap: cfg.ConversationCap,
		BroadcastCap:    cfg.BroadcastCap,
		SyncInterval:    cfg.SyncInterval,
		OrphanMaxAge:    cfg.OrphanMaxAge,
	})
	if err := msgCache.WarmFeed(ctx); err != nil {
		logger.Warn().Err(err).Msg("broadcast feed warmup failed")
	}
	go msgCache.Run(ctx)

	sessions := session.NewRegistry()
	router := rooms.NewRouter()
	dir := directory.New(logger, st, msgCache, trail)
	gw := gateway.New(logger, sessions, router, msgCache, dir, trail, gateway.Options{
		AdminToken: cfg.AdminToken,
	})

	h := api.NewHandler(logger, backend, st, msgCache, dir, sessions, trail)
	mux := api.NewRouter(logger, api.RouterOptions{
		Handler:     h,
		Gateway:     gw,
		RedisClient: redisClient,
		AdminToken:  cfg.AdminToken,
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Str("backend", backend).
			Msg("starting chat relay")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server forced to shutdown")
	}

	// Stop the reconcile loop and push any pending writes out.
	cancel()
	flushCtx, flushCancel := context.WithTimeout(context.Background(), 10*time.Second)
	msgCache.Reconcile(flushCtx)
	flushCancel()

	logger.Info().Msg("server stopped")
}
