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

	"github.com/talkline/talkline/internal/api"
	"github.com/talkline/talkline/internal/api/middleware"
	"github.com/talkline/talkline/internal/chat"
	"github.com/talkline/talkline/internal/config"
	"github.com/talkline/talkline/internal/handlers"
	"github.com/talkline/talkline/internal/presence"
	"github.com/talkline/talkline/internal/relay"
	"github.com/talkline/talkline/internal/store"
	"github.com/talkline/talkline/internal/ws"
)

func main() {
	// Load configuration
	cfg := config.Load()

	// Initialize logger
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

	ctx := context.Background()

	// Initialize the durable store: MongoDB when configured, SQLite otherwise
	var (
		st  store.Store
		err error
	)
	if cfg.MongoURL != "" {
		st, err = store.NewMongoStore(ctx, cfg.MongoURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("mongodb connection failed")
		}
		logger.Info().Msg("connected to MongoDB")
	} else {
		st, err = store.NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			logger.Fatal().Err(err).Msg("sqlite open failed")
		}
		logger.Info().Str("path", cfg.SQLitePath).Msg("using SQLite store")
	}
	defer st.Close()

	// Initialize Redis for rate limiting
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid REDIS_URL")
		}
		rdb = redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			logger.Fatal().Err(err).Msg("redis connection failed")
		}
		defer rdb.Close()
		logger.Info().Msg("connected to Redis")
	}

	// Wire the core: registry, dispatcher, service, transport
	registry := presence.NewRegistry()
	dispatcher := relay.NewDispatcher(registry, st, logger)
	svc := chat.NewService(st, registry, dispatcher, logger)

	limiter := middleware.NewRateLimiter(rdb, logger, middleware.RateLimiterConfig{
		Whitelist: cfg.RateLimitWhitelist,
	})

	wsHandler := ws.NewHandler(svc, limiter, cfg.AllowedOrigins, logger)
	h := handlers.NewHandler(st, rdb, registry)

	router := api.NewRouter(logger, h, wsHandler, limiter, cfg.AllowedOrigins)

	// No Read/WriteTimeout: sessions are long-lived websocket connections.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("env", cfg.Env).
			Msg("starting Talkline server")

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server failed to start")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server...")

	// Graceful shutdown with 30 second timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server forced to shutdown")
	}

	logger.Info().Msg("server stopped")
}
