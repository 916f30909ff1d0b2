package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"clinicdesk/attendance-service/internal/config"
	"clinicdesk/attendance-service/internal/dispatch"
	"clinicdesk/attendance-service/internal/httpapi"
	"clinicdesk/attendance-service/internal/pollsync"
	"clinicdesk/attendance-service/internal/store"
	"clinicdesk/attendance-service/internal/store/memory"
	"clinicdesk/attendance-service/internal/store/postgres"
	"clinicdesk/attendance-service/internal/telemetry"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the attendance API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.ValidateServe(); err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg, newLogger(cfg.Env))
		},
	}
}

func runServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	shutdownTracing := telemetry.Setup(ctx, telemetry.Options{
		ServiceName: serviceName,
		Endpoint:    cfg.OTLPEndpoint,
		Insecure:    cfg.OTLPInsecure,
		Logger:      logger,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("tracer shutdown failed")
		}
	}()

	backend, closeBackend, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeBackend()

	var cache pollsync.Cache
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse REDIS_URL: %w", err)
		}
		client := redis.NewClient(opts)
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Warn().Err(err).Msg("redis unreachable, snapshots will be rebuilt until it recovers")
		}
		cache = pollsync.NewRedisCache(client)
	}

	coordinator := dispatch.New(backend, dispatch.Options{
		MaxAttempts:               cfg.DispatchMaxRetries,
		AllowRecallInConsultation: cfg.AllowRecallInConsultation,
		Logger:                    logger.With().Str("component", "dispatch").Logger(),
	})
	service := pollsync.NewService(backend, pollsync.Options{
		Now:          coordinator.Now,
		Cache:        cache,
		CacheTTL:     cfg.SnapshotCacheTTL(),
		HistoryLimit: cfg.CallHistoryLimit,
		Logger:       logger.With().Str("component", "pollsync").Logger(),
	})
	handler := httpapi.NewHandler(coordinator, service, httpapi.Options{
		Health: backend.Ping,
		Logger: logger,
	})
	limiter := httpapi.NewRateLimiter(httpapi.RateLimitConfig{
		IPPerMinute:     cfg.RateLimitPerMinute,
		IPBurst:         cfg.RateLimitBurst,
		ClinicPerMinute: cfg.ClinicRateLimitPerMinute,
		ClinicBurst:     cfg.ClinicRateLimitBurst,
	})

	routes := httpapi.LoggingMiddleware(logger,
		httpapi.AuthMiddleware([]byte(cfg.JWTSigningKey),
			limiter.Middleware(handler.Routes())))

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      otelhttp.NewHandler(routes, "http.server"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", server.Addr).Str("store", cfg.StoreDriver).Msg("attendance-service listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func openBackend(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (store.Backend, func(), error) {
	if cfg.StoreDriver == config.DriverMemory {
		logger.Warn().Msg("using in-memory store, state is lost on restart")
		return memory.New(), func() {}, nil
	}
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return nil, nil, err
	}
	logger.Info().Msg("connected to database")
	backend := postgres.NewStore(pool, postgres.Options{LockTimeout: cfg.LockTimeout()})
	return backend, pool.Close, nil
}
