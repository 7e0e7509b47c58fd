package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"backoffice/backend/internal/bizday"
	"backoffice/backend/internal/cache"
	"backoffice/backend/internal/config"
	"backoffice/backend/internal/httpapi"
	"backoffice/backend/internal/lock"
	"backoffice/backend/internal/logging"
	"backoffice/backend/internal/service"
	"backoffice/backend/internal/store"
	"backoffice/backend/internal/store/memory"
	pgstore "backoffice/backend/internal/store/postgres"
)

type app struct {
	handler http.Handler
	closers []func() error
}

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err := validateSecurityConfig(cfg); err != nil {
		logger.WithError(err).Fatal("invalid security configuration")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("startup failed")
	}

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           a.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.WithField("addr", cfg.Address()).Info("back-office API listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Fatal("server error")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("shutdown error")
	}

	for _, closeFn := range a.closers {
		if err := closeFn(); err != nil {
			logger.WithError(err).Warn("close error")
		}
	}

	logger.Info("server stopped")
}

// buildApp wires the repository, cache, locker, service and HTTP API.
// A configured but unreachable Postgres is fatal; an unreachable Redis
// falls back to in-process cache and locks.
func buildApp(ctx context.Context, cfg config.Config, logger *logrus.Logger) (*app, error) {
	a := &app{closers: make([]func() error, 0, 2)}

	var repo interface {
		store.Repository
		httpapi.UserStore
	}
	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("postgres unavailable and DATABASE_URL is set; refusing in-memory fallback: %w", err)
		}
		a.closers = append(a.closers, pg.Close)
		if cfg.MigrateOnStart {
			if err := pg.Migrate(); err != nil {
				return nil, fmt.Errorf("migrate: %w", err)
			}
		}
		repo = pg
		logger.WithField("repository", "postgres").Info("repository ready")
	} else {
		seeded, err := memory.NewSeeded()
		if err != nil {
			return nil, fmt.Errorf("seed in-memory repository: %w", err)
		}
		repo = seeded
		logger.WithField("repository", "memory").Info("repository ready")
	}

	lockTTL := time.Duration(cfg.CloseLockTTLSeconds) * time.Second
	var (
		reports cache.ReportCache = cache.NewMemoryReportCache(time.Duration(cfg.ReportCacheTTLSeconds) * time.Second)
		locker  lock.Locker       = lock.NewLocalLocker()
	)
	if cfg.RedisAddr != "" {
		client := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := client.Ping(ctx).Err(); err != nil {
			logger.WithError(err).Warn("redis unavailable, using in-process cache and locks")
			_ = client.Close()
		} else {
			reports = cache.NewRedisReportCache(client)
			locker = lock.NewRedisLocker(redis.UniversalClient(client), lockTTL/2)
			a.closers = append(a.closers, client.Close)
			logger.WithField("redis", cfg.RedisAddr).Info("report cache and day-close locks on redis")
		}
	}

	svc := service.New(repo, service.Options{
		Calendar:       bizday.Bangkok(),
		Locker:         locker,
		LockTTL:        lockTTL,
		ReportCache:    reports,
		ReportCacheTTL: time.Duration(cfg.ReportCacheTTLSeconds) * time.Second,
		LookbackDays:   cfg.PendingLookbackDays,
		Logger:         logger,
	})
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo)
	api := httpapi.New(svc, auth, httpapi.Options{
		AllowedOrigins:         cfg.AllowedOrigins,
		LoginAttemptsPerMinute: cfg.LoginAttemptsPerMinute,
		Logger:                 logger,
	})
	a.handler = api.Handler()
	return a, nil
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if len(cfg.AllowedOrigins) == 0 {
		return fmt.Errorf("ALLOWED_ORIGINS must list at least one origin")
	}
	for _, origin := range cfg.AllowedOrigins {
		if origin == "*" {
			return fmt.Errorf("ALLOWED_ORIGINS must not contain a wildcard")
		}
	}
	return nil
}
