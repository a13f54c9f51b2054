package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/trymist/Mist/internal/app/migrate"
	"github.com/trymist/Mist/internal/docker"
	httpx "github.com/trymist/Mist/internal/http"
	"github.com/trymist/Mist/internal/logstore"
	"github.com/trymist/Mist/internal/repository/postgres"
	"github.com/trymist/Mist/internal/service/deploy"
	"github.com/trymist/Mist/internal/service/logs"
	runtimectl "github.com/trymist/Mist/internal/service/runtime"
	"github.com/trymist/Mist/internal/state"
	"github.com/trymist/Mist/internal/stream"
	"github.com/trymist/Mist/internal/workspace"
	"github.com/trymist/Mist/pkg/config"
	"github.com/trymist/Mist/pkg/logger"
)

func main() {
	cfg := config.LoadServerConfig()
	log := logger.New("mist", slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}

	runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
	if err != nil {
		log.Error("failed to configure migrations", "error", err)
		os.Exit(1)
	}
	defer runner.Close()
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	engine, err := docker.New(cfg.DockerHost)
	if err != nil {
		log.Error("failed to connect to docker engine", "error", err)
		os.Exit(1)
	}
	defer engine.Close()

	files, err := logstore.New(cfg.BuildLogRoot)
	if err != nil {
		log.Error("failed to prepare build log root", "error", err)
		os.Exit(1)
	}
	workspaces, err := workspace.New(cfg.WorkspaceRoot)
	if err != nil {
		log.Error("failed to prepare workspace root", "error", err)
		os.Exit(1)
	}

	repo := postgres.New(pool)
	store := state.New(repo, files, log)
	streams := stream.NewRegistry(cfg.StreamQueueSize, cfg.StreamTeardown, log)

	deploySvc := deploy.New(
		repo,
		store,
		streams,
		deploy.GitCloner{},
		deploy.DockerBuilder{Client: engine},
		deploy.DockerRunner{Client: engine},
		workspaces,
		log,
		cfg.DeploymentTimeout,
	)
	runtimeSvc := runtimectl.New(repo, engine, log)
	logSvc := logs.New(store, log)

	controller := runtimectl.NewController(repo, store, streams, log, cfg.ReconcileInterval, cfg.DeploymentTimeout)
	if controller != nil {
		go controller.Run(ctx)
	}

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(log, deploySvc, runtimeSvc, logSvc, streams, limiter, pool.Ping, engine.Ping)
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("mist server starting", "addr", cfg.Addr)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("mist server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
