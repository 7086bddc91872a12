package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/zephyrr-ci/zephyr/internal/config"
	"github.com/zephyrr-ci/zephyr/internal/httpapi"
	"github.com/zephyrr-ci/zephyr/internal/metrics"
	"github.com/zephyrr-ci/zephyr/internal/observer"
	"github.com/zephyrr-ci/zephyr/internal/scheduler"
	"github.com/zephyrr-ci/zephyr/internal/store/migrate"
	"github.com/zephyrr-ci/zephyr/internal/store/postgres"
	"github.com/zephyrr-ci/zephyr/internal/vmpool"
	"github.com/zephyrr-ci/zephyr/internal/webhook"
	"github.com/zephyrr-ci/zephyr/pkg/logger"
)

func main() {
	cfg := config.LoadServerConfig()
	log := logger.New("zephyrd", logger.ParseLevel(cfg.LogLevel))

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
	if err := runner.Ping(ctx); err != nil {
		log.Error("database ping failed", "error", err)
		os.Exit(1)
	}
	if err := runner.Ensure(ctx); err != nil {
		log.Error("migrations failed", "error", err)
		os.Exit(1)
	}

	st := postgres.New(pool)
	defer st.Close()

	sink := metrics.NewPrometheus("orchestrator")
	bus := observer.NewBus(log, cfg.ObserverBufferSize)

	provider, vmPool, err := buildProvider(ctx, cfg, log, sink)
	if err != nil {
		log.Error("failed to build runner provider", "error", err)
		os.Exit(1)
	}

	sched := scheduler.New(st, scheduler.FileConfigLoader{}, provider, bus, sink, log, scheduler.Config{
		MaxConcurrent: cfg.MaxConcurrentJobs,
		PollInterval:  cfg.PollInterval,
		WorkdirRoot:   cfg.JobWorkdirRoot,
		Secrets:       loadSecrets(),
	})
	if err := sched.Bootstrap(ctx); err != nil {
		log.Error("bootstrap reconciliation failed", "error", err)
		os.Exit(1)
	}
	sched.Start()

	var limiter httpapi.RateLimiter
	if cfg.RateLimitRedisAddr != "" {
		limiter, err = httpapi.NewRedisRateLimiter(cfg.RateLimitRedisAddr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log, sink)
		if err != nil {
			log.Warn("redis rate limiter unavailable, using in-memory", "error", err)
		}
	}
	if limiter == nil {
		limiter = httpapi.NewMemoryRateLimiter()
	}

	webhooks := webhook.New(st, log, cfg.WebhookSecret)
	router := httpapi.NewRouter(log, sched, st, bus, webhooks, sink, limiter, cfg.APIKey, cfg.StreamTokenTTL)
	defer router.Close()

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("http server listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "error", err)
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		log.Error("scheduler drain failed", "error", err)
	}
	if vmPool != nil {
		if err := vmPool.Stop(shutdownCtx); err != nil {
			log.Error("vm pool stop failed", "error", err)
		}
	}
	log.Info("shutdown complete")
}

// buildProvider selects the execution backend: the warm microVM pool
// when enabled, otherwise docker or the host shell.
func buildProvider(ctx context.Context, cfg config.ServerConfig, log *slog.Logger, sink metrics.Sink) (scheduler.RunnerProvider, *vmpool.Pool, error) {
	if cfg.PoolEnabled {
		networks, err := vmpool.NewSubnetAllocator(cfg.NetworkSubnetBase, cfg.NATInterface, log)
		if err != nil {
			return nil, nil, err
		}
		pool, err := vmpool.New(vmpool.Config{
			MinIdle:             cfg.PoolMinIdle,
			MaxIdle:             cfg.PoolMaxIdle,
			MaxTotal:            cfg.PoolMaxTotal,
			MaxIdleTime:         cfg.PoolMaxIdleTime,
			HealthCheckInterval: cfg.PoolHealthInterval,
			KernelImage:         cfg.VMKernelImage,
			RootfsImage:         cfg.VMRootfsImage,
			CPUs:                cfg.VMCPUs,
			MemoryMB:            cfg.VMMemoryMB,
		}, vmpool.NewHTTPDriver(cfg.HypervisorSocket), networks, log, sink)
		if err != nil {
			return nil, nil, err
		}
		if err := pool.Start(ctx); err != nil {
			return nil, nil, err
		}
		return scheduler.VMProvider{
			Pool:       pool,
			SSHUser:    cfg.VMSSHUser,
			SSHKeyPath: cfg.VMSSHKeyPath,
			Logger:     log,
		}, pool, nil
	}

	if cfg.RunnerBackend == "docker" {
		return scheduler.DockerProvider{Host: cfg.DockerHost, Logger: log}, nil, nil
	}
	return scheduler.LocalProvider{WorkdirRoot: cfg.JobWorkdirRoot}, nil, nil
}

// loadSecrets exposes ZEPHYR_SECRET_* environment variables as
// pipeline secrets, keyed by the suffix.
func loadSecrets() map[string]string {
	const prefix = "ZEPHYR_SECRET_"
	secrets := make(map[string]string)
	for _, kv := range os.Environ() {
		if len(kv) <= len(prefix) || kv[:len(prefix)] != prefix {
			continue
		}
		rest := kv[len(prefix):]
		for i := 0; i < len(rest); i++ {
			if rest[i] == '=' {
				secrets[rest[:i]] = rest[i+1:]
				break
			}
		}
	}
	return secrets
}
