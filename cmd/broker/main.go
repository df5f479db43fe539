// Package main provides the entry point for the compute broker.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/narvanalabs/gpuconnect/internal/api"
	"github.com/narvanalabs/gpuconnect/internal/auth"
	"github.com/narvanalabs/gpuconnect/internal/cache"
	"github.com/narvanalabs/gpuconnect/internal/dispatch"
	"github.com/narvanalabs/gpuconnect/internal/events"
	grpcserver "github.com/narvanalabs/gpuconnect/internal/grpc"
	"github.com/narvanalabs/gpuconnect/internal/ledger"
	"github.com/narvanalabs/gpuconnect/internal/registry"
	"github.com/narvanalabs/gpuconnect/internal/scheduler"
	"github.com/narvanalabs/gpuconnect/internal/session"
	"github.com/narvanalabs/gpuconnect/internal/shutdown"
	"github.com/narvanalabs/gpuconnect/internal/store"
	"github.com/narvanalabs/gpuconnect/internal/store/memory"
	pgstore "github.com/narvanalabs/gpuconnect/internal/store/postgres"
	"github.com/narvanalabs/gpuconnect/pkg/config"
	"github.com/narvanalabs/gpuconnect/pkg/logger"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		logger.Default().Error("failed to load configuration", "error", err)
		return 1
	}

	log := logger.New(logger.ParseLevel(cfg.LogLevel), cfg.LogJSON)
	slog.SetDefault(log.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// serverFailed is set when a listener dies, which also triggers shutdown.
	var serverFailed atomic.Bool

	// Components stop in reverse order: the HTTP server first, the store last.
	coord := shutdown.NewCoordinator(
		shutdown.WithTimeout(cfg.ShutdownTimeout),
		shutdown.WithLogger(log.Logger),
	)

	st, err := openStore(cfg, log.Logger)
	if err != nil {
		log.Error("failed to open store", "driver", cfg.StoreDriver, "error", err)
		return 1
	}
	coord.Register(shutdown.NewCloserComponent("store", st))

	var (
		jobCache cache.Cache
		limiter  session.FailureLimiter
	)
	if cfg.RedisURL != "" {
		rc, err := cache.NewRedisCache(cfg.RedisURL)
		if err != nil {
			log.Error("failed to connect to redis", "error", err)
			_ = st.Close()
			return 1
		}
		coord.Register(shutdown.NewCloserComponent("cache", rc))
		jobCache = rc
		if cfg.Session.MaxFailedRegistrations > 0 {
			limiter = cache.NewFailureLimiter(rc, "register", cfg.Session.MaxFailedRegistrations, time.Minute)
		}
		log.Info("redis cache enabled", "ttl", cfg.CacheTTL)
	} else if cfg.Session.MaxFailedRegistrations > 0 {
		log.Warn("registration rate limit needs REDIS_URL, limit disabled")
	}

	authService := auth.NewService(&auth.Config{
		JWTSecret:   []byte(cfg.JWTSecret),
		TokenExpiry: cfg.JWTExpiry,
	}, st.AgentTokens(), log.WithComponent("auth").Logger)

	reg := registry.New(st, &registry.Config{
		LivenessCutoff: cfg.Registry.LivenessCutoff,
		ReapInterval:   cfg.Registry.ReapInterval,
	}, log.WithComponent("registry").Logger)

	led := ledger.New(st, &ledger.Config{
		JobCost:         cfg.Ledger.JobCost,
		ProviderShare:   cfg.Ledger.ProviderShare,
		RefundOnFailure: cfg.Ledger.RefundOnFailure,
	}, log.WithComponent("ledger").Logger)

	broker := events.NewBroker(log.WithComponent("events").Logger)

	router := dispatch.NewRouter(led, broker, log.WithComponent("dispatch").Logger)
	if jobCache != nil {
		router.SetCache(jobCache, cfg.CacheTTL)
	}

	matcher := scheduler.NewMatchmaker(st, reg, router, &cfg.Scheduler, log.WithComponent("scheduler").Logger)
	reg.OnRegister(matcher.NodeRegistered)

	reg.StartReaper(ctx)
	coord.Register(shutdown.NewLoopComponent("registry-reaper", reg))
	matcher.Start(ctx)
	coord.Register(shutdown.NewLoopComponent("matchmaker", matcher))

	deps := session.Deps{
		Verifier: authService,
		Registry: reg,
		Router:   router,
		Events:   broker,
		Matcher:  matcher,
		Limiter:  limiter,
	}
	sessions := session.NewManager(deps, &session.Config{
		PingInterval: cfg.Session.PingInterval,
		ReadTimeout:  cfg.Session.ReadTimeout,
		WriteTimeout: cfg.Session.WriteTimeout,
		SendBuffer:   cfg.Session.SendBuffer,
	}, log.WithComponent("session").Logger)

	grpcCfg := grpcserver.DefaultConfig()
	grpcCfg.Port = cfg.GRPCPort
	grpcSrv := grpcserver.NewServer(grpcCfg, st, log.WithComponent("grpc").Logger)
	coord.Register(shutdown.NewFuncComponent("grpc", grpcSrv.Stop))
	go func() {
		if err := grpcSrv.Start(ctx); err != nil {
			log.Error("gRPC server error", "error", err)
			serverFailed.Store(true)
			cancel()
		}
	}()

	coord.Register(shutdown.NewFuncComponent("sessions", sessions.Shutdown))

	apiSrv := api.NewServer(cfg, api.Deps{
		Store:          st,
		Auth:           authService,
		Registry:       reg,
		Ledger:         led,
		Sessions:       sessions,
		Matcher:        matcher,
		Cache:          jobCache,
		ConnectedNodes: router.ConnectedCount,
	}, log.WithComponent("api").Logger)
	coord.Register(shutdown.NewFuncComponent("http", apiSrv.Shutdown))
	go func() {
		if err := apiSrv.Start(ctx); err != nil {
			log.Error("API server error", "error", err)
			serverFailed.Store(true)
			cancel()
		}
	}()

	log.Info("broker started",
		"store", cfg.StoreDriver,
		"api_port", cfg.APIPort,
		"grpc_port", cfg.GRPCPort,
		"job_cost", cfg.Ledger.JobCost.StringFixed(2),
		"provider_share", cfg.Ledger.ProviderShare.String(),
	)

	coord.WaitForSignal(ctx)
	cancel()
	if serverFailed.Load() {
		return 1
	}
	return coord.ExitCode()
}

// openStore opens the configured store backend.
func openStore(cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.StoreDriver {
	case "memory":
		logger.Warn("using in-memory store, state is lost on restart")
		return memory.New(), nil
	case "postgres", "":
		st, err := pgstore.NewPostgresStore(pgstore.DefaultConfig(cfg.DatabaseDSN), logger)
		if err != nil {
			return nil, err
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}
