package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bastion/internal/admin"
	enfconfig "bastion/internal/enforcement/config"
	"bastion/internal/enforcement/metrics"
	"bastion/internal/enforcement/service/abusetrack"
	"bastion/internal/enforcement/service/behavior"
	"bastion/internal/enforcement/service/coordinator"
	"bastion/internal/enforcement/service/dedup"
	"bastion/internal/enforcement/service/ratelimit"
	"bastion/internal/enforcement/store/kv"
	"bastion/internal/platform/config"
	"bastion/internal/platform/health"
	"bastion/internal/platform/httpserver"
	"bastion/internal/platform/logger"
	"bastion/internal/platform/middleware"
	redisplatform "bastion/internal/platform/redis"
	"bastion/internal/reputation/intel"
	repservice "bastion/internal/reputation/service"
	"bastion/internal/reputation/store/blocklist"
	"bastion/internal/reputation/workers/refresh"
	httptransport "bastion/internal/transport/http"
)

// main wires the dependency graph and owns the process lifecycle. All
// enforcement logic lives in the internal service packages.
func main() {
	cfg := config.FromEnv()
	log := logger.New()

	log.Info("initializing bastion",
		"addr", cfg.Addr,
		"environment", cfg.Environment,
		"redis_configured", cfg.Redis.URL != "",
		"intel_configured", cfg.Intel.BaseURL != "",
	)

	enfCfg := enfconfig.DefaultConfig()
	if !cfg.IsProduction() {
		enfCfg = enfconfig.DevelopmentConfig()
	}
	if err := enfCfg.Validate(); err != nil {
		log.Error("invalid enforcement configuration", "error", err)
		os.Exit(1)
	}
	if cfg.IsProduction() && cfg.AdminSigningKey == "" {
		log.Error("admin signing key is required in production")
		os.Exit(1)
	}

	m := metrics.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Store: Redis primary with in-process failover when configured,
	// in-process only otherwise.
	fallback := kv.NewMemoryStore()
	var store kv.Store = fallback
	redisClient, err := redisplatform.New(cfg.Redis)
	if err != nil {
		log.Error("redis initialization failed", "error", err)
		os.Exit(1)
	}
	if redisClient != nil {
		defer redisClient.Close()
		store = kv.NewFailoverStore(
			kv.NewRedisStore(redisClient.Client),
			fallback,
			kv.WithFailoverLogger(log),
			kv.WithFailoverMetrics(m),
		)
		go poolStatsLoop(ctx, redisClient)
	} else {
		log.Warn("redis not configured, running on in-process store only")
	}

	var source intel.Source = intel.NoopSource{}
	if cfg.Intel.BaseURL != "" {
		source = intel.NewHTTPSource(cfg.Intel,
			intel.WithLogger(log),
			intel.WithMetrics(m),
		)
	}

	reputation := repservice.NewService(store, blocklist.NewStore(store), source,
		repservice.WithLogger(log),
		repservice.WithMetrics(m),
		repservice.WithCacheTTL(cfg.Intel.CacheTTL),
		repservice.WithLookupTimeout(cfg.Intel.Timeout),
	)
	rates := ratelimit.NewService(store, enfCfg, ratelimit.WithLogger(log))
	dedupSvc := dedup.NewService(store, enfCfg, dedup.WithLogger(log))
	behaviorSvc := behavior.NewService(enfCfg, behavior.WithLogger(log))
	abuse := abusetrack.NewService(store, enfCfg,
		abusetrack.WithLogger(log),
		abusetrack.WithMetrics(m),
	)
	pipeline := coordinator.New(enfCfg, store, reputation, rates, dedupSvc, behaviorSvc, abuse,
		coordinator.WithLogger(log),
		coordinator.WithMetrics(m),
	)

	refresher := refresh.New(store, reputation,
		refresh.WithLogger(log),
		refresh.WithMetrics(m),
	)
	go refresher.Start(ctx) //nolint:errcheck // exits with ctx

	healthHandler := health.NewHandler()
	if redisClient != nil {
		healthHandler.Register("redis", redisClient.Health)
	}

	router := httptransport.NewRouter(httptransport.RouterConfig{
		Handler:   httptransport.NewHandler(pipeline, log),
		Admin:     admin.NewHandler(reputation, rates, abuse, log),
		AdminAuth: admin.Auth(cfg.AdminSigningKey, abuse, log),
		Health:    healthHandler,
		Metadata:  middleware.MetadataConfig{TrustedProxies: cfg.TrustedProxies},
		Logger:    log,
	})

	srv := httpserver.New(cfg.Addr, router)
	go func() {
		log.Info("starting http server", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down server gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
		os.Exit(1)
	}
	log.Info("server stopped")
}

func poolStatsLoop(ctx context.Context, client *redisplatform.Client) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			client.RecordPoolStats()
		case <-ctx.Done():
			return
		}
	}
}
