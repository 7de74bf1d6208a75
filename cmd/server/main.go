package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"rategate/internal/platform/config"
	"rategate/internal/platform/database"
	"rategate/internal/platform/health"
	"rategate/internal/platform/logger"
	platformMW "rategate/internal/platform/middleware"
	platformRedis "rategate/internal/platform/redis"
	"rategate/internal/ratelimit/admin"
	"rategate/internal/ratelimit/handler"
	"rategate/internal/ratelimit/interceptor"
	"rategate/internal/ratelimit/metrics"
	ratelimitMW "rategate/internal/ratelimit/middleware"
	"rategate/internal/ratelimit/service/blocklist"
	"rategate/internal/ratelimit/service/decision"
	policysvc "rategate/internal/ratelimit/service/policy"
	"rategate/internal/ratelimit/service/twofactor"
	blockstore "rategate/internal/ratelimit/store/block"
	"rategate/internal/ratelimit/store/counter"
	policystore "rategate/internal/ratelimit/store/policy"
	twofactorstore "rategate/internal/ratelimit/store/twofactor"
	"rategate/internal/ratelimit/store/visitorlog"
	"rategate/internal/ratelimit/workers/retention"
	"rategate/pkg/requesttime"
)

// main wires the stores, services, and HTTP surface. Postgres and Redis are
// both optional: without them the engine runs on in-memory stores, which is
// enough for a single instance.
func main() {
	_ = godotenv.Load()

	cfg := config.FromEnv()
	log := logger.New()

	log.Info("initializing rategate",
		"addr", cfg.Addr,
		"environment", cfg.Environment,
	)

	dbCfg := database.DefaultConfig()
	dbCfg.URL = cfg.DatabaseURL
	pool, err := database.New(dbCfg)
	if err != nil {
		log.Error("database initialization failed", "error", err)
		os.Exit(1)
	}
	if pool == nil {
		log.Warn("DATABASE_URL not set, using in-memory stores")
	}

	redisClient, err := platformRedis.New(cfg.Redis)
	if err != nil {
		log.Error("redis initialization failed", "error", err)
		os.Exit(1)
	}
	if redisClient == nil {
		log.Warn("REDIS_URL not set, using in-memory counters")
	}

	m := metrics.New()

	// Counters live in Redis when available; everything else in Postgres.
	var counters decision.CounterStore
	if redisClient != nil {
		counters = counter.NewRedisCounterStore(redisClient.Client, log)
	} else {
		counters = counter.NewInMemoryCounterStore()
	}

	// telemetryStore serves three consumers: the decision engine appends,
	// the admin surface queries, and the retention worker prunes.
	type visitorLogStore interface {
		decision.TelemetrySink
		admin.TelemetryStore
		retention.VisitorLogStore
	}

	type attemptStore interface {
		twofactor.AttemptStore
		retention.AttemptStore
	}

	var (
		blocks         blocklist.BlockStore
		rules          blocklist.RuleStore
		policies       policysvc.Store
		telemetryStore visitorLogStore
		attempts       attemptStore
		blockRetention retention.BlockStore
	)
	if pool != nil {
		db := pool.DB()
		pgBlocks := blockstore.NewPostgresBlockStore(db)
		blocks = pgBlocks
		rules = blockstore.NewPostgresRuleStore(db)
		policies = policystore.NewPostgresPolicyStore(db)
		telemetryStore = visitorlog.NewPostgresVisitorLogStore(db)
		attempts = twofactorstore.NewPostgresAttemptStore(db)
		blockRetention = pgBlocks
	} else {
		memBlocks := blockstore.NewInMemoryBlockStore()
		blocks = memBlocks
		rules = blockstore.NewInMemoryRuleStore()
		policies = policystore.NewInMemoryPolicyStore()
		telemetryStore = visitorlog.NewInMemoryVisitorLogStore()
		attempts = twofactorstore.NewInMemoryAttemptStore()
		blockRetention = memBlocks
	}

	provider, err := policysvc.New(policies,
		policysvc.WithLogger(log),
		policysvc.WithCacheTTL(config.PolicyCacheTTL),
	)
	if err != nil {
		log.Error("policy provider initialization failed", "error", err)
		os.Exit(1)
	}

	registry, err := blocklist.New(blocks, rules,
		blocklist.WithLogger(log),
		blocklist.WithMetrics(m),
	)
	if err != nil {
		log.Error("block registry initialization failed", "error", err)
		os.Exit(1)
	}

	engine, err := decision.New(counters, provider, registry,
		decision.WithLogger(log),
		decision.WithMetrics(m),
		decision.WithTelemetry(telemetryStore),
	)
	if err != nil {
		log.Error("decision engine initialization failed", "error", err)
		os.Exit(1)
	}

	icpt, err := interceptor.New(engine, registry, interceptor.WithLogger(log))
	if err != nil {
		log.Error("interceptor initialization failed", "error", err)
		os.Exit(1)
	}

	twoFactorSvc, err := twofactor.New(attempts,
		twofactor.WithLogger(log),
		twofactor.WithMetrics(m),
	)
	if err != nil {
		log.Error("2fa limiter initialization failed", "error", err)
		os.Exit(1)
	}

	adminSvc, err := admin.New(engine, registry, provider, telemetryStore,
		admin.WithLogger(log),
	)
	if err != nil {
		log.Error("admin service initialization failed", "error", err)
		os.Exit(1)
	}

	healthHandler := health.New(cfg.Environment)
	if pool != nil {
		healthHandler.RegisterCheck("database", pool.Health)
	}
	if redisClient != nil {
		healthHandler.RegisterCheck("redis", redisClient.Health)
	}

	adminHandler := handler.New(adminSvc, log).WithTwoFactorLimiter(twoFactorSvc)
	limiter := ratelimitMW.New(icpt, log)

	router := chi.NewRouter()
	router.Use(platformMW.Recovery(log))
	router.Use(platformMW.Timeout(30 * time.Second))
	router.Use(platformMW.RequestID)
	router.Use(platformMW.ClientIP)
	router.Use(requesttime.Middleware)
	router.Use(platformMW.Logger(log))
	router.Use(limiter.RateLimit)

	healthHandler.Register(router)
	router.Handle("/metrics", promhttp.Handler())

	router.Group(func(r chi.Router) {
		r.Use(platformMW.RequireAdminToken(cfg.AdminToken, log))
		r.Use(platformMW.ContentTypeJSON)
		adminHandler.RegisterAdmin(r)
		adminHandler.RegisterInternal(r)
	})

	worker := retention.New(telemetryStore, attempts, blockRetention,
		retention.WithLogger(log),
		retention.WithMetrics(m),
	)

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info("starting http server", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutting down server gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	g.Go(func() error {
		if err := worker.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	if redisClient != nil {
		g.Go(func() error {
			ticker := time.NewTicker(15 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					redisClient.RecordPoolStats()
				case <-ctx.Done():
					return nil
				}
			}
		})
	}

	if err := g.Wait(); err != nil {
		log.Error("server error", "error", err)
		os.Exit(1)
	}

	if pool != nil {
		pool.Close() //nolint:errcheck // best-effort cleanup on shutdown
	}
	if redisClient != nil {
		redisClient.Close() //nolint:errcheck // best-effort cleanup on shutdown
	}

	log.Info("server stopped")
}
