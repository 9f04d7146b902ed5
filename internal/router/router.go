// Package router wires the HTTP surface: middleware stack, the OpenAI
// compatible /v1 routes, and the operational endpoints.
package router

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/omnigate/omnigate/internal/api/handlers"
	"github.com/omnigate/omnigate/internal/config"
	"github.com/omnigate/omnigate/internal/middleware"
	"github.com/omnigate/omnigate/internal/services/billing"
	"github.com/omnigate/omnigate/internal/services/catalog"
	"github.com/omnigate/omnigate/internal/services/circuitbreaker"
	"github.com/omnigate/omnigate/internal/services/keyauth"
	"github.com/omnigate/omnigate/internal/services/pricing"
	"github.com/omnigate/omnigate/internal/services/proxy"
	"github.com/omnigate/omnigate/internal/services/ratelimit"
	"github.com/omnigate/omnigate/internal/services/refund"
	"github.com/omnigate/omnigate/internal/services/usage"
	"github.com/omnigate/omnigate/internal/services/wallet"
)

// maxBodyBytes is the gateway-wide ceiling; per-plan limits apply after
// auth and are always at or below this.
const maxBodyBytes = 10 << 20

// Dependencies collects everything the router needs, built once in main.
type Dependencies struct {
	Config *config.Config
	DB     *gorm.DB
	Redis  *redis.Client
	Logger *zap.Logger

	Auth    *keyauth.Resolver
	Limiter *ratelimit.Limiter
	Catalog *catalog.Catalog
	Pricing *pricing.Service
	Wallets *wallet.Service
	Billing *billing.Engine
	Refunds *refund.Engine
	Breaker *circuitbreaker.Breaker
	Proxy   *proxy.Proxy
	Events  *usage.Buffer
	Queue   *usage.Queue
}

// BuildDependencies constructs the service graph from shared backends.
func BuildDependencies(cfg *config.Config, db *gorm.DB, rdb *redis.Client, logger *zap.Logger) *Dependencies {
	wallets := wallet.New(db, rdb, logger)
	queue := usage.NewQueue(rdb, logger, cfg.Usage.MaxRetries, cfg.Usage.RetryBackoff)

	return &Dependencies{
		Config:  cfg,
		DB:      db,
		Redis:   rdb,
		Logger:  logger,
		Auth:    keyauth.NewResolver(db, rdb, logger, cfg.Auth.KeyCacheTTL, cfg.Auth.PolicyCacheTTL),
		Limiter: ratelimit.NewLimiter(rdb, logger),
		Catalog: catalog.New(db, rdb, logger),
		Pricing: pricing.New(db, rdb, logger, cfg.Billing.PricingLocalTTL, cfg.Billing.PricingRedisTTL),
		Wallets: wallets,
		Billing: billing.NewEngine(rdb, wallets, logger, cfg.Billing.IdempotencyTTL),
		Refunds: refund.NewEngine(rdb, wallets, logger, cfg.Billing.RefundDailyCap),
		Breaker: circuitbreaker.New(rdb, logger, cfg.Breaker.FailureThreshold, cfg.Breaker.ResetWindow),
		Proxy:   proxy.New(cfg, logger),
		Events:  usage.NewBuffer(queue, logger, cfg.Usage.BufferSize, cfg.Usage.FlushInterval),
		Queue:   queue,
	}
}

// New assembles the chi router.
func New(deps *Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(deps.Logger))
	r.Use(middleware.Metrics)
	r.Use(middleware.BodyLimit(maxBodyBytes))
	r.Use(chimiddleware.Timeout(10 * time.Minute))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.Config.CORS.AllowedOrigins,
		AllowedMethods:   deps.Config.CORS.AllowedMethods,
		AllowedHeaders:   deps.Config.CORS.AllowedHeaders,
		AllowCredentials: deps.Config.CORS.AllowCredentials,
		MaxAge:           deps.Config.CORS.MaxAge,
	}))

	completions := handlers.NewCompletionHandler(
		deps.Auth, deps.Limiter, deps.Catalog, deps.Pricing, deps.Billing,
		deps.Refunds, deps.Breaker, deps.Proxy, deps.Events, deps.Logger,
	)
	modelsHandler := handlers.NewModelHandler(deps.Auth, deps.Catalog, deps.Logger)
	health := handlers.NewHealthHandler(deps.DB, deps.Redis, deps.Queue)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/chat/completions", completions.ChatCompletions)
		r.Get("/models", modelsHandler.List)
		r.Get("/models/{model}", modelsHandler.Get)
	})

	r.Get("/health", health.Live)
	r.Get("/ready", health.Ready)
	r.Handle("/metrics", promhttp.Handler())

	return r
}
