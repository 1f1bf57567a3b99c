package main

import (
	"context"
	"net/http"
	"time"

	"github.com/flexprice/usagegate/internal/api"
	v1 "github.com/flexprice/usagegate/internal/api/v1"
	"github.com/flexprice/usagegate/internal/cache"
	"github.com/flexprice/usagegate/internal/colo"
	"github.com/flexprice/usagegate/internal/config"
	"github.com/flexprice/usagegate/internal/domain/entitlement"
	"github.com/flexprice/usagegate/internal/httpclient"
	"github.com/flexprice/usagegate/internal/limiter"
	"github.com/flexprice/usagegate/internal/logger"
	"github.com/flexprice/usagegate/internal/postgres"
	"github.com/flexprice/usagegate/internal/pubsub"
	kafkapubsub "github.com/flexprice/usagegate/internal/pubsub/kafka"
	memorypubsub "github.com/flexprice/usagegate/internal/pubsub/memory"
	"github.com/flexprice/usagegate/internal/repository"
	pgrepo "github.com/flexprice/usagegate/internal/repository/postgres"
	"github.com/flexprice/usagegate/internal/router"
	"github.com/flexprice/usagegate/internal/sink"
	"github.com/flexprice/usagegate/internal/types"
	"github.com/flexprice/usagegate/internal/validator"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"go.uber.org/fx"
)

// @title UsageGate API
// @version 1.0
// @description Per-customer usage limiter service
// @BasePath /v1
// @schemes http https

func init() {
	// Set UTC timezone for the entire application
	time.Local = time.UTC
}

func main() {
	app := fx.New(
		fx.Provide(
			// Validator
			validator.NewValidator,

			// Config
			config.NewConfig,

			// Logger
			logger.NewLogger,

			// Cache
			cache.Initialize,

			// Postgres
			postgres.NewDB,

			// HTTP Client
			httpclient.NewDefaultClient,

			// Colo probe
			colo.NewDetector,

			// Entitlement providers
			provideEntitlementProvider,
			provideCachedProvider,

			// Analytics sink
			sink.New,

			// Event bus
			providePubSub,

			// Limiter
			provideRegistry,

			// Router service
			router.NewService,

			// API
			provideHandlers,
			provideRouter,
		),
		fx.Invoke(startServer),
	)
	app.Run()
}

func provideEntitlementProvider(db *sqlx.DB, log *logger.Logger) entitlement.Provider {
	return pgrepo.NewEntitlementProvider(db, log)
}

func provideCachedProvider(inner entitlement.Provider, c *cache.InMemoryCache, log *logger.Logger) *repository.CachedEntitlementProvider {
	return repository.NewCachedEntitlementProvider(inner, c, log)
}

func providePubSub(cfg *config.Configuration, log *logger.Logger) (pubsub.PubSub, error) {
	switch cfg.EventBus.Driver {
	case config.EventBusDriverKafka:
		return kafkapubsub.NewPubSub(cfg, log)
	default:
		return memorypubsub.NewPubSub(log), nil
	}
}

func provideRegistry(
	cfg *config.Configuration,
	log *logger.Logger,
	provider *repository.CachedEntitlementProvider,
	sinkClient sink.Client,
	bus pubsub.PubSub,
	detector *colo.Detector,
) *limiter.Registry {
	return limiter.NewRegistry(limiter.Deps{
		Config:   cfg,
		Logger:   log,
		Provider: provider,
		Sink:     sinkClient,
		Bus:      bus,
		Colo:     detector,
	})
}

func provideHandlers(service *router.Service, bus pubsub.PubSub, log *logger.Logger) api.Handlers {
	return api.Handlers{
		Health: v1.NewHealthHandler(log),
		Limits: v1.NewLimitsHandler(service, log),
		Stream: v1.NewStreamHandler(service, bus, log),
	}
}

func provideRouter(handlers api.Handlers, cfg *config.Configuration) *gin.Engine {
	return api.NewRouter(handlers, cfg)
}

func startServer(
	lc fx.Lifecycle,
	cfg *config.Configuration,
	r *gin.Engine,
	registry *limiter.Registry,
	bus pubsub.PubSub,
	db *sqlx.DB,
	log *logger.Logger,
) {
	mode := cfg.Deployment.Mode
	if mode == "" {
		mode = types.ModeLocal
	}

	switch mode {
	case types.ModeLocal, types.ModeAPI:
		startAPIServer(lc, r, cfg, registry, bus, db, log)
	default:
		log.Fatalf("Unknown deployment mode: %s", mode)
	}
}

func startAPIServer(
	lc fx.Lifecycle,
	r *gin.Engine,
	cfg *config.Configuration,
	registry *limiter.Registry,
	bus pubsub.PubSub,
	db *sqlx.DB,
	log *logger.Logger,
) {
	srv := &http.Server{
		Addr:    cfg.Server.Address,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Infow("starting API server", "address", cfg.Server.Address)
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatalf("Failed to start server: %v", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			log.Info("Shutting down server...")
			if err := srv.Shutdown(ctx); err != nil {
				log.Errorw("server shutdown failed", "error", err)
			}
			// Drain every live shard before releasing shared resources so
			// buffered usage reaches the sink.
			if err := registry.Shutdown(ctx); err != nil {
				log.Errorw("shard drain failed", "error", err)
			}
			if err := bus.Close(); err != nil {
				log.Errorw("event bus close failed", "error", err)
			}
			return db.Close()
		},
	})
}
