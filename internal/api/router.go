package api

import (
	v1 "github.com/flexprice/usagegate/internal/api/v1"
	"github.com/flexprice/usagegate/internal/config"
	"github.com/flexprice/usagegate/internal/rest/middleware"
	"github.com/flexprice/usagegate/internal/types"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Handlers struct {
	Health *v1.HealthHandler
	Limits *v1.LimitsHandler
	Stream *v1.StreamHandler
}

func NewRouter(handlers Handlers, cfg *config.Configuration) *gin.Engine {
	if cfg.Deployment.Environment == types.EnvironmentProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(
		gin.Recovery(),
		middleware.RequestIDMiddleware,
		middleware.CountryMiddleware,
		middleware.CORSMiddleware,
		middleware.ErrorHandler(),
	)

	router.GET("/health", handlers.Health.Health)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1Group := router.Group("/v1")
	registerV1Routes(v1Group, handlers)

	return router
}

func registerV1Routes(router *gin.RouterGroup, handlers Handlers) {
	limits := router.Group("/limits")
	{
		limits.POST("/verify", handlers.Limits.Verify)
		limits.POST("/report", handlers.Limits.Report)
		limits.GET("/usage", handlers.Limits.Usage)
		limits.POST("/prewarm", handlers.Limits.Prewarm)
		limits.POST("/reset", handlers.Limits.Reset)
		limits.GET("/stream/:customerId", handlers.Stream.Stream)
	}
}
