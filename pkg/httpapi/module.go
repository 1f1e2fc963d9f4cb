package httpapi

import (
	"net/http"

	"smallbiznis-recurring/pkg/config"
	"smallbiznis-recurring/pkg/health"
	"smallbiznis-recurring/pkg/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
)

// Module provides the shared gin engine. Service modules mount their routes on
// it; the engine itself serves health, readiness and metrics.
var Module = fx.Module("httpapi",
	fx.Provide(NewEngine),
)

func NewEngine(cfg *config.Config, h health.HealthService) *gin.Engine {
	if cfg.AppEnv == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()
	engine.Use(
		gin.Recovery(),
		middleware.Trace(cfg.AppName),
		middleware.Logger(),
		middleware.Error(),
	)

	engine.GET("/healthz", h.Liveness)
	engine.GET("/readyz", h.Readiness)
	if cfg.Metrics.Enable {
		engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}

	engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": gin.H{"code": "not_found", "message": "route not found"}})
	})

	return engine
}
