package health

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/gorm"
)

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"

	pollInterval = 10 * time.Second
)

var Module = fx.Module("health",
	fx.Provide(ProvideHealth, grpchealth.NewServer),
)

// GRPC keeps the grpc.health.v1 serving status in step with Check.
var GRPC = fx.Module("health.grpc",
	fx.Invoke(watchServingStatus),
)

type Dependency struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type Health struct {
	Status  string       `json:"status"`
	Message string       `json:"message"`
	Deps    []Dependency `json:"deps,omitempty"`
}

func (h Health) Healthy() bool {
	return h.Status == StatusHealthy
}

type HealthService interface {
	Liveness(c *gin.Context)
	Readiness(c *gin.Context)
	Check(ctx context.Context) Health
}

type health struct {
	db    *gorm.DB
	redis *redis.Client
}

type HealthParams struct {
	fx.In
	DB    *gorm.DB      `optional:"true"`
	Redis *redis.Client `optional:"true"`
}

func ProvideHealth(p HealthParams) HealthService {
	return &health{
		db:    p.DB,
		redis: p.Redis,
	}
}

func (h *health) Liveness(c *gin.Context) {
	c.JSON(http.StatusOK, &Health{
		Status:  StatusHealthy,
		Message: "OK",
	})
}

func (h *health) Readiness(c *gin.Context) {
	res := h.Check(c.Request.Context())
	if !res.Healthy() {
		c.JSON(http.StatusServiceUnavailable, res)
		return
	}
	c.JSON(http.StatusOK, res)
}

// Check pings every configured dependency.
func (h *health) Check(ctx context.Context) Health {
	res := Health{Status: StatusHealthy, Message: "OK"}

	if h.db != nil {
		dep := Dependency{Name: "database:" + h.db.Name(), Status: StatusHealthy, Message: "OK"}
		if err := pingDB(ctx, h.db); err != nil {
			dep.Status = StatusUnhealthy
			dep.Message = err.Error()
		}
		res.Deps = append(res.Deps, dep)
	}

	if h.redis != nil {
		dep := Dependency{Name: "redis", Status: StatusHealthy, Message: "OK"}
		if err := h.redis.Ping(ctx).Err(); err != nil {
			dep.Status = StatusUnhealthy
			dep.Message = err.Error()
		}
		res.Deps = append(res.Deps, dep)
	}

	for _, dep := range res.Deps {
		if dep.Status != StatusHealthy {
			res.Status = StatusUnhealthy
			res.Message = dep.Name + " is unavailable"
			break
		}
	}

	return res
}

func pingDB(ctx context.Context, db *gorm.DB) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func watchServingStatus(lc fx.Lifecycle, h HealthService, srv *grpchealth.Server) {
	ctx, cancel := context.WithCancel(context.Background())

	update := func() {
		status := healthpb.HealthCheckResponse_SERVING
		if res := h.Check(ctx); !res.Healthy() {
			status = healthpb.HealthCheckResponse_NOT_SERVING
			zap.L().Warn("service not ready", zap.String("reason", res.Message))
		}
		srv.SetServingStatus("", status)
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			update()
			go func() {
				ticker := time.NewTicker(pollInterval)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return
					case <-ticker.C:
						update()
					}
				}
			}()
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			srv.Shutdown()
			return nil
		},
	})
}
