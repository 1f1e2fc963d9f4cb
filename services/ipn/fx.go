package ipn

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"smallbiznis-recurring/pkg/config"
	"smallbiznis-recurring/services/recurring"
)

var Module = fx.Module("ipn.service",
	fx.Provide(
		NewService,
		func(svc *recurring.Service) Reconciler { return svc },
	),
	fx.Invoke(migrate),
)

// HTTP mounts the listener and the notification log routes on the shared gin engine.
var HTTP = fx.Module("ipn.http",
	fx.Provide(NewHandler),
	fx.Invoke(func(engine *gin.Engine, h *Handler) {
		h.Register(engine)
	}),
)

// WorkerModule registers the replay, follow-up and sweep handlers with the asynq server.
var WorkerModule = fx.Module("ipn.worker",
	fx.Provide(NewWorker),
	fx.Invoke(registerHandlers, registerSweep),
)

func migrate(db *gorm.DB, cfg *config.Config) error {
	if !cfg.Database.AutoMigrate {
		return nil
	}

	if err := db.AutoMigrate(&NotificationLog{}); err != nil {
		zap.L().Error("failed to migrate notification log", zap.Error(err))
		return err
	}
	return nil
}
