package recurring

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"smallbiznis-recurring/pkg/config"
)

var Module = fx.Module("recurring.service",
	fx.Provide(NewService, NewHandler),
	fx.Invoke(migrate),
)

// HTTP mounts the read API on the shared gin engine.
var HTTP = fx.Module("recurring.http",
	fx.Invoke(func(engine *gin.Engine, h *Handler) {
		h.Register(engine)
	}),
)

func migrate(db *gorm.DB, cfg *config.Config) error {
	if !cfg.Database.AutoMigrate {
		return nil
	}

	if err := db.AutoMigrate(Models()...); err != nil {
		zap.L().Error("failed to migrate recurring tables", zap.Error(err))
		return err
	}
	return nil
}
