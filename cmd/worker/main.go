package main

import (
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"smallbiznis-recurring/pkg/config"
	"smallbiznis-recurring/pkg/db"
	"smallbiznis-recurring/pkg/hashistack/secretmanager"
	"smallbiznis-recurring/pkg/lock"
	"smallbiznis-recurring/pkg/logger"
	"smallbiznis-recurring/pkg/otelcol"
	"smallbiznis-recurring/pkg/profiling"
	"smallbiznis-recurring/pkg/redis"
	"smallbiznis-recurring/pkg/task"
	"smallbiznis-recurring/services/ipn"
	"smallbiznis-recurring/services/membership"
	"smallbiznis-recurring/services/recurring"
)

func main() {
	opts := []fx.Option{
		configModule(),
		logger.Module,
		otelcol.Module,
		profiling.Module,
		db.Module,
		redis.Module,
		lock.Module,
		task.Client,
		task.Server,
		fx.Provide(provideSnowflakeNode),

		membership.Module,
		recurring.Module,
		ipn.Module,
		ipn.WorkerModule,
		fxLogger,
	}
	if secretmanager.Enabled() {
		opts = append(opts, secretmanager.Module)
	}

	fx.New(opts...).Run()
}

func configModule() fx.Option {
	if config.RemoteEnabled() {
		return config.RemoteModule
	}
	return config.Module
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	return fxevent.NopLogger
})

func provideSnowflakeNode(cfg *config.Config) (*snowflake.Node, error) {
	return snowflake.NewNode(cfg.NodeID)
}
