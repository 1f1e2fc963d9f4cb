package exporters

import (
	"fmt"

	"smallbiznis-recurring/pkg/config"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

// Provide picks the OTLP exporter named by OTEL.PROTOCOL. It returns a nil
// exporter when OTEL.ADDR is empty.
func Provide(cfg *config.Config) (sdktrace.SpanExporter, error) {
	if cfg.Otel.Addr == "" {
		zap.L().Info("OTEL.ADDR not set, spans are not exported")
		return nil, nil
	}

	switch cfg.Otel.Protocol {
	case "", "grpc":
		return ProvideGrpc(cfg)
	case "http":
		return ProvideHttp(cfg)
	default:
		return nil, fmt.Errorf("unsupported otel protocol %q", cfg.Otel.Protocol)
	}
}
