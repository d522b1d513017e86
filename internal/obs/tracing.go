package obs

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"table-reservations/internal/config"
	"table-reservations/internal/logger"
)

const serviceVersion = "1.0.0"

// Shutdown flushes pending spans and releases the exporter.
type Shutdown func(context.Context) error

// InitTracer installs a global tracer provider exporting over OTLP/gRPC.
// Without an endpoint tracing stays on the no-op provider.
func InitTracer(ctx context.Context, cfg config.TracingConfig, log *logger.Logger) (Shutdown, error) {
	if cfg.ExporterOTLPEndpoint == "" {
		log.Info("TRACING", "OTEL_EXPORTER_OTLP_ENDPOINT not set, tracing disabled")
		return func(context.Context) error { return nil }, nil
	}

	conn, err := grpc.NewClient(cfg.ExporterOTLPEndpoint, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("otlp client: %w", err)
	}
	exp, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(serviceVersion),
			semconv.DeploymentEnvironmentKey.String(cfg.Environment),
		),
	)
	if err != nil {
		log.Warn("TRACING", fmt.Sprintf("resource create: %v", err))
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	log.Info("TRACING", fmt.Sprintf("Exporting spans to %s as %s", cfg.ExporterOTLPEndpoint, cfg.ServiceName))

	return func(ctx context.Context) error {
		return errors.Join(tp.Shutdown(ctx), conn.Close())
	}, nil
}
