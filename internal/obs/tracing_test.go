package obs

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"table-reservations/internal/config"
	"table-reservations/internal/logger"
)

func TestInitTracer_Disabled(t *testing.T) {
	shutdown, err := InitTracer(context.Background(), config.TracingConfig{ServiceName: "svc"}, logger.Nop())
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInitTracer_Exporter(t *testing.T) {
	// the gRPC client connects lazily, so no collector is needed
	shutdown, err := InitTracer(context.Background(), config.TracingConfig{
		ExporterOTLPEndpoint: "localhost:4317",
		ServiceName:          "svc",
		Environment:          "test",
	}, logger.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, shutdown(ctx))
}
