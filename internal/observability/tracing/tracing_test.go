package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/wolfman30/clinicflow/pkg/logging"
)

func TestSetupWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), Config{ServiceName: "clinicflow"}, logging.Discard())
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestProviderExportsSpansWithServiceName(t *testing.T) {
	ctx := context.Background()
	exporter := tracetest.NewInMemoryExporter()
	provider, err := newProvider(ctx, exporter, Config{ServiceName: "queue-engine", SampleRatio: 7})
	require.NoError(t, err)

	_, span := provider.Tracer("test").Start(ctx, "recalculate")
	span.End()
	require.NoError(t, provider.ForceFlush(ctx))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "recalculate", spans[0].Name)
	assert.Contains(t, spans[0].Resource.Attributes(), semconv.ServiceName("queue-engine"))
	require.NoError(t, provider.Shutdown(ctx))
}
