package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitWithExporterRecordsSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	shutdown, err := InitWithExporter("castpool-test", "dev", exporter)
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "worker.run")
	span.End()

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "worker.run", spans[0].Name)

	// 第二次呼叫不會替換 provider
	again, err := Init("other", "dev", t.TempDir()+"/trace.json")
	require.NoError(t, err)
	assert.NotNil(t, again)

	require.NoError(t, shutdown(context.Background()))
}
