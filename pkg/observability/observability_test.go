package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

func otelNoopMeter(t *testing.T) metric.Meter {
	t.Helper()

	return noop.NewMeterProvider().Meter("test")
}

func TestTracingHandler_AttachesServiceAttributes(t *testing.T) {
	var buf bytes.Buffer

	base := slog.NewJSONHandler(&buf, nil)
	handler := NewTracingHandler(base, "ptosensor", "staging", ModeSensor)

	logger := slog.New(handler)
	logger.Info("tick complete")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))

	assert.Equal(t, "ptosensor", decoded[attrService])
	assert.Equal(t, "staging", decoded[attrEnv])
	assert.Equal(t, string(ModeSensor), decoded[attrMode])
}

func TestTracingHandler_NoTraceAttrsWithoutSpan(t *testing.T) {
	var buf bytes.Buffer

	base := slog.NewJSONHandler(&buf, nil)
	handler := NewTracingHandler(base, "ptosensor", "", ModeSensor)

	logger := slog.New(handler)
	logger.InfoContext(context.Background(), "tick complete")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))

	_, hasTraceID := decoded[attrTraceID]
	assert.False(t, hasTraceID)
}

func TestNewTickMetrics(t *testing.T) {
	meter := otelNoopMeter(t)

	m, err := NewTickMetrics(meter)
	require.NoError(t, err)

	m.RecordTick(context.Background(), "sensor", 0, false)
	m.RecordTick(context.Background(), "sensor", 0, true)
}
