package observability

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitTracing_DisabledReturnsNil(t *testing.T) {
	tp, err := InitTracing(context.Background(), TracingConfig{Enabled: false}, slog.Default())
	require.NoError(t, err)
	assert.Nil(t, tp)
	assert.Nil(t, tp.Provider())
	assert.NoError(t, tp.Shutdown(context.Background()))
}

func TestInitTracing_EnabledProducesUsableProvider(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	tp, err := InitTracing(context.Background(), TracingConfig{
		Enabled:     true,
		ServiceName: "keyrelay-test",
		SampleRate:  1.0,
	}, logger)
	require.NoError(t, err)
	require.NotNil(t, tp)
	require.NotNil(t, tp.Provider())

	tracer := tp.Provider().Tracer("test")
	_, span := tracer.Start(context.Background(), "unit-test-span")
	span.End()

	require.NoError(t, tp.Shutdown(context.Background()))
	assert.Contains(t, buf.String(), "span.unit-test-span")
}
