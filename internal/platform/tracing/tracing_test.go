package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sangha/internal/platform/config"
)

func TestSetup(t *testing.T) {
	t.Run("none leaves tracing disabled", func(t *testing.T) {
		p, err := Setup(context.Background(), config.Tracing{Exporter: "none"})
		require.NoError(t, err)
		assert.False(t, p.Enabled())
		assert.NoError(t, p.Shutdown(context.Background()))
	})

	t.Run("stdout exporter", func(t *testing.T) {
		p, err := Setup(context.Background(), config.Tracing{Exporter: "stdout", SampleRate: 0.5})
		require.NoError(t, err)
		assert.True(t, p.Enabled())
		assert.NoError(t, p.Shutdown(context.Background()))
	})

	t.Run("unknown exporter", func(t *testing.T) {
		_, err := Setup(context.Background(), config.Tracing{Exporter: "zipkin"})
		assert.ErrorContains(t, err, "zipkin")
	})
}
