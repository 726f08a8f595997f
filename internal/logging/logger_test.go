package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatchcore/internal/core"
)

func TestNewZapLogger_RejectsUnknownLevel(t *testing.T) {
	_, err := NewZapLogger("verbose")
	require.Error(t, err)
}

func TestZapLogger_LogsWithoutPanicking(t *testing.T) {
	logger, err := NewZapLogger("debug")
	require.NoError(t, err)

	logger.Info(core.LogEvent{Name: "signal_received", Attrs: map[string]any{"symbol": "BTC-USD"}})
	logger.Debug(core.LogEvent{Name: "cache_hit"})
	logger.Warn(core.LogEvent{Name: "lock_retry", Attrs: map[string]any{"attempt": 2}})
	logger.Error(core.LogEvent{Name: "gateway_error", Attrs: map[string]any{"reason": "timeout"}})

	assert.NoError(t, logger.Sync())
}

func TestZapLogger_WithCarriesAttributes(t *testing.T) {
	logger, err := NewZapLogger("info")
	require.NoError(t, err)

	derived := logger.With(map[string]any{"component": "dispatcher"})
	derived.Info(core.LogEvent{Name: "started"})
}
