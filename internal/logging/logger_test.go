package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewDevelopmentLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(true, "")
	require.NoError(t, err)
	defer logger.Sync() //nolint:errcheck // best-effort flush
	require.True(t, logger.Core().Enabled(zapcore.DebugLevel))
}

func TestNewProductionLogger(t *testing.T) {
	t.Parallel()

	logger, err := New(false, "")
	require.NoError(t, err)
	defer logger.Sync() //nolint:errcheck // best-effort flush
	require.False(t, logger.Core().Enabled(zapcore.DebugLevel))
	require.True(t, logger.Core().Enabled(zapcore.InfoLevel))
}

func TestNewLoggerLevelOverride(t *testing.T) {
	t.Parallel()

	logger, err := New(false, "warn")
	require.NoError(t, err)
	require.False(t, logger.Core().Enabled(zapcore.InfoLevel))

	_, err = New(false, "loud")
	require.Error(t, err)
}
