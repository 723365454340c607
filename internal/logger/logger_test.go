package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewFallsBackToInfoOnBadLevel(t *testing.T) {
	log, err := New("loud", "development")
	require.NoError(t, err)
	require.NotNil(t, log)
	assert.True(t, log.Core().Enabled(zapcore.InfoLevel))
	assert.False(t, log.Core().Enabled(zapcore.DebugLevel))
}

func TestNewHonoursLevel(t *testing.T) {
	for _, env := range []string{"production", "development"} {
		log, err := New("warn", env)
		require.NoError(t, err)
		assert.False(t, log.Core().Enabled(zapcore.InfoLevel), env)
		assert.True(t, log.Core().Enabled(zapcore.WarnLevel), env)
	}
}
