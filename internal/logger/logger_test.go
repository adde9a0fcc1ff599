package logger

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"spread-trade-bot-go/internal/config"
)

func TestNewLogger(t *testing.T) {
	t.Run("JSON", func(t *testing.T) {
		out := filepath.Join(t.TempDir(), "bot.log")
		log, err := NewLogger(config.Logger{Level: "warn", Format: "json", OutputPaths: []string{out}})
		require.NoError(t, err)
		assert.False(t, log.Core().Enabled(zapcore.InfoLevel))
		assert.True(t, log.Core().Enabled(zapcore.WarnLevel))
	})

	t.Run("Console", func(t *testing.T) {
		log, err := NewLogger(config.Logger{Level: "debug", Format: "console"})
		require.NoError(t, err)
		assert.True(t, log.Core().Enabled(zapcore.DebugLevel))
	})

	t.Run("InvalidLevel", func(t *testing.T) {
		_, err := NewLogger(config.Logger{Level: "loud"})
		assert.Error(t, err)
	})
}
