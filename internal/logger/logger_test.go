package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("console only", func(t *testing.T) {
		logger, err := New(Config{Level: "info", Console: true})
		require.NoError(t, err)
		require.NotNil(t, logger)

		assert.NoError(t, logger.Close(), "no file sink to close")
	})

	t.Run("file sink goes through the rotating writer", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "loom.log")

		logger, err := New(Config{Level: "debug", File: logFile})
		require.NoError(t, err)
		defer logger.Close()

		_, ok := logger.sink.(*RotatingWriter)
		assert.True(t, ok)

		logger.Info().Int64("thread_id", 3).Msg("thread created")
		require.NoError(t, logger.Close())

		content, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(content), "thread created")
		assert.Contains(t, string(content), `"thread_id":3`)
	})

	t.Run("unknown level falls back to info", func(t *testing.T) {
		logger, err := New(Config{Level: "chatty"})
		require.NoError(t, err)
		defer logger.Close()

		assert.Equal(t, zerolog.InfoLevel, logger.GetZerolog().GetLevel())
	})
}

func TestNew_RedactsCredentialsInFile(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "loom.log")

	logger, err := New(Config{Level: "info", File: logFile, Redaction: true})
	require.NoError(t, err)

	logger.Info().Msg("configured profile with key sk-ant-REDACTED")
	require.NoError(t, logger.Close())

	content, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(content), "[REDACTED]")
	assert.NotContains(t, string(content), "sk-ant-api03")
}

func TestComponent(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "loom.log")

	logger, err := New(Config{Level: "debug", File: logFile})
	require.NoError(t, err)

	child := logger.Component("notify")
	child.Info().Msg("broadcaster started")
	require.NoError(t, logger.Close())

	content, err := os.ReadFile(logFile)
	require.NoError(t, err)
	assert.Contains(t, string(content), `"component":"notify"`)
}

func TestLoggerMethods(t *testing.T) {
	logger, err := New(Config{Level: "debug", Console: false})
	require.NoError(t, err)
	defer logger.Close()

	assert.NotNil(t, logger.Debug())
	assert.NotNil(t, logger.Info())
	assert.NotNil(t, logger.Warn())
	assert.NotNil(t, logger.Error())
	assert.NotNil(t, logger.With())
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.Level)
	assert.True(t, cfg.Console)
	assert.True(t, cfg.Pretty)
	assert.True(t, cfg.Redaction)
	assert.Equal(t, 100, cfg.MaxSize)
	assert.Equal(t, 7, cfg.MaxAge)
	assert.True(t, cfg.Compress)
}
