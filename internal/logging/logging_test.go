package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNewWithLevelDefaults(t *testing.T) {
	log, level, err := NewWithLevel(Options{})
	require.NoError(t, err)
	defer log.Sync()

	assert.Equal(t, zapcore.InfoLevel, level.Level())
	assert.False(t, log.Core().Enabled(zapcore.DebugLevel))
}

func TestNewWithLevelRejectsUnknownLevel(t *testing.T) {
	_, _, err := NewWithLevel(Options{Level: "verbose"})
	assert.Error(t, err)
}

func TestLevelHandleChangesAtRuntime(t *testing.T) {
	log, level, err := NewWithLevel(Options{Level: "warn"})
	require.NoError(t, err)
	defer log.Sync()

	assert.False(t, log.Core().Enabled(zapcore.InfoLevel))
	require.NoError(t, level.UnmarshalText([]byte("debug")))
	assert.True(t, log.Core().Enabled(zapcore.DebugLevel))
}

func TestFileSinkCreatesRotatedLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	log, _, err := NewWithLevel(Options{Level: "info", FilePath: path, MaxSizeMB: 1})
	require.NoError(t, err)

	log.Info("startup")
	_ = log.Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "startup")
}
