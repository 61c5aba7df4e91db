package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestNew_ConsoleOnly(t *testing.T) {
	l, err := New(LogConfig{
		Level:   "info",
		Console: ConsoleLogConfig{Enabled: true, Format: "console"},
	})
	require.NoError(t, err)
	require.NotNil(t, l)
	l.Info("test console logging")
}

func TestNew_FileOnly(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "test.log")

	l, err := New(LogConfig{
		Level: "debug",
		File: FileLogConfig{
			Enabled:  true,
			Path:     logPath,
			Format:   "json",
			Rotation: RotationConfig{MaxSize: 10, MaxAge: 7, MaxBackups: 3},
		},
	})
	require.NoError(t, err)
	require.NotNil(t, l)

	l.Info("test file logging", zap.String("key", "value"))
	l.Sync()

	content, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(content), "test file logging")
	assert.Contains(t, string(content), "value")
}

func TestNew_NoOutputsEnabled(t *testing.T) {
	l, err := New(LogConfig{Level: "info"})
	assert.Error(t, err)
	assert.Nil(t, l)
	assert.Contains(t, err.Error(), "at least one log output")
}

func TestNew_FileEnabledNoPath(t *testing.T) {
	l, err := New(LogConfig{
		Level: "info",
		File:  FileLogConfig{Enabled: true, Format: "json"},
	})
	assert.Error(t, err)
	assert.Nil(t, l)
	assert.Contains(t, err.Error(), "file.path must be specified")
}

func TestNew_TextFormat_NoColorCodes(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "test-text.log")

	l, err := New(LogConfig{
		Level: "info",
		File:  FileLogConfig{Enabled: true, Path: logPath, Format: "text"},
	})
	require.NoError(t, err)

	l.Info("test text format")
	l.Sync()

	content, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.NotContains(t, string(content), "\x1b[")
	assert.Contains(t, string(content), "INFO")
}

func TestNew_PerOutputLogLevels(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "test-per-output.log")

	l, err := New(LogConfig{
		Level:   "info",
		Console: ConsoleLogConfig{Enabled: true, Format: "console", Level: "warn"},
		File:    FileLogConfig{Enabled: true, Path: logPath, Format: "json", Level: "debug"},
	})
	require.NoError(t, err)

	l.Debug("debug message")
	l.Info("info message")
	l.Warn("warn message")
	l.Sync()

	content, err := os.ReadFile(logPath)
	require.NoError(t, err)
	assert.Contains(t, string(content), "debug message")
	assert.Contains(t, string(content), "warn message")
}

func TestNewDefault(t *testing.T) {
	l, err := NewDefault()
	require.NoError(t, err)
	require.NotNil(t, l)
	l.Debug("default logger test")
}

func TestSetLevel(t *testing.T) {
	tmpDir := t.TempDir()
	logPath := filepath.Join(tmpDir, "test-setlevel.log")

	l, err := New(LogConfig{
		Level: "error",
		File:  FileLogConfig{Enabled: true, Path: logPath, Format: "json"},
	})
	require.NoError(t, err)
	require.Equal(t, zap.ErrorLevel, l.fileLevel.Level())

	l.SetLevel(LevelDebug)
	assert.Equal(t, zap.DebugLevel, l.fileLevel.Level())
}

func TestResolveLogLevel(t *testing.T) {
	tests := []struct {
		name          string
		outputLevel   string
		globalLevel   zapcore.Level
		expectedLevel zapcore.Level
	}{
		{"output specified debug", "debug", zap.InfoLevel, zap.DebugLevel},
		{"output specified error", "error", zap.InfoLevel, zap.ErrorLevel},
		{"fallback to global warn", "", zap.WarnLevel, zap.WarnLevel},
		{"fallback to global debug", "", zap.DebugLevel, zap.DebugLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := resolveLogLevel(tt.outputLevel, tt.globalLevel)
			assert.Equal(t, tt.expectedLevel, result)
		})
	}
}
