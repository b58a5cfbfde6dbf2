package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, zapcore.WarnLevel, ParseLevel("WARN"))
	assert.Equal(t, zapcore.ErrorLevel, ParseLevel(" error "))
	assert.Equal(t, zapcore.InfoLevel, ParseLevel("bogus"))
}

func TestSetLevelAffectsExistingLoggers(t *testing.T) {
	l := New(&Config{Level: "info", Output: "stdout"})
	assert.False(t, l.Core().Enabled(zapcore.DebugLevel))

	SetLevel("debug")
	defer SetLevel("info")

	assert.True(t, l.Core().Enabled(zapcore.DebugLevel))
	assert.Equal(t, zapcore.DebugLevel, Level())
}

func TestFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskmesh.log")
	l := New(&Config{Level: "info", Format: "json", Output: "file", FilePath: path, MaxSize: 1})
	l.Info("hello file")
	require.NoError(t, l.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "hello file")
}

func TestLInitialisesDefault(t *testing.T) {
	assert.NotNil(t, L())
	assert.NotNil(t, Named("test"))
}
