package internal

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"trace", LevelTrace, false},
		{"DEBUG", LevelDebug, false},
		{"", LevelInfo, false},
		{"warning", LevelWarn, false},
		{"off", Disable, false},
		{"loud", LevelInfo, true},
	}
	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
		} else {
			assert.NoError(t, err, tt.in)
		}
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestNewLoggerFormatsCustomLevels(t *testing.T) {
	var buf bytes.Buffer
	level := new(slog.LevelVar)
	level.Set(LevelTrace)
	logger := NewLogger(&buf, level)

	logger.Log(t.Context(), LevelTrace, "hello")
	out := buf.String()
	assert.Contains(t, out, "level=TRACE")
	assert.Contains(t, out, "UTC")
	assert.Contains(t, out, "internal/log_test.go:")

	buf.Reset()
	level.Set(LevelInfo)
	logger.Debug("hidden")
	assert.Empty(t, buf.String(), "changing the LevelVar should filter later records")
}

func TestInitLoggerWritesFile(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	path := filepath.Join(t.TempDir(), "logs", "mapdesk.log")
	closer, err := InitLogger(LogFileOptions{Path: path, MaxSizeMB: 1}, LevelInfo)
	require.NoError(t, err)
	slog.Info("written to file")
	require.NoError(t, closer.Close())

	contents, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(contents), "written to file")
}
