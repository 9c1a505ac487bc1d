package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	data := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{" INFO ", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
	}
	for _, line := range data {
		l, err := ParseLevel(line.in)
		require.NoError(t, err, line.in)
		assert.Equal(t, line.want, l, line.in)
	}

	_, err := ParseLevel("verbose")
	assert.Error(t, err)
}

func TestNew_json(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, slog.LevelInfo, false)
	l.Debug("hidden")
	l.Info("sample", "temperature", 25.08)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "sample", rec["msg"])
	assert.Equal(t, 25.08, rec["temperature"])
}

func TestNew_dev(t *testing.T) {
	var buf bytes.Buffer
	l := New(&buf, slog.LevelDebug, true)
	l.Debug("sample")
	assert.Contains(t, buf.String(), "sample")
}
