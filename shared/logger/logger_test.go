package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var entries []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry), line)
		entries = append(entries, entry)
	}
	return entries
}

func TestNewWithWriter_JSON(t *testing.T) {
	tests := []struct {
		name     string
		level    string
		wantMsgs []string
	}{
		{name: "debug keeps everything", level: "debug", wantMsgs: []string{"claimed", "dispatched", "slow sacct", "enqueue failed"}},
		{name: "info drops debug", level: "info", wantMsgs: []string{"dispatched", "slow sacct", "enqueue failed"}},
		{name: "warning alias", level: "WARNING", wantMsgs: []string{"slow sacct", "enqueue failed"}},
		{name: "error only", level: "error", wantMsgs: []string{"enqueue failed"}},
		{name: "unknown level falls back to info", level: "verbose", wantMsgs: []string{"dispatched", "slow sacct", "enqueue failed"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			log, err := NewWithWriter(&buf, &Config{Level: tt.level, Format: "json"})
			require.NoError(t, err)

			log.Debug("claimed", slog.String("job_id", "j1"))
			log.Info("dispatched", slog.String("handle", "1234"))
			log.Warn("slow sacct", slog.Duration("took", 3*time.Second))
			log.Error("enqueue failed", slog.Int("attempt", 4))

			var got []string
			for _, entry := range decodeLines(t, &buf) {
				got = append(got, entry["msg"].(string))
			}
			assert.Equal(t, tt.wantMsgs, got)
		})
	}
}

func TestNewWithWriter_DoesNotMutateConfig(t *testing.T) {
	cfg := &Config{Level: "info", Format: "json", Output: "stderr"}
	_, err := NewWithWriter(&bytes.Buffer{}, cfg)
	require.NoError(t, err)
	assert.Nil(t, cfg.writer)
}

func TestNew_Console(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWithWriter(&buf, &Config{Level: "info", Format: "console", TimeFormat: time.TimeOnly, NoColor: true})
	require.NoError(t, err)

	log.Info("Job submitted", slog.String("job_id", "abc"), slog.Float64("estimate", 30))

	out := buf.String()
	assert.Contains(t, out, "INF")
	assert.Contains(t, out, "Job submitted")
	assert.Contains(t, out, "job_id=abc")
	assert.NotContains(t, out, "\x1b[", "colors disabled")
}

func TestNew_UnknownFormatUsesJSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWithWriter(&buf, &Config{Format: "logfmt"})
	require.NoError(t, err)

	log.Info("hello")
	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "hello", entries[0]["msg"])
}

func TestComponent(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWithWriter(&buf, &Config{Format: "json"})
	require.NoError(t, err)

	Component(log.Logger, "reconciler").Info("tick", slog.Int("in_flight", 2))
	log.Info("untagged")

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 2)
	assert.Equal(t, "reconciler", entries[0][ComponentKey])
	assert.Equal(t, float64(2), entries[0]["in_flight"])
	assert.NotContains(t, entries[1], ComponentKey)
}

func TestNew_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.log")

	log, err := New(&Config{Level: "info", Format: "json", Output: path})
	require.NoError(t, err)
	log.Info("written to file", slog.String("job_id", "abc"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	entries := decodeLines(t, bytes.NewBuffer(data))
	require.Len(t, entries, 1)
	assert.Equal(t, "abc", entries[0]["job_id"])
}

func TestNew_FileOutputError(t *testing.T) {
	_, err := New(&Config{Output: filepath.Join(t.TempDir(), "missing", "dir", "x.log")})
	assert.ErrorContains(t, err, "failed to open log file")
}

func TestNewNop(t *testing.T) {
	log := NewNop()
	require.NotNil(t, log)
	assert.False(t, log.Enabled(context.Background(), slog.LevelError))
}
