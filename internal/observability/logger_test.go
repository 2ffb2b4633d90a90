package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLogs(t *testing.T, level string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	Init(&buf, level)
	t.Cleanup(func() { Init(os.Stdout, "info") })
	return &buf
}

func lastEntry(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[len(lines)-1], &entry))
	return entry
}

func TestWithFieldsAddsAttributes(t *testing.T) {
	buf := captureLogs(t, "info")

	WithFields("user_id", "u1", "count", 3).Info("sessions loaded")

	entry := lastEntry(t, buf)
	assert.Equal(t, "sessions loaded", entry["msg"])
	assert.Equal(t, "u1", entry["user_id"])
	assert.EqualValues(t, 3, entry["count"])
}

func TestLoggerFromContextCarriesRequestID(t *testing.T) {
	buf := captureLogs(t, "info")

	LoggerFromContext(WithRequestID(context.Background(), "req-7")).Info("handled")
	assert.Equal(t, "req-7", lastEntry(t, buf)["request_id"])

	LoggerFromContext(context.Background()).Info("plain")
	assert.NotContains(t, lastEntry(t, buf), "request_id")
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel(" warning "))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestInitHonorsLevel(t *testing.T) {
	buf := captureLogs(t, "warn")

	Logger().Info("dropped")
	assert.Zero(t, buf.Len())
	Logger().Warn("kept")
	assert.Equal(t, "kept", lastEntry(t, buf)["msg"])
}
