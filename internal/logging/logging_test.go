package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanainternational/nana-renewal-sub000/internal/config"
)

func TestNewStructured(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(config.LoggingConfig{Level: "warn", Structured: true}, &buf)
	require.NoError(t, err)

	logger.Info("dropped")
	logger.Warn("kept", "user_id", "u1")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "kept", entry["msg"])
	assert.Equal(t, "u1", entry["user_id"])
}

func TestNewText(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(config.LoggingConfig{Level: "debug"}, &buf)
	require.NoError(t, err)

	logger.Debug("hello", "url", "https://detail.1688.com/offer/1.html")

	assert.Contains(t, buf.String(), "msg=hello")
}

func TestParseLevel(t *testing.T) {
	level, err := ParseLevel(" WARNING ")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelWarn, level)

	_, err = ParseLevel("verbose")
	assert.Error(t, err)
}
