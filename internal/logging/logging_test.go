package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nhle/mailwatch/internal/model"
)

func TestNewWithWriter_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(model.LogConfig{Level: "debug", Format: "json"}, &buf)
	require.NoError(t, err)

	logger.Info().Str("event", EventMarkedRead).Str("item_id", "m1").Msg("marked")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "marked_read", rec["event"])
	assert.Equal(t, "m1", rec["item_id"])
	assert.Equal(t, "info", rec["level"])
	assert.Contains(t, rec, "time")
	assert.Equal(t, zerolog.DebugLevel, logger.GetLevel())
}

func TestNewWithWriter_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(model.LogConfig{Level: "WARN"}, &buf)
	require.NoError(t, err)

	logger.Info().Msg("hidden")
	assert.Zero(t, buf.Len())

	logger.Warn().Msg("shown")
	assert.NotZero(t, buf.Len())
}

func TestNewWithWriter_Console(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewWithWriter(model.LogConfig{Format: "console"}, &buf)
	require.NoError(t, err)

	logger.Info().Msg("hello")
	assert.Contains(t, buf.String(), "hello")
	assert.False(t, json.Valid(bytes.TrimSpace(buf.Bytes())))
}

func TestNewWithWriter_Invalid(t *testing.T) {
	_, err := NewWithWriter(model.LogConfig{Level: "loud"}, &bytes.Buffer{})
	assert.Error(t, err)

	_, err = NewWithWriter(model.LogConfig{Format: "xml"}, &bytes.Buffer{})
	assert.Error(t, err)
}
