package logger_test

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmsepr/YtPlaylist/logger"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, logger.ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, logger.ParseLevel("WARN"))
	assert.Equal(t, slog.LevelWarn, logger.ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, logger.ParseLevel(" ERROR "))
	assert.Equal(t, slog.LevelInfo, logger.ParseLevel("nonsense"))
}

func TestNewLoggerWritesJSONWithPlaylistField(t *testing.T) {
	var buf bytes.Buffer
	log := logger.NewLogger(&logger.Config{Level: logger.LevelDebug, Output: &buf, DisableSampling: true})

	logger.WithPlaylist(log, "chill").Info("session started")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "session started", record["msg"])
	assert.Equal(t, "chill", record["playlist"])
}

func TestSampledLoggerKeepsErrors(t *testing.T) {
	var buf bytes.Buffer
	cfg := logger.DefaultConfig()
	cfg.Output = &buf
	cfg.ThresholdSamplingMax = 1
	cfg.ThresholdSamplingRate = 0
	log := logger.NewLogger(cfg)

	for i := 0; i < 5; i++ {
		log.Error("playlist unreachable")
	}

	lines := bytes.Count(buf.Bytes(), []byte("\n"))
	assert.Equal(t, 5, lines, "errors must bypass sampling")
}
