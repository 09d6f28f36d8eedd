package logger_test

import (
	"bytes"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/stevemurr/docmodel/logger"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, logger.ParseLevel("debug"))
	assert.Equal(t, zapcore.WarnLevel, logger.ParseLevel("WARN"))
	assert.Equal(t, zapcore.InfoLevel, logger.ParseLevel("chatty"))
}

func TestJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	log := logger.NewWithWriter(&buf, "info", "json").Named(logger.ComponentStore)
	log.Debug("hidden")
	log.Info("collection opened")
	require.NoError(t, log.Sync())

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "collection opened", line["msg"])
	assert.Equal(t, "INFO", line["level"])
	assert.Equal(t, logger.ComponentStore, line["component"])
}

func TestConsoleLogger(t *testing.T) {
	var buf bytes.Buffer
	log := logger.NewWithWriter(&buf, "debug", "console")
	log.Debug("visible")
	assert.Contains(t, buf.String(), " | ")
	assert.Contains(t, buf.String(), "visible")
}
