package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTextLoggerWritesFormattedMessage(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "info", Format: "text", Output: &buf})

	logger.Info("hello %s", "world")

	assert.Contains(t, buf.String(), "hello world")
}

func TestNewJSONLoggerEmitsComponentField(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "info", Format: "json", Output: &buf}).With("dispatcher")

	logger.Warn("lease expired for task %s", "t-1")

	var payload map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &payload))
	assert.Equal(t, "dispatcher", payload["component"])
	assert.Contains(t, payload["msg"], "lease expired for task t-1")
}

func TestDebugSuppressedBelowConfiguredLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: "warn", Format: "text", Output: &buf})

	logger.Debug("should not appear")
	logger.Info("should not appear either")
	logger.Warn("this one should appear")

	out := buf.String()
	assert.False(t, strings.Contains(out, "should not appear"))
	assert.True(t, strings.Contains(out, "this one should appear"))
}

func TestOrNopHandlesNilLogger(t *testing.T) {
	var l Logger
	safe := OrNop(l)
	require.NotNil(t, safe)
	safe.Info("no panic: %d", 1)
}

func TestNopDiscardsAndWithReturnsSelf(t *testing.T) {
	l := Nop.With("anything")
	assert.Equal(t, Nop, l)
}
