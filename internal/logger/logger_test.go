package logger

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriterLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, zerolog.DebugLevel).With("component", "test")
	l.Info("拦截完成", "requestID", "req-1", "posts", 3)

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "拦截完成", line["message"])
	assert.Equal(t, "test", line["component"])
	assert.Equal(t, "req-1", line["requestID"])
	assert.EqualValues(t, 3, line["posts"])
}

func TestWriterLoggerErr(t *testing.T) {
	var buf bytes.Buffer
	l := NewWriter(&buf, zerolog.InfoLevel)
	l.Debug("丢弃")
	l.Err(errors.New("boom"), "连接失败")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "boom", line["error"])
	assert.Equal(t, "error", line["level"])
}

func TestNewRejectsUnknownWriter(t *testing.T) {
	_, err := New(Options{Writer: []string{"syslog"}})
	require.Error(t, err)

	_, err = New(Options{Level: "loud"})
	require.Error(t, err)
}

func TestNop(t *testing.T) {
	l := NewNop()
	l.Info("x")
	l.Err(errors.New("y"), "z")
	assert.NotNil(t, l.With("a", 1))
}
