package logging

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLogLevelString(t *testing.T) {
	assert.Equal(t, "DEBUG", LevelDebug.String())
	assert.Equal(t, "INFO", LevelInfo.String())
	assert.Equal(t, "WARN", LevelWarn.String())
	assert.Equal(t, "ERROR", LevelError.String())
	assert.Equal(t, "UNKNOWN", LogLevel(42).String())
}

func TestInitAndLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Init(LevelInfo, &buf)

	Debug("Test", "this should be filtered")
	Info("Test", "hello %s", "world")

	out := buf.String()
	assert.NotContains(t, out, "this should be filtered")
	assert.Contains(t, out, "hello world")
	assert.Contains(t, out, "subsystem=Test")
}

func TestErrorIncludesErrorAttribute(t *testing.T) {
	var buf bytes.Buffer
	Init(LevelDebug, &buf)

	Error("Test", errors.New("boom"), "operation failed")

	out := buf.String()
	assert.Contains(t, out, "operation failed")
	assert.Contains(t, out, "boom")
}

func TestTruncateSubject(t *testing.T) {
	assert.Equal(t, "short", TruncateSubject("short"))
	assert.Equal(t, "exactly8", TruncateSubject("exactly8"))

	long := TruncateSubject("0b1c2d3e4f5a6b7c")
	assert.Equal(t, "0b1c2d3e...", long)
	assert.True(t, strings.HasSuffix(long, "..."))
}
