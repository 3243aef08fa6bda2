package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want LogLevel
	}{
		{"debug", LogLevelDebug},
		{"info", LogLevelInfo},
		{"warn", LogLevelWarn},
		{"error", LogLevelError},
		{"fatal", LogLevelFatal},
		{"verbose", LogLevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseLogLevel(tt.in), "级别 %q 解析错误", tt.in)
	}
}

func TestNamedSharesLevel(t *testing.T) {
	var buf bytes.Buffer
	root := NewWriterLogger(LogLevelInfo, &buf)
	child := root.Named("intern").Named("eth0")

	child.Debug("hidden")
	assert.Empty(t, buf.String())
	assert.False(t, child.Enabled(LogLevelDebug))

	root.SetLevel(LogLevelDebug)
	child.Debug("drop %s", "truncated")
	line := buf.String()
	assert.Contains(t, line, "[DEBUG] [intern] [eth0] drop truncated")
	assert.True(t, strings.HasSuffix(line, "\n"))

	buf.Reset()
	root.SetEnabled(false)
	child.Error("nothing")
	assert.Empty(t, buf.String())
}
