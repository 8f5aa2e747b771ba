package log

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  LogLevel
	}{
		{name: "debug lower", input: "debug", want: LevelDebug},
		{name: "info upper", input: "INFO", want: LevelInfo},
		{name: "warn mixed", input: "WaRn", want: LevelWarn},
		{name: "warning alias", input: "warning", want: LevelWarn},
		{name: "error", input: "error", want: LevelError},
		{name: "fatal", input: "fatal", want: LevelFatal},
		{name: "trim spaces", input: "  debug  ", want: LevelDebug},
		{name: "unknown fallback", input: "verbose", want: LevelInfo},
		{name: "empty fallback", input: "", want: LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseLevel(tt.input); got != tt.want {
				t.Fatalf("ParseLevel(%q)=%v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestLogger_FiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(LevelWarn, zapcore.AddSync(&buf))

	l.Info("hidden %d", 1)
	l.Warn("shown %d", 2)
	l.Error("also shown %s", "x")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "WARN")
	assert.Contains(t, out, "shown 2")
	assert.Contains(t, out, "also shown x")
	assert.Equal(t, 2, strings.Count(out, "\n"))
}

func TestLogger_SetLevel(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(LevelError, zapcore.AddSync(&buf))
	assert.Equal(t, LevelError, l.Level())

	l.SetLevel(LevelDebug)
	assert.Equal(t, LevelDebug, l.Level())
	l.Debug("now visible")
	assert.Contains(t, buf.String(), "now visible")
}

func TestLogger_ReportsCallerFile(t *testing.T) {
	var buf bytes.Buffer
	l := newLogger(LevelInfo, zapcore.AddSync(&buf))
	l.Info("where")
	assert.Contains(t, buf.String(), "logger_level_test.go")
}

func TestFileLogger_WritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "pipeline.log")
	fl, err := NewFileLogger(path, LevelInfo)
	require.NoError(t, err)

	fl.Info("batch %s done", "b1")
	require.NoError(t, fl.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "batch b1 done")
}
