package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/nerrad567/skybridge-edge/internal/infrastructure/config"
)

// captureLogger returns a JSON logger writing into buf.
func captureLogger(buf *bytes.Buffer, level string) *Logger {
	return NewWithWriter(config.LoggingConfig{
		Level:  level,
		Format: "json",
	}, "test", buf)
}

// lastRecord parses the final JSON record written to buf.
func lastRecord(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	var record map[string]interface{}
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &record); err != nil {
		t.Fatalf("parsing log record: %v", err)
	}
	return record
}

func TestNew_Formats(t *testing.T) {
	for _, format := range []string{"json", "text", ""} {
		logger := New(config.LoggingConfig{Level: "info", Format: format, Output: "stderr"}, "1.0.0")
		if logger == nil {
			t.Fatalf("New(format=%q) = nil", format)
		}
	}
}

func TestLogger_DefaultFields(t *testing.T) {
	var buf bytes.Buffer
	logger := captureLogger(&buf, "info")

	logger.Info("spool opened", "depth", 3)

	record := lastRecord(t, &buf)
	if record["service"] != "skybridge" {
		t.Errorf("service = %v, want skybridge", record["service"])
	}
	if record["version"] != "test" {
		t.Errorf("version = %v, want test", record["version"])
	}
	if record["msg"] != "spool opened" {
		t.Errorf("msg = %v, want spool opened", record["msg"])
	}
	if record["depth"] != float64(3) {
		t.Errorf("depth = %v, want 3", record["depth"])
	}
}

func TestLogger_Component(t *testing.T) {
	var buf bytes.Buffer
	logger := captureLogger(&buf, "info")

	logger.Component("mqtt").Info("connected")

	record := lastRecord(t, &buf)
	if record["component"] != "mqtt" {
		t.Errorf("component = %v, want mqtt", record["component"])
	}

	// The parent logger stays untagged.
	buf.Reset()
	logger.Info("plain")
	if record := lastRecord(t, &buf); record["component"] != nil {
		t.Errorf("parent record component = %v, want absent", record["component"])
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := captureLogger(&buf, "warn")

	logger.Info("suppressed")
	if buf.Len() != 0 {
		t.Errorf("info record written at warn level: %s", buf.String())
	}

	logger.Warn("emitted")
	if buf.Len() == 0 {
		t.Error("warn record not written at warn level")
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected slog.Level
	}{
		{
			name:     "debug level",
			input:    "debug",
			expected: slog.LevelDebug,
		},
		{
			name:     "info level",
			input:    "info",
			expected: slog.LevelInfo,
		},
		{
			name:     "warn level",
			input:    "warn",
			expected: slog.LevelWarn,
		},
		{
			name:     "warning level",
			input:    "warning",
			expected: slog.LevelWarn,
		},
		{
			name:     "error level",
			input:    "error",
			expected: slog.LevelError,
		},
		{
			name:     "unknown defaults to info",
			input:    "unknown",
			expected: slog.LevelInfo,
		},
		{
			name:     "empty defaults to info",
			input:    "",
			expected: slog.LevelInfo,
		},
		{
			name:     "case insensitive",
			input:    "DEBUG",
			expected: slog.LevelDebug,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := parseLevel(tt.input)
			if result != tt.expected {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.input, result, tt.expected)
			}
		})
	}
}

func TestLogger_With(t *testing.T) {
	logger := Default()
	child := logger.With("device_id", "edge-001")

	if child == nil {
		t.Fatal("With() = nil")
	}
	if child == logger {
		t.Error("With() returned the parent logger")
	}
}

func TestDefault(t *testing.T) {
	if Default() == nil {
		t.Fatal("Default() = nil")
	}
}
