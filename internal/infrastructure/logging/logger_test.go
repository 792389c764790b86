package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/nerrad567/gray-logic-acs/internal/infrastructure/config"
)

func TestNew_JSONFormat(t *testing.T) {
	cfg := config.LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}

	logger := New(cfg, "1.0.0")

	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
}

func TestNew_TextFormat(t *testing.T) {
	cfg := config.LoggingConfig{
		Level:  "debug",
		Format: "text",
		Output: "stderr",
	}

	logger := New(cfg, "1.0.0")

	if logger == nil {
		t.Fatal("expected non-nil logger")
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
	cfg := config.LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}

	logger := New(cfg, "1.0.0")
	childLogger := logger.With("component", "mqtt")

	if childLogger == nil {
		t.Fatal("expected non-nil child logger")
	}

	if childLogger == logger {
		t.Error("expected child logger to be different from parent")
	}
}

func TestDefault(t *testing.T) {
	logger := Default()

	if logger == nil {
		t.Fatal("expected non-nil default logger")
	}
}

func decodeRecord(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON output: %v", err)
	}
	return entry
}

func TestLogger_OutputContainsDefaultFields(t *testing.T) {
	var buf bytes.Buffer
	logger := &Logger{Logger: slog.New(newHandler(&buf, config.LoggingConfig{Level: "info"}, "test"))}
	logger.Info("test message", "key", "value")

	entry := decodeRecord(t, &buf)
	if entry["service"] != "graylogic-acs" {
		t.Errorf("service = %v, want graylogic-acs", entry["service"])
	}
	if entry["version"] != "test" {
		t.Errorf("version = %v, want test", entry["version"])
	}
	if entry["msg"] != "test message" {
		t.Errorf("expected msg='test message', got %v", entry["msg"])
	}
	if entry["key"] != "value" {
		t.Errorf("expected key='value', got %v", entry["key"])
	}
}

func TestLogger_ForSession(t *testing.T) {
	var buf bytes.Buffer
	logger := &Logger{Logger: slog.New(newHandler(&buf, config.LoggingConfig{}, "test"))}
	logger.ForSession("s-1", "001122-Router-SN1").Info("session ended")

	entry := decodeRecord(t, &buf)
	if entry["session_id"] != "s-1" || entry["device_id"] != "001122-Router-SN1" {
		t.Errorf("entry = %v, want session fields", entry)
	}
}

func TestLogger_RedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	logger := &Logger{Logger: slog.New(newHandler(&buf, config.LoggingConfig{}, "test"))}
	logger.Info("set", "Device.ManagementServer.Password", "hunter2", "Device.DeviceInfo.SerialNumber", "SN1")

	if strings.Contains(buf.String(), "hunter2") {
		t.Fatalf("output leaked a password: %s", buf.String())
	}
	entry := decodeRecord(t, &buf)
	if entry["Device.DeviceInfo.SerialNumber"] != "SN1" {
		t.Errorf("serial number = %v, want SN1", entry["Device.DeviceInfo.SerialNumber"])
	}
}

func TestIsSecret(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"Device.ManagementServer.Password", true},
		{"Device.ManagementServer.ConnectionRequestPassword", true},
		{"Device.WiFi.AccessPoint.1.Security.KeyPassphrase", true},
		{"token", true},
		{"Device.ManagementServer.Username", false},
		{"Device.Users.User.1.PasswordReset.Enable", false},
		{"msg", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsSecret(tt.name); got != tt.want {
				t.Errorf("IsSecret(%q) = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}
