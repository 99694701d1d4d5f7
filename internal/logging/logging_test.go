package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/trymwestin/neakasa/internal/config"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"DEBUG", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := parseLevel(tt.in); got != tt.want {
				t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestNewLogger_JSONCarriesServiceAndVersion(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(&buf, config.LogConfig{Level: "info", Format: "json"}, "1.2.3")

	log.Info("hello", "iot_id", "abc")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if rec["service"] != Service {
		t.Errorf("service = %v, want %q", rec["service"], Service)
	}
	if rec["version"] != "1.2.3" {
		t.Errorf("version = %v", rec["version"])
	}
	if rec["iot_id"] != "abc" {
		t.Errorf("iot_id = %v", rec["iot_id"])
	}
}

func TestNewLogger_LevelFilters(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(&buf, config.LogConfig{Level: "warn", Format: "text"}, "dev")

	log.Info("quiet")
	log.Warn("loud")

	out := buf.String()
	if strings.Contains(out, "quiet") {
		t.Errorf("info record written at warn level: %q", out)
	}
	if !strings.Contains(out, "loud") {
		t.Errorf("warn record missing: %q", out)
	}
}

func TestNewLogger_RedactsSecrets(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(&buf, config.LogConfig{Format: "text"}, "dev")

	log.Info("login", "username", "me@example.com", "password", "hunter2", "token", "abc")

	out := buf.String()
	if strings.Contains(out, "hunter2") || strings.Contains(out, "token=abc") {
		t.Errorf("secret leaked: %q", out)
	}
	if !strings.Contains(out, "me@example.com") {
		t.Errorf("username missing: %q", out)
	}
}
