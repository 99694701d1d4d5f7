package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/trymwestin/neakasa/internal/config"
	"github.com/trymwestin/neakasa/internal/core/api"
	"github.com/trymwestin/neakasa/internal/core/platform"
	"github.com/trymwestin/neakasa/internal/logging"
)

func TestPlatformConfig(t *testing.T) {
	cfg := config.NeakasaConfig{
		Username:          "user@example.com",
		Password:          "secret",
		PollInterval:      90,
		StartupBehavior:   platform.StartupDelayed,
		StartupDelay:      15,
		DiscoveryInterval: 600,
		Devices: []config.DeviceConfig{
			{IotID: "iot1", Name: "Hall", PollInterval: 30, Features: map[string]bool{"silent_mode": false, "turbo": true}},
			{DeviceName: "M1-2", Hidden: true},
		},
	}

	got := platformConfig(cfg, logging.Discard())

	if got.PollInterval != 90*time.Second {
		t.Errorf("PollInterval = %v", got.PollInterval)
	}
	if got.StartupDelay != 15*time.Second || got.DiscoveryInterval != 10*time.Minute {
		t.Errorf("StartupDelay = %v, DiscoveryInterval = %v", got.StartupDelay, got.DiscoveryInterval)
	}
	if len(got.Overrides) != 2 {
		t.Fatalf("len(Overrides) = %d", len(got.Overrides))
	}
	o := got.Overrides[0]
	if o.Name != "Hall" || o.PollInterval != 30 {
		t.Errorf("override = %+v", o)
	}
	if on, ok := o.Features[platform.FeatureSilentMode]; !ok || on {
		t.Errorf("silent_mode = %v, %v", on, ok)
	}
	if _, ok := o.Features["turbo"]; ok {
		t.Error("unknown feature kept")
	}
	if !got.Overrides[1].Hidden || got.Overrides[1].DeviceName != "M1-2" {
		t.Errorf("override[1] = %+v", got.Overrides[1])
	}
}

func TestPrintDevices(t *testing.T) {
	devices := []api.Device{
		{IotID: "iot1", DeviceName: "M1-1", Status: "online"},
		{IotID: "iot2", DeviceName: "M1-2", Status: "offline"},
	}
	profile := func(d api.Device) platform.Profile {
		return platform.Profile{Name: "Box " + d.IotID}
	}

	t.Run("table", func(t *testing.T) {
		var buf bytes.Buffer
		if err := printDevices(&buf, devices, profile, false); err != nil {
			t.Fatalf("printDevices() error = %v", err)
		}
		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		if len(lines) != 3 {
			t.Fatalf("lines = %q", lines)
		}
		if !strings.HasPrefix(lines[0], "IOT ID") {
			t.Errorf("header = %q", lines[0])
		}
		if !strings.Contains(lines[1], "Box iot1") || !strings.Contains(lines[2], "offline") {
			t.Errorf("rows = %q", lines[1:])
		}
	})

	t.Run("json", func(t *testing.T) {
		var buf bytes.Buffer
		if err := printDevices(&buf, devices, profile, true); err != nil {
			t.Fatalf("printDevices() error = %v", err)
		}
		var rows []deviceRow
		if err := json.Unmarshal(buf.Bytes(), &rows); err != nil {
			t.Fatalf("Unmarshal() error = %v", err)
		}
		if len(rows) != 2 || rows[1].Name != "Box iot2" || rows[0].DeviceName != "M1-1" {
			t.Errorf("rows = %+v", rows)
		}
	})
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()

	valid := filepath.Join(dir, "valid.yaml")
	if err := os.WriteFile(valid, []byte("neakasa:\n  username: a@b.c\n  password: pw\n  poll_interval: 1\nlog:\n  output: stderr\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, log, err := loadConfig(valid)
	if err != nil {
		t.Fatalf("loadConfig() error = %v", err)
	}
	if log == nil {
		t.Error("logger is nil")
	}
	if cfg.Neakasa.PollInterval != config.MinPollInterval {
		t.Errorf("PollInterval = %d, want clamped %d", cfg.Neakasa.PollInterval, config.MinPollInterval)
	}

	invalid := filepath.Join(dir, "invalid.yaml")
	if err := os.WriteFile(invalid, []byte("neakasa:\n  username: a@b.c\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("NEAKASA_PASSWORD", "")
	if _, _, err := loadConfig(invalid); err == nil {
		t.Error("loadConfig() error = nil for missing password")
	}
}

func TestVersionCommand(t *testing.T) {
	var buf bytes.Buffer
	versionCmd.SetOut(&buf)
	versionCmd.Run(versionCmd, nil)
	if !strings.HasPrefix(buf.String(), "neakasad "+version) {
		t.Errorf("output = %q", buf.String())
	}
}
