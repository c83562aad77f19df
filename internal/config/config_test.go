package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stefanodecillis/opengate/internal/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("port = %d", cfg.Port)
	}
	if cfg.DBPath == "" {
		t.Fatal("db path should default under data dir")
	}
	if cfg.StaleTimeoutMinutes != 240 {
		t.Fatalf("stale timeout = %d", cfg.StaleTimeoutMinutes)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("port = %d", cfg.Port)
	}
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "opengate.yaml")
	content := "port: 9090\nsetup_token: tok123\nlog_level: debug\ntelemetry:\n  enabled: true\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 9090 || cfg.SetupToken != "tok123" || cfg.LogLevel != "debug" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if !cfg.Telemetry.Enabled {
		t.Fatal("telemetry should be enabled")
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "opengate.yaml")
	if err := os.WriteFile(path, []byte("port: 9090\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("OPENGATE_PORT", "7070")
	t.Setenv("OPENGATE_SETUP_TOKEN", "envtok")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 7070 {
		t.Fatalf("env port override lost: %d", cfg.Port)
	}
	if cfg.SetupToken != "envtok" {
		t.Fatalf("env token override lost: %s", cfg.SetupToken)
	}
}

func TestInvalidPortRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "opengate.yaml")
	if err := os.WriteFile(path, []byte("port: -1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := config.Load(path); err == nil {
		t.Fatal("negative port should be rejected")
	}
}

func TestMalformedYAMLRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "opengate.yaml")
	if err := os.WriteFile(path, []byte("port: [not a number\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := config.Load(path); err == nil {
		t.Fatal("malformed yaml should be rejected")
	}
}
