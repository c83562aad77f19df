// Package config loads the server configuration: defaults, then an optional
// YAML file, then environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/stefanodecillis/opengate/internal/otel"
)

// Config is the server configuration.
type Config struct {
	// Port the HTTP listener binds.
	Port int `yaml:"port"`

	// DataDir holds the database and logs. Defaults to ~/.opengate.
	DataDir string `yaml:"data_dir"`

	// DBPath overrides the database location inside DataDir.
	DBPath string `yaml:"db_path"`

	// SetupToken gates agent self-registration; empty disables it.
	SetupToken string `yaml:"setup_token"`

	LogLevel string `yaml:"log_level"`
	Quiet    bool   `yaml:"quiet"`

	// StaleTimeoutMinutes is the reaper fallback for agents without a
	// per-agent timeout.
	StaleTimeoutMinutes int64 `yaml:"stale_timeout_minutes"`

	Telemetry otel.Config `yaml:"telemetry"`
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".opengate")
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Port:                8080,
		DataDir:             defaultDataDir(),
		LogLevel:            "info",
		StaleTimeoutMinutes: 240,
	}
}

// Load reads the config file at path (missing file is fine: defaults apply)
// and applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// Defaults apply.
		default:
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.DataDir, "opengate.db")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return cfg, fmt.Errorf("invalid port %d", cfg.Port)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("OPENGATE_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Port = port
		}
	}
	if v := os.Getenv("OPENGATE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("OPENGATE_DB"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("OPENGATE_SETUP_TOKEN"); v != "" {
		cfg.SetupToken = v
	}
	if v := os.Getenv("OPENGATE_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}
