// Package bridge is the companion polling daemon: for each configured agent
// it heartbeats the server, polls for unread notifications, and fires a wake
// mechanism when work is waiting. Wakes are fire-and-forget; acking remains
// the agent's responsibility.
package bridge

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// WakeMode selects how an agent process is woken.
type WakeMode string

const (
	WakeStdout   WakeMode = "stdout"
	WakeWebhook  WakeMode = "webhook"
	WakeCommand  WakeMode = "command"
	WakeOpenclaw WakeMode = "openclaw"
)

// Config is the bridge TOML configuration.
type Config struct {
	Server ServerConfig  `toml:"server"`
	Agents []AgentConfig `toml:"agents"`
}

type ServerConfig struct {
	URL string `toml:"url"`

	// Seconds between heartbeats / polls.
	HeartbeatInterval int64 `toml:"heartbeat_interval"`
	PollInterval      int64 `toml:"poll_interval"`
}

type AgentConfig struct {
	Name       string   `toml:"name"`
	APIKeyFile string   `toml:"api_key_file"`
	WakeMode   WakeMode `toml:"wake_mode"`

	// WebhookURL is required for wake_mode = "webhook".
	WebhookURL string `toml:"webhook_url"`
	// Command is required for wake_mode = "command".
	Command string `toml:"command"`
	// OpenclawID is required for wake_mode = "openclaw".
	OpenclawID string `toml:"openclaw_id"`
}

// ResolvedAgent is an agent config with its key loaded and intervals bound.
type ResolvedAgent struct {
	Name              string
	APIURL            string
	APIKey            string
	PollInterval      time.Duration
	HeartbeatInterval time.Duration
	WakeMode          WakeMode
	WebhookURL        string
	Command           string
	OpenclawID        string
}

// LoadConfig parses the TOML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.Server.HeartbeatInterval <= 0 {
		cfg.Server.HeartbeatInterval = 300
	}
	if cfg.Server.PollInterval <= 0 {
		cfg.Server.PollInterval = 60
	}
	if len(cfg.Agents) == 0 {
		return nil, fmt.Errorf("no agents configured in %s", path)
	}
	return &cfg, nil
}

// Resolve loads the agent's API key file and validates its wake config.
func (a *AgentConfig) Resolve(server ServerConfig) (*ResolvedAgent, error) {
	keyData, err := os.ReadFile(a.APIKeyFile)
	if err != nil {
		return nil, fmt.Errorf("agent %q: read key file %q: %w", a.Name, a.APIKeyFile, err)
	}
	apiKey := strings.TrimSpace(string(keyData))
	if apiKey == "" {
		return nil, fmt.Errorf("agent %q: key file %q is empty", a.Name, a.APIKeyFile)
	}

	mode := a.WakeMode
	if mode == "" {
		mode = WakeStdout
	}
	switch mode {
	case WakeStdout:
	case WakeWebhook:
		if a.WebhookURL == "" {
			return nil, fmt.Errorf("agent %q: webhook wake_mode requires webhook_url", a.Name)
		}
	case WakeCommand:
		if a.Command == "" {
			return nil, fmt.Errorf("agent %q: command wake_mode requires command", a.Name)
		}
	case WakeOpenclaw:
		if a.OpenclawID == "" {
			return nil, fmt.Errorf("agent %q: openclaw wake_mode requires openclaw_id", a.Name)
		}
	default:
		return nil, fmt.Errorf("agent %q: unknown wake_mode %q", a.Name, mode)
	}

	return &ResolvedAgent{
		Name:              a.Name,
		APIURL:            strings.TrimRight(server.URL, "/"),
		APIKey:            apiKey,
		PollInterval:      time.Duration(server.PollInterval) * time.Second,
		HeartbeatInterval: time.Duration(server.HeartbeatInterval) * time.Second,
		WakeMode:          mode,
		WebhookURL:        a.WebhookURL,
		Command:           a.Command,
		OpenclawID:        a.OpenclawID,
	}, nil
}
