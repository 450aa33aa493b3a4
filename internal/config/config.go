// Package config handles harbor-bridge configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/harbor-bridge/config.yaml,
// /etc/harbor-bridge/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "harbor-bridge", "config.yaml"))
	}

	paths = append(paths, "/etc/harbor-bridge/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all harbor-bridge configuration.
type Config struct {
	DataDir     string            `yaml:"data_dir"`
	LogLevel    string            `yaml:"log_level"`
	Framing     FramingConfig     `yaml:"framing"`
	Permissions PermissionsConfig `yaml:"permissions"`
	Limits      LimitsConfig      `yaml:"limits"`
	Servers     ServersConfig     `yaml:"servers"`
	Providers   ProvidersConfig   `yaml:"providers"`
	DebugAPI    DebugAPIConfig    `yaml:"debug_api"`
}

// FramingConfig bounds the page-facing message channel.
type FramingConfig struct {
	// MaxMessageBytes caps a single framed message. The browser enforces
	// 1 MiB on messages it sends; larger values only affect the outbound
	// direction. Zero means the 1 MiB default.
	MaxMessageBytes int `yaml:"max_message_bytes"`
}

// PermissionsConfig controls the grant store.
type PermissionsConfig struct {
	// AllowOnceTTLSec is how long a one-shot grant remains valid (default 300).
	AllowOnceTTLSec int `yaml:"allow_once_ttl_sec"`
	// SweepInterval is a cron "@every" duration for pruning expired
	// one-shot grants (default "@every 1m").
	SweepInterval string `yaml:"sweep_interval"`
}

// LimitsConfig controls per-origin rate limiting and call budgets.
type LimitsConfig struct {
	// MaxConcurrentCalls is the per-origin in-flight tool call cap (default 4).
	MaxConcurrentCalls int `yaml:"max_concurrent_calls"`
	// DefaultRunBudget is the call budget for a run when the caller does
	// not specify one (default 25).
	DefaultRunBudget int `yaml:"default_run_budget"`
	// CallTimeoutSec is the per-call tool timeout in seconds (default 30).
	CallTimeoutSec int `yaml:"call_timeout_sec"`
}

// ServersConfig controls tool server supervision.
type ServersConfig struct {
	// MaxRestartAttempts bounds crash auto-restarts before a server is
	// marked terminally errored (default 3).
	MaxRestartAttempts int `yaml:"max_restart_attempts"`
	// LogTailLines is how many recent stderr lines are kept per server
	// for diagnostics (default 50).
	LogTailLines int `yaml:"log_tail_lines"`
}

// ProvidersConfig defines the LLM backends.
type ProvidersConfig struct {
	// Default names the user-preferred provider id.
	Default string `yaml:"default"`
	// Ollama is the local backend.
	Ollama OllamaConfig `yaml:"ollama"`
	// Anthropic is the remote backend.
	Anthropic AnthropicConfig `yaml:"anthropic"`
}

// OllamaConfig defines Ollama connection settings.
type OllamaConfig struct {
	Enabled bool   `yaml:"enabled"`
	BaseURL string `yaml:"base_url"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`
}

// DebugAPIConfig defines the optional localhost diagnostics server.
type DebugAPIConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"` // Default: 8377
}

// AllowOnceTTL returns the one-shot grant TTL as a duration.
func (p PermissionsConfig) AllowOnceTTL() time.Duration {
	if p.AllowOnceTTLSec <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(p.AllowOnceTTLSec) * time.Second
}

// CallTimeout returns the per-call tool timeout as a duration.
func (l LimitsConfig) CallTimeout() time.Duration {
	if l.CallTimeoutSec <= 0 {
		return 30 * time.Second
	}
	return time.Duration(l.CallTimeoutSec) * time.Second
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Permissions: PermissionsConfig{
			AllowOnceTTLSec: 300,
			SweepInterval:   "@every 1m",
		},
		Limits: LimitsConfig{
			MaxConcurrentCalls: 4,
			DefaultRunBudget:   25,
			CallTimeoutSec:     30,
		},
		Servers: ServersConfig{
			MaxRestartAttempts: 3,
			LogTailLines:       50,
		},
		Providers: ProvidersConfig{
			Ollama: OllamaConfig{
				Enabled: true,
				BaseURL: "http://localhost:11434",
			},
		},
		DebugAPI: DebugAPIConfig{Port: 8377},
	}
}
