// Package config handles Relay configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Transport names accepted in server specs.
const (
	TransportStdio     = "stdio"
	TransportWebSocket = "websocket"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./relay.yaml, ~/.config/relay/relay.yaml, /etc/relay/relay.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"relay.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "relay", "relay.yaml"))
	}

	paths = append(paths, "/etc/relay/relay.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must
// exist. Otherwise the first existing entry of DefaultSearchPaths wins.
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

// Config holds all Relay configuration.
type Config struct {
	LLM           LLMConfig      `yaml:"llm"`
	Servers       []ServerConfig `yaml:"servers"`
	Dispatch      DispatchConfig `yaml:"dispatch"`
	MaxIterations int            `yaml:"max_iterations"`
	SystemPrompt  string         `yaml:"system_prompt"`
	TranscriptDB  string         `yaml:"transcript_db"`
	LogLevel      string         `yaml:"log_level"`
}

// LLMConfig defines the reasoning-model endpoint.
type LLMConfig struct {
	BaseURL     string  `yaml:"base_url"` // default: http://localhost:11434
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"` // 0 means provider default
}

// ServerConfig declares one MCP tool server.
type ServerConfig struct {
	// Name identifies the server; it namespaces tool names on
	// collision, so it must be unique.
	Name string `yaml:"name"`

	// Transport is "stdio" or "websocket".
	Transport string `yaml:"transport"`

	// Command, Args, Env, and Dir apply to stdio servers.
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Env     []string `yaml:"env"`
	Dir     string   `yaml:"dir"`

	// URL and Headers apply to websocket servers.
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`

	// Include and Exclude filter which advertised tools are bridged
	// into the catalog. Include wins when both are set.
	Include []string `yaml:"include"`
	Exclude []string `yaml:"exclude"`
}

// DispatchConfig tunes tool execution.
type DispatchConfig struct {
	// MaxInFlight bounds concurrent invocations per batch (default 4).
	MaxInFlight int `yaml:"max_in_flight"`

	// CallTimeoutSec is the per-invocation deadline in seconds
	// (default 60).
	CallTimeoutSec int `yaml:"call_timeout_sec"`

	// HandshakeTimeoutSec bounds initialize and tools/list in seconds
	// (default 10). Deliberately shorter than the call timeout.
	HandshakeTimeoutSec int `yaml:"handshake_timeout_sec"`
}

// CallTimeout returns the per-call deadline as a duration.
func (d DispatchConfig) CallTimeout() time.Duration {
	return time.Duration(d.CallTimeoutSec) * time.Second
}

// HandshakeTimeout returns the handshake deadline as a duration.
func (d DispatchConfig) HandshakeTimeout() time.Duration {
	return time.Duration(d.HandshakeTimeoutSec) * time.Second
}

// Load reads and validates the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	if len(c.Servers) == 0 {
		return fmt.Errorf("at least one server must be configured")
	}

	seen := make(map[string]bool, len(c.Servers))
	for i, s := range c.Servers {
		if s.Name == "" {
			return fmt.Errorf("servers[%d]: name is required", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("servers[%d]: duplicate server name %q", i, s.Name)
		}
		seen[s.Name] = true

		switch s.Transport {
		case TransportStdio, "":
			if s.Command == "" {
				return fmt.Errorf("server %s: command is required for stdio transport", s.Name)
			}
		case TransportWebSocket:
			if s.URL == "" {
				return fmt.Errorf("server %s: url is required for websocket transport", s.Name)
			}
		default:
			return fmt.Errorf("server %s: unknown transport %q (valid: stdio, websocket)", s.Name, s.Transport)
		}
	}

	if c.MaxIterations < 0 {
		return fmt.Errorf("max_iterations must not be negative")
	}

	return nil
}
