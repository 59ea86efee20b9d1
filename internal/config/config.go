package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config represents the main reactor configuration
type Config struct {
	// Provider profiles, in priority order
	Providers []ProviderProfile `json:"providers" mapstructure:"providers"`

	// Agents
	Agents []AgentConfig `json:"agents" mapstructure:"agents"`

	// Memory
	Memory MemoryConfig `json:"memory" mapstructure:"memory"`

	// Store
	Store StoreConfig `json:"store" mapstructure:"store"`

	// Gateway
	Gateway GatewayConfig `json:"gateway" mapstructure:"gateway"`

	// Logging
	Logging LoggingConfig `json:"logging" mapstructure:"logging"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// ProviderProfile represents credentials and endpoint for one LLM provider
type ProviderProfile struct {
	ID       string `json:"id" mapstructure:"id"`
	Provider string `json:"provider" mapstructure:"provider"` // openai, anthropic, gemini
	APIKey   string `json:"api_key" mapstructure:"api_key"`
	BaseURL  string `json:"base_url" mapstructure:"base_url"` // optional override
	Priority int    `json:"priority" mapstructure:"priority"`
}

// AgentConfig represents a single agent's behavior
type AgentConfig struct {
	Name          string  `json:"name" mapstructure:"name"`
	Model         string  `json:"model" mapstructure:"model"`
	Instructions  string  `json:"instructions" mapstructure:"instructions"`
	Temperature   float64 `json:"temperature" mapstructure:"temperature"`
	MaxTokens     int     `json:"max_tokens" mapstructure:"max_tokens"`
	MaxIterations int     `json:"max_iterations" mapstructure:"max_iterations"`
}

// MemoryConfig bounds the conversational memory windows
type MemoryConfig struct {
	ShortTermLimit int `json:"short_term_limit" mapstructure:"short_term_limit"`
	LongTermLimit  int `json:"long_term_limit" mapstructure:"long_term_limit"`
}

// StoreConfig holds persistence settings
type StoreConfig struct {
	Path            string `json:"path" mapstructure:"path"`
	RetainMessages  int    `json:"retain_messages" mapstructure:"retain_messages"`
	JanitorSchedule string `json:"janitor_schedule" mapstructure:"janitor_schedule"`
}

// GatewayConfig holds the run-state websocket gateway settings
type GatewayConfig struct {
	Enabled bool   `json:"enabled" mapstructure:"enabled"`
	Host    string `json:"host" mapstructure:"host"`
	Port    int    `json:"port" mapstructure:"port"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Providers: []ProviderProfile{},
		Agents: []AgentConfig{
			{
				Name:          "assistant",
				Model:         "gpt-4o",
				Instructions:  "You are a helpful assistant.",
				Temperature:   0.7,
				MaxTokens:     4096,
				MaxIterations: 10,
			},
		},
		Memory: MemoryConfig{
			ShortTermLimit: 10,
			LongTermLimit:  5,
		},
		Store: StoreConfig{
			RetainMessages:  500,
			JanitorSchedule: "@hourly",
		},
		Gateway: GatewayConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    8420,
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("no provider credentials configured: at least one provider profile is required")
	}

	for i, profile := range c.Providers {
		if profile.ID == "" {
			return fmt.Errorf("provider profile %d: ID is required", i)
		}
		if profile.APIKey == "" {
			return fmt.Errorf("provider profile %s: api_key is required", profile.ID)
		}
		switch profile.Provider {
		case "openai", "anthropic", "gemini":
		default:
			return fmt.Errorf("provider profile %s: invalid provider %s (must be: openai, anthropic, gemini)", profile.ID, profile.Provider)
		}
	}

	if len(c.Agents) == 0 {
		return fmt.Errorf("at least one agent must be configured")
	}

	seen := make(map[string]bool)
	for i, agent := range c.Agents {
		if agent.Name == "" {
			return fmt.Errorf("agent %d: name is required", i)
		}
		if seen[agent.Name] {
			return fmt.Errorf("agent %s: duplicate name", agent.Name)
		}
		seen[agent.Name] = true
		if agent.Model == "" {
			return fmt.Errorf("agent %s: model is required", agent.Name)
		}
		if agent.Temperature < 0 || agent.Temperature > 2 {
			return fmt.Errorf("agent %s: temperature must be between 0 and 2", agent.Name)
		}
		if agent.MaxIterations < 0 {
			return fmt.Errorf("agent %s: max_iterations cannot be negative", agent.Name)
		}
	}

	if c.Memory.ShortTermLimit < 0 || c.Memory.LongTermLimit < 0 {
		return fmt.Errorf("memory limits cannot be negative")
	}

	if c.Store.JanitorSchedule != "" {
		if err := validateCronSchedule(c.Store.JanitorSchedule); err != nil {
			return fmt.Errorf("store janitor_schedule: %w", err)
		}
	}

	if c.Gateway.Enabled && (c.Gateway.Port <= 0 || c.Gateway.Port > 65535) {
		return fmt.Errorf("gateway port must be between 1 and 65535")
	}

	return nil
}

// WatchDebounce is how long the config watcher waits for writes to settle
// before reloading.
const WatchDebounce = 250 * time.Millisecond
