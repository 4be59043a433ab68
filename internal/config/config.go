package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for Parley.
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Engine   EngineConfig   `yaml:"engine"`
	LLM      LLMConfig      `yaml:"llm"`
	Tools    ToolsConfig    `yaml:"tools"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// DatabaseConfig selects and configures the backing store.
type DatabaseConfig struct {
	// Driver is "postgres", "sqlite", or "memory".
	Driver string `yaml:"driver"`
	// URL is the postgres connection string.
	URL string `yaml:"url"`
	// Path is the sqlite database file; ":memory:" for ephemeral runs.
	Path            string        `yaml:"path"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// EngineConfig tunes the event queue worker.
type EngineConfig struct {
	// MaxStepsPerRun bounds how many events one worker invocation consumes
	// before yielding the thread.
	MaxStepsPerRun int `yaml:"max_steps_per_run"`
	// EventTimeout is the processing deadline per event.
	EventTimeout time.Duration `yaml:"event_timeout"`
	// EventTTL, when set, is applied to enqueued events as ttl_ms.
	EventTTL time.Duration `yaml:"event_ttl"`
	// ExpirySchedule is the cron spec for the expired-event sweep.
	ExpirySchedule string `yaml:"expiry_schedule"`
}

// LLMConfig configures providers for agentic agents.
type LLMConfig struct {
	DefaultProvider string                       `yaml:"default_provider"`
	Providers       map[string]LLMProviderConfig `yaml:"providers"`
}

// LLMProviderConfig holds per-provider credentials and defaults.
type LLMProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	DefaultModel string `yaml:"default_model"`
	BaseURL      string `yaml:"base_url"`
	MaxTokens    int    `yaml:"max_tokens"`
}

// ToolsConfig configures tool sources and execution limits.
type ToolsConfig struct {
	// DefaultTimeout applies to tools without an override.
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	// MCPTimeout applies to MCP-backed tools without an override.
	MCPTimeout time.Duration `yaml:"mcp_timeout"`
	// Timeouts are per-tool overrides keyed by tool name.
	Timeouts map[string]time.Duration `yaml:"timeouts"`
	// MCPServers are external tool servers to list tools from.
	MCPServers []MCPServerConfig `yaml:"mcp_servers"`
	// APIs are OpenAPI documents to generate tools from.
	APIs []APIConfig `yaml:"apis"`
	// FileRoot confines native file tools; empty disables them.
	FileRoot string `yaml:"file_root"`
}

// MCPServerConfig describes one MCP server. Command starts a stdio server;
// URL points at a streamable HTTP one. Exactly one should be set.
type MCPServerConfig struct {
	Name    string            `yaml:"name"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     map[string]string `yaml:"env"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`
}

// APIConfig points at an OpenAPI document whose operations become tools.
type APIConfig struct {
	Name     string            `yaml:"name"`
	SpecPath string            `yaml:"spec_path"`
	BaseURL  string            `yaml:"base_url"`
	Headers  map[string]string `yaml:"headers"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads and parses the configuration file. Environment variable
// references (${VAR}) are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)

	return &cfg, nil
}

// Default returns a configuration with all defaults applied and no file read.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "sqlite"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "parley.db"
	}
	if cfg.Database.MaxConnections == 0 {
		cfg.Database.MaxConnections = 25
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.Engine.MaxStepsPerRun == 0 {
		cfg.Engine.MaxStepsPerRun = 256
	}
	if cfg.Engine.EventTimeout == 0 {
		cfg.Engine.EventTimeout = 5 * time.Minute
	}
	if cfg.Engine.ExpirySchedule == "" {
		cfg.Engine.ExpirySchedule = "@every 1m"
	}
	if cfg.LLM.DefaultProvider == "" {
		cfg.LLM.DefaultProvider = "anthropic"
	}
	if cfg.Tools.DefaultTimeout == 0 {
		cfg.Tools.DefaultTimeout = 30 * time.Second
	}
	if cfg.Tools.MCPTimeout == 0 {
		cfg.Tools.MCPTimeout = 10 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// ToolTimeout resolves the effective timeout for a tool. MCP-backed tools get
// the shorter MCP default unless overridden by name.
func (c *ToolsConfig) ToolTimeout(name string, mcp bool) time.Duration {
	if d, ok := c.Timeouts[name]; ok && d > 0 {
		return d
	}
	if mcp {
		return c.MCPTimeout
	}
	return c.DefaultTimeout
}
