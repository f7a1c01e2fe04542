// Package config provides configuration loading and management.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that parses TOML strings like "30s".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the full planlock configuration.
type Config struct {
	Agent      AgentConfig    `toml:"agent"`
	Planner    LLMConfig      `toml:"planner"`    // Routing and synthesis model
	Executor   LLMConfig      `toml:"executor"`   // Gate review and per-step action model
	Summarizer LLMConfig      `toml:"summarizer"` // Fast/cheap model for the summarize tool
	Scaffold   ScaffoldConfig `toml:"scaffold"`
	Session    SessionConfig  `toml:"session"`
	Web        WebConfig      `toml:"web"`
}

// AgentConfig contains identification and workspace settings.
type AgentConfig struct {
	ID        string `toml:"id"`
	Workspace string `toml:"workspace"`
}

// LLMConfig contains LLM provider settings for one capability.
type LLMConfig struct {
	Provider  string `toml:"provider"`
	Model     string `toml:"model"`
	APIKeyEnv string `toml:"api_key_env"`
	BaseURL   string `toml:"base_url"`
	MaxTokens int    `toml:"max_tokens"`
}

// ScaffoldConfig contains run discipline settings.
type ScaffoldConfig struct {
	CallTimeout     Duration `toml:"call_timeout"` // Planner/Executor capability calls
	ToolTimeout     Duration `toml:"tool_timeout"` // Individual tool invocations
	MaxToolFailures int      `toml:"max_tool_failures"`
}

// SessionConfig contains run storage settings.
type SessionConfig struct {
	Store string `toml:"store"` // sqlite or file
	Path  string `toml:"path"`
}

// WebConfig contains web search settings for the search tool.
type WebConfig struct {
	SearchProvider string `toml:"search_provider"` // brave or tavily
	APIKeyEnv      string `toml:"api_key_env"`
}

// New creates a new config with defaults.
func New() *Config {
	return &Config{
		Planner: LLMConfig{
			MaxTokens: 4096,
		},
		Scaffold: ScaffoldConfig{
			CallTimeout:     Duration(2 * time.Minute),
			ToolTimeout:     Duration(30 * time.Second),
			MaxToolFailures: 2,
		},
		Session: SessionConfig{
			Store: "file",
			Path:  ".planlock/runs",
		},
		Web: WebConfig{
			SearchProvider: "brave",
		},
	}
}

// Default returns a default configuration.
func Default() *Config {
	return New()
}

// LoadFile loads configuration from a TOML file.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// LoadDefault loads configuration from planlock.toml in the current directory.
func LoadDefault() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get current directory: %w", err)
	}

	return LoadFile(filepath.Join(cwd, "planlock.toml"))
}

// PlannerLLM returns the planner capability settings.
func (c *Config) PlannerLLM() LLMConfig {
	return c.Planner
}

// ExecutorLLM returns the executor capability settings, falling back to the
// planner settings for unset fields.
func (c *Config) ExecutorLLM() LLMConfig {
	return mergeLLM(c.Planner, c.Executor)
}

// SummarizerLLM returns the summarize-tool settings, falling back to the
// planner settings for unset fields.
func (c *Config) SummarizerLLM() LLMConfig {
	return mergeLLM(c.Planner, c.Summarizer)
}

// mergeLLM fills unset override fields from base.
func mergeLLM(base, override LLMConfig) LLMConfig {
	out := override
	if out.Provider == "" && out.Model == "" {
		// No model of its own: inherit the full base profile.
		return base
	}
	if out.Provider == "" {
		out.Provider = base.Provider
	}
	if out.APIKeyEnv == "" {
		out.APIKeyEnv = base.APIKeyEnv
	}
	if out.MaxTokens == 0 {
		out.MaxTokens = base.MaxTokens
	}
	return out
}

// APIKey returns the API key for an LLM profile from its configured
// environment variable, falling back to the provider's default variable.
func (l LLMConfig) APIKey() string {
	envVar := l.APIKeyEnv
	if envVar == "" {
		envVar = DefaultAPIKeyEnv(l.Provider)
	}
	if envVar == "" {
		return ""
	}
	return os.Getenv(envVar)
}

// DefaultAPIKeyEnv returns the default environment variable name for a provider.
func DefaultAPIKeyEnv(provider string) string {
	switch provider {
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "openai":
		return "OPENAI_API_KEY"
	case "google":
		return "GOOGLE_API_KEY"
	case "mistral":
		return "MISTRAL_API_KEY"
	case "groq":
		return "GROQ_API_KEY"
	default:
		return ""
	}
}

// SearchAPIKey returns the web search API key, preferring the configured
// env var and falling back to the provider's conventional one.
func (c *Config) SearchAPIKey() string {
	if c.Web.APIKeyEnv != "" {
		return os.Getenv(c.Web.APIKeyEnv)
	}
	switch c.Web.SearchProvider {
	case "tavily":
		return os.Getenv("TAVILY_API_KEY")
	default:
		return os.Getenv("BRAVE_API_KEY")
	}
}
