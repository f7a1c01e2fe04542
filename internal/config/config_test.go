package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "planlock.toml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
[agent]
id = "test-agent"
workspace = "/workspace"

[planner]
provider = "anthropic"
model = "claude-sonnet-4-5"
api_key_env = "ANTHROPIC_API_KEY"
max_tokens = 8192

[scaffold]
call_timeout = "90s"
tool_timeout = "15s"
max_tool_failures = 3

[session]
store = "sqlite"
path = "/data/runs.db"
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("load error: %v", err)
	}

	if cfg.Agent.ID != "test-agent" {
		t.Errorf("agent.id = %s", cfg.Agent.ID)
	}
	if cfg.Planner.Model != "claude-sonnet-4-5" {
		t.Errorf("planner.model = %s", cfg.Planner.Model)
	}
	if cfg.Planner.MaxTokens != 8192 {
		t.Errorf("planner.max_tokens = %d", cfg.Planner.MaxTokens)
	}
	if cfg.Scaffold.CallTimeout.Std() != 90*time.Second {
		t.Errorf("scaffold.call_timeout = %v", cfg.Scaffold.CallTimeout.Std())
	}
	if cfg.Scaffold.ToolTimeout.Std() != 15*time.Second {
		t.Errorf("scaffold.tool_timeout = %v", cfg.Scaffold.ToolTimeout.Std())
	}
	if cfg.Scaffold.MaxToolFailures != 3 {
		t.Errorf("scaffold.max_tool_failures = %d", cfg.Scaffold.MaxToolFailures)
	}
	if cfg.Session.Store != "sqlite" || cfg.Session.Path != "/data/runs.db" {
		t.Errorf("session = %+v", cfg.Session)
	}
}

func TestLoadDefault(t *testing.T) {
	tmpDir := t.TempDir()
	oldWd, _ := os.Getwd()
	defer os.Chdir(oldWd)
	os.Chdir(tmpDir)

	os.WriteFile("planlock.toml", []byte(`
[agent]
id = "default-agent"
`), 0644)

	cfg, err := LoadDefault()
	if err != nil {
		t.Fatalf("load error: %v", err)
	}
	if cfg.Agent.ID != "default-agent" {
		t.Errorf("agent.id = %s", cfg.Agent.ID)
	}
}

func TestDefaults(t *testing.T) {
	cfg := New()

	if cfg.Planner.MaxTokens != 4096 {
		t.Errorf("default max_tokens = %d", cfg.Planner.MaxTokens)
	}
	if cfg.Session.Store != "file" {
		t.Errorf("default store = %s", cfg.Session.Store)
	}
	if cfg.Scaffold.CallTimeout.Std() != 2*time.Minute {
		t.Errorf("default call_timeout = %v", cfg.Scaffold.CallTimeout.Std())
	}
	if cfg.Scaffold.MaxToolFailures != 2 {
		t.Errorf("default max_tool_failures = %d", cfg.Scaffold.MaxToolFailures)
	}
}

func TestFileNotFound(t *testing.T) {
	if _, err := LoadFile("/nonexistent/path/planlock.toml"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestInvalidTOML(t *testing.T) {
	path := writeConfig(t, `[invalid`)
	if _, err := LoadFile(path); err == nil {
		t.Error("expected error for invalid TOML")
	}
}

func TestInvalidDuration(t *testing.T) {
	path := writeConfig(t, `
[scaffold]
call_timeout = "ninety seconds"
`)
	if _, err := LoadFile(path); err == nil {
		t.Error("expected error for unparseable duration")
	}
}

func TestCapabilityFallback(t *testing.T) {
	path := writeConfig(t, `
[planner]
provider = "anthropic"
model = "claude-sonnet-4-5"
max_tokens = 4096

[executor]
model = "claude-haiku-4-5"

[summarizer]
provider = "openai"
model = "gpt-4o-mini"
max_tokens = 1024
`)

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	exec := cfg.ExecutorLLM()
	if exec.Model != "claude-haiku-4-5" {
		t.Errorf("executor model = %s", exec.Model)
	}
	if exec.Provider != "anthropic" {
		t.Errorf("executor should inherit provider, got %s", exec.Provider)
	}
	if exec.MaxTokens != 4096 {
		t.Errorf("executor should inherit max_tokens, got %d", exec.MaxTokens)
	}

	summ := cfg.SummarizerLLM()
	if summ.Provider != "openai" || summ.Model != "gpt-4o-mini" || summ.MaxTokens != 1024 {
		t.Errorf("summarizer = %+v", summ)
	}
}

func TestCapabilityFallbackWhenUnset(t *testing.T) {
	path := writeConfig(t, `
[planner]
provider = "anthropic"
model = "claude-sonnet-4-5"
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}

	exec := cfg.ExecutorLLM()
	if exec.Model != "claude-sonnet-4-5" {
		t.Errorf("unset executor should inherit the planner profile, got %+v", exec)
	}
}

func TestAPIKey(t *testing.T) {
	os.Setenv("TEST_API_KEY", "secret123")
	defer os.Unsetenv("TEST_API_KEY")

	l := LLMConfig{Provider: "anthropic", APIKeyEnv: "TEST_API_KEY"}
	if got := l.APIKey(); got != "secret123" {
		t.Errorf("APIKey = %s", got)
	}
}

func TestAPIKeyDefaultEnv(t *testing.T) {
	os.Setenv("ANTHROPIC_API_KEY", "default-key")
	defer os.Unsetenv("ANTHROPIC_API_KEY")

	l := LLMConfig{Provider: "anthropic"}
	if got := l.APIKey(); got != "default-key" {
		t.Errorf("APIKey = %s", got)
	}
}

func TestDefaultAPIKeyEnv(t *testing.T) {
	tests := []struct {
		provider string
		expected string
	}{
		{"anthropic", "ANTHROPIC_API_KEY"},
		{"openai", "OPENAI_API_KEY"},
		{"google", "GOOGLE_API_KEY"},
		{"mistral", "MISTRAL_API_KEY"},
		{"groq", "GROQ_API_KEY"},
		{"unknown", ""},
	}

	for _, tt := range tests {
		if got := DefaultAPIKeyEnv(tt.provider); got != tt.expected {
			t.Errorf("DefaultAPIKeyEnv(%q) = %q, want %q", tt.provider, got, tt.expected)
		}
	}
}

func TestSearchAPIKey(t *testing.T) {
	os.Setenv("TAVILY_API_KEY", "tav-key")
	defer os.Unsetenv("TAVILY_API_KEY")

	cfg := New()
	cfg.Web.SearchProvider = "tavily"
	if got := cfg.SearchAPIKey(); got != "tav-key" {
		t.Errorf("SearchAPIKey = %s", got)
	}

	os.Setenv("CUSTOM_SEARCH_KEY", "custom")
	defer os.Unsetenv("CUSTOM_SEARCH_KEY")
	cfg.Web.APIKeyEnv = "CUSTOM_SEARCH_KEY"
	if got := cfg.SearchAPIKey(); got != "custom" {
		t.Errorf("SearchAPIKey with explicit env = %s", got)
	}
}
