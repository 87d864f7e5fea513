// Package config provides configuration loading and management.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the runtime configuration.
type Config struct {
	Agent      AgentConfig      `toml:"agent"`
	LLM        LLMConfig        `toml:"llm"`       // Default LLM settings
	SmallLLM   LLMConfig        `toml:"small_llm"` // Fast/cheap model for summarization
	Safety     SafetyConfig     `toml:"safety"`
	Loop       LoopConfig       `toml:"loop"`
	Compaction CompactionConfig `toml:"compaction"`
	Tools      ToolsConfig      `toml:"tools"`
	Storage    StorageConfig    `toml:"storage"` // Session persistence
	Events     EventsConfig     `toml:"events"`
	Watch      WatchConfig      `toml:"watch"`
	NATS       NATSConfig       `toml:"nats"`
	Metrics    MetricsConfig    `toml:"metrics"`
	Telemetry  TelemetryConfig  `toml:"telemetry"`
	MCP        MCPConfig        `toml:"mcp"` // MCP tool servers
}

// AgentConfig selects the agent type and where its rulesets live.
type AgentConfig struct {
	Type      string `toml:"type"`
	Workspace string `toml:"workspace"`
	RulesDir  string `toml:"rules_dir"` // Directory of <type>.yaml permission rulesets
	// SkillsDirs are searched in order for skill folders; relative entries
	// resolve against the workspace.
	SkillsDirs []string `toml:"skills_dirs"`
}

// LLMConfig contains LLM provider settings.
type LLMConfig struct {
	Provider     string `toml:"provider"`
	Model        string `toml:"model"`
	APIKeyEnv    string `toml:"api_key_env"`
	MaxTokens    int    `toml:"max_tokens"`
	BaseURL      string `toml:"base_url"`      // Custom API endpoint (OpenRouter, LiteLLM, Ollama, LMStudio)
	MaxRetries   int    `toml:"max_retries"`   // Max retry attempts (default 5)
	RetryBackoff string `toml:"retry_backoff"` // Max backoff duration (default "60s")
}

// SafetyConfig controls the path safety guard.
type SafetyConfig struct {
	AllowedPaths     []string `toml:"allowed_paths"`
	ScratchDir       string   `toml:"scratch_dir"`
	MaxConfirmations int      `toml:"max_confirmations"`
	WildMode         bool     `toml:"wild_mode"`
	ConfirmTimeout   string   `toml:"confirm_timeout"` // e.g. "2m"; empty waits forever
	PolicyFile       string   `toml:"policy_file"`     // agentkit policy.toml for the built-in tools
}

// LoopConfig bounds the agent loop.
type LoopConfig struct {
	MaxSteps      int `toml:"max_steps"`
	DoomThreshold int `toml:"doom_threshold"`
	DoomWindow    int `toml:"doom_window"` // steps after which a repeated fingerprint no longer counts
	MaxDepth      int `toml:"max_depth"`   // subagent nesting limit
}

// CompactionConfig controls transcript compaction.
type CompactionConfig struct {
	ThresholdTokens int    `toml:"threshold_tokens"`
	Policy          string `toml:"policy"` // prune | summarize
	ProtectedTail   int    `toml:"protected_tail"`
	PurgeSpill      bool   `toml:"purge_spill"`
	Encoding        string `toml:"encoding"` // tiktoken encoding; "heuristic" disables it
}

// ToolsConfig contains tool execution limits.
type ToolsConfig struct {
	OutputLimit    int    `toml:"output_limit"` // bytes kept inline before spilling
	SpillDir       string `toml:"spill_dir"`
	ShellTimeout   string `toml:"shell_timeout"`
	DefaultTimeout string `toml:"default_timeout"`
	MCPTimeout     string `toml:"mcp_timeout"`
}

// StorageConfig contains persistent storage settings.
type StorageConfig struct {
	Path     string `toml:"path"`     // Base directory for session roots
	Debounce string `toml:"debounce"` // Minimum interval between debounced flushes
}

// EventsConfig sizes the per-session event channel.
type EventsConfig struct {
	Buffer int  `toml:"buffer"`
	Log    bool `toml:"log"` // Write events.jsonl in the session root
}

// WatchConfig configures the HTTP watch server. Empty Addr disables it.
type WatchConfig struct {
	Addr string `toml:"addr"`
}

// NATSConfig configures the NATS bridge. Empty URL disables it.
type NATSConfig struct {
	URL           string `toml:"url"`
	SubjectPrefix string `toml:"subject_prefix"`
}

// MetricsConfig configures the SQLite metrics ledger. Empty Path disables it.
type MetricsConfig struct {
	Path string `toml:"path"`
}

// TelemetryConfig contains telemetry settings.
type TelemetryConfig struct {
	Enabled  bool   `toml:"enabled"`
	Endpoint string `toml:"endpoint"` // OTLP endpoint (e.g., localhost:4317)
	Protocol string `toml:"protocol"` // grpc (default) or http
}

// MCPConfig contains MCP tool server configuration.
type MCPConfig struct {
	Servers map[string]MCPServerConfig `toml:"servers"`
}

// MCPServerConfig configures an MCP server connection.
type MCPServerConfig struct {
	Command     string            `toml:"command"`
	Args        []string          `toml:"args,omitempty"`
	Env         map[string]string `toml:"env,omitempty"`
	DeniedTools []string          `toml:"denied_tools,omitempty"` // Tools to exclude from LLM
	WriteTools  []string          `toml:"write_tools,omitempty"`  // Tools gated by the path guard
}

// New creates a new config with defaults.
func New() *Config {
	return &Config{
		Agent: AgentConfig{
			Type:       "build",
			SkillsDirs: []string{".agent/skills", "~/.config/agentcore/skills"},
		},
		LLM: LLMConfig{
			MaxTokens:    4096,
			MaxRetries:   5,
			RetryBackoff: "60s",
		},
		Safety: SafetyConfig{
			ScratchDir:       filepath.Join(os.TempDir(), "agentcore-scratch"),
			MaxConfirmations: 20,
		},
		Loop: LoopConfig{
			MaxSteps:      100,
			DoomThreshold: 5,
			DoomWindow:    10,
			MaxDepth:      2,
		},
		Compaction: CompactionConfig{
			ThresholdTokens: 120000,
			Policy:          "prune",
			ProtectedTail:   6,
			Encoding:        "cl100k_base",
		},
		Tools: ToolsConfig{
			OutputLimit:    30000,
			ShellTimeout:   "2m",
			DefaultTimeout: "5m",
			MCPTimeout:     "60s",
		},
		Storage: StorageConfig{
			Path:     "~/.local/agentcore",
			Debounce: "250ms",
		},
		Events: EventsConfig{
			Buffer: 256,
		},
		NATS: NATSConfig{
			SubjectPrefix: "agent",
		},
		Telemetry: TelemetryConfig{
			Protocol: "noop",
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
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadDefault loads configuration from agent.toml in the current directory.
func LoadDefault() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get current directory: %w", err)
	}

	return LoadFile(filepath.Join(cwd, "agent.toml"))
}

// Validate checks values the runtime cannot work around.
func (c *Config) Validate() error {
	if c.Loop.MaxSteps <= 0 {
		return fmt.Errorf("loop.max_steps must be positive")
	}
	if c.Loop.DoomThreshold < 2 {
		return fmt.Errorf("loop.doom_threshold must be at least 2")
	}
	if c.Safety.MaxConfirmations < 0 {
		return fmt.Errorf("safety.max_confirmations must not be negative")
	}
	if c.Compaction.ProtectedTail < 1 {
		return fmt.Errorf("compaction.protected_tail must be at least 1")
	}
	switch c.Compaction.Policy {
	case "prune", "summarize":
	default:
		return fmt.Errorf("compaction.policy must be prune or summarize, got %q", c.Compaction.Policy)
	}
	for name, d := range map[string]string{
		"safety.confirm_timeout": c.Safety.ConfirmTimeout,
		"tools.shell_timeout":    c.Tools.ShellTimeout,
		"tools.default_timeout":  c.Tools.DefaultTimeout,
		"tools.mcp_timeout":      c.Tools.MCPTimeout,
		"storage.debounce":       c.Storage.Debounce,
		"llm.retry_backoff":      c.LLM.RetryBackoff,
	} {
		if d == "" {
			continue
		}
		if _, err := time.ParseDuration(d); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// Duration parses a duration field, returning fallback when it is empty or invalid.
func Duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// GetAPIKey returns the API key from the configured environment variable.
// If api_key_env is not set, uses the default env var for the provider.
func (c *Config) GetAPIKey() string {
	return apiKeyFor(c.LLM)
}

// SummarizerLLM returns the model used for summarize compaction, falling back to
// the main model when small_llm is not configured.
func (c *Config) SummarizerLLM() LLMConfig {
	if c.SmallLLM.Model == "" {
		return c.LLM
	}
	result := c.SmallLLM
	if result.Provider == "" {
		result.Provider = c.LLM.Provider
	}
	if result.APIKeyEnv == "" {
		result.APIKeyEnv = c.LLM.APIKeyEnv
	}
	if result.MaxTokens == 0 {
		result.MaxTokens = c.LLM.MaxTokens
	}
	return result
}

func apiKeyFor(l LLMConfig) string {
	envVar := l.APIKeyEnv
	if envVar == "" {
		envVar = DefaultAPIKeyEnv(l.Provider)
	}
	if envVar == "" {
		return ""
	}
	return os.Getenv(envVar)
}

// APIKey returns the key for an arbitrary LLM config section.
func APIKey(l LLMConfig) string {
	return apiKeyFor(l)
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
