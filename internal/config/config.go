// Package config provides configuration loading and management.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the orchestrator configuration.
type Config struct {
	Agent     AgentConfig        `toml:"agent"`
	LLM       LLMConfig          `toml:"llm"`       // Capable model (default class)
	SmallLLM  LLMConfig          `toml:"small_llm"` // Fast/cheap model
	Profiles  map[string]Profile `toml:"profiles"`  // Named profiles referenced by personas
	Engine    EngineConfig       `toml:"engine"`
	Sandbox   SandboxConfig      `toml:"sandbox"`
	Knowledge KnowledgeConfig    `toml:"knowledge"`
	Personas  PersonasConfig     `toml:"personas"`
	Storage   StorageConfig      `toml:"storage"`
	Archive   ArchiveConfig      `toml:"archive"`
	Schedule  ScheduleConfig     `toml:"schedule"`
	Metrics   MetricsConfig      `toml:"metrics"`
	Telemetry TelemetryConfig    `toml:"telemetry"`
}

// AgentConfig contains agent identification settings.
type AgentConfig struct {
	ID        string `toml:"id"`
	Workspace string `toml:"workspace"`
}

// LLMConfig contains LLM provider settings.
type LLMConfig struct {
	Provider  string `toml:"provider"`
	Model     string `toml:"model"`
	APIKeyEnv string `toml:"api_key_env"`
	MaxTokens int    `toml:"max_tokens"`
	BaseURL   string `toml:"base_url"`  // Custom API endpoint (OpenRouter, LiteLLM, Ollama, LMStudio)
	Serialize bool   `toml:"serialize"` // One request at a time (local models)
}

// Profile represents a named LLM configuration.
type Profile struct {
	Provider  string `toml:"provider"`
	Model     string `toml:"model"`
	APIKeyEnv string `toml:"api_key_env"`
	MaxTokens int    `toml:"max_tokens"`
	BaseURL   string `toml:"base_url"`
	Serialize bool   `toml:"serialize"`
}

// EngineConfig tunes the control loop, the recursion guard and retry policy.
type EngineConfig struct {
	MaxDepth           int      `toml:"max_depth"`           // Requests at depth >= max_depth are rejected
	MaxLive            int      `toml:"max_live"`            // Live invocations per task
	GlobalMaxLive      int      `toml:"global_max_live"`     // Live invocations per process (0 = unbounded)
	RetryThreshold     int      `toml:"retry_threshold"`     // Blocked once a step's retry count exceeds this
	ScratchTail        int      `toml:"scratch_tail"`        // Scratch lines passed to each step
	MaxRounds          int      `toml:"max_rounds"`          // Intermediate rounds per step attempt
	MaxIterations      int      `toml:"max_iterations"`      // runStep iterations per Run call
	InvocationTimeout  Duration `toml:"invocation_timeout"`  // Per-request timeout
	Backoff            Duration `toml:"backoff"`             // Delay after a concurrency rejection
	TokenBudget        int      `toml:"token_budget"`        // Tokens per task (0 = unbounded)
	AcceptIntermediate bool     `toml:"accept_intermediate"` // Last Intermediate counts as success at round limit
	ParallelSiblings   bool     `toml:"parallel_siblings"`   // Run sibling nested calls concurrently
	LeaseTTL           Duration `toml:"lease_ttl"`
}

// SandboxConfig configures the subprocess sandbox port.
type SandboxConfig struct {
	Interpreter    string   `toml:"interpreter"`
	Args           []string `toml:"args"`
	Timeout        Duration `toml:"timeout"`
	BlockedImports []string `toml:"blocked_imports"`
}

// KnowledgeConfig configures the knowledge index backing context handles.
type KnowledgeConfig struct {
	Paths    []string `toml:"paths"`    // Files or directories indexed on startup
	Persist  bool     `toml:"persist"`  // true = on-disk index under storage path
	Snippets int      `toml:"snippets"` // Snippets attached to each step handle
	Handles  int      `toml:"handles"`  // Handle registry capacity
}

// PersonasConfig lists directories searched for PERSONA.md files.
type PersonasConfig struct {
	Paths []string `toml:"paths"`
}

// StorageConfig contains persistent storage settings.
type StorageConfig struct {
	Path      string `toml:"path"`       // Base directory for all persistent data
	FocusFile string `toml:"focus_file"` // Focus record, relative to workspace unless absolute
}

// ArchiveConfig configures where terminal task summaries go.
type ArchiveConfig struct {
	Dir             string `toml:"dir"`              // JSONL episode logs (default <storage>/episodes)
	NATSURL         string `toml:"nats_url"`         // Empty disables publishing
	Subject         string `toml:"subject"`          // Archive subject
	EscalateSubject string `toml:"escalate_subject"` // Blocked-task subject
}

// ScheduleConfig configures the heartbeat used by `rlm serve`.
type ScheduleConfig struct {
	Cron string `toml:"cron"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `toml:"addr"`
}

// TelemetryConfig contains telemetry settings.
type TelemetryConfig struct {
	Enabled  bool   `toml:"enabled"`
	Endpoint string `toml:"endpoint"` // OTLP endpoint (e.g., localhost:4317)
	Protocol string `toml:"protocol"` // grpc, http or noop
}

// Duration decodes TOML strings like "90s" into a time.Duration.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// New creates a new config with defaults.
func New() *Config {
	return &Config{
		LLM: LLMConfig{
			MaxTokens: 4096,
		},
		Engine: EngineConfig{
			MaxDepth:          2,
			MaxLive:           4,
			RetryThreshold:    3,
			ScratchTail:       5,
			MaxRounds:         4,
			MaxIterations:     50,
			InvocationTimeout: Duration{2 * time.Minute},
			Backoff:           Duration{5 * time.Second},
			ParallelSiblings:  true,
			LeaseTTL:          Duration{10 * time.Minute},
		},
		Sandbox: SandboxConfig{
			Interpreter:    "python3",
			Timeout:        Duration{30 * time.Second},
			BlockedImports: []string{"os", "sys", "subprocess", "shutil"},
		},
		Knowledge: KnowledgeConfig{
			Snippets: 3,
			Handles:  256,
		},
		Storage: StorageConfig{
			Path:      "~/.local/rlm",
			FocusFile: "FOCUS.md",
		},
		Archive: ArchiveConfig{
			Subject:         "rlm.archive",
			EscalateSubject: "rlm.escalate",
		},
		Schedule: ScheduleConfig{
			Cron: "*/30 * * * *",
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
		return nil, err
	}
	return cfg, nil
}

// LoadDefault loads rlm.toml from the current directory, falling back to
// defaults when the file does not exist.
func LoadDefault() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get current directory: %w", err)
	}
	cfg, err := LoadFile(filepath.Join(cwd, "rlm.toml"))
	if os.IsNotExist(err) {
		return Default(), nil
	}
	return cfg, err
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	if c.Engine.MaxDepth < 1 {
		return fmt.Errorf("engine.max_depth must be >= 1, got %d", c.Engine.MaxDepth)
	}
	if c.Engine.MaxLive < 1 {
		return fmt.Errorf("engine.max_live must be >= 1, got %d", c.Engine.MaxLive)
	}
	if c.Engine.RetryThreshold < 0 {
		return fmt.Errorf("engine.retry_threshold must be >= 0, got %d", c.Engine.RetryThreshold)
	}
	if c.Engine.MaxRounds < 1 {
		return fmt.Errorf("engine.max_rounds must be >= 1, got %d", c.Engine.MaxRounds)
	}
	return nil
}

// StoragePath returns the storage directory with ~ expanded.
func (c *Config) StoragePath() string {
	return ExpandHome(c.Storage.Path)
}

// FocusPath returns the absolute path of the focus record.
func (c *Config) FocusPath() string {
	p := ExpandHome(c.Storage.FocusFile)
	if filepath.IsAbs(p) {
		return p
	}
	ws := c.Agent.Workspace
	if ws == "" {
		ws, _ = os.Getwd()
	}
	return filepath.Join(ws, p)
}

// ArchiveDir returns the episode log directory.
func (c *Config) ArchiveDir() string {
	if c.Archive.Dir != "" {
		return ExpandHome(c.Archive.Dir)
	}
	return filepath.Join(c.StoragePath(), "episodes")
}

// ExpandHome expands a leading ~ to the user's home directory.
func ExpandHome(p string) string {
	if p == "" || p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[1:])
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

// GetProfile returns the LLM config for a named profile.
// Falls back to the default LLM config if the profile is not found.
func (c *Config) GetProfile(name string) LLMConfig {
	if name == "" {
		return c.LLM
	}
	profile, ok := c.Profiles[name]
	if !ok {
		return c.LLM
	}
	result := LLMConfig{
		Provider:  profile.Provider,
		Model:     profile.Model,
		APIKeyEnv: profile.APIKeyEnv,
		MaxTokens: profile.MaxTokens,
		BaseURL:   profile.BaseURL,
		Serialize: profile.Serialize,
	}
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

// APIKey resolves the key for an LLM config from its environment variable.
func APIKey(l LLMConfig) string {
	envVar := l.APIKeyEnv
	if envVar == "" {
		envVar = DefaultAPIKeyEnv(l.Provider)
	}
	if envVar == "" {
		return ""
	}
	return os.Getenv(envVar)
}
