// Package config provides configuration loading and management.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/vinayprograms/chatty/internal/tools"
)

// Sandbox modes.
const (
	SandboxProcess = "process"
	SandboxNATS    = "nats"
	SandboxNone    = "none"
)

// Config represents the chatty configuration.
type Config struct {
	Agent   AgentConfig   `toml:"agent"`
	LLM     LLMConfig     `toml:"llm"`
	Kernel  KernelConfig  `toml:"kernel"`
	Sandbox SandboxConfig `toml:"sandbox"`
	Gateway GatewayConfig `toml:"gateway"`
	Tools   ToolsConfig   `toml:"tools"`
	MCP     MCPConfig     `toml:"mcp"`     // MCP tool servers
	Storage StorageConfig `toml:"storage"` // Session history
}

// AgentConfig contains agent identification settings.
type AgentConfig struct {
	ID           string `toml:"id"`
	Workspace    string `toml:"workspace"`
	Instructions string `toml:"instructions"` // Appended to every system prompt
}

// LLMConfig contains LLM provider settings.
type LLMConfig struct {
	Provider     string `toml:"provider"`
	Model        string `toml:"model"`
	APIKeyEnv    string `toml:"api_key_env"`
	MaxTokens    int    `toml:"max_tokens"`
	BaseURL      string `toml:"base_url"`      // Custom API endpoint (OpenRouter, LiteLLM, Ollama, LMStudio)
	Thinking     string `toml:"thinking"`      // Thinking level: auto|off|low|medium|high
	MaxRetries   int    `toml:"max_retries"`   // Max retry attempts (default 5)
	RetryBackoff string `toml:"retry_backoff"` // Max backoff duration (default "60s")
}

// KernelConfig controls the conversation loop.
type KernelConfig struct {
	MaxDepth    int      `toml:"max_depth"`    // Sub-agent nesting bound
	MaxSteps    int      `toml:"max_steps"`    // Model calls per user turn
	JoinTimeout string   `toml:"join_timeout"` // wait_for_agents deadline
	Concurrency int      `toml:"concurrency"`  // 0 = derived from CPU count
	AutoApprove bool     `toml:"auto_approve"` // Skip confirmation for high-risk tools
	Allow       []string `toml:"allow"`        // Tools approved without asking
	Deny        []string `toml:"deny"`         // Tools refused without asking
}

// SandboxConfig selects where scripts run.
type SandboxConfig struct {
	Mode    string   `toml:"mode"` // process | nats | none
	Command string   `toml:"command"`
	Args    []string `toml:"args"`
	Timeout string   `toml:"timeout"`
	NATSURL string   `toml:"nats_url"`
	Subject string   `toml:"subject"`
}

// GatewayConfig configures the local tool gateway scripts call back into.
type GatewayConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	MaxConns int    `toml:"max_conns"`
}

// ToolsConfig lists tool manifest files.
type ToolsConfig struct {
	Manifests []string `toml:"manifests"`
	Watch     bool     `toml:"watch"` // Reload manifests when they change
}

// StorageConfig contains persistent storage settings.
type StorageConfig struct {
	Path string `toml:"path"` // Base directory for session files
}

// MCPConfig contains MCP tool server configuration.
type MCPConfig struct {
	Servers map[string]MCPServerConfig `toml:"servers"`
}

// MCPServerConfig configures an MCP server connection.
type MCPServerConfig struct {
	Command     string                 `toml:"command"`
	Args        []string               `toml:"args,omitempty"`
	Env         map[string]string      `toml:"env,omitempty"`
	DeniedTools []string               `toml:"denied_tools,omitempty"` // Tools to exclude from LLM
	Patches     map[string]PatchConfig `toml:"patches,omitempty"`      // Per-tool overrides
}

// PatchConfig overrides what an MCP server reports for one tool.
type PatchConfig struct {
	Risk        string `toml:"risk"`
	Description string `toml:"description"`
}

// New creates a new config with defaults.
func New() *Config {
	return &Config{
		LLM: LLMConfig{
			MaxTokens: 4096,
		},
		Kernel: KernelConfig{
			MaxDepth:    3,
			MaxSteps:    10,
			JoinTimeout: "5m",
		},
		Sandbox: SandboxConfig{
			Mode:    SandboxProcess,
			Command: "uv",
			Args:    []string{"run", "main.py"},
			Timeout: "120s",
			Subject: "chatty.sandbox.execute",
		},
		Gateway: GatewayConfig{
			Host:     "127.0.0.1",
			Port:     8989,
			MaxConns: 16,
		},
		Storage: StorageConfig{
			Path: "~/.local/chatty",
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

// LoadDefault loads configuration from chatty.toml in the current directory,
// falling back to defaults when the file does not exist.
func LoadDefault() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get current directory: %w", err)
	}
	path := filepath.Join(cwd, "chatty.toml")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return New(), nil
	}
	return LoadFile(path)
}

// Validate checks values the TOML decoder cannot.
func (c *Config) Validate() error {
	for name, value := range map[string]string{
		"kernel.join_timeout": c.Kernel.JoinTimeout,
		"sandbox.timeout":     c.Sandbox.Timeout,
		"llm.retry_backoff":   c.LLM.RetryBackoff,
	} {
		if value == "" {
			continue
		}
		if d, err := time.ParseDuration(value); err != nil || d < 0 {
			return fmt.Errorf("invalid %s %q: must be a positive duration", name, value)
		}
	}
	if c.Kernel.MaxDepth < 0 {
		return fmt.Errorf("invalid kernel.max_depth %d", c.Kernel.MaxDepth)
	}
	if c.Kernel.MaxSteps < 0 {
		return fmt.Errorf("invalid kernel.max_steps %d", c.Kernel.MaxSteps)
	}
	switch c.Sandbox.Mode {
	case "", SandboxProcess, SandboxNone:
	case SandboxNATS:
		if c.Sandbox.NATSURL == "" {
			return fmt.Errorf("sandbox.mode = %q requires sandbox.nats_url", SandboxNATS)
		}
	default:
		return fmt.Errorf("unknown sandbox.mode %q", c.Sandbox.Mode)
	}
	if c.Gateway.Port < 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("invalid gateway.port %d", c.Gateway.Port)
	}
	for name, srv := range c.MCP.Servers {
		if srv.Command == "" {
			return fmt.Errorf("mcp server %q has no command", name)
		}
		for tool, p := range srv.Patches {
			if p.Risk != "" && p.Risk != string(tools.RiskLow) && p.Risk != string(tools.RiskHigh) {
				return fmt.Errorf("mcp server %q: patch for %s has unknown risk %q", name, tool, p.Risk)
			}
		}
	}
	return nil
}

// JoinTimeout returns kernel.join_timeout as a duration; zero when unset.
func (c *Config) JoinTimeout() time.Duration {
	return parseDuration(c.Kernel.JoinTimeout)
}

// SandboxTimeout returns sandbox.timeout as a duration; zero when unset.
func (c *Config) SandboxTimeout() time.Duration {
	return parseDuration(c.Sandbox.Timeout)
}

func parseDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}

// StoragePath returns storage.path with a leading ~ expanded.
func (c *Config) StoragePath() string {
	return expandHome(c.Storage.Path)
}

// Workspace returns agent.workspace, defaulting to the current directory.
func (c *Config) Workspace() string {
	if c.Agent.Workspace != "" {
		return expandHome(c.Agent.Workspace)
	}
	cwd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return cwd
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// MCPSpecs converts the configured MCP servers to launch specs, sorted by
// name.
func (c *Config) MCPSpecs() []tools.MCPServerSpec {
	names := make([]string, 0, len(c.MCP.Servers))
	for name := range c.MCP.Servers {
		names = append(names, name)
	}
	sort.Strings(names)

	specs := make([]tools.MCPServerSpec, 0, len(names))
	for _, name := range names {
		srv := c.MCP.Servers[name]
		spec := tools.MCPServerSpec{
			Name:        name,
			Command:     srv.Command,
			Args:        srv.Args,
			Env:         srv.Env,
			DeniedTools: srv.DeniedTools,
		}
		if len(srv.Patches) > 0 {
			spec.Patches = make(map[string]tools.ToolPatch, len(srv.Patches))
			for tool, p := range srv.Patches {
				spec.Patches[tool] = tools.ToolPatch{Risk: p.Risk, Description: p.Description}
			}
		}
		specs = append(specs, spec)
	}
	return specs
}

// GetAPIKey returns the API key from the configured environment variable.
// If api_key_env is not set, uses the default env var for the provider.
func (c *Config) GetAPIKey() string {
	envVar := c.LLM.APIKeyEnv
	if envVar == "" {
		envVar = DefaultAPIKeyEnv(c.LLM.Provider)
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
