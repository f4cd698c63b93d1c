// Package config loads the runtime's configuration surface (§6): provider,
// agent, kernel, sandbox, and pool settings from a single YAML document.
//
// Grounded on the teacher's internal/config.Loader: environment-variable
// expansion via os.ExpandEnv before YAML decoding, read-then-validate
// shape. Narrowed from the teacher's $include-directive, JSON5-capable
// merge loader (internal/config/loader.go) to a single-file YAML load,
// since this runtime's configuration surface (§6) is far smaller than the
// teacher's multi-channel gateway config and doesn't need cross-file
// composition — a deliberate scope cut, not a dropped dependency, since no
// SPEC_FULL.md component needs includes.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/relaykit/agentcore/internal/kernel"
)

// Provider kinds accepted by ProviderConfig.Kind (§6).
const (
	ProviderAnthropic       = "anthropic"
	ProviderOpenAICompatible = "openai-compatible"
)

// SamplingConfig is the per-prompt/per-provider sampling surface (§6).
type SamplingConfig struct {
	Temperature      *float64 `yaml:"temperature,omitempty"`
	TopP             *float64 `yaml:"top_p,omitempty"`
	TopK             *int     `yaml:"top_k,omitempty"`
	FrequencyPenalty *float64 `yaml:"frequency_penalty,omitempty"`
	PresencePenalty  *float64 `yaml:"presence_penalty,omitempty"`
	Seed             *int     `yaml:"seed,omitempty"`
	StopSequences    []string `yaml:"stop_sequences,omitempty"`
}

// RateLimitConfig configures provider admission control (§4.2).
type RateLimitConfig struct {
	RPM             int  `yaml:"rpm"`
	TPM             int  `yaml:"tpm"`
	QueueWhenLimited bool `yaml:"queue_when_limited"`
	MaxQueueSize    int  `yaml:"max_queue_size"`
}

// RetryConfig configures provider-level retry (§4.2).
type RetryConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
	Multiplier     float64       `yaml:"multiplier"`
	Jitter         bool          `yaml:"jitter"`
}

// ProviderConfig configures one LLM provider client (§6).
type ProviderConfig struct {
	Kind       string          `yaml:"kind"`
	BaseURL    string          `yaml:"base_url,omitempty"`
	APIKey     string          `yaml:"api_key,omitempty"`
	Model      string          `yaml:"model"`
	MaxTokens  int             `yaml:"max_tokens"`
	Timeout    time.Duration   `yaml:"timeout"`
	APIVersion string          `yaml:"api_version,omitempty"`
	RateLimit  RateLimitConfig `yaml:"rate_limit"`
	Retry      RetryConfig     `yaml:"retry"`
	Sampling   SamplingConfig  `yaml:"sampling"`
}

// AgentConfig configures one spawned agent (§6).
type AgentConfig struct {
	ID                    string   `yaml:"id,omitempty"`
	SystemPrompt          string   `yaml:"system_prompt"`
	Name                  string   `yaml:"name,omitempty"`
	MaxConversationLength int      `yaml:"max_conversation_length"`
	EnableStreaming       bool     `yaml:"enable_streaming"`
	Tools                 []string `yaml:"tools"`
	SkillPaths            []string `yaml:"skill_paths,omitempty"`
}

// SandboxConfig configures the sandbox subsystem (§4.5).
type SandboxConfig struct {
	GuestKind      string        `yaml:"guest_kind"`
	CompileTimeout time.Duration `yaml:"compile_timeout"`
	ExecTimeout    time.Duration `yaml:"exec_timeout"`
	LintEnabled    bool          `yaml:"lint_enabled"`
}

// PoolConfig configures the sandbox instance pool (§4.5).
type PoolConfig struct {
	MinIdle     int           `yaml:"min_idle"`
	MaxActive   int           `yaml:"max_active"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// PersistenceConfig configures the SQLite and vector stores.
type PersistenceConfig struct {
	SQLitePath       string `yaml:"sqlite_path"`
	VectorPersistDir string `yaml:"vector_persist_dir,omitempty"`
	VectorCompress   bool   `yaml:"vector_compress"`
}

// ObservabilityConfig configures metrics and tracing export.
type ObservabilityConfig struct {
	MetricsAddr   string  `yaml:"metrics_addr,omitempty"`
	TraceEndpoint string  `yaml:"trace_endpoint,omitempty"`
	SamplingRate  float64 `yaml:"trace_sampling_rate,omitempty"`
}

// Config is the runtime's full configuration surface (§6).
type Config struct {
	Kernel        kernel.Config       `yaml:"kernel"`
	Providers     []ProviderConfig    `yaml:"providers"`
	Agents        []AgentConfig       `yaml:"agents"`
	Sandbox       SandboxConfig       `yaml:"sandbox"`
	Pool          PoolConfig          `yaml:"pool"`
	Persistence   PersistenceConfig   `yaml:"persistence"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// Load reads and decodes path, expanding ${VAR}/$VAR environment references
// before parsing, matching the teacher's loader.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	expanded := os.ExpandEnv(string(data))

	// Strict decoding: unknown keys are rejected rather than ignored.
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration surface for structural errors a YAML
// decode alone can't catch.
func (c *Config) Validate() error {
	for i, p := range c.Providers {
		switch p.Kind {
		case ProviderAnthropic, ProviderOpenAICompatible:
		default:
			return fmt.Errorf("config: providers[%d]: invalid kind %q", i, p.Kind)
		}
		if p.Model == "" {
			return fmt.Errorf("config: providers[%d]: model is required", i)
		}
	}
	for i, a := range c.Agents {
		if a.SystemPrompt == "" {
			return fmt.Errorf("config: agents[%d]: system_prompt is required", i)
		}
	}
	return nil
}
