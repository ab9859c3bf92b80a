// Package config provides the typed, validated, environment-overridable
// configuration surface for the CAD design orchestrator: provider/model
// routing tables, resilience middleware policy, pipeline/session
// defaults, and metrics wiring.
//
// A single process-wide Config is assembled once at startup from
// defaults, an optional YAML file, and environment variable overrides,
// then validated. Callers access it only by value (GetConfig returns a
// copy) so concurrent readers can never observe a partially-mutated
// struct.
package config

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// Provider names recognized by the LLM Gateway (C1).
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGoogle    = "google"
	ProviderOllama    = "ollama"
)

// AllProviders lists every recognized provider, in a stable order, for
// iteration (circuit breaker/rate limiter initialization, validation).
//
//nolint:gochecknoglobals // closed, immutable enumeration
var AllProviders = []string{ProviderAnthropic, ProviderOpenAI, ProviderGoogle, ProviderOllama}

// API key environment variable names, one per provider. Ollama is
// host-addressed rather than key-addressed; its "key" slot carries a
// base URL instead.
const (
	EnvAnthropicAPIKey = "ANTHROPIC_API_KEY"
	EnvOpenAIAPIKey    = "OPENAI_API_KEY"
	EnvGoogleAPIKey    = "GOOGLE_API_KEY"
	EnvOllamaHost      = "OLLAMA_HOST"
)

// DefaultOllamaHost is used when EnvOllamaHost is unset.
const DefaultOllamaHost = "http://localhost:11434"

// AgentRole is the model-routing role of an LLM call, independent of
// which specialist agent or pipeline stage is making it. See §4.5/§4.9:
// the routing policy is a separate concern from pipeline/conversation
// logic.
type AgentRole string

// Recognized agent roles.
const (
	// RoleFast is the cheap, low-latency model used for validation
	// analysis, inter-agent chatter, and review.
	RoleFast AgentRole = "fast"
	// RoleBest is the highest-capability model, reserved for final
	// CAD code synthesis in the Engineer/design stage.
	RoleBest AgentRole = "best"
)

// Model carries rate/cost metadata for a named model, consumed by the
// metrics and rate-limit middleware (GetDefaultConfig on LLMClient).
type Model struct {
	Name           string  `yaml:"name"`
	Provider       string  `yaml:"provider"`
	MaxTPM         int     `yaml:"max_tpm"`         // tokens per minute
	MaxConnections int     `yaml:"max_connections"` // max concurrent connections
	CPM            float64 `yaml:"cpm"`             // cost per million tokens (USD)
}

// ProviderConfig is the per-provider section of the Providers table.
type ProviderConfig struct {
	FastModel string `yaml:"fast_model"`
	BestModel string `yaml:"best_model"`
	APIKeyEnv string `yaml:"api_key_env"`
}

// CircuitBreakerConfig configures the per-provider circuit breaker.
type CircuitBreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	SuccessThreshold int           `yaml:"success_threshold"`
	Timeout          time.Duration `yaml:"timeout"`
}

// RateLimitConfig configures the per-provider token-bucket rate limiter.
type RateLimitConfig struct {
	TokensPerMinute int `yaml:"tokens_per_minute"`
	MaxConcurrency  int `yaml:"max_concurrency"`
}

// RetryConfig configures backoff-with-jitter retry behavior. The gateway
// keys a table of these by ErrorType (see llmerrors); Pipeline retry
// (design/validate, §4.5) is a distinct, higher-level budget.
type RetryConfig struct {
	MaxAttempts   int           `yaml:"max_attempts"`
	InitialDelay  time.Duration `yaml:"initial_delay"`
	MaxDelay      time.Duration `yaml:"max_delay"`
	BackoffFactor float64       `yaml:"backoff_factor"`
	Jitter        bool          `yaml:"jitter"`
}

// ResilienceConfig bundles the per-provider resilience policy applied by
// the gateway's middleware chain.
type ResilienceConfig struct {
	CircuitBreaker map[string]CircuitBreakerConfig `yaml:"circuit_breaker"` // by provider
	RateLimit      map[string]RateLimitConfig      `yaml:"rate_limit"`      // by provider
	Retry          RetryConfig                     `yaml:"retry"`
	RequestTimeout time.Duration                   `yaml:"request_timeout"`
}

// PipelineConfig configures the Agent Pipeline (C5).
type PipelineConfig struct {
	MaxIterations  int  `yaml:"max_iterations"`
	UseOptimization bool `yaml:"use_optimization"`
	UseReview       bool `yaml:"use_review"`
}

// DeadlinesConfig configures suspension-point timeouts (§5).
type DeadlinesConfig struct {
	LLMSeconds  int `yaml:"llm_seconds"`
	ExecSeconds int `yaml:"exec_seconds"`
}

// LLMDeadline returns the configured LLM call deadline as a duration.
func (d DeadlinesConfig) LLMDeadline() time.Duration {
	return time.Duration(d.LLMSeconds) * time.Second
}

// ExecDeadline returns the configured CAD executor deadline as a duration.
func (d DeadlinesConfig) ExecDeadline() time.Duration {
	return time.Duration(d.ExecSeconds) * time.Second
}

// SessionConfig configures the Session Store (C7).
type SessionConfig struct {
	TTLSeconds        int   `yaml:"ttl_seconds"`
	MaxAttachments    int   `yaml:"max_attachments"`
	MaxAttachmentSize int64 `yaml:"max_attachment_bytes"`
}

// TTL returns the configured session eviction TTL as a duration.
func (s SessionConfig) TTL() time.Duration {
	return time.Duration(s.TTLSeconds) * time.Second
}

// MetricsConfig configures the gateway's metrics recording (C10): when
// Enabled, the factory records into the in-memory InternalRecorder;
// otherwise it uses a no-op recorder.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
}

// Config is the complete, validated configuration surface.
type Config struct {
	DefaultProvider string                    `yaml:"default_provider"`
	Providers       map[string]ProviderConfig `yaml:"providers"`
	Resilience      ResilienceConfig          `yaml:"resilience"`
	Pipeline        PipelineConfig            `yaml:"pipeline"`
	Deadlines       DeadlinesConfig           `yaml:"deadlines"`
	Session         SessionConfig             `yaml:"session"`
	Metrics         MetricsConfig             `yaml:"metrics"`
}

// ModelFor returns the model name for the given provider and role.
func (c Config) ModelFor(provider string, role AgentRole) (string, error) {
	p, ok := c.Providers[provider]
	if !ok {
		return "", fmt.Errorf("config: unknown provider %q", provider)
	}
	switch role {
	case RoleFast:
		return p.FastModel, nil
	case RoleBest:
		return p.BestModel, nil
	default:
		return "", fmt.Errorf("config: unknown agent role %q", role)
	}
}

// APIKeyEnvFor returns the environment variable name carrying the API
// key (or, for Ollama, host URL) for provider.
func (c Config) APIKeyEnvFor(provider string) (string, error) {
	p, ok := c.Providers[provider]
	if !ok {
		return "", fmt.Errorf("config: unknown provider %q", provider)
	}
	return p.APIKeyEnv, nil
}

// Validate rejects an internally inconsistent configuration. Called once
// at load time so misconfiguration fails fast at startup rather than on
// first use.
func (c Config) Validate() error {
	if _, ok := c.Providers[c.DefaultProvider]; c.DefaultProvider != "" && !ok {
		return fmt.Errorf("config: default_provider %q not present in providers table", c.DefaultProvider)
	}
	for _, name := range AllProviders {
		p, ok := c.Providers[name]
		if !ok {
			return fmt.Errorf("config: missing provider entry %q", name)
		}
		if p.FastModel == "" || p.BestModel == "" {
			return fmt.Errorf("config: provider %q must declare both fast_model and best_model", name)
		}
		if p.APIKeyEnv == "" {
			return fmt.Errorf("config: provider %q must declare api_key_env", name)
		}
		if _, ok := c.Resilience.CircuitBreaker[name]; !ok {
			return fmt.Errorf("config: missing circuit breaker policy for provider %q", name)
		}
		if _, ok := c.Resilience.RateLimit[name]; !ok {
			return fmt.Errorf("config: missing rate limit policy for provider %q", name)
		}
	}
	if c.Resilience.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("config: resilience.retry.max_attempts must be positive")
	}
	if c.Resilience.RequestTimeout <= 0 {
		return fmt.Errorf("config: resilience.request_timeout must be positive")
	}
	if c.Pipeline.MaxIterations < 0 {
		return fmt.Errorf("config: pipeline.max_iterations must not be negative")
	}
	if c.Deadlines.LLMSeconds <= 0 || c.Deadlines.ExecSeconds <= 0 {
		return fmt.Errorf("config: deadlines must be positive")
	}
	if c.Session.TTLSeconds <= 0 {
		return fmt.Errorf("config: session.ttl_seconds must be positive")
	}
	if c.Session.MaxAttachments <= 0 {
		return fmt.Errorf("config: session.max_attachments must be positive")
	}
	if c.Session.MaxAttachmentSize <= 0 {
		return fmt.Errorf("config: session.max_attachment_bytes must be positive")
	}
	return nil
}

// process-wide singleton, set once by Load and read thereafter only via
// GetConfig (by value).
//
//nolint:gochecknoglobals // intentional singleton, matches the reference
// codebase's config package shape
var (
	current   Config
	hasLoaded bool
	mu        sync.RWMutex
)

// GetConfig returns a copy of the current process-wide configuration. It
// returns the compiled-in defaults if Load has not yet been called.
func GetConfig() Config {
	mu.RLock()
	defer mu.RUnlock()
	if !hasLoaded {
		return Defaults()
	}
	return current
}

// SetConfigForTesting installs cfg as the process-wide configuration,
// bypassing file/env loading. Intended for package tests only.
func SetConfigForTesting(cfg Config) {
	mu.Lock()
	defer mu.Unlock()
	current = cfg
	hasLoaded = true
}

// Defaults returns the built-in default configuration described in §4.9
// and §6 of the specification.
func Defaults() Config {
	return Config{
		DefaultProvider: ProviderAnthropic,
		Providers: map[string]ProviderConfig{
			ProviderAnthropic: {
				FastModel: "claude-3-5-haiku-20241022",
				BestModel: "claude-sonnet-4-20250514",
				APIKeyEnv: EnvAnthropicAPIKey,
			},
			ProviderOpenAI: {
				FastModel: "gpt-4o-mini",
				BestModel: "gpt-4o",
				APIKeyEnv: EnvOpenAIAPIKey,
			},
			ProviderGoogle: {
				FastModel: "gemini-1.5-flash",
				BestModel: "gemini-1.5-pro",
				APIKeyEnv: EnvGoogleAPIKey,
			},
			ProviderOllama: {
				FastModel: "llama3.1:8b",
				BestModel: "llama3.1:70b",
				APIKeyEnv: EnvOllamaHost,
			},
		},
		Resilience: ResilienceConfig{
			CircuitBreaker: map[string]CircuitBreakerConfig{
				ProviderAnthropic: {FailureThreshold: 5, SuccessThreshold: 2, Timeout: 30 * time.Second},
				ProviderOpenAI:    {FailureThreshold: 5, SuccessThreshold: 2, Timeout: 30 * time.Second},
				ProviderGoogle:    {FailureThreshold: 5, SuccessThreshold: 2, Timeout: 30 * time.Second},
				ProviderOllama:    {FailureThreshold: 8, SuccessThreshold: 2, Timeout: 15 * time.Second},
			},
			RateLimit: map[string]RateLimitConfig{
				ProviderAnthropic: {TokensPerMinute: 300000, MaxConcurrency: 5},
				ProviderOpenAI:    {TokensPerMinute: 300000, MaxConcurrency: 5},
				ProviderGoogle:    {TokensPerMinute: 300000, MaxConcurrency: 5},
				ProviderOllama:    {TokensPerMinute: 1000000, MaxConcurrency: 2},
			},
			Retry: RetryConfig{
				MaxAttempts:   3,
				InitialDelay:  500 * time.Millisecond,
				MaxDelay:      8 * time.Second,
				BackoffFactor: 2.0,
				Jitter:        true,
			},
			RequestTimeout: 60 * time.Second,
		},
		Pipeline: PipelineConfig{
			MaxIterations:   3,
			UseOptimization: true,
			UseReview:       true,
		},
		Deadlines: DeadlinesConfig{
			LLMSeconds:  60,
			ExecSeconds: 30,
		},
		Session: SessionConfig{
			TTLSeconds:        86400,
			MaxAttachments:    10,
			MaxAttachmentSize: 10 * 1024 * 1024,
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "cadforge",
		},
	}
}

// DefaultModelConfig returns rate/cost metadata for modelName. Models not
// present in the compiled-in catalog get a conservative fallback rather
// than an error — the routing tables in Providers are the source of
// truth for *which* models are used; this only supplies middleware
// defaults for whichever one was configured.
func DefaultModelConfig(provider, modelName string) Model {
	if m, ok := modelCatalog[modelName]; ok {
		return m
	}
	return Model{
		Name:           modelName,
		Provider:       provider,
		MaxTPM:         200000,
		MaxConnections: 4,
		CPM:            3.0,
	}
}

//nolint:gochecknoglobals // closed reference table of known model metadata
var modelCatalog = map[string]Model{
	"claude-3-5-haiku-20241022": {Name: "claude-3-5-haiku-20241022", Provider: ProviderAnthropic, MaxTPM: 300000, MaxConnections: 8, CPM: 0.8},
	"claude-sonnet-4-20250514":  {Name: "claude-sonnet-4-20250514", Provider: ProviderAnthropic, MaxTPM: 300000, MaxConnections: 5, CPM: 3.0},
	"gpt-4o-mini":               {Name: "gpt-4o-mini", Provider: ProviderOpenAI, MaxTPM: 200000, MaxConnections: 8, CPM: 0.15},
	"gpt-4o":                    {Name: "gpt-4o", Provider: ProviderOpenAI, MaxTPM: 150000, MaxConnections: 5, CPM: 5.0},
	"gemini-1.5-flash":          {Name: "gemini-1.5-flash", Provider: ProviderGoogle, MaxTPM: 250000, MaxConnections: 8, CPM: 0.075},
	"gemini-1.5-pro":            {Name: "gemini-1.5-pro", Provider: ProviderGoogle, MaxTPM: 200000, MaxConnections: 5, CPM: 1.25},
	"llama3.1:8b":               {Name: "llama3.1:8b", Provider: ProviderOllama, MaxTPM: 1000000, MaxConnections: 4, CPM: 0},
	"llama3.1:70b":              {Name: "llama3.1:70b", Provider: ProviderOllama, MaxTPM: 1000000, MaxConnections: 1, CPM: 0},
}

// GetAPIKey reads the API key (or, for Ollama, host URL) for provider
// from the environment variable declared in the loaded config.
func GetAPIKey(cfg Config, provider string) (string, error) {
	envVar, err := cfg.APIKeyEnvFor(provider)
	if err != nil {
		return "", err
	}
	val := os.Getenv(envVar)
	if val == "" && provider == ProviderOllama {
		return DefaultOllamaHost, nil
	}
	if val == "" {
		return "", fmt.Errorf("config: environment variable %s not set for provider %s", envVar, provider)
	}
	return val, nil
}
