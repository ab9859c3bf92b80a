// Package agent provides LLM client factory with middleware chain construction.
package agent

import (
	"context"
	"fmt"

	"cadforge/pkg/config"
	"cadforge/pkg/gateway/internal/llmimpl/anthropic"
	"cadforge/pkg/gateway/internal/llmimpl/google"
	"cadforge/pkg/gateway/internal/llmimpl/ollama"
	"cadforge/pkg/gateway/internal/llmimpl/openaiofficial"
	"cadforge/pkg/gateway/llm"
	"cadforge/pkg/gateway/middleware/logging"
	"cadforge/pkg/gateway/middleware/metrics"
	"cadforge/pkg/gateway/middleware/resilience/circuit"
	"cadforge/pkg/gateway/middleware/resilience/ratelimit"
	"cadforge/pkg/gateway/middleware/resilience/retry"
	"cadforge/pkg/gateway/middleware/resilience/timeout"
	"cadforge/pkg/gateway/middleware/validation"
	"cadforge/pkg/logx"
)

// LLMClientFactory creates LLM clients with properly configured middleware
// chains: validation -> metrics -> circuit breaker -> retry -> logging ->
// rate limiting -> timeout guard, wrapping a raw per-provider client.
type LLMClientFactory struct {
	circuitBreakers map[string]circuit.Breaker
	rateLimitMap    *ratelimit.ProviderLimiterMap
	metricsRecorder metrics.Recorder
	config          config.Config
}

// NewLLMClientFactory creates a new LLM client factory with the given
// configuration. Uses context.Background() for rate limiter lifecycle;
// callers should call Stop() on shutdown.
func NewLLMClientFactory(cfg config.Config) (*LLMClientFactory, error) {
	logger := logx.NewLogger("factory")

	var recorder metrics.Recorder
	if cfg.Metrics.Enabled {
		logger.Info("using internal metrics recorder (namespace=%s)", cfg.Metrics.Namespace)
		recorder = metrics.NewInternalRecorder()
	} else {
		logger.Info("metrics disabled, using no-op recorder")
		recorder = metrics.Nop()
	}

	circuitBreakers := make(map[string]circuit.Breaker, len(config.AllProviders))
	rateLimitConfigs := make(map[string]ratelimit.Config, len(config.AllProviders))
	for _, provider := range config.AllProviders {
		cbCfg, ok := cfg.Resilience.CircuitBreaker[provider]
		if !ok {
			return nil, fmt.Errorf("factory: no circuit breaker config for provider %q", provider)
		}
		circuitBreakers[provider] = circuit.New(circuit.Config{
			FailureThreshold: cbCfg.FailureThreshold,
			SuccessThreshold: cbCfg.SuccessThreshold,
			Timeout:          cbCfg.Timeout,
		})

		rlCfg, ok := cfg.Resilience.RateLimit[provider]
		if !ok {
			return nil, fmt.Errorf("factory: no rate limit config for provider %q", provider)
		}
		rateLimitConfigs[provider] = ratelimit.Config{
			TokensPerMinute: rlCfg.TokensPerMinute,
			MaxConcurrency:  rlCfg.MaxConcurrency,
		}
	}

	rateLimitMap := ratelimit.NewProviderLimiterMap(
		context.Background(),
		rateLimitConfigs,
		cfg.Resilience.RequestTimeout,
	)

	return &LLMClientFactory{
		config:          cfg,
		metricsRecorder: recorder,
		circuitBreakers: circuitBreakers,
		rateLimitMap:    rateLimitMap,
	}, nil
}

// Stop cleans up factory resources (stops rate limiter refill timers).
// Should be called on shutdown.
func (f *LLMClientFactory) Stop() {
	if f.rateLimitMap != nil {
		f.rateLimitMap.Stop()
	}
}

// GetRateLimitStats returns rate limiter statistics for all providers.
func (f *LLMClientFactory) GetRateLimitStats() map[string]ratelimit.LimiterStats {
	if f.rateLimitMap == nil {
		return make(map[string]ratelimit.LimiterStats)
	}
	return f.rateLimitMap.GetAllStats()
}

// CreateClient builds an LLM client for provider/role with the full
// middleware chain. The API key (or, for Ollama, host URL) is resolved
// from the environment variable declared in config for that provider.
func (f *LLMClientFactory) CreateClient(provider string, role config.AgentRole) (llm.LLMClient, error) {
	return f.CreateClientWithModel(provider, role, "")
}

// CreateClientWithModel builds an LLM client exactly like CreateClient,
// except that a non-empty modelOverride takes precedence over the
// role's routed model name. This supports the Agent Pipeline's design
// stage, where a caller-supplied model name wins over the routing
// policy and only the role's usual model is used as a fallback.
func (f *LLMClientFactory) CreateClientWithModel(provider string, role config.AgentRole, modelOverride string) (llm.LLMClient, error) {
	modelName := modelOverride
	if modelName == "" {
		routed, err := f.config.ModelFor(provider, role)
		if err != nil {
			return nil, fmt.Errorf("factory: %w", err)
		}
		modelName = routed
	}

	apiKey, err := config.GetAPIKey(f.config, provider)
	if err != nil {
		return nil, fmt.Errorf("factory: failed to get API key for provider %s: %w", provider, err)
	}

	var rawClient llm.LLMClient
	switch provider {
	case config.ProviderAnthropic:
		rawClient = anthropic.NewClaudeClientWithModel(apiKey, modelName)
	case config.ProviderOpenAI:
		rawClient = openaiofficial.NewOfficialClientWithModel(apiKey, modelName)
	case config.ProviderGoogle:
		rawClient = google.NewGeminiClientWithModel(apiKey, modelName)
	case config.ProviderOllama:
		// For Ollama, apiKey actually carries the host URL (e.g. "http://localhost:11434").
		rawClient = ollama.NewOllamaClientWithModel(apiKey, modelName)
	default:
		return nil, fmt.Errorf("factory: unsupported provider: %s", provider)
	}

	circuitBreaker, exists := f.circuitBreakers[provider]
	if !exists {
		return nil, fmt.Errorf("factory: no circuit breaker found for provider %s", provider)
	}

	retryConfig := retry.Config{
		MaxAttempts:   f.config.Resilience.Retry.MaxAttempts,
		InitialDelay:  f.config.Resilience.Retry.InitialDelay,
		MaxDelay:      f.config.Resilience.Retry.MaxDelay,
		BackoffFactor: f.config.Resilience.Retry.BackoffFactor,
		Jitter:        f.config.Resilience.Retry.Jitter,
	}
	retryPolicy := retry.NewPolicy(retryConfig, nil) // Use default classifier
	retryLogger := logx.NewLogger("retry")

	validator := validation.NewEmptyResponseValidator()

	client := llm.Chain(rawClient,
		validator.Middleware(),
		metrics.Middleware(f.metricsRecorder, nil, provider, nil),
		circuit.Middleware(circuitBreaker),
		retry.Middleware(retryPolicy, retryLogger),
		logging.EmptyResponseLoggingMiddleware(),
		ratelimit.Middleware(f.rateLimitMap, nil),
		timeout.Middleware(f.config.Resilience.RequestTimeout),
	)

	return client, nil
}
