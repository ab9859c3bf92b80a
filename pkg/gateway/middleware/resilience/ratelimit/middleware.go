// Package ratelimit provides rate limiting middleware for LLM clients.
package ratelimit

import (
	"context"

	"cadforge/pkg/config"
	"cadforge/pkg/gateway/llm"
)

// Middleware returns a middleware function that wraps an LLM client with
// rate limiting, selecting the provider's limiter from limiterMap via the
// wrapped client's GetDefaultConfig(). The acquired slot is released as
// soon as Complete/Stream returns.
func Middleware(limiterMap *ProviderLimiterMap, estimator TokenEstimator) llm.Middleware {
	if estimator == nil {
		estimator = NewDefaultTokenEstimator()
	}

	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				modelConfig := next.GetDefaultConfig()

				limiter, err := limiterMap.GetLimiter(modelConfig.Provider)
				if err != nil {
					return llm.CompletionResponse{}, err
				}

				promptTokens := estimator.EstimatePrompt(req)
				totalTokens := promptTokens + req.MaxTokens

				agentID := string(llm.RoleFromContext(ctx))
				release, err := limiter.Acquire(ctx, totalTokens, agentID)
				if err != nil {
					return llm.CompletionResponse{}, err //nolint:wrapcheck // Middleware should pass through errors unchanged
				}
				defer release()

				return next.Complete(ctx, req)
			},
			func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
				modelConfig := next.GetDefaultConfig()

				limiter, err := limiterMap.GetLimiter(modelConfig.Provider)
				if err != nil {
					return nil, err
				}

				promptTokens := estimator.EstimatePrompt(req)
				totalTokens := promptTokens + req.MaxTokens

				agentID := string(llm.RoleFromContext(ctx))
				release, err := limiter.Acquire(ctx, totalTokens, agentID)
				if err != nil {
					return nil, err //nolint:wrapcheck // Middleware should pass through errors unchanged
				}
				defer release()

				return next.Stream(ctx, req)
			},
			func() config.Model {
				return next.GetDefaultConfig()
			},
		)
	}
}
