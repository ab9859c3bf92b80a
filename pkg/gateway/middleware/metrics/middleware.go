// Package metrics provides metrics middleware for LLM clients.
package metrics

import (
	"context"
	"fmt"
	"time"

	"cadforge/pkg/config"
	"cadforge/pkg/gateway/llm"
	"cadforge/pkg/logx"
	"cadforge/pkg/tokens"
)

// UsageExtractor is a function that extracts token usage from a request and response.
type UsageExtractor func(req llm.CompletionRequest, resp llm.CompletionResponse) (promptTokens, completionTokens int)

// DefaultUsageExtractor estimates token usage with the shared tiktoken-based counter.
func DefaultUsageExtractor(req llm.CompletionRequest, resp llm.CompletionResponse) (promptTokens, completionTokens int) {
	var promptText string
	for i := range req.Messages {
		promptText += req.Messages[i].Content + "\n"
	}
	counter := tokens.NewCounter()
	return counter.Count(promptText), counter.Count(resp.Content)
}

// Middleware returns a middleware function that records metrics for LLM operations.
// It tracks request latency, token usage, success/failure rates, and error types,
// labeled by provider (fixed per client) and by the calling agent role, which is
// read from the request context via llm.RoleFromContext.
func Middleware(recorder Recorder, usageExtractor UsageExtractor, provider string, _ *logx.Logger) llm.Middleware {
	if usageExtractor == nil {
		usageExtractor = DefaultUsageExtractor
	}

	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			// Complete implementation with metrics
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				start := time.Now()
				modelConfig := next.GetDefaultConfig()
				role := llm.RoleFromContext(ctx)

				resp, err := next.Complete(ctx, req)
				duration := time.Since(start)

				var promptTokens, completionTokens int
				if err == nil {
					promptTokens, completionTokens = usageExtractor(req, resp)
				}

				errorType := ""
				if err != nil {
					errorType = getErrorType(err)
				}

				cost := estimateCost(modelConfig, promptTokens, completionTokens)
				recorder.ObserveRequest(provider, modelConfig.Name, role, promptTokens, completionTokens, cost, err == nil, errorType, duration)

				if err == nil {
					logx.Infof("LLM call to %s/%s (role=%s): latency %.3gs, request tokens: %s, response tokens: %s, total tokens: %s",
						provider, modelConfig.Name, role, duration.Seconds(), formatWithCommas(promptTokens), formatWithCommas(completionTokens), formatWithCommas(promptTokens+completionTokens))
				} else {
					defaultLogger := logx.NewLogger("metrics")
					defaultLogger.Error("LLM call to %s/%s (role=%s) failed: latency %.3gs, error: %s, error_type: %s",
						provider, modelConfig.Name, role, duration.Seconds(), err.Error(), errorType)
				}

				return resp, err //nolint:wrapcheck // Middleware should pass through errors unchanged
			},
			// Stream implementation with metrics
			func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
				start := time.Now()
				modelConfig := next.GetDefaultConfig()
				role := llm.RoleFromContext(ctx)

				ch, err := next.Stream(ctx, req)
				duration := time.Since(start)

				errorType := ""
				if err != nil {
					errorType = getErrorType(err)
				}

				// Streaming token counts require consuming the whole stream, so only
				// setup latency and success/failure are recorded here.
				recorder.ObserveRequest(provider, modelConfig.Name, role, 0, 0, 0, err == nil, errorType, duration)

				if err == nil {
					logx.Infof("LLM stream to %s/%s (role=%s) started: setup latency %.3gs", provider, modelConfig.Name, role, duration.Seconds())
				} else {
					defaultLogger := logx.NewLogger("metrics")
					defaultLogger.Error("LLM stream to %s/%s (role=%s) failed: setup latency %.3gs, error: %s, error_type: %s",
						provider, modelConfig.Name, role, duration.Seconds(), err.Error(), errorType)
				}

				return ch, err //nolint:wrapcheck // Middleware should pass through errors unchanged
			},
			// Delegate GetDefaultConfig to the next client
			func() config.Model {
				return next.GetDefaultConfig()
			},
		)
	}
}

// estimateCost converts token counts into a USD estimate using the model's
// configured cost-per-million-tokens rate.
func estimateCost(model config.Model, promptTokens, completionTokens int) float64 {
	if model.CPM <= 0 {
		return 0
	}
	return float64(promptTokens+completionTokens) / 1_000_000 * model.CPM
}

// formatWithCommas adds thousands separators to numbers for readability.
func formatWithCommas(n int) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}

	str := fmt.Sprintf("%d", n)
	result := ""

	for i, char := range str {
		if i > 0 && (len(str)-i)%3 == 0 {
			result += ","
		}
		result += string(char)
	}

	return result
}

// getErrorType classifies errors for metrics labeling.
func getErrorType(err error) string {
	if err == nil {
		return ""
	}

	errStr := err.Error()
	switch {
	case errStr == "circuit breaker is OPEN" || errStr == "circuit breaker is HALF_OPEN":
		return "circuit_breaker"
	case errStr == "context deadline exceeded":
		return "timeout"
	case errStr == "context canceled":
		return "canceled"
	default:
		return "unknown"
	}
}
