// Package logging provides logging middleware for LLM clients.
package logging

import (
	"context"

	"cadforge/pkg/config"
	"cadforge/pkg/gateway/llm"
	"cadforge/pkg/gateway/llmerrors"
	"cadforge/pkg/logx"
)

// EmptyResponseLoggingMiddleware returns a middleware function that logs comprehensive
// debugging information when empty responses are encountered, then passes the error through unchanged.
// This helps debug empty response issues across all agent roles and phases without affecting behavior.
func EmptyResponseLoggingMiddleware() llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				resp, err := next.Complete(ctx, req)

				if err != nil && llmerrors.Is(err, llmerrors.ErrorTypeEmptyResponse) {
					logEmptyResponseDebugInfo(req)
				}

				//nolint:wrapcheck // Middleware intentionally passes through errors unchanged
				return resp, err
			},
			func(ctx context.Context, req llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
				return next.Stream(ctx, req)
			},
			func() config.Model {
				return next.GetDefaultConfig()
			},
		)
	}
}

// logEmptyResponseDebugInfo logs comprehensive debugging information for empty LLM responses.
func logEmptyResponseDebugInfo(req llm.CompletionRequest) {
	logger := logx.NewLogger("llm-middleware")

	logger.Error("empty response from LLM - debugging info:")
	logger.Error("================================================================================")

	for i := range req.Messages {
		msg := &req.Messages[i]
		content := msg.Content
		if len(content) > 10000 {
			content = content[:10000] + "\n\n[... message truncated after 10000 characters for log readability ...]"
		}
		logger.Error("message [%d] role=%s images=%d content=%s", i, msg.Role, len(msg.Images), content)
	}

	logger.Error("================================================================================")
	logger.Error("request details: temperature=%v max_tokens=%d has_images=%v",
		req.Temperature, req.MaxTokens, req.HasImages())
}
