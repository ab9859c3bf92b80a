// Package validation provides response validation middleware for LLM clients.
package validation

import (
	"context"
	"strings"

	"cadforge/pkg/config"
	"cadforge/pkg/gateway/llm"
	"cadforge/pkg/gateway/llmerrors"
	"cadforge/pkg/logx"
)

// EmptyResponseValidator rejects responses with no meaningful content, giving
// the underlying model one guided retry before escalating to the caller.
type EmptyResponseValidator struct{}

// NewEmptyResponseValidator creates a new empty-response validator.
func NewEmptyResponseValidator() *EmptyResponseValidator {
	return &EmptyResponseValidator{}
}

// Middleware returns a middleware function that validates LLM responses and
// retries once with guidance when the model returns nothing.
//
// First occurrence: appends a guidance message to the request and retries
// immediately. Second occurrence: surfaces llmerrors.ErrorTypeEmptyResponse
// for the caller (Agent Pipeline / Conversation Engine) to handle.
func (v *EmptyResponseValidator) Middleware() llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				const maxEmptyAttempts = 2
				logger := logx.NewLogger("empty-response-validator")

				for attempt := 1; attempt <= maxEmptyAttempts; attempt++ {
					resp, err := next.Complete(ctx, req)
					if err != nil && !llmerrors.Is(err, llmerrors.ErrorTypeEmptyResponse) {
						//nolint:wrapcheck // middleware intentionally passes through errors unchanged
						return resp, err
					}

					if err == nil && strings.TrimSpace(resp.Content) != "" {
						return resp, nil
					}

					logger.Warn("empty response on attempt %d/%d", attempt, maxEmptyAttempts)

					if attempt == maxEmptyAttempts {
						break
					}

					req.Messages = append(req.Messages, llm.CompletionMessage{
						Role:    llm.RoleUser,
						Content: "No response was received. Please answer again with the requested content.",
					})
				}

				return llm.CompletionResponse{}, llmerrors.NewError(
					llmerrors.ErrorTypeEmptyResponse,
					"received empty response after guided retry",
				)
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
