// Package llm provides interfaces and types for Large Language Model client implementations.
package llm

import (
	"context"
	"fmt"
	"io"
	"strings"

	"cadforge/pkg/config"
)

// CompletionRole represents the role of a message in a conversation.
type CompletionRole string

const (
	// RoleSystem indicates a system message that provides instructions or context.
	RoleSystem CompletionRole = "system"
	// RoleUser indicates a message from the human user.
	RoleUser CompletionRole = "user"
	// RoleAssistant indicates a message from the AI assistant.
	RoleAssistant CompletionRole = "assistant"
)

// Image is a single image attached to a vision-capable completion message.
// MIME must be one of the types the gateway accepts (image/jpeg, image/png,
// image/gif, image/webp) — provider clients reject anything else.
type Image struct {
	Data []byte
	MIME string
}

// CompletionMessage represents a message in a completion request.
// Images is empty for plain text messages; a non-empty Images slice marks
// the message as a vision request and only provider clients that implement
// vision support will accept it.
type CompletionMessage struct {
	Role    CompletionRole
	Content string
	Images  []Image
}

// CompletionRequest represents a request to generate a completion.
type CompletionRequest struct {
	Messages    []CompletionMessage
	Temperature float32
	MaxTokens   int
}

// HasImages reports whether any message in the request carries image data.
func (r CompletionRequest) HasImages() bool {
	for _, m := range r.Messages {
		if len(m.Images) > 0 {
			return true
		}
	}
	return false
}

// CompletionResponse represents a response from a completion request.
type CompletionResponse struct {
	Content string
}

// StreamChunk represents a chunk of streamed completion response.
type StreamChunk struct {
	Error   error
	Content string
	Done    bool
}

// LLMClient defines the interface for language model interactions.
type LLMClient interface { //nolint:revive // Keep name for backward compatibility
	// Complete generates a completion synchronously.
	Complete(ctx context.Context, in CompletionRequest) (CompletionResponse, error)

	// Stream generates a completion as a stream of chunks.
	Stream(ctx context.Context, in CompletionRequest) (<-chan StreamChunk, error)

	// GetDefaultConfig returns default model configuration for this LLM client.
	GetDefaultConfig() config.Model
}

// NewCompletionRequest creates a new completion request with default values.
func NewCompletionRequest(messages []CompletionMessage) CompletionRequest {
	return CompletionRequest{
		Messages:    messages,
		MaxTokens:   4096, // Default to 4k tokens
		Temperature: 0.7,  // Default temperature
	}
}

// NewSystemMessage creates a new system message.
func NewSystemMessage(content string) CompletionMessage {
	return CompletionMessage{
		Role:    RoleSystem,
		Content: content,
	}
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) CompletionMessage {
	return CompletionMessage{
		Role:    RoleUser,
		Content: content,
	}
}

// NewUserVisionMessage creates a user message carrying one or more reference images.
func NewUserVisionMessage(content string, images []Image) CompletionMessage {
	return CompletionMessage{
		Role:    RoleUser,
		Content: content,
		Images:  images,
	}
}

// LLMConfig represents configuration for an LLM client.
type LLMConfig struct { //nolint:revive // Keep name for backward compatibility
	APIKey           string
	ModelName        string
	MaxTokens        int
	Temperature      float32
	MaxContextTokens int
	MaxOutputTokens  int
	CompactIfOver    int
}

// Validate validates the LLM configuration.
func (c *LLMConfig) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("API key cannot be empty")
	}
	if c.ModelName == "" {
		return fmt.Errorf("model name cannot be empty")
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("max tokens must be positive")
	}
	if c.Temperature < 0.0 || c.Temperature > 2.0 {
		return fmt.Errorf("temperature must be between 0.0 and 2.0")
	}
	return nil
}

// StreamToReader converts a stream channel to an io.Reader.
func StreamToReader(stream <-chan StreamChunk) io.Reader {
	pr, pw := io.Pipe()

	go func() {
		defer func() {
			if err := pw.Close(); err != nil {
				// Cleanup code in a streaming context; nothing to do with a close error here.
				_ = err
			}
		}()
		for chunk := range stream {
			if chunk.Error != nil {
				pw.CloseWithError(chunk.Error)
				return
			}
			if _, err := pw.Write([]byte(chunk.Content)); err != nil {
				pw.CloseWithError(err)
				return
			}
			if chunk.Done {
				return
			}
		}
	}()

	return pr
}

// roleContextKey is the context key used to carry the calling agent role
// (e.g. "architect", "reviewer", "coordinator") through to middleware that
// labels metrics and logs by role without every provider client needing to
// know about it.
type roleContextKey struct{}

// ContextWithRole attaches the calling agent role to ctx for downstream
// middleware (metrics, logging) to read back out with RoleFromContext.
func ContextWithRole(ctx context.Context, role string) context.Context {
	return context.WithValue(ctx, roleContextKey{}, role)
}

// RoleFromContext returns the agent role attached by ContextWithRole, or
// "unknown" if none was set.
func RoleFromContext(ctx context.Context) string {
	role, ok := ctx.Value(roleContextKey{}).(string)
	if !ok || role == "" {
		return "unknown"
	}
	return role
}

// ExtractCodeBlock pulls the first fenced code block (```lang\n...\n``` or
// ```\n...\n```) out of LLM-generated text, discarding any surrounding prose.
// Falls back to the trimmed full body when no fence is present.
func ExtractCodeBlock(text string) string {
	const fence = "```"
	start := strings.Index(text, fence)
	if start == -1 {
		return strings.TrimSpace(text)
	}
	rest := text[start+len(fence):]
	// Skip an optional language tag up to the first newline.
	if nl := strings.IndexByte(rest, '\n'); nl != -1 {
		rest = rest[nl+1:]
	}
	end := strings.Index(rest, fence)
	if end == -1 {
		return strings.TrimSpace(rest)
	}
	return strings.TrimSpace(rest[:end])
}
