// Package openaiofficial provides an OpenAI client implementation of the
// LLM interface using the official OpenAI Go SDK's chat completions API,
// including multi-image vision requests via image_url content parts.
package openaiofficial

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"cadforge/pkg/config"
	"cadforge/pkg/gateway/llm"
	"cadforge/pkg/gateway/llmerrors"
)

// OfficialClient wraps the official OpenAI Go client to implement
// llm.LLMClient.
type OfficialClient struct {
	client openai.Client
	model  string
}

// defaultModel is used by NewOfficialClient when no specific model is requested.
const defaultModel = "gpt-4o"

// NewOfficialClient creates a new OpenAI client bound to the default model.
func NewOfficialClient(apiKey string) llm.LLMClient {
	return NewOfficialClientWithModel(apiKey, defaultModel)
}

// NewOfficialClientWithModel creates a new OpenAI client bound to model.
func NewOfficialClientWithModel(apiKey, model string) llm.LLMClient {
	return &OfficialClient{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// Complete implements llm.LLMClient.
func (o *OfficialClient) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	messages, err := convertMessagesToOpenAI(in.Messages)
	if err != nil {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, fmt.Sprintf("message conversion error: %v", err))
	}

	params := openai.ChatCompletionNewParams{
		Model:       o.model,
		Messages:    messages,
		MaxTokens:   openai.Int(int64(in.MaxTokens)),
		Temperature: openai.Float(float64(in.Temperature)),
	}

	resp, err := o.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return llm.CompletionResponse{}, classifyOpenAIError(err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "empty response from OpenAI")
	}

	return llm.CompletionResponse{Content: resp.Choices[0].Message.Content}, nil
}

// Stream implements llm.LLMClient. The pipeline and conversation engine
// only ever call Complete (§4.1); streaming is not exercised.
func (o *OfficialClient) Stream(_ context.Context, _ llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	return nil, llmerrors.NewError(llmerrors.ErrorTypeUnknown, "streaming not implemented for OpenAI client")
}

// GetModelName returns the model name for this client.
func (o *OfficialClient) GetModelName() string {
	return o.model
}

// GetDefaultConfig returns rate/cost metadata for this client's model.
func (o *OfficialClient) GetDefaultConfig() config.Model {
	return config.DefaultModelConfig(config.ProviderOpenAI, o.model)
}

// convertMessagesToOpenAI converts our message format, including any
// attached images, to the chat completions message union type.
func convertMessagesToOpenAI(messages []llm.CompletionMessage) ([]openai.ChatCompletionMessageParamUnion, error) {
	if len(messages) == 0 {
		return nil, fmt.Errorf("message list cannot be empty")
	}

	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for i := range messages {
		msg := &messages[i]
		switch msg.Role {
		case llm.RoleSystem:
			out = append(out, openai.SystemMessage(msg.Content))
		case llm.RoleAssistant:
			out = append(out, openai.AssistantMessage(msg.Content))
		case llm.RoleUser:
			if len(msg.Images) == 0 {
				out = append(out, openai.UserMessage(msg.Content))
				continue
			}
			parts := make([]openai.ChatCompletionContentPartUnionParam, 0, len(msg.Images)+1)
			if msg.Content != "" {
				parts = append(parts, openai.TextContentPart(msg.Content))
			}
			for _, img := range msg.Images {
				dataURL := fmt.Sprintf("data:%s;base64,%s", img.MIME, base64.StdEncoding.EncodeToString(img.Data))
				parts = append(parts, openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: dataURL}))
			}
			out = append(out, openai.UserMessage(parts))
		default:
			return nil, fmt.Errorf("unsupported message role: %s", msg.Role)
		}
	}

	return out, nil
}

func classifyOpenAIError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "429"), strings.Contains(msg, "rate_limit"):
		return llmerrors.NewError(llmerrors.ErrorTypeRateLimit, fmt.Sprintf("OpenAI rate limited: %v", err))
	case strings.Contains(msg, "401"), strings.Contains(msg, "403"), strings.Contains(msg, "invalid_api_key"):
		return llmerrors.NewError(llmerrors.ErrorTypeAuth, fmt.Sprintf("OpenAI auth failed: %v", err))
	case strings.Contains(msg, "503"), strings.Contains(msg, "service_unavailable"):
		return llmerrors.NewError(llmerrors.ErrorTypeServiceUnavailable, fmt.Sprintf("OpenAI unavailable: %v", err))
	case strings.Contains(msg, "deadline"), strings.Contains(msg, "timeout"), strings.Contains(msg, "context canceled"):
		return llmerrors.NewError(llmerrors.ErrorTypeTransient, fmt.Sprintf("OpenAI request timed out: %v", err))
	default:
		return llmerrors.NewError(llmerrors.ErrorTypeUnknown, fmt.Sprintf("OpenAI API error: %v", err))
	}
}
