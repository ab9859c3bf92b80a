package llm

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cadforge/pkg/config"
)

func TestCompletionRole(t *testing.T) {
	assert.Equal(t, "system", string(RoleSystem))
	assert.Equal(t, "user", string(RoleUser))
	assert.Equal(t, "assistant", string(RoleAssistant))
}

func TestNewCompletionRequest(t *testing.T) {
	req := NewCompletionRequest([]CompletionMessage{{Role: RoleUser, Content: "test"}})

	assert.Len(t, req.Messages, 1)
	assert.Equal(t, 4096, req.MaxTokens)
	assert.InDelta(t, 0.7, req.Temperature, 0.0001)
}

func TestNewSystemMessage(t *testing.T) {
	msg := NewSystemMessage("you are a CAD design agent")
	assert.Equal(t, RoleSystem, msg.Role)
	assert.Equal(t, "you are a CAD design agent", msg.Content)
	assert.Empty(t, msg.Images)
}

func TestNewUserVisionMessage(t *testing.T) {
	images := []Image{{Data: []byte{0xFF, 0xD8}, MIME: "image/jpeg"}}
	msg := NewUserVisionMessage("reproduce this shape", images)

	assert.Equal(t, RoleUser, msg.Role)
	assert.Len(t, msg.Images, 1)

	req := NewCompletionRequest([]CompletionMessage{msg})
	assert.True(t, req.HasImages())
}

func TestCompletionRequestHasImagesFalseForTextOnly(t *testing.T) {
	req := NewCompletionRequest([]CompletionMessage{NewUserMessage("hello")})
	assert.False(t, req.HasImages())
}

func TestLLMConfigValidate(t *testing.T) {
	tests := []struct {
		name      string
		config    LLMConfig
		expectErr string
	}{
		{
			name:   "valid config",
			config: LLMConfig{APIKey: "sk-test", ModelName: "claude-3", MaxTokens: 4096, Temperature: 0.5},
		},
		{
			name:      "empty API key",
			config:    LLMConfig{ModelName: "claude-3", MaxTokens: 4096, Temperature: 0.5},
			expectErr: "API key cannot be empty",
		},
		{
			name:      "empty model name",
			config:    LLMConfig{APIKey: "sk-test", MaxTokens: 4096, Temperature: 0.5},
			expectErr: "model name cannot be empty",
		},
		{
			name:      "zero max tokens",
			config:    LLMConfig{APIKey: "sk-test", ModelName: "claude-3", Temperature: 0.5},
			expectErr: "max tokens must be positive",
		},
		{
			name:      "temperature too high",
			config:    LLMConfig{APIKey: "sk-test", ModelName: "claude-3", MaxTokens: 4096, Temperature: 2.1},
			expectErr: "temperature must be between 0.0 and 2.0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.expectErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.expectErr, err.Error())
		})
	}
}

func TestStreamToReader(t *testing.T) {
	tests := []struct {
		name     string
		chunks   []StreamChunk
		expected string
		hasError bool
	}{
		{
			name: "successful stream",
			chunks: []StreamChunk{
				{Content: "Hello", Done: false},
				{Content: " ", Done: false},
				{Content: "World", Done: true},
			},
			expected: "Hello World",
		},
		{
			name: "stream with error",
			chunks: []StreamChunk{
				{Content: "Hello", Done: false},
				{Error: io.ErrUnexpectedEOF, Done: false},
			},
			expected: "Hello",
			hasError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stream := make(chan StreamChunk, len(tt.chunks))
			for _, chunk := range tt.chunks {
				stream <- chunk
			}
			close(stream)

			content, err := io.ReadAll(StreamToReader(stream))
			if tt.hasError {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.expected, string(content))
		})
	}
}

func TestExtractCodeBlock(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		expected string
	}{
		{
			name:     "fenced with language tag",
			text:     "Here is the code:\n```python\nimport cadquery as cq\nresult = cq.Workplane()\n```\nDone.",
			expected: "import cadquery as cq\nresult = cq.Workplane()",
		},
		{
			name:     "bare fence",
			text:     "```\nresult = 1\n```",
			expected: "result = 1",
		},
		{
			name:     "no fence falls back to full body",
			text:     "  result = 1  ",
			expected: "result = 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ExtractCodeBlock(tt.text))
		})
	}
}

type mockLLMClient struct {
	completeFunc func(context.Context, CompletionRequest) (CompletionResponse, error)
	streamFunc   func(context.Context, CompletionRequest) (<-chan StreamChunk, error)
}

func (m *mockLLMClient) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	if m.completeFunc != nil {
		return m.completeFunc(ctx, req)
	}
	return CompletionResponse{Content: "mock response"}, nil
}

func (m *mockLLMClient) Stream(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error) {
	if m.streamFunc != nil {
		return m.streamFunc(ctx, req)
	}
	ch := make(chan StreamChunk)
	close(ch)
	return ch, nil
}

func (m *mockLLMClient) GetDefaultConfig() config.Model {
	return config.Model{Name: "mock-model"}
}

func TestLLMClientInterface(t *testing.T) {
	mock := &mockLLMClient{}
	ctx := context.Background()
	req := NewCompletionRequest([]CompletionMessage{NewUserMessage("test")})

	resp, err := mock.Complete(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "mock response", resp.Content)

	stream, err := mock.Stream(ctx, req)
	require.NoError(t, err)
	select {
	case _, ok := <-stream:
		assert.False(t, ok, "expected closed channel")
	case <-time.After(100 * time.Millisecond):
		t.Error("stream channel should be closed")
	}
}
