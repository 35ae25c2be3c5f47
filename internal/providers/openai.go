package providers

import (
	"context"
	"errors"

	openai "github.com/meguminnnnnnnnn/go-openai"

	"github.com/ChamsBouzaiene/taskloop/internal/engine"
)

// OpenAIClient implements engine.LLMClient for OpenAI and every
// OpenAI-compatible endpoint.
type OpenAIClient struct {
	client   *openai.Client
	settings Settings
}

func NewOpenAIClient(s Settings) *OpenAIClient {
	cfg := openai.DefaultConfig(s.APIKey)
	if s.BaseURL != "" {
		cfg.BaseURL = s.BaseURL
	}
	return &OpenAIClient{client: openai.NewClientWithConfig(cfg), settings: s}
}

func toOpenAIMessages(messages []engine.ChatMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		role := openai.ChatMessageRoleUser
		switch m.Role {
		case engine.RoleSystem:
			role = openai.ChatMessageRoleSystem
		case engine.RoleAssistant:
			role = openai.ChatMessageRoleAssistant
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: m.Content})
	}
	return out
}

// Complete implements engine.LLMClient.
func (c *OpenAIClient) Complete(ctx context.Context, messages []engine.ChatMessage) (engine.Completion, error) {
	if c.settings.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.settings.Timeout)
		defer cancel()
	}

	req := openai.ChatCompletionRequest{
		Model:    c.settings.Model,
		Messages: toOpenAIMessages(messages),
	}
	if c.settings.MaxTokens > 0 {
		req.MaxTokens = c.settings.MaxTokens
	}
	if c.settings.Temperature > 0 {
		t := c.settings.Temperature
		req.Temperature = &t
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		status, retryAfter := extractErrorMetadata(err)
		return engine.Completion{}, engine.WrapLLMError(err, status, retryAfter)
	}
	if len(resp.Choices) == 0 {
		return engine.Completion{}, engine.WrapLLMError(errors.New("empty response from provider"), 0, "")
	}

	choice := resp.Choices[0]
	return engine.Completion{
		Text: choice.Message.Content,
		Usage: engine.Usage{
			Prompt:     resp.Usage.PromptTokens,
			Completion: resp.Usage.CompletionTokens,
			Total:      resp.Usage.TotalTokens,
		},
		FinishReason: string(choice.FinishReason),
	}, nil
}
