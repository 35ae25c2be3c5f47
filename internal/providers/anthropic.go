package providers

import (
	"context"
	"strings"

	anthropic "github.com/liushuangls/go-anthropic/v2"

	"github.com/ChamsBouzaiene/taskloop/internal/engine"
)

const anthropicDefaultMaxTokens = 4096

// AnthropicClient implements engine.LLMClient on the Messages API.
type AnthropicClient struct {
	client   *anthropic.Client
	settings Settings
}

func NewAnthropicClient(s Settings) *AnthropicClient {
	var opts []anthropic.ClientOption
	if s.BaseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(s.BaseURL))
	}
	return &AnthropicClient{client: anthropic.NewClient(s.APIKey, opts...), settings: s}
}

// toAnthropicMessages lifts system messages into the system prompt and
// merges consecutive messages of the same role, which the API rejects.
func toAnthropicMessages(messages []engine.ChatMessage) (string, []anthropic.Message) {
	var system []string
	var out []anthropic.Message
	var prev engine.MessageRole
	for _, m := range messages {
		if m.Role == engine.RoleSystem {
			system = append(system, m.Content)
			continue
		}
		role := anthropic.RoleUser
		if m.Role == engine.RoleAssistant {
			role = anthropic.RoleAssistant
		}
		if len(out) > 0 && m.Role == prev {
			last := &out[len(out)-1]
			last.Content = append(last.Content, anthropic.NewTextMessageContent(m.Content))
			continue
		}
		out = append(out, anthropic.Message{
			Role:    role,
			Content: []anthropic.MessageContent{anthropic.NewTextMessageContent(m.Content)},
		})
		prev = m.Role
	}
	return strings.Join(system, "\n\n"), out
}

// Complete implements engine.LLMClient.
func (c *AnthropicClient) Complete(ctx context.Context, messages []engine.ChatMessage) (engine.Completion, error) {
	if c.settings.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.settings.Timeout)
		defer cancel()
	}

	system, msgs := toAnthropicMessages(messages)
	maxTokens := c.settings.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}
	req := anthropic.MessagesRequest{
		Model:     anthropic.Model(c.settings.Model),
		Messages:  msgs,
		MaxTokens: maxTokens,
	}
	if system != "" {
		req.System = system
	}
	if c.settings.Temperature > 0 {
		t := c.settings.Temperature
		req.Temperature = &t
	}

	resp, err := c.client.CreateMessages(ctx, req)
	if err != nil {
		status, retryAfter := extractErrorMetadata(err)
		return engine.Completion{}, engine.WrapLLMError(err, status, retryAfter)
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == anthropic.MessagesContentTypeText && block.Text != nil {
			text.WriteString(*block.Text)
		}
	}
	return engine.Completion{
		Text: text.String(),
		Usage: engine.Usage{
			Prompt:     resp.Usage.InputTokens,
			Completion: resp.Usage.OutputTokens,
			Total:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
		FinishReason: string(resp.StopReason),
	}, nil
}
