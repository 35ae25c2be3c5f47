package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ChamsBouzaiene/taskloop/internal/config"
	"github.com/ChamsBouzaiene/taskloop/internal/engine"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name      string
		cfg       config.LLMConfig
		wantName  string
		wantModel string
		wantURL   string
		wantKey   string
		wantErr   string
	}{
		{
			name:      "openai defaults",
			cfg:       config.LLMConfig{Provider: "openai", APIKey: "sk"},
			wantName:  "openai",
			wantModel: "gpt-4o-mini",
			wantKey:   "sk",
		},
		{
			name:      "preset base url",
			cfg:       config.LLMConfig{Provider: "DeepSeek", APIKey: "k"},
			wantName:  "deepseek",
			wantModel: "deepseek-chat",
			wantURL:   "https://api.deepseek.com/v1",
			wantKey:   "k",
		},
		{
			name:      "explicit values win",
			cfg:       config.LLMConfig{Provider: "kimi", APIKey: "k", Model: "m", BaseURL: "http://proxy"},
			wantName:  "kimi",
			wantModel: "m",
			wantURL:   "http://proxy",
			wantKey:   "k",
		},
		{
			name:      "local server needs no key",
			cfg:       config.LLMConfig{Provider: "ollama"},
			wantName:  "ollama",
			wantModel: "llama3.1",
			wantURL:   "http://localhost:11434/v1",
			wantKey:   "ollama",
		},
		{name: "missing key", cfg: config.LLMConfig{Provider: "anthropic"}, wantErr: "ANTHROPIC_API_KEY not set"},
		{name: "unknown", cfg: config.LLMConfig{Provider: "skynet"}, wantErr: `unknown LLM provider "skynet"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			name, s, err := Resolve(tt.cfg)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("Resolve() error = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Resolve() error = %v", err)
			}
			if name != tt.wantName || s.Model != tt.wantModel || s.BaseURL != tt.wantURL || s.APIKey != tt.wantKey {
				t.Errorf("Resolve() = %s %+v, want %s model %s url %s key %s", name, s, tt.wantName, tt.wantModel, tt.wantURL, tt.wantKey)
			}
		})
	}
}

func TestNewFromConfigPicksSDK(t *testing.T) {
	c, model, err := NewFromConfig(config.LLMConfig{Provider: "anthropic", APIKey: "k"})
	if err != nil {
		t.Fatalf("NewFromConfig() error = %v", err)
	}
	if _, ok := c.(*AnthropicClient); !ok || model != "claude-3-5-sonnet-latest" {
		t.Errorf("NewFromConfig(anthropic) = %T %s", c, model)
	}
	c, _, err = NewFromConfig(config.LLMConfig{Provider: "groq", APIKey: "k"})
	if err != nil {
		t.Fatalf("NewFromConfig() error = %v", err)
	}
	if _, ok := c.(*OpenAIClient); !ok {
		t.Errorf("NewFromConfig(groq) = %T, want *OpenAIClient", c)
	}
}

var conversation = []engine.ChatMessage{
	{Role: engine.RoleSystem, Content: "one action per turn"},
	{Role: engine.RoleUser, Content: "# Goal\nfix it"},
}

func TestOpenAIComplete(t *testing.T) {
	var got struct {
		Model    string `json:"model"`
		Messages []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
		MaxTokens int `json:"max_tokens"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"c1","object":"chat.completion","model":"m",
			"choices":[{"index":0,"message":{"role":"assistant","content":"{\"action\":\"read_file\"}"},"finish_reason":"stop"}],
			"usage":{"prompt_tokens":12,"completion_tokens":3,"total_tokens":15}}`)
	}))
	defer srv.Close()

	c := NewOpenAIClient(Settings{APIKey: "k", Model: "m", BaseURL: srv.URL + "/v1", MaxTokens: 256})
	out, err := c.Complete(context.Background(), conversation)
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if out.Text != `{"action":"read_file"}` || out.Usage.Total != 15 || out.Usage.Prompt != 12 || out.FinishReason != "stop" {
		t.Errorf("Complete() = %+v", out)
	}
	if got.Model != "m" || got.MaxTokens != 256 || len(got.Messages) != 2 || got.Messages[0].Role != "system" || got.Messages[1].Role != "user" {
		t.Errorf("request = %+v", got)
	}
}

func TestOpenAICompleteClassifiesErrors(t *testing.T) {
	tests := []struct {
		status int
		want   engine.RetryClass
	}{
		{http.StatusTooManyRequests, engine.RetryClassRetryable},
		{http.StatusBadGateway, engine.RetryClassRetryable},
		{http.StatusUnauthorized, engine.RetryClassNonRetryable},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				io.WriteString(w, `{"error":{"message":"nope","type":"server_error"}}`)
			}))
			defer srv.Close()

			c := NewOpenAIClient(Settings{APIKey: "k", Model: "m", BaseURL: srv.URL})
			_, err := c.Complete(context.Background(), conversation)
			var ee *engine.EngineError
			if !errors.As(err, &ee) {
				t.Fatalf("Complete() error = %v, want *engine.EngineError", err)
			}
			if ee.HTTPStatus != tt.status || ee.Class != tt.want {
				t.Errorf("EngineError status = %d class = %s, want %d %s", ee.HTTPStatus, ee.Class, tt.status, tt.want)
			}
		})
	}
}

func TestAnthropicComplete(t *testing.T) {
	var got struct {
		Model     string `json:"model"`
		System    string `json:"system"`
		MaxTokens int    `json:"max_tokens"`
		Messages  []struct {
			Role string `json:"role"`
		} `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/messages") {
			t.Errorf("path = %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"m1","type":"message","role":"assistant","model":"claude",
			"content":[{"type":"text","text":"{\"action\":"},{"type":"text","text":"\"note\"}"}],
			"stop_reason":"end_turn","usage":{"input_tokens":20,"output_tokens":4}}`)
	}))
	defer srv.Close()

	c := NewAnthropicClient(Settings{APIKey: "k", Model: "claude", BaseURL: srv.URL + "/v1"})
	out, err := c.Complete(context.Background(), conversation)
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if out.Text != `{"action":"note"}` || out.Usage.Total != 24 || out.FinishReason != "end_turn" {
		t.Errorf("Complete() = %+v", out)
	}
	if got.System != "one action per turn" || got.MaxTokens != anthropicDefaultMaxTokens || len(got.Messages) != 1 || got.Messages[0].Role != "user" {
		t.Errorf("request = %+v", got)
	}
}

func TestToAnthropicMessagesMergesRoles(t *testing.T) {
	system, msgs := toAnthropicMessages([]engine.ChatMessage{
		{Role: engine.RoleSystem, Content: "a"},
		{Role: engine.RoleUser, Content: "b"},
		{Role: engine.RoleUser, Content: "c"},
		{Role: engine.RoleAssistant, Content: "d"},
		{Role: engine.RoleSystem, Content: "e"},
	})
	if system != "a\n\ne" {
		t.Errorf("system = %q, want %q", system, "a\n\ne")
	}
	if len(msgs) != 2 || len(msgs[0].Content) != 2 || msgs[1].Role != "assistant" {
		t.Errorf("messages = %+v, want user(b,c) then assistant(d)", msgs)
	}
}

func TestExtractErrorMetadata(t *testing.T) {
	tests := []struct {
		err        error
		wantStatus int
		wantRetry  string
	}{
		{errors.New("error, status code: 429, message: slow down, retry after 7s."), 429, "7s"},
		{errors.New("HTTP status 503: Retry-After: 12"), 503, "12"},
		{errors.New("used 5000 tokens"), 0, ""},
		{nil, 0, ""},
	}
	for _, tt := range tests {
		status, retry := extractErrorMetadata(tt.err)
		if status != tt.wantStatus || retry != tt.wantRetry {
			t.Errorf("extractErrorMetadata(%v) = %d, %q; want %d, %q", tt.err, status, retry, tt.wantStatus, tt.wantRetry)
		}
	}
}
