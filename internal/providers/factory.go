// Package providers adapts LLM SDKs to engine.LLMClient.
package providers

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ChamsBouzaiene/taskloop/internal/config"
	"github.com/ChamsBouzaiene/taskloop/internal/engine"
)

// preset describes a provider reachable through one of the two SDKs.
type preset struct {
	anthropic bool
	baseURL   string
	model     string
	// localKey is used when no key is configured; local servers accept anything.
	localKey string
}

var presets = map[string]preset{
	"openai":    {model: "gpt-4o-mini"},
	"anthropic": {anthropic: true, model: "claude-3-5-sonnet-latest"},
	"kimi":      {baseURL: "https://ark.ap-southeast.bytepluses.com/api/v3", model: "kimi-k2-250711"},
	"gemini":    {baseURL: "https://generativelanguage.googleapis.com/v1beta/openai", model: "gemini-1.5-flash"},
	"lmstudio":  {baseURL: "http://localhost:1234/v1", model: "local-model", localKey: "lm-studio"},
	"ollama":    {baseURL: "http://localhost:11434/v1", model: "llama3.1", localKey: "ollama"},
	"glm":       {baseURL: "https://open.bigmodel.cn/api/paas/v4", model: "glm-4-plus"},
	"minimax":   {baseURL: "https://api.minimax.chat/v1", model: "abab6.5s-chat"},
	"deepseek":  {baseURL: "https://api.deepseek.com/v1", model: "deepseek-chat"},
	"groq":      {baseURL: "https://api.groq.com/openai/v1", model: "llama-3.1-70b-versatile"},
}

// Names lists the supported providers.
func Names() []string {
	names := make([]string, 0, len(presets))
	for n := range presets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Settings are the resolved parameters of one client.
type Settings struct {
	APIKey      string
	Model       string
	BaseURL     string
	MaxTokens   int
	Temperature float32
	Timeout     time.Duration
}

// Resolve fills cfg's gaps from the provider preset.
func Resolve(cfg config.LLMConfig) (string, Settings, error) {
	name := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if name == "" {
		name = "openai"
	}
	p, ok := presets[name]
	if !ok {
		return "", Settings{}, fmt.Errorf("unknown LLM provider %q (supported: %s)", cfg.Provider, strings.Join(Names(), ", "))
	}
	s := Settings{
		APIKey:      cfg.APIKey,
		Model:       cfg.Model,
		BaseURL:     cfg.BaseURL,
		MaxTokens:   cfg.MaxTokens,
		Temperature: float32(cfg.Temperature),
		Timeout:     cfg.Timeout,
	}
	if s.Model == "" {
		s.Model = p.model
	}
	if s.BaseURL == "" {
		s.BaseURL = p.baseURL
	}
	if s.APIKey == "" {
		s.APIKey = p.localKey
	}
	if s.APIKey == "" {
		return "", Settings{}, fmt.Errorf("%s_API_KEY not set", strings.ToUpper(name))
	}
	return name, s, nil
}

// NewFromConfig builds the client for cfg.Provider. It returns the model
// name alongside for logging.
func NewFromConfig(cfg config.LLMConfig) (engine.LLMClient, string, error) {
	name, s, err := Resolve(cfg)
	if err != nil {
		return nil, "", err
	}
	if presets[name].anthropic {
		return NewAnthropicClient(s), s.Model, nil
	}
	return NewOpenAIClient(s), s.Model, nil
}
