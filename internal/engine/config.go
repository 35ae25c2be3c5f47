package engine

import (
	"fmt"
	"time"
)

// Config holds executor settings.
type Config struct {
	// ContextTokens bounds the estimated size of every prompt.
	ContextTokens int `yaml:"context_tokens"`
	// RecentActions is how many action summaries the prompt may carry.
	RecentActions int `yaml:"recent_actions"`
	// ResultChars caps the result text kept in memory and summaries.
	ResultChars int `yaml:"result_chars"`
	// HandlerTimeout bounds one handler call.
	HandlerTimeout time.Duration `yaml:"handler_timeout"`
	// MaxSearchFacts caps location facts taken from one search result.
	MaxSearchFacts int `yaml:"max_search_facts"`
	// SaveArtifacts stores the final result as an artifact.
	SaveArtifacts bool `yaml:"save_artifacts"`

	Retry RetryPolicy `yaml:"retry"`
}

// DefaultConfig returns the executor settings used when nothing is
// configured.
func DefaultConfig() Config {
	return Config{
		ContextTokens:  6000,
		RecentActions:  8,
		ResultChars:    4000,
		HandlerTimeout: 2 * time.Minute,
		MaxSearchFacts: 5,
		SaveArtifacts:  true,
		Retry:          DefaultRetryPolicy(),
	}
}

// DefaultRetryPolicy returns the LLM retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
	}
}

// Validate checks the settings are usable.
func (c Config) Validate() error {
	switch {
	case c.ContextTokens < 256:
		return fmt.Errorf("context_tokens must be at least 256, got %d", c.ContextTokens)
	case c.RecentActions < 1:
		return fmt.Errorf("recent_actions must be positive, got %d", c.RecentActions)
	case c.ResultChars < 64:
		return fmt.Errorf("result_chars must be at least 64, got %d", c.ResultChars)
	case c.HandlerTimeout <= 0:
		return fmt.Errorf("handler_timeout must be positive, got %s", c.HandlerTimeout)
	case c.Retry.MaxRetries < 0:
		return fmt.Errorf("retry.max_retries must not be negative, got %d", c.Retry.MaxRetries)
	}
	return nil
}
