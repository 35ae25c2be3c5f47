// Package tokenizer estimates token counts for prompt budgeting.
package tokenizer

import "strings"

// Tokenizer counts tokens for a model. Different models tokenize
// differently, so the model name is part of the call.
type Tokenizer interface {
	CountTokens(text string, model string) (int, error)
}

// Estimate provides a rough token count: about four characters per token
// plus a little for whitespace. Non-empty text is at least one token.
func Estimate(text string) int {
	if len(text) == 0 {
		return 0
	}

	charCount := len([]rune(text))
	whitespaceCount := strings.Count(text, " ") + strings.Count(text, "\n") + strings.Count(text, "\t")

	estimated := (charCount / 4) + (whitespaceCount / 6)
	if estimated < 1 {
		return 1
	}
	return estimated
}

// Default uses Estimate for every model.
type Default struct{}

// CountTokens implements Tokenizer.
func (Default) CountTokens(text string, model string) (int, error) {
	return Estimate(text), nil
}

// ForModel returns the tokenizer for model. Only estimation is available
// today.
func ForModel(model string) Tokenizer {
	return Default{}
}

// Truncate cuts text so that Estimate(result) <= maxTokens, keeping the
// head and marking the cut.
func Truncate(text string, maxTokens int) string {
	if maxTokens <= 0 {
		return ""
	}
	if Estimate(text) <= maxTokens {
		return text
	}
	const marker = "\n... [truncated]"
	runes := []rune(text)
	hi := len(runes)
	lo := 0
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if Estimate(string(runes[:mid])+marker) <= maxTokens {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	if lo == 0 {
		return ""
	}
	return string(runes[:lo]) + marker
}
