// Package engine drives a task through LLM-proposed actions.
// This file contains error classification and handling.

package engine

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ChamsBouzaiene/taskloop/internal/phase"
	"github.com/ChamsBouzaiene/taskloop/internal/task"
)

// ErrFatal marks failures that stop the executor: state persistence and
// broken invariants. Everything else becomes a failed action record.
var ErrFatal = errors.New("fatal executor error")

// RetryClass indicates whether an error should be retried.
type RetryClass string

const (
	RetryClassRetryable    RetryClass = "retryable"     // Definitely retry
	RetryClassMaybe        RetryClass = "maybe"         // Retry with caution (limited attempts)
	RetryClassNonRetryable RetryClass = "non_retryable" // Never retry
)

// EngineError wraps errors with classification metadata.
type EngineError struct {
	Err         error
	Class       RetryClass
	HTTPStatus  int
	RetryAfter  string
	IsRateLimit bool
	IsTimeout   bool
	IsNetwork   bool
	IsAuth      bool
	IsQuota     bool
}

func (e *EngineError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("engine error: %s", e.Class)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// NewEngineError creates a new EngineError with classification.
func NewEngineError(err error, class RetryClass) *EngineError {
	return &EngineError{
		Err:   err,
		Class: class,
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// ClassifyLLMError classifies an error from an LLM provider call.
func ClassifyLLMError(err error) RetryClass {
	if err == nil {
		return RetryClassNonRetryable
	}

	var engineErr *EngineError
	if errors.As(err, &engineErr) {
		return engineErr.Class
	}

	errStr := strings.ToLower(err.Error())

	switch {
	// Rate limits respect Retry-After.
	case containsAny(errStr, "429", "rate limit", "too many requests"):
		return RetryClassRetryable
	case containsAny(errStr, "500", "502", "503", "504", "internal server error",
		"bad gateway", "service unavailable", "gateway timeout", "overloaded"):
		return RetryClassRetryable
	case containsAny(errStr, "context deadline exceeded", "deadline exceeded"):
		return RetryClassMaybe
	case containsAny(errStr, "timeout", "connection reset", "connection refused",
		"no such host", "network", "dns", "temporary failure", "eof"):
		return RetryClassRetryable
	case containsAny(errStr, "context length", "token limit", "maximum context length"):
		return RetryClassMaybe
	case containsAny(errStr, "401", "403", "unauthorized", "forbidden",
		"invalid api key", "authentication failed"):
		return RetryClassNonRetryable
	case containsAny(errStr, "400", "bad request", "invalid request", "malformed"):
		return RetryClassNonRetryable
	case containsAny(errStr, "402", "quota", "billing", "payment required"):
		return RetryClassNonRetryable
	case containsAny(errStr, "content filter", "safety", "guardrail", "policy violation"):
		return RetryClassNonRetryable
	}
	return RetryClassNonRetryable
}

// ExtractRetryAfter extracts the Retry-After header value from an error.
// Returns 0 if not found or invalid.
func ExtractRetryAfter(err error) time.Duration {
	var engineErr *EngineError
	if errors.As(err, &engineErr) && engineErr.RetryAfter != "" {
		var seconds int
		if _, err := fmt.Sscanf(engineErr.RetryAfter, "%d", &seconds); err == nil {
			return time.Duration(seconds) * time.Second
		}
		if t, err := time.Parse(time.RFC1123, engineErr.RetryAfter); err == nil {
			if d := time.Until(t); d > 0 {
				return d
			}
		}
	}

	errStr := strings.ToLower(err.Error())
	if i := strings.Index(errStr, "retry after"); i >= 0 {
		var seconds int
		if _, err := fmt.Sscanf(errStr[i:], "retry after %d", &seconds); err == nil {
			return time.Duration(seconds) * time.Second
		}
	}
	return 0
}

// WrapLLMError wraps an LLM provider error with classification metadata.
// A known HTTP status overrides the text-based classification.
func WrapLLMError(err error, httpStatus int, retryAfter string) error {
	if err == nil {
		return nil
	}

	class := ClassifyLLMError(err)
	switch {
	case httpStatus == http.StatusTooManyRequests || httpStatus >= 500:
		class = RetryClassRetryable
	case httpStatus == http.StatusUnauthorized || httpStatus == http.StatusForbidden ||
		httpStatus == http.StatusPaymentRequired || httpStatus == http.StatusBadRequest:
		class = RetryClassNonRetryable
	}

	return &EngineError{
		Err:         err,
		Class:       class,
		HTTPStatus:  httpStatus,
		RetryAfter:  retryAfter,
		IsRateLimit: httpStatus == http.StatusTooManyRequests,
		IsTimeout:   httpStatus == http.StatusGatewayTimeout || httpStatus == http.StatusRequestTimeout,
		IsNetwork:   httpStatus == 0 || httpStatus >= 500,
		IsAuth:      httpStatus == http.StatusUnauthorized || httpStatus == http.StatusForbidden,
		IsQuota:     httpStatus == http.StatusPaymentRequired,
	}
}

// RetryExhaustedError indicates that all retry attempts have been exhausted.
type RetryExhaustedError struct {
	Err         error
	Attempts    int
	MaxAttempts int
	IsGuarded   bool // True if this was a "maybe" class error with limited retries
}

func (e *RetryExhaustedError) Error() string {
	if e.IsGuarded {
		return fmt.Sprintf("guarded retries exhausted after %d attempts: %v", e.Attempts, e.Err)
	}
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.Err
}

// NewRetryExhaustedError creates a new RetryExhaustedError.
func NewRetryExhaustedError(err error, attempts, maxAttempts int, isGuarded bool) *RetryExhaustedError {
	return &RetryExhaustedError{
		Err:         err,
		Attempts:    attempts,
		MaxAttempts: maxAttempts,
		IsGuarded:   isGuarded,
	}
}

// IsRetryExhausted checks if an error is a RetryExhaustedError.
func IsRetryExhausted(err error) bool {
	var retryExhausted *RetryExhaustedError
	return errors.As(err, &retryExhausted)
}

// ParseError reports model output that could not be read as an action.
type ParseError struct {
	Reason string
	// Excerpt is the start of the offending output.
	Excerpt string
}

func (e *ParseError) Error() string {
	if e.Excerpt == "" {
		return "unparseable response: " + e.Reason
	}
	return fmt.Sprintf("unparseable response: %s (got %q)", e.Reason, e.Excerpt)
}

// ValidationError indicates that an action was rejected before dispatch:
// unknown kind, not allowed in the phase, or params failing the schema.
type ValidationError struct {
	Kind   task.ActionKind
	Errors []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("action %s validation failed: %s", e.Kind, strings.Join(e.Errors, "; "))
}

// EngineContextError wraps errors with execution context (step, phase,
// action, operation).
type EngineContextError struct {
	Err       error
	Step      int
	Phase     phase.Phase
	Kind      task.ActionKind
	Operation string // "llm_call", "commit", "restore", ...
}

func (e *EngineContextError) Error() string {
	if e.Kind != "" {
		return fmt.Sprintf("[step=%d phase=%s op=%s action=%s] %v",
			e.Step, e.Phase, e.Operation, e.Kind, e.Err)
	}
	return fmt.Sprintf("[step=%d phase=%s op=%s] %v",
		e.Step, e.Phase, e.Operation, e.Err)
}

func (e *EngineContextError) Unwrap() error {
	return e.Err
}

// fatalError joins err with ErrFatal so callers can test either.
func fatalError(err error) error {
	if errors.Is(err, ErrFatal) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrFatal, err)
}
