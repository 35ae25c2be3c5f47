package engine

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// defaultUncertainRetries applies when RetryPolicy.UncertainRetries is zero.
const defaultUncertainRetries = 2

// RetryPolicy is the backoff schedule for LLM calls.
type RetryPolicy struct {
	MaxRetries   int           `yaml:"max_retries"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       bool          `yaml:"jitter"` // adds up to 20%
	// UncertainRetries caps retries of RetryClassMaybe errors, which may
	// just repeat the same failure (a timeout, an oversized prompt).
	UncertainRetries int `yaml:"uncertain_retries,omitempty"`
}

// retriesFor is how many retries an error of class c may get.
func (p RetryPolicy) retriesFor(c RetryClass) (n int, guarded bool) {
	if c != RetryClassMaybe {
		return p.MaxRetries, false
	}
	limit := p.UncertainRetries
	if limit <= 0 {
		limit = defaultUncertainRetries
	}
	if limit < p.MaxRetries {
		return limit, true
	}
	return p.MaxRetries, false
}

// RetryableFunc is one attempt of a retried operation.
type RetryableFunc[T any] func(ctx context.Context) (T, error)

// RetryWithPolicy calls fn until it succeeds, classify says the error is
// final, or the retries allowed for the error's class run out. onRetry, if
// set, is told about every wait before it starts.
func RetryWithPolicy[T any](
	ctx context.Context,
	policy RetryPolicy,
	fn RetryableFunc[T],
	classify func(error) RetryClass,
	onRetry func(attempt int, delay time.Duration, err error),
) (T, error) {
	var zero T
	for attempt := 0; ; attempt++ {
		result, err := fn(ctx)
		switch {
		case err == nil:
			return result, nil
		case ctx.Err() != nil:
			return zero, fmt.Errorf("context cancelled: %w", ctx.Err())
		}

		class := classify(err)
		if class == RetryClassNonRetryable {
			return zero, err
		}
		limit, guarded := policy.retriesFor(class)
		if attempt >= limit {
			return zero, NewRetryExhaustedError(err, attempt+1, limit, guarded)
		}

		delay := calculateDelay(policy, attempt, err)
		if onRetry != nil {
			onRetry(attempt+1, delay, err)
		}
		if err := sleep(ctx, delay); err != nil {
			return zero, fmt.Errorf("context cancelled during retry: %w", err)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// calculateDelay honours a server's retry-after hint and otherwise backs
// off exponentially. Both are capped at MaxDelay.
func calculateDelay(policy RetryPolicy, attempt int, err error) time.Duration {
	capped := func(d time.Duration) time.Duration {
		if policy.MaxDelay > 0 && d > policy.MaxDelay {
			return policy.MaxDelay
		}
		return d
	}
	if hint := ExtractRetryAfter(err); hint > 0 {
		return capped(hint)
	}

	growth := math.Max(policy.Multiplier, 1)
	delay := capped(time.Duration(float64(policy.InitialDelay) * math.Pow(growth, float64(attempt))))
	if policy.Jitter {
		delay += time.Duration(rand.Float64() * 0.2 * float64(delay))
	}
	return delay
}

// RetryLLMCall completes messages under policy.
func RetryLLMCall(
	ctx context.Context,
	policy RetryPolicy,
	llm LLMClient,
	messages []ChatMessage,
	onRetry func(attempt int, delay time.Duration, err error),
) (Completion, error) {
	call := func(ctx context.Context) (Completion, error) { return llm.Complete(ctx, messages) }
	return RetryWithPolicy(ctx, policy, call, ClassifyLLMError, onRetry)
}
