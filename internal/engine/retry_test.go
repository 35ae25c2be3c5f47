package engine

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastPolicy(retries int) RetryPolicy {
	return RetryPolicy{MaxRetries: retries, InitialDelay: time.Millisecond, MaxDelay: 4 * time.Millisecond, Multiplier: 2}
}

func TestRetryWithPolicy(t *testing.T) {
	tests := []struct {
		name         string
		errs         []error
		retries      int
		wantCalls    int
		wantErr      bool
		wantExhaust  bool
		wantAttempts int
	}{
		{name: "first try", errs: nil, retries: 3, wantCalls: 1},
		{name: "transient then ok", errs: []error{errors.New("503 service unavailable"), errors.New("rate limit")}, retries: 3, wantCalls: 3},
		{name: "non retryable", errs: []error{errors.New("401 unauthorized")}, retries: 3, wantCalls: 1, wantErr: true},
		{
			name:         "exhausted",
			errs:         []error{errors.New("timeout"), errors.New("timeout"), errors.New("timeout")},
			retries:      2,
			wantCalls:    3,
			wantErr:      true,
			wantExhaust:  true,
			wantAttempts: 3,
		},
		{
			name: "maybe class is guarded",
			errs: []error{
				errors.New("context deadline exceeded"), errors.New("context deadline exceeded"),
				errors.New("context deadline exceeded"), errors.New("context deadline exceeded"),
			},
			retries:      5,
			wantCalls:    3,
			wantErr:      true,
			wantExhaust:  true,
			wantAttempts: 3,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			got, err := RetryWithPolicy(context.Background(), fastPolicy(tt.retries),
				func(context.Context) (string, error) {
					i := calls
					calls++
					if i < len(tt.errs) {
						return "", tt.errs[i]
					}
					return "done", nil
				}, ClassifyLLMError, nil)
			if calls != tt.wantCalls {
				t.Errorf("calls = %d, want %d", calls, tt.wantCalls)
			}
			if (err != nil) != tt.wantErr {
				t.Fatalf("RetryWithPolicy() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != "done" {
				t.Errorf("RetryWithPolicy() = %q, want %q", got, "done")
			}
			if IsRetryExhausted(err) != tt.wantExhaust {
				t.Errorf("IsRetryExhausted() = %v, want %v", IsRetryExhausted(err), tt.wantExhaust)
			}
			var re *RetryExhaustedError
			if tt.wantExhaust && errors.As(err, &re) && re.Attempts != tt.wantAttempts {
				t.Errorf("Attempts = %d, want %d", re.Attempts, tt.wantAttempts)
			}
		})
	}
}

func TestRetryStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := RetryPolicy{MaxRetries: 5, InitialDelay: time.Hour, Multiplier: 1}
	calls := 0
	_, err := RetryWithPolicy(ctx, policy, func(context.Context) (int, error) {
		calls++
		cancel()
		return 0, errors.New("503")
	}, ClassifyLLMError, nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("RetryWithPolicy() error = %v, want context.Canceled", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestCalculateDelay(t *testing.T) {
	p := RetryPolicy{InitialDelay: 100 * time.Millisecond, MaxDelay: 300 * time.Millisecond, Multiplier: 2}
	tests := []struct {
		attempt int
		err     error
		want    time.Duration
	}{
		{0, errors.New("x"), 100 * time.Millisecond},
		{1, errors.New("x"), 200 * time.Millisecond},
		{5, errors.New("x"), 300 * time.Millisecond},
		{0, WrapLLMError(errors.New("slow down"), 429, "1"), 300 * time.Millisecond},
		{0, errors.New("please retry after 0 seconds"), 100 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := calculateDelay(p, tt.attempt, tt.err); got != tt.want {
			t.Errorf("calculateDelay(%d, %v) = %v, want %v", tt.attempt, tt.err, got, tt.want)
		}
	}
}

func TestClassifyLLMError(t *testing.T) {
	tests := []struct {
		err  error
		want RetryClass
	}{
		{errors.New("429 Too Many Requests"), RetryClassRetryable},
		{errors.New("model is overloaded"), RetryClassRetryable},
		{errors.New("read tcp: connection reset by peer"), RetryClassRetryable},
		{errors.New("unexpected EOF"), RetryClassRetryable},
		{errors.New("context deadline exceeded"), RetryClassMaybe},
		{errors.New("maximum context length is 8192 tokens"), RetryClassMaybe},
		{errors.New("401 Unauthorized"), RetryClassNonRetryable},
		{errors.New("insufficient quota"), RetryClassNonRetryable},
		{errors.New("something odd"), RetryClassNonRetryable},
		{NewEngineError(errors.New("401"), RetryClassRetryable), RetryClassRetryable},
	}
	for _, tt := range tests {
		if got := ClassifyLLMError(tt.err); got != tt.want {
			t.Errorf("ClassifyLLMError(%q) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestWrapLLMErrorStatusOverrides(t *testing.T) {
	tests := []struct {
		status int
		want   RetryClass
	}{
		{429, RetryClassRetryable},
		{502, RetryClassRetryable},
		{400, RetryClassNonRetryable},
		{401, RetryClassNonRetryable},
	}
	for _, tt := range tests {
		err := WrapLLMError(errors.New("request failed"), tt.status, "")
		if got := ClassifyLLMError(err); got != tt.want {
			t.Errorf("WrapLLMError(status %d) class = %s, want %s", tt.status, got, tt.want)
		}
	}
	if WrapLLMError(nil, 500, "") != nil {
		t.Error("WrapLLMError(nil) != nil")
	}
}

func TestExtractRetryAfter(t *testing.T) {
	if got := ExtractRetryAfter(WrapLLMError(errors.New("429"), 429, "7")); got != 7*time.Second {
		t.Errorf("ExtractRetryAfter(header) = %v, want 7s", got)
	}
	if got := ExtractRetryAfter(errors.New("rate limited, retry after 3 seconds")); got != 3*time.Second {
		t.Errorf("ExtractRetryAfter(text) = %v, want 3s", got)
	}
	if got := ExtractRetryAfter(errors.New("boom")); got != 0 {
		t.Errorf("ExtractRetryAfter(none) = %v, want 0", got)
	}
}

func TestRetriesFor(t *testing.T) {
	tests := []struct {
		name        string
		policy      RetryPolicy
		class       RetryClass
		want        int
		wantGuarded bool
	}{
		{"retryable", RetryPolicy{MaxRetries: 5}, RetryClassRetryable, 5, false},
		{"maybe default cap", RetryPolicy{MaxRetries: 5}, RetryClassMaybe, 2, true},
		{"maybe configured cap", RetryPolicy{MaxRetries: 5, UncertainRetries: 4}, RetryClassMaybe, 4, true},
		{"maybe above max", RetryPolicy{MaxRetries: 1, UncertainRetries: 3}, RetryClassMaybe, 1, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, guarded := tt.policy.retriesFor(tt.class)
			if got != tt.want || guarded != tt.wantGuarded {
				t.Errorf("retriesFor(%s) = %d, %v; want %d, %v", tt.class, got, guarded, tt.want, tt.wantGuarded)
			}
		})
	}
}
