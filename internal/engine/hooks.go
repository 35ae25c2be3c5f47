// engine/hooks.go
package engine

import (
	"context"
	"time"

	"github.com/ChamsBouzaiene/taskloop/internal/loopdetect"
	"github.com/ChamsBouzaiene/taskloop/internal/phase"
	"github.com/ChamsBouzaiene/taskloop/internal/task"
	"github.com/ChamsBouzaiene/taskloop/internal/taskstore"
)

// Hook observes the executor. Hooks must not mutate the state they are
// given.
type Hook interface {
	OnStepStart(ctx context.Context, st *taskstore.TaskState)
	OnBeforeLLM(ctx context.Context, st *taskstore.TaskState, messages []ChatMessage)
	OnAfterLLM(ctx context.Context, st *taskstore.TaskState, c Completion)
	OnAction(ctx context.Context, st *taskstore.TaskState, a Action)
	OnActionResult(ctx context.Context, st *taskstore.TaskState, rec task.ActionRecord)
	OnTransition(ctx context.Context, st *taskstore.TaskState, r phase.Rule)
	OnDetection(ctx context.Context, st *taskstore.TaskState, det loopdetect.Detection)
	OnBudgetDenied(ctx context.Context, st *taskstore.TaskState, reason string, det loopdetect.Detection)
	OnDone(ctx context.Context, st *taskstore.TaskState, o StepOutcome)
	// Retry hooks
	OnRetryAttempt(ctx context.Context, st *taskstore.TaskState, attempt int, maxAttempts int, delay time.Duration, err error)
	OnRetryExhausted(ctx context.Context, st *taskstore.TaskState, err error)
}

// NopHook lets you implement any hook you need.
type NopHook struct{}

func (NopHook) OnStepStart(context.Context, *taskstore.TaskState)                           {}
func (NopHook) OnBeforeLLM(context.Context, *taskstore.TaskState, []ChatMessage)            {}
func (NopHook) OnAfterLLM(context.Context, *taskstore.TaskState, Completion)                {}
func (NopHook) OnAction(context.Context, *taskstore.TaskState, Action)                      {}
func (NopHook) OnActionResult(context.Context, *taskstore.TaskState, task.ActionRecord)     {}
func (NopHook) OnTransition(context.Context, *taskstore.TaskState, phase.Rule)              {}
func (NopHook) OnDetection(context.Context, *taskstore.TaskState, loopdetect.Detection)     {}
func (NopHook) OnDone(context.Context, *taskstore.TaskState, StepOutcome)                   {}
func (NopHook) OnRetryExhausted(context.Context, *taskstore.TaskState, error)               {}
func (NopHook) OnBudgetDenied(context.Context, *taskstore.TaskState, string, loopdetect.Detection) {
}
func (NopHook) OnRetryAttempt(context.Context, *taskstore.TaskState, int, int, time.Duration, error) {
}
