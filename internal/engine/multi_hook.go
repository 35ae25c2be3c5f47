package engine

import (
	"context"
	"time"

	"github.com/ChamsBouzaiene/taskloop/internal/loopdetect"
	"github.com/ChamsBouzaiene/taskloop/internal/phase"
	"github.com/ChamsBouzaiene/taskloop/internal/task"
	"github.com/ChamsBouzaiene/taskloop/internal/taskstore"
)

type Hooks []Hook

func (hs Hooks) OnStepStart(ctx context.Context, st *taskstore.TaskState) {
	for _, h := range hs {
		h.OnStepStart(ctx, st)
	}
}
func (hs Hooks) OnBeforeLLM(ctx context.Context, st *taskstore.TaskState, m []ChatMessage) {
	for _, h := range hs {
		h.OnBeforeLLM(ctx, st, m)
	}
}
func (hs Hooks) OnAfterLLM(ctx context.Context, st *taskstore.TaskState, c Completion) {
	for _, h := range hs {
		h.OnAfterLLM(ctx, st, c)
	}
}
func (hs Hooks) OnAction(ctx context.Context, st *taskstore.TaskState, a Action) {
	for _, h := range hs {
		h.OnAction(ctx, st, a)
	}
}
func (hs Hooks) OnActionResult(ctx context.Context, st *taskstore.TaskState, r task.ActionRecord) {
	for _, h := range hs {
		h.OnActionResult(ctx, st, r)
	}
}
func (hs Hooks) OnTransition(ctx context.Context, st *taskstore.TaskState, r phase.Rule) {
	for _, h := range hs {
		h.OnTransition(ctx, st, r)
	}
}
func (hs Hooks) OnDetection(ctx context.Context, st *taskstore.TaskState, d loopdetect.Detection) {
	for _, h := range hs {
		h.OnDetection(ctx, st, d)
	}
}
func (hs Hooks) OnBudgetDenied(ctx context.Context, st *taskstore.TaskState, reason string, d loopdetect.Detection) {
	for _, h := range hs {
		h.OnBudgetDenied(ctx, st, reason, d)
	}
}
func (hs Hooks) OnDone(ctx context.Context, st *taskstore.TaskState, o StepOutcome) {
	for _, h := range hs {
		h.OnDone(ctx, st, o)
	}
}
func (hs Hooks) OnRetryAttempt(ctx context.Context, st *taskstore.TaskState, attempt int, maxAttempts int, delay time.Duration, err error) {
	for _, h := range hs {
		h.OnRetryAttempt(ctx, st, attempt, maxAttempts, delay, err)
	}
}
func (hs Hooks) OnRetryExhausted(ctx context.Context, st *taskstore.TaskState, err error) {
	for _, h := range hs {
		h.OnRetryExhausted(ctx, st, err)
	}
}
