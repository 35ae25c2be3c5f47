// engine/log_hook.go
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/ChamsBouzaiene/taskloop/internal/loopdetect"
	"github.com/ChamsBouzaiene/taskloop/internal/phase"
	"github.com/ChamsBouzaiene/taskloop/internal/task"
	"github.com/ChamsBouzaiene/taskloop/internal/taskstore"
	"github.com/ChamsBouzaiene/taskloop/internal/tokenizer"
)

// LogHook writes executor events to a structured logger.
type LogHook struct{ L *slog.Logger }

func (h LogHook) OnStepStart(ctx context.Context, st *taskstore.TaskState) {
	h.L.DebugContext(ctx, "step start", "task", st.ID, "step", st.Step+1,
		"phase", st.Phase.Current, "remaining", st.Budget.Remaining())
}
func (h LogHook) OnBeforeLLM(ctx context.Context, st *taskstore.TaskState, msgs []ChatMessage) {
	total := 0
	for _, m := range msgs {
		total += tokenizer.Estimate(m.Content)
	}
	h.L.DebugContext(ctx, "llm request", "task", st.ID, "messages", len(msgs),
		"tokens_est", total, "cumulative", st.Tokens.Total)
}
func (h LogHook) OnAfterLLM(ctx context.Context, st *taskstore.TaskState, c Completion) {
	h.L.DebugContext(ctx, "llm response", "task", st.ID, "finish", c.FinishReason,
		"prompt", c.Usage.Prompt, "completion", c.Usage.Completion, "total", c.Usage.Total)
}
func (h LogHook) OnAction(ctx context.Context, st *taskstore.TaskState, a Action) {
	h.L.InfoContext(ctx, "action", "task", st.ID, "kind", a.Kind, "params", a.Params)
}
func (h LogHook) OnActionResult(ctx context.Context, st *taskstore.TaskState, r task.ActionRecord) {
	preview := r.Result
	if len(preview) > 120 {
		preview = preview[:120] + "..."
	}
	level := slog.LevelInfo
	if !r.Success {
		level = slog.LevelWarn
	}
	h.L.Log(ctx, level, "action result", "task", st.ID, "seq", r.Seq, "kind", r.Kind,
		"success", r.Success, "facts", r.FactsLearned, "result", preview)
}
func (h LogHook) OnTransition(ctx context.Context, st *taskstore.TaskState, r phase.Rule) {
	h.L.InfoContext(ctx, "phase transition", "task", st.ID, "from", r.From, "to", r.To, "guard", r.GuardName)
}
func (h LogHook) OnDetection(ctx context.Context, st *taskstore.TaskState, d loopdetect.Detection) {
	h.L.WarnContext(ctx, "loop detected", "task", st.ID, "kind", d.Kind,
		"confidence", d.Confidence, "reason", d.Reason)
}
func (h LogHook) OnBudgetDenied(ctx context.Context, st *taskstore.TaskState, reason string, d loopdetect.Detection) {
	h.L.WarnContext(ctx, "step denied", "task", st.ID, "reason", reason, "detection", d.Kind,
		"remaining", st.Budget.Remaining())
}
func (h LogHook) OnDone(ctx context.Context, st *taskstore.TaskState, o StepOutcome) {
	h.L.InfoContext(ctx, "task finished", "task", st.ID, "status", o.Status,
		"steps", st.Step, "tokens", st.Tokens.Total, "reason", o.Reason)
}
func (h LogHook) OnRetryAttempt(ctx context.Context, st *taskstore.TaskState, attempt int, maxAttempts int, delay time.Duration, err error) {
	h.L.WarnContext(ctx, "retrying llm call", "task", st.ID, "attempt", attempt,
		"max", maxAttempts, "delay", delay, "error", err)
}
func (h LogHook) OnRetryExhausted(ctx context.Context, st *taskstore.TaskState, err error) {
	h.L.ErrorContext(ctx, "retries exhausted", "task", st.ID, "error", err)
}
