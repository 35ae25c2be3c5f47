package engine

import (
	"fmt"
	"strings"

	"github.com/ChamsBouzaiene/taskloop/internal/phase"
	"github.com/ChamsBouzaiene/taskloop/internal/task"
	"github.com/ChamsBouzaiene/taskloop/internal/tokenizer"
)

// ActionDoc describes one action the model may propose.
type ActionDoc struct {
	Kind        task.ActionKind
	Description string
	Schema      string
}

// PromptInput is everything the prompt is built from.
type PromptInput struct {
	Goal          string
	Guidance      string
	Phase         phase.Phase
	PhaseDesc     string
	Actions       []ActionDoc
	Understanding string
	// Context holds loaded material such as file contents, oldest first.
	Context []string
	// Recent holds action summaries, oldest first.
	Recent      []string
	Feedback    []string
	Suggestions []string
	Remaining   int
}

var builtinDocs = map[task.ActionKind]ActionDoc{
	task.ActionNote: {
		Kind:        task.ActionNote,
		Description: "Record a fact you have established.",
		Schema:      `{"content": "...", "category": "plan|root_cause|location|note", "subject": "optional key", "confidence": "0.0-1.0"}`,
	},
	task.ActionSetPhase: {
		Kind:        task.ActionSetPhase,
		Description: "Move to another phase when its entry condition is met.",
		Schema:      `{"phase": "..."}`,
	},
	task.ActionComplete: {
		Kind:        task.ActionComplete,
		Description: "Finish the task once verification passed.",
		Schema:      `{"summary": "..."}`,
	},
	task.ActionEscalate: {
		Kind:        task.ActionEscalate,
		Description: "Hand the task to a human.",
		Schema:      `{"reason": "..."}`,
	},
	task.ActionCannotFix: {
		Kind:        task.ActionCannotFix,
		Description: "Declare the task impossible.",
		Schema:      `{"reason": "..."}`,
	},
}

const actionFormat = `Respond with exactly one JSON object and nothing else:
{"action": "<kind>", "params": {...}, "reasoning": "<one sentence>"}
All param values are strings.`

func systemMessage(in PromptInput) string {
	var b strings.Builder
	b.WriteString("You are working on a bounded coding task, one action per turn.\n\n")
	b.WriteString(actionFormat)
	fmt.Fprintf(&b, "\n\nCurrent phase: %s", in.Phase)
	if in.PhaseDesc != "" {
		fmt.Fprintf(&b, "\n%s", in.PhaseDesc)
	}
	b.WriteString("\n\nAllowed actions:\n")
	for _, a := range in.Actions {
		fmt.Fprintf(&b, "- %s: %s", a.Kind, a.Description)
		if a.Schema != "" {
			fmt.Fprintf(&b, "\n  params: %s", a.Schema)
		}
		b.WriteByte('\n')
	}
	if g := strings.TrimSpace(in.Guidance); g != "" {
		fmt.Fprintf(&b, "\nProject rules:\n%s\n", g)
	}
	return b.String()
}

func section(b *strings.Builder, title string, lines []string) {
	if len(lines) == 0 {
		return
	}
	fmt.Fprintf(b, "\n# %s\n", title)
	for _, l := range lines {
		b.WriteString(l)
		if !strings.HasSuffix(l, "\n") {
			b.WriteByte('\n')
		}
	}
}

func userMessage(in PromptInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Goal\n%s\n", in.Goal)
	if in.Understanding != "" {
		fmt.Fprintf(&b, "\n# Understanding\n%s", in.Understanding)
	}
	section(&b, "Loaded context", in.Context)
	section(&b, "Recent actions", in.Recent)
	section(&b, "Feedback", in.Feedback)
	section(&b, "Loop warnings", in.Suggestions)
	fmt.Fprintf(&b, "\n%d steps remaining. Propose the next action.\n", in.Remaining)
	return b.String()
}

func estimate(msgs []ChatMessage) int {
	n := 0
	for _, m := range msgs {
		n += tokenizer.Estimate(m.Content)
	}
	return n
}

// BuildMessages renders in within limit estimated tokens. The oldest action
// summaries go first, then the oldest loaded context, and finally the
// remaining context is truncated.
func BuildMessages(in PromptInput, limit int) []ChatMessage {
	render := func() []ChatMessage {
		return []ChatMessage{
			{Role: RoleSystem, Content: systemMessage(in)},
			{Role: RoleUser, Content: userMessage(in)},
		}
	}
	msgs := render()
	for estimate(msgs) > limit && len(in.Recent) > 0 {
		in.Recent = in.Recent[1:]
		msgs = render()
	}
	for estimate(msgs) > limit && len(in.Context) > 1 {
		in.Context = in.Context[1:]
		msgs = render()
	}
	for over := estimate(msgs) - limit; over > 0 && len(in.Context) == 1; over = estimate(msgs) - limit {
		keep := tokenizer.Estimate(in.Context[0]) - over
		if keep < 1 {
			in.Context = nil
		} else {
			in.Context = []string{tokenizer.Truncate(in.Context[0], keep)}
		}
		msgs = render()
	}
	return msgs
}

// summarize renders one record for the recent-actions section.
func summarize(r task.ActionRecord, maxChars int) string {
	status := "ok"
	if !r.Success {
		status = "failed"
	}
	var params []string
	for _, k := range sortedKeys(r.Params) {
		v := r.Params[k]
		if len(v) > 80 {
			v = v[:80] + "..."
		}
		params = append(params, fmt.Sprintf("%s=%q", k, v))
	}
	result := strings.TrimSpace(r.Result)
	if maxChars > 0 && len(result) > maxChars {
		result = result[:maxChars] + "..."
	}
	return fmt.Sprintf("[%d] %s(%s) %s: %s", r.Seq, r.Kind, strings.Join(params, ", "), status, result)
}
