package engine

import (
	"context"
	"fmt"

	"github.com/ChamsBouzaiene/taskloop/internal/loopdetect"
	"github.com/ChamsBouzaiene/taskloop/internal/phase"
	"github.com/ChamsBouzaiene/taskloop/internal/task"
)

// MessageRole represents the role of a chat message.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// ChatMessage is the provider-agnostic message we pass around.
type ChatMessage struct {
	Role    MessageRole
	Content string
}

// Validate checks if the ChatMessage is valid.
func (m ChatMessage) Validate() error {
	switch m.Role {
	case RoleSystem, RoleUser, RoleAssistant:
	default:
		return fmt.Errorf("invalid message role: %s", m.Role)
	}
	return nil
}

// Usage holds token accounting returned by providers.
type Usage struct {
	Prompt     int
	Completion int
	Total      int
}

// Completion is the normalized result of one LLM call.
type Completion struct {
	Text         string
	Usage        Usage
	FinishReason string
}

// LLMClient abstracts the chosen SDK (OpenAI, Anthropic, etc.).
type LLMClient interface {
	Complete(ctx context.Context, messages []ChatMessage) (Completion, error)
}

// Action is one parsed model proposal.
type Action struct {
	Kind      task.ActionKind
	Params    map[string]string
	Reasoning string
}

// Param returns a parameter value or "".
func (a Action) Param(key string) string { return a.Params[key] }

// StepOutcome describes one executed step.
type StepOutcome struct {
	// Status is the task status after the step; anything but running is
	// terminal.
	Status    task.Status
	Action    Action
	Record    task.ActionRecord
	Err       bool
	Facts     int
	Detection loopdetect.Detection
	// Transition is set when the phase changed during the step.
	Transition *phase.Rule
	Reason     string
}

// Terminal reports whether the task is finished.
func (o StepOutcome) Terminal() bool { return o.Status.Terminal() }
