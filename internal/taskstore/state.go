package taskstore

import (
	"fmt"
	"strings"
	"time"

	"github.com/ChamsBouzaiene/taskloop/internal/budget"
	"github.com/ChamsBouzaiene/taskloop/internal/memory"
	"github.com/ChamsBouzaiene/taskloop/internal/phase"
	"github.com/ChamsBouzaiene/taskloop/internal/task"
)

// SchemaVersion is the version written by this package.
const SchemaVersion = 2

// TokenUsage is cumulative LLM usage of a task.
type TokenUsage struct {
	Prompt     int `json:"prompt"`
	Completion int `json:"completion"`
	Total      int `json:"total"`
}

// TaskState is everything needed to resume a task. Step is the highest
// committed action sequence number.
type TaskState struct {
	SchemaVersion int       `json:"schema_version"`
	ID            string    `json:"id"`
	Goal          string    `json:"goal"`
	Workspace     string    `json:"workspace,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`

	Phase  phase.State     `json:"phase"`
	Budget budget.State    `json:"budget"`
	Memory memory.Snapshot `json:"memory"`

	Verification       task.Verification `json:"verification"`
	VerificationDetail string            `json:"verification_detail,omitempty"`
	Modifications      int               `json:"modifications"`

	Step         int         `json:"step"`
	Status       task.Status `json:"status"`
	StatusReason string      `json:"status_reason,omitempty"`
	Result       string      `json:"result,omitempty"`
	LastError    string      `json:"last_error,omitempty"`

	// Suggestions are the last loop-detector suggestions shown to the model.
	Suggestions []string `json:"suggestions,omitempty"`
	// Feedback is corrective text queued for the next prompt.
	Feedback  []string   `json:"feedback,omitempty"`
	Artifacts []string   `json:"artifacts,omitempty"`
	Tokens    TokenUsage `json:"tokens"`
}

// CreateOptions seeds a new task.
type CreateOptions struct {
	Workspace string
	Phase     phase.State
	Budget    budget.State
	Memory    memory.Snapshot
}

// Validate checks the invariants Load relies on.
func (s *TaskState) Validate() error {
	if s == nil {
		return fmt.Errorf("nil task state")
	}
	if err := ValidateID(s.ID); err != nil {
		return err
	}
	if s.SchemaVersion != SchemaVersion {
		return fmt.Errorf("schema version %d, want %d", s.SchemaVersion, SchemaVersion)
	}
	if strings.TrimSpace(s.Goal) == "" {
		return fmt.Errorf("task %s has no goal", s.ID)
	}
	if s.Step < 0 {
		return fmt.Errorf("task %s has negative step %d", s.ID, s.Step)
	}
	switch s.Status {
	case task.StatusRunning, task.StatusCompleted, task.StatusEscalated,
		task.StatusCannotFix, task.StatusBudgetExhausted, task.StatusFatalError:
	default:
		return fmt.Errorf("task %s has unknown status %q", s.ID, s.Status)
	}
	if !s.Phase.Current.Valid() {
		return fmt.Errorf("task %s has unknown phase %q", s.ID, s.Phase.Current)
	}
	return nil
}

// Summary is the listing view of a task.
type Summary struct {
	ID        string      `json:"id"`
	Goal      string      `json:"goal"`
	Status    task.Status `json:"status"`
	Phase     phase.Phase `json:"phase"`
	Step      int         `json:"step"`
	Remaining int         `json:"remaining"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
	// Err is set for tasks whose state could not be read.
	Err string `json:"error,omitempty"`
}

// Summarize returns the listing view of s.
func (s *TaskState) Summarize() Summary {
	return Summary{
		ID:        s.ID,
		Goal:      s.Goal,
		Status:    s.Status,
		Phase:     s.Phase.Current,
		Step:      s.Step,
		Remaining: s.Budget.Remaining(),
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}
