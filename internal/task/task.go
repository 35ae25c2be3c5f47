// Package task holds the vocabulary shared by every part of the control
// loop: action kinds, action records and task statuses.
package task

import (
	"sort"
	"strings"
	"time"
)

// ActionKind names one operation the model may propose. The set is closed;
// anything outside it is rejected during validation.
type ActionKind string

const (
	ActionReadFile    ActionKind = "read_file"
	ActionListFiles   ActionKind = "list_files"
	ActionSearch      ActionKind = "search"
	ActionWriteFile   ActionKind = "write_file"
	ActionReplaceText ActionKind = "replace_text"
	ActionRunCommand  ActionKind = "run_command"
	ActionRunTests    ActionKind = "run_tests"
	ActionNote        ActionKind = "note"
	ActionSetPhase    ActionKind = "set_phase"
	ActionComplete    ActionKind = "complete"
	ActionEscalate    ActionKind = "escalate"
	ActionCannotFix   ActionKind = "cannot_fix"

	// ActionInvalid is recorded when the model response could not be parsed
	// into an action at all.
	ActionInvalid ActionKind = "invalid_response"
)

var knownKinds = map[ActionKind]bool{
	ActionReadFile:    true,
	ActionListFiles:   true,
	ActionSearch:      true,
	ActionWriteFile:   true,
	ActionReplaceText: true,
	ActionRunCommand:  true,
	ActionRunTests:    true,
	ActionNote:        true,
	ActionSetPhase:    true,
	ActionComplete:    true,
	ActionEscalate:    true,
	ActionCannotFix:   true,
}

// Known reports whether k is a kind the model is allowed to propose.
func (k ActionKind) Known() bool { return knownKinds[k] }

// Terminal reports whether executing k ends the task.
func (k ActionKind) Terminal() bool {
	return k == ActionComplete || k == ActionEscalate || k == ActionCannotFix
}

// Modifies reports whether k changes the workspace.
func (k ActionKind) Modifies() bool {
	return k == ActionWriteFile || k == ActionReplaceText
}

// Builtin reports whether k is executed by the engine itself rather than by
// a registered handler.
func (k ActionKind) Builtin() bool {
	switch k {
	case ActionNote, ActionSetPhase, ActionComplete, ActionEscalate, ActionCannotFix:
		return true
	}
	return false
}

// Kinds returns every proposable kind in a stable order.
func Kinds() []ActionKind {
	out := make([]ActionKind, 0, len(knownKinds))
	for k := range knownKinds {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ActionRecord is one executed (or rejected) action. Records are append-only
// and never mutated once committed.
type ActionRecord struct {
	Seq       int               `json:"seq"`
	Kind      ActionKind        `json:"kind"`
	Params    map[string]string `json:"params,omitempty"`
	Result    string            `json:"result"`
	Success   bool              `json:"success"`
	Timestamp time.Time         `json:"timestamp"`

	// FactsLearned counts facts added to memory from this result.
	FactsLearned int `json:"facts_learned,omitempty"`
	// Modified is set when a modifying action succeeded.
	Modified bool `json:"modified,omitempty"`
	// Phase is the phase the action ran in.
	Phase string `json:"phase,omitempty"`
}

// Param returns the trimmed parameter value for key.
func (r ActionRecord) Param(key string) string {
	return strings.TrimSpace(r.Params[key])
}

// Status is the lifecycle status of a task.
type Status string

const (
	StatusRunning         Status = "running"
	StatusCompleted       Status = "completed"
	StatusEscalated       Status = "escalated"
	StatusCannotFix       Status = "cannot_fix"
	StatusBudgetExhausted Status = "budget_exhausted"
	StatusFatalError      Status = "fatal_error"
)

// Terminal reports whether no further steps may run.
func (s Status) Terminal() bool {
	return s != StatusRunning && s != ""
}

// Verification is the outcome of the most recent verification run.
type Verification string

const (
	VerificationUnknown Verification = "unknown"
	VerificationPassed  Verification = "passed"
	VerificationFailed  Verification = "failed"
)

// Fact categories produced by the extractor and inspected by phase guards.
const (
	CategoryFile       = "file"
	CategoryLocation   = "location"
	CategoryViolation  = "violation"
	CategoryRootCause  = "root_cause"
	CategoryPlan       = "plan"
	CategoryTestStatus = "test_status"
	CategoryError      = "error"
	CategoryNote       = "note"
)
