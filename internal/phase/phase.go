// Package phase implements the task phase state machine. Transitions are
// data: a table of (from, to, guard) rules evaluated against an immutable
// Snapshot of the task.
package phase

import (
	"github.com/ChamsBouzaiene/taskloop/internal/task"
)

// Phase represents the current phase of the agent's work.
type Phase string

const (
	Explore   Phase = "explore"
	Diagnose  Phase = "diagnose"
	Plan      Phase = "plan"
	Implement Phase = "implement"
	Verify    Phase = "verify"
	Complete  Phase = "complete"
	Escalate  Phase = "escalate"
)

var allPhases = []Phase{Explore, Diagnose, Plan, Implement, Verify, Complete, Escalate}

// All returns every phase in progression order.
func All() []Phase {
	out := make([]Phase, len(allPhases))
	copy(out, allPhases)
	return out
}

// Valid reports whether p is one of the known phases.
func (p Phase) Valid() bool {
	for _, q := range allPhases {
		if p == q {
			return true
		}
	}
	return false
}

// Terminal reports whether p has no way out.
func (p Phase) Terminal() bool { return p == Complete || p == Escalate }

// Parse converts s into a Phase.
func Parse(s string) (Phase, bool) {
	p := Phase(s)
	return p, p.Valid()
}

// Snapshot is the read-only view of a task that guards inspect. The
// executor builds a fresh one after every step.
type Snapshot struct {
	FactCounts          map[string]int
	Modifications       int
	PhaseModifications  int
	PhaseVerification   task.Verification
	StepsInPhase        int
	CompletionRequested bool
	EscalationRequested bool
}

// Has reports whether at least one active fact of category exists.
func (s Snapshot) Has(category string) bool {
	return s.FactCounts[category] > 0
}

// Guard decides whether a rule may fire. Guards must be pure.
type Guard func(Snapshot) bool

// Rule is one registered transition.
type Rule struct {
	From      Phase
	To        Phase
	GuardName string
	Guard     Guard
	// Reset marks a transition that starts a fresh sub-task. The executor
	// restores the step budget when such a rule fires.
	Reset bool
}

// Config is the per-phase configuration.
type Config struct {
	Description    string
	AllowedActions []task.ActionKind // empty means every known kind
}

// Allows reports whether kind may be proposed while in this phase.
// Terminal and bookkeeping actions are always allowed.
func (c Config) Allows(kind task.ActionKind) bool {
	if kind.Terminal() || kind == task.ActionNote || kind == task.ActionSetPhase {
		return true
	}
	if len(c.AllowedActions) == 0 {
		return true
	}
	for _, k := range c.AllowedActions {
		if k == kind {
			return true
		}
	}
	return false
}

// Visit is one stay in a phase.
type Visit struct {
	Phase         Phase             `json:"phase"`
	EnteredStep   int               `json:"entered_step"`
	Steps         int               `json:"steps"`
	Modifications int               `json:"modifications,omitempty"`
	Verification  task.Verification `json:"verification,omitempty"`
	Reason        string            `json:"reason,omitempty"`
}

// State is the serialized form of a Machine.
type State struct {
	Current Phase         `json:"current"`
	Steps   map[Phase]int `json:"steps,omitempty"`
	History []Visit       `json:"history"`
	Total   int           `json:"total"`
}
