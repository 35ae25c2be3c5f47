package phase

import (
	"fmt"

	"github.com/ChamsBouzaiene/taskloop/internal/task"
)

// StepInfo describes the step that just ran, as far as the machine cares.
type StepInfo struct {
	Modified     bool
	Verification task.Verification
}

// Machine tracks the current phase and the visit history of one task.
// It is not safe for concurrent use; a task runs one step at a time.
type Machine struct {
	rules   []Rule
	configs map[Phase]Config

	current Phase
	steps   map[Phase]int
	history []Visit
	total   int
}

// New creates a machine in the explore phase.
func New(rules []Rule, configs map[Phase]Config) *Machine {
	if configs == nil {
		configs = map[Phase]Config{}
	}
	m := &Machine{
		rules:   rules,
		configs: configs,
		current: Explore,
		steps:   make(map[Phase]int),
	}
	m.history = []Visit{{Phase: Explore, Reason: "start"}}
	return m
}

// NewDefault creates a machine with DefaultRules and DefaultConfigs.
func NewDefault() *Machine {
	return New(DefaultRules(), DefaultConfigs())
}

// Current returns the current phase.
func (m *Machine) Current() Phase { return m.current }

// Config returns the configuration of p.
func (m *Machine) Config(p Phase) Config { return m.configs[p] }

// Allows reports whether kind may run in the current phase.
func (m *Machine) Allows(kind task.ActionKind) bool {
	return m.configs[m.current].Allows(kind)
}

// Visit returns the visit for the current phase.
func (m *Machine) Visit() Visit {
	return m.history[len(m.history)-1]
}

// History returns a copy of the visit history.
func (m *Machine) History() []Visit {
	out := make([]Visit, len(m.history))
	copy(out, m.history)
	return out
}

// RecordStep accounts one executed step to the current phase.
func (m *Machine) RecordStep(info StepInfo) {
	m.total++
	m.steps[m.current]++
	v := &m.history[len(m.history)-1]
	v.Steps++
	if info.Modified {
		v.Modifications++
	}
	if info.Verification != "" && info.Verification != task.VerificationUnknown {
		v.Verification = info.Verification
	}
}

func (m *Machine) match(to Phase, snap Snapshot) (Rule, bool) {
	for _, r := range m.rules {
		if r.From != m.current || r.To != to {
			continue
		}
		if r.Guard == nil || r.Guard(snap) {
			return r, true
		}
	}
	return Rule{}, false
}

// CanTransition reports whether a registered rule from the current phase to
// `to` exists and its guard holds for snap.
func (m *Machine) CanTransition(to Phase, snap Snapshot) bool {
	_, ok := m.match(to, snap)
	return ok
}

// Transition moves to `to` when a rule allows it. It fails closed: with no
// matching rule or an unsatisfied guard the phase is unchanged.
func (m *Machine) Transition(to Phase, snap Snapshot) bool {
	_, ok := m.TransitionRule(to, snap)
	return ok
}

// TransitionRule is Transition that also returns the rule that fired.
func (m *Machine) TransitionRule(to Phase, snap Snapshot) (Rule, bool) {
	r, ok := m.match(to, snap)
	if !ok {
		return Rule{}, false
	}
	m.enter(r)
	return r, true
}

func (m *Machine) enter(r Rule) {
	m.current = r.To
	m.history = append(m.history, Visit{
		Phase:       r.To,
		EnteredStep: m.total,
		Reason:      r.GuardName,
	})
}

// AvailableTransitions lists the phases reachable from the current one
// under snap, in rule order and without duplicates.
func (m *Machine) AvailableTransitions(snap Snapshot) []Phase {
	var out []Phase
	seen := make(map[Phase]bool)
	for _, r := range m.rules {
		if r.From != m.current || seen[r.To] {
			continue
		}
		if r.Guard == nil || r.Guard(snap) {
			seen[r.To] = true
			out = append(out, r.To)
		}
	}
	return out
}

// ShouldAutoTransition returns the target of the first outgoing rule whose
// guard holds. Rules without a guard never fire automatically.
func (m *Machine) ShouldAutoTransition(snap Snapshot) (Phase, bool) {
	r, ok := m.autoRule(snap)
	return r.To, ok
}

func (m *Machine) autoRule(snap Snapshot) (Rule, bool) {
	for _, r := range m.rules {
		if r.From != m.current || r.Guard == nil {
			continue
		}
		if r.Guard(snap) {
			return r, true
		}
	}
	return Rule{}, false
}

// Advance fires the first satisfied outgoing rule, if any.
func (m *Machine) Advance(snap Snapshot) (Rule, bool) {
	r, ok := m.autoRule(snap)
	if !ok {
		return Rule{}, false
	}
	m.enter(r)
	return r, true
}

// ToState serializes the machine.
func (m *Machine) ToState() State {
	steps := make(map[Phase]int, len(m.steps))
	for p, n := range m.steps {
		steps[p] = n
	}
	return State{
		Current: m.current,
		Steps:   steps,
		History: m.History(),
		Total:   m.total,
	}
}

// FromState restores a serialized machine. Rules and configs are kept.
func (m *Machine) FromState(s State) error {
	if !s.Current.Valid() {
		return fmt.Errorf("unknown phase %q", s.Current)
	}
	for i, v := range s.History {
		if !v.Phase.Valid() {
			return fmt.Errorf("history[%d]: unknown phase %q", i, v.Phase)
		}
	}
	history := make([]Visit, len(s.History))
	copy(history, s.History)
	if len(history) == 0 || history[len(history)-1].Phase != s.Current {
		history = append(history, Visit{Phase: s.Current, EnteredStep: s.Total, Reason: "restored"})
	}
	steps := make(map[Phase]int, len(s.Steps))
	for p, n := range s.Steps {
		steps[p] = n
	}
	m.current = s.Current
	m.steps = steps
	m.history = history
	m.total = s.Total
	return nil
}
