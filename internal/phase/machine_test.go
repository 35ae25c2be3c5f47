package phase

import (
	"encoding/json"
	"reflect"
	"testing"

	"github.com/ChamsBouzaiene/taskloop/internal/task"
)

func snap(categories ...string) Snapshot {
	s := Snapshot{FactCounts: map[string]int{}}
	for _, c := range categories {
		s.FactCounts[c]++
	}
	return s
}

func TestTransitionRequiresRuleAndGuard(t *testing.T) {
	tests := []struct {
		name string
		to   Phase
		snap Snapshot
		want bool
	}{
		{"guard satisfied", Diagnose, snap(task.CategoryLocation), true},
		{"guard unsatisfied", Diagnose, snap(), false},
		{"no rule", Verify, snap(task.CategoryLocation, task.CategoryPlan), false},
		{"self transition", Explore, snap(task.CategoryLocation), false},
		{"unknown phase", Phase("celebrate"), snap(task.CategoryLocation), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewDefault()
			if got := m.CanTransition(tt.to, tt.snap); got != tt.want {
				t.Errorf("CanTransition(%s) = %v, want %v", tt.to, got, tt.want)
			}
			got := m.Transition(tt.to, tt.snap)
			if got != tt.want {
				t.Errorf("Transition(%s) = %v, want %v", tt.to, got, tt.want)
			}
			wantPhase := Explore
			if tt.want {
				wantPhase = tt.to
			}
			if m.Current() != wantPhase {
				t.Errorf("Current() = %s, want %s", m.Current(), wantPhase)
			}
		})
	}
}

func TestShouldAutoTransitionFirstSatisfiedRule(t *testing.T) {
	m := NewDefault()

	if _, ok := m.ShouldAutoTransition(snap()); ok {
		t.Fatalf("ShouldAutoTransition() fired with no evidence")
	}

	// explore->implement is registered ahead of explore->diagnose.
	got, ok := m.ShouldAutoTransition(snap(task.CategoryLocation, task.CategoryPlan))
	if !ok || got != Implement {
		t.Errorf("ShouldAutoTransition() = %s, %v, want %s, true", got, ok, Implement)
	}

	got, ok = m.ShouldAutoTransition(snap(task.CategoryLocation))
	if !ok || got != Diagnose {
		t.Errorf("ShouldAutoTransition() = %s, %v, want %s, true", got, ok, Diagnose)
	}
}

func TestRequestRulesDoNotFireWithoutRequest(t *testing.T) {
	m := NewDefault()
	for _, p := range m.AvailableTransitions(snap()) {
		if p == Complete || p == Escalate {
			t.Errorf("AvailableTransitions() includes %s without a request", p)
		}
	}
	s := snap()
	s.EscalationRequested = true
	if !m.Transition(Escalate, s) {
		t.Fatalf("Transition(escalate) = false with escalation requested")
	}
	if !m.Current().Terminal() {
		t.Errorf("Current() = %s, want terminal", m.Current())
	}
	if got := m.AvailableTransitions(s); len(got) != 0 {
		t.Errorf("AvailableTransitions() from terminal = %v, want none", got)
	}
}

func TestFullProgression(t *testing.T) {
	m := NewDefault()
	s := snap(task.CategoryLocation)

	steps := []struct {
		info StepInfo
		snap func() Snapshot
		want Phase
	}{
		{snap: func() Snapshot { return s }, want: Diagnose},
		{snap: func() Snapshot { return snap(task.CategoryLocation, task.CategoryViolation) }, want: Plan},
		{snap: func() Snapshot { return snap(task.CategoryLocation, task.CategoryPlan) }, want: Implement},
	}
	for _, st := range steps {
		m.RecordStep(st.info)
		if _, ok := m.Advance(st.snap()); !ok {
			t.Fatalf("Advance() from %s did not fire", m.Current())
		}
		if m.Current() != st.want {
			t.Fatalf("Current() = %s, want %s", m.Current(), st.want)
		}
	}

	m.RecordStep(StepInfo{Modified: true})
	vs := snap()
	vs.PhaseModifications = m.Visit().Modifications
	if r, ok := m.Advance(vs); !ok || r.To != Verify {
		t.Fatalf("Advance() = %v, %v, want verify", r.To, ok)
	}

	m.RecordStep(StepInfo{Verification: task.VerificationFailed})
	fs := snap()
	fs.PhaseVerification = m.Visit().Verification
	r, ok := m.Advance(fs)
	if !ok || r.To != Implement || !r.Reset {
		t.Fatalf("Advance() = %+v, %v, want reset transition to implement", r, ok)
	}
	// Fresh visit: previous modifications must not count.
	if m.Visit().Modifications != 0 {
		t.Errorf("Visit().Modifications = %d, want 0", m.Visit().Modifications)
	}
}

func TestAllows(t *testing.T) {
	m := NewDefault()
	tests := []struct {
		kind task.ActionKind
		want bool
	}{
		{task.ActionReadFile, true},
		{task.ActionWriteFile, false},
		{task.ActionNote, true},
		{task.ActionEscalate, true},
		{task.ActionRunTests, false},
	}
	for _, tt := range tests {
		if got := m.Allows(tt.kind); got != tt.want {
			t.Errorf("Allows(%s) in explore = %v, want %v", tt.kind, got, tt.want)
		}
	}
}

func TestStateRoundTrip(t *testing.T) {
	m := NewDefault()
	m.RecordStep(StepInfo{})
	m.Transition(Diagnose, snap(task.CategoryLocation))
	m.RecordStep(StepInfo{})
	m.RecordStep(StepInfo{})

	data, err := json.Marshal(m.ToState())
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	restored := NewDefault()
	if err := restored.FromState(st); err != nil {
		t.Fatalf("FromState() error = %v", err)
	}
	if restored.Current() != Diagnose {
		t.Errorf("Current() = %s, want %s", restored.Current(), Diagnose)
	}
	if !reflect.DeepEqual(restored.ToState(), m.ToState()) {
		t.Errorf("ToState() = %+v, want %+v", restored.ToState(), m.ToState())
	}
	if restored.Visit().Steps != 2 {
		t.Errorf("Visit().Steps = %d, want 2", restored.Visit().Steps)
	}
}

func TestFromStateRejectsUnknownPhase(t *testing.T) {
	m := NewDefault()
	if err := m.FromState(State{Current: "celebrate"}); err == nil {
		t.Errorf("FromState() error = nil, want error")
	}
	if m.Current() != Explore {
		t.Errorf("Current() = %s after failed restore, want %s", m.Current(), Explore)
	}
}
