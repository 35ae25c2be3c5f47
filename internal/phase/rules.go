package phase

import (
	"github.com/ChamsBouzaiene/taskloop/internal/task"
)

// Guards used by the default table. Each is a pure function of a Snapshot.

func hasLead(s Snapshot) bool {
	return s.Has(task.CategoryLocation) || s.Has(task.CategoryViolation)
}

func hasDiagnosis(s Snapshot) bool {
	return (s.Has(task.CategoryViolation) || s.Has(task.CategoryRootCause)) && s.Has(task.CategoryLocation)
}

func hasPlan(s Snapshot) bool { return s.Has(task.CategoryPlan) }

func modifiedInPhase(s Snapshot) bool { return s.PhaseModifications > 0 }

func verificationPassed(s Snapshot) bool { return s.PhaseVerification == task.VerificationPassed }

func verificationFailed(s Snapshot) bool { return s.PhaseVerification == task.VerificationFailed }

func completionRequested(s Snapshot) bool { return s.CompletionRequested }

func escalationRequested(s Snapshot) bool { return s.EscalationRequested }

// GuardByName resolves a default guard from its serialized name.
func GuardByName(name string) (Guard, bool) {
	g, ok := namedGuards[name]
	return g, ok
}

var namedGuards = map[string]Guard{
	"has_lead":             hasLead,
	"has_diagnosis":        hasDiagnosis,
	"has_plan":             hasPlan,
	"modified_in_phase":    modifiedInPhase,
	"verification_passed":  verificationPassed,
	"verification_failed":  verificationFailed,
	"completion_requested": completionRequested,
	"escalation_requested": escalationRequested,
}

func rule(from, to Phase, guard string) Rule {
	return Rule{From: from, To: to, GuardName: guard, Guard: namedGuards[guard]}
}

// DefaultRules returns the standard transition table. Order matters:
// auto-transition fires the first satisfied rule.
func DefaultRules() []Rule {
	rules := []Rule{
		rule(Explore, Implement, "has_plan"),
		rule(Explore, Diagnose, "has_lead"),
		rule(Diagnose, Implement, "has_plan"),
		rule(Diagnose, Plan, "has_diagnosis"),
		rule(Plan, Implement, "has_plan"),
		rule(Implement, Verify, "modified_in_phase"),
		rule(Verify, Complete, "verification_passed"),
		{From: Verify, To: Implement, GuardName: "verification_failed", Guard: verificationFailed, Reset: true},
	}
	for _, p := range []Phase{Explore, Diagnose, Plan, Implement, Verify} {
		rules = append(rules,
			rule(p, Complete, "completion_requested"),
			rule(p, Escalate, "escalation_requested"),
		)
	}
	return rules
}

var (
	readActions   = []task.ActionKind{task.ActionReadFile, task.ActionListFiles, task.ActionSearch}
	modifyActions = []task.ActionKind{task.ActionWriteFile, task.ActionReplaceText}
)

func kinds(groups ...[]task.ActionKind) []task.ActionKind {
	var out []task.ActionKind
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

// DefaultConfigs returns per-phase descriptions and allowed actions.
func DefaultConfigs() map[Phase]Config {
	return map[Phase]Config{
		Explore: {
			Description:    "Find the files and symbols involved. Read before you act.",
			AllowedActions: kinds(readActions),
		},
		Diagnose: {
			Description:    "Establish the root cause. Run commands or tests to reproduce the problem.",
			AllowedActions: kinds(readActions, []task.ActionKind{task.ActionRunCommand, task.ActionRunTests}),
		},
		Plan: {
			Description:    "Decide the minimal change. Record it with a note in category \"plan\".",
			AllowedActions: kinds(readActions, []task.ActionKind{task.ActionRunCommand}),
		},
		Implement: {
			Description:    "Make the planned change.",
			AllowedActions: kinds(readActions, modifyActions, []task.ActionKind{task.ActionRunCommand, task.ActionRunTests}),
		},
		Verify: {
			Description:    "Run the tests or linter and confirm the problem is gone.",
			AllowedActions: kinds(readActions, modifyActions, []task.ActionKind{task.ActionRunCommand, task.ActionRunTests}),
		},
		Complete: {Description: "The task is done."},
		Escalate: {Description: "The task needs a human."},
	}
}
