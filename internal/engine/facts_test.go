package engine

import (
	"strings"
	"testing"

	"github.com/ChamsBouzaiene/taskloop/internal/task"
)

func TestExtractFacts(t *testing.T) {
	tests := []struct {
		name    string
		action  Action
		result  string
		success bool
		want    []ExtractedFact
	}{
		{
			name:    "read file with header",
			action:  Action{Kind: task.ActionReadFile, Params: map[string]string{"path": "a.go"}},
			result:  "a.go (2 lines)\npackage a\n",
			success: true,
			want:    []ExtractedFact{{Category: task.CategoryFile, Subject: "a.go", Content: "a.go (2 lines)", Confidence: 0.7}},
		},
		{
			name:    "read file without header",
			action:  Action{Kind: task.ActionReadFile, Params: map[string]string{"path": "a.go"}},
			result:  "package a\nfunc A() {}\n",
			success: true,
			want:    []ExtractedFact{{Category: task.CategoryFile, Subject: "a.go", Content: "a.go read (2 lines)", Confidence: 0.7}},
		},
		{
			name:    "search hits",
			action:  Action{Kind: task.ActionSearch},
			result:  "a.go:3: func Parse() {\nnot a hit\nb/c.go:10:Parse(nil)\n",
			success: true,
			want: []ExtractedFact{
				{Category: task.CategoryLocation, Subject: "a.go:3", Content: "func Parse() {", Confidence: 0.6},
				{Category: task.CategoryLocation, Subject: "b/c.go:10", Content: "Parse(nil)", Confidence: 0.6},
			},
		},
		{
			name:    "failing tests",
			action:  Action{Kind: task.ActionRunTests},
			result:  "=== RUN TestA\n--- FAIL: TestA (0.00s)\nFAIL\n",
			success: true,
			want:    []ExtractedFact{{Category: task.CategoryTestStatus, Subject: "tests", Content: "tests failing: --- FAIL: TestA (0.00s)", Confidence: 0.9}},
		},
		{
			name:    "note with category",
			action:  Action{Kind: task.ActionNote, Params: map[string]string{"content": "use a mutex", "category": "Plan", "confidence": "0.95"}},
			result:  "noted: use a mutex",
			success: true,
			want:    []ExtractedFact{{Category: task.CategoryPlan, Content: "use a mutex", Confidence: 0.95}},
		},
		{
			name:    "measured count",
			action:  Action{Kind: task.ActionRunCommand},
			result:  "lint done\n4 violations remaining",
			success: true,
			want:    []ExtractedFact{{Category: task.CategoryViolation, Content: "4 violations remaining", Confidence: 0.9}},
		},
		{
			name:    "failure",
			action:  Action{Kind: task.ActionReadFile, Params: map[string]string{"path": "missing.go"}},
			result:  "error: open missing.go: no such file or directory",
			success: false,
			want: []ExtractedFact{{
				Category:   task.CategoryError,
				Subject:    "read_file",
				Content:    "error: open missing.go: no such file or directory (not_found)",
				Confidence: 0.6,
			}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ExtractFacts(tt.action, tt.result, tt.success, 5)
			if len(got) != len(tt.want) {
				t.Fatalf("ExtractFacts() = %+v, want %+v", got, tt.want)
			}
			for i := range tt.want {
				if got[i] != tt.want[i] {
					t.Errorf("ExtractFacts()[%d] = %+v, want %+v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestExtractFactsCapsSearchHits(t *testing.T) {
	var b strings.Builder
	for i := 1; i <= 10; i++ {
		b.WriteString("a.go:")
		b.WriteString(strings.Repeat("1", i))
		b.WriteString(": x\n")
	}
	got := ExtractFacts(Action{Kind: task.ActionSearch}, b.String(), true, 3)
	if len(got) != 3 {
		t.Errorf("ExtractFacts() returned %d facts, want 3", len(got))
	}
}

func TestVerification(t *testing.T) {
	tests := []struct {
		name   string
		kind   task.ActionKind
		result string
		want   task.Verification
	}{
		{"go test pass", task.ActionRunTests, "ok  \texample.com/a\t0.01s", task.VerificationPassed},
		{"go test fail", task.ActionRunTests, "--- FAIL: TestA\nFAIL\texample.com/a", task.VerificationFailed},
		{"pass marker", task.ActionRunTests, "PASS\n", task.VerificationPassed},
		{"lint clean", task.ActionRunCommand, "0 violations remaining", task.VerificationPassed},
		{"lint dirty", task.ActionRunCommand, "3 issues remaining", task.VerificationFailed},
		{"plain command", task.ActionRunCommand, "built", task.VerificationUnknown},
		{"read is never verification", task.ActionReadFile, "PASS", task.VerificationUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Verification(Action{Kind: tt.kind}, tt.result); got != tt.want {
				t.Errorf("Verification() = %s, want %s", got, tt.want)
			}
		})
	}
}
