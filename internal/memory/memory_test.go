package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/ChamsBouzaiene/taskloop/internal/task"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newMemory(capacity int) (*WorkingMemory, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	cfg := DefaultConfig()
	cfg.Capacity = capacity
	return New(cfg, WithClock(clock.now)), clock
}

func TestSupersedeBySubject(t *testing.T) {
	m, _ := newMemory(10)

	first, err := m.AddSubjectFact(task.CategoryViolation, "golint", "12 violations", 0.9, 1)
	if err != nil {
		t.Fatalf("AddSubjectFact() error = %v", err)
	}
	if _, err := m.AddSubjectFact(task.CategoryViolation, "vet", "2 violations", 0.9, 2); err != nil {
		t.Fatalf("AddSubjectFact() error = %v", err)
	}
	second, err := m.AddSubjectFact(task.CategoryViolation, "golint", "4 violations", 0.9, 3)
	if err != nil {
		t.Fatalf("AddSubjectFact() error = %v", err)
	}

	active := m.GetByCategory(task.CategoryViolation)
	if len(active) != 2 {
		t.Fatalf("GetByCategory() = %d facts, want 2", len(active))
	}
	history := m.Facts().History(task.CategoryViolation)
	if len(history) != 3 {
		t.Fatalf("History() = %d facts, want 3", len(history))
	}
	old := history[first.Index]
	if old.Active || old.SupersededBy != second.Index {
		t.Errorf("superseded fact = %+v, want inactive and superseded by %d", old, second.Index)
	}
}

func TestLearnIgnoresRepeatedContent(t *testing.T) {
	m, _ := newMemory(10)
	_, added, err := m.Learn(task.CategoryFile, "main.go", "package main, 40 lines", 0.6, 1)
	if err != nil || !added {
		t.Fatalf("Learn() = %v, %v, want added", added, err)
	}
	f, added, err := m.Learn(task.CategoryFile, "main.go", "package main, 40 lines", 0.8, 2)
	if err != nil || added {
		t.Fatalf("Learn() repeated = %v, %v, want not added", added, err)
	}
	if f.Confidence != 0.8 {
		t.Errorf("Learn() confidence = %v, want raised to 0.8", f.Confidence)
	}
	if n := m.Facts().Len(); n != 1 {
		t.Errorf("Facts().Len() = %d, want 1", n)
	}
}

func TestConfidenceRounding(t *testing.T) {
	tests := []struct {
		in, want float64
	}{
		{0.876, 0.88},
		{0.123, 0.12},
		{-1, 0},
		{1.7, 1},
	}
	for _, tt := range tests {
		if got := RoundConfidence(tt.in); got != tt.want {
			t.Errorf("RoundConfidence(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestAddFactRejectsEmpty(t *testing.T) {
	m, _ := newMemory(10)
	if _, err := m.AddFact("", "x", 0.5, 0); !errors.Is(err, ErrInvalidFact) {
		t.Errorf("AddFact() error = %v, want ErrInvalidFact", err)
	}
	if _, err := m.AddFact(task.CategoryNote, "  ", 0.5, 0); !errors.Is(err, ErrInvalidFact) {
		t.Errorf("AddFact() error = %v, want ErrInvalidFact", err)
	}
}

func TestEvictionKeepsPinnedAndCapacity(t *testing.T) {
	const capacity = 5
	m, _ := newMemory(capacity)

	pinned, err := m.Add(Item{Kind: KindResult, Content: "first result", Confidence: 0.1})
	if err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if err := m.Pin(pinned.ID); err != nil {
		t.Fatalf("Pin() error = %v", err)
	}

	for i := 0; i < 40; i++ {
		if _, err := m.Add(Item{
			Kind:       KindResult,
			Content:    fmt.Sprintf("result %d", i),
			Confidence: float64(i%10) / 10,
			Category:   []string{task.CategoryFile, task.CategoryPlan, "misc"}[i%3],
		}); err != nil {
			t.Fatalf("Add() error = %v", err)
		}
		if m.Len() > capacity {
			t.Fatalf("Len() = %d after insert %d, want <= %d", m.Len(), i, capacity)
		}
		if _, ok := m.Get(pinned.ID); !ok {
			t.Fatalf("pinned item evicted after insert %d", i)
		}
	}
}

func TestEvictionPrefersLowScore(t *testing.T) {
	m, _ := newMemory(3)
	low, _ := m.Add(Item{Kind: KindResult, Content: "noise", Confidence: 0.05})
	high, _ := m.Add(Item{Kind: KindFact, Category: task.CategoryRootCause, Content: "nil map write", Confidence: 0.95})
	m.Add(Item{Kind: KindResult, Content: "b", Confidence: 0.5})
	m.Add(Item{Kind: KindResult, Content: "c", Confidence: 0.5})

	if _, ok := m.Get(low.ID); ok {
		t.Errorf("low-score item survived eviction")
	}
	if _, ok := m.Get(high.ID); !ok {
		t.Errorf("high-score item was evicted")
	}
}

func TestPinRefusedAtCapacity(t *testing.T) {
	m, _ := newMemory(3)
	a, _ := m.Add(Item{Kind: KindResult, Content: "a"})
	b, _ := m.Add(Item{Kind: KindResult, Content: "b"})
	c, _ := m.Add(Item{Kind: KindResult, Content: "c"})
	if err := m.Pin(a.ID); err != nil {
		t.Fatalf("Pin() error = %v", err)
	}
	if err := m.Pin(b.ID); err != nil {
		t.Fatalf("Pin() error = %v", err)
	}
	if err := m.Pin(c.ID); !errors.Is(err, ErrPinnedCapacity) {
		t.Errorf("Pin() error = %v, want ErrPinnedCapacity", err)
	}
	if err := m.Pin("missing"); !errors.Is(err, ErrItemNotFound) {
		t.Errorf("Pin() error = %v, want ErrItemNotFound", err)
	}
	if err := m.Unpin(a.ID); err != nil {
		t.Fatalf("Unpin() error = %v", err)
	}
	if err := m.Pin(c.ID); err != nil {
		t.Errorf("Pin() after Unpin error = %v", err)
	}
}

func TestContextItemsExpire(t *testing.T) {
	m, clock := newMemory(10)
	if _, err := m.AddContext(task.CategoryFile, "package main", 0.5); err != nil {
		t.Fatalf("AddContext() error = %v", err)
	}
	if n := len(m.ItemsOfKind(KindContext)); n != 1 {
		t.Fatalf("ItemsOfKind() = %d, want 1", n)
	}
	clock.t = clock.t.Add(DefaultConfig().ContextTTL)
	if n := len(m.ItemsOfKind(KindContext)); n != 0 {
		t.Errorf("ItemsOfKind() = %d after TTL, want 0", n)
	}
}

func TestClearKeepsFacts(t *testing.T) {
	m, _ := newMemory(10)
	m.AddFact(task.CategoryPlan, "rename helper", 0.9, 1)
	it, _ := m.Add(Item{Kind: KindResult, Content: "x"})
	m.Pin(it.ID)

	m.Clear()
	if m.Len() != 0 {
		t.Errorf("Len() = %d after Clear, want 0", m.Len())
	}
	if n := len(m.GetActive()); n != 1 {
		t.Errorf("GetActive() = %d facts after Clear, want 1", n)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	m, clock := newMemory(8)
	m.AddSubjectFact(task.CategoryLocation, "a.go:10", "func Parse", 0.8, 1)
	m.AddSubjectFact(task.CategoryLocation, "a.go:10", "func ParseAll", 0.8, 2)
	m.AddFact(task.CategoryPlan, "fix ParseAll", 0.9, 3)
	m.AddContext(task.CategoryFile, "package a", 0.5)

	data, err := json.Marshal(m.Snapshot())
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	restored := New(m.Config(), WithClock(clock.now))
	if err := restored.Restore(snap); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if !reflect.DeepEqual(restored.GetActive(), m.GetActive()) {
		t.Errorf("GetActive() = %+v, want %+v", restored.GetActive(), m.GetActive())
	}
	if restored.Len() != m.Len() {
		t.Errorf("Len() = %d, want %d", restored.Len(), m.Len())
	}

	bad := m.Snapshot()
	bad.Facts[0].SupersededBy = 0
	if err := New(m.Config()).Restore(bad); err == nil {
		t.Errorf("Restore() error = nil for broken supersede link")
	}
}

func TestCompactOrderingAndBound(t *testing.T) {
	m, _ := newMemory(50)
	m.AddFact(task.CategoryFile, "main.go has 40 lines", 0.6, 1)
	m.AddSubjectFact(task.CategoryRootCause, "", "map written before make", 0.9, 2)
	m.AddSubjectFact(task.CategoryLocation, "a.go:3", "low confidence hit", 0.1, 3)
	m.AddSubjectFact(task.CategoryLocation, "a.go:9", "strong hit", 0.8, 4)

	u := m.Compact()
	if u.Empty() {
		t.Fatalf("Compact() is empty")
	}
	if got := u.Sections[0].Category; got != task.CategoryRootCause {
		t.Errorf("first section = %s, want %s", got, task.CategoryRootCause)
	}
	if strings.Contains(u.String(), "low confidence hit") {
		t.Errorf("Compact() included a fact below MinConfidence")
	}

	for i := 0; i < 200; i++ {
		m.AddSubjectFact(task.CategoryLocation, fmt.Sprintf("f%d.go:1", i), strings.Repeat("detail ", 10), 0.7, 10+i)
	}
	u = m.Compact()
	if u.Tokens > m.Config().CompactTokens {
		t.Errorf("Compact() tokens = %d, want <= %d", u.Tokens, m.Config().CompactTokens)
	}
	if u.Omitted == 0 {
		t.Errorf("Compact() omitted = 0, want facts dropped by the bound")
	}
}

func TestCompactForPrefersRelevantFacts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CompactTokens = 40
	m := New(cfg)
	for i := 0; i < 20; i++ {
		m.AddSubjectFact(task.CategoryRootCause, fmt.Sprintf("r%d", i), fmt.Sprintf("unrelated cause number %d in scheduler", i), 0.9, i)
	}
	m.AddSubjectFact(task.CategoryFile, "tokenizer.go", "tokenizer overflows on unicode input", 0.5, 50)

	if strings.Contains(m.Compact().String(), "tokenizer overflows") {
		t.Fatalf("Compact() already includes the low-priority fact; bound too loose for this test")
	}
	if got := m.CompactFor("unicode tokenizer").String(); !strings.Contains(got, "tokenizer overflows") {
		t.Errorf("CompactFor() = %q, want the query-relevant fact", got)
	}
}

func TestRecall(t *testing.T) {
	m := New(DefaultConfig())
	m.AddSubjectFact(task.CategoryLocation, "parser.go:40", "Parse drops trailing commas", 0.8, 1)
	m.AddSubjectFact(task.CategoryRootCause, "lexer", "lexer treats commas as whitespace", 0.9, 2)
	m.AddSubjectFact(task.CategoryPlan, "", "rewrite the scheduler loop", 0.9, 3)

	got, err := m.Recall("commas", 0)
	if err != nil {
		t.Fatalf("Recall() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("Recall() = %+v, want the two comma facts", got)
	}
	for _, f := range got {
		if !strings.Contains(f.Content, "commas") {
			t.Errorf("Recall() returned unrelated fact %q", f.Content)
		}
	}

	if got, _ := m.Recall("commas", 1); len(got) != 1 {
		t.Errorf("Recall(limit 1) returned %d facts", len(got))
	}
	if got, _ := m.Recall("  ", 0); got != nil {
		t.Errorf("Recall(blank) = %+v, want nil", got)
	}
}
