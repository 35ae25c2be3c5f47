package memory

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"
)

// ErrInvalidFact is returned for facts without a category or content.
var ErrInvalidFact = errors.New("invalid fact")

// Fact is one piece of extracted knowledge. Facts live in a FactStore arena
// and are addressed by Index, which never changes.
type Fact struct {
	Index        int       `json:"index"`
	Category     string    `json:"category"`
	Subject      string    `json:"subject,omitempty"`
	Content      string    `json:"content"`
	Confidence   float64   `json:"confidence"`
	Source       int       `json:"source"`
	Active       bool      `json:"active"`
	SupersededBy int       `json:"superseded_by"`
	CreatedAt    time.Time `json:"created_at"`
}

// NotSuperseded is the SupersededBy value of a fact nothing replaced.
const NotSuperseded = -1

type factKey struct {
	category string
	subject  string
}

// FactStore is an append-only arena of facts. A newer fact with the same
// category and subject deactivates the older one; nothing is deleted.
type FactStore struct {
	facts  []Fact
	active map[factKey]int
	now    func() time.Time
}

// NewFactStore returns an empty store.
func NewFactStore() *FactStore {
	return &FactStore{active: make(map[factKey]int), now: time.Now}
}

// RoundConfidence clamps c to [0, 1] and rounds it to two decimals.
func RoundConfidence(c float64) float64 {
	if math.IsNaN(c) || c < 0 {
		return 0
	}
	if c > 1 {
		return 1
	}
	return math.Round(c*100) / 100
}

// Add stores f and reports whether it is new knowledge. A fact whose content
// equals the active fact for the same category and subject is not new; the
// existing fact is returned and only its confidence may rise.
func (s *FactStore) Add(f Fact) (Fact, bool, error) {
	f.Category = strings.TrimSpace(f.Category)
	f.Subject = strings.TrimSpace(f.Subject)
	f.Content = strings.TrimSpace(f.Content)
	if f.Category == "" {
		return Fact{}, false, fmt.Errorf("%w: empty category", ErrInvalidFact)
	}
	if f.Content == "" {
		return Fact{}, false, fmt.Errorf("%w: empty content", ErrInvalidFact)
	}
	f.Confidence = RoundConfidence(f.Confidence)

	key := factKey{f.Category, f.Subject}
	prev, hasPrev := s.active[key]
	if hasPrev && s.facts[prev].Content == f.Content {
		if f.Confidence > s.facts[prev].Confidence {
			s.facts[prev].Confidence = f.Confidence
		}
		return s.facts[prev], false, nil
	}

	f.Index = len(s.facts)
	f.Active = true
	f.SupersededBy = NotSuperseded
	if f.CreatedAt.IsZero() {
		f.CreatedAt = s.now()
	}
	s.facts = append(s.facts, f)
	if hasPrev {
		s.facts[prev].Active = false
		s.facts[prev].SupersededBy = f.Index
	}
	s.active[key] = f.Index
	return f, true, nil
}

// Get returns the fact at index i.
func (s *FactStore) Get(i int) (Fact, bool) {
	if i < 0 || i >= len(s.facts) {
		return Fact{}, false
	}
	return s.facts[i], true
}

// Len is the number of facts ever stored.
func (s *FactStore) Len() int { return len(s.facts) }

// All returns every fact in index order, active or not.
func (s *FactStore) All() []Fact {
	out := make([]Fact, len(s.facts))
	copy(out, s.facts)
	return out
}

// Active returns the active facts in index order.
func (s *FactStore) Active() []Fact {
	out := make([]Fact, 0, len(s.active))
	for _, f := range s.facts {
		if f.Active {
			out = append(out, f)
		}
	}
	return out
}

// ByCategory returns the active facts of category, highest confidence
// first, newest first among equals.
func (s *FactStore) ByCategory(category string) []Fact {
	var out []Fact
	for _, f := range s.facts {
		if f.Active && f.Category == category {
			out = append(out, f)
		}
	}
	sortFacts(out)
	return out
}

// History returns the full supersede chain of category in index order,
// including inactive facts.
func (s *FactStore) History(category string) []Fact {
	var out []Fact
	for _, f := range s.facts {
		if f.Category == category {
			out = append(out, f)
		}
	}
	return out
}

// Counts returns the number of active facts per category.
func (s *FactStore) Counts() map[string]int {
	counts := make(map[string]int)
	for _, f := range s.facts {
		if f.Active {
			counts[f.Category]++
		}
	}
	return counts
}

// restore replaces the arena with facts after checking its links.
func (s *FactStore) restore(facts []Fact) error {
	active := make(map[factKey]int)
	for i, f := range facts {
		if f.Index != i {
			return fmt.Errorf("fact %d has index %d", i, f.Index)
		}
		if f.Active {
			if f.SupersededBy != NotSuperseded {
				return fmt.Errorf("active fact %d is superseded by %d", i, f.SupersededBy)
			}
			key := factKey{f.Category, f.Subject}
			if other, dup := active[key]; dup {
				return fmt.Errorf("facts %d and %d are both active for %s/%s", other, i, f.Category, f.Subject)
			}
			active[key] = i
			continue
		}
		if f.SupersededBy <= i || f.SupersededBy >= len(facts) {
			return fmt.Errorf("inactive fact %d has invalid successor %d", i, f.SupersededBy)
		}
	}
	s.facts = append([]Fact(nil), facts...)
	s.active = active
	return nil
}

func sortFacts(fs []Fact) {
	sort.SliceStable(fs, func(i, j int) bool {
		if fs[i].Confidence != fs[j].Confidence {
			return fs[i].Confidence > fs[j].Confidence
		}
		return fs[i].Index > fs[j].Index
	})
}
