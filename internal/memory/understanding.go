package memory

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ChamsBouzaiene/taskloop/internal/tokenizer"
)

// Section is the facts of one category inside an Understanding.
type Section struct {
	Category string `json:"category"`
	Facts    []Fact `json:"facts"`
}

// Understanding is the compacted, token-bounded view of active facts. It is
// the only form in which memory re-enters the prompt.
type Understanding struct {
	Sections []Section `json:"sections"`
	Tokens   int       `json:"tokens"`
	// Omitted counts eligible facts left out by the token bound.
	Omitted int `json:"omitted,omitempty"`
}

// Empty reports whether no fact made it in.
func (u Understanding) Empty() bool { return len(u.Sections) == 0 }

// Len is the number of facts included.
func (u Understanding) Len() int {
	n := 0
	for _, s := range u.Sections {
		n += len(s.Facts)
	}
	return n
}

// String renders the understanding as prompt text.
func (u Understanding) String() string {
	return render(u.Sections)
}

func render(sections []Section) string {
	var b strings.Builder
	for _, s := range sections {
		fmt.Fprintf(&b, "## %s\n", s.Category)
		for _, f := range s.Facts {
			if f.Subject != "" {
				fmt.Fprintf(&b, "- [%.2f] %s: %s\n", f.Confidence, f.Subject, f.Content)
			} else {
				fmt.Fprintf(&b, "- [%.2f] %s\n", f.Confidence, f.Content)
			}
		}
	}
	return b.String()
}

// Compact builds the Understanding from active facts above MinConfidence,
// ordered by category priority, then confidence, then recency.
func (m *WorkingMemory) Compact() Understanding {
	return m.compact(m.eligible(), nil)
}

// CompactFor is Compact with facts relevant to query admitted first, so the
// token bound drops unrelated facts before related ones.
func (m *WorkingMemory) CompactFor(query string) Understanding {
	facts := m.eligible()
	if strings.TrimSpace(query) == "" || len(facts) == 0 {
		return m.compact(facts, nil)
	}
	scores, err := rankFacts(facts, query)
	if err != nil {
		return m.compact(facts, nil)
	}
	return m.compact(facts, scores)
}

func (m *WorkingMemory) eligible() []Fact {
	var out []Fact
	for _, f := range m.facts.Active() {
		if f.Confidence >= m.cfg.MinConfidence {
			out = append(out, f)
		}
	}
	return out
}

// compact admits facts in priority order while the rendered text stays
// within CompactTokens. scores, when set, moves matching facts to the front
// of the admission order; the rendered grouping is unaffected.
func (m *WorkingMemory) compact(facts []Fact, scores map[int]float64) Understanding {
	order := make([]Fact, len(facts))
	copy(order, facts)
	sort.SliceStable(order, func(i, j int) bool {
		a, b := order[i], order[j]
		sa, sb := scores[a.Index], scores[b.Index]
		if sa != sb {
			return sa > sb
		}
		pa, pb := CategoryPriority(a.Category), CategoryPriority(b.Category)
		if pa != pb {
			return pa > pb
		}
		if a.Category != b.Category {
			return a.Category < b.Category
		}
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		return a.Index > b.Index
	})

	admitted := make([]Fact, 0, len(order))
	omitted := 0
	for _, f := range order {
		trial := append(admitted[:len(admitted):len(admitted)], f)
		if tokenizer.Estimate(render(group(trial))) > m.cfg.CompactTokens {
			omitted++
			continue
		}
		admitted = trial
	}

	sections := group(admitted)
	u := Understanding{Sections: sections, Omitted: omitted}
	u.Tokens = tokenizer.Estimate(u.String())
	return u
}

// group buckets facts by category in priority order, best facts first.
func group(facts []Fact) []Section {
	byCat := make(map[string][]Fact)
	var cats []string
	for _, f := range facts {
		if _, ok := byCat[f.Category]; !ok {
			cats = append(cats, f.Category)
		}
		byCat[f.Category] = append(byCat[f.Category], f)
	}
	sort.SliceStable(cats, func(i, j int) bool {
		pi, pj := CategoryPriority(cats[i]), CategoryPriority(cats[j])
		if pi != pj {
			return pi > pj
		}
		return cats[i] < cats[j]
	})
	sections := make([]Section, 0, len(cats))
	for _, c := range cats {
		fs := byCat[c]
		sortFacts(fs)
		sections = append(sections, Section{Category: c, Facts: fs})
	}
	return sections
}
