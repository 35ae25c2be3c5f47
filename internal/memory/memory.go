// Package memory holds what a task has learned so far: an arena of facts
// with supersede chains, and a bounded working memory of items that is
// evicted by score when it outgrows its capacity. Compact renders the
// active facts into a token-bounded Understanding for the prompt.
package memory

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ChamsBouzaiene/taskloop/internal/task"
)

var (
	ErrItemNotFound   = errors.New("memory item not found")
	ErrPinnedCapacity = errors.New("pinning would fill memory capacity")
	ErrInvalidItem    = errors.New("invalid memory item")
)

// ItemKind distinguishes what a working-memory item holds.
type ItemKind string

const (
	KindFact    ItemKind = "fact"
	KindContext ItemKind = "context"
	KindResult  ItemKind = "action_result"
)

// Item is one entry of working memory.
type Item struct {
	ID         string     `json:"id"`
	Kind       ItemKind   `json:"kind"`
	Content    string     `json:"content"`
	Category   string     `json:"category,omitempty"`
	Confidence float64    `json:"confidence"`
	Pinned     bool       `json:"pinned,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
	FactIndex  *int       `json:"fact_index,omitempty"`
	// Rank is the insertion order, used as recency when scoring.
	Rank int `json:"rank"`
}

func (it Item) expired(now time.Time) bool {
	return it.ExpiresAt != nil && !now.Before(*it.ExpiresAt)
}

// Config bounds working memory and weighs eviction.
type Config struct {
	Capacity         int           `yaml:"capacity"`
	MinConfidence    float64       `yaml:"min_confidence"`
	CompactTokens    int           `yaml:"compact_tokens"`
	ContextTTL       time.Duration `yaml:"context_ttl"`
	WeightConfidence float64       `yaml:"weight_confidence"`
	WeightRecency    float64       `yaml:"weight_recency"`
	WeightCategory   float64       `yaml:"weight_category"`
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		Capacity:         40,
		MinConfidence:    0.3,
		CompactTokens:    1200,
		ContextTTL:       10 * time.Minute,
		WeightConfidence: 0.4,
		WeightRecency:    0.4,
		WeightCategory:   0.2,
	}
}

// Validate checks the settings are usable.
func (c Config) Validate() error {
	switch {
	case c.Capacity < 2:
		return fmt.Errorf("capacity must be at least 2, got %d", c.Capacity)
	case c.MinConfidence < 0 || c.MinConfidence > 1:
		return fmt.Errorf("min_confidence must be in [0, 1], got %v", c.MinConfidence)
	case c.CompactTokens <= 0:
		return fmt.Errorf("compact_tokens must be positive, got %d", c.CompactTokens)
	case c.ContextTTL < 0:
		return fmt.Errorf("context_ttl must not be negative, got %s", c.ContextTTL)
	case c.WeightConfidence < 0 || c.WeightRecency < 0 || c.WeightCategory < 0:
		return fmt.Errorf("eviction weights must not be negative")
	}
	return nil
}

// categoryPriority orders categories in eviction and compaction. Unknown
// categories rank lowest.
var categoryPriority = map[string]float64{
	task.CategoryRootCause:  1.0,
	task.CategoryPlan:       0.95,
	task.CategoryViolation:  0.9,
	task.CategoryLocation:   0.8,
	task.CategoryTestStatus: 0.75,
	task.CategoryError:      0.7,
	task.CategoryFile:       0.6,
	task.CategoryNote:       0.55,
}

// CategoryPriority returns the priority of category in [0, 1].
func CategoryPriority(category string) float64 {
	if p, ok := categoryPriority[category]; ok {
		return p
	}
	return 0.3
}

// Option configures a WorkingMemory.
type Option func(*WorkingMemory)

// WithClock overrides time.Now, for expiry in tests.
func WithClock(now func() time.Time) Option {
	return func(m *WorkingMemory) {
		m.now = now
		m.facts.now = now
	}
}

// WorkingMemory is the bounded, prioritized memory of one task. It is not
// safe for concurrent use.
type WorkingMemory struct {
	cfg      Config
	facts    *FactStore
	items    []Item
	nextRank int
	now      func() time.Time
}

// New creates an empty working memory. Zero settings fall back to defaults.
func New(cfg Config, opts ...Option) *WorkingMemory {
	def := DefaultConfig()
	if cfg.Capacity == 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.CompactTokens == 0 {
		cfg.CompactTokens = def.CompactTokens
	}
	if cfg.WeightConfidence == 0 && cfg.WeightRecency == 0 && cfg.WeightCategory == 0 {
		cfg.WeightConfidence = def.WeightConfidence
		cfg.WeightRecency = def.WeightRecency
		cfg.WeightCategory = def.WeightCategory
	}
	m := &WorkingMemory{
		cfg:   cfg,
		facts: NewFactStore(),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Config returns the effective settings.
func (m *WorkingMemory) Config() Config { return m.cfg }

// Facts exposes the fact arena.
func (m *WorkingMemory) Facts() *FactStore { return m.facts }

// Add inserts item and evicts down to capacity. ID and CreatedAt are filled
// in when empty. The stored item is returned even if eviction removed it
// right away.
func (m *WorkingMemory) Add(item Item) (Item, error) {
	switch item.Kind {
	case KindFact, KindContext, KindResult:
	default:
		return Item{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidItem, item.Kind)
	}
	if strings.TrimSpace(item.Content) == "" {
		return Item{}, fmt.Errorf("%w: empty content", ErrInvalidItem)
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	} else if _, ok := m.find(item.ID); ok {
		return Item{}, fmt.Errorf("%w: duplicate id %s", ErrInvalidItem, item.ID)
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = m.now()
	}
	if item.Pinned && m.pinnedCount()+1 >= m.cfg.Capacity {
		return Item{}, ErrPinnedCapacity
	}
	item.Confidence = RoundConfidence(item.Confidence)
	item.Rank = m.nextRank
	m.nextRank++
	m.items = append(m.items, item)
	m.evict()
	return item, nil
}

// AddContext stores loaded material such as file contents with the
// configured TTL.
func (m *WorkingMemory) AddContext(category, content string, confidence float64) (Item, error) {
	item := Item{Kind: KindContext, Category: category, Content: content, Confidence: confidence}
	if m.cfg.ContextTTL > 0 {
		exp := m.now().Add(m.cfg.ContextTTL)
		item.ExpiresAt = &exp
	}
	return m.Add(item)
}

// AddFact stores a fact without a subject.
func (m *WorkingMemory) AddFact(category, content string, confidence float64, sourceIndex int) (Fact, error) {
	f, _, err := m.Learn(category, "", content, confidence, sourceIndex)
	return f, err
}

// AddSubjectFact stores a fact that supersedes the active fact with the
// same category and subject.
func (m *WorkingMemory) AddSubjectFact(category, subject, content string, confidence float64, sourceIndex int) (Fact, error) {
	f, _, err := m.Learn(category, subject, content, confidence, sourceIndex)
	return f, err
}

// Learn stores a fact and reports whether it was new knowledge. A new fact
// also gets a working-memory item, and the item of the fact it superseded
// is dropped.
func (m *WorkingMemory) Learn(category, subject, content string, confidence float64, sourceIndex int) (Fact, bool, error) {
	f, added, err := m.facts.Add(Fact{
		Category:   category,
		Subject:    subject,
		Content:    content,
		Confidence: confidence,
		Source:     sourceIndex,
	})
	if err != nil || !added {
		return f, added, err
	}
	m.dropInactiveFactItems()
	idx := f.Index
	if _, err := m.Add(Item{
		Kind:       KindFact,
		Category:   f.Category,
		Content:    f.Content,
		Confidence: f.Confidence,
		FactIndex:  &idx,
	}); err != nil {
		return f, true, err
	}
	return f, true, nil
}

// GetActive returns every active fact in index order.
func (m *WorkingMemory) GetActive() []Fact { return m.facts.Active() }

// GetByCategory returns the active facts of category, best first.
func (m *WorkingMemory) GetByCategory(category string) []Fact {
	return m.facts.ByCategory(category)
}

// Items returns the live items in insertion order.
func (m *WorkingMemory) Items() []Item {
	m.dropExpired()
	out := make([]Item, len(m.items))
	copy(out, m.items)
	return out
}

// ItemsOfKind returns the live items of kind in insertion order.
func (m *WorkingMemory) ItemsOfKind(kind ItemKind) []Item {
	var out []Item
	for _, it := range m.Items() {
		if it.Kind == kind {
			out = append(out, it)
		}
	}
	return out
}

// Get returns the item with id.
func (m *WorkingMemory) Get(id string) (Item, bool) {
	i, ok := m.find(id)
	if !ok {
		return Item{}, false
	}
	return m.items[i], true
}

// Len is the number of items held, expired ones included until the next
// eviction.
func (m *WorkingMemory) Len() int { return len(m.items) }

// Pin protects an item from eviction. Pinning is refused when the pinned
// items would reach capacity, since eviction could then no longer make room.
func (m *WorkingMemory) Pin(id string) error {
	i, ok := m.find(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	if m.items[i].Pinned {
		return nil
	}
	if m.pinnedCount()+1 >= m.cfg.Capacity {
		return ErrPinnedCapacity
	}
	m.items[i].Pinned = true
	return nil
}

// Unpin makes an item evictable again.
func (m *WorkingMemory) Unpin(id string) error {
	i, ok := m.find(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	m.items[i].Pinned = false
	m.evict()
	return nil
}

// Remove deletes an item regardless of its pin.
func (m *WorkingMemory) Remove(id string) error {
	i, ok := m.find(id)
	if !ok {
		return fmt.Errorf("%w: %s", ErrItemNotFound, id)
	}
	m.items = append(m.items[:i], m.items[i+1:]...)
	return nil
}

// Clear removes every item, pinned ones included. The fact arena is kept.
func (m *WorkingMemory) Clear() {
	m.items = nil
}

func (m *WorkingMemory) find(id string) (int, bool) {
	for i, it := range m.items {
		if it.ID == id {
			return i, true
		}
	}
	return -1, false
}

func (m *WorkingMemory) pinnedCount() int {
	n := 0
	for _, it := range m.items {
		if it.Pinned {
			n++
		}
	}
	return n
}

func (m *WorkingMemory) dropExpired() {
	now := m.now()
	kept := m.items[:0]
	for _, it := range m.items {
		if !it.Pinned && it.expired(now) {
			continue
		}
		kept = append(kept, it)
	}
	m.items = kept
}

func (m *WorkingMemory) dropInactiveFactItems() {
	kept := m.items[:0]
	for _, it := range m.items {
		if it.FactIndex != nil {
			if f, ok := m.facts.Get(*it.FactIndex); ok && !f.Active && !it.Pinned {
				continue
			}
		}
		kept = append(kept, it)
	}
	m.items = kept
}

// evict drops expired items, then the lowest-scoring unpinned items until
// the count is within capacity.
func (m *WorkingMemory) evict() {
	m.dropExpired()
	excess := len(m.items) - m.cfg.Capacity
	if excess <= 0 {
		return
	}

	type candidate struct {
		id    string
		rank  int
		score float64
	}
	var cands []candidate
	for _, it := range m.items {
		if !it.Pinned {
			cands = append(cands, candidate{id: it.ID, rank: it.Rank})
		}
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].rank < cands[j].rank })
	for i := range cands {
		recency := 1.0
		if len(cands) > 1 {
			recency = float64(i) / float64(len(cands)-1)
		}
		it, _ := m.Get(cands[i].id)
		cands[i].score = m.cfg.WeightConfidence*it.Confidence +
			m.cfg.WeightRecency*recency +
			m.cfg.WeightCategory*CategoryPriority(it.Category)
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].score < cands[j].score })

	if excess > len(cands) {
		excess = len(cands)
	}
	drop := make(map[string]bool, excess)
	for _, c := range cands[:excess] {
		drop[c.id] = true
	}
	kept := m.items[:0]
	for _, it := range m.items {
		if !drop[it.ID] {
			kept = append(kept, it)
		}
	}
	m.items = kept
}

// Snapshot is the serializable form of a WorkingMemory.
type Snapshot struct {
	Facts    []Fact `json:"facts"`
	Items    []Item `json:"items"`
	NextRank int    `json:"next_rank"`
}

// Snapshot captures facts and items.
func (m *WorkingMemory) Snapshot() Snapshot {
	items := make([]Item, len(m.items))
	copy(items, m.items)
	return Snapshot{Facts: m.facts.All(), Items: items, NextRank: m.nextRank}
}

// Restore replaces the contents with s after validating it.
func (m *WorkingMemory) Restore(s Snapshot) error {
	fs := &FactStore{now: m.facts.now}
	if err := fs.restore(s.Facts); err != nil {
		return fmt.Errorf("restore facts: %w", err)
	}
	seen := make(map[string]bool, len(s.Items))
	next := s.NextRank
	for _, it := range s.Items {
		if it.ID == "" || seen[it.ID] {
			return fmt.Errorf("restore items: %w: missing or duplicate id %q", ErrInvalidItem, it.ID)
		}
		seen[it.ID] = true
		if it.FactIndex != nil {
			if _, ok := fs.Get(*it.FactIndex); !ok {
				return fmt.Errorf("restore items: %w: item %s references fact %d", ErrInvalidItem, it.ID, *it.FactIndex)
			}
		}
		if it.Rank >= next {
			next = it.Rank + 1
		}
	}
	m.facts = fs
	m.items = append([]Item(nil), s.Items...)
	m.nextRank = next
	m.evict()
	return nil
}
