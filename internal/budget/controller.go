// Package budget owns the step and token allowance of a task. It consults
// the loop detector on every check and adapts the allowance to measurable
// progress reported by tools.
package budget

import (
	"fmt"

	"github.com/ChamsBouzaiene/taskloop/internal/loopdetect"
	"github.com/ChamsBouzaiene/taskloop/internal/task"
)

// Reasons returned by CheckContinue when continuing is not allowed.
const (
	ReasonExhausted = "budget exhausted"
	ReasonRunaway   = "runaway repetition"
)

// Config bounds the allowance.
type Config struct {
	InitialSteps    int   `yaml:"initial_steps"`
	Floor           int   `yaml:"floor"`
	Ceiling         int   `yaml:"ceiling"`
	WidenPerUnit    int   `yaml:"widen_per_unit"`
	TightenStep     int   `yaml:"tighten_step"`
	AdvisoryPenalty int   `yaml:"advisory_penalty"`
	TokenLimit      int   `yaml:"token_limit"` // 0 = unlimited
	RunawayRepeat   int   `yaml:"runaway_repeat"`
	MaxResets       int   `yaml:"max_resets"`
	Blocking        Kinds `yaml:"blocking"`
}

// Kinds is a set of detection kinds, serialized as a list.
type Kinds []loopdetect.Kind

// Has reports whether k is in the set.
func (ks Kinds) Has(k loopdetect.Kind) bool {
	for _, x := range ks {
		if x == k {
			return true
		}
	}
	return false
}

// DefaultConfig returns the allowance used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		InitialSteps:    30,
		Floor:           10,
		Ceiling:         60,
		WidenPerUnit:    2,
		TightenStep:     2,
		AdvisoryPenalty: 1,
		RunawayRepeat:   5,
		MaxResets:       2,
		Blocking:        Kinds{loopdetect.Identical, loopdetect.ErrorCycle},
	}
}

// Validate checks the bounds are consistent.
func (c Config) Validate() error {
	switch {
	case c.InitialSteps <= 0:
		return fmt.Errorf("initial_steps must be positive, got %d", c.InitialSteps)
	case c.Floor < 0 || c.Floor > c.InitialSteps:
		return fmt.Errorf("floor must be in [0, initial_steps], got %d", c.Floor)
	case c.Ceiling < c.InitialSteps:
		return fmt.Errorf("ceiling must be at least initial_steps, got %d", c.Ceiling)
	case c.WidenPerUnit < 0 || c.TightenStep < 0 || c.AdvisoryPenalty < 0:
		return fmt.Errorf("widen_per_unit, tighten_step and advisory_penalty must not be negative")
	case c.TokenLimit < 0:
		return fmt.Errorf("token_limit must not be negative, got %d", c.TokenLimit)
	case c.RunawayRepeat < 2:
		return fmt.Errorf("runaway_repeat must be at least 2, got %d", c.RunawayRepeat)
	}
	for _, k := range c.Blocking {
		switch k {
		case loopdetect.Identical, loopdetect.ErrorCycle, loopdetect.Semantic, loopdetect.NoProgress:
		default:
			return fmt.Errorf("unknown blocking detection kind %q", k)
		}
	}
	return nil
}

// State is the persisted part of the controller. The detector-visible
// history is not stored here; it is rebuilt from the action log using
// HistoryFrom.
type State struct {
	Allowance    int  `json:"allowance"`
	Used         int  `json:"used"`
	Tokens       int  `json:"tokens"`
	LastQuantity *int `json:"last_quantity,omitempty"`
	Resets       int  `json:"resets"`
	HistoryFrom  int  `json:"history_from"`
	LastSeq      int  `json:"last_seq"`
	Widened      int  `json:"widened,omitempty"`
	Tightened    int  `json:"tightened,omitempty"`
}

// Remaining is Allowance - Used, never negative.
func (s State) Remaining() int {
	if r := s.Allowance - s.Used; r > 0 {
		return r
	}
	return 0
}

// Outcome is what UpdateProgress needs to know about a finished step.
type Outcome struct {
	Record task.ActionRecord
	// Result is the full result text when Record.Result was clipped. The
	// remaining-work count is parsed from it.
	Result string
	Tokens int
}

func (o Outcome) text() string {
	if o.Result != "" {
		return o.Result
	}
	return o.Record.Result
}

// Controller is the adaptive budget of one task. It is not safe for
// concurrent use.
type Controller struct {
	cfg      Config
	detector *loopdetect.Detector

	state   State
	history []task.ActionRecord
	last    loopdetect.Detection
}

// New creates a controller with a full allowance.
func New(cfg Config, detector *loopdetect.Detector) *Controller {
	if detector == nil {
		detector = loopdetect.New(loopdetect.DefaultConfig())
	}
	return &Controller{
		cfg:      cfg,
		detector: detector,
		state:    State{Allowance: cfg.InitialSteps},
		last:     loopdetect.Detection{Kind: loopdetect.None},
	}
}

// Remaining returns the steps left.
func (c *Controller) Remaining() int { return c.state.Remaining() }

// State returns a copy of the persisted state.
func (c *Controller) State() State {
	s := c.state
	if s.LastQuantity != nil {
		q := *s.LastQuantity
		s.LastQuantity = &q
	}
	return s
}

// History returns the records currently visible to the detector.
func (c *Controller) History() []task.ActionRecord {
	out := make([]task.ActionRecord, len(c.history))
	copy(out, c.history)
	return out
}

// Restore replaces the controller state. history must hold the records with
// Seq > s.HistoryFrom in order.
func (c *Controller) Restore(s State, history []task.ActionRecord) error {
	if s.Used < 0 || s.Allowance < 0 {
		return fmt.Errorf("budget state has negative counters: allowance=%d used=%d", s.Allowance, s.Used)
	}
	prev := s.HistoryFrom
	for _, r := range history {
		if r.Seq <= prev {
			return fmt.Errorf("budget history out of order at seq %d", r.Seq)
		}
		prev = r.Seq
	}
	c.state = s
	if s.LastQuantity != nil {
		q := *s.LastQuantity
		c.state.LastQuantity = &q
	}
	c.history = append([]task.ActionRecord(nil), history...)
	c.last = loopdetect.Detection{Kind: loopdetect.None}
	return nil
}

// CheckContinue decides whether another step may run. It returns false
// exactly when the budget is spent or a blocking detection fires. The
// runaway check only runs when the detector found nothing blocking.
func (c *Controller) CheckContinue() (bool, string, loopdetect.Detection) {
	det := c.detector.Check(c.history)
	if !c.blocks(det) {
		if run, ok := c.runaway(); ok {
			det = run
		}
	}
	c.last = det

	if c.state.Remaining() <= 0 {
		return false, ReasonExhausted, det
	}
	if c.blocks(det) {
		return false, det.Reason, det
	}
	return true, "", det
}

// Spent reports, without running the detector again, that the budget is
// used up or the last update left a blocking detection. The caller can stop
// before paying for another model call.
func (c *Controller) Spent() (bool, string, loopdetect.Detection) {
	if c.state.Remaining() <= 0 {
		return true, ReasonExhausted, c.last
	}
	if c.blocks(c.last) {
		return true, c.last.Reason, c.last
	}
	return false, "", loopdetect.Detection{Kind: loopdetect.None}
}

func (c *Controller) blocks(det loopdetect.Detection) bool {
	return det.Detected() && (det.Reason == ReasonRunaway || c.cfg.Blocking.Has(det.Kind))
}

// LastDetection returns the detection computed by the last CheckContinue or
// UpdateProgress call.
func (c *Controller) LastDetection() loopdetect.Detection { return c.last }

// runaway is the legacy repeat-count check: the same signature anywhere in
// the visible window, consecutive or not.
func (c *Controller) runaway() (loopdetect.Detection, bool) {
	if c.cfg.RunawayRepeat < 2 {
		return loopdetect.Detection{}, false
	}
	counts := make(map[string]int)
	for _, r := range c.history {
		sig := loopdetect.Signature(r)
		counts[sig]++
		if counts[sig] >= c.cfg.RunawayRepeat {
			return loopdetect.Detection{
				Kind:       loopdetect.Identical,
				Confidence: 0.7,
				Reason:     ReasonRunaway,
				Suggestions: []string{
					fmt.Sprintf("The %s action with the same parameters ran %d times. Stop repeating it.", r.Kind, counts[sig]),
				},
				Span: counts[sig],
			}, true
		}
	}
	return loopdetect.Detection{}, false
}

// AddTokens accounts LLM token usage. Crossing TokenLimit spends the whole
// remaining step budget.
func (c *Controller) AddTokens(n int) {
	if n <= 0 {
		return
	}
	c.state.Tokens += n
	if c.cfg.TokenLimit > 0 && c.state.Tokens >= c.cfg.TokenLimit {
		c.state.Used = c.state.Allowance
	}
}

// UpdateProgress consumes one step for outcome and adapts the allowance.
// It reports whether the step showed progress: a decreasing measured
// quantity, a new fact, or a successful modification.
func (c *Controller) UpdateProgress(o Outcome) bool {
	c.AddTokens(o.Tokens)
	if c.state.Used < c.state.Allowance {
		c.state.Used++
	}
	c.history = append(c.history, o.Record)
	if o.Record.Seq > c.state.LastSeq {
		c.state.LastSeq = o.Record.Seq
	}

	progressed := o.Record.FactsLearned > 0 || (o.Record.Modified && o.Record.Success)

	if q, ok := ParseQuantity(o.text()); ok {
		if prev := c.state.LastQuantity; prev != nil {
			switch {
			case q < *prev:
				c.widen((*prev - q) * c.cfg.WidenPerUnit)
				progressed = true
			case q > *prev:
				c.tighten(c.cfg.TightenStep)
			}
		}
		c.state.LastQuantity = &q
	}

	det := c.detector.Check(c.history)
	c.last = det
	if det.Detected() && !c.blocks(det) {
		c.tighten(c.cfg.AdvisoryPenalty)
	}
	return progressed
}

func (c *Controller) widen(n int) {
	if n <= 0 {
		return
	}
	next := c.state.Allowance + n
	if next > c.cfg.Ceiling {
		next = c.cfg.Ceiling
	}
	if next > c.state.Allowance {
		c.state.Widened += next - c.state.Allowance
		c.state.Allowance = next
	}
}

func (c *Controller) tighten(n int) {
	if n <= 0 {
		return
	}
	next := c.state.Allowance - n
	if next < c.cfg.Floor {
		next = c.cfg.Floor
	}
	if next < c.state.Allowance {
		c.state.Tightened += c.state.Allowance - next
		c.state.Allowance = next
	}
}

// Reset restores the initial allowance and hides the current history from
// the detector. It is refused once MaxResets is reached.
func (c *Controller) Reset() bool {
	if c.state.Resets >= c.cfg.MaxResets {
		return false
	}
	c.state = State{
		Allowance:   c.cfg.InitialSteps,
		Tokens:      c.state.Tokens,
		Resets:      c.state.Resets + 1,
		HistoryFrom: c.state.LastSeq,
		LastSeq:     c.state.LastSeq,
	}
	c.history = nil
	c.last = loopdetect.Detection{Kind: loopdetect.None}
	return true
}
