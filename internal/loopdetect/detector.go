// Package loopdetect classifies recent action history to spot repetition,
// error cycles, semantic stalling and lack of progress. Detection is a pure
// function of the records passed in; a Detector holds configuration only.
package loopdetect

import (
	"fmt"

	"github.com/ChamsBouzaiene/taskloop/internal/task"
)

// Kind is the class of loop found.
type Kind string

const (
	None       Kind = "none"
	Identical  Kind = "identical"
	ErrorCycle Kind = "error_cycle"
	Semantic   Kind = "semantic"
	NoProgress Kind = "no_progress"
)

// Detection is the result of one check. It is recomputed every step and
// never persisted on its own.
type Detection struct {
	Kind        Kind     `json:"kind"`
	Confidence  float64  `json:"confidence"`
	Reason      string   `json:"reason,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
	// Span is the number of trailing records that triggered the detection.
	Span int `json:"span,omitempty"`
}

// Detected reports whether anything other than None was found.
func (d Detection) Detected() bool { return d.Kind != None && d.Kind != "" }

// Reasons reported with each kind.
const (
	ReasonRepeated   = "repeated action"
	ReasonErrorCycle = "error cycle"
	ReasonSemantic   = "semantic loop"
	ReasonNoProgress = "no progress"
)

// Config holds detection thresholds. All of them are tunable.
type Config struct {
	IdenticalThreshold  int     `yaml:"identical_threshold"`
	IdenticalConfidence float64 `yaml:"identical_confidence"`

	ErrorCycleWindow        int `yaml:"error_cycle_window"`
	ErrorCycleMinFailures   int `yaml:"error_cycle_min_failures"`
	ErrorCycleMaxCategories int `yaml:"error_cycle_max_categories"`

	SemanticWindow     int     `yaml:"semantic_window"`
	SemanticThreshold  float64 `yaml:"semantic_threshold"`
	SemanticMinRepeats int     `yaml:"semantic_min_repeats"`
	SemanticConfidence float64 `yaml:"semantic_confidence"`

	NoProgressWindow int `yaml:"no_progress_window"`
}

// DefaultConfig returns the thresholds used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		IdenticalThreshold:      3,
		IdenticalConfidence:     0.95,
		ErrorCycleWindow:        6,
		ErrorCycleMinFailures:   4,
		ErrorCycleMaxCategories: 2,
		SemanticWindow:          12,
		SemanticThreshold:       0.8,
		SemanticMinRepeats:      3,
		SemanticConfidence:      0.6,
		NoProgressWindow:        8,
	}
}

// Validate checks that thresholds are usable.
func (c Config) Validate() error {
	switch {
	case c.IdenticalThreshold < 2:
		return fmt.Errorf("identical_threshold must be at least 2, got %d", c.IdenticalThreshold)
	case c.IdenticalConfidence <= 0 || c.IdenticalConfidence > 1:
		return fmt.Errorf("identical_confidence must be in (0, 1], got %v", c.IdenticalConfidence)
	case c.ErrorCycleMinFailures < 2 || c.ErrorCycleMinFailures > c.ErrorCycleWindow:
		return fmt.Errorf("error_cycle_min_failures must be in [2, error_cycle_window], got %d", c.ErrorCycleMinFailures)
	case c.ErrorCycleMaxCategories < 1:
		return fmt.Errorf("error_cycle_max_categories must be positive, got %d", c.ErrorCycleMaxCategories)
	case c.SemanticThreshold <= 0 || c.SemanticThreshold > 1:
		return fmt.Errorf("semantic_threshold must be in (0, 1], got %v", c.SemanticThreshold)
	case c.SemanticMinRepeats < 2:
		return fmt.Errorf("semantic_min_repeats must be at least 2, got %d", c.SemanticMinRepeats)
	case c.SemanticWindow < c.SemanticMinRepeats:
		return fmt.Errorf("semantic_window must be at least semantic_min_repeats, got %d", c.SemanticWindow)
	case c.NoProgressWindow < 2:
		return fmt.Errorf("no_progress_window must be at least 2, got %d", c.NoProgressWindow)
	}
	return nil
}

// Detector checks action history against Config.
type Detector struct {
	cfg Config
}

// New creates a detector. Zero-valued thresholds fall back to defaults.
func New(cfg Config) *Detector {
	def := DefaultConfig()
	if cfg.IdenticalThreshold == 0 {
		cfg.IdenticalThreshold = def.IdenticalThreshold
	}
	if cfg.IdenticalConfidence == 0 {
		cfg.IdenticalConfidence = def.IdenticalConfidence
	}
	if cfg.ErrorCycleWindow == 0 {
		cfg.ErrorCycleWindow = def.ErrorCycleWindow
	}
	if cfg.ErrorCycleMinFailures == 0 {
		cfg.ErrorCycleMinFailures = def.ErrorCycleMinFailures
	}
	if cfg.ErrorCycleMaxCategories == 0 {
		cfg.ErrorCycleMaxCategories = def.ErrorCycleMaxCategories
	}
	if cfg.SemanticWindow == 0 {
		cfg.SemanticWindow = def.SemanticWindow
	}
	if cfg.SemanticThreshold == 0 {
		cfg.SemanticThreshold = def.SemanticThreshold
	}
	if cfg.SemanticMinRepeats == 0 {
		cfg.SemanticMinRepeats = def.SemanticMinRepeats
	}
	if cfg.SemanticConfidence == 0 {
		cfg.SemanticConfidence = def.SemanticConfidence
	}
	if cfg.NoProgressWindow == 0 {
		cfg.NoProgressWindow = def.NoProgressWindow
	}
	return &Detector{cfg: cfg}
}

// Config returns the effective thresholds.
func (d *Detector) Config() Config { return d.cfg }

// Check classifies history, oldest first. Checks run in priority order and
// the first match wins.
func (d *Detector) Check(history []task.ActionRecord) Detection {
	if len(history) == 0 {
		return Detection{Kind: None}
	}
	if det, ok := d.identical(history); ok {
		return det
	}
	if det, ok := d.errorCycle(history); ok {
		return det
	}
	if det, ok := d.semantic(history); ok {
		return det
	}
	if det, ok := d.noProgress(history); ok {
		return det
	}
	return Detection{Kind: None}
}

func (d *Detector) identical(history []task.ActionRecord) (Detection, bool) {
	last := history[len(history)-1]
	sig := Signature(last)
	run := 1
	for i := len(history) - 2; i >= 0; i-- {
		if Signature(history[i]) != sig {
			break
		}
		run++
	}
	if run < d.cfg.IdenticalThreshold {
		return Detection{}, false
	}
	conf := d.cfg.IdenticalConfidence + 0.01*float64(run-d.cfg.IdenticalThreshold)
	if conf > 1 {
		conf = 1
	}
	return Detection{
		Kind:        Identical,
		Confidence:  conf,
		Reason:      ReasonRepeated,
		Suggestions: identicalSuggestions(last, run),
		Span:        run,
	}, true
}

func (d *Detector) errorCycle(history []task.ActionRecord) (Detection, bool) {
	window := tail(history, d.cfg.ErrorCycleWindow)
	categories := make(map[ErrorCategory]int)
	var order []ErrorCategory
	failures := 0
	for i := len(window) - 1; i >= 0; i-- {
		r := window[i]
		if r.Success {
			break
		}
		c := Classify(r.Result)
		if c == CategoryNone {
			break
		}
		if categories[c] == 0 {
			order = append(order, c)
		}
		categories[c]++
		failures++
	}
	if failures < d.cfg.ErrorCycleMinFailures || len(categories) > d.cfg.ErrorCycleMaxCategories {
		return Detection{}, false
	}
	suggestions := make([]string, 0, len(order)+1)
	for _, c := range order {
		if s := Suggestion(c); s != "" {
			suggestions = append(suggestions, s)
		}
	}
	suggestions = append(suggestions,
		fmt.Sprintf("The last %d actions all failed the same way. Change strategy instead of retrying.", failures))
	return Detection{
		Kind:        ErrorCycle,
		Confidence:  0.85,
		Reason:      ReasonErrorCycle,
		Suggestions: suggestions,
		Span:        failures,
	}, true
}

func (d *Detector) semantic(history []task.ActionRecord) (Detection, bool) {
	window := tail(history, d.cfg.SemanticWindow)
	latest := window[len(window)-1]
	target := FuzzySignature(latest)
	similar := 1
	for _, r := range window[:len(window)-1] {
		if Similarity(target, FuzzySignature(r)) >= d.cfg.SemanticThreshold {
			similar++
		}
	}
	if similar < d.cfg.SemanticMinRepeats {
		return Detection{}, false
	}
	suggestions := []string{
		fmt.Sprintf("You have proposed %d near-identical %s actions with small variations. Step back and reconsider the approach.", similar, latest.Kind),
	}
	if s := Suggestion(target.Category); s != "" {
		suggestions = append(suggestions, s)
	}
	return Detection{
		Kind:        Semantic,
		Confidence:  d.cfg.SemanticConfidence,
		Reason:      ReasonSemantic,
		Suggestions: suggestions,
		Span:        similar,
	}, true
}

func (d *Detector) noProgress(history []task.ActionRecord) (Detection, bool) {
	if len(history) < d.cfg.NoProgressWindow {
		return Detection{}, false
	}
	for _, r := range tail(history, d.cfg.NoProgressWindow) {
		if r.FactsLearned > 0 || (r.Modified && r.Success) {
			return Detection{}, false
		}
	}
	return Detection{
		Kind:       NoProgress,
		Confidence: 0.5,
		Reason:     ReasonNoProgress,
		Suggestions: []string{
			fmt.Sprintf("The last %d actions produced no new facts and no successful edit.", d.cfg.NoProgressWindow),
			"Try a different file or a broader search, record a plan with a note, or escalate if you are stuck.",
		},
		Span: d.cfg.NoProgressWindow,
	}, true
}

func tail(history []task.ActionRecord, n int) []task.ActionRecord {
	if n <= 0 || len(history) <= n {
		return history
	}
	return history[len(history)-n:]
}

func identicalSuggestions(r task.ActionRecord, run int) []string {
	target := r.Param("path")
	if target == "" {
		target = r.Param("file_path")
	}
	var first string
	switch r.Kind {
	case task.ActionReadFile:
		first = fmt.Sprintf("You already read %s %d times. Use what you learned instead of reading it again.", target, run)
	case task.ActionSearch, task.ActionListFiles:
		first = "This exact search has already run. Refine the pattern or look in a different path."
	case task.ActionWriteFile, task.ActionReplaceText:
		first = fmt.Sprintf("Re-read %s before editing again; it may not contain what you expect.", target)
	case task.ActionRunTests, task.ActionRunCommand:
		first = "Re-running the same command will not change its result without a code change."
	default:
		first = fmt.Sprintf("The same %s action was proposed %d times in a row.", r.Kind, run)
	}
	return []string{first, "Try a different action, or escalate if no other action can make progress."}
}
