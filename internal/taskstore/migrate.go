package taskstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/ChamsBouzaiene/taskloop/internal/budget"
	"github.com/ChamsBouzaiene/taskloop/internal/memory"
	"github.com/ChamsBouzaiene/taskloop/internal/phase"
	"github.com/ChamsBouzaiene/taskloop/internal/task"
)

// stateV1 is the first on-disk layout: a flat phase name, a step count named
// steps, a plain remaining-steps budget and facts without subjects.
type stateV1 struct {
	Version         int         `json:"version"`
	ID              string      `json:"id"`
	Goal            string      `json:"goal"`
	Phase           string      `json:"phase"`
	Steps           int         `json:"steps"`
	Status          task.Status `json:"status"`
	BudgetRemaining int         `json:"budget_remaining"`
	Facts           []factV1    `json:"facts"`
	Verification    string      `json:"verification,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

type factV1 struct {
	Category   string  `json:"category"`
	Content    string  `json:"content"`
	Confidence float64 `json:"confidence"`
	Source     int     `json:"source"`
	Active     bool    `json:"active"`
}

type versionProbe struct {
	SchemaVersion int `json:"schema_version"`
	Version       int `json:"version"`
}

// detectVersion reads the schema version of a state file.
func detectVersion(data []byte) (int, error) {
	var probe versionProbe
	if err := json.Unmarshal(data, &probe); err != nil {
		return 0, err
	}
	switch {
	case probe.SchemaVersion > 0:
		return probe.SchemaVersion, nil
	case probe.Version > 0:
		return probe.Version, nil
	}
	return 1, nil
}

// migrateV1 upgrades a version 1 file. Facts are replayed in order through a
// fact store so that the supersede chains follow the current rules: a newer
// fact of the same category replaces the older one.
func migrateV1(data []byte) (*TaskState, error) {
	var old stateV1
	if err := decodeStrict(data, &old); err != nil {
		return nil, fmt.Errorf("decode v1 state: %w", err)
	}

	p, ok := phase.Parse(old.Phase)
	if !ok {
		p = phase.Explore
	}

	mem := memory.New(memory.DefaultConfig())
	for _, f := range old.Facts {
		if _, _, err := mem.Learn(f.Category, "", f.Content, f.Confidence, f.Source); err != nil {
			return nil, fmt.Errorf("migrate fact %q: %w", f.Content, err)
		}
	}

	verification := task.Verification(old.Verification)
	switch verification {
	case task.VerificationPassed, task.VerificationFailed:
	default:
		verification = task.VerificationUnknown
	}
	status := old.Status
	if status == "" {
		status = task.StatusRunning
	}

	return &TaskState{
		SchemaVersion: SchemaVersion,
		ID:            old.ID,
		Goal:          old.Goal,
		CreatedAt:     old.CreatedAt,
		UpdatedAt:     old.UpdatedAt,
		Phase: phase.State{
			Current: p,
			Steps:   map[phase.Phase]int{p: old.Steps},
			History: []phase.Visit{{Phase: p, Steps: old.Steps, Reason: "migrated"}},
			Total:   old.Steps,
		},
		Budget: budget.State{
			Allowance:   old.BudgetRemaining,
			HistoryFrom: old.Steps,
			LastSeq:     old.Steps,
		},
		Memory:       mem.Snapshot(),
		Verification: verification,
		Step:         old.Steps,
		Status:       status,
	}, nil
}

// decodeState decodes any supported version into the current layout.
func decodeState(data []byte) (*TaskState, bool, error) {
	version, err := detectVersion(data)
	if err != nil {
		return nil, false, err
	}
	switch {
	case version == SchemaVersion:
		var st TaskState
		if err := decodeStrict(data, &st); err != nil {
			return nil, false, err
		}
		return &st, false, nil
	case version == 1:
		st, err := migrateV1(data)
		return st, true, err
	default:
		return nil, false, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
}
