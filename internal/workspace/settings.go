package workspace

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// Dir is the per-workspace directory the handlers never expose.
	Dir = ".taskloop"
	// SettingsFile overrides handler settings for one workspace.
	SettingsFile = "settings.yaml"
	// RulesFile holds free-form guidance for the model.
	RulesFile = "rules"

	maxRulesSize = 16 << 10
)

// Settings are the per-workspace overrides kept under .taskloop/.
type Settings struct {
	TestCommand   string   `yaml:"test_command,omitempty"`
	AllowCommands []string `yaml:"allow_commands,omitempty"`
	// Rules is read from the rules file, not from settings.yaml.
	Rules string `yaml:"-"`
}

func settingsPath(root string) string { return filepath.Join(root, Dir, SettingsFile) }
func rulesPath(root string) string    { return filepath.Join(root, Dir, RulesFile) }

// LoadSettings reads the overrides of the workspace at root. Missing files
// yield zero Settings and no error.
func LoadSettings(root string) (Settings, error) {
	var s Settings
	data, err := os.ReadFile(settingsPath(root))
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return s, fmt.Errorf("failed to read workspace settings: %w", err)
	default:
		if err := yaml.Unmarshal(data, &s); err != nil {
			return s, fmt.Errorf("failed to parse %s: %w", settingsPath(root), err)
		}
	}

	rules, err := os.ReadFile(rulesPath(root))
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return s, fmt.Errorf("failed to read rules file: %w", err)
	case len(rules) > maxRulesSize:
		return s, fmt.Errorf("rules file is %d bytes, limit is %d", len(rules), maxRulesSize)
	default:
		s.Rules = strings.TrimSpace(string(rules))
	}
	return s, nil
}

// SaveSettings writes s to the workspace, creating .taskloop/ if needed.
// The rules file is left alone.
func SaveSettings(root string, s Settings) error {
	if err := os.MkdirAll(filepath.Join(root, Dir), 0o755); err != nil {
		return fmt.Errorf("failed to create %s directory: %w", Dir, err)
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal workspace settings: %w", err)
	}
	if err := os.WriteFile(settingsPath(root), data, 0o644); err != nil {
		return fmt.Errorf("failed to write workspace settings: %w", err)
	}
	return nil
}
