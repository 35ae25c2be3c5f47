// Package config loads the taskloop configuration file.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"

	"github.com/ChamsBouzaiene/taskloop/internal/budget"
	"github.com/ChamsBouzaiene/taskloop/internal/engine"
	"github.com/ChamsBouzaiene/taskloop/internal/logging"
	"github.com/ChamsBouzaiene/taskloop/internal/loopdetect"
	"github.com/ChamsBouzaiene/taskloop/internal/memory"
)

// Config is the whole configuration file.
type Config struct {
	TasksRoot   string            `yaml:"tasks_root"`
	Log         logging.Options   `yaml:"log"`
	LLM         LLMConfig         `yaml:"llm"`
	Executor    engine.Config     `yaml:"executor"`
	Budget      budget.Config     `yaml:"budget"`
	Loop        loopdetect.Config `yaml:"loop"`
	Memory      memory.Config     `yaml:"memory"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Sandbox     SandboxConfig     `yaml:"sandbox"`
	Handlers    HandlersConfig    `yaml:"handlers"`
}

// LLMConfig selects and tunes the model provider.
type LLMConfig struct {
	Provider    string        `yaml:"provider"` // openai, anthropic, kimi, gemini, ollama, ...
	Model       string        `yaml:"model,omitempty"`
	APIKey      string        `yaml:"api_key,omitempty"`
	BaseURL     string        `yaml:"base_url,omitempty"`
	MaxTokens   int           `yaml:"max_tokens"`
	Temperature float64       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
}

// PersistenceConfig controls the task store.
type PersistenceConfig struct {
	// Async moves commits onto a background writer.
	Async           bool          `yaml:"async"`
	QueueDepth      int           `yaml:"queue_depth"`
	MaxArtifactSize Size          `yaml:"max_artifact_size"`
	Catalog         bool          `yaml:"catalog"`
	RetainFor       time.Duration `yaml:"retain_for"`
}

// SandboxConfig selects where commands run.
type SandboxConfig struct {
	Mode    string  `yaml:"mode"` // host, docker or auto
	Image   string  `yaml:"image"`
	Memory  Size    `yaml:"memory"`
	CPUs    float64 `yaml:"cpus"`
	Network bool    `yaml:"network"`
}

// HandlersConfig tunes the built-in action handlers.
type HandlersConfig struct {
	MaxReadSize    Size          `yaml:"max_read_size"`
	MaxSearchHits  int           `yaml:"max_search_hits"`
	OutputLimit    Size          `yaml:"output_limit"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
	AllowCommands  []string      `yaml:"allow_commands"`
	TestCommand    string        `yaml:"test_command,omitempty"`
}

// Size is a byte count written the human way: 512KB, 8MiB, 1g.
type Size int64

// ParseSize reads a human size or a plain number of bytes.
func ParseSize(raw string) (Size, error) {
	n, err := units.RAMInBytes(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", raw, err)
	}
	return Size(n), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: size must be a scalar", value.Line)
	}
	n, err := ParseSize(value.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", value.Line, err)
	}
	*s = n
	return nil
}

// MarshalYAML writes the size in binary units.
func (s Size) MarshalYAML() (any, error) {
	return s.String(), nil
}

func (s Size) String() string {
	return units.BytesSize(float64(s))
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() *Config {
	return &Config{
		TasksRoot: defaultTasksRoot(),
		Log: logging.Options{
			Level:  "info",
			Format: logging.FormatText,
		},
		LLM: LLMConfig{
			Provider:    "openai",
			MaxTokens:   2048,
			Temperature: 0.2,
			Timeout:     2 * time.Minute,
		},
		Executor: engine.DefaultConfig(),
		Budget:   budget.DefaultConfig(),
		Loop:     loopdetect.DefaultConfig(),
		Memory:   memory.DefaultConfig(),
		Persistence: PersistenceConfig{
			QueueDepth:      16,
			MaxArtifactSize: 8 * units.MiB,
			Catalog:         true,
			RetainFor:       30 * 24 * time.Hour,
		},
		Sandbox: SandboxConfig{
			Mode:   "host",
			Image:  "golang:1.24",
			Memory: 1 * units.GiB,
			CPUs:   1,
		},
		Handlers: HandlersConfig{
			MaxReadSize:    256 * units.KiB,
			MaxSearchHits:  50,
			OutputLimit:    64 * units.KiB,
			CommandTimeout: 2 * time.Minute,
			AllowCommands:  []string{"go", "make", "npm", "npx", "pytest", "python", "python3", "cargo", "golangci-lint", "eslint", "ruff", "git", "ls", "cat"},
		},
	}
}

// Validate checks every section.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.TasksRoot) == "" {
		return ConfigError("tasks_root must be set")
	}
	checks := []struct {
		section string
		err     error
	}{
		{"executor", c.Executor.Validate()},
		{"budget", c.Budget.Validate()},
		{"loop", c.Loop.Validate()},
		{"memory", c.Memory.Validate()},
	}
	for _, ch := range checks {
		if ch.err != nil {
			return ConfigError(ch.section + ": " + ch.err.Error())
		}
	}
	switch c.Log.Format {
	case logging.FormatText, logging.FormatJSON, "":
	default:
		return ConfigError(fmt.Sprintf("log: unknown format %q", c.Log.Format))
	}
	switch c.Sandbox.Mode {
	case "host", "docker", "auto":
	default:
		return ConfigError(fmt.Sprintf("sandbox: mode must be host, docker or auto, got %q", c.Sandbox.Mode))
	}
	switch {
	case c.Persistence.QueueDepth < 1:
		return ConfigError(fmt.Sprintf("persistence: queue_depth must be positive, got %d", c.Persistence.QueueDepth))
	case c.Persistence.MaxArtifactSize < 0:
		return ConfigError("persistence: max_artifact_size must not be negative")
	case c.Persistence.RetainFor < 0:
		return ConfigError("persistence: retain_for must not be negative")
	case c.Handlers.CommandTimeout <= 0:
		return ConfigError("handlers: command_timeout must be positive")
	case c.Handlers.MaxSearchHits < 1:
		return ConfigError("handlers: max_search_hits must be positive")
	case c.LLM.MaxTokens < 1:
		return ConfigError("llm: max_tokens must be positive")
	}
	return nil
}

// ConfigError reports an invalid configuration.
type ConfigError string

func (e ConfigError) Error() string {
	return "invalid config: " + string(e)
}
