package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ChamsBouzaiene/taskloop/internal/logging"
	"github.com/ChamsBouzaiene/taskloop/internal/loopdetect"
)

// isolate clears every variable Load reads.
func isolate(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		EnvConfigPath, "TASKLOOP_TASKS_ROOT", "TASKLOOP_LOG_LEVEL", "TASKLOOP_LOG_FORMAT", "TASKLOOP_SANDBOX",
		"LLM_PROVIDER", "OPENAI_API_KEY", "OPENAI_MODEL", "OPENAI_BASE_URL",
		"ANTHROPIC_API_KEY", "ANTHROPIC_MODEL", "ANTHROPIC_BASE_URL",
	} {
		t.Setenv(k, "")
	}
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	isolate(t)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	want := DefaultConfig()
	if cfg.Budget.InitialSteps != want.Budget.InitialSteps || cfg.LLM.Provider != "openai" {
		t.Errorf("Load() = %+v, want defaults", cfg)
	}
}

func TestLoadExplicitMissingFile(t *testing.T) {
	isolate(t)
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load(missing) error = %v, want os.ErrNotExist", err)
	}
}

func TestLoadFile(t *testing.T) {
	isolate(t)
	t.Setenv("TEST_TASKS_DIR", "/tmp/tl-tasks")
	path := writeFile(t, `
tasks_root: ${TEST_TASKS_DIR}
log:
  level: debug
  format: json
llm:
  provider: anthropic
  model: claude-sonnet-4
  timeout: 45s
executor:
  context_tokens: 9000
  handler_timeout: 30s
budget:
  initial_steps: 20
  floor: 5
  ceiling: 40
  blocking: [identical]
loop:
  semantic_threshold: 0.7
persistence:
  max_artifact_size: 2MB
sandbox:
  mode: docker
  memory: 512m
handlers:
  output_limit: 1024
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	checks := []struct {
		name      string
		got, want any
	}{
		{"tasks_root", cfg.TasksRoot, "/tmp/tl-tasks"},
		{"log.format", cfg.Log.Format, logging.FormatJSON},
		{"llm.provider", cfg.LLM.Provider, "anthropic"},
		{"llm.timeout", cfg.LLM.Timeout, 45 * time.Second},
		{"executor.context_tokens", cfg.Executor.ContextTokens, 9000},
		{"executor.handler_timeout", cfg.Executor.HandlerTimeout, 30 * time.Second},
		{"executor.recent_actions kept", cfg.Executor.RecentActions, 8},
		{"budget.initial_steps", cfg.Budget.InitialSteps, 20},
		{"budget.blocking", len(cfg.Budget.Blocking), 1},
		{"loop.semantic_threshold", cfg.Loop.SemanticThreshold, 0.7},
		{"loop.identical kept", cfg.Loop.IdenticalThreshold, loopdetect.DefaultConfig().IdenticalThreshold},
		{"persistence.max_artifact_size", cfg.Persistence.MaxArtifactSize, Size(2 * 1024 * 1024)},
		{"sandbox.mode", cfg.Sandbox.Mode, "docker"},
		{"sandbox.memory", cfg.Sandbox.Memory, Size(512 * 1024 * 1024)},
		{"handlers.output_limit", cfg.Handlers.OutputLimit, Size(1024)},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	isolate(t)
	path := writeFile(t, "llm:\n  provider: openai\n  model: gpt-4o-mini\n")
	t.Setenv(EnvConfigPath, path)
	t.Setenv("TASKLOOP_TASKS_ROOT", "/var/tasks")
	t.Setenv("TASKLOOP_LOG_FORMAT", "JSON")
	t.Setenv("LLM_PROVIDER", "anthropic")
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.TasksRoot != "/var/tasks" {
		t.Errorf("TasksRoot = %q, want /var/tasks", cfg.TasksRoot)
	}
	if cfg.Log.Format != logging.FormatJSON {
		t.Errorf("Log.Format = %q, want json", cfg.Log.Format)
	}
	if cfg.LLM.Provider != "anthropic" || cfg.LLM.APIKey != "sk-test" {
		t.Errorf("LLM = %+v, want anthropic with the env key", cfg.LLM)
	}
	if cfg.LLM.Model != "" {
		t.Errorf("LLM.Model = %q, want the openai model dropped on provider switch", cfg.LLM.Model)
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"budget", "budget:\n  initial_steps: 0\n"},
		{"sandbox mode", "sandbox:\n  mode: vm\n"},
		{"executor", "executor:\n  context_tokens: 12\n"},
		{"loop", "loop:\n  identical_threshold: 1\n"},
		{"log format", "log:\n  format: xml\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			isolate(t)
			_, err := Load(writeFile(t, tt.content))
			var cerr ConfigError
			if !errors.As(err, &cerr) {
				t.Errorf("Load() error = %v, want ConfigError", err)
			}
		})
	}
}

func TestLoadBadSize(t *testing.T) {
	isolate(t)
	if _, err := Load(writeFile(t, "persistence:\n  max_artifact_size: lots\n")); err == nil {
		t.Error("Load(bad size) error = nil, want error")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	isolate(t)
	cfg := DefaultConfig()
	cfg.TasksRoot = "/srv/tasks"
	cfg.Persistence.MaxArtifactSize = 3 * 1024 * 1024
	cfg.Executor.HandlerTimeout = 90 * time.Second

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	if err := Save(cfg, path); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat() error = %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("config mode = %v, want 0600", perm)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.TasksRoot != cfg.TasksRoot || got.Persistence.MaxArtifactSize != cfg.Persistence.MaxArtifactSize ||
		got.Executor.HandlerTimeout != cfg.Executor.HandlerTimeout || got.Memory != cfg.Memory {
		t.Errorf("Load(Save()) = %+v, want %+v", got, cfg)
	}
	if len(got.Handlers.AllowCommands) != len(cfg.Handlers.AllowCommands) {
		t.Errorf("AllowCommands = %v, want %v", got.Handlers.AllowCommands, cfg.Handlers.AllowCommands)
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in      string
		want    Size
		wantErr bool
	}{
		{"512", 512, false},
		{"4KB", 4096, false},
		{"1g", 1 << 30, false},
		{"8MiB", 8 << 20, false},
		{"big", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseSize(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseSize(%q) = %v, %v; want %v, err %v", tt.in, got, err, tt.want, tt.wantErr)
		}
	}
}
