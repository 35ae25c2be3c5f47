package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ChamsBouzaiene/taskloop/internal/logging"
)

// EnvConfigPath names the config file when no path is given.
const EnvConfigPath = "TASKLOOP_CONFIG"

// Load reads the configuration. path may be empty, in which case
// $TASKLOOP_CONFIG and then the user config file are tried. A missing
// default file is not an error; a missing explicit one is.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	explicit := path != ""
	if !explicit {
		path = os.Getenv(EnvConfigPath)
		explicit = path != ""
	}
	if !explicit {
		path = DefaultPath()
	}
	if path != "" {
		if err := loadFromFile(cfg, path); err != nil {
			if explicit || !errors.Is(err, os.ErrNotExist) {
				return nil, err
			}
		}
	}

	loadFromEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultPath returns the user config file location.
func DefaultPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "taskloop", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "taskloop", "config.yaml")
}

func defaultTasksRoot() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "taskloop", "tasks")
	}
	return filepath.Join(".taskloop", "tasks")
}

// loadFromFile decodes path over cfg. Environment references in the file
// are expanded first.
func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// loadFromEnv applies environment overrides. Provider credentials follow
// the <PROVIDER>_API_KEY, <PROVIDER>_MODEL and <PROVIDER>_BASE_URL
// convention.
func loadFromEnv(cfg *Config) {
	if v := os.Getenv("TASKLOOP_TASKS_ROOT"); v != "" {
		cfg.TasksRoot = v
	}
	if v := os.Getenv("TASKLOOP_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("TASKLOOP_LOG_FORMAT"); v != "" {
		cfg.Log.Format = logging.Format(strings.ToLower(v))
	}
	if v := os.Getenv("TASKLOOP_SANDBOX"); v != "" {
		cfg.Sandbox.Mode = v
	}
	if v := os.Getenv("LLM_PROVIDER"); v != "" && v != cfg.LLM.Provider {
		cfg.LLM.Provider = v
		cfg.LLM.Model = ""
		cfg.LLM.BaseURL = ""
		cfg.LLM.APIKey = ""
	}

	prefix := strings.ToUpper(cfg.LLM.Provider) + "_"
	if v := os.Getenv(prefix + "API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv(prefix + "MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv(prefix + "BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
}

// Save writes cfg to path through a temp file and a rename. The file may
// hold an API key, so it is private to the owner.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := Marshal(cfg)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace config file: %w", err)
	}
	return nil
}

// Marshal renders cfg as YAML.
func Marshal(cfg *Config) ([]byte, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}
