package taskstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/docker/go-units"
)

func (s *Store) artifactPath(id, name string) string {
	return filepath.Join(s.taskDir(id), artifactsDir, name)
}

func validateArtifactName(name string) error {
	if name == "" || name == "." || name == ".." ||
		strings.ContainsAny(name, `/\`) || filepath.Base(name) != name ||
		strings.HasPrefix(name, ".") {
		return fmt.Errorf("%w: %q", ErrArtifactName, name)
	}
	return nil
}

// SaveArtifact atomically writes data as an artifact of task id. The name
// must be a single path element.
func (s *Store) SaveArtifact(id, name string, data []byte) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	if err := validateArtifactName(name); err != nil {
		return err
	}
	if max := s.opts.MaxArtifactSize; max > 0 && int64(len(data)) > max {
		return fmt.Errorf("%w: %s is %s, limit %s", ErrArtifactTooLarge, name,
			units.HumanSize(float64(len(data))), units.HumanSize(float64(max)))
	}
	if _, err := os.Stat(s.taskDir(id)); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return err
	}
	if err := writeFileAtomic(s.artifactPath(id, name), data, 0o644); err != nil {
		return fmt.Errorf("write artifact %s of %s: %w", name, id, err)
	}
	return nil
}

// LoadArtifact reads an artifact of task id.
func (s *Store) LoadArtifact(id, name string) ([]byte, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	if err := validateArtifactName(name); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.artifactPath(id, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: artifact %s of %s", ErrNotFound, name, id)
		}
		return nil, err
	}
	return data, nil
}

// ListArtifacts returns the artifact names of task id, sorted.
func (s *Store) ListArtifacts(id string) ([]string, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(s.taskDir(id), artifactsDir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || validateArtifactName(e.Name()) != nil || strings.Contains(e.Name(), ".tmp.") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}
