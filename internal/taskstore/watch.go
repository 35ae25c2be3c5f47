package taskstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch calls fn with the current state of task id and again after every
// commit, until ctx is done. The task directory is watched rather than the
// file because commits replace state.json by rename.
func (s *Store) Watch(ctx context.Context, id string, fn func(*TaskState)) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	dir := s.taskDir(id)
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	lastStep, lastStatus := -1, ""
	emit := func() {
		st, err := s.peek(id)
		if err != nil {
			return
		}
		if st.Step == lastStep && string(st.Status) == lastStatus {
			return
		}
		lastStep, lastStatus = st.Step, string(st.Status)
		fn(st)
	}
	emit()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != stateFile {
				continue
			}
			if event.Has(fsnotify.Remove) {
				if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("%w: %s was deleted", ErrNotFound, id)
				}
				continue
			}
			if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) || event.Has(fsnotify.Rename) {
				emit()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch %s: %w", id, err)
		}
	}
}
