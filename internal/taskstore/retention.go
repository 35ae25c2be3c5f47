package taskstore

import (
	"context"
	"fmt"
	"time"
)

// Prune deletes tasks in a terminal status that were last updated more than
// maxAge ago. Running and unreadable tasks are left alone. It returns the
// ids removed.
func (s *Store) Prune(maxAge time.Duration) ([]string, error) {
	if maxAge <= 0 {
		return nil, fmt.Errorf("prune age must be positive, got %s", maxAge)
	}
	cutoff := s.now().Add(-maxAge)

	summaries, err := s.ListTasks()
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, sum := range summaries {
		if sum.Err != "" || !sum.Status.Terminal() || !sum.UpdatedAt.Before(cutoff) {
			continue
		}
		if err := s.Delete(sum.ID); err != nil {
			return removed, fmt.Errorf("prune %s: %w", sum.ID, err)
		}
		removed = append(removed, sum.ID)
	}
	if len(removed) > 0 {
		s.logger.Info("pruned tasks", "count", len(removed), "older_than", maxAge)
	}
	if s.catalog != nil {
		ctx, cancel := context.WithTimeout(context.Background(), catalogTimeout)
		defer cancel()
		if _, err := s.catalog.PruneMissing(ctx, s.root); err != nil {
			s.logger.Warn("catalog prune failed", "error", err)
		}
	}
	return removed, nil
}
