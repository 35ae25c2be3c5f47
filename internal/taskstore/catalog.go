package taskstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ChamsBouzaiene/taskloop/internal/phase"
	"github.com/ChamsBouzaiene/taskloop/internal/task"
)

// Catalog is a sqlite index of task summaries for fast listing. The task
// directories stay authoritative; the catalog can always be rebuilt from
// them.
type Catalog struct {
	db *sql.DB
}

// OpenCatalog opens or creates the catalog at path.
func OpenCatalog(ctx context.Context, path string) (*Catalog, error) {
	// WAL lets readers proceed while a task commits.
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open catalog: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping catalog: %w", err)
	}

	c := &Catalog{db: db}
	if err := c.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize catalog schema: %w", err)
	}
	return c, nil
}

// Close closes the database.
func (c *Catalog) Close() error {
	return c.db.Close()
}

func (c *Catalog) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id         TEXT PRIMARY KEY,
		goal       TEXT NOT NULL,
		status     TEXT NOT NULL,
		phase      TEXT NOT NULL,
		step       INTEGER NOT NULL,
		remaining  INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_updated ON tasks(updated_at);
	`
	_, err := c.db.ExecContext(ctx, schema)
	return err
}

// Upsert records the latest summary of a task.
func (c *Catalog) Upsert(ctx context.Context, s Summary) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO tasks (id, goal, status, phase, step, remaining, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			goal = excluded.goal,
			status = excluded.status,
			phase = excluded.phase,
			step = excluded.step,
			remaining = excluded.remaining,
			updated_at = excluded.updated_at
	`, s.ID, s.Goal, string(s.Status), string(s.Phase), s.Step, s.Remaining,
		s.CreatedAt.UnixNano(), s.UpdatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("upsert task %s: %w", s.ID, err)
	}
	return nil
}

// Delete drops a task from the catalog.
func (c *Catalog) Delete(ctx context.Context, id string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return nil
}

// Filter narrows List.
type Filter struct {
	Status task.Status
	Limit  int
}

// List returns summaries, most recently updated first.
func (c *Catalog) List(ctx context.Context, f Filter) ([]Summary, error) {
	query := `SELECT id, goal, status, phase, step, remaining, created_at, updated_at FROM tasks`
	var args []any
	if f.Status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY updated_at DESC, id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			s                  Summary
			status, ph         string
			created, updatedAt int64
		)
		if err := rows.Scan(&s.ID, &s.Goal, &status, &ph, &s.Step, &s.Remaining, &created, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan task row: %w", err)
		}
		s.Status = task.Status(status)
		s.Phase = phase.Phase(ph)
		s.CreatedAt = time.Unix(0, created).UTC()
		s.UpdatedAt = time.Unix(0, updatedAt).UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}

// Count returns the number of cataloged tasks.
func (c *Catalog) Count(ctx context.Context) (int, error) {
	var n int
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count tasks: %w", err)
	}
	return n, nil
}

// Rebuild replaces the catalog contents with summaries in one transaction.
func (c *Catalog) Rebuild(ctx context.Context, summaries []Summary) error {
	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rebuild: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM tasks`); err != nil {
		return fmt.Errorf("clear catalog: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO tasks (id, goal, status, phase, step, remaining, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare rebuild: %w", err)
	}
	defer stmt.Close()
	for _, s := range summaries {
		if _, err := stmt.ExecContext(ctx, s.ID, s.Goal, string(s.Status), string(s.Phase), s.Step, s.Remaining,
			s.CreatedAt.UnixNano(), s.UpdatedAt.UnixNano()); err != nil {
			return fmt.Errorf("insert task %s: %w", s.ID, err)
		}
	}
	return tx.Commit()
}

// PruneMissing removes catalog rows whose task directory is gone.
func (c *Catalog) PruneMissing(ctx context.Context, root string) (int, error) {
	rows, err := c.db.QueryContext(ctx, `SELECT id FROM tasks`)
	if err != nil {
		return 0, fmt.Errorf("list catalog ids: %w", err)
	}
	var missing []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		if _, err := os.Stat(filepath.Join(root, id)); os.IsNotExist(err) {
			missing = append(missing, id)
		}
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return 0, err
	}
	for _, id := range missing {
		if err := c.Delete(ctx, id); err != nil {
			return 0, err
		}
	}
	return len(missing), nil
}
