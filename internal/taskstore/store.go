// Package taskstore persists tasks durably, one directory per task:
//
//	{root}/{id}/state.json    current TaskState, replaced atomically
//	{root}/{id}/actions.log   committed ActionRecords, one JSON object per line
//	{root}/{id}/artifacts/    files saved by the executor
//
// state.json is the commit point. A record appended to the log becomes part
// of the task only once state.json names its sequence number. Readers skip
// anything after that; Recover, run by the task's writer, cuts it off.
package taskstore

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ChamsBouzaiene/taskloop/internal/budget"
	"github.com/ChamsBouzaiene/taskloop/internal/phase"
	"github.com/ChamsBouzaiene/taskloop/internal/task"
)

const (
	stateFile    = "state.json"
	logFile      = "actions.log"
	artifactsDir = "artifacts"

	// CatalogFile is the sqlite index kept at the store root.
	CatalogFile = "index.db"
)

var (
	ErrNotFound           = errors.New("task not found")
	ErrExists             = errors.New("task already exists")
	ErrCorrupt            = errors.New("task state is corrupt")
	ErrSequence           = errors.New("action out of sequence")
	ErrInvalidID          = errors.New("invalid task id")
	ErrUnsupportedVersion = errors.New("unsupported schema version")
	ErrArtifactName       = errors.New("invalid artifact name")
	ErrArtifactTooLarge   = errors.New("artifact too large")
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateID checks that id is usable as a single directory name.
func ValidateID(id string) error {
	if !idPattern.MatchString(id) || strings.Contains(id, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidID, id)
	}
	return nil
}

// Options configures a Store.
type Options struct {
	// MaxArtifactSize caps SaveArtifact; zero means unlimited.
	MaxArtifactSize int64
	Logger          *slog.Logger
	// Catalog, when set, is kept in step with every save and delete.
	Catalog *Catalog
	// Now overrides time.Now.
	Now func() time.Time
}

// Store reads and writes tasks under a root directory. Each task must have
// a single writer at a time; Store holds no locks of its own.
type Store struct {
	root    string
	opts    Options
	logger  *slog.Logger
	catalog *Catalog
	now     func() time.Time

	// writeFault, when set, fails log appends for the paths it rejects.
	writeFault func(path string) error
}

// New opens the store rooted at root, creating it if needed.
func New(root string, opts Options) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, errors.New("tasks root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create tasks root: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		root:    root,
		opts:    opts,
		logger:  logger.With("component", "taskstore"),
		catalog: opts.Catalog,
		now:     now,
	}, nil
}

// Root returns the store directory.
func (s *Store) Root() string { return s.root }

// Catalog returns the attached catalog, or nil.
func (s *Store) Catalog() *Catalog { return s.catalog }

func (s *Store) taskDir(id string) string   { return filepath.Join(s.root, id) }
func (s *Store) statePath(id string) string { return filepath.Join(s.taskDir(id), stateFile) }
func (s *Store) logPath(id string) string   { return filepath.Join(s.taskDir(id), logFile) }

// Create makes a new running task. An empty id gets a generated UUID.
func (s *Store) Create(id, goal string, opts CreateOptions) (*TaskState, error) {
	if id == "" {
		id = uuid.NewString()
	}
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	if strings.TrimSpace(goal) == "" {
		return nil, errors.New("goal is required")
	}
	if _, err := os.Stat(s.taskDir(id)); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrExists, id)
	}

	if opts.Phase.Current == "" {
		opts.Phase = phase.NewDefault().ToState()
	}
	if opts.Budget.Allowance == 0 && opts.Budget.Used == 0 {
		opts.Budget = budget.State{Allowance: budget.DefaultConfig().InitialSteps}
	}

	now := s.now().UTC()
	st := &TaskState{
		SchemaVersion: SchemaVersion,
		ID:            id,
		Goal:          goal,
		Workspace:     opts.Workspace,
		CreatedAt:     now,
		UpdatedAt:     now,
		Phase:         opts.Phase,
		Budget:        opts.Budget,
		Memory:        opts.Memory,
		Verification:  task.VerificationUnknown,
		Status:        task.StatusRunning,
	}
	if err := st.Validate(); err != nil {
		return nil, err
	}
	if err := ensureDir(s.taskDir(id)); err != nil {
		return nil, fmt.Errorf("create task dir: %w", err)
	}
	if err := s.writeState(st); err != nil {
		return nil, err
	}
	s.logger.Debug("task created", "task", id)
	return st, nil
}

// Load reads a task. The action log is checked but never written, so Load is
// safe while another process commits. Unreadable state files are quarantined
// and reported as ErrCorrupt.
func (s *Store) Load(id string) (*TaskState, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.statePath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("read state of %s: %w", id, err)
	}

	st, migrated, err := decodeState(data)
	if err == nil {
		err = st.Validate()
		if err == nil && st.ID != id {
			err = fmt.Errorf("state belongs to task %s", st.ID)
		}
	}
	if err != nil {
		if errors.Is(err, ErrUnsupportedVersion) {
			return nil, fmt.Errorf("load %s: %w", id, err)
		}
		return nil, s.quarantine(id, err)
	}

	if _, _, err := s.readLog(id, st.Step); err != nil {
		return nil, err
	}
	if migrated {
		s.logger.Info("task state migrated", "task", id, "to_version", SchemaVersion)
		if err := s.writeState(st); err != nil {
			return nil, err
		}
	}
	return st, nil
}

// Recover loads a task for writing: records past the committed step and a
// torn trailing line are cut from the log. Only the task's writer may call
// it, before its first commit.
func (s *Store) Recover(id string) (*TaskState, error) {
	st, err := s.Load(id)
	if err != nil {
		return nil, err
	}
	if err := s.repairLog(id, st.Step); err != nil {
		return nil, err
	}
	return st, nil
}

// quarantine moves an unreadable state file aside and returns ErrCorrupt.
func (s *Store) quarantine(id string, cause error) error {
	src := s.statePath(id)
	dst := fmt.Sprintf("%s.corrupt-%d", src, s.now().UnixNano())
	if err := os.Rename(src, dst); err != nil {
		return fmt.Errorf("%w: %s: %v (quarantine failed: %v)", ErrCorrupt, id, cause, err)
	}
	_ = fsyncDir(s.taskDir(id))
	s.logger.Warn("corrupt task state quarantined", "task", id, "file", filepath.Base(dst), "error", cause)
	return fmt.Errorf("%w: %s: %v", ErrCorrupt, id, cause)
}

// Save atomically replaces the task state.
func (s *Store) Save(st *TaskState) error {
	if err := st.Validate(); err != nil {
		return err
	}
	st.UpdatedAt = s.now().UTC()
	return s.writeState(st)
}

func (s *Store) writeState(st *TaskState) error {
	data, err := marshalStable(st)
	if err != nil {
		return fmt.Errorf("marshal state of %s: %w", st.ID, err)
	}
	if err := writeFileAtomic(s.statePath(st.ID), data, 0o644); err != nil {
		return fmt.Errorf("write state of %s: %w", st.ID, err)
	}
	s.index(st.Summarize())
	return nil
}

// Commit makes record durable and advances st.Step to record.Seq. The
// record is appended to the log first; the state replace that follows is
// the commit point. On failure st is left unchanged.
func (s *Store) Commit(st *TaskState, record task.ActionRecord) error {
	p, err := s.prepareCommit(st, record)
	if err != nil {
		return err
	}
	if err := s.writeCommit(p); err != nil {
		st.Step, st.UpdatedAt = p.prevStep, p.prevUpdated
		return err
	}
	s.index(p.summary)
	return nil
}

// preparedCommit is a commit with both writes already serialized.
type preparedCommit struct {
	id          string
	line        []byte
	state       []byte
	summary     Summary
	prevStep    int
	prevUpdated time.Time
}

func (s *Store) prepareCommit(st *TaskState, record task.ActionRecord) (preparedCommit, error) {
	if err := st.Validate(); err != nil {
		return preparedCommit{}, err
	}
	if record.Seq != st.Step+1 {
		return preparedCommit{}, fmt.Errorf("%w: task %s at step %d got seq %d", ErrSequence, st.ID, st.Step, record.Seq)
	}
	line, err := json.Marshal(record)
	if err != nil {
		return preparedCommit{}, fmt.Errorf("marshal action %d: %w", record.Seq, err)
	}

	p := preparedCommit{id: st.ID, line: append(line, '\n'), prevStep: st.Step, prevUpdated: st.UpdatedAt}
	st.Step = record.Seq
	st.UpdatedAt = s.now().UTC()
	p.state, err = marshalStable(st)
	if err != nil {
		st.Step, st.UpdatedAt = p.prevStep, p.prevUpdated
		return preparedCommit{}, fmt.Errorf("marshal state of %s: %w", st.ID, err)
	}
	p.summary = st.Summarize()
	return p, nil
}

// writeCommit appends the record and then replaces the state. If the state
// cannot be written the record is cut again, so a retried commit of the same
// seq does not leave a duplicate line behind.
func (s *Store) writeCommit(p preparedCommit) error {
	path := s.logPath(p.id)
	var size int64
	if fi, err := os.Stat(path); err == nil {
		size = fi.Size()
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat action log of %s: %w", p.id, err)
	}
	if s.writeFault != nil {
		if err := s.writeFault(path); err != nil {
			return fmt.Errorf("append action log of %s: %w", p.id, err)
		}
	}
	if err := appendDurable(path, p.line); err != nil {
		return fmt.Errorf("append action log of %s: %w", p.id, err)
	}
	if err := writeFileAtomic(s.statePath(p.id), p.state, 0o644); err != nil {
		if terr := truncateDurable(path, size); terr != nil {
			s.logger.Warn("uncommitted action left in log", "task", p.id, "error", terr)
		}
		return fmt.Errorf("write state of %s: %w", p.id, err)
	}
	return nil
}

// RecordAction recovers the task and commits record to it.
func (s *Store) RecordAction(id string, record task.ActionRecord) error {
	st, err := s.Recover(id)
	if err != nil {
		return err
	}
	return s.Commit(st, record)
}

// MarkFatal records fatal_error on the last committed state of task id.
// In-memory progress past that state is not written, so the task stays
// loadable whatever step the failed writer had reached.
func (s *Store) MarkFatal(id, reason string) (*TaskState, error) {
	st, err := s.Load(id)
	if err != nil {
		return nil, err
	}
	st.Status = task.StatusFatalError
	st.LastError = reason
	if err := s.Save(st); err != nil {
		return nil, err
	}
	return st, nil
}

// UpdateVerification stores the latest verification outcome.
func (s *Store) UpdateVerification(id string, status task.Verification, detail string) error {
	switch status {
	case task.VerificationUnknown, task.VerificationPassed, task.VerificationFailed:
	default:
		return fmt.Errorf("unknown verification status %q", status)
	}
	st, err := s.Load(id)
	if err != nil {
		return err
	}
	st.Verification = status
	st.VerificationDetail = detail
	return s.Save(st)
}

// Actions returns the committed records with Seq > afterSeq, in order.
func (s *Store) Actions(id string, afterSeq int) ([]task.ActionRecord, error) {
	st, err := s.Load(id)
	if err != nil {
		return nil, err
	}
	records, _, err := s.readLog(id, st.Step)
	if err != nil {
		return nil, err
	}
	out := records[:0]
	for _, r := range records {
		if r.Seq > afterSeq {
			out = append(out, r)
		}
	}
	return out, nil
}

// readLog returns the committed prefix of the action log and the byte
// offset where it ends. Records past step and a torn trailing line are
// skipped, not removed.
func (s *Store) readLog(id string, step int) ([]task.ActionRecord, int64, error) {
	data, err := os.ReadFile(s.logPath(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if step == 0 {
				return nil, 0, nil
			}
			return nil, 0, fmt.Errorf("%w: %s: action log missing at step %d", ErrCorrupt, id, step)
		}
		return nil, 0, fmt.Errorf("read action log of %s: %w", id, err)
	}

	var (
		records []task.ActionRecord
		offset  int64
	)
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), len(data)+1)
	for len(records) < step && sc.Scan() {
		raw := sc.Bytes()
		lineLen := int64(len(raw)) + 1
		complete := offset+lineLen <= int64(len(data)) && data[offset+lineLen-1] == '\n'

		var r task.ActionRecord
		if !complete || json.Unmarshal(raw, &r) != nil || r.Seq != len(records)+1 {
			break
		}
		records = append(records, r)
		offset += lineLen
	}

	if len(records) < step {
		return nil, 0, fmt.Errorf("%w: %s: action log has %d records, state is at step %d", ErrCorrupt, id, len(records), step)
	}
	return records, offset, nil
}

// repairLog truncates the log to its committed prefix.
func (s *Store) repairLog(id string, step int) error {
	_, keep, err := s.readLog(id, step)
	if err != nil {
		return err
	}
	path := s.logPath(id)
	fi, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("stat action log of %s: %w", id, err)
	}
	if fi.Size() <= keep {
		return nil
	}
	if err := truncateDurable(path, keep); err != nil {
		return fmt.Errorf("truncate action log of %s: %w", id, err)
	}
	s.logger.Warn("uncommitted actions discarded", "task", id, "bytes", fi.Size()-keep)
	return nil
}

// ListTasks returns every task, most recently updated first. Tasks whose
// state cannot be read are listed with Err set.
func (s *Store) ListTasks() ([]Summary, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	var out []Summary
	for _, e := range entries {
		if !e.IsDir() || ValidateID(e.Name()) != nil {
			continue
		}
		st, err := s.peek(e.Name())
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			out = append(out, Summary{ID: e.Name(), Err: err.Error()})
			continue
		}
		out = append(out, st.Summarize())
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// peek reads state without migrating, repairing or quarantining anything.
func (s *Store) peek(id string) (*TaskState, error) {
	data, err := os.ReadFile(s.statePath(id))
	if err != nil {
		return nil, err
	}
	st, _, err := decodeState(data)
	if err != nil {
		return nil, err
	}
	if err := st.Validate(); err != nil {
		return nil, err
	}
	return st, nil
}

// Delete removes a task and everything under its directory.
func (s *Store) Delete(id string) error {
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
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	_ = fsyncDir(s.root)
	if s.catalog != nil {
		ctx, cancel := context.WithTimeout(context.Background(), catalogTimeout)
		defer cancel()
		if err := s.catalog.Delete(ctx, id); err != nil {
			s.logger.Warn("catalog delete failed", "task", id, "error", err)
		}
	}
	s.logger.Debug("task deleted", "task", id)
	return nil
}

// RebuildCatalog replaces the catalog contents with what is on disk.
func (s *Store) RebuildCatalog(ctx context.Context) error {
	if s.catalog == nil {
		return errors.New("no catalog attached")
	}
	summaries, err := s.ListTasks()
	if err != nil {
		return err
	}
	readable := summaries[:0]
	for _, sum := range summaries {
		if sum.Err == "" {
			readable = append(readable, sum)
		}
	}
	return s.catalog.Rebuild(ctx, readable)
}

const catalogTimeout = 5 * time.Second

func (s *Store) index(sum Summary) {
	if s.catalog == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), catalogTimeout)
	defer cancel()
	if err := s.catalog.Upsert(ctx, sum); err != nil {
		s.logger.Warn("catalog update failed", "task", sum.ID, "error", err)
	}
}
