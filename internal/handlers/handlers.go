// Package handlers implements the workspace actions a task can propose:
// reading, listing, searching and editing files, and running commands and
// tests through a sandbox.
//
// Expected failures are returned as text starting with "error:" so the
// executor records them as failed actions and the model sees the reason.
package handlers

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"
	gitignore "github.com/sabhiram/go-gitignore"

	"github.com/ChamsBouzaiene/taskloop/internal/engine"
	"github.com/ChamsBouzaiene/taskloop/internal/sandbox"
	"github.com/ChamsBouzaiene/taskloop/internal/task"
)

const (
	defaultMaxReadSize    = 256 * units.KiB
	defaultMaxSearchHits  = 50
	defaultOutputLimit    = 64 * units.KiB
	defaultCommandTimeout = 2 * time.Minute
	defaultListLimit      = 500
	// handlerSlack lets the sandbox timeout fire before the executor's.
	handlerSlack = 15 * time.Second
)

// Always ignored, on top of the workspace's .gitignore.
var defaultIgnores = []string{"**/.git/", "**/node_modules/", ".taskloop/"}

// DefaultAllowCommands is used when Options.AllowCommands is empty.
var DefaultAllowCommands = []string{
	"go", "gofmt", "goimports", "golangci-lint",
	"npm", "npx", "yarn", "pnpm", "node", "tsc", "eslint", "prettier",
	"python", "python3", "pytest", "ruff", "mypy",
	"cargo", "rustc",
	"make",
	"git",
	"ls", "cat", "head", "tail", "wc", "grep", "find", "diff", "sort", "echo",
}

// Options configures the handlers.
type Options struct {
	// Root is the workspace directory; every path is resolved inside it.
	Root   string
	Runner sandbox.Runner

	MaxReadSize    int64
	MaxSearchHits  int
	OutputLimit    int64
	CommandTimeout time.Duration
	AllowCommands  []string
	// TestCommand overrides project detection for run_tests, e.g. "make test".
	TestCommand string
	Logger      *slog.Logger
}

func (o *Options) defaults() {
	if o.MaxReadSize <= 0 {
		o.MaxReadSize = defaultMaxReadSize
	}
	if o.MaxSearchHits <= 0 {
		o.MaxSearchHits = defaultMaxSearchHits
	}
	if o.OutputLimit <= 0 {
		o.OutputLimit = defaultOutputLimit
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = defaultCommandTimeout
	}
	if len(o.AllowCommands) == 0 {
		o.AllowCommands = DefaultAllowCommands
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Workspace holds the resolved root and ignore rules shared by the handlers.
type Workspace struct {
	root   string
	ignore *gitignore.GitIgnore
	opts   Options
	log    *slog.Logger
}

// NewWorkspace resolves opts.Root and loads its .gitignore.
func NewWorkspace(opts Options) (*Workspace, error) {
	opts.defaults()
	if opts.Root == "" {
		return nil, errors.New("handlers: workspace root is required")
	}
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("handlers: resolve root: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("handlers: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("handlers: %s is not a directory", root)
	}

	ign := gitignore.CompileIgnoreLines(defaultIgnores...)
	if _, err := os.Stat(filepath.Join(root, ".gitignore")); err == nil {
		ign, err = gitignore.CompileIgnoreFileAndLines(filepath.Join(root, ".gitignore"), defaultIgnores...)
		if err != nil {
			return nil, fmt.Errorf("handlers: read .gitignore: %w", err)
		}
	}
	return &Workspace{root: root, ignore: ign, opts: opts, log: opts.Logger}, nil
}

// Root returns the absolute workspace directory.
func (w *Workspace) Root() string { return w.root }

// Register adds every workspace handler to reg. run_command and run_tests
// are only registered when opts.Runner is set.
func Register(reg *engine.HandlerRegistry, opts Options) (*Workspace, error) {
	w, err := NewWorkspace(opts)
	if err != nil {
		return nil, err
	}
	for _, h := range w.Handlers() {
		if err := reg.Register(h); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// Handlers returns the handler set for w.
func (w *Workspace) Handlers() []engine.Handler {
	hs := []engine.Handler{
		{
			Kind:        task.ActionReadFile,
			Description: "Read a file, optionally a 1-based inclusive line range.",
			SchemaJSON:  readSchema,
			Fn:          w.ReadFile,
		},
		{
			Kind:        task.ActionListFiles,
			Description: "List files under a directory, optionally filtered by a glob such as **/*.go.",
			SchemaJSON:  listSchema,
			Fn:          w.ListFiles,
		},
		{
			Kind:        task.ActionSearch,
			Description: "Search file contents with a regular expression. Hits are path:line: text.",
			SchemaJSON:  searchSchema,
			Fn:          w.Search,
		},
		{
			Kind:        task.ActionWriteFile,
			Description: "Create or overwrite a file with the given content.",
			SchemaJSON:  writeSchema,
			Fn:          w.WriteFile,
		},
		{
			Kind:        task.ActionReplaceText,
			Description: "Replace exact text in a file. old must match once unless replace_all is true.",
			SchemaJSON:  replaceSchema,
			Fn:          w.ReplaceText,
		},
	}
	if w.opts.Runner != nil {
		hs = append(hs,
			engine.Handler{
				Kind:        task.ActionRunCommand,
				Description: "Run an allowed command in the workspace. Allowed: " + strings.Join(w.opts.AllowCommands, ", ") + ".",
				SchemaJSON:  commandSchema,
				Fn:          w.RunCommand,
				Timeout:     w.opts.CommandTimeout + handlerSlack,
			},
			engine.Handler{
				Kind:        task.ActionRunTests,
				Description: "Run the project's tests, optionally limited to a target package or path.",
				SchemaJSON:  testsSchema,
				Fn:          w.RunTests,
				Timeout:     w.opts.CommandTimeout + handlerSlack,
			},
		)
	}
	return hs
}

// resolve maps a workspace-relative path to an absolute one and refuses
// anything that escapes the root, including through symlinks.
func (w *Workspace) resolve(rel string) (string, error) {
	if strings.ContainsRune(rel, 0) {
		return "", fmt.Errorf("invalid path %q", rel)
	}
	var abs string
	if filepath.IsAbs(rel) {
		abs = filepath.Clean(rel)
	} else {
		abs = filepath.Join(w.root, rel)
	}
	if !w.within(abs) {
		return "", fmt.Errorf("path %s is outside the workspace", rel)
	}
	// Check the deepest existing ancestor so new files under a symlinked
	// directory are caught too.
	for p := abs; ; p = filepath.Dir(p) {
		if real, err := filepath.EvalSymlinks(p); err == nil {
			if !w.within(real) {
				return "", fmt.Errorf("path %s is outside the workspace", rel)
			}
			break
		}
		if p == w.root || p == filepath.Dir(p) {
			break
		}
	}
	return abs, nil
}

func (w *Workspace) within(abs string) bool {
	r, err := filepath.Rel(w.root, abs)
	if err != nil {
		return false
	}
	return r == "." || (r != ".." && !strings.HasPrefix(r, ".."+string(filepath.Separator)))
}

// rel renders abs relative to the root with forward slashes.
func (w *Workspace) rel(abs string) string {
	r, err := filepath.Rel(w.root, abs)
	if err != nil {
		return abs
	}
	return filepath.ToSlash(r)
}

func (w *Workspace) ignored(rel string, dir bool) bool {
	if rel == "." || rel == "" {
		return false
	}
	if w.ignore.MatchesPath(rel) {
		return true
	}
	return dir && w.ignore.MatchesPath(rel+"/")
}

// walk visits the non-ignored files below dir in lexical order.
func (w *Workspace) walk(dir string, fn func(abs, rel string, d fs.DirEntry) error) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if p == dir {
				return err
			}
			return nil
		}
		rel := w.rel(p)
		if w.ignored(rel, d.IsDir()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		return fn(p, rel, d)
	})
}

// failure renders an expected failure.
func failure(format string, args ...any) string {
	return "error: " + fmt.Sprintf(format, args...)
}

// fsFailure renders a filesystem error with the workspace path instead of
// the absolute one.
func (w *Workspace) fsFailure(rel string, err error) string {
	var pe *fs.PathError
	if errors.As(err, &pe) {
		return failure("%s %s: %v", pe.Op, rel, pe.Err)
	}
	return failure("%s: %v", rel, err)
}

// looksBinary reports whether data has a NUL byte in its first 8000 bytes,
// the same heuristic git uses.
func looksBinary(data []byte) bool {
	n := len(data)
	if n > 8000 {
		n = 8000
	}
	for _, b := range data[:n] {
		if b == 0 {
			return true
		}
	}
	return false
}

func countLines(s string) int {
	if s == "" {
		return 0
	}
	n := strings.Count(s, "\n")
	if !strings.HasSuffix(s, "\n") {
		n++
	}
	return n
}
