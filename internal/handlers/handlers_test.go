package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ChamsBouzaiene/taskloop/internal/engine"
	"github.com/ChamsBouzaiene/taskloop/internal/sandbox"
	"github.com/ChamsBouzaiene/taskloop/internal/task"
)

type runCall struct {
	dir     string
	name    string
	args    []string
	timeout time.Duration
}

type fakeRunner struct {
	res   sandbox.Result
	err   error
	calls []runCall
}

func (f *fakeRunner) RunCmd(_ context.Context, dir, name string, args []string, timeout time.Duration) (sandbox.Result, error) {
	f.calls = append(f.calls, runCall{dir, name, args, timeout})
	return f.res, f.err
}

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		p := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func newWorkspace(t *testing.T, files map[string]string, opts Options) *Workspace {
	t.Helper()
	root := t.TempDir()
	writeTree(t, root, files)
	opts.Root = root
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	w, err := NewWorkspace(opts)
	if err != nil {
		t.Fatalf("NewWorkspace() error = %v", err)
	}
	return w
}

func readBack(t *testing.T, w *Workspace, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(w.Root(), filepath.FromSlash(rel)))
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestNewWorkspaceErrors(t *testing.T) {
	if _, err := NewWorkspace(Options{}); err == nil {
		t.Error("NewWorkspace(no root) error = nil, want error")
	}
	f := filepath.Join(t.TempDir(), "file")
	if err := os.WriteFile(f, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewWorkspace(Options{Root: f}); err == nil {
		t.Error("NewWorkspace(file) error = nil, want error")
	}
}

func TestRegister(t *testing.T) {
	root := t.TempDir()

	reg := engine.NewHandlerRegistry()
	if _, err := Register(reg, Options{Root: root}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if _, ok := reg.Get(task.ActionRunCommand); ok {
		t.Error("run_command registered without a runner")
	}
	if len(reg.Kinds()) != 5 {
		t.Errorf("Kinds() = %v, want the five file handlers", reg.Kinds())
	}

	reg = engine.NewHandlerRegistry()
	if _, err := Register(reg, Options{Root: root, Runner: &fakeRunner{}, CommandTimeout: time.Minute}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	h, ok := reg.Get(task.ActionRunTests)
	if !ok {
		t.Fatal("run_tests not registered")
	}
	if h.Timeout <= time.Minute {
		t.Errorf("run_tests Timeout = %v, want more than the command timeout", h.Timeout)
	}
	rf, _ := reg.Get(task.ActionReadFile)
	if err := rf.ValidateParams(map[string]string{"path": "a.go", "start": "x"}); err == nil {
		t.Error("ValidateParams(start=x) error = nil, want error")
	}
}

func TestResolve(t *testing.T) {
	w := newWorkspace(t, map[string]string{"a.go": "package a\n"}, Options{})
	outside := t.TempDir()
	if err := os.Symlink(outside, filepath.Join(w.Root(), "escape")); err != nil {
		t.Skipf("symlinks unavailable: %v", err)
	}
	tests := []struct {
		path    string
		wantErr bool
	}{
		{"a.go", false},
		{"./dir/../a.go", false},
		{"new/dir/file.go", false},
		{filepath.Join(w.Root(), "a.go"), false},
		{"../a.go", true},
		{"dir/../../a.go", true},
		{outside, true},
		{"escape/x.go", true},
	}
	for _, tt := range tests {
		_, err := w.resolve(tt.path)
		if (err != nil) != tt.wantErr {
			t.Errorf("resolve(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
		}
		if err != nil && !strings.Contains(err.Error(), "outside the workspace") {
			t.Errorf("resolve(%q) error = %v, want an outside-the-workspace error", tt.path, err)
		}
	}
}

func TestReadFile(t *testing.T) {
	w := newWorkspace(t, map[string]string{
		"a.go":    "package a\n\nfunc A() {}\n",
		"big.txt": strings.Repeat("x", 200) + "\n",
		"bin":     "\x00\x01\x02",
	}, Options{MaxReadSize: 100})

	tests := []struct {
		name   string
		params map[string]string
		want   string
	}{
		{"whole file", map[string]string{"path": "a.go"}, "a.go (3 lines)\npackage a\n\nfunc A() {}\n"},
		{"range", map[string]string{"path": "a.go", "start": "3", "end": "3"}, "a.go (3 lines, showing 3-3)\nfunc A() {}\n"},
		{"open range", map[string]string{"path": "a.go", "start": "2"}, "a.go (3 lines, showing 2-3)\n\nfunc A() {}\n"},
		{"range past end", map[string]string{"path": "a.go", "start": "9"}, "error: a.go has 3 lines, start 9 is past the end"},
		{"inverted range", map[string]string{"path": "a.go", "start": "3", "end": "1"}, "error: end 1 is before start 3"},
		{"too large", map[string]string{"path": "big.txt"}, "error: big.txt is 201B, over the 100B read limit"},
		{"binary", map[string]string{"path": "bin"}, "error: bin is a binary file"},
		{"missing", map[string]string{"path": "nope.go"}, "error: stat nope.go: "},
		{"directory", map[string]string{"path": "."}, "error: . is a directory"},
		{"outside", map[string]string{"path": "../x"}, "error: path ../x is outside the workspace"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := w.ReadFile(context.Background(), tt.params)
			if err != nil {
				t.Fatalf("ReadFile() error = %v", err)
			}
			if !strings.HasPrefix(got, tt.want) {
				t.Errorf("ReadFile() = %q, want prefix %q", got, tt.want)
			}
		})
	}
}

func TestListFiles(t *testing.T) {
	w := newWorkspace(t, map[string]string{
		".gitignore":        "build/\n*.log\n",
		"main.go":           "",
		"pkg/a/a.go":        "",
		"pkg/a/a_test.go":   "",
		"pkg/readme.md":     "",
		"build/out.go":      "",
		"debug.log":         "",
		"node_modules/x.js": "",
		".git/HEAD":         "",
	}, Options{})

	tests := []struct {
		name   string
		params map[string]string
		want   string
	}{
		{"everything", nil, ".gitignore\nmain.go\npkg/a/a.go\npkg/a/a_test.go\npkg/readme.md\n"},
		{"base glob", map[string]string{"pattern": "*_test.go"}, "pkg/a/a_test.go\n"},
		{"path glob", map[string]string{"pattern": "pkg/**/*.go"}, "pkg/a/a.go\npkg/a/a_test.go\n"},
		{"subdir", map[string]string{"path": "pkg/a"}, "pkg/a/a.go\npkg/a/a_test.go\n"},
		{"limit", map[string]string{"limit": "2"}, ".gitignore\nmain.go\n[listing stopped at 2 files; narrow it with path or pattern]\n"},
		{"no match", map[string]string{"pattern": "*.rs"}, "no files under . match *.rs\n"},
		{"bad glob", map[string]string{"pattern": "[a-"}, `error: invalid glob "[a-"`},
		{"not a dir", map[string]string{"path": "main.go"}, "error: main.go is not a directory"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := w.ListFiles(context.Background(), tt.params)
			if err != nil {
				t.Fatalf("ListFiles() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("ListFiles() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSearch(t *testing.T) {
	w := newWorkspace(t, map[string]string{
		"a.go":       "package a\n\nfunc Parse() {}\n",
		"b/b.go":     "package b\n\nvar _ = Parse(nil)\n// parse later\n",
		"b/notes.md": "Parse everything\n",
		"vendor.log": "Parse\n",
		".gitignore": "*.log\n",
		"image.bin":  "Parse\x00",
	}, Options{MaxSearchHits: 2})

	tests := []struct {
		name   string
		params map[string]string
		want   string
	}{
		{"capped", map[string]string{"pattern": `Parse\(`}, "a.go:3: func Parse() {}\nb/b.go:3: var _ = Parse(nil)\n"},
		{"glob", map[string]string{"pattern": "Parse", "glob": "*.md"}, "b/notes.md:1: Parse everything\n"},
		{"path", map[string]string{"pattern": "parse", "path": "b", "ignore_case": "true"}, "b/b.go:3: var _ = Parse(nil)\nb/b.go:4: // parse later\n[1 more matches not shown; refine the pattern or glob]\n"},
		{"none", map[string]string{"pattern": "Missing"}, "no matches for Missing\n"},
		{"bad regexp", map[string]string{"pattern": "("}, "error: invalid pattern: "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := w.Search(context.Background(), tt.params)
			if err != nil {
				t.Fatalf("Search() error = %v", err)
			}
			if !strings.HasPrefix(got, tt.want) || (!strings.HasPrefix(tt.want, "error") && got != tt.want) {
				t.Errorf("Search() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSearchCancelled(t *testing.T) {
	w := newWorkspace(t, map[string]string{"a.go": "x\n"}, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := w.Search(ctx, map[string]string{"pattern": "x"}); !errors.Is(err, context.Canceled) {
		t.Errorf("Search() error = %v, want context.Canceled", err)
	}
}

func TestWriteFile(t *testing.T) {
	w := newWorkspace(t, map[string]string{
		"old.go": "package old\n",
		"gen.go": "// Code generated by stringer. DO NOT EDIT.\npackage gen\n",
	}, Options{})
	ctx := context.Background()

	got, _ := w.WriteFile(ctx, map[string]string{"path": "new/dir/x.go", "content": "package x\n\nvar X = 1\n"})
	if got != "created new/dir/x.go (3 lines, 21 bytes)\n" {
		t.Errorf("WriteFile(new) = %q", got)
	}
	if readBack(t, w, "new/dir/x.go") != "package x\n\nvar X = 1\n" {
		t.Error("WriteFile(new) content mismatch")
	}

	got, _ = w.WriteFile(ctx, map[string]string{"path": "old.go", "content": "package old2\n"})
	if !strings.HasPrefix(got, "overwrote old.go") {
		t.Errorf("WriteFile(existing) = %q, want overwrote", got)
	}

	for _, tt := range []struct{ path, want string }{
		{"gen.go", `error: gen.go is generated (found "Code generated")`},
		{"../x.go", "error: path ../x.go is outside the workspace"},
		{"new", "error: new is a directory"},
	} {
		got, err := w.WriteFile(ctx, map[string]string{"path": tt.path, "content": "x"})
		if err != nil || !strings.HasPrefix(got, tt.want) {
			t.Errorf("WriteFile(%s) = %q, %v; want prefix %q", tt.path, got, err, tt.want)
		}
	}
	entries, _ := os.ReadDir(filepath.Join(w.Root(), "new", "dir"))
	if len(entries) != 1 {
		t.Errorf("new/dir holds %d entries, want no temp files left behind", len(entries))
	}
}

func TestReplaceText(t *testing.T) {
	const src = "package a\n\nfunc A() int {\n\treturn 1\n}\n\nfunc B() int {\n\treturn 1\n}\n"
	tests := []struct {
		name     string
		params   map[string]string
		want     string
		wantFile string
	}{
		{
			name:     "single",
			params:   map[string]string{"old": "func A() int {\n\treturn 1", "new": "func A() int {\n\treturn 2"},
			want:     "replaced 1 occurrence in a.go\n1 lines added, 1 removed\n-\treturn 1\n+\treturn 2\n",
			wantFile: strings.Replace(src, "return 1", "return 2", 1),
		},
		{
			name:     "replace all",
			params:   map[string]string{"old": "return 1", "new": "return 0", "replace_all": "true"},
			want:     "replaced 2 occurrences in a.go\n2 lines added, 2 removed\n",
			wantFile: strings.ReplaceAll(src, "return 1", "return 0"),
		},
		{
			name:   "ambiguous",
			params: map[string]string{"old": "return 1", "new": "return 0"},
			want:   "error: old text appears 2 times in a.go (lines 4, 8); include more surrounding context or set replace_all",
		},
		{
			name:   "not found",
			params: map[string]string{"old": "return 3", "new": "return 0"},
			want:   "error: old text not found in a.go",
		},
		{
			name:   "whitespace mismatch",
			params: map[string]string{"old": "func A() int {\n    return 1", "new": "x"},
			want:   "error: old text not found in a.go; it exists with different whitespace, copy it exactly from read_file (file indents with tabs)",
		},
		{
			name:   "identical",
			params: map[string]string{"old": "return 1", "new": "return 1"},
			want:   "error: old and new text are identical",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newWorkspace(t, map[string]string{"a.go": src}, Options{})
			tt.params["path"] = "a.go"
			got, err := w.ReplaceText(context.Background(), tt.params)
			if err != nil {
				t.Fatalf("ReplaceText() error = %v", err)
			}
			if !strings.HasPrefix(got, tt.want) {
				t.Errorf("ReplaceText() = %q, want prefix %q", got, tt.want)
			}
			want := tt.wantFile
			if want == "" {
				want = src
			}
			if file := readBack(t, w, "a.go"); file != want {
				t.Errorf("file = %q, want %q", file, want)
			}
		})
	}
}

func TestReplaceTextRefusesGenerated(t *testing.T) {
	w := newWorkspace(t, map[string]string{"z.pb.go": "// Code generated by protoc-gen-go. DO NOT EDIT.\npackage z\n"}, Options{})
	got, _ := w.ReplaceText(context.Background(), map[string]string{"path": "z.pb.go", "old": "package z", "new": "package y"})
	if !strings.HasPrefix(got, "error: z.pb.go is generated") {
		t.Errorf("ReplaceText(generated) = %q", got)
	}
}

func TestRunCommand(t *testing.T) {
	tests := []struct {
		name     string
		command  string
		timeout  string
		res      sandbox.Result
		runErr   error
		want     string
		wantArgs []string
		wantTime time.Duration
	}{
		{
			name:     "ok",
			command:  `go vet "./..."`,
			res:      sandbox.Result{Stdout: "clean\n"},
			want:     "$ go vet ./...\nclean\n",
			wantArgs: []string{"vet", "./..."},
			wantTime: time.Minute,
		},
		{
			name:     "non-zero exit",
			command:  "golangci-lint run",
			res:      sandbox.Result{Stdout: "a.go:1: unused\n", Stderr: "3 issues remaining\n", Code: 1},
			want:     "failed: exit status 1\n$ golangci-lint run\na.go:1: unused\n3 issues remaining\n",
			wantArgs: []string{"run"},
			wantTime: time.Minute,
		},
		{
			name:     "timed out",
			command:  "go test ./...",
			timeout:  "5",
			res:      sandbox.Result{Code: 1, TimedOut: true},
			want:     "error: command timed out after 5s\n$ go test ./...\n",
			wantArgs: []string{"test", "./..."},
			wantTime: 5 * time.Second,
		},
		{
			name:     "timeout is capped",
			command:  "make",
			timeout:  "90m",
			want:     "$ make\n",
			wantTime: time.Minute,
		},
		{
			name:    "not allowed",
			command: "curl http://example.com",
			want:    `error: command "curl" is not in allowlist`,
		},
		{
			name:    "runner failure",
			command: "make lint",
			runErr:  errors.New(`exec: "make": executable file not found in $PATH`),
			want:    `error: make: exec: "make": executable file not found`,
		},
		{
			name:    "empty",
			command: "  ",
			want:    "error: empty command",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &fakeRunner{res: tt.res, err: tt.runErr}
			w := newWorkspace(t, nil, Options{Runner: r, CommandTimeout: time.Minute, AllowCommands: []string{"go", "golangci-lint", "make"}})
			got, err := w.RunCommand(context.Background(), map[string]string{"command": tt.command, "timeout": tt.timeout})
			if err != nil {
				t.Fatalf("RunCommand() error = %v", err)
			}
			if !strings.HasPrefix(got, tt.want) {
				t.Errorf("RunCommand() = %q, want prefix %q", got, tt.want)
			}
			if tt.wantTime == 0 {
				return
			}
			if len(r.calls) != 1 {
				t.Fatalf("runner calls = %d, want 1", len(r.calls))
			}
			c := r.calls[0]
			if c.dir != w.Root() || c.timeout != tt.wantTime || strings.Join(c.args, " ") != strings.Join(tt.wantArgs, " ") {
				t.Errorf("runner call = %+v, want dir %s args %v timeout %v", c, w.Root(), tt.wantArgs, tt.wantTime)
			}
		})
	}
}

func TestRunTests(t *testing.T) {
	goMod := map[string]string{"go.mod": "module example.com/a\n"}
	tests := []struct {
		name     string
		files    map[string]string
		override string
		params   map[string]string
		res      sandbox.Result
		want     string
		wantCmd  string
	}{
		{
			name:    "go pass",
			files:   goMod,
			res:     sandbox.Result{Stdout: "ok  \texample.com/a\t0.01s\n"},
			want:    "$ go test ./...\nok  \texample.com/a\t0.01s\nPASS\n",
			wantCmd: "go test ./...",
		},
		{
			name:    "go target and run",
			files:   goMod,
			params:  map[string]string{"target": "./pkg/...", "run": "TestParse"},
			res:     sandbox.Result{Stdout: "--- FAIL: TestParse (0.00s)\n", Code: 1},
			want:    "$ go test ./pkg/... -run TestParse\n--- FAIL: TestParse (0.00s)\nFAIL\n",
			wantCmd: "go test ./pkg/... -run TestParse",
		},
		{
			name:    "python",
			files:   map[string]string{"pyproject.toml": ""},
			params:  map[string]string{"run": "parse"},
			res:     sandbox.Result{Stdout: "1 passed"},
			want:    "$ pytest -q -k parse\n1 passed\nPASS\n",
			wantCmd: "pytest -q -k parse",
		},
		{
			name:     "override",
			override: "make test",
			res:      sandbox.Result{Code: 2, TimedOut: true},
			want:     "error: tests timed out after 1m0s\n$ make test\nFAIL\n",
			wantCmd:  "make test",
		},
		{
			name: "unknown workspace",
			want: "error: no test command known for this workspace",
		},
		{
			name:   "target outside",
			files:  goMod,
			params: map[string]string{"target": "../other"},
			want:   "error: path ../other is outside the workspace",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &fakeRunner{res: tt.res}
			w := newWorkspace(t, tt.files, Options{Runner: r, CommandTimeout: time.Minute, TestCommand: tt.override})
			got, err := w.RunTests(context.Background(), tt.params)
			if err != nil {
				t.Fatalf("RunTests() error = %v", err)
			}
			if !strings.HasPrefix(got, tt.want) {
				t.Errorf("RunTests() = %q, want prefix %q", got, tt.want)
			}
			if tt.wantCmd == "" {
				if len(r.calls) != 0 {
					t.Errorf("runner called %d times, want 0", len(r.calls))
				}
				return
			}
			if len(r.calls) != 1 {
				t.Fatalf("runner calls = %d, want 1", len(r.calls))
			}
			if cmd := strings.Join(append([]string{r.calls[0].name}, r.calls[0].args...), " "); cmd != tt.wantCmd {
				t.Errorf("command = %q, want %q", cmd, tt.wantCmd)
			}
		})
	}
}

func TestClip(t *testing.T) {
	w := newWorkspace(t, nil, Options{OutputLimit: 40})
	out := strings.Repeat("h", 50) + strings.Repeat("t", 50)
	got := w.clip(out)
	if !strings.HasPrefix(got, strings.Repeat("h", 10)+"\n[... 60B omitted ...]\n") || !strings.HasSuffix(got, strings.Repeat("t", 30)) {
		t.Errorf("clip() = %q", got)
	}
	if w.clip("short") != "short" {
		t.Error("clip() changed short output")
	}
}

func TestSplitArgs(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"go test ./...", []string{"go", "test", "./..."}},
		{`git commit -m "fix the parser"`, []string{"git", "commit", "-m", "fix the parser"}},
		{`echo 'a "b"' ""`, []string{"echo", `a "b"`, ""}},
		{"  ls\t-la  ", []string{"ls", "-la"}},
		{"", nil},
	}
	for _, tt := range tests {
		got := splitArgs(tt.in)
		if strings.Join(got, "|") != strings.Join(tt.want, "|") || len(got) != len(tt.want) {
			t.Errorf("splitArgs(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
