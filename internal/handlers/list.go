package handlers

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

var errLimit = errors.New("limit reached")

// globMatcher matches workspace-relative slash paths. A pattern without a
// slash is matched against the base name, so "*.go" finds files at any depth.
func globMatcher(pattern string) (func(rel string) bool, error) {
	if pattern == "" {
		return func(string) bool { return true }, nil
	}
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid glob %q", pattern)
	}
	base := !strings.Contains(pattern, "/")
	return func(rel string) bool {
		name := rel
		if base {
			name = path.Base(rel)
		}
		ok, _ := doublestar.Match(pattern, name)
		return ok
	}, nil
}

// ListFiles lists the non-ignored files under path, one per line.
func (w *Workspace) ListFiles(ctx context.Context, p map[string]string) (string, error) {
	rel := p["path"]
	if rel == "" {
		rel = "."
	}
	abs, err := w.resolve(rel)
	if err != nil {
		return failure("%v", err), nil
	}
	info, err := os.Stat(abs)
	if err != nil {
		return w.fsFailure(rel, err), nil
	}
	if !info.IsDir() {
		return failure("%s is not a directory", rel), nil
	}
	match, err := globMatcher(p["pattern"])
	if err != nil {
		return failure("%v", err), nil
	}
	limit := defaultListLimit
	if s := p["limit"]; s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			limit = n
		}
	}

	var files []string
	truncated := false
	err = w.walk(abs, func(_, frel string, _ fs.DirEntry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !match(frel) {
			return nil
		}
		if len(files) == limit {
			truncated = true
			return errLimit
		}
		files = append(files, frel)
		return nil
	})
	if err != nil && !errors.Is(err, errLimit) {
		if ctx.Err() != nil {
			return "", err
		}
		return w.fsFailure(rel, err), nil
	}

	shown := filepath.ToSlash(rel)
	if len(files) == 0 {
		if p["pattern"] != "" {
			return fmt.Sprintf("no files under %s match %s\n", shown, p["pattern"]), nil
		}
		return fmt.Sprintf("no files under %s\n", shown), nil
	}
	var b strings.Builder
	for _, f := range files {
		b.WriteString(f)
		b.WriteByte('\n')
	}
	if truncated {
		fmt.Fprintf(&b, "[listing stopped at %d files; narrow it with path or pattern]\n", limit)
	}
	return b.String(), nil
}
