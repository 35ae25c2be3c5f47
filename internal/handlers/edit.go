package handlers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

const (
	// generatedWindow is how much of a file is searched for generator markers.
	generatedWindow = 500
	// maxDiffLines caps the rendered diff in a replace_text result.
	maxDiffLines = 40
)

var generatedMarkers = []string{
	"Code generated",
	"DO NOT EDIT",
	"Auto-generated",
	"automatically generated",
	"This file is generated",
}

func generatedMarker(content string) (string, bool) {
	head := content
	if len(head) > generatedWindow {
		head = head[:generatedWindow]
	}
	for _, m := range generatedMarkers {
		if strings.Contains(head, m) {
			return m, true
		}
	}
	return "", false
}

// WriteFile creates or replaces a file. Parent directories are created and
// the content is written to a temporary file that is renamed into place.
func (w *Workspace) WriteFile(_ context.Context, p map[string]string) (string, error) {
	rel, content := p["path"], p["content"]
	abs, err := w.resolve(rel)
	if err != nil {
		return failure("%v", err), nil
	}
	if abs == w.root {
		return failure("%s is the workspace root", rel), nil
	}

	verb := "created"
	mode := os.FileMode(0o644)
	if info, err := os.Stat(abs); err == nil {
		if info.IsDir() {
			return failure("%s is a directory", rel), nil
		}
		old, err := os.ReadFile(abs)
		if err != nil {
			return w.fsFailure(rel, err), nil
		}
		if m, ok := generatedMarker(string(old)); ok {
			return failure("%s is generated (found %q); change its generator instead", rel, m), nil
		}
		verb, mode = "overwrote", info.Mode().Perm()
	}
	if err := writeAtomic(abs, []byte(content), mode); err != nil {
		return w.fsFailure(rel, err), nil
	}
	w.log.Debug("wrote file", "path", w.rel(abs), "bytes", len(content))
	return fmt.Sprintf("%s %s (%d lines, %d bytes)\n", verb, w.rel(abs), countLines(content), len(content)), nil
}

func writeAtomic(path string, data []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Chmod(name, mode); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return err
	}
	return nil
}

// ReplaceText replaces old with new. old must occur exactly once unless
// replace_all is "true". The result carries a short line diff.
func (w *Workspace) ReplaceText(_ context.Context, p map[string]string) (string, error) {
	rel, oldText, newText := p["path"], p["old"], p["new"]
	all := p["replace_all"] == "true"

	abs, err := w.resolve(rel)
	if err != nil {
		return failure("%v", err), nil
	}
	info, err := os.Stat(abs)
	if err != nil {
		return w.fsFailure(rel, err), nil
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return w.fsFailure(rel, err), nil
	}
	if looksBinary(data) {
		return failure("%s is a binary file", rel), nil
	}
	content := string(data)
	if m, ok := generatedMarker(content); ok {
		return failure("%s is generated (found %q); change its generator instead", rel, m), nil
	}
	if oldText == newText {
		return failure("old and new text are identical"), nil
	}

	count := strings.Count(content, oldText)
	switch {
	case count == 0:
		msg := failure("old text not found in %s", rel)
		if strings.Contains(collapse(content), collapse(oldText)) {
			msg += "; it exists with different whitespace, copy it exactly from read_file (file indents with " + indentation(content) + ")"
		}
		return msg, nil
	case count > 1 && !all:
		return failure("old text appears %d times in %s (lines %s); include more surrounding context or set replace_all",
			count, rel, occurrenceLines(content, oldText, 5)), nil
	}

	var updated string
	n := 1
	if all {
		updated, n = strings.ReplaceAll(content, oldText, newText), count
	} else {
		updated = strings.Replace(content, oldText, newText, 1)
	}
	if err := writeAtomic(abs, []byte(updated), info.Mode().Perm()); err != nil {
		return w.fsFailure(rel, err), nil
	}

	noun := "occurrence"
	if n > 1 {
		noun = "occurrences"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "replaced %d %s in %s\n", n, noun, w.rel(abs))
	b.WriteString(lineDiff(content, updated, maxDiffLines))
	return b.String(), nil
}

func collapse(s string) string { return strings.Join(strings.Fields(s), " ") }

func indentation(content string) string {
	switch {
	case strings.Contains(content, "\n\t"):
		return "tabs"
	case strings.Contains(content, "\n    "):
		return "4 spaces"
	case strings.Contains(content, "\n  "):
		return "2 spaces"
	}
	return "no indentation"
}

// occurrenceLines lists the line numbers where sub starts, up to limit.
func occurrenceLines(content, sub string, limit int) string {
	var nums []string
	offset := 0
	for len(nums) < limit {
		i := strings.Index(content[offset:], sub)
		if i < 0 {
			break
		}
		pos := offset + i
		nums = append(nums, fmt.Sprint(strings.Count(content[:pos], "\n")+1))
		offset = pos + len(sub)
	}
	out := strings.Join(nums, ", ")
	if strings.Count(content, sub) > limit {
		out += ", ..."
	}
	return out
}

// lineDiff renders changed lines as "-old" / "+new", with a summary line.
func lineDiff(before, after string, limit int) string {
	dmp := diffmatchpatch.New()
	a, b, lines := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(a, b, false), lines)

	var out []string
	added, removed := 0, 0
	for _, d := range diffs {
		var prefix string
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			prefix = "+"
		case diffmatchpatch.DiffDelete:
			prefix = "-"
		default:
			continue
		}
		for _, l := range strings.SplitAfter(d.Text, "\n") {
			if l == "" {
				continue
			}
			if prefix == "+" {
				added++
			} else {
				removed++
			}
			out = append(out, prefix+strings.TrimSuffix(l, "\n"))
		}
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d lines added, %d removed\n", added, removed)
	for i, l := range out {
		if i == limit {
			fmt.Fprintf(&sb, "[%d more diff lines]\n", len(out)-limit)
			break
		}
		sb.WriteString(l)
		sb.WriteByte('\n')
	}
	return sb.String()
}
