package handlers

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/docker/go-units"
)

// ReadFile returns a header line "path (N lines)" followed by the content.
// With start/end only that range is returned and the size cap does not
// apply to the file as a whole.
func (w *Workspace) ReadFile(_ context.Context, p map[string]string) (string, error) {
	rel := p["path"]
	abs, err := w.resolve(rel)
	if err != nil {
		return failure("%v", err), nil
	}
	info, err := os.Stat(abs)
	if err != nil {
		return w.fsFailure(rel, err), nil
	}
	if info.IsDir() {
		return failure("%s is a directory; use list_files", rel), nil
	}

	start, end, err := lineRange(p["start"], p["end"])
	if err != nil {
		return failure("%v", err), nil
	}
	ranged := start > 0 || end > 0
	if !ranged && info.Size() > w.opts.MaxReadSize {
		return failure("%s is %s, over the %s read limit; read a line range with start and end",
			rel, units.HumanSize(float64(info.Size())), units.HumanSize(float64(w.opts.MaxReadSize))), nil
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return w.fsFailure(rel, err), nil
	}
	if looksBinary(data) {
		return failure("%s is a binary file", rel), nil
	}
	content := string(data)
	total := countLines(content)
	if !ranged {
		return fmt.Sprintf("%s (%d lines)\n%s", w.rel(abs), total, content), nil
	}

	if start == 0 {
		start = 1
	}
	if end == 0 || end > total {
		end = total
	}
	if start > total {
		return failure("%s has %d lines, start %d is past the end", rel, total, start), nil
	}
	lines := strings.SplitAfter(content, "\n")
	body := strings.Join(lines[start-1:end], "")
	if int64(len(body)) > w.opts.MaxReadSize {
		body = body[:w.opts.MaxReadSize] + "\n[truncated]\n"
	}
	return fmt.Sprintf("%s (%d lines, showing %d-%d)\n%s", w.rel(abs), total, start, end, body), nil
}

func lineRange(s, e string) (int, int, error) {
	var start, end int
	var err error
	if s != "" {
		if start, err = strconv.Atoi(s); err != nil || start < 1 {
			return 0, 0, fmt.Errorf("start must be a positive line number, got %q", s)
		}
	}
	if e != "" {
		if end, err = strconv.Atoi(e); err != nil || end < 1 {
			return 0, 0, fmt.Errorf("end must be a positive line number, got %q", e)
		}
	}
	if start > 0 && end > 0 && end < start {
		return 0, 0, fmt.Errorf("end %d is before start %d", end, start)
	}
	return start, end, nil
}
