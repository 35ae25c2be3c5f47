package handlers

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"strings"
)

// maxHitLine caps the text shown per hit.
const maxHitLine = 200

// Search greps non-ignored text files below path. Hits are rendered as
// "path:line: text", the format the executor turns into location facts.
func (w *Workspace) Search(ctx context.Context, p map[string]string) (string, error) {
	expr := p["pattern"]
	if p["ignore_case"] == "true" {
		expr = "(?i)" + expr
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return failure("invalid pattern: %v", err), nil
	}
	rel := p["path"]
	if rel == "" {
		rel = "."
	}
	abs, err := w.resolve(rel)
	if err != nil {
		return failure("%v", err), nil
	}
	if _, err := os.Stat(abs); err != nil {
		return w.fsFailure(rel, err), nil
	}
	match, err := globMatcher(p["glob"])
	if err != nil {
		return failure("%v", err), nil
	}

	var hits []string
	more := 0
	err = w.walk(abs, func(fabs, frel string, d fs.DirEntry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !match(frel) {
			return nil
		}
		if info, err := d.Info(); err != nil || info.Size() > w.opts.MaxReadSize {
			return nil
		}
		data, err := os.ReadFile(fabs)
		if err != nil || looksBinary(data) {
			return nil
		}
		sc := bufio.NewScanner(bytes.NewReader(data))
		sc.Buffer(make([]byte, 0, 64*1024), int(w.opts.MaxReadSize)+1)
		for n := 1; sc.Scan(); n++ {
			line := sc.Text()
			if !re.MatchString(line) {
				continue
			}
			if len(hits) >= w.opts.MaxSearchHits {
				more++
				continue
			}
			hits = append(hits, fmt.Sprintf("%s:%d: %s", frel, n, clipLine(strings.TrimSpace(line))))
		}
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", err
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return w.fsFailure(rel, err), nil
		}
	}

	if len(hits) == 0 {
		return fmt.Sprintf("no matches for %s\n", p["pattern"]), nil
	}
	var b strings.Builder
	for _, h := range hits {
		b.WriteString(h)
		b.WriteByte('\n')
	}
	if more > 0 {
		fmt.Fprintf(&b, "[%d more matches not shown; refine the pattern or glob]\n", more)
	}
	return b.String(), nil
}

func clipLine(s string) string {
	if len(s) <= maxHitLine {
		return s
	}
	return s[:maxHitLine] + "..."
}
