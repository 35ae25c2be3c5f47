package engine

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/ChamsBouzaiene/taskloop/internal/budget"
	"github.com/ChamsBouzaiene/taskloop/internal/loopdetect"
	"github.com/ChamsBouzaiene/taskloop/internal/task"
)

// ExtractedFact is a fact candidate found in an action result.
type ExtractedFact struct {
	Category   string
	Subject    string
	Content    string
	Confidence float64
}

var (
	searchHit   = regexp.MustCompile(`^([^\s:][^:]*):(\d+):\s?(.*)$`)
	testsFailed = regexp.MustCompile(`(?m)^\s*(?:--- )?FAIL\b`)
	testsPassed = regexp.MustCompile(`(?m)^\s*(?:ok\b|PASS\b)`)
)

// ExtractFacts turns one executed action into fact candidates. It is rule
// based: reads yield file facts, search hits yield locations, measured
// counts yield violations, test runs yield test status and failures yield
// error facts. A note action states its fact directly.
func ExtractFacts(a Action, result string, success bool, maxHits int) []ExtractedFact {
	var out []ExtractedFact

	if !success {
		line := firstLine(result)
		if line == "" {
			line = "failed"
		}
		if c := loopdetect.Classify(result); c != loopdetect.CategoryNone {
			line = fmt.Sprintf("%s (%s)", line, c)
		}
		out = append(out, ExtractedFact{
			Category:   task.CategoryError,
			Subject:    string(a.Kind),
			Content:    truncateRunes(line, 200),
			Confidence: 0.6,
		})
	}

	switch a.Kind {
	case task.ActionReadFile:
		if success {
			path := a.Param("path")
			out = append(out, ExtractedFact{
				Category:   task.CategoryFile,
				Subject:    path,
				Content:    fileSummary(path, result),
				Confidence: 0.7,
			})
		}
	case task.ActionSearch:
		if success {
			out = append(out, searchFacts(result, maxHits)...)
		}
	case task.ActionRunTests:
		if f, ok := testStatus(result); ok {
			out = append(out, f)
		}
	case task.ActionNote:
		if f, ok := noteFact(a); ok {
			out = append(out, f)
		}
	}

	if n, ok := budget.ParseQuantity(result); ok {
		out = append(out, ExtractedFact{
			Category:   task.CategoryViolation,
			Content:    fmt.Sprintf("%d violations remaining", n),
			Confidence: 0.9,
		})
	}
	return out
}

// Verification infers a verification outcome from a result. Only test runs
// and measured counts are conclusive.
func Verification(a Action, result string) task.Verification {
	if a.Kind == task.ActionRunTests {
		switch {
		case testsFailed.MatchString(result):
			return task.VerificationFailed
		case testsPassed.MatchString(result):
			return task.VerificationPassed
		}
	}
	if a.Kind == task.ActionRunCommand || a.Kind == task.ActionRunTests {
		if n, ok := budget.ParseQuantity(result); ok {
			if n == 0 {
				return task.VerificationPassed
			}
			return task.VerificationFailed
		}
	}
	return task.VerificationUnknown
}

func fileSummary(path, result string) string {
	lines := strings.Count(result, "\n")
	if result != "" && !strings.HasSuffix(result, "\n") {
		lines++
	}
	if header := firstLine(result); strings.HasPrefix(header, path) {
		return header
	}
	return fmt.Sprintf("%s read (%d lines)", path, lines)
}

func searchFacts(result string, maxHits int) []ExtractedFact {
	if maxHits <= 0 {
		return nil
	}
	var out []ExtractedFact
	for _, line := range strings.Split(result, "\n") {
		m := searchHit.FindStringSubmatch(strings.TrimRight(line, "\r"))
		if m == nil {
			continue
		}
		if _, err := strconv.Atoi(m[2]); err != nil {
			continue
		}
		out = append(out, ExtractedFact{
			Category:   task.CategoryLocation,
			Subject:    m[1] + ":" + m[2],
			Content:    truncateRunes(strings.TrimSpace(m[3]), 160),
			Confidence: 0.6,
		})
		if len(out) >= maxHits {
			break
		}
	}
	return out
}

func testStatus(result string) (ExtractedFact, bool) {
	switch {
	case testsFailed.MatchString(result):
		content := "tests failing"
		if m := testsFailed.FindStringIndex(result); m != nil {
			content = "tests failing: " + truncateRunes(firstLine(result[m[0]:]), 160)
		}
		return ExtractedFact{Category: task.CategoryTestStatus, Subject: "tests", Content: content, Confidence: 0.9}, true
	case testsPassed.MatchString(result):
		return ExtractedFact{Category: task.CategoryTestStatus, Subject: "tests", Content: "tests passing", Confidence: 0.9}, true
	}
	return ExtractedFact{}, false
}

// noteFact reads a note action. Params: content (required), category
// (default note), subject, confidence.
func noteFact(a Action) (ExtractedFact, bool) {
	content := strings.TrimSpace(a.Param("content"))
	if content == "" {
		return ExtractedFact{}, false
	}
	category := strings.ToLower(strings.TrimSpace(a.Param("category")))
	if category == "" {
		category = task.CategoryNote
	}
	conf := 0.8
	if c, err := strconv.ParseFloat(strings.TrimSpace(a.Param("confidence")), 64); err == nil && c > 0 && c <= 1 {
		conf = c
	}
	return ExtractedFact{
		Category:   category,
		Subject:    strings.TrimSpace(a.Param("subject")),
		Content:    content,
		Confidence: conf,
	}, true
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
