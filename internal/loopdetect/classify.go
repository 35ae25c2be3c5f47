package loopdetect

import (
	"regexp"
	"strings"
)

// ErrorCategory groups failure texts that mean the same thing even when
// the exact wording differs.
type ErrorCategory string

const (
	CategoryNone        ErrorCategory = ""
	CategoryParse       ErrorCategory = "parse"
	CategoryValidation  ErrorCategory = "validation"
	CategoryNotFound    ErrorCategory = "not_found"
	CategoryNoMatch     ErrorCategory = "no_match"
	CategoryPermission  ErrorCategory = "permission"
	CategorySyntax      ErrorCategory = "syntax"
	CategoryType        ErrorCategory = "type"
	CategoryTestFailure ErrorCategory = "test_failure"
	CategoryLint        ErrorCategory = "lint"
	CategoryTimeout     ErrorCategory = "timeout"
	CategoryNotAllowed  ErrorCategory = "not_allowed"
	CategoryGeneric     ErrorCategory = "generic"
)

type errorPattern struct {
	pattern    *regexp.Regexp
	category   ErrorCategory
	suggestion string
}

// Patterns are matched against the lowercased result in order.
var errorPatterns = []errorPattern{
	{
		pattern:    regexp.MustCompile(`invalid response|could not parse|no json object|unexpected end of json`),
		category:   CategoryParse,
		suggestion: `Respond with exactly one JSON object of the form {"action": "<kind>", "params": {...}}.`,
	},
	{
		pattern:    regexp.MustCompile(`validation (error|failed)|is required|invalid type|unknown action|not allowed in phase`),
		category:   CategoryValidation,
		suggestion: "Check the action name and its parameter names against the listed actions before retrying.",
	},
	{
		pattern:    regexp.MustCompile(`old_string not found|no match(es)? for|text not found|not found in file`),
		category:   CategoryNoMatch,
		suggestion: "Re-read the file and copy the exact text to replace, including indentation.",
	},
	{
		pattern:    regexp.MustCompile(`no such file|file not found|does not exist|cannot find|not found`),
		category:   CategoryNotFound,
		suggestion: "Verify the path with list_files or search before reading or editing it.",
	},
	{
		pattern:    regexp.MustCompile(`permission denied|access denied|outside (the )?(workspace|repository)|read-only`),
		category:   CategoryPermission,
		suggestion: "Stay inside the workspace and avoid protected or generated files.",
	},
	{
		pattern:    regexp.MustCompile(`not in allowlist|command not allowed|command not found|executable file not found`),
		category:   CategoryNotAllowed,
		suggestion: "Use an allowed command; run_tests picks the project's test command for you.",
	},
	{
		pattern:    regexp.MustCompile(`timed out|timeout|deadline exceeded`),
		category:   CategoryTimeout,
		suggestion: "Narrow the command to a single package or test so it finishes in time.",
	},
	{
		pattern:    regexp.MustCompile(`syntax error|unexpected token|expected '?[;)}\]]|parse error|unterminated`),
		category:   CategorySyntax,
		suggestion: "Re-read the region you edited last; the edit probably broke the syntax.",
	},
	{
		pattern:    regexp.MustCompile(`undefined:|cannot use .* as|type mismatch|mismatched types|has no field or method|not declared`),
		category:   CategoryType,
		suggestion: "Check the declarations the code depends on before editing it again.",
	},
	{
		pattern:    regexp.MustCompile(`(?m)^(--- )?fail|tests? failed|assertion|expected .* got`),
		category:   CategoryTestFailure,
		suggestion: "Read the failing test output and change the approach instead of retrying the same fix.",
	},
	{
		pattern:    regexp.MustCompile(`violations? remaining|lint|vet:|staticcheck|warning:`),
		category:   CategoryLint,
		suggestion: "Fix one reported violation at a time and re-run the linter to confirm the count drops.",
	},
	{
		pattern:    regexp.MustCompile(`^error|^failed|panic:|exit (code|status) [1-9]`),
		category:   CategoryGeneric,
		suggestion: "Stop retrying this approach; try a different strategy or escalate.",
	},
}

var failurePrefix = regexp.MustCompile(`^(error|failed|fail|invalid)\b`)

// Failed reports whether a handler result encodes a failure. Handlers mark
// expected failures by starting the first line with "error", "failed",
// "fail" or "invalid".
func Failed(result string) bool {
	first := strings.TrimSpace(result)
	if i := strings.IndexByte(first, '\n'); i >= 0 {
		first = first[:i]
	}
	return failurePrefix.MatchString(strings.ToLower(strings.TrimSpace(first)))
}

// Classify maps a result text onto an error category. It returns
// CategoryNone when no pattern matches.
func Classify(result string) ErrorCategory {
	lower := strings.ToLower(strings.TrimSpace(result))
	if lower == "" {
		return CategoryNone
	}
	for _, p := range errorPatterns {
		if p.pattern.MatchString(lower) {
			return p.category
		}
	}
	return CategoryNone
}

// Suggestion returns the recovery hint for a category.
func Suggestion(c ErrorCategory) string {
	for _, p := range errorPatterns {
		if p.category == c {
			return p.suggestion
		}
	}
	return ""
}
