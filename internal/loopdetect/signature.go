package loopdetect

import (
	"crypto/sha256"
	"encoding/hex"
	"path"
	"sort"
	"strings"
	"unicode"

	"github.com/ChamsBouzaiene/taskloop/internal/task"
)

var pathKeys = map[string]bool{
	"path":      true,
	"file":      true,
	"file_path": true,
	"dir":       true,
}

// canonicalValue normalizes incidental differences: surrounding and
// repeated whitespace, and redundant path elements.
func canonicalValue(key, value string) string {
	v := strings.Join(strings.Fields(value), " ")
	if pathKeys[key] && v != "" {
		v = path.Clean(strings.ReplaceAll(v, "\\", "/"))
		v = strings.TrimPrefix(v, "./")
	}
	return v
}

// Signature reduces a record to its normalized identity: kind plus
// canonicalized parameters. Two records with equal signatures asked for the
// same thing.
func Signature(r task.ActionRecord) string {
	var b strings.Builder
	for _, k := range sortedKeys(r.Params) {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(canonicalValue(k, r.Params[k]))
		b.WriteByte(0)
	}
	sum := sha256.Sum256([]byte(b.String()))
	return string(r.Kind) + ":" + hex.EncodeToString(sum[:8])
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Fuzzy is the loose identity used for semantic loop detection.
type Fuzzy struct {
	Kind     task.ActionKind
	Category ErrorCategory
	Keys     map[string]bool
	Tokens   map[string]bool
}

const maxFuzzyTokens = 64

// FuzzySignature categorizes a record and keeps only the tokens that carry
// meaning: numbers, single characters and quoted literals are dropped so
// that "line 41" and "line 42" look the same. Params are read in key order,
// so the token cap keeps the same tokens every time.
func FuzzySignature(r task.ActionRecord) Fuzzy {
	f := Fuzzy{
		Kind:   r.Kind,
		Keys:   make(map[string]bool, len(r.Params)),
		Tokens: make(map[string]bool),
	}
	if !r.Success {
		f.Category = Classify(r.Result)
	}
	for _, k := range sortedKeys(r.Params) {
		f.Keys[k] = true
		for _, tok := range tokenize(stripQuoted(r.Params[k])) {
			if len(f.Tokens) >= maxFuzzyTokens {
				break
			}
			f.Tokens[tok] = true
		}
	}
	return f
}

func stripQuoted(s string) string {
	var b strings.Builder
	var quote rune
	for _, c := range s {
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'' || c == '`':
			quote = c
		default:
			b.WriteRune(c)
		}
	}
	return b.String()
}

func tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(c rune) bool {
		return !unicode.IsLetter(c) && !unicode.IsDigit(c) && c != '_'
	})
	out := fields[:0]
	for _, f := range fields {
		if len(f) < 2 || isNumber(f) {
			continue
		}
		out = append(out, f)
	}
	return out
}

func isNumber(s string) bool {
	for _, c := range s {
		if !unicode.IsDigit(c) {
			return false
		}
	}
	return true
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	inter := 0
	for k := range a {
		if b[k] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// Similarity scores two fuzzy signatures in [0, 1]. Different kinds never
// match.
func Similarity(a, b Fuzzy) float64 {
	if a.Kind != b.Kind {
		return 0
	}
	score := 0.6*jaccard(a.Tokens, b.Tokens) + 0.2*jaccard(a.Keys, b.Keys)
	if a.Category == b.Category {
		score += 0.2
	}
	return score
}
