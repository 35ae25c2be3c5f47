package engine

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strings"

	"github.com/ChamsBouzaiene/taskloop/internal/task"
)

var fencePattern = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*\\n?(.*?)```")

// wireAction is the JSON shape the model is asked to produce.
type wireAction struct {
	Action    string         `json:"action"`
	Params    map[string]any `json:"params"`
	Reasoning string         `json:"reasoning"`
}

// ParseAction extracts an action from model output. The object may be
// fenced or surrounded by prose; the first object with an "action" field
// wins. Non-string param values are rendered as their JSON text.
func ParseAction(text string) (Action, error) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Action{}, &ParseError{Reason: "empty response"}
	}

	var candidates []string
	for _, m := range fencePattern.FindAllStringSubmatch(trimmed, -1) {
		candidates = append(candidates, m[1])
	}
	candidates = append(candidates, trimmed)

	sawJSON := false
	for _, c := range candidates {
		for _, obj := range jsonObjects(c) {
			w, ok := decodeWire(obj)
			if !ok {
				continue
			}
			sawJSON = true
			if strings.TrimSpace(w.Action) == "" {
				continue
			}
			params, err := stringifyParams(w.Params)
			if err != nil {
				return Action{}, &ParseError{Reason: err.Error(), Excerpt: excerpt(obj)}
			}
			return Action{
				Kind:      task.ActionKind(strings.ToLower(strings.TrimSpace(w.Action))),
				Params:    params,
				Reasoning: strings.TrimSpace(w.Reasoning),
			}, nil
		}
	}
	if sawJSON {
		return Action{}, &ParseError{Reason: `JSON object has no "action" field`, Excerpt: excerpt(trimmed)}
	}
	return Action{}, &ParseError{Reason: "no JSON object found", Excerpt: excerpt(trimmed)}
}

func decodeWire(obj string) (wireAction, bool) {
	dec := json.NewDecoder(strings.NewReader(obj))
	dec.UseNumber()
	var w wireAction
	if err := dec.Decode(&w); err != nil {
		return wireAction{}, false
	}
	return w, true
}

// jsonObjects returns every balanced top-level {...} span of s, in order.
// Braces inside JSON strings are ignored.
func jsonObjects(s string) []string {
	var out []string
	depth, start := 0, -1
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 && start >= 0 {
				out = append(out, s[start:i+1])
				start = -1
			}
		}
	}
	return out
}

func stringifyParams(in map[string]any) (map[string]string, error) {
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch val := v.(type) {
		case nil:
			out[k] = ""
		case string:
			out[k] = val
		case json.Number:
			out[k] = val.String()
		case bool:
			if val {
				out[k] = "true"
			} else {
				out[k] = "false"
			}
		default:
			var buf bytes.Buffer
			enc := json.NewEncoder(&buf)
			enc.SetEscapeHTML(false)
			if err := enc.Encode(val); err != nil {
				return nil, err
			}
			out[k] = strings.TrimSpace(buf.String())
		}
	}
	return out, nil
}

func excerpt(s string) string {
	const max = 120
	s = strings.TrimSpace(s)
	if len(s) > max {
		return s[:max] + "..."
	}
	return s
}
