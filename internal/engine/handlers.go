package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/ChamsBouzaiene/taskloop/internal/task"
)

// HandlerFunc executes one action. Expected failures are reported in the
// returned text; a returned error is an unexpected failure.
type HandlerFunc func(ctx context.Context, params map[string]string) (string, error)

// Handler binds an action kind to its implementation.
type Handler struct {
	Kind        task.ActionKind
	Description string
	// SchemaJSON validates params. Values are always strings.
	SchemaJSON string
	Fn         HandlerFunc
	// Timeout overrides the executor's handler timeout when positive.
	Timeout time.Duration

	schema *gojsonschema.Schema
}

// ValidateParams validates params against the handler's JSON schema.
func (h Handler) ValidateParams(params map[string]string) error {
	if h.schema == nil {
		return nil
	}
	if params == nil {
		params = map[string]string{}
	}
	result, err := h.schema.Validate(gojsonschema.NewGoLoader(params))
	if err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return &ValidationError{Kind: h.Kind, Errors: msgs}
	}
	return nil
}

// HandlerRegistry maps action kinds to handlers.
type HandlerRegistry struct {
	handlers map[task.ActionKind]Handler
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[task.ActionKind]Handler)}
}

// Register adds h. Built-in kinds cannot be overridden and the schema must
// compile.
func (r *HandlerRegistry) Register(h Handler) error {
	switch {
	case !h.Kind.Known():
		return fmt.Errorf("unknown action kind %q", h.Kind)
	case h.Kind.Builtin():
		return fmt.Errorf("action kind %q is handled by the executor", h.Kind)
	case h.Fn == nil:
		return fmt.Errorf("handler for %q has no function", h.Kind)
	}
	if _, dup := r.handlers[h.Kind]; dup {
		return fmt.Errorf("handler for %q already registered", h.Kind)
	}
	if h.SchemaJSON != "" {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(h.SchemaJSON))
		if err != nil {
			return fmt.Errorf("invalid schema for %q: %w", h.Kind, err)
		}
		h.schema = schema
	}
	r.handlers[h.Kind] = h
	return nil
}

// MustRegister is Register for static wiring.
func (r *HandlerRegistry) MustRegister(h Handler) {
	if err := r.Register(h); err != nil {
		panic(err)
	}
}

// Get returns the handler for kind.
func (r *HandlerRegistry) Get(kind task.ActionKind) (Handler, bool) {
	h, ok := r.handlers[kind]
	return h, ok
}

// Kinds returns the registered kinds in a stable order.
func (r *HandlerRegistry) Kinds() []task.ActionKind {
	out := make([]task.ActionKind, 0, len(r.handlers))
	for k := range r.handlers {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

type handlerResult struct {
	text string
	err  error
}

// call runs h with a deadline and turns panics into errors. A handler
// that ignores its context is abandoned when the deadline passes.
func call(ctx context.Context, h Handler, params map[string]string, timeout time.Duration) (string, error) {
	if h.Timeout > 0 {
		timeout = h.Timeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan handlerResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- handlerResult{err: fmt.Errorf("handler %s panicked: %v", h.Kind, p)}
			}
		}()
		text, err := h.Fn(ctx, params)
		done <- handlerResult{text: text, err: err}
	}()

	select {
	case res := <-done:
		return res.text, res.err
	case <-ctx.Done():
		return "", fmt.Errorf("handler %s: %w", h.Kind, ctx.Err())
	}
}
