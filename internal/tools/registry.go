// Package tools provides the read-only tool registry and built-in tools.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// ErrInvalidArgs marks argument validation failures inside a tool.
var ErrInvalidArgs = errors.New("invalid arguments")

// Failure kinds for tagged outcomes.
const (
	FailToolNotFound = "tool_not_found"
	FailInvalidArgs  = "invalid_args"
	FailTimeout      = "timeout"
	FailExecution    = "execution"
)

// Tool is a single invocable capability.
type Tool interface {
	// Name returns the tool name.
	Name() string
	// Description returns a description for the LLM.
	Description() string
	// Parameters returns the JSON schema for parameters.
	Parameters() map[string]interface{}
	// Invoke runs the tool and returns an observation.
	Invoke(ctx context.Context, args map[string]interface{}) (string, error)
}

// Definition is the LLM-facing tool definition.
type Definition struct {
	Name        string
	Description string
	Parameters  map[string]interface{}
}

// Outcome is the tagged result of one tool invocation. Failures carry a kind
// and keep a human-readable observation, so callers can distinguish a genuine
// failure from adversarial-looking content without parsing text.
type Outcome struct {
	Observation string
	Failed      bool
	FailureKind string
}

// Success builds a successful outcome.
func Success(observation string) Outcome {
	return Outcome{Observation: observation}
}

// Failure builds a failed outcome; the detail doubles as the observation.
func Failure(kind, detail string) Outcome {
	return Outcome{
		Observation: fmt.Sprintf("tool failure (%s): %s", kind, detail),
		Failed:      true,
		FailureKind: kind,
	}
}

// Registry is an immutable name to tool mapping. It is built once by the
// caller, injected into each run, and safe for concurrent readers. Nothing
// can be registered after construction.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry creates a registry over the given tools.
func NewRegistry(ts ...Tool) *Registry {
	m := make(map[string]Tool, len(ts))
	for _, t := range ts {
		m[t.Name()] = t
	}
	return &Registry{tools: m}
}

// Has reports whether a tool with the given name exists.
func (r *Registry) Has(name string) bool {
	_, ok := r.tools[name]
	return ok
}

// Get returns a tool by name, or nil if not found.
func (r *Registry) Get(name string) Tool {
	return r.tools[name]
}

// Names returns all tool names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Definitions returns LLM-facing definitions, sorted by name.
func (r *Registry) Definitions() []Definition {
	defs := make([]Definition, 0, len(r.tools))
	for _, name := range r.Names() {
		t := r.tools[name]
		defs = append(defs, Definition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Parameters(),
		})
	}
	return defs
}

// Invoke runs the named tool and maps every error class into a tagged
// outcome. An unknown name is a failure, not a crash; a deadline hit is a
// timeout failure.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]interface{}) Outcome {
	t, ok := r.tools[name]
	if !ok {
		return Failure(FailToolNotFound, fmt.Sprintf("no tool named %q", name))
	}

	obs, err := t.Invoke(ctx, args)
	if err != nil {
		switch {
		case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
			return Failure(FailTimeout, fmt.Sprintf("%s: %v", name, err))
		case errors.Is(err, ErrInvalidArgs):
			return Failure(FailInvalidArgs, fmt.Sprintf("%s: %v", name, err))
		default:
			return Failure(FailExecution, fmt.Sprintf("%s: %v", name, err))
		}
	}
	return Success(obs)
}
