// Package tools implements the named-function registry offered to the LLM
// and the built-in healthcare demo tools it dispatches to.
//
// Tool handlers take decoded JSON arguments and return a value that is
// JSON-encoded into the tool-role message appended to the conversation. The
// registry owns nothing stateful; domain data comes from an injected
// read-only Directory.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/voxgate/voxgate/pkg/provider/llm"
)

// Handler executes one tool invocation.
type Handler func(ctx context.Context, args map[string]any) (any, error)

// ErrUnknownTool wraps the tool name the LLM asked for but nothing provides.
type ErrUnknownTool struct {
	Name string
}

func (e *ErrUnknownTool) Error() string {
	return fmt.Sprintf("tools: unknown tool %q", e.Name)
}

// ErrBadArguments wraps an argument string that is not valid JSON. Like an
// unknown tool, it means the model lost the plot, not that the tool failed.
type ErrBadArguments struct {
	Name string
	Err  error
}

func (e *ErrBadArguments) Error() string {
	return fmt.Sprintf("tools: parse arguments for %s: %v", e.Name, e.Err)
}

func (e *ErrBadArguments) Unwrap() error { return e.Err }

// Registry maps tool names to handlers and their LLM-facing schemas.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	defs     map[string]llm.ToolDefinition
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
		defs:     make(map[string]llm.ToolDefinition),
	}
}

// Register adds a tool. Re-registering a name replaces the previous entry.
func (r *Registry) Register(def llm.ToolDefinition, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[def.Name] = h
	r.defs[def.Name] = def
}

// Definitions returns the schema list passed to the LLM, sorted by name so
// prompts are stable across runs.
func (r *Registry) Definitions() []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]llm.ToolDefinition, 0, len(r.defs))
	for _, d := range r.defs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Invoke runs the named tool with the raw JSON argument string the LLM
// produced and returns the JSON-encoded result. An empty argument string is
// treated as an empty object.
func (r *Registry) Invoke(ctx context.Context, name, argsJSON string) (string, error) {
	r.mu.RLock()
	h, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		return "", &ErrUnknownTool{Name: name}
	}

	args := map[string]any{}
	if argsJSON != "" {
		if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
			return "", &ErrBadArguments{Name: name, Err: err}
		}
	}

	result, err := h(ctx, args)
	if err != nil {
		return "", fmt.Errorf("tools: %s: %w", name, err)
	}
	data, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("tools: encode result for %s: %w", name, err)
	}
	return string(data), nil
}
