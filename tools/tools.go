// Package tools implements the declarative tool catalog (C1): a name ->
// Tool registry populated at startup from in-process tools (calculator, web
// fetcher, headless-browser navigator) and externally-discovered MCP tool
// servers, so the Planner and Agent Runner never need to know a tool's
// origin.
package tools

import (
	"context"
	"fmt"

	"github.com/Open-Finance-Lab/FinGPT-Search-Agent-sub000/apperr"
	"github.com/Open-Finance-Lab/FinGPT-Search-Agent-sub000/registry"
)

// Tool is one callable capability: a name, a JSON-schema argument shape,
// and an invoker. Invokers are side-effecting and potentially slow; they
// are only ever called from the Agent Runner's tool-dispatch step.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]any
	Invoke(ctx context.Context, args map[string]any) (string, error)
}

// ALL is the sentinel allowed-tool-names value meaning "every registered
// tool", used by ExecutionPlan.AllowedTools and the fallback skill.
const ALL = "*"

// Registry is the process-wide name -> Tool catalog. Immutable after
// startup registration completes; safe for concurrent reads from every
// Agent Runner invocation.
type Registry struct {
	base *registry.BaseRegistry[Tool]
}

// NewRegistry builds an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{base: registry.NewBaseRegistry[Tool]()}
}

// Register adds t under its own name, overwriting any prior registration
// under that name (a later-discovered MCP tool wins over an earlier stub).
func (r *Registry) Register(t Tool) error {
	return r.base.Register(t.Name(), t)
}

// Get returns the tool registered under name, if any.
func (r *Registry) Get(name string) (Tool, bool) {
	return r.base.Get(name)
}

// ListByNames returns the tools named in names, in the order given,
// skipping any name that isn't registered. A single-element names list
// containing ALL returns every registered tool instead.
func (r *Registry) ListByNames(names []string) []Tool {
	if len(names) == 1 && names[0] == ALL {
		return r.base.List()
	}
	out := make([]Tool, 0, len(names))
	for _, n := range names {
		if t, ok := r.base.Get(n); ok {
			out = append(out, t)
		}
	}
	return out
}

// Names lists every registered tool name.
func (r *Registry) Names() []string {
	return r.base.Names()
}

// Invoke looks up name and invokes it, translating an unknown name into a
// TOOL_FAILED apperr so the Agent Runner can surface it as assistant-visible
// text rather than aborting the loop.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (string, error) {
	t, ok := r.base.Get(name)
	if !ok {
		return "", apperr.New(apperr.KindToolFailed, "tools.Invoke", fmt.Errorf("unknown tool %q", name))
	}
	out, err := t.Invoke(ctx, args)
	if err != nil {
		if apperr.Is(err, apperr.KindToolInputRejected) {
			return "", err
		}
		return "", apperr.New(apperr.KindToolFailed, "tools.Invoke:"+name, err)
	}
	return out, nil
}
