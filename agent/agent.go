// Package agent implements the Agent Runner (C5): a single-skill tool-use
// loop that drives one LLM provider against one message list until the
// model stops calling tools or the skill's turn budget is exhausted.
package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Open-Finance-Lab/FinGPT-Search-Agent-sub000/apperr"
	"github.com/Open-Finance-Lab/FinGPT-Search-Agent-sub000/llms"
	"github.com/Open-Finance-Lab/FinGPT-Search-Agent-sub000/skills"
	"github.com/Open-Finance-Lab/FinGPT-Search-Agent-sub000/tools"
)

// ToolOutput is one successful tool invocation's output, surfaced so the
// caller can persist it as a session artifact.
type ToolOutput struct {
	Name    string
	Content string
}

// Result is what one Runner.Run call produces.
type Result struct {
	Text        string
	ToolsUsed   []string
	ToolOutputs []ToolOutput
}

// Runner executes one skill's ExecutionPlan against one model.
type Runner struct {
	toolRegistry *tools.Registry
}

// New builds a Runner over the process-wide tool registry.
func New(toolRegistry *tools.Registry) *Runner {
	return &Runner{toolRegistry: toolRegistry}
}

func toolDefinitions(ts []tools.Tool) []llms.ToolDefinition {
	defs := make([]llms.ToolDefinition, 0, len(ts))
	for _, t := range ts {
		defs = append(defs, llms.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.InputSchema(),
		})
	}
	return defs
}

// Run drives the tool-use loop: READY -> CALLING_MODEL ->
// (TOOL_DISPATCH -> CALLING_MODEL)* -> DONE, with plan.MaxTurns model
// calls at most. If plan.AllowedTools is empty, no tool registration
// happens and the model is invoked exactly once (the "zero tools" special
// case skills like summarize_page rely on). Cancellation of ctx aborts at
// the next model-call or tool-dispatch boundary and returns CANCELLED;
// every in-flight tool call is simply abandoned (no partial results are
// surfaced).
func (r *Runner) Run(ctx context.Context, plan skills.ExecutionPlan, provider llms.Provider, messages []llms.Message) (Result, error) {
	allowed := r.toolRegistry.ListByNames(plan.AllowedTools)
	defs := toolDefinitions(allowed)

	if len(plan.AllowedTools) == 0 {
		text, _, _, err := provider.Generate(ctx, messages, nil)
		if err != nil {
			return Result{}, apperr.New(apperr.KindUpstreamError, "agent.Run", err)
		}
		return Result{Text: text}, nil
	}

	conv := append([]llms.Message(nil), messages...)
	usedTools := map[string]bool{}
	var outputs []ToolOutput
	maxTurns := plan.MaxTurns
	if maxTurns <= 0 {
		maxTurns = 1
	}

	var lastText string
	for turn := 0; turn < maxTurns; turn++ {
		if err := ctx.Err(); err != nil {
			return Result{Text: lastText}, apperr.New(apperr.KindCancelled, "agent.Run", err)
		}

		text, calls, _, err := provider.Generate(ctx, conv, defs)
		if err != nil {
			return Result{Text: lastText}, apperr.New(apperr.KindUpstreamError, "agent.Run", err)
		}
		lastText = text

		if len(calls) == 0 {
			return Result{Text: text, ToolsUsed: toolNames(usedTools), ToolOutputs: outputs}, nil
		}

		if turn == maxTurns-1 {
			// A tool call was requested on the last allowed turn: the
			// model never got to act on the results, so surface the
			// budget error with whatever text has accumulated.
			return Result{Text: text, ToolsUsed: toolNames(usedTools), ToolOutputs: outputs}, apperr.New(apperr.KindTurnBudgetExceeded, "agent.Run", fmt.Errorf("model requested a tool call on turn %d of %d", turn+1, maxTurns))
		}

		conv = append(conv, llms.Message{Role: "assistant", Content: text, ToolCalls: calls})

		for _, call := range calls {
			if err := ctx.Err(); err != nil {
				return Result{Text: lastText}, apperr.New(apperr.KindCancelled, "agent.Run", err)
			}
			var args map[string]any
			if call.Arguments != "" {
				if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
					conv = append(conv, llms.Message{Role: "tool", ToolCallID: call.ID, Name: call.Name, Content: fmt.Sprintf("TOOL_FAILED: invalid arguments: %v", err)})
					continue
				}
			}
			usedTools[call.Name] = true
			out, err := r.toolRegistry.Invoke(ctx, call.Name, args)
			if err != nil {
				// Tool errors are non-fatal: they become assistant-visible
				// text and the loop continues so the model can retry or
				// give up.
				kind, _ := apperr.KindOf(err)
				out = fmt.Sprintf("%s: %v", kind, err)
			} else {
				outputs = append(outputs, ToolOutput{Name: call.Name, Content: out})
			}
			conv = append(conv, llms.Message{Role: "tool", ToolCallID: call.ID, Name: call.Name, Content: out})
		}
	}

	return Result{Text: lastText, ToolsUsed: toolNames(usedTools), ToolOutputs: outputs}, nil
}

func toolNames(used map[string]bool) []string {
	out := make([]string, 0, len(used))
	for n := range used {
		out = append(out, n)
	}
	return out
}
