package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Open-Finance-Lab/FinGPT-Search-Agent-sub000/apperr"
	"github.com/Open-Finance-Lab/FinGPT-Search-Agent-sub000/llms"
	"github.com/Open-Finance-Lab/FinGPT-Search-Agent-sub000/skills"
)

// RunStreaming is the streaming variant of Run: text chunks from every
// model turn are forwarded on the returned channel as they arrive, giving
// true token-by-token streaming for thinking mode. Turns that end in tool
// calls are forwarded too: their text chunks, if any, followed by a Done
// chunk carrying that turn's token count and tool calls. The channel is
// always closed exactly once, after either a final turn completes or an
// error/cancellation ends the loop.
func (r *Runner) RunStreaming(ctx context.Context, plan skills.ExecutionPlan, provider llms.Provider, messages []llms.Message) (<-chan llms.StreamChunk, error) {
	allowed := r.toolRegistry.ListByNames(plan.AllowedTools)
	defs := toolDefinitions(allowed)
	out := make(chan llms.StreamChunk)

	if len(plan.AllowedTools) == 0 {
		chunks, err := provider.GenerateStreaming(ctx, messages, nil)
		if err != nil {
			return nil, apperr.New(apperr.KindUpstreamError, "agent.RunStreaming", err)
		}
		go func() {
			defer close(out)
			for c := range chunks {
				out <- c
			}
		}()
		return out, nil
	}

	go r.streamLoop(ctx, plan, provider, defs, messages, out)
	return out, nil
}

func (r *Runner) streamLoop(ctx context.Context, plan skills.ExecutionPlan, provider llms.Provider, defs []llms.ToolDefinition, messages []llms.Message, out chan<- llms.StreamChunk) {
	defer close(out)

	conv := append([]llms.Message(nil), messages...)
	maxTurns := plan.MaxTurns
	if maxTurns <= 0 {
		maxTurns = 1
	}

	for turn := 0; turn < maxTurns; turn++ {
		if err := ctx.Err(); err != nil {
			out <- llms.StreamChunk{Err: apperr.New(apperr.KindCancelled, "agent.RunStreaming", err), Done: true}
			return
		}

		chunks, err := provider.GenerateStreaming(ctx, conv, defs)
		if err != nil {
			out <- llms.StreamChunk{Err: apperr.New(apperr.KindUpstreamError, "agent.RunStreaming", err), Done: true}
			return
		}

		var text string
		var calls []llms.ToolCall
		for c := range chunks {
			if c.Err != nil {
				out <- c
				return
			}
			text += c.Text
			if len(c.ToolCalls) > 0 {
				calls = c.ToolCalls
			}
			if c.Text != "" {
				// Providers emit tool calls only on the final chunk, with
				// no preceding narration text in practice, so forwarding
				// every text chunk as it arrives gives true token-by-
				// token streaming without waiting to learn whether this
				// turn ends in a tool call.
				out <- llms.StreamChunk{Text: c.Text}
			}
			if c.Done {
				out <- llms.StreamChunk{Done: true, Tokens: c.Tokens, ToolCalls: c.ToolCalls}
			}
		}

		if len(calls) == 0 {
			return
		}
		if turn == maxTurns-1 {
			out <- llms.StreamChunk{Err: apperr.New(apperr.KindTurnBudgetExceeded, "agent.RunStreaming", fmt.Errorf("model requested a tool call on turn %d of %d", turn+1, maxTurns)), Done: true}
			return
		}

		conv = append(conv, llms.Message{Role: "assistant", Content: text, ToolCalls: calls})
		for _, call := range calls {
			if err := ctx.Err(); err != nil {
				out <- llms.StreamChunk{Err: apperr.New(apperr.KindCancelled, "agent.RunStreaming", err), Done: true}
				return
			}
			var args map[string]any
			if call.Arguments != "" {
				_ = json.Unmarshal([]byte(call.Arguments), &args)
			}
			toolOut, err := r.toolRegistry.Invoke(ctx, call.Name, args)
			if err != nil {
				kind, _ := apperr.KindOf(err)
				toolOut = fmt.Sprintf("%s: %v", kind, err)
			}
			conv = append(conv, llms.Message{Role: "tool", ToolCallID: call.ID, Name: call.Name, Content: toolOut})
		}
	}
}
