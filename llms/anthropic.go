package llms

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicProvider implements Provider against Anthropic's native Messages
// API via the official SDK, rather than through an OpenAI-compatibility
// shim. Claude is the one provider in the alias table that doesn't speak
// the OpenAI wire format, so it gets its own adapter.
type AnthropicProvider struct {
	client    anthropic.Client
	model     string
	maxTokens int64
}

// NewAnthropicProvider builds a provider bound to model (e.g.
// "claude-3-5-sonnet-latest").
func NewAnthropicProvider(apiKey, model string) *AnthropicProvider {
	return &AnthropicProvider{
		client:    anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:     model,
		maxTokens: 4096,
	}
}

func (p *AnthropicProvider) ModelName() string { return p.model }

// splitSystem pulls out system-role messages (Anthropic carries the system
// prompt as a top-level field, not as a message in the list) and converts
// the remainder to Anthropic message params.
func (p *AnthropicProvider) splitSystem(messages []Message) (string, []anthropic.MessageParam, error) {
	var system strings.Builder
	var out []anthropic.MessageParam

	for _, m := range messages {
		if m.Role == "system" {
			if system.Len() > 0 {
				system.WriteString("\n\n")
			}
			system.WriteString(m.Content)
			continue
		}

		var blocks []anthropic.ContentBlockParamUnion
		if m.Content != "" {
			blocks = append(blocks, anthropic.NewTextBlock(m.Content))
		}

		switch m.Role {
		case "tool":
			blocks = append(blocks, anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false))
			out = append(out, anthropic.NewUserMessage(blocks...))
			continue
		case "assistant":
			for _, tc := range m.ToolCalls {
				var input map[string]any
				if tc.Arguments != "" {
					if err := json.Unmarshal([]byte(tc.Arguments), &input); err != nil {
						return "", nil, fmt.Errorf("llms: anthropic tool call %q has invalid arguments: %w", tc.Name, err)
					}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		default:
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}

	return system.String(), out, nil
}

func convertToolsToAnthropic(tools []ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		raw, err := json.Marshal(t.Parameters)
		if err != nil {
			return nil, fmt.Errorf("llms: encode schema for tool %q: %w", t.Name, err)
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("llms: invalid schema for tool %q: %w", t.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("llms: invalid tool definition for %q", t.Name)
		}
		param.OfTool.Description = anthropic.String(t.Description)
		out = append(out, param)
	}
	return out, nil
}

func (p *AnthropicProvider) newParams(messages []Message, tools []ToolDefinition) (anthropic.MessageNewParams, error) {
	system, msgs, err := p.splitSystem(messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		Messages:  msgs,
		MaxTokens: p.maxTokens,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if len(tools) > 0 {
		toolParams, err := convertToolsToAnthropic(tools)
		if err != nil {
			return anthropic.MessageNewParams{}, err
		}
		params.Tools = toolParams
	}
	return params, nil
}

func (p *AnthropicProvider) Generate(ctx context.Context, messages []Message, tools []ToolDefinition) (string, []ToolCall, int, error) {
	params, err := p.newParams(messages, tools)
	if err != nil {
		return "", nil, 0, err
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return "", nil, 0, fmt.Errorf("llms: anthropic request: %w", err)
	}

	var text strings.Builder
	var calls []ToolCall
	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(variant.Text)
		case anthropic.ToolUseBlock:
			calls = append(calls, ToolCall{
				ID:        variant.ID,
				Name:      variant.Name,
				Arguments: string(variant.Input),
			})
		}
	}

	tokens := int(msg.Usage.InputTokens + msg.Usage.OutputTokens)
	return text.String(), calls, tokens, nil
}

func (p *AnthropicProvider) GenerateStreaming(ctx context.Context, messages []Message, tools []ToolDefinition) (<-chan StreamChunk, error) {
	params, err := p.newParams(messages, tools)
	if err != nil {
		return nil, err
	}

	out := make(chan StreamChunk, 64)
	go func() {
		defer close(out)

		stream := p.client.Messages.NewStreaming(ctx, params)

		var calls []ToolCall
		var currentID, currentName string
		var currentInput strings.Builder
		inToolUse := false
		inputTokens, outputTokens := 0, 0

		for stream.Next() {
			event := stream.Current()
			switch event.Type {
			case "message_start":
				ms := event.AsMessageStart()
				inputTokens = int(ms.Message.Usage.InputTokens)
			case "content_block_start":
				cbs := event.AsContentBlockStart()
				if tu, ok := cbs.ContentBlock.AsAny().(anthropic.ToolUseBlock); ok {
					inToolUse = true
					currentID, currentName = tu.ID, tu.Name
					currentInput.Reset()
				}
			case "content_block_delta":
				delta := event.AsContentBlockDelta().Delta
				switch d := delta.AsAny().(type) {
				case anthropic.TextDelta:
					if d.Text != "" {
						out <- StreamChunk{Text: d.Text}
					}
				case anthropic.InputJSONDelta:
					currentInput.WriteString(d.PartialJSON)
				}
			case "content_block_stop":
				if inToolUse {
					calls = append(calls, ToolCall{ID: currentID, Name: currentName, Arguments: currentInput.String()})
					inToolUse = false
				}
			case "message_delta":
				md := event.AsMessageDelta()
				if md.Usage.OutputTokens > 0 {
					outputTokens = int(md.Usage.OutputTokens)
				}
			case "message_stop":
				out <- StreamChunk{ToolCalls: calls, Tokens: inputTokens + outputTokens, Done: true}
				return
			}
		}

		if err := stream.Err(); err != nil {
			out <- StreamChunk{Err: fmt.Errorf("llms: anthropic stream: %w", err), Done: true}
		}
	}()

	return out, nil
}
