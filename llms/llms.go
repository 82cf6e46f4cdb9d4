// Package llms provides the provider-agnostic message/tool-call vocabulary
// the Agent Runner and Research Engine speak, plus two concrete providers:
// an OpenAI-compatible HTTP client (shared by OpenAI, DeepSeek, and
// Gemini's OpenAI-compatible endpoint) and a native Anthropic client built
// on the official SDK.
package llms

import "context"

// Message is one turn in a model conversation, in the universal shape every
// provider adapter converts to and from its own wire format.
type Message struct {
	Role       string // "system", "user", "assistant", "tool"
	Content    string
	ToolCalls  []ToolCall // set on assistant messages that invoked tools
	ToolCallID string     // set on tool-result messages
	Name       string     // tool name, set on tool-result messages
}

// ToolCall is a single invocation the model requested.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // raw JSON object string
}

// ToolDefinition is what a provider needs to advertise one callable tool:
// name, description, and a JSON-schema argument shape.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON Schema
}

// StreamChunk is one increment of a streaming generation.
type StreamChunk struct {
	Text      string
	ToolCalls []ToolCall // populated only on the final chunk
	Tokens    int        // populated only on the final chunk
	Err       error
	Done      bool
}

// Provider is the single interface every LLM backend implements. Generate
// and GenerateStreaming both accept the full message history and the
// allowed tool set (empty when the caller wants a one-shot, tool-free
// response) and return however many tool calls the model requested, which
// may be zero, one, or several.
type Provider interface {
	Generate(ctx context.Context, messages []Message, tools []ToolDefinition) (text string, calls []ToolCall, tokens int, err error)
	GenerateStreaming(ctx context.Context, messages []Message, tools []ToolDefinition) (<-chan StreamChunk, error)
	ModelName() string
}
