package llms

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Open-Finance-Lab/FinGPT-Search-Agent-sub000/internal/httpclient"
)

// OpenAICompatibleProvider implements Provider against any OpenAI
// chat-completions-shaped endpoint: OpenAI itself, DeepSeek, and Gemini's
// OpenAI-compatibility layer all speak this wire format.
type OpenAICompatibleProvider struct {
	apiKey      string
	model       string
	baseURL     string
	temperature float64
	maxTokens   int
	client      *httpclient.Client
}

// NewOpenAICompatibleProvider builds a provider pointed at baseURL (no
// trailing slash), e.g. "https://api.openai.com/v1".
func NewOpenAICompatibleProvider(apiKey, model, baseURL string) *OpenAICompatibleProvider {
	return &OpenAICompatibleProvider{
		apiKey:      apiKey,
		model:       model,
		baseURL:     strings.TrimSuffix(baseURL, "/"),
		temperature: 0.2,
		maxTokens:   2048,
		client:      httpclient.New(120 * time.Second),
	}
}

func (p *OpenAICompatibleProvider) ModelName() string { return p.model }

type oaMessage struct {
	Role       string       `json:"role"`
	Content    string       `json:"content,omitempty"`
	ToolCalls  []oaToolCall `json:"tool_calls,omitempty"`
	ToolCallID string       `json:"tool_call_id,omitempty"`
	Name       string       `json:"name,omitempty"`
}

type oaTool struct {
	Type     string       `json:"type"`
	Function oaToolSchema `json:"function"`
}

type oaToolSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type oaToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type oaRequest struct {
	Model       string      `json:"model"`
	Messages    []oaMessage `json:"messages"`
	Temperature float64     `json:"temperature"`
	MaxTokens   int         `json:"max_tokens,omitempty"`
	Stream      bool        `json:"stream"`
	Tools       []oaTool    `json:"tools,omitempty"`
}

type oaChoice struct {
	Message      oaMessage `json:"message"`
	FinishReason string    `json:"finish_reason"`
}

type oaUsage struct {
	TotalTokens int `json:"total_tokens"`
}

type oaResponse struct {
	Choices []oaChoice `json:"choices"`
	Usage   oaUsage    `json:"usage"`
	Error   *oaError   `json:"error,omitempty"`
}

type oaError struct {
	Message string `json:"message"`
}

func (p *OpenAICompatibleProvider) buildRequest(messages []Message, stream bool, tools []ToolDefinition) oaRequest {
	out := make([]oaMessage, 0, len(messages))
	for _, m := range messages {
		om := oaMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID, Name: m.Name}
		for _, tc := range m.ToolCalls {
			var call oaToolCall
			call.ID = tc.ID
			call.Type = "function"
			call.Function.Name = tc.Name
			call.Function.Arguments = tc.Arguments
			om.ToolCalls = append(om.ToolCalls, call)
		}
		out = append(out, om)
	}

	var oaTools []oaTool
	for _, t := range tools {
		oaTools = append(oaTools, oaTool{
			Type: "function",
			Function: oaToolSchema{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	return oaRequest{
		Model:       p.model,
		Messages:    out,
		Temperature: p.temperature,
		MaxTokens:   p.maxTokens,
		Stream:      stream,
		Tools:       oaTools,
	}
}

func (p *OpenAICompatibleProvider) newHTTPRequest(ctx context.Context, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	return req, nil
}

func (p *OpenAICompatibleProvider) Generate(ctx context.Context, messages []Message, tools []ToolDefinition) (string, []ToolCall, int, error) {
	reqBody, err := json.Marshal(p.buildRequest(messages, false, tools))
	if err != nil {
		return "", nil, 0, fmt.Errorf("llms: encode request: %w", err)
	}

	resp, err := p.client.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		return p.newHTTPRequest(ctx, reqBody)
	})
	if err != nil {
		return "", nil, 0, fmt.Errorf("llms: openai-compatible request: %w", err)
	}
	defer resp.Body.Close()

	var out oaResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", nil, 0, fmt.Errorf("llms: decode response: %w", err)
	}
	if out.Error != nil {
		return "", nil, 0, fmt.Errorf("llms: provider error: %s", out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return "", nil, 0, fmt.Errorf("llms: no choices returned")
	}

	choice := out.Choices[0]
	var calls []ToolCall
	for _, tc := range choice.Message.ToolCalls {
		calls = append(calls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments})
	}
	return choice.Message.Content, calls, out.Usage.TotalTokens, nil
}

func (p *OpenAICompatibleProvider) GenerateStreaming(ctx context.Context, messages []Message, tools []ToolDefinition) (<-chan StreamChunk, error) {
	reqBody, err := json.Marshal(p.buildRequest(messages, true, tools))
	if err != nil {
		return nil, fmt.Errorf("llms: encode request: %w", err)
	}

	out := make(chan StreamChunk, 64)
	go func() {
		defer close(out)

		resp, err := p.client.Do(ctx, func(ctx context.Context) (*http.Request, error) {
			return p.newHTTPRequest(ctx, reqBody)
		})
		if err != nil {
			out <- StreamChunk{Err: fmt.Errorf("llms: openai-compatible stream request: %w", err), Done: true}
			return
		}
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		var toolCallsByIndex = map[int]*oaToolCall{}
		var order []int
		totalTokens := 0

		for scanner.Scan() {
			select {
			case <-ctx.Done():
				out <- StreamChunk{Err: ctx.Err(), Done: true}
				return
			default:
			}

			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			payload := strings.TrimPrefix(line, "data: ")
			if payload == "[DONE]" {
				break
			}

			var chunk struct {
				Choices []struct {
					Delta struct {
						Content   string `json:"content"`
						ToolCalls []struct {
							Index    int    `json:"index"`
							ID       string `json:"id"`
							Function struct {
								Name      string `json:"name"`
								Arguments string `json:"arguments"`
							} `json:"function"`
						} `json:"tool_calls"`
					} `json:"delta"`
				} `json:"choices"`
				Usage *oaUsage `json:"usage"`
			}
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				continue
			}
			if chunk.Usage != nil {
				totalTokens = chunk.Usage.TotalTokens
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			delta := chunk.Choices[0].Delta
			if delta.Content != "" {
				out <- StreamChunk{Text: delta.Content}
			}
			for _, tc := range delta.ToolCalls {
				existing, ok := toolCallsByIndex[tc.Index]
				if !ok {
					existing = &oaToolCall{ID: tc.ID, Type: "function"}
					existing.Function.Name = tc.Function.Name
					toolCallsByIndex[tc.Index] = existing
					order = append(order, tc.Index)
				}
				existing.Function.Arguments += tc.Function.Arguments
			}
		}

		var calls []ToolCall
		for _, idx := range order {
			tc := toolCallsByIndex[idx]
			calls = append(calls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments})
		}
		out <- StreamChunk{ToolCalls: calls, Tokens: totalTokens, Done: true}
	}()

	return out, nil
}
