package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"

	"github.com/Open-Finance-Lab/FinGPT-Search-Agent-sub000/apperr"
	"github.com/Open-Finance-Lab/FinGPT-Search-Agent-sub000/research"
)

// chatCompletionsRequest is the accepted subset of the OpenAI chat wire
// format, extended with this service's mode/url/session fields.
type chatCompletionsRequest struct {
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
	Mode           string   `json:"mode"`
	Model          string   `json:"model"`
	URL            string   `json:"url"`
	SearchDomains  []string `json:"search_domains"`
	PreferredLinks []string `json:"preferred_links"`
	UserTimezone   string   `json:"user_timezone"`
	UserTime       string   `json:"user_time"`
	User           string   `json:"user"`
}

// handleListModels serves GET /v1/models.
func (s *Server) handleListModels(w http.ResponseWriter, _ *http.Request) {
	type modelEntry struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Created int64  `json:"created"`
		OwnedBy string `json:"owned_by"`
	}
	aliases := s.models.Aliases()
	data := make([]modelEntry, 0, len(aliases))
	for _, alias := range aliases {
		data = append(data, modelEntry{ID: alias, Object: "model", Created: time.Now().Unix(), OwnedBy: "fingpt"})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

// handleChatCompletions serves POST /v1/chat/completions: the blocking
// pipeline behind an OpenAI-compatible envelope. The last user message is
// the query; earlier messages are ignored in favor of the session's own
// conversation history.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body chatCompletionsRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeOpenAIError(w, r, apperr.New(apperr.KindInputInvalid, "httpapi.handleChatCompletions", err))
		return
	}

	var query string
	for i := len(body.Messages) - 1; i >= 0; i-- {
		if body.Messages[i].Role == "user" {
			query = body.Messages[i].Content
			break
		}
	}
	if query == "" {
		s.writeOpenAIError(w, r, apperr.New(apperr.KindInputInvalid, "httpapi.handleChatCompletions", fmt.Errorf("messages must contain at least one user message")))
		return
	}

	m := modeThinking
	if body.Mode == "research" {
		m = modeResearch
	}

	req := agentRequest{
		Query:      query,
		ModelAlias: body.Model,
		CurrentURL: body.URL,
		SessionID:  body.User,
		UserTZ:     body.UserTimezone,
		Mode:       m,
	}
	if req.SessionID == "" {
		req.SessionID = clientIdentifier(r)
	}
	if body.UserTime != "" {
		if t, err := time.Parse(time.RFC3339, body.UserTime); err == nil {
			req.UserClock = t
		}
	}
	if req.CurrentURL != "" {
		if u, err := url.Parse(req.CurrentURL); err == nil {
			req.Host = u.Hostname()
		}
	}
	for _, link := range body.PreferredLinks {
		s.preferred.Add(link)
	}

	p, err := s.prepare(ctx, req)
	if err != nil {
		s.writeOpenAIError(w, r, err)
		return
	}

	var (
		text    string
		sources []research.Source
		done    bool
	)
	if m == modeResearch {
		outcome, rerr := s.researchEngine(p.provider).Run(ctx, req.Query, p.timeCtx, nil)
		if rerr != nil {
			if isCancellation(rerr) {
				return
			}
			s.writeOpenAIError(w, r, rerr)
			return
		}
		if outcome != nil {
			text = outcome.Text
			sources = outcome.Sources
			done = true
			s.recordResearchArtifacts(ctx, req.SessionID, outcome)
			s.storeSources(ctx, req.SessionID, sources)
		}
	}
	if !done {
		answer, result, terr := s.runThinking(ctx, p)
		if terr != nil {
			if isCancellation(terr) {
				return
			}
			s.writeOpenAIError(w, r, terr)
			return
		}
		text = answer
		s.recordToolArtifacts(ctx, req.SessionID, result.ToolOutputs)
	}

	if _, err := s.sessions.AppendTurn(ctx, req.SessionID, "assistant", text, map[string]any{"model": s.resolveAlias(req.ModelAlias)}); err != nil {
		s.writeOpenAIError(w, r, err)
		return
	}

	promptChars := 0
	for _, msg := range p.messages {
		promptChars += len(msg.Content)
	}
	promptTokens := (promptChars + 3) / 4
	completionTokens := (len(text) + 3) / 4

	resp := map[string]any{
		"id":      "chatcmpl-" + uuid.NewString(),
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   s.resolveAlias(req.ModelAlias),
		"choices": []map[string]any{
			{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": text},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]any{
			"prompt_tokens":     promptTokens,
			"completion_tokens": completionTokens,
			"total_tokens":      promptTokens + completionTokens,
		},
		"sources": sources,
	}
	writeJSON(w, http.StatusOK, resp)
}
