package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/Open-Finance-Lab/FinGPT-Search-Agent-sub000/apperr"
	"github.com/Open-Finance-Lab/FinGPT-Search-Agent-sub000/research"
	"github.com/Open-Finance-Lab/FinGPT-Search-Agent-sub000/session"
	"github.com/Open-Finance-Lab/FinGPT-Search-Agent-sub000/stream"
)

// handleChatBlocking serves /get_chat_response/ (thinking) and
// /get_adv_response/ (research): the full pipeline, awaited, returned as
// one JSON envelope.
func (s *Server) handleChatBlocking(m mode) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		start := time.Now()

		req, err := parseAgentRequest(r, m)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		p, err := s.prepare(ctx, req)
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		var (
			text      string
			toolsUsed []string
			sources   []research.Source
			meta      *research.Meta
		)

		if m == modeResearch {
			outcome, rerr := s.researchEngine(p.provider).Run(ctx, req.Query, p.timeCtx, nil)
			if rerr != nil {
				if isCancellation(rerr) {
					return
				}
				s.writeError(w, r, rerr)
				return
			}
			if outcome != nil {
				text = outcome.Text
				sources = outcome.Sources
				meta = &outcome.Meta
				s.recordResearchArtifacts(ctx, req.SessionID, outcome)
				s.storeSources(ctx, req.SessionID, sources)
			}
		}

		if meta == nil { // thinking mode, or research declined to decompose
			answer, result, terr := s.runThinking(ctx, p)
			if terr != nil {
				if isCancellation(terr) {
					return
				}
				s.writeError(w, r, terr)
				return
			}
			text = answer
			toolsUsed = result.ToolsUsed
			s.recordToolArtifacts(ctx, req.SessionID, result.ToolOutputs)
		}

		turnMeta := map[string]any{"model": s.resolveAlias(req.ModelAlias), "duration_ms": time.Since(start).Milliseconds()}
		if len(toolsUsed) > 0 {
			turnMeta["tools_used"] = toolsUsed
		}
		if len(sources) > 0 {
			turnMeta["sources"] = len(sources)
		}
		if _, err := s.sessions.AppendTurn(ctx, req.SessionID, "assistant", text, turnMeta); err != nil {
			s.writeError(w, r, err)
			return
		}

		resp := map[string]any{
			"response":      text,
			"context_stats": s.contextStats(ctx, req.SessionID),
		}
		if len(sources) > 0 {
			resp["sources"] = sources
		}
		if meta != nil {
			resp["meta"] = meta
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// handleChatStreaming serves the SSE variants. The producer goroutine
// emits status frames during research phases, token-by-token content
// chunks during generation, one sources frame, and a terminal complete
// frame; the assistant turn is recorded only after a clean complete, so a
// client disconnect mid-stream leaves the conversation without a dangling
// half-answer.
func (s *Server) handleChatStreaming(m mode) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		start := time.Now()

		req, err := parseAgentRequest(r, m)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		p, err := s.prepare(ctx, req)
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		sw, err := stream.NewWriter(w)
		if err != nil {
			s.writeError(w, r, err)
			return
		}

		events := make(chan stream.Event)
		var (
			prodMu   sync.Mutex
			prodErr  error
			fullText string
		)
		setErr := func(err error) {
			prodMu.Lock()
			prodErr = err
			prodMu.Unlock()
		}
		send := func(ev stream.Event) bool {
			select {
			case events <- ev:
				return true
			case <-ctx.Done():
				return false
			}
		}

		go func() {
			defer close(events)

			status := func(label, detail string) {
				send(stream.Event{Kind: stream.EventStatus, Label: label, Detail: detail})
			}

			if m == modeResearch {
				decomposed, chunkCh, srcs, rmeta, rerr := s.researchEngine(p.provider).RunStreaming(ctx, req.Query, p.timeCtx, status)
				if rerr != nil {
					setErr(rerr)
					return
				}
				if decomposed {
					for c := range chunkCh {
						if c.Err != nil {
							setErr(c.Err)
							return
						}
						if c.Text != "" {
							fullText += c.Text
							if !send(stream.Event{Kind: stream.EventContent, Chunk: c.Text}) {
								return
							}
						}
					}
					s.recordResearchArtifacts(ctx, req.SessionID, &research.Outcome{Sources: srcs})
					s.storeSources(ctx, req.SessionID, srcs)
					s.finishStream(send, srcs, rmeta)
					return
				}
			}

			// Thinking mode, or research declined to decompose.
			chunkCh, aerr := s.runner.RunStreaming(ctx, p.plan, p.provider, p.messages)
			if aerr != nil {
				setErr(aerr)
				return
			}
			for c := range chunkCh {
				if c.Err != nil {
					if apperr.Is(c.Err, apperr.KindTurnBudgetExceeded) {
						fullText += turnBudgetNotice
						send(stream.Event{Kind: stream.EventContent, Chunk: turnBudgetNotice})
						break
					}
					setErr(c.Err)
					return
				}
				if c.Text != "" {
					fullText += c.Text
					if !send(stream.Event{Kind: stream.EventContent, Chunk: c.Text}) {
						return
					}
				}
			}
			s.finishStream(send, nil, nil)
		}()

		runErr := sw.Run(ctx, stream.NewChanProducer(events, func() error {
			prodMu.Lock()
			defer prodMu.Unlock()
			return prodErr
		}))
		if runErr != nil {
			if !isCancellation(runErr) {
				s.log.Error("stream aborted", "correlation_id", correlationID(ctx), "error", runErr.Error())
			}
			// No complete frame was emitted; no assistant turn is recorded.
			return
		}

		if fullText != "" {
			_, _ = s.sessions.AppendTurn(ctx, req.SessionID, "assistant", fullText, map[string]any{
				"model":       s.resolveAlias(req.ModelAlias),
				"duration_ms": time.Since(start).Milliseconds(),
			})
		}
	}
}

// finishStream emits the optional sources frame and the terminal complete
// frame.
func (s *Server) finishStream(send func(stream.Event) bool, sources []research.Source, meta any) {
	if len(sources) > 0 {
		refs := make([]stream.SourceRef, 0, len(sources))
		for _, src := range sources {
			refs = append(refs, stream.SourceRef{URL: src.URL, Title: src.Title})
		}
		if !send(stream.Event{Kind: stream.EventSources, Sources: refs}) {
			return
		}
	}
	send(stream.Event{Kind: stream.EventComplete, Meta: meta})
}

// handleInputWebtext records the page the extension scraped as a
// page_injected artifact and marks it fresh for the next planning pass.
func (s *Server) handleInputWebtext(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var body struct {
		TextContent string `json:"textContent"`
		CurrentURL  string `json:"currentUrl"`
	}
	raw, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil || json.Unmarshal(raw, &body) != nil || body.TextContent == "" {
		s.writeError(w, r, apperr.New(apperr.KindInputInvalid, "httpapi.handleInputWebtext", fmt.Errorf("body must be JSON with a non-empty textContent")))
		return
	}

	sessionID := clientIdentifier(r)
	if _, err := s.sessions.TouchOrCreate(ctx, sessionID); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.sessions.AddArtifact(ctx, sessionID, session.SourcePageInjected, body.TextContent); err != nil {
		s.writeError(w, r, err)
		return
	}
	_ = s.sessions.SetMetadata(ctx, sessionID, metaPageInjectedFresh, true)
	if body.CurrentURL != "" {
		_ = s.sessions.SetMetadata(ctx, sessionID, "current_url", body.CurrentURL)
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "chars": len(body.TextContent)})
}

// handleClearMessages wipes the session's conversation; fetched artifacts
// survive iff preserve_web=true.
func (s *Server) handleClearMessages(w http.ResponseWriter, r *http.Request) {
	preserve, _ := strconv.ParseBool(r.URL.Query().Get("preserve_web"))
	sessionID := clientIdentifier(r)
	if err := s.sessions.Clear(r.Context(), sessionID, preserve); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "cleared", "preserve_web": preserve})
}

// handleGetSourceURLs returns the deduped source URLs of the session's
// most recent research run.
func (s *Server) handleGetSourceURLs(w http.ResponseWriter, r *http.Request) {
	stored, _ := s.sessions.GetMetadata(r.Context(), clientIdentifier(r), metaLastSources)
	urls, _ := stored.([]string)
	if urls == nil {
		// A session round-tripped through Redis stores metadata as JSON,
		// so the slice may come back as []any.
		if anyURLs, ok := stored.([]any); ok {
			for _, u := range anyURLs {
				if str, ok := u.(string); ok {
					urls = append(urls, str)
				}
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": urls})
}

func (s *Server) handleMemoryStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.sessions.Stats(r.Context(), clientIdentifier(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	counts := make(map[string]int, len(stats.ArtifactCountByKind))
	for k, n := range stats.ArtifactCountByKind {
		counts[string(k)] = n
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"turn_count":     stats.TurnCount,
		"approx_tokens":  stats.ApproxTokens,
		"artifact_count": counts,
	})
}

func (s *Server) handleAvailableModels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"models": s.models.Aliases()})
}

func (s *Server) handleGetPreferredURLs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"urls": s.preferred.List()})
}

func (s *Server) handleAddPreferredURLs(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URL  string   `json:"url"`
		URLs []string `json:"urls"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, apperr.New(apperr.KindInputInvalid, "httpapi.handleAddPreferredURLs", err))
		return
	}
	added := 0
	if body.URL != "" {
		if s.preferred.Add(body.URL) {
			added++
		}
	}
	for _, u := range body.URLs {
		if s.preferred.Add(u) {
			added++
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"added": added, "urls": s.preferred.List()})
}

func (s *Server) handleSyncPreferredURLs(w http.ResponseWriter, r *http.Request) {
	var body struct {
		URLs []string `json:"urls"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		s.writeError(w, r, apperr.New(apperr.KindInputInvalid, "httpapi.handleSyncPreferredURLs", err))
		return
	}
	for i, u := range body.URLs {
		if _, err := url.Parse(u); err != nil {
			s.writeError(w, r, apperr.New(apperr.KindInputInvalid, "httpapi.handleSyncPreferredURLs", fmt.Errorf("urls[%d] is not a valid URL", i)))
			return
		}
	}
	s.preferred.Sync(body.URLs)
	writeJSON(w, http.StatusOK, map[string]any{"urls": s.preferred.List()})
}
