package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Open-Finance-Lab/FinGPT-Search-Agent-sub000/agent"
	"github.com/Open-Finance-Lab/FinGPT-Search-Agent-sub000/apperr"
	"github.com/Open-Finance-Lab/FinGPT-Search-Agent-sub000/llms"
	"github.com/Open-Finance-Lab/FinGPT-Search-Agent-sub000/prompts"
	"github.com/Open-Finance-Lab/FinGPT-Search-Agent-sub000/research"
	"github.com/Open-Finance-Lab/FinGPT-Search-Agent-sub000/session"
	"github.com/Open-Finance-Lab/FinGPT-Search-Agent-sub000/skills"
)

type mode string

const (
	modeThinking mode = "thinking"
	modeResearch mode = "research"
)

// metaPageInjectedFresh marks that /input_webtext/ pushed page content
// since the last agent request, which is what lets the planner distinguish
// "the user is asking about the page in front of them" from a stale page
// artifact left over from an earlier exchange.
const metaPageInjectedFresh = "page_injected_fresh"

const metaLastSources = "last_sources"

// agentRequest is the parsed input common to all four agent endpoints.
type agentRequest struct {
	Query      string
	ModelAlias string
	CurrentURL string
	Host       string
	SessionID  string
	UserTZ     string
	UserClock  time.Time
	Mode       mode
}

// parseAgentRequest extracts the common inputs from an extension-endpoint
// request's query string.
func parseAgentRequest(r *http.Request, m mode) (agentRequest, error) {
	q := r.URL.Query()

	query := strings.TrimSpace(q.Get("question"))
	if query == "" {
		query = strings.TrimSpace(q.Get("query"))
	}
	if query == "" {
		return agentRequest{}, apperr.New(apperr.KindInputInvalid, "httpapi.parseAgentRequest", fmt.Errorf("missing question parameter"))
	}

	req := agentRequest{
		Query:      query,
		ModelAlias: q.Get("model"),
		CurrentURL: q.Get("current_url"),
		SessionID:  q.Get("session_id"),
		UserTZ:     q.Get("user_timezone"),
		Mode:       m,
	}
	if req.SessionID == "" {
		req.SessionID = r.Header.Get("X-Session-ID")
	}
	if req.SessionID == "" {
		req.SessionID = clientIdentifier(r)
	}
	if t := q.Get("user_time"); t != "" {
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			req.UserClock = parsed
		}
	}
	if req.CurrentURL != "" {
		if u, err := url.Parse(req.CurrentURL); err == nil {
			req.Host = u.Hostname()
		}
	}
	return req, nil
}

// prepared is the per-request state the dispatch paths share.
type prepared struct {
	req      agentRequest
	provider llms.Provider
	plan     skills.ExecutionPlan
	messages []llms.Message
	timeCtx  string
}

// prepare runs the common front half of every agent request: resolve the
// model alias, touch the session, record the user turn, assemble the
// system prompt, and produce the ExecutionPlan. A plan-time failure falls
// back to the registry's last (fallback) skill rather than failing the
// request.
func (s *Server) prepare(ctx context.Context, req agentRequest) (*prepared, error) {
	provider, ok := s.models.Resolve(s.resolveAlias(req.ModelAlias))
	if !ok {
		return nil, apperr.New(apperr.KindModelUnknown, "httpapi.prepare", fmt.Errorf("model alias %q is not configured", req.ModelAlias))
	}

	if _, err := s.sessions.TouchOrCreate(ctx, req.SessionID); err != nil {
		return nil, err
	}
	if _, err := s.sessions.AppendTurn(ctx, req.SessionID, "user", req.Query, nil); err != nil {
		return nil, err
	}

	hasInjected := s.hasFreshInjectedPage(ctx, req.SessionID)

	plan, err := s.planner.Plan(skills.MatchInput{
		Query:           req.Query,
		HasInjectedPage: hasInjected,
		Host:            req.Host,
	})
	if err != nil {
		plan = s.fallbackPlan()
	}

	// The injected-page freshness flag is consumed by planning: a
	// follow-up question in the same session no longer counts the page as
	// freshly injected unless the extension pushes it again.
	_ = s.sessions.SetMetadata(ctx, req.SessionID, metaPageInjectedFresh, false)

	prompt := s.assembler.Assemble(prompts.Params{
		CurrentURL: req.CurrentURL,
		Host:       req.Host,
		UserTZ:     req.UserTZ,
		UserClock:  req.UserClock,
		Override:   plan.InstructionOverride,
	})
	if err := s.sessions.SetSystemPrompt(ctx, req.SessionID, prompt); err != nil {
		return nil, err
	}
	_ = s.sessions.SetMetadata(ctx, req.SessionID, "mode", string(req.Mode))
	if req.CurrentURL != "" {
		_ = s.sessions.SetMetadata(ctx, req.SessionID, "current_url", req.CurrentURL)
	}

	messages, err := s.sessions.RenderForLLM(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}

	return &prepared{
		req:      req,
		provider: provider,
		plan:     plan,
		messages: messages,
		timeCtx:  prompts.TimeContext(req.UserTZ, req.UserClock),
	}, nil
}

func (s *Server) resolveAlias(alias string) string {
	if alias != "" {
		return alias
	}
	return s.cfg.AnalysisModelAlias
}

// hasFreshInjectedPage reports whether the session holds a page_injected
// artifact that was pushed since the last agent request.
func (s *Server) hasFreshInjectedPage(ctx context.Context, id string) bool {
	stats, err := s.sessions.Stats(ctx, id)
	if err != nil || stats.ArtifactCountByKind[session.SourcePageInjected] == 0 {
		return false
	}
	fresh, _ := s.sessions.GetMetadata(ctx, id, metaPageInjectedFresh)
	b, _ := fresh.(bool)
	return b
}

// fallbackPlan renders the registry's last skill as a plan directly, the
// documented recovery for plan-time errors.
func (s *Server) fallbackPlan() skills.ExecutionPlan {
	list := s.skillReg.Skills()
	last := list[len(list)-1]
	return skills.ExecutionPlan{
		SkillName:    last.Name,
		AllowedTools: append([]string(nil), last.AllowedTools...),
		MaxTurns:     last.MaxTurns,
	}
}

// turnBudgetNotice is appended to a best-effort answer when the Agent
// Runner ran out of turns mid-tool-call.
const turnBudgetNotice = "\n\n(Note: the answer above may be incomplete; the lookup budget for this question was exhausted.)"

// runThinking executes the single-pass thinking-mode path and returns the
// final text plus the full runner result. TURN_BUDGET_EXCEEDED degrades
// to best-effort text with a notice; every other error propagates.
func (s *Server) runThinking(ctx context.Context, p *prepared) (string, agent.Result, error) {
	result, err := s.runner.Run(ctx, p.plan, p.provider, p.messages)
	if err != nil {
		if apperr.Is(err, apperr.KindTurnBudgetExceeded) {
			return result.Text + turnBudgetNotice, result, nil
		}
		return "", result, err
	}
	return result.Text, result, nil
}

// recordToolArtifacts persists a thinking-mode run's tool outputs into the
// session's fetched context, keyed by how each output was produced.
func (s *Server) recordToolArtifacts(ctx context.Context, sessionID string, outputs []agent.ToolOutput) {
	for _, out := range outputs {
		if strings.TrimSpace(out.Content) == "" {
			continue
		}
		kind := session.SourceToolOutput
		switch out.Name {
		case "browse", "fetch_url":
			kind = session.SourceBrowserScrape
		case "web_search":
			kind = session.SourceWebSearch
		}
		_ = s.sessions.AddArtifact(ctx, sessionID, kind, out.Content)
	}
}

// researchToolAllowList biases numerical sub-questions toward structured
// market-data tools, with the calculator for derived figures.
var researchToolAllowList = []string{
	"get_stock_info",
	"get_stock_history",
	"get_stock_financials",
	"get_earnings_info",
	"calculate",
}

// researchEngine builds one engine for one request. The analyzer and gap
// detector run against the cheap analysis alias; synthesis runs against
// the request's own model.
func (s *Server) researchEngine(provider llms.Provider) *research.Engine {
	analysis, ok := s.models.Resolve(s.cfg.AnalysisModelAlias)
	if !ok {
		analysis = provider
	}
	return &research.Engine{
		Analyzer:    &research.QueryAnalyzer{Provider: analysis, MaxSub: s.cfg.MaxSubQuestions},
		GapDetector: &research.GapDetector{Provider: analysis},
		Synthesizer: &research.Synthesizer{Provider: provider},
		WebSearcher: &searcherAdapter{search: s.webSearch},
		ToolRunner:  &toolRunnerAdapter{server: s, provider: provider},
		Config: research.Config{
			MaxIterations:      s.cfg.MaxIterations,
			MaxParallelSubQ:    s.cfg.MaxParallelSubQuestions,
			SubQuestionTimeout: s.cfg.SubQuestionTimeout,
		},
	}
}

// recordResearchArtifacts persists each sub-result into the session's
// fetched context, so follow-up questions in the same session can reuse
// what this run already found.
func (s *Server) recordResearchArtifacts(ctx context.Context, sessionID string, outcome *research.Outcome) {
	for _, src := range outcome.Sources {
		line := src.Title
		if src.URL != "" {
			line = strings.TrimSpace(line + " " + src.URL)
		}
		if line == "" {
			continue
		}
		_ = s.sessions.AddArtifact(ctx, sessionID, session.SourceWebSearch, line)
	}
}

// storeSources stashes the final deduped source list in session metadata
// for /get_source_urls/.
func (s *Server) storeSources(ctx context.Context, sessionID string, sources []research.Source) {
	urls := make([]string, 0, len(sources))
	for _, src := range sources {
		if src.URL != "" {
			urls = append(urls, src.URL)
		}
	}
	_ = s.sessions.SetMetadata(ctx, sessionID, metaLastSources, urls)
}

// contextStats renders the session's size for the response envelope.
func (s *Server) contextStats(ctx context.Context, sessionID string) map[string]any {
	stats, err := s.sessions.Stats(ctx, sessionID)
	if err != nil {
		return nil
	}
	counts := make(map[string]int, len(stats.ArtifactCountByKind))
	for k, n := range stats.ArtifactCountByKind {
		counts[string(k)] = n
	}
	return map[string]any{
		"turn_count":    stats.TurnCount,
		"approx_tokens": stats.ApproxTokens,
		"artifacts":     counts,
	}
}

// isCancellation reports whether err is a client-disconnect outcome that
// should end the request silently.
func isCancellation(err error) bool {
	return apperr.Is(err, apperr.KindCancelled) || errors.Is(err, context.Canceled)
}
