package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/Open-Finance-Lab/FinGPT-Search-Agent-sub000/agent"
	"github.com/Open-Finance-Lab/FinGPT-Search-Agent-sub000/config"
	"github.com/Open-Finance-Lab/FinGPT-Search-Agent-sub000/llms"
	"github.com/Open-Finance-Lab/FinGPT-Search-Agent-sub000/prompts"
	"github.com/Open-Finance-Lab/FinGPT-Search-Agent-sub000/runtime"
	"github.com/Open-Finance-Lab/FinGPT-Search-Agent-sub000/session"
	"github.com/Open-Finance-Lab/FinGPT-Search-Agent-sub000/skills"
	"github.com/Open-Finance-Lab/FinGPT-Search-Agent-sub000/tools"
)

// stubProvider answers every call with a fixed string and no tool calls.
type stubProvider struct {
	text string
}

func (p *stubProvider) Generate(_ context.Context, _ []llms.Message, _ []llms.ToolDefinition) (string, []llms.ToolCall, int, error) {
	return p.text, nil, 0, nil
}

func (p *stubProvider) GenerateStreaming(_ context.Context, _ []llms.Message, _ []llms.ToolDefinition) (<-chan llms.StreamChunk, error) {
	out := make(chan llms.StreamChunk, 3)
	half := len(p.text) / 2
	out <- llms.StreamChunk{Text: p.text[:half]}
	out <- llms.StreamChunk{Text: p.text[half:]}
	out <- llms.StreamChunk{Done: true}
	close(out)
	return out, nil
}

func (p *stubProvider) ModelName() string { return "stub" }

func newTestServer(t *testing.T, cfg *config.Config, provider llms.Provider) *Server {
	t.Helper()

	if cfg == nil {
		cfg = &config.Config{}
	}
	if cfg.RateLimit.N == 0 {
		cfg.RateLimit = config.RateLimitSpec{N: 1000, Window: time.Hour}
	}
	if cfg.AnalysisModelAlias == "" {
		cfg.AnalysisModelAlias = "test-model"
	}
	if cfg.MaxSubQuestions == 0 {
		cfg.MaxSubQuestions = 5
	}
	if cfg.MaxIterations == 0 {
		cfg.MaxIterations = 3
	}

	models := llms.NewEmptyRegistry()
	if provider == nil {
		provider = &stubProvider{text: "stub answer"}
	}
	require.NoError(t, models.Register("test-model", provider))

	skillReg, err := skills.NewRegistry(skills.Default())
	require.NoError(t, err)

	toolReg := tools.NewRegistry()
	require.NoError(t, toolReg.Register(tools.NewCalculator()))

	store, err := prompts.Load("")
	require.NoError(t, err)

	sessions := session.NewMemoryService(0, 32, 200_000)
	t.Cleanup(func() { _ = sessions.Close() })

	leak := runtime.NewLeakDetector()
	mem := runtime.NewMemoryGuard(100000, nil)
	cache := runtime.NewToolCache(50, time.Minute)

	return NewServer(Deps{
		Config:    cfg,
		Log:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		Sessions:  sessions,
		Assembler: prompts.NewAssembler(store),
		SkillReg:  skillReg,
		Planner:   skills.NewPlanner(skillReg),
		ToolReg:   toolReg,
		Models:    models,
		Runner:    agent.New(toolReg),
		WebSearch: tools.NewWebSearch("", cache),
		Leak:      leak,
		Mem:       mem,
		Cache:     cache,
		Debug:     &runtime.Debug{Leak: leak, Cache: cache, Mem: mem},
		Tracer:    noop.NewTracerProvider().Tracer("test"),
	})
}

func doRequest(t *testing.T, h http.Handler, method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, target, nil)
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	rec := doRequest(t, srv.Router(), http.MethodGet, "/health/", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, body["version"])
	assert.NotEmpty(t, body["timestamp"])
}

func TestBearerAuthOnV1(t *testing.T) {
	srv := newTestServer(t, &config.Config{FinGPTAPIKey: "secret"}, nil)
	router := srv.Router()

	rec := doRequest(t, router, http.MethodGet, "/v1/models", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	var envelope openAIError
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	assert.Equal(t, "authentication_error", envelope.Error.Type)

	rec = doRequest(t, router, http.MethodGet, "/v1/models", "", map[string]string{"Authorization": "Bearer wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doRequest(t, router, http.MethodGet, "/v1/models", "", map[string]string{"Authorization": "Bearer secret"})
	assert.Equal(t, http.StatusOK, rec.Code)
	var models map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &models))
	assert.Equal(t, "list", models["object"])
}

func TestV1OpenWithoutConfiguredKey(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	rec := doRequest(t, srv.Router(), http.MethodGet, "/v1/models", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimitReturns429(t *testing.T) {
	srv := newTestServer(t, &config.Config{RateLimit: config.RateLimitSpec{N: 2, Window: time.Hour}}, nil)
	router := srv.Router()

	for i := 0; i < 2; i++ {
		rec := doRequest(t, router, http.MethodGet, "/api/get_available_models/?session_id=rl", "", nil)
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i)
	}
	rec := doRequest(t, router, http.MethodGet, "/api/get_available_models/?session_id=rl", "", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// A different client is unaffected.
	rec = doRequest(t, router, http.MethodGet, "/api/get_available_models/?session_id=other", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestUnknownModelIs404(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	rec := doRequest(t, srv.Router(), http.MethodGet, "/get_chat_response/?question=hello&model=nope&session_id=s1", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMissingQuestionIs400(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	rec := doRequest(t, srv.Router(), http.MethodGet, "/get_chat_response/?session_id=s1", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPageSummarizationFlow(t *testing.T) {
	provider := &stubProvider{text: "Apple's revenue was $94.9B, up 8% YoY."}
	srv := newTestServer(t, nil, provider)
	router := srv.Router()

	// The extension injects the current page.
	rec := doRequest(t, router, http.MethodPost, "/input_webtext/?session_id=s1",
		`{"textContent": "Apple reported Q4 2024 revenue of $94.9B, up 8% YoY.", "currentUrl": "https://finance.yahoo.com/quote/AAPL"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// The user asks for a summary; the planner must pick summarize_page and
	// the response must carry the page's figure.
	rec = doRequest(t, router, http.MethodGet, "/get_chat_response/?question=Summarize+this+page&model=test-model&session_id=s1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	response, _ := body["response"].(string)
	assert.Contains(t, response, "94.9")

	stats, ok := body["context_stats"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(2), stats["turn_count"]) // user + assistant
}

func TestClearMessagesPreserveWeb(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	router := srv.Router()

	doRequest(t, router, http.MethodPost, "/input_webtext/?session_id=s1", `{"textContent": "page"}`, nil)
	doRequest(t, router, http.MethodGet, "/get_chat_response/?question=hello+there&session_id=s1", "", nil)

	rec := doRequest(t, router, http.MethodPost, "/clear_messages/?preserve_web=true&session_id=s1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, router, http.MethodGet, "/api/get_memory_stats/?session_id=s1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, float64(0), stats["turn_count"])
	counts, _ := stats["artifact_count"].(map[string]any)
	assert.Equal(t, float64(1), counts[string(session.SourcePageInjected)])

	// A full wipe drops the artifacts too.
	doRequest(t, router, http.MethodPost, "/clear_messages/?preserve_web=false&session_id=s1", "", nil)
	rec = doRequest(t, router, http.MethodGet, "/api/get_memory_stats/?session_id=s1", "", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	counts, _ = stats["artifact_count"].(map[string]any)
	assert.Empty(t, counts)
}

func TestStreamingThinkingEmitsContentAndComplete(t *testing.T) {
	provider := &stubProvider{text: "streamed answer text"}
	srv := newTestServer(t, nil, provider)

	rec := doRequest(t, srv.Router(), http.MethodGet, "/get_chat_response_stream/?question=hello+world&model=test-model&session_id=s2", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, `"content"`)
	assert.Contains(t, body, `"complete"`)
	// complete is the terminal frame
	lastData := body[strings.LastIndex(body, "data: "):]
	assert.Contains(t, lastData, `"complete"`)

	// The assistant turn was recorded with the accumulated text.
	stats := doRequest(t, srv.Router(), http.MethodGet, "/api/get_memory_stats/?session_id=s2", "", nil)
	var parsed map[string]any
	require.NoError(t, json.Unmarshal(stats.Body.Bytes(), &parsed))
	assert.Equal(t, float64(2), parsed["turn_count"])
}

func TestChatCompletionsEnvelope(t *testing.T) {
	provider := &stubProvider{text: "the answer"}
	srv := newTestServer(t, nil, provider)

	reqBody := `{"messages": [{"role": "user", "content": "What is AAPL's P/E?"}], "model": "test-model", "mode": "thinking", "user": "u1"}`
	rec := doRequest(t, srv.Router(), http.MethodPost, "/v1/chat/completions", reqBody, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "chat.completion", body["object"])
	choices := body["choices"].([]any)
	require.Len(t, choices, 1)
	msg := choices[0].(map[string]any)["message"].(map[string]any)
	assert.Equal(t, "assistant", msg["role"])
	assert.Equal(t, "the answer", msg["content"])
	usage := body["usage"].(map[string]any)
	assert.Greater(t, usage["total_tokens"].(float64), float64(0))
}

func TestChatCompletionsRequiresUserMessage(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	rec := doRequest(t, srv.Router(), http.MethodPost, "/v1/chat/completions", `{"messages": []}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDebugMemoryForbiddenWithoutToken(t *testing.T) {
	srv := newTestServer(t, &config.Config{DebugMemoryToken: "tok"}, nil)
	router := srv.Router()

	rec := doRequest(t, router, http.MethodGet, "/debug/memory?action=status", "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = doRequest(t, router, http.MethodGet, "/debug/memory?action=status&token=tok", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestDebugMemoryDisabledWhenNoTokenConfigured(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	rec := doRequest(t, srv.Router(), http.MethodGet, "/debug/memory?action=status&token=", "", nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestPreferredURLsRoundTrip(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	router := srv.Router()

	rec := doRequest(t, router, http.MethodPost, "/api/add_preferred_urls/", `{"url": "https://www.sec.gov/cgi-bin/browse-edgar"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, router, http.MethodGet, "/api/get_preferred_urls/", "", nil)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	urls := body["urls"].([]any)
	require.Len(t, urls, 1)

	rec = doRequest(t, router, http.MethodPost, "/api/sync_preferred_urls/", `{"urls": ["https://a.example", "https://b.example"]}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doRequest(t, router, http.MethodGet, "/api/get_preferred_urls/", "", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Len(t, body["urls"].([]any), 2)

	// Preferred URLs surface as search-bias domains.
	assert.Equal(t, []string{"a.example", "b.example"}, srv.preferred.Domains())
}

func TestFallbackSkillUsedForGenericQuery(t *testing.T) {
	provider := &stubProvider{text: "market recap"}
	srv := newTestServer(t, nil, provider)

	rec := doRequest(t, srv.Router(), http.MethodGet, "/get_chat_response/?question=what+happened+in+markets+today&model=test-model&session_id=s3", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "market recap", body["response"])
}

func TestInputWebtextRejectsEmptyBody(t *testing.T) {
	srv := newTestServer(t, nil, nil)
	rec := doRequest(t, srv.Router(), http.MethodPost, "/input_webtext/", `{"textContent": ""}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResearchModeFallsThroughToThinking(t *testing.T) {
	// The analyzer (same stub provider) returns non-JSON, so decomposition
	// safely defaults to false and the request follows the thinking path.
	provider := &stubProvider{text: "plain single-pass answer"}
	srv := newTestServer(t, nil, provider)

	rec := doRequest(t, srv.Router(), http.MethodGet, "/get_adv_response/?question=what+is+the+p/e+of+AAPL&model=test-model&session_id=s4", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "plain single-pass answer", body["response"])
}
