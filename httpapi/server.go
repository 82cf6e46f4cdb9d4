// Package httpapi implements the Entry Handlers (C10): the HTTP surface
// that wires a request through session load, prompt assembly, planning,
// and the thinking-mode Agent Runner or research-mode Research Engine,
// with the blocking JSON and streaming SSE variants of each, plus the
// OpenAI-compatible /v1 surface and the auxiliary extension endpoints.
package httpapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/Open-Finance-Lab/FinGPT-Search-Agent-sub000/agent"
	"github.com/Open-Finance-Lab/FinGPT-Search-Agent-sub000/config"
	"github.com/Open-Finance-Lab/FinGPT-Search-Agent-sub000/llms"
	"github.com/Open-Finance-Lab/FinGPT-Search-Agent-sub000/prompts"
	"github.com/Open-Finance-Lab/FinGPT-Search-Agent-sub000/runtime"
	"github.com/Open-Finance-Lab/FinGPT-Search-Agent-sub000/session"
	"github.com/Open-Finance-Lab/FinGPT-Search-Agent-sub000/skills"
	"github.com/Open-Finance-Lab/FinGPT-Search-Agent-sub000/tools"
)

// Version is reported by /health/.
const Version = "1.0.0"

// Deps carries every process-lifetime dependency the handlers use. There
// are no package-level singletons: the caller (cmd/server) builds one Deps
// and injects it.
type Deps struct {
	Config    *config.Config
	Log       *slog.Logger
	Sessions  session.Service
	Assembler *prompts.Assembler
	SkillReg  *skills.Registry
	Planner   *skills.Planner
	ToolReg   *tools.Registry
	Models    *llms.Registry
	Runner    *agent.Runner
	WebSearch *tools.WebSearch

	Leak    *runtime.LeakDetector
	Mem     *runtime.MemoryGuard
	Cache   *runtime.ToolCache
	Metrics *runtime.Metrics
	Debug   *runtime.Debug
	Prom    *prometheus.Registry
	Tracer  trace.Tracer
}

// Server holds the handler set over one Deps.
type Server struct {
	cfg       *config.Config
	log       *slog.Logger
	sessions  session.Service
	assembler *prompts.Assembler
	skillReg  *skills.Registry
	planner   *skills.Planner
	toolReg   *tools.Registry
	models    *llms.Registry
	runner    *agent.Runner
	webSearch *tools.WebSearch

	leak    *runtime.LeakDetector
	mem     *runtime.MemoryGuard
	cache   *runtime.ToolCache
	metrics *runtime.Metrics
	debug   *runtime.Debug
	prom    *prometheus.Registry
	tracer  trace.Tracer

	preferred *PreferredURLs
	limiter   *rateLimiter
}

// NewServer wires a Server from deps.
func NewServer(deps Deps) *Server {
	s := &Server{
		cfg:       deps.Config,
		log:       deps.Log,
		sessions:  deps.Sessions,
		assembler: deps.Assembler,
		skillReg:  deps.SkillReg,
		planner:   deps.Planner,
		toolReg:   deps.ToolReg,
		models:    deps.Models,
		runner:    deps.Runner,
		webSearch: deps.WebSearch,
		leak:      deps.Leak,
		mem:       deps.Mem,
		cache:     deps.Cache,
		metrics:   deps.Metrics,
		debug:     deps.Debug,
		prom:      deps.Prom,
		tracer:    deps.Tracer,
		preferred: NewPreferredURLs(),
		limiter:   newRateLimiter(deps.Config.RateLimit),
	}
	if s.webSearch != nil {
		s.webSearch.PreferredDomains = s.preferred.Domains
	}
	return s
}

// Router builds the full route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(s.logRequests)
	r.Use(s.traceRequests)
	r.Use(s.observeGuards)

	// Unauthenticated, unthrottled operational endpoints.
	r.Get("/health/", s.handleHealth)
	if s.prom != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.prom, promhttp.HandlerOpts{}))
	}
	r.Get("/debug/memory", s.handleDebugMemory)

	r.Group(func(r chi.Router) {
		r.Use(s.rateLimit)

		// Browser-extension endpoints.
		r.Get("/get_chat_response/", s.handleChatBlocking(modeThinking))
		r.Get("/get_adv_response/", s.handleChatBlocking(modeResearch))
		r.Get("/get_chat_response_stream/", s.handleChatStreaming(modeThinking))
		r.Get("/get_adv_response_stream/", s.handleChatStreaming(modeResearch))
		r.Post("/input_webtext/", s.handleInputWebtext)
		r.Post("/clear_messages/", s.handleClearMessages)
		r.Get("/get_source_urls/", s.handleGetSourceURLs)
		r.Get("/api/get_memory_stats/", s.handleMemoryStats)
		r.Get("/api/get_available_models/", s.handleAvailableModels)
		r.Get("/api/get_preferred_urls/", s.handleGetPreferredURLs)
		r.Post("/api/add_preferred_urls/", s.handleAddPreferredURLs)
		r.Post("/api/sync_preferred_urls/", s.handleSyncPreferredURLs)

		// OpenAI-compatible surface, bearer-gated when a key is configured.
		r.Group(func(r chi.Router) {
			r.Use(s.bearerAuth)
			r.Get("/v1/models", s.handleListModels)
			r.Post("/v1/chat/completions", s.handleChatCompletions)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"service":   "fingpt-research-agent",
		"version":   Version,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
