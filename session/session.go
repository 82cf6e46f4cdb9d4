// Package session implements the per-conversation context store: turn
// history, fetched-context artifacts (scraped pages, search results, tool
// outputs), and the system prompt/metadata bag the Prompt Assembler and
// Agent Runner read from on every request.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Open-Finance-Lab/FinGPT-Search-Agent-sub000/llms"
)

// SourceKind identifies where an artifact's content came from, which
// determines the marker prefix RenderForLLM attaches to it.
type SourceKind string

const (
	SourcePageInjected  SourceKind = "page_injected"
	SourceBrowserScrape SourceKind = "browser_scrape"
	SourceWebSearch     SourceKind = "web_search"
	SourceToolOutput    SourceKind = "tool_output"
)

// Injected pages and browser scrapes share one marker: downstream the only
// thing that matters is "this page is already in context, don't re-scrape
// it", not how it got there.
var sourceMarkers = map[SourceKind]string{
	SourcePageInjected:  "[CURRENT PAGE CONTENT - Already scraped, do NOT re-scrape]: ",
	SourceBrowserScrape: "[CURRENT PAGE CONTENT - Already scraped, do NOT re-scrape]: ",
	SourceWebSearch:     "[WEB SEARCH RESULTS]: ",
	SourceToolOutput:    "[TOOL OUTPUTS]: ",
}

// Turn is one user or assistant message in the conversation.
type Turn struct {
	Role      string // "user" or "assistant"
	Content   string
	CreatedAt time.Time
	// Meta carries per-turn annotations: model alias, tools used,
	// source count, duration. Optional.
	Meta map[string]any
}

// Artifact is one piece of fetched context (a scraped page, a search
// result set, a tool's output) held in the session's FIFO-bounded buffer.
type Artifact struct {
	Kind      SourceKind
	Content   string
	CreatedAt time.Time
}

// Stats summarizes a session's current size, used by /api/get_memory_stats/.
type Stats struct {
	ID                  string
	TurnCount           int
	ApproxTokens        int // ceil(total_chars / 4) across conversation + artifacts
	ArtifactCountByKind map[SourceKind]int
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// approxTokens implements the documented ceil(chars/4) token estimate.
func approxTokens(chars int) int {
	return (chars + 3) / 4
}

func artifactCountByKind(artifacts []Artifact) map[SourceKind]int {
	out := make(map[SourceKind]int, len(artifactOrder))
	for _, a := range artifacts {
		out[a.Kind]++
	}
	return out
}

func conversationChars(conversation []Turn) int {
	n := 0
	for _, t := range conversation {
		n += len(t.Content)
	}
	return n
}

// Session holds one conversation's state: history, fetched-context
// artifacts, system prompt, and free-form metadata. All mutation goes
// through the owning Service, which holds the per-session lock.
type Session struct {
	mu sync.RWMutex

	id           string
	conversation []Turn
	artifacts    []Artifact
	systemPrompt string
	metadata     map[string]any
	createdAt    time.Time
	updatedAt    time.Time
}

func newSession(id string) *Session {
	now := time.Now()
	return &Session{
		id:        id,
		metadata:  make(map[string]any),
		createdAt: now,
		updatedAt: now,
	}
}

func (s *Session) ID() string { return s.id }

// SetSystemPrompt replaces the session's assembled system prompt.
func (s *Session) SetSystemPrompt(prompt string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.systemPrompt = prompt
	s.updatedAt = time.Now()
}

// SystemPrompt returns the session's current system prompt.
func (s *Session) SystemPrompt() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.systemPrompt
}

// Metadata returns a copy of the session's metadata bag.
func (s *Session) Metadata() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]any, len(s.metadata))
	for k, v := range s.metadata {
		out[k] = v
	}
	return out
}

// SetMetadata sets a single metadata key.
func (s *Session) SetMetadata(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata[key] = value
	s.updatedAt = time.Now()
}

// Service is the operation set the Entry Handlers, Agent Runner, and
// Research Engine use to read and mutate session state. Two
// implementations exist: an in-memory one (MemoryService) and an optional
// Redis-backed one (RedisService) for multi-process deployments.
type Service interface {
	// TouchOrCreate returns the session for id, creating it (with a fresh
	// system prompt yet to be set) if it doesn't exist yet.
	TouchOrCreate(ctx context.Context, id string) (*Session, error)

	// AppendTurn records one conversation turn and returns the updated
	// turn count.
	AppendTurn(ctx context.Context, id, role, content string, meta map[string]any) (int, error)

	// AddArtifact appends a fetched-context artifact. If the artifact's
	// kind is over its count or char budget, that kind's oldest entries
	// are evicted first; other kinds are never touched.
	AddArtifact(ctx context.Context, id string, kind SourceKind, content string) error

	// SetSystemPrompt replaces the session's assembled system prompt.
	SetSystemPrompt(ctx context.Context, id, prompt string) error

	// SetMetadata sets one metadata key. Values must be JSON-serializable
	// so the Redis backend can round-trip them.
	SetMetadata(ctx context.Context, id, key string, value any) error

	// GetMetadata returns one metadata value, or (nil, false).
	GetMetadata(ctx context.Context, id, key string) (any, bool)

	// RenderForLLM renders the session's artifacts and conversation into
	// the ordered message list a Provider call consumes: artifacts first
	// (in FIFO order, each tagged with its source marker), then
	// conversation turns in chronological order.
	RenderForLLM(ctx context.Context, id string) ([]llms.Message, error)

	// Clear empties a session's conversation; artifacts are wiped too
	// unless preserveFetched is true. The system prompt and metadata are
	// always preserved. Clearing an absent or already-empty session is a
	// no-op, not an error.
	Clear(ctx context.Context, id string, preserveFetched bool) error

	// Stats reports a session's current size.
	Stats(ctx context.Context, id string) (Stats, error)

	// Close releases any resources held by the service (connections,
	// background eviction goroutines).
	Close() error
}

// ErrNotFound is the error value for a session that does not exist.
// Neither MemoryService nor RedisService returns it: both create a session
// on first access to an id.
var ErrNotFound = fmt.Errorf("session: not found")

var turnMarkers = map[string]string{
	"user":      "[USER MESSAGE]: ",
	"assistant": "[ASSISTANT MESSAGE]: ",
}

func renderTurns(conversation []Turn) []llms.Message {
	out := make([]llms.Message, 0, len(conversation))
	for _, t := range conversation {
		marker, ok := turnMarkers[t.Role]
		if !ok {
			marker = ""
		}
		out = append(out, llms.Message{Role: t.Role, Content: marker + t.Content})
	}
	return out
}

// artifactOrder fixes the SourceKind grouping order render_for_llm uses,
// independent of insertion order: current page content first (most
// immediately relevant to "this page" queries), then search results, then
// tool outputs.
var artifactOrder = []SourceKind{SourcePageInjected, SourceBrowserScrape, SourceWebSearch, SourceToolOutput}

// renderArtifacts groups artifacts by SourceKind, emitting at most one
// message per kind (the marker prefixes are load-bearing for the Planner,
// so every same-kind artifact is folded into a single tagged message
// rather than repeating the marker).
func renderArtifacts(artifacts []Artifact) []llms.Message {
	byKind := make(map[SourceKind][]string, len(artifactOrder))
	for _, a := range artifacts {
		byKind[a.Kind] = append(byKind[a.Kind], a.Content)
	}

	out := make([]llms.Message, 0, len(artifactOrder))
	for _, kind := range artifactOrder {
		contents, ok := byKind[kind]
		if !ok || len(contents) == 0 {
			continue
		}
		body := contents[0]
		for _, c := range contents[1:] {
			body += "\n\n" + c
		}
		out = append(out, llms.Message{Role: "user", Content: sourceMarkers[kind] + body})
	}
	return out
}
