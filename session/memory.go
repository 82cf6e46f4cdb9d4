package session

import (
	"context"
	"sync"
	"time"

	"github.com/Open-Finance-Lab/FinGPT-Search-Agent-sub000/llms"
)

// MemoryService is the default Service: sessions live in a process-local
// map with per-session locking, evicted on a TTL sweep. It is safe for
// concurrent use by every request-handling goroutine in the process, but
// (unlike RedisService) does not share state across worker processes.
type MemoryService struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	ttl              time.Duration
	artifactMaxCount int
	artifactMaxChars int

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// NewMemoryService builds an in-memory session store. ttl<=0 disables
// idle-session eviction.
func NewMemoryService(ttl time.Duration, artifactMaxCount, artifactMaxChars int) *MemoryService {
	s := &MemoryService{
		sessions:         make(map[string]*Session),
		ttl:              ttl,
		artifactMaxCount: artifactMaxCount,
		artifactMaxChars: artifactMaxChars,
		stopSweep:        make(chan struct{}),
	}
	if ttl > 0 {
		go s.sweepLoop()
	}
	return s
}

func (m *MemoryService) sweepLoop() {
	interval := m.ttl / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweepExpired()
		case <-m.stopSweep:
			return
		}
	}
}

func (m *MemoryService) sweepExpired() {
	cutoff := time.Now().Add(-m.ttl)
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, sess := range m.sessions {
		sess.mu.RLock()
		stale := sess.updatedAt.Before(cutoff)
		sess.mu.RUnlock()
		if stale {
			delete(m.sessions, id)
		}
	}
}

func (m *MemoryService) getOrCreate(id string) *Session {
	m.mu.RLock()
	sess, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		return sess
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if sess, ok := m.sessions[id]; ok {
		return sess
	}
	sess = newSession(id)
	m.sessions[id] = sess
	return sess
}

func (m *MemoryService) TouchOrCreate(_ context.Context, id string) (*Session, error) {
	sess := m.getOrCreate(id)
	sess.mu.Lock()
	sess.updatedAt = time.Now()
	sess.mu.Unlock()
	return sess, nil
}

func (m *MemoryService) AppendTurn(_ context.Context, id, role, content string, meta map[string]any) (int, error) {
	sess := m.getOrCreate(id)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.conversation = append(sess.conversation, Turn{Role: role, Content: content, CreatedAt: time.Now(), Meta: meta})
	sess.updatedAt = time.Now()
	return len(sess.conversation), nil
}

// AddArtifact appends an artifact and then evicts the oldest entries of
// the over-budget kind(s) until every kind is back within its count and
// char bounds. Eviction is FIFO within a kind; other kinds' sequences are
// untouched.
func (m *MemoryService) AddArtifact(_ context.Context, id string, kind SourceKind, content string) error {
	sess := m.getOrCreate(id)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	sess.artifacts = append(sess.artifacts, Artifact{Kind: kind, Content: content, CreatedAt: time.Now()})
	sess.artifacts = evictArtifacts(sess.artifacts, m.artifactMaxCount, m.artifactMaxChars)

	sess.updatedAt = time.Now()
	return nil
}

func totalChars(artifacts []Artifact) int {
	n := 0
	for _, a := range artifacts {
		n += len(a.Content)
	}
	return n
}

// evictArtifacts enforces both bounds per SourceKind: at most maxCount
// artifacts and at most maxChars of content within each kind's own
// sequence, oldest of that kind dropped first. One kind going over its
// budget never evicts another kind's entries, and artifacts remain in
// FIFO insertion order throughout.
func evictArtifacts(artifacts []Artifact, maxCount, maxChars int) []Artifact {
	if maxCount <= 0 && maxChars <= 0 {
		return artifacts
	}

	type kindBudget struct {
		count int
		chars int
	}
	remaining := make(map[SourceKind]*kindBudget, len(artifactOrder))
	for _, a := range artifacts {
		b := remaining[a.Kind]
		if b == nil {
			b = &kindBudget{}
			remaining[a.Kind] = b
		}
		b.count++
		b.chars += len(a.Content)
	}

	// Walk oldest-first: while an artifact's kind is still over either of
	// its bounds, dropping this (the oldest surviving) entry of the kind
	// is the FIFO eviction both bounds call for.
	kept := make([]Artifact, 0, len(artifacts))
	for _, a := range artifacts {
		b := remaining[a.Kind]
		if (maxCount > 0 && b.count > maxCount) || (maxChars > 0 && b.chars > maxChars) {
			b.count--
			b.chars -= len(a.Content)
			continue
		}
		kept = append(kept, a)
	}
	return kept
}

func (m *MemoryService) SetSystemPrompt(_ context.Context, id, prompt string) error {
	m.getOrCreate(id).SetSystemPrompt(prompt)
	return nil
}

func (m *MemoryService) SetMetadata(_ context.Context, id, key string, value any) error {
	m.getOrCreate(id).SetMetadata(key, value)
	return nil
}

func (m *MemoryService) GetMetadata(_ context.Context, id, key string) (any, bool) {
	v, ok := m.getOrCreate(id).Metadata()[key]
	return v, ok
}

func (m *MemoryService) RenderForLLM(_ context.Context, id string) ([]llms.Message, error) {
	sess := m.getOrCreate(id)
	sess.mu.RLock()
	defer sess.mu.RUnlock()

	out := make([]llms.Message, 0, 1+len(artifactOrder)+len(sess.conversation))
	if sess.systemPrompt != "" {
		out = append(out, llms.Message{Role: "system", Content: sess.systemPrompt})
	}
	out = append(out, renderArtifacts(sess.artifacts)...)
	out = append(out, renderTurns(sess.conversation)...)
	return out, nil
}

// Clear empties conversation, and artifacts unless preserveFetched is
// set. Calling Clear twice in a row, or on a session that was never
// touched, is a no-op: both leave the session in the same empty state.
func (m *MemoryService) Clear(_ context.Context, id string, preserveFetched bool) error {
	sess := m.getOrCreate(id)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	sess.conversation = nil
	if !preserveFetched {
		sess.artifacts = nil
	}
	sess.updatedAt = time.Now()
	return nil
}

func (m *MemoryService) Stats(_ context.Context, id string) (Stats, error) {
	sess := m.getOrCreate(id)
	sess.mu.RLock()
	defer sess.mu.RUnlock()
	return Stats{
		ID:                  id,
		TurnCount:           len(sess.conversation),
		ApproxTokens:        approxTokens(totalChars(sess.artifacts) + conversationChars(sess.conversation)),
		ArtifactCountByKind: artifactCountByKind(sess.artifacts),
		CreatedAt:           sess.createdAt,
		UpdatedAt:           sess.updatedAt,
	}, nil
}

func (m *MemoryService) Close() error {
	m.sweepOnce.Do(func() {
		if m.ttl > 0 {
			close(m.stopSweep)
		}
	})
	return nil
}
