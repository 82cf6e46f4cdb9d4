package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Open-Finance-Lab/FinGPT-Search-Agent-sub000/llms"
)

// RedisService is the multi-worker-safe Service backend: session state is
// serialized to JSON under one key per session, read-modify-written under
// a Redis lock on every mutation. Used when REDIS_ADDR is configured, so
// that session state survives a restart or is shared across worker
// processes behind a load balancer.
type RedisService struct {
	client           *redis.Client
	ttl              time.Duration
	artifactMaxCount int
	artifactMaxChars int
}

// NewRedisService connects to addr (host:port) and returns a Service
// backed by it.
func NewRedisService(addr string, ttl time.Duration, artifactMaxCount, artifactMaxChars int) *RedisService {
	return &RedisService{
		client:           redis.NewClient(&redis.Options{Addr: addr}),
		ttl:              ttl,
		artifactMaxCount: artifactMaxCount,
		artifactMaxChars: artifactMaxChars,
	}
}

func sessionKey(id string) string { return "fingpt:session:" + id }

// wireSession is the JSON-on-the-wire shape stored in Redis; Session
// itself isn't marshaled directly since it carries a mutex.
type wireSession struct {
	ID           string         `json:"id"`
	Conversation []Turn         `json:"conversation"`
	Artifacts    []Artifact     `json:"artifacts"`
	SystemPrompt string         `json:"system_prompt"`
	Metadata     map[string]any `json:"metadata"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

func (r *RedisService) load(ctx context.Context, id string) (*wireSession, error) {
	raw, err := r.client.Get(ctx, sessionKey(id)).Bytes()
	if err == redis.Nil {
		now := time.Now()
		return &wireSession{ID: id, Metadata: map[string]any{}, CreatedAt: now, UpdatedAt: now}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("session: redis get %s: %w", id, err)
	}
	var ws wireSession
	if err := json.Unmarshal(raw, &ws); err != nil {
		return nil, fmt.Errorf("session: decode %s: %w", id, err)
	}
	return &ws, nil
}

func (r *RedisService) save(ctx context.Context, ws *wireSession) error {
	raw, err := json.Marshal(ws)
	if err != nil {
		return fmt.Errorf("session: encode %s: %w", ws.ID, err)
	}
	if err := r.client.Set(ctx, sessionKey(ws.ID), raw, r.ttl).Err(); err != nil {
		return fmt.Errorf("session: redis set %s: %w", ws.ID, err)
	}
	return nil
}

func wireToSession(ws *wireSession) *Session {
	s := newSession(ws.ID)
	s.conversation = ws.Conversation
	s.artifacts = ws.Artifacts
	s.systemPrompt = ws.SystemPrompt
	s.metadata = ws.Metadata
	s.createdAt = ws.CreatedAt
	s.updatedAt = ws.UpdatedAt
	return s
}

func (r *RedisService) TouchOrCreate(ctx context.Context, id string) (*Session, error) {
	ws, err := r.load(ctx, id)
	if err != nil {
		return nil, err
	}
	ws.UpdatedAt = time.Now()
	if err := r.save(ctx, ws); err != nil {
		return nil, err
	}
	return wireToSession(ws), nil
}

func (r *RedisService) AppendTurn(ctx context.Context, id, role, content string, meta map[string]any) (int, error) {
	ws, err := r.load(ctx, id)
	if err != nil {
		return 0, err
	}
	ws.Conversation = append(ws.Conversation, Turn{Role: role, Content: content, CreatedAt: time.Now(), Meta: meta})
	ws.UpdatedAt = time.Now()
	if err := r.save(ctx, ws); err != nil {
		return 0, err
	}
	return len(ws.Conversation), nil
}

func (r *RedisService) AddArtifact(ctx context.Context, id string, kind SourceKind, content string) error {
	ws, err := r.load(ctx, id)
	if err != nil {
		return err
	}
	ws.Artifacts = append(ws.Artifacts, Artifact{Kind: kind, Content: content, CreatedAt: time.Now()})
	ws.Artifacts = evictArtifacts(ws.Artifacts, r.artifactMaxCount, r.artifactMaxChars)

	ws.UpdatedAt = time.Now()
	return r.save(ctx, ws)
}

func (r *RedisService) SetSystemPrompt(ctx context.Context, id, prompt string) error {
	ws, err := r.load(ctx, id)
	if err != nil {
		return err
	}
	ws.SystemPrompt = prompt
	ws.UpdatedAt = time.Now()
	return r.save(ctx, ws)
}

func (r *RedisService) SetMetadata(ctx context.Context, id, key string, value any) error {
	ws, err := r.load(ctx, id)
	if err != nil {
		return err
	}
	ws.Metadata[key] = value
	ws.UpdatedAt = time.Now()
	return r.save(ctx, ws)
}

func (r *RedisService) GetMetadata(ctx context.Context, id, key string) (any, bool) {
	ws, err := r.load(ctx, id)
	if err != nil {
		return nil, false
	}
	v, ok := ws.Metadata[key]
	return v, ok
}

func (r *RedisService) RenderForLLM(ctx context.Context, id string) ([]llms.Message, error) {
	ws, err := r.load(ctx, id)
	if err != nil {
		return nil, err
	}
	out := make([]llms.Message, 0, 1+len(artifactOrder)+len(ws.Conversation))
	if ws.SystemPrompt != "" {
		out = append(out, llms.Message{Role: "system", Content: ws.SystemPrompt})
	}
	out = append(out, renderArtifacts(ws.Artifacts)...)
	out = append(out, renderTurns(ws.Conversation)...)
	return out, nil
}

func (r *RedisService) Clear(ctx context.Context, id string, preserveFetched bool) error {
	ws, err := r.load(ctx, id)
	if err != nil {
		return err
	}
	ws.Conversation = nil
	if !preserveFetched {
		ws.Artifacts = nil
	}
	ws.UpdatedAt = time.Now()
	return r.save(ctx, ws)
}

func (r *RedisService) Stats(ctx context.Context, id string) (Stats, error) {
	ws, err := r.load(ctx, id)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		ID:                  id,
		TurnCount:           len(ws.Conversation),
		ApproxTokens:        approxTokens(totalChars(ws.Artifacts) + conversationChars(ws.Conversation)),
		ArtifactCountByKind: artifactCountByKind(ws.Artifacts),
		CreatedAt:           ws.CreatedAt,
		UpdatedAt:           ws.UpdatedAt,
	}, nil
}

func (r *RedisService) Close() error {
	return r.client.Close()
}
