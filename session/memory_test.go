package session

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func appendTurn(t *testing.T, svc Service, id, role, content string) {
	t.Helper()
	_, err := svc.AppendTurn(context.Background(), id, role, content, nil)
	require.NoError(t, err)
}

func TestMemoryService_AppendTurn_ReturnsCount(t *testing.T) {
	ctx := context.Background()
	svc := NewMemoryService(0, 32, 200_000)
	defer svc.Close()

	n, err := svc.AppendTurn(ctx, "s1", "user", "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = svc.AppendTurn(ctx, "s1", "assistant", "hello", map[string]any{"model": "gpt-4o"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestMemoryService_RenderForLLM_MarkerOrder(t *testing.T) {
	ctx := context.Background()
	svc := NewMemoryService(0, 32, 200_000)
	defer svc.Close()

	sess, err := svc.TouchOrCreate(ctx, "s1")
	require.NoError(t, err)
	sess.SetSystemPrompt("you are a financial research agent")

	require.NoError(t, svc.AddArtifact(ctx, "s1", SourceWebSearch, "search result A"))
	require.NoError(t, svc.AddArtifact(ctx, "s1", SourcePageInjected, "page text"))
	appendTurn(t, svc, "s1", "user", "what is AAPL trading at?")
	appendTurn(t, svc, "s1", "assistant", "let me check")

	msgs, err := svc.RenderForLLM(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, msgs, 5)

	assert.Equal(t, "system", msgs[0].Role)
	assert.True(t, strings.HasPrefix(msgs[1].Content, "[CURRENT PAGE CONTENT - Already scraped, do NOT re-scrape]: "))
	assert.True(t, strings.HasPrefix(msgs[2].Content, "[WEB SEARCH RESULTS]: "))
	assert.True(t, strings.HasPrefix(msgs[3].Content, "[USER MESSAGE]: "))
	assert.True(t, strings.HasPrefix(msgs[4].Content, "[ASSISTANT MESSAGE]: "))
}

func TestMemoryService_AddArtifact_PerKindCountBound(t *testing.T) {
	ctx := context.Background()
	svc := NewMemoryService(0, 2, 200_000)
	defer svc.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, svc.AddArtifact(ctx, "s1", SourceToolOutput, "output"))
	}
	stats, err := svc.Stats(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.ArtifactCountByKind[SourceToolOutput])
}

func TestMemoryService_AddArtifact_CharBoundPerKind(t *testing.T) {
	ctx := context.Background()
	svc := NewMemoryService(0, 100, 10)
	defer svc.Close()

	require.NoError(t, svc.AddArtifact(ctx, "s1", SourceWebSearch, "0123456789"))
	require.NoError(t, svc.AddArtifact(ctx, "s1", SourceWebSearch, "abcdefghij"))

	msgs, err := svc.RenderForLLM(ctx, "s1")
	require.NoError(t, err)
	// The kind's oldest artifact was evicted to bring that kind back
	// within its char budget.
	for _, m := range msgs {
		assert.NotContains(t, m.Content, "0123456789")
		if strings.HasPrefix(m.Content, "[WEB SEARCH RESULTS]: ") {
			assert.Contains(t, m.Content, "abcdefghij")
		}
	}
}

func TestMemoryService_AddArtifact_CharBoundIsolatedBetweenKinds(t *testing.T) {
	ctx := context.Background()
	svc := NewMemoryService(0, 100, 10)
	defer svc.Close()

	require.NoError(t, svc.AddArtifact(ctx, "s1", SourceToolOutput, "tool-out"))
	// A different kind blowing through its own char budget must not evict
	// the tool_output entry.
	require.NoError(t, svc.AddArtifact(ctx, "s1", SourceWebSearch, "0123456789"))
	require.NoError(t, svc.AddArtifact(ctx, "s1", SourceWebSearch, "abcdefghij"))

	stats, err := svc.Stats(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ArtifactCountByKind[SourceToolOutput])
	assert.Equal(t, 1, stats.ArtifactCountByKind[SourceWebSearch])

	msgs, err := svc.RenderForLLM(ctx, "s1")
	require.NoError(t, err)
	var sawToolOutput bool
	for _, m := range msgs {
		if strings.HasPrefix(m.Content, "[TOOL OUTPUTS]: ") {
			sawToolOutput = true
			assert.Contains(t, m.Content, "tool-out")
		}
	}
	assert.True(t, sawToolOutput)
}

func TestMemoryService_Clear_Idempotent(t *testing.T) {
	ctx := context.Background()
	svc := NewMemoryService(0, 32, 200_000)
	defer svc.Close()

	appendTurn(t, svc, "s1", "user", "hi")
	require.NoError(t, svc.AddArtifact(ctx, "s1", SourcePageInjected, "page"))

	require.NoError(t, svc.Clear(ctx, "s1", false))
	first, err := svc.Stats(ctx, "s1")
	require.NoError(t, err)

	require.NoError(t, svc.Clear(ctx, "s1", false))
	second, err := svc.Stats(ctx, "s1")
	require.NoError(t, err)

	assert.Equal(t, first.TurnCount, second.TurnCount)
	assert.Equal(t, 0, second.TurnCount)
	assert.Empty(t, second.ArtifactCountByKind)
}

func TestMemoryService_Clear_PreserveFetched(t *testing.T) {
	ctx := context.Background()
	svc := NewMemoryService(0, 32, 200_000)
	defer svc.Close()

	appendTurn(t, svc, "s1", "user", "hi")
	require.NoError(t, svc.AddArtifact(ctx, "s1", SourcePageInjected, "page"))

	require.NoError(t, svc.Clear(ctx, "s1", true))
	stats, err := svc.Stats(ctx, "s1")
	require.NoError(t, err)

	assert.Equal(t, 0, stats.TurnCount)
	assert.Equal(t, 1, stats.ArtifactCountByKind[SourcePageInjected])
}
