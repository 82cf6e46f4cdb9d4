package stream

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runStream(t *testing.T, ctx context.Context, events []Event) (*httptest.ResponseRecorder, error) {
	t.Helper()
	rec := httptest.NewRecorder()
	sw, err := NewWriter(rec)
	require.NoError(t, err)

	ch := make(chan Event, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)

	return rec, sw.Run(ctx, NewChanProducer(ch, nil))
}

func TestWriterHappyPathOrdering(t *testing.T) {
	rec, err := runStream(t, context.Background(), []Event{
		{Kind: EventStatus, Label: "decompose"},
		{Kind: EventStatus, Label: "execute", Detail: "iteration 1"},
		{Kind: EventContent, Chunk: "AAPL is "},
		{Kind: EventContent, Chunk: "trading at $230."},
		{Kind: EventSources, Sources: []SourceRef{{URL: "https://finance.yahoo.com/quote/AAPL"}}},
		{Kind: EventComplete, Meta: map[string]any{"iterations": 1}},
	})
	require.NoError(t, err)

	body := rec.Body.String()
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	// Every event is one data: line; complete is last.
	lines := []string{}
	for _, l := range strings.Split(body, "\n") {
		if strings.HasPrefix(l, "data: ") {
			lines = append(lines, l)
		}
	}
	require.Len(t, lines, 6)
	assert.Contains(t, lines[0], `"status"`)
	assert.Contains(t, lines[2], `"content"`)
	assert.Contains(t, lines[4], `"sources"`)
	assert.Contains(t, lines[5], `"complete"`)
}

func TestWriterRejectsStatusAfterContent(t *testing.T) {
	_, err := runStream(t, context.Background(), []Event{
		{Kind: EventContent, Chunk: "hello"},
		{Kind: EventStatus, Label: "too late"},
	})
	assert.Error(t, err)
}

func TestWriterRejectsSecondSources(t *testing.T) {
	_, err := runStream(t, context.Background(), []Event{
		{Kind: EventSources, Sources: []SourceRef{{URL: "https://a"}}},
		{Kind: EventSources, Sources: []SourceRef{{URL: "https://b"}}},
	})
	assert.Error(t, err)
}

func TestWriterStopsOnCancelWithoutComplete(t *testing.T) {
	rec := httptest.NewRecorder()
	sw, err := NewWriter(rec)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan Event)

	done := make(chan error, 1)
	go func() {
		done <- sw.Run(ctx, NewChanProducer(ch, nil))
	}()

	ch <- Event{Kind: EventStatus, Label: "working"}
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("writer did not stop on cancellation")
	}
	assert.NotContains(t, rec.Body.String(), `"complete"`)
}

func TestWriterErrorWhenProducerClosesWithoutComplete(t *testing.T) {
	_, err := runStream(t, context.Background(), []Event{
		{Kind: EventStatus, Label: "working"},
	})
	assert.Error(t, err)
}

func TestWriterHeartbeatDuringSilence(t *testing.T) {
	rec := httptest.NewRecorder()
	sw, err := NewWriter(rec)
	require.NoError(t, err)
	sw.heartbeat = 10 * time.Millisecond

	ch := make(chan Event)
	done := make(chan error, 1)
	go func() {
		done <- sw.Run(context.Background(), NewChanProducer(ch, nil))
	}()

	time.Sleep(50 * time.Millisecond)
	ch <- Event{Kind: EventComplete}
	close(ch)
	require.NoError(t, <-done)

	assert.Contains(t, rec.Body.String(), ": keepalive\n\n")
}
