package research

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/Open-Finance-Lab/FinGPT-Search-Agent-sub000/llms"
)

const defaultMaxIterations = 3

// Config tunes the Research Engine's iteration and concurrency bounds.
type Config struct {
	MaxIterations      int
	MaxParallelSubQ    int
	SubQuestionTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = defaultMaxIterations
	}
	if c.MaxParallelSubQ <= 0 {
		c.MaxParallelSubQ = 5
	}
	if c.SubQuestionTimeout <= 0 {
		c.SubQuestionTimeout = 60 * time.Second
	}
	return c
}

// Engine orchestrates decompose -> parallel-execute -> detect-gaps ->
// iterate -> synthesize.
type Engine struct {
	Analyzer    *QueryAnalyzer
	GapDetector *GapDetector
	Synthesizer *Synthesizer
	WebSearcher WebSearcher
	ToolRunner  ToolRunner
	Config      Config
}

// Outcome is what Run returns on the research path (nil means "the
// caller should fall back to the single-pass thinking-mode path").
type Outcome struct {
	Text    string
	Sources []Source
	Meta    Meta
}

// StatusFunc receives a phase-transition label, forwarded to the
// Streaming Pipeline as `status` events.
type StatusFunc func(label, detail string)

// Run executes the full research loop for query, or returns (nil, nil)
// when the Query Analyzer decides the query doesn't need decomposition.
// status, if non-nil, is called at each phase transition (decompose,
// execute, gap-check, synthesize) for the caller to forward as SSE status
// frames.
func (e *Engine) Run(ctx context.Context, query, timeContext string, status StatusFunc) (*Outcome, error) {
	cfg := e.Config.withDefaults()
	emit := status
	if emit == nil {
		emit = func(string, string) {}
	}

	emit("decompose", "analyzing whether this query needs decomposition")
	needsDecomp, subQuestions := e.Analyzer.Analyze(ctx, query, timeContext)
	if !needsDecomp {
		return nil, nil
	}

	var allResults []SubResult
	currentPlan := subQuestions
	iterations := 0
	planSummary := summarizePlan(subQuestions)

	for iterations < cfg.MaxIterations {
		iterations++
		for i := range currentPlan {
			currentPlan[i].Iteration = iterations
		}

		emit("execute", fmt.Sprintf("iteration %d: executing %d sub-question(s)", iterations, len(currentPlan)))
		results, err := e.executeSubQuestions(ctx, currentPlan, cfg)
		if err != nil {
			return nil, err
		}
		allResults = append(allResults, results...)

		if iterations >= cfg.MaxIterations {
			break
		}

		emit("gap-check", "checking for coverage gaps")
		gap := e.GapDetector.Detect(ctx, query, planSummary, allResults)
		if gap.Complete || len(gap.FollowUps) == 0 {
			break
		}
		currentPlan = gap.FollowUps
	}

	sortResults(allResults)

	emit("synthesize", "synthesizing final answer")
	text, err := e.Synthesizer.Synthesize(ctx, query, timeContext, allResults)
	if err != nil {
		return nil, err
	}

	return &Outcome{
		Text:    text,
		Sources: dedupSources(allResults),
		Meta:    meta(iterations, allResults),
	}, nil
}

// RunStreaming is identical to Run except the synthesis step streams
// token-by-token chunks on the returned channel instead of returning a
// whole string. The first return value is false when the analyzer decided
// against decomposition (caller falls back to the thinking path); sources
// and meta are returned eagerly since only synthesis text flows on the
// channel.
func (e *Engine) RunStreaming(ctx context.Context, query, timeContext string, status StatusFunc) (bool, <-chan llms.StreamChunk, []Source, Meta, error) {
	cfg := e.Config.withDefaults()
	emit := status
	if emit == nil {
		emit = func(string, string) {}
	}

	emit("decompose", "analyzing whether this query needs decomposition")
	needsDecomp, subQuestions := e.Analyzer.Analyze(ctx, query, timeContext)
	if !needsDecomp {
		return false, nil, nil, Meta{}, nil
	}

	var allResults []SubResult
	currentPlan := subQuestions
	iterations := 0
	planSummary := summarizePlan(subQuestions)

	for iterations < cfg.MaxIterations {
		iterations++
		for i := range currentPlan {
			currentPlan[i].Iteration = iterations
		}

		emit("execute", fmt.Sprintf("iteration %d: executing %d sub-question(s)", iterations, len(currentPlan)))
		results, err := e.executeSubQuestions(ctx, currentPlan, cfg)
		if err != nil {
			return true, nil, nil, Meta{}, err
		}
		allResults = append(allResults, results...)

		if iterations >= cfg.MaxIterations {
			break
		}

		emit("gap-check", "checking for coverage gaps")
		gap := e.GapDetector.Detect(ctx, query, planSummary, allResults)
		if gap.Complete || len(gap.FollowUps) == 0 {
			break
		}
		currentPlan = gap.FollowUps
	}

	sortResults(allResults)

	emit("synthesize", "synthesizing final answer")
	chunks, err := e.Synthesizer.SynthesizeStreaming(ctx, query, timeContext, allResults)
	if err != nil {
		return true, nil, nil, Meta{}, err
	}
	return true, chunks, dedupSources(allResults), meta(iterations, allResults), nil
}

// executeSubQuestions fans out currentPlan with bounded parallelism
// (cfg.MaxParallelSubQ), each under its own per-sub timeout plus the
// request-wide cancellation context. An individual sub-question's failure
// yields an origin=error SubResult rather than cancelling its siblings; a
// request-wide cancellation (client disconnect) aborts every outstanding
// sub-question at its next suspension point via errgroup's shared
// context.
func (e *Engine) executeSubQuestions(ctx context.Context, plan []SubQuestion, cfg Config) ([]SubResult, error) {
	sem := semaphore.NewWeighted(int64(cfg.MaxParallelSubQ))
	g, gctx := errgroup.WithContext(ctx)

	results := make([]SubResult, len(plan))
	var mu sync.Mutex

	for i, sq := range plan {
		i, sq := i, sq
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				mu.Lock()
				results[i] = SubResult{SubQuestion: sq, Origin: OriginError, Answer: fmt.Sprintf("cancelled before execution: %v", err)}
				mu.Unlock()
				return nil
			}
			defer sem.Release(1)

			subCtx, cancel := context.WithTimeout(gctx, cfg.SubQuestionTimeout)
			defer cancel()

			r := e.executeOne(subCtx, sq)
			mu.Lock()
			results[i] = r
			mu.Unlock()
			return nil
		})
	}

	// errgroup's Go callbacks above never return a non-nil error
	// themselves (failures are captured as origin=error results), so Wait
	// always returns nil; the request-wide cancellation case is reported
	// from ctx once every sub-question has returned.
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("research: sub-question fan-out: %w", err)
	}
	return results, nil
}

func (e *Engine) executeOne(ctx context.Context, sq SubQuestion) SubResult {
	switch sq.Kind {
	case KindAnalytical:
		return SubResult{SubQuestion: sq, Origin: OriginDeferred, Answer: "(to be synthesized)"}
	case KindNumerical:
		if e.ToolRunner != nil {
			answer, err := e.ToolRunner.RunToolBiased(ctx, sq.Question)
			if err == nil && strings.TrimSpace(answer) != "" {
				return SubResult{SubQuestion: sq, Origin: OriginTool, Answer: answer}
			}
		}
		return e.webFallback(ctx, sq)
	default: // KindQualitative
		return e.webFallback(ctx, sq)
	}
}

func (e *Engine) webFallback(ctx context.Context, sq SubQuestion) SubResult {
	if e.WebSearcher == nil {
		return SubResult{SubQuestion: sq, Origin: OriginError, Answer: "no web search backend configured"}
	}
	answer, sources, err := e.WebSearcher.Search(ctx, sq.Question)
	if err != nil {
		return SubResult{SubQuestion: sq, Origin: OriginError, Answer: fmt.Sprintf("search failed: %v", err)}
	}
	return SubResult{SubQuestion: sq, Origin: OriginWeb, Answer: answer, Sources: sources}
}

// sortResults applies the stable (iteration, original_index) sort so the
// final results list is deterministic regardless of completion order.
func sortResults(results []SubResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].SubQuestion.Iteration != results[j].SubQuestion.Iteration {
			return results[i].SubQuestion.Iteration < results[j].SubQuestion.Iteration
		}
		return results[i].SubQuestion.OriginalIndex < results[j].SubQuestion.OriginalIndex
	})
}

func dedupSources(results []SubResult) []Source {
	seen := make(map[string]bool)
	var out []Source
	for _, r := range results {
		for _, s := range r.Sources {
			key := s.URL
			if key == "" {
				key = s.Title
			}
			if key == "" || seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, s)
		}
	}
	return out
}

func meta(iterations int, results []SubResult) Meta {
	m := Meta{Iterations: iterations, SubQCount: len(results)}
	for _, r := range results {
		switch r.Origin {
		case OriginTool:
			m.ToolHits++
		case OriginWeb:
			m.WebHits++
		}
	}
	return m
}

func summarizePlan(plan []SubQuestion) string {
	var sb strings.Builder
	for _, sq := range plan {
		fmt.Fprintf(&sb, "- (%s) %s\n", sq.Kind, sq.Question)
	}
	return sb.String()
}
