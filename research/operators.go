package research

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Open-Finance-Lab/FinGPT-Search-Agent-sub000/llms"
)

const defaultMaxSub = 5

// QueryAnalyzer decides whether a query needs decomposition and, if so,
// into which sub-questions. It is a single-shot structured-JSON call
// against the small "analysis" model, distinct from the per-request
// synthesis model.
type QueryAnalyzer struct {
	Provider llms.Provider
	MaxSub   int
}

type analyzerOutput struct {
	NeedsDecomposition bool `json:"needs_decomposition"`
	SubQuestions       []struct {
		Question string `json:"question"`
		Kind     string `json:"kind"`
	} `json:"sub_questions"`
}

// Analyze calls the analysis model and coerces its output into a safe
// default on any parse failure: {false, []}. Sub-question count is
// clamped to MaxSub (default 5); unknown kind values coerce to
// qualitative.
func (a *QueryAnalyzer) Analyze(ctx context.Context, query, timeContext string) (needsDecomposition bool, subQuestions []SubQuestion) {
	maxSub := a.MaxSub
	if maxSub <= 0 {
		maxSub = defaultMaxSub
	}

	prompt := fmt.Sprintf(`You are a query decomposition classifier for a financial research assistant.
%s
Given the user's query, decide if it requires decomposing into independent
sub-questions to answer well, or if it is a single aggregate lookup a single
source can answer directly (do not decompose in that case).
Respond with JSON only: {"needs_decomposition": bool, "sub_questions": [{"question": string, "kind": "numerical"|"qualitative"|"analytical"}]}.

Query: %s`, timeContext, query)

	text, _, _, err := a.Provider.Generate(ctx, []llms.Message{{Role: "user", Content: prompt}}, nil)
	if err != nil {
		return false, nil
	}

	var out analyzerOutput
	if jerr := json.Unmarshal([]byte(extractJSON(text)), &out); jerr != nil {
		return false, nil
	}
	if !out.NeedsDecomposition {
		return false, nil
	}

	subs := make([]SubQuestion, 0, len(out.SubQuestions))
	for i, sq := range out.SubQuestions {
		if i >= maxSub {
			break
		}
		kind := SubQuestionKind(strings.ToLower(sq.Kind))
		switch kind {
		case KindNumerical, KindQualitative, KindAnalytical:
		default:
			kind = KindQualitative
		}
		subs = append(subs, SubQuestion{Question: sq.Question, Kind: kind, OriginalIndex: i})
	}
	if len(subs) == 0 {
		return false, nil
	}
	return true, subs
}

// GapDetector decides whether a research iteration's accumulated results
// sufficiently answer the original query, and proposes at most 3
// follow-up sub-questions if not.
type GapDetector struct {
	Provider llms.Provider
}

type gapOutput struct {
	Complete  bool     `json:"complete"`
	Gaps      []string `json:"gaps"`
	FollowUps []struct {
		Question string `json:"question"`
		Kind     string `json:"kind"`
	} `json:"follow_ups"`
}

// Detect calls the analysis model; on any parse error it returns
// {complete: true, nil, nil} so the research loop terminates gracefully
// rather than looping on malformed output.
func (g *GapDetector) Detect(ctx context.Context, originalQuery, planSummary string, results []SubResult) GapReport {
	var sb strings.Builder
	for _, r := range results {
		fmt.Fprintf(&sb, "- [%s] %s -> %s\n", r.Origin, r.SubQuestion.Question, r.Answer)
	}

	prompt := fmt.Sprintf(`You are a coverage-gap detector for a financial research assistant.
Original query: %s
Original plan: %s
Accumulated sub-results:
%s
Decide if these results fully answer the original query. Respond with JSON only:
{"complete": bool, "gaps": [string], "follow_ups": [{"question": string, "kind": "numerical"|"qualitative"|"analytical"}]}
Provide at most 3 follow_ups.`, originalQuery, planSummary, sb.String())

	text, _, _, err := g.Provider.Generate(ctx, []llms.Message{{Role: "user", Content: prompt}}, nil)
	if err != nil {
		return GapReport{Complete: true}
	}

	var out gapOutput
	if jerr := json.Unmarshal([]byte(extractJSON(text)), &out); jerr != nil {
		return GapReport{Complete: true}
	}

	followUps := make([]SubQuestion, 0, 3)
	for i, f := range out.FollowUps {
		if i >= 3 {
			break
		}
		kind := SubQuestionKind(strings.ToLower(f.Kind))
		switch kind {
		case KindNumerical, KindQualitative, KindAnalytical:
		default:
			kind = KindQualitative
		}
		followUps = append(followUps, SubQuestion{Question: f.Question, Kind: kind, OriginalIndex: i})
	}

	return GapReport{Complete: out.Complete, Gaps: out.Gaps, FollowUps: followUps}
}

// Synthesizer integrates every sub-result (including deferred analytical
// ones) into a single grounded answer, prohibiting cross-source numerical
// aggregation, presenting partial data as a total, or fabricating missing
// values.
type Synthesizer struct {
	Provider llms.Provider
}

func synthesisPrompt(query, timeContext string, results []SubResult) string {
	var sb strings.Builder
	for _, r := range results {
		fmt.Fprintf(&sb, "- [%s] Q: %s\n  A: %s\n", r.Origin, r.SubQuestion.Question, r.Answer)
		for _, s := range r.Sources {
			fmt.Fprintf(&sb, "  source: %s %s\n", s.Title, s.URL)
		}
	}
	return fmt.Sprintf(`You are a financial research synthesizer. %s
Using only the sub-results below, write a natural-language answer to the
user's original query that integrates every sub-result's exact values and
source attributions. Do not aggregate numbers across sources unless the
user explicitly asked for a total. Never present partial data as a
complete total. Never fabricate a value that isn't present below; say so
explicitly if a figure could not be found.

Original query: %s

Sub-results:
%s`, timeContext, query, sb.String())
}

// Synthesize returns the final answer as a single string (used by the
// research-mode blocking path).
func (s *Synthesizer) Synthesize(ctx context.Context, query, timeContext string, results []SubResult) (string, error) {
	text, _, _, err := s.Provider.Generate(ctx, []llms.Message{{Role: "user", Content: synthesisPrompt(query, timeContext, results)}}, nil)
	if err != nil {
		return "", err
	}
	return text, nil
}

// SynthesizeStreaming returns a channel of text chunks (used by the
// research-mode streaming path), giving true token-by-token streaming for
// the synthesis step rather than a single buffered event at the end.
func (s *Synthesizer) SynthesizeStreaming(ctx context.Context, query, timeContext string, results []SubResult) (<-chan llms.StreamChunk, error) {
	return s.Provider.GenerateStreaming(ctx, []llms.Message{{Role: "user", Content: synthesisPrompt(query, timeContext, results)}}, nil)
}

// extractJSON trims any leading/trailing prose or markdown code fences a
// model might wrap its JSON in, returning the span from the first '{' to
// the last '}' (braces are not balance-checked).
// Parsing is deliberately permissive here (per the documented tool-output
// shape), but strict enough that genuinely malformed output still fails
// json.Unmarshal and hits the documented safe defaults.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start == -1 || end == -1 || end < start {
		return s
	}
	return s[start : end+1]
}
