// Package research implements the Research Engine Parts (C6) and the
// Research Engine orchestrator (C7): decompose -> parallel-execute ->
// detect-gaps -> iterate -> synthesize for queries complex enough to need
// more than a single-pass agent run.
package research

import "context"

// SubQuestionKind routes a SubQuestion to the right execution path.
type SubQuestionKind string

const (
	KindNumerical   SubQuestionKind = "numerical"
	KindQualitative SubQuestionKind = "qualitative"
	KindAnalytical  SubQuestionKind = "analytical"
)

// SubQuestion is one atomic information need produced by decomposing a
// complex query.
type SubQuestion struct {
	Question string          `json:"question"`
	Kind     SubQuestionKind `json:"kind"`

	// OriginalIndex fixes this sub-question's position in the plan that
	// produced it, independent of execution or completion order, so the
	// final results list can be sorted by (iteration, original_index)
	// regardless of which goroutine finished first.
	OriginalIndex int `json:"-"`
	Iteration     int `json:"-"`
}

// Source is one attribution a SubResult or the final answer cites.
type Source struct {
	URL   string `json:"url,omitempty"`
	Title string `json:"title,omitempty"`
}

// SubResultOrigin records how a SubResult was produced.
type SubResultOrigin string

const (
	OriginTool     SubResultOrigin = "tool"
	OriginWeb      SubResultOrigin = "web"
	OriginDeferred SubResultOrigin = "deferred"
	OriginError    SubResultOrigin = "error"
)

// SubResult is the outcome of executing one SubQuestion.
type SubResult struct {
	SubQuestion SubQuestion
	Answer      string
	Sources     []Source
	Origin      SubResultOrigin
}

// GapReport is the Gap Detector's structured output.
type GapReport struct {
	Complete  bool          `json:"complete"`
	Gaps      []string      `json:"gaps"`
	FollowUps []SubQuestion `json:"follow_ups"`
}

// Meta summarizes one research run for the client-facing response
// envelope.
type Meta struct {
	Iterations int `json:"iterations"`
	SubQCount  int `json:"subq_count"`
	ToolHits   int `json:"tool_hits"`
	WebHits    int `json:"web_hits"`
}

// WebSearcher performs an open-web search, returning a short answer-style
// summary plus the sources it drew on. The concrete implementation lives
// outside this package's scope (an external search provider); research
// only needs this narrow contract.
type WebSearcher interface {
	Search(ctx context.Context, query string) (answer string, sources []Source, err error)
}

// ToolRunner executes a sub-question against a structured-data-biased
// tool allow-list (the Agent Runner, constrained to a small tool set).
type ToolRunner interface {
	RunToolBiased(ctx context.Context, question string) (answer string, err error)
}
