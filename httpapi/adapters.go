package httpapi

import (
	"context"
	"fmt"

	"github.com/Open-Finance-Lab/FinGPT-Search-Agent-sub000/llms"
	"github.com/Open-Finance-Lab/FinGPT-Search-Agent-sub000/research"
	"github.com/Open-Finance-Lab/FinGPT-Search-Agent-sub000/skills"
	"github.com/Open-Finance-Lab/FinGPT-Search-Agent-sub000/tools"
)

// searcherAdapter bridges tools.WebSearch to the research engine's
// WebSearcher contract: hit snippets become the answer text, hit URLs
// become the sources.
type searcherAdapter struct {
	search *tools.WebSearch
}

func (a *searcherAdapter) Search(ctx context.Context, query string) (string, []research.Source, error) {
	if a.search == nil {
		return "", nil, fmt.Errorf("no web search backend configured")
	}
	hits, err := a.search.Search(ctx, query)
	if err != nil {
		return "", nil, err
	}
	if len(hits) == 0 {
		return "", nil, fmt.Errorf("no results for %q", query)
	}

	answer := ""
	sources := make([]research.Source, 0, len(hits))
	for _, h := range hits {
		if answer != "" {
			answer += "\n"
		}
		answer += h.Snippet
		sources = append(sources, research.Source{URL: h.URL, Title: h.Title})
	}
	return answer, sources, nil
}

// toolRunnerAdapter executes a numerical sub-question through the Agent
// Runner with the structured-data tool allow-list, as a miniature
// thinking-mode run with its own turn budget.
type toolRunnerAdapter struct {
	server   *Server
	provider llms.Provider
}

func (a *toolRunnerAdapter) RunToolBiased(ctx context.Context, question string) (string, error) {
	plan := skills.ExecutionPlan{
		SkillName:    "research_numerical",
		AllowedTools: append([]string(nil), researchToolAllowList...),
		MaxTurns:     3,
	}
	messages := []llms.Message{
		{Role: "system", Content: "Answer the question using the structured market-data tools available. Report exact values with their units and dates. If the tools cannot answer, say so in one sentence."},
		{Role: "user", Content: question},
	}
	result, err := a.server.runner.Run(ctx, plan, a.provider, messages)
	if err != nil {
		return "", err
	}
	return result.Text, nil
}
