package skills

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPlanner(t *testing.T) *Planner {
	t.Helper()
	reg, err := NewRegistry(Default())
	require.NoError(t, err)
	return NewPlanner(reg)
}

func TestPlannerPicksSummarizePageForInjectedSummary(t *testing.T) {
	p := newPlanner(t)
	plan, err := p.Plan(MatchInput{Query: "Summarize this page", HasInjectedPage: true})
	require.NoError(t, err)
	assert.Equal(t, "summarize_page", plan.SkillName)
	assert.Empty(t, plan.AllowedTools)
	assert.Equal(t, 1, plan.MaxTurns)
	// The zero-tools invariant: no allowed tools implies an instruction
	// override must be present.
	assert.NotEmpty(t, plan.InstructionOverride)
}

func TestPlannerSummarizeYieldsToDataLookup(t *testing.T) {
	p := newPlanner(t)
	// "summarize" intent but with a data-lookup keyword: the exclude list
	// pushes the query to stock_fundamentals instead.
	plan, err := p.Plan(MatchInput{Query: "summarize the price action of AAPL", HasInjectedPage: true})
	require.NoError(t, err)
	assert.Equal(t, "stock_fundamentals", plan.SkillName)
}

func TestPlannerPicksStockFundamentals(t *testing.T) {
	p := newPlanner(t)
	plan, err := p.Plan(MatchInput{Query: "What is AAPL's current price?"})
	require.NoError(t, err)
	assert.Equal(t, "stock_fundamentals", plan.SkillName)
	assert.ElementsMatch(t, []string{"get_stock_info", "get_stock_history", "calculate"}, plan.AllowedTools)
	assert.Equal(t, 3, plan.MaxTurns)
}

func TestPlannerPicksOptionsOverFundamentals(t *testing.T) {
	p := newPlanner(t)
	plan, err := p.Plan(MatchInput{Query: "what's the open interest on AAPL options at the 200 strike"})
	require.NoError(t, err)
	assert.Equal(t, "options_analysis", plan.SkillName)
}

func TestPlannerFallsBackToWebResearch(t *testing.T) {
	p := newPlanner(t)
	plan, err := p.Plan(MatchInput{Query: "what happened in the markets today"})
	require.NoError(t, err)
	assert.Equal(t, "web_research", plan.SkillName)
	assert.Equal(t, []string{ALL}, plan.AllowedTools)
	assert.Equal(t, 10, plan.MaxTurns)
}

func TestPlannerNoInjectedPageSkipsSummarize(t *testing.T) {
	p := newPlanner(t)
	plan, err := p.Plan(MatchInput{Query: "summarize the situation"})
	require.NoError(t, err)
	assert.NotEqual(t, "summarize_page", plan.SkillName)
}

func TestPlannerIsDeterministic(t *testing.T) {
	p := newPlanner(t)
	in := MatchInput{Query: "compare revenue and EPS for MSFT", HasInjectedPage: true, Host: "finance.yahoo.com"}
	first, err := p.Plan(in)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := p.Plan(in)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestNewRegistryRejectsEmpty(t *testing.T) {
	_, err := NewRegistry(nil)
	assert.Error(t, err)
}

func TestNewRegistryRejectsNonFallbackTail(t *testing.T) {
	_, err := NewRegistry([]Skill{{Name: "only", MaxTurns: 1, Score: 0.5}})
	assert.Error(t, err)
}

func TestFallbackAlwaysScoresPositive(t *testing.T) {
	list := Default()
	last := list[len(list)-1]
	require.True(t, last.Fallback)
	assert.Greater(t, last.Match(MatchInput{}), 0.0)
	assert.Greater(t, last.Match(MatchInput{Query: "zzz unmatched gibberish"}), 0.0)
}
