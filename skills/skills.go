// Package skills implements the Skill Registry + Planner (C4): a
// deterministic, LLM-free heuristic classifier that scores each declared
// skill against a query and picks the best, yielding an ExecutionPlan that
// constrains the downstream Agent Runner's tool set and turn budget.
//
// The planner is deliberately free of any model call -- zero latency, zero
// API cost, fully testable -- per the design notes this behavior is
// load-bearing, not an oversight.
package skills

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/Open-Finance-Lab/FinGPT-Search-Agent-sub000/apperr"
	"github.com/Open-Finance-Lab/FinGPT-Search-Agent-sub000/tools"
)

// MatchInput is everything a Skill's match rule may inspect.
type MatchInput struct {
	Query           string
	HasInjectedPage bool
	Host            string
}

// Skill is one named, static capability profile.
type Skill struct {
	Name                string
	AllowedTools        []string // may contain tools.ALL
	MaxTurns            int
	InstructionOverride string

	// Keywords is an ordered list of regexes; if any matches the
	// lower-cased query, the skill's configured score is returned.
	Keywords []*regexp.Regexp
	// RequireInjectedPage, when true, means the skill only scores above
	// zero when MatchInput.HasInjectedPage is true.
	RequireInjectedPage bool
	// ExcludeKeywords: if any of these match, the skill scores zero even
	// if a Keywords entry also matched (used by summarize_page to yield
	// to stock_fundamentals when the query has a data-lookup term).
	ExcludeKeywords []*regexp.Regexp
	// Score is the fixed score returned on a keyword match.
	Score float64
	// Fallback marks the last-resort skill, which must return a strictly
	// positive minimum score regardless of input.
	Fallback bool
}

// Match scores in against the skill's deterministic rule. Two calls with
// identical in always return the identical score (no randomness, no I/O).
func (s Skill) Match(in MatchInput) float64 {
	if s.Fallback {
		return s.Score
	}
	if s.RequireInjectedPage && !in.HasInjectedPage {
		return 0
	}
	q := strings.ToLower(in.Query)
	for _, re := range s.ExcludeKeywords {
		if re.MatchString(q) {
			return 0
		}
	}
	for _, re := range s.Keywords {
		if re.MatchString(q) {
			return s.Score
		}
	}
	return 0
}

// ExecutionPlan is the concrete, immutable output of planning one request.
type ExecutionPlan struct {
	SkillName           string
	AllowedTools        []string
	MaxTurns            int
	InstructionOverride string
}

// Registry holds the ordered skill list; the last entry must be a
// Fallback skill per the documented invariant.
type Registry struct {
	skills []Skill
}

// NewRegistry builds a Registry from an ordered skill list. It returns an
// error (PLAN_ERROR class, surfaced by the caller) only if skills is empty
// or its last entry isn't a fallback with a strictly positive score --
// both are configuration bugs, never expected at runtime.
func NewRegistry(list []Skill) (*Registry, error) {
	if len(list) == 0 {
		return nil, apperr.New(apperr.KindPlanError, "skills.NewRegistry", fmt.Errorf("skill registry must not be empty"))
	}
	last := list[len(list)-1]
	if !last.Fallback || last.Score <= 0 {
		return nil, apperr.New(apperr.KindPlanError, "skills.NewRegistry", fmt.Errorf("last skill %q must be a fallback with a strictly positive score", last.Name))
	}
	return &Registry{skills: list}, nil
}

// Skills returns the ordered skill list.
func (r *Registry) Skills() []Skill { return r.skills }

// Planner picks the highest-scoring skill for a request and renders its
// ExecutionPlan.
type Planner struct {
	registry *Registry
}

// NewPlanner builds a Planner over registry.
func NewPlanner(registry *Registry) *Planner { return &Planner{registry: registry} }

// Plan scores every skill against in and returns the ExecutionPlan for the
// winner. Ties are broken by declaration order (the first-declared
// highest scorer wins), and the fallback skill -- being last and always
// positive -- is only chosen when every earlier skill scored zero. The
// same inputs always yield the same plan (Planner is a pure function of
// its registry and in).
func (p *Planner) Plan(in MatchInput) (ExecutionPlan, error) {
	skillList := p.registry.Skills()
	if len(skillList) == 0 {
		return ExecutionPlan{}, apperr.New(apperr.KindPlanError, "skills.Plan", fmt.Errorf("skill registry is empty"))
	}

	type scored struct {
		idx   int
		skill Skill
		score float64
	}
	var candidates []scored
	for i, sk := range skillList {
		candidates = append(candidates, scored{idx: i, skill: sk, score: sk.Match(in)})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].idx < candidates[j].idx
	})

	best := candidates[0].skill
	if len(best.AllowedTools) == 0 && best.InstructionOverride == "" {
		// Invariant: AllowedTools == ∅ requires an instruction override,
		// since the Agent Runner will skip tool setup entirely and needs
		// the override to carry the injected page content.
		return ExecutionPlan{}, apperr.New(apperr.KindPlanError, "skills.Plan", fmt.Errorf("skill %q has no allowed tools and no instruction override", best.Name))
	}

	return ExecutionPlan{
		SkillName:           best.Name,
		AllowedTools:        append([]string(nil), best.AllowedTools...),
		MaxTurns:            best.MaxTurns,
		InstructionOverride: best.InstructionOverride,
	}, nil
}

// ALL is the allowed-tool-names sentinel meaning every registered tool,
// re-exported so skill-table loaders don't need to import tools directly.
const ALL = tools.ALL
