package skills

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/Open-Finance-Lab/FinGPT-Search-Agent-sub000/config"
)

// yamlSkill is the on-disk shape of one skill table entry.
type yamlSkill struct {
	Name                string   `yaml:"name"`
	AllowedTools        []string `yaml:"allowed_tools"`
	MaxTurns            int      `yaml:"max_turns"`
	InstructionOverride string   `yaml:"instruction_override"`
	Keywords            []string `yaml:"keywords"`
	ExcludeKeywords     []string `yaml:"exclude_keywords"`
	RequireInjectedPage bool     `yaml:"require_injected_page"`
	Score               float64  `yaml:"score"`
	Fallback            bool     `yaml:"fallback"`
}

// LoadFile reads an ordered skill table from a YAML document. The
// instruction override and every keyword and exclude-keyword pattern go
// through config.ExpandEnv first, so ${VAR}/${VAR:-default} references work
// the same way they do in process configuration; name and allowed_tools
// are used verbatim.
func LoadFile(path string) ([]Skill, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("skills: read %s: %w", path, err)
	}

	var raw []yamlSkill
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("skills: parse %s: %w", path, err)
	}

	out := make([]Skill, 0, len(raw))
	for _, r := range raw {
		sk := Skill{
			Name:                r.Name,
			AllowedTools:        r.AllowedTools,
			MaxTurns:            r.MaxTurns,
			InstructionOverride: config.ExpandEnv(r.InstructionOverride),
			RequireInjectedPage: r.RequireInjectedPage,
			Score:               r.Score,
			Fallback:            r.Fallback,
		}
		for _, kw := range r.Keywords {
			re, err := regexp.Compile(config.ExpandEnv(kw))
			if err != nil {
				return nil, fmt.Errorf("skills: skill %q keyword %q: %w", r.Name, kw, err)
			}
			sk.Keywords = append(sk.Keywords, re)
		}
		for _, kw := range r.ExcludeKeywords {
			re, err := regexp.Compile(config.ExpandEnv(kw))
			if err != nil {
				return nil, fmt.Errorf("skills: skill %q exclude_keyword %q: %w", r.Name, kw, err)
			}
			sk.ExcludeKeywords = append(sk.ExcludeKeywords, re)
		}
		if sk.MaxTurns <= 0 {
			sk.MaxTurns = 1
		}
		out = append(out, sk)
	}
	return out, nil
}

// Default builds the documented concrete skill table in priority order,
// used when no SKILL_TABLE_FILE is configured. This mirrors exactly the
// table in the skill-registry documentation: summarize_page,
// stock_fundamentals, options_analysis, financial_statements,
// technical_analysis, and the web_research fallback.
func Default() []Skill {
	re := func(pattern string) *regexp.Regexp { return regexp.MustCompile(pattern) }

	return []Skill{
		{
			Name:                "summarize_page",
			AllowedTools:        nil,
			MaxTurns:            1,
			InstructionOverride: "Summarize or explain the current page content for the user using only the page content already provided in context. Do not call any tools.",
			RequireInjectedPage: true,
			Keywords:            []*regexp.Regexp{re(`\b(summar\w*|explain|tl;?dr|overview)\b`)},
			ExcludeKeywords:     []*regexp.Regexp{re(`\b(price|market cap|p/?e|dividend|volume|revenue|eps|ebitda|margin|earnings|rsi|macd|bollinger|options?|put|call|open interest|iv)\b`)},
			Score:               0.9,
		},
		{
			Name:            "stock_fundamentals",
			AllowedTools:    []string{"get_stock_info", "get_stock_history", "calculate"},
			MaxTurns:        3,
			Keywords:        []*regexp.Regexp{re(`\b(price|market cap|p/?e ratio|dividend|52.week|range|volume)\b`)},
			ExcludeKeywords: []*regexp.Regexp{re(`\boptions?\b`)},
			Score:           0.8,
		},
		{
			Name:         "options_analysis",
			AllowedTools: []string{"get_options_summary", "get_options_chain", "calculate"},
			MaxTurns:     3,
			Keywords:     []*regexp.Regexp{re(`\b(options?|put.?call|open interest|implied volatility|\biv\b)\b`)},
			Score:        0.85,
		},
		{
			Name:         "financial_statements",
			AllowedTools: []string{"get_stock_financials", "get_earnings_info", "calculate"},
			MaxTurns:     3,
			Keywords:     []*regexp.Regexp{re(`\b(revenue|eps|ebitda|margin|earnings date|income statement|balance sheet|cash flow)\b`)},
			Score:        0.8,
		},
		{
			Name:         "technical_analysis",
			AllowedTools: []string{"get_technical_indicators", "calculate"},
			MaxTurns:     3,
			Keywords:     []*regexp.Regexp{re(`\b(rsi|macd|bollinger|moving average|\bma\b|support|resistance|candle|chart pattern)\b`)},
			Score:        0.8,
		},
		{
			Name:         "web_research",
			AllowedTools: []string{ALL},
			MaxTurns:     10,
			Score:        0.1,
			Fallback:     true,
		},
	}
}
