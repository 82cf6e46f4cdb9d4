package config

import (
	"fmt"
	"strings"
	"time"
)

// ProviderKind identifies which LLM provider implementation handles a model
// alias.
type ProviderKind string

const (
	ProviderOpenAICompatible ProviderKind = "openai"
	ProviderAnthropic        ProviderKind = "anthropic"
)

// ModelConfig is one entry in the fixed alias -> provider-handle table the
// Entry Handlers resolve `model` request fields against.
type ModelConfig struct {
	Alias    string
	Provider ProviderKind
	Model    string
	APIKey   string
	BaseURL  string
}

// Config is the root of the process configuration, built once at startup
// from the environment and handed to every component as an explicit,
// injected dependency (no package-level singletons).
type Config struct {
	ListenAddr string

	// ModelAliases maps the `model` field accepted on requests to a
	// concrete provider + credentials.
	ModelAliases map[string]ModelConfig
	// AnalysisModelAlias is the small/cheap model alias used by the
	// Query Analyzer and Gap Detector calls; the Synthesizer and the agent
	// run on the per-request model. It is also the model used when a
	// request names none.
	AnalysisModelAlias string

	// FinGPTAPIKey, when non-empty, enables bearer-token auth on /v1/...
	FinGPTAPIKey string

	// RateLimit is the parsed form of API_RATE_LIMIT ("N/unit").
	RateLimit RateLimitSpec

	SessionTTL              time.Duration
	MaxSubQuestions         int
	MaxIterations           int
	MaxParallelSubQuestions int
	ArtifactMaxCount        int
	ArtifactMaxChars        int
	SubQuestionTimeout      time.Duration
	ToolCallTimeout         time.Duration

	MemoryLeakWindowSize       int
	MemoryLeakCheckInterval    int
	MemoryLeakSlopeThresholdMB float64
	MemorySoftLimitMB          float64
	DebugMemoryToken           string

	PromptFragmentDir string
	SkillTableFile    string

	RedisAddr string // optional; empty means in-memory session store

	// SearXNGURL, when set, makes the web search backend query a SearXNG
	// instance instead of the DuckDuckGo instant-answer API.
	SearXNGURL string
	// BrowserRestrictHost, when set, confines every headless-browser
	// navigation to that host.
	BrowserRestrictHost string
	// MCPServers lists the external tool servers discovered at startup.
	MCPServers []MCPServerConfig

	TracingEnabled bool
}

// MCPServerConfig describes one stdio-launched MCP tool server, parsed
// from MCP_SERVERS ("name=command arg1 arg2,name2=command2 ...").
type MCPServerConfig struct {
	Name    string
	Command string
	Args    []string
}

func parseMCPServers(spec string) []MCPServerConfig {
	var out []MCPServerConfig
	for _, entry := range strings.Split(spec, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, cmdline, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		fields := strings.Fields(cmdline)
		if len(fields) == 0 {
			continue
		}
		out = append(out, MCPServerConfig{Name: strings.TrimSpace(name), Command: fields[0], Args: fields[1:]})
	}
	return out
}

// RateLimitSpec is the parsed form of "N/unit".
type RateLimitSpec struct {
	N      int64
	Window time.Duration
}

func parseRateLimit(spec string) (RateLimitSpec, error) {
	parts := strings.SplitN(spec, "/", 2)
	if len(parts) != 2 {
		return RateLimitSpec{}, fmt.Errorf("invalid API_RATE_LIMIT %q: expected N/unit", spec)
	}
	var n int64
	if _, err := fmt.Sscanf(parts[0], "%d", &n); err != nil {
		return RateLimitSpec{}, fmt.Errorf("invalid API_RATE_LIMIT %q: %w", spec, err)
	}
	var window time.Duration
	switch parts[1] {
	case "s":
		window = time.Second
	case "m":
		window = time.Minute
	case "h":
		window = time.Hour
	case "d":
		window = 24 * time.Hour
	default:
		return RateLimitSpec{}, fmt.Errorf("invalid API_RATE_LIMIT unit %q: want one of s,m,h,d", parts[1])
	}
	return RateLimitSpec{N: n, Window: window}, nil
}

// Load builds a Config from the current process environment. It does not
// validate that any model alias's API key is actually set to a working
// credential — only that at least one provider key is present, per the
// documented "at least one required" configuration contract.
func Load() (*Config, error) {
	rl, err := parseRateLimit(envString("API_RATE_LIMIT", "600/h"))
	if err != nil {
		return nil, err
	}

	aliases := map[string]ModelConfig{}
	addIfKey := func(alias string, provider ProviderKind, model, keyEnv, baseURLEnv, defaultBaseURL string) {
		key := envString(keyEnv, "")
		if key == "" {
			return
		}
		aliases[alias] = ModelConfig{
			Alias:    alias,
			Provider: provider,
			Model:    model,
			APIKey:   key,
			BaseURL:  envString(baseURLEnv, defaultBaseURL),
		}
	}

	addIfKey("gpt-4o-mini", ProviderOpenAICompatible, "gpt-4o-mini", "OPENAI_API_KEY", "OPENAI_BASE_URL", "https://api.openai.com/v1")
	addIfKey("gpt-4o", ProviderOpenAICompatible, "gpt-4o", "OPENAI_API_KEY", "OPENAI_BASE_URL", "https://api.openai.com/v1")
	addIfKey("claude-3-5-sonnet", ProviderAnthropic, "claude-3-5-sonnet-latest", "ANTHROPIC_API_KEY", "", "")
	addIfKey("deepseek-chat", ProviderOpenAICompatible, "deepseek-chat", "DEEPSEEK_API_KEY", "DEEPSEEK_BASE_URL", "https://api.deepseek.com/v1")
	addIfKey("gemini-1.5-flash", ProviderOpenAICompatible, "gemini-1.5-flash", "GOOGLE_API_KEY", "GOOGLE_BASE_URL", "https://generativelanguage.googleapis.com/v1beta/openai")

	if len(aliases) == 0 {
		return nil, fmt.Errorf("no LLM provider configured: set at least one of OPENAI_API_KEY, GOOGLE_API_KEY, ANTHROPIC_API_KEY, DEEPSEEK_API_KEY")
	}

	analysisAlias := envString("ANALYSIS_MODEL_ALIAS", "")
	if analysisAlias == "" {
		for alias := range aliases {
			analysisAlias = alias
			break
		}
	}

	cfg := &Config{
		ListenAddr:                 envString("LISTEN_ADDR", ":8000"),
		ModelAliases:               aliases,
		AnalysisModelAlias:         analysisAlias,
		FinGPTAPIKey:               envString("FINGPT_API_KEY", ""),
		RateLimit:                  rl,
		SessionTTL:                 time.Duration(envInt("SESSION_TTL_SECONDS", 3600)) * time.Second,
		MaxSubQuestions:            envInt("MAX_SUB_QUESTIONS", 5),
		MaxIterations:              envInt("MAX_ITERATIONS", 3),
		MaxParallelSubQuestions:    envInt("MAX_PARALLEL_SUBQ", 5),
		ArtifactMaxCount:           envInt("ARTIFACT_MAX_COUNT", 32),
		ArtifactMaxChars:           envInt("ARTIFACT_MAX_CHARS", 200_000),
		SubQuestionTimeout:         time.Duration(envInt("SUBQ_TIMEOUT_SECONDS", 60)) * time.Second,
		ToolCallTimeout:            time.Duration(envInt("TOOL_TIMEOUT_SECONDS", 30)) * time.Second,
		MemoryLeakWindowSize:       envInt("MEMORY_LEAK_WINDOW_SIZE", 200),
		MemoryLeakCheckInterval:    envInt("MEMORY_LEAK_CHECK_INTERVAL", 50),
		MemoryLeakSlopeThresholdMB: envFloat("MEMORY_LEAK_SLOPE_THRESHOLD", 0.1),
		MemorySoftLimitMB:          envFloat("MEMORY_SOFT_LIMIT_MB", 450),
		DebugMemoryToken:           envString("DEBUG_MEMORY_TOKEN", ""),
		PromptFragmentDir:          envString("PROMPT_FRAGMENT_DIR", "./prompts/fragments"),
		SkillTableFile:             envString("SKILL_TABLE_FILE", "./skills.yaml"),
		RedisAddr:                  envString("REDIS_ADDR", ""),
		SearXNGURL:                 envString("SEARXNG_URL", ""),
		BrowserRestrictHost:        envString("BROWSER_RESTRICT_HOST", ""),
		MCPServers:                 parseMCPServers(envString("MCP_SERVERS", "")),
		TracingEnabled:             envString("TRACING_ENABLED", "") == "true",
	}
	return cfg, nil
}
