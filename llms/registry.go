package llms

import (
	"fmt"

	"github.com/Open-Finance-Lab/FinGPT-Search-Agent-sub000/config"
	"github.com/Open-Finance-Lab/FinGPT-Search-Agent-sub000/registry"
)

// Registry resolves a model alias (the `model` field on incoming requests)
// to a live Provider. Built once at startup from config.Config.ModelAliases.
type Registry struct {
	base *registry.BaseRegistry[Provider]
}

// NewRegistry constructs every configured model alias's provider and
// returns the populated registry. An alias with an unrecognized
// ProviderKind is a configuration bug, not a runtime error, so it fails
// loudly here rather than at first use.
func NewRegistry(cfg *config.Config) (*Registry, error) {
	base := registry.NewBaseRegistry[Provider]()

	for alias, mc := range cfg.ModelAliases {
		var p Provider
		switch mc.Provider {
		case config.ProviderOpenAICompatible:
			p = NewOpenAICompatibleProvider(mc.APIKey, mc.Model, mc.BaseURL)
		case config.ProviderAnthropic:
			p = NewAnthropicProvider(mc.APIKey, mc.Model)
		default:
			return nil, fmt.Errorf("llms: model alias %q has unknown provider kind %q", alias, mc.Provider)
		}
		if err := base.Register(alias, p); err != nil {
			return nil, fmt.Errorf("llms: register alias %q: %w", alias, err)
		}
	}

	return &Registry{base: base}, nil
}

// NewEmptyRegistry returns a registry with no aliases, for callers that
// register providers directly (tests, embedders).
func NewEmptyRegistry() *Registry {
	return &Registry{base: registry.NewBaseRegistry[Provider]()}
}

// Register binds alias to p, replacing any prior binding.
func (r *Registry) Register(alias string, p Provider) error {
	return r.base.Register(alias, p)
}

// Resolve returns the provider bound to alias, or ok=false if no such
// alias is configured (the MODEL_UNKNOWN error case).
func (r *Registry) Resolve(alias string) (Provider, bool) {
	return r.base.Get(alias)
}

// Aliases lists every configured model alias.
func (r *Registry) Aliases() []string {
	return r.base.Names()
}
