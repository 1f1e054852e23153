// Package providers holds the built-in adapters, one per remote service.
// Adapters are pure I/O plus shape mapping: they turn one remote API into
// the uniform provider contract and never touch the filesystem.
package providers

import (
	"context"

	"github.com/jkudish/librarium/internal/config"
	"github.com/jkudish/librarium/internal/custom"
	"github.com/jkudish/librarium/internal/installmethod"
	"github.com/jkudish/librarium/internal/logger"
	"github.com/jkudish/librarium/internal/provider"
	"github.com/jkudish/librarium/internal/registry"
)

// Built-in provider ids.
const (
	IDPerplexitySonarPro     = "perplexity-sonar-pro"
	IDPerplexityDeepResearch = "perplexity-deep-research"
	IDOpenAIDeepResearch     = "openai-deep-research"
	IDOpenAIGPTSearch        = "openai-gpt-search"
	IDAnthropicClaude        = "anthropic-claude"
	IDGeminiGrounded         = "gemini-grounded"
	IDTavily                 = "tavily"
	IDExa                    = "exa"
	IDBrave                  = "brave"
)

// RegisterBuiltins registers every built-in adapter. Providers register
// whether or not they are configured; enablement and key checks happen
// at dispatch time.
func RegisterBuiltins(reg *registry.Registry, cfg *config.Config) error {
	configuredKey := func(id string) string {
		if entry := cfg.Provider(id); entry != nil {
			return entry.APIKey
		}
		return ""
	}

	builtins := []provider.Provider{
		NewPerplexitySonarPro(configuredKey(IDPerplexitySonarPro)),
		provider.NewSyntheticAsync(NewPerplexityDeepResearch(configuredKey(IDPerplexityDeepResearch))),
		NewOpenAIDeepResearch(configuredKey(IDOpenAIDeepResearch)),
		NewOpenAIGPTSearch(configuredKey(IDOpenAIGPTSearch)),
		NewAnthropicClaude(configuredKey(IDAnthropicClaude)),
		NewGeminiGrounded(configuredKey(IDGeminiGrounded)),
		NewTavily(configuredKey(IDTavily)),
		NewExa(configuredKey(IDExa)),
		NewBrave(configuredKey(IDBrave)),
	}
	for _, p := range builtins {
		if err := reg.Register(p); err != nil {
			return err
		}
	}
	return nil
}

// Initialize builds the full registry for one invocation: built-ins
// first, then trusted custom providers, so id collisions resolve in favor
// of built-ins.
func Initialize(ctx context.Context, cfg *config.Config, projectDir string) (*registry.Registry, error) {
	reg := registry.New()
	if err := RegisterBuiltins(reg, cfg); err != nil {
		return nil, err
	}
	custom.LoadAll(ctx, cfg, reg, projectDir, installmethod.Detect())

	for _, w := range cfg.ValidateFallbacks(reg.Has) {
		logger.Warnf("%s", w)
	}
	return reg, nil
}
