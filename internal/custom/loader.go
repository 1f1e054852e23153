package custom

import (
	"context"
	"sort"

	"github.com/jkudish/librarium/internal/config"
	"github.com/jkudish/librarium/internal/installmethod"
	"github.com/jkudish/librarium/internal/logger"
	"github.com/jkudish/librarium/internal/provider"
	"github.com/jkudish/librarium/internal/registry"
)

// LoadAll registers every loadable custom provider from cfg into reg.
// Untrusted, colliding and broken entries are skipped with a warning; a
// bad plugin never takes the run down. Built-ins must be registered
// before this runs so id collisions are detectable.
func LoadAll(ctx context.Context, cfg *config.Config, reg *registry.Registry, projectDir string, method installmethod.Method) {
	ids := make([]string, 0, len(cfg.CustomProviders))
	for id := range cfg.CustomProviders {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		entry := cfg.CustomProviders[id]
		if !cfg.Trusted(id) {
			logger.Warnf("custom provider %s is not in trustedProviderIds; skipping", id)
			continue
		}
		if reg.Has(id) {
			logger.Warnf("custom provider %s collides with a registered provider id; skipping", id)
			continue
		}

		providerCF := providerConfigMap(cfg.Provider(id))

		var (
			p   provider.Provider
			err error
		)
		switch entry.Type {
		case "module":
			if !method.SupportsModuleProviders() {
				logger.Warnf("custom provider %s: module plugins are unavailable for %s installs; skipping", id, method)
				continue
			}
			p, err = LoadModule(ctx, entry, id, projectDir, providerCF)
		case "script":
			var payload *DescribePayload
			payload, err = DescribeScript(ctx, entry, id, projectDir)
			if err == nil {
				p = NewScriptProvider(payload.Descriptor(id, provider.SourceScript), entry, providerCF, projectDir)
			}
		}
		if err != nil {
			logger.Warnf("custom provider %s failed to load: %v", id, err)
			continue
		}
		if err := reg.Register(p); err != nil {
			logger.Warnf("custom provider %s: %v", id, err)
		}
	}
}

// providerConfigMap renders a provider config entry for the envelope's
// providerConfig field. The apiKey value is an env-ref, not a secret, but
// plugins are expected to read their own environment; only model, options
// and fallback travel.
func providerConfigMap(entry *config.ProviderEntry) map[string]any {
	if entry == nil {
		return nil
	}
	out := map[string]any{}
	if entry.Model != "" {
		out["model"] = entry.Model
	}
	if entry.Fallback != "" {
		out["fallback"] = entry.Fallback
	}
	if len(entry.Options) > 0 {
		out["options"] = entry.Options
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
