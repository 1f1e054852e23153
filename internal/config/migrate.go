package config

import (
	"github.com/jkudish/librarium/internal/provider"
)

// migrate rewrites legacy provider ids wherever they can appear: provider
// keys, group members, fallback targets and custom-provider type aliases.
// Each rewritten id produces one warning.
func (c *Config) migrate() {
	warned := map[string]bool{}
	warnOnce := func(legacy, canonical string) {
		if warned[legacy] {
			return
		}
		warned[legacy] = true
		c.warnf("provider id %q is deprecated, using %q", legacy, canonical)
	}

	for id, entry := range c.Providers {
		canonical, changed := provider.CanonicalID(id)
		if !changed {
			continue
		}
		if _, exists := c.Providers[canonical]; exists {
			c.warnf("both %q and %q are configured; keeping %q", id, canonical, canonical)
		} else {
			c.Providers[canonical] = entry
			warnOnce(id, canonical)
		}
		delete(c.Providers, id)
	}

	for _, entry := range c.Providers {
		if entry == nil || entry.Fallback == "" {
			continue
		}
		if canonical, changed := provider.CanonicalID(entry.Fallback); changed {
			warnOnce(entry.Fallback, canonical)
			entry.Fallback = canonical
		}
	}

	for name, ids := range c.Groups {
		for i, id := range ids {
			if canonical, changed := provider.CanonicalID(id); changed {
				warnOnce(id, canonical)
				ids[i] = canonical
			}
		}
		c.Groups[name] = ids
	}

	for i, id := range c.TrustedProviderIDs {
		if canonical, changed := provider.CanonicalID(id); changed {
			warnOnce(id, canonical)
			c.TrustedProviderIDs[i] = canonical
		}
	}

	for id, entry := range c.CustomProviders {
		if entry != nil && entry.Type == "npm" {
			entry.Type = "module"
			c.warnf("customProviders.%s: type \"npm\" is deprecated, using \"module\"", id)
		}
	}
}

// ValidateFallbacks emits non-fatal warnings for fallback entries the
// dispatcher will ignore: self-references, unknown targets, and targets
// that themselves declare a fallback (chains are never followed).
func (c *Config) ValidateFallbacks(known func(id string) bool) []string {
	var warnings []string
	for id, entry := range c.Providers {
		if entry == nil || entry.Fallback == "" {
			continue
		}
		switch {
		case entry.Fallback == id:
			warnings = append(warnings, "provider "+id+": fallback references itself")
		case !known(entry.Fallback):
			warnings = append(warnings, "provider "+id+": fallback "+entry.Fallback+" is not a known provider")
		default:
			if target := c.Provider(entry.Fallback); target != nil && target.Fallback != "" {
				warnings = append(warnings, "provider "+id+": fallback "+entry.Fallback+" has its own fallback, which will not be followed")
			}
		}
	}
	return warnings
}
