package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeGlobal(t *testing.T, content string) {
	t.Helper()
	confHome := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", confHome)
	dir := filepath.Join(confHome, "librarium")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.json"), []byte(content), 0o600); err != nil {
		t.Fatalf("write global config: %v", err)
	}
}

func TestDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Defaults.OutputDir != "./agents/librarium" {
		t.Fatalf("outputDir = %q", cfg.Defaults.OutputDir)
	}
	if cfg.Defaults.MaxParallel != 4 || cfg.Defaults.Mode != ModeMixed {
		t.Fatalf("defaults = %+v", cfg.Defaults)
	}
}

func TestProjectOverridesDefaultsOnly(t *testing.T) {
	writeGlobal(t, `{
		"version": 1,
		"defaults": {"maxParallel": 8},
		"providers": {"tavily": {"apiKey": "$TAVILY_API_KEY"}}
	}`)

	project := t.TempDir()
	projectCfg := `{
		"version": 1,
		"defaults": {"maxParallel": 2, "outputDir": "./research"},
		"providers": {"exa": {}}
	}`
	if err := os.WriteFile(filepath.Join(project, ProjectFileJSON), []byte(projectCfg), 0o644); err != nil {
		t.Fatalf("write project config: %v", err)
	}

	cfg, err := Load(project)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Defaults.MaxParallel != 2 {
		t.Fatalf("project defaults must win: %d", cfg.Defaults.MaxParallel)
	}
	if cfg.Defaults.OutputDir != "./research" {
		t.Fatalf("outputDir = %q", cfg.Defaults.OutputDir)
	}
	if cfg.Provider("tavily") == nil {
		t.Fatal("global provider entry lost")
	}
	if cfg.Provider("exa") != nil {
		t.Fatal("project provider entries are global-only")
	}
	found := false
	for _, w := range cfg.Warnings {
		if strings.Contains(w, "global-only") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected global-only warning, got %v", cfg.Warnings)
	}
}

func TestYAMLProjectFile(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	project := t.TempDir()
	content := "version: 1\ndefaults:\n  timeout: 42\n"
	if err := os.WriteFile(filepath.Join(project, ProjectFileYAML), []byte(content), 0o644); err != nil {
		t.Fatalf("write yaml: %v", err)
	}
	cfg, err := Load(project)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Defaults.Timeout != 42 {
		t.Fatalf("timeout = %d", cfg.Defaults.Timeout)
	}
}

func TestStrictParsingNamesFile(t *testing.T) {
	writeGlobal(t, `{"version": 1, "bogus": true}`)
	_, err := Load(t.TempDir())
	if err == nil {
		t.Fatal("unknown field must fail")
	}
	if !strings.Contains(err.Error(), "config.json") {
		t.Fatalf("error must name the file: %v", err)
	}
}

func TestOptionsAcceptUnknownFields(t *testing.T) {
	writeGlobal(t, `{
		"version": 1,
		"providers": {"tavily": {"options": {"searchDepth": "advanced", "whatever": 3}}}
	}`)
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Provider("tavily").Options["searchDepth"] != "advanced" {
		t.Fatal("options must pass through")
	}
}

func TestLegacyIDMigration(t *testing.T) {
	writeGlobal(t, `{
		"version": 1,
		"providers": {
			"perplexity-sonar": {"fallback": "claude"},
			"claude": {}
		},
		"groups": {"default": ["perplexity-sonar", "tavily"]}
	}`)
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Providers["perplexity-sonar"] != nil {
		t.Fatal("legacy key must be removed")
	}
	entry := cfg.Providers["perplexity-sonar-pro"]
	if entry == nil {
		t.Fatal("canonical key must exist after migration")
	}
	if entry.Fallback != "anthropic-claude" {
		t.Fatalf("fallback not rewritten: %q", entry.Fallback)
	}
	group := cfg.Groups["default"]
	if group[0] != "perplexity-sonar-pro" || group[1] != "tavily" {
		t.Fatalf("group not rewritten: %v", group)
	}

	// One warning per rewritten id.
	count := 0
	for _, w := range cfg.Warnings {
		if strings.Contains(w, "perplexity-sonar") && strings.Contains(w, "deprecated") {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("want exactly one migration warning for perplexity-sonar, got %d (%v)", count, cfg.Warnings)
	}
}

func TestLegacyAndCanonicalBothConfigured(t *testing.T) {
	writeGlobal(t, `{
		"version": 1,
		"providers": {
			"perplexity-sonar": {"model": "legacy"},
			"perplexity-sonar-pro": {"model": "canonical"}
		}
	}`)
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Providers["perplexity-sonar-pro"].Model != "canonical" {
		t.Fatal("canonical entry must win")
	}
	found := false
	for _, w := range cfg.Warnings {
		if strings.Contains(w, "keeping") {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected canonical-wins warning: %v", cfg.Warnings)
	}
}

func TestNpmTypeMigratesToModule(t *testing.T) {
	writeGlobal(t, `{
		"version": 1,
		"customProviders": {"my-plugin": {"type": "npm", "module": "./plugin.go"}}
	}`)
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.CustomProviders["my-plugin"].Type != "module" {
		t.Fatalf("type = %q", cfg.CustomProviders["my-plugin"].Type)
	}
}

func TestValidateRejectsBadMode(t *testing.T) {
	writeGlobal(t, `{"version": 1, "defaults": {"mode": "turbo"}}`)
	if _, err := Load(t.TempDir()); err == nil {
		t.Fatal("bad mode must fail validation")
	}
}

func TestValidateRejectsBadVersion(t *testing.T) {
	writeGlobal(t, `{"version": 7}`)
	if _, err := Load(t.TempDir()); err == nil {
		t.Fatal("unsupported version must fail")
	}
}

func TestValidateCustomProviderShape(t *testing.T) {
	writeGlobal(t, `{"version": 1, "customProviders": {"x": {"type": "script"}}}`)
	if _, err := Load(t.TempDir()); err == nil {
		t.Fatal("script entry without command must fail")
	}
}

func TestValidateFallbacks(t *testing.T) {
	writeGlobal(t, `{
		"version": 1,
		"providers": {
			"tavily": {"fallback": "tavily"},
			"exa": {"fallback": "nope"},
			"brave": {"fallback": "anthropic-claude"},
			"anthropic-claude": {"fallback": "tavily"}
		}
	}`)
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	known := func(id string) bool { return id != "nope" }
	warnings := cfg.ValidateFallbacks(known)
	// brave -> anthropic-claude and anthropic-claude -> tavily are both
	// chained: each target declares a fallback of its own.
	if len(warnings) != 4 {
		t.Fatalf("warnings = %v, want self-ref, unknown and two chained", warnings)
	}
}

func TestTrusted(t *testing.T) {
	writeGlobal(t, `{"version": 1, "trustedProviderIds": ["my-plugin"]}`)
	cfg, err := Load(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.Trusted("my-plugin") || cfg.Trusted("other") {
		t.Fatal("trust gate broken")
	}
}

func TestIsEnabledDefault(t *testing.T) {
	on := true
	off := false
	if !(&ProviderEntry{}).IsEnabled() {
		t.Fatal("missing enabled defaults to true")
	}
	if !(&ProviderEntry{Enabled: &on}).IsEnabled() {
		t.Fatal("enabled true")
	}
	if (&ProviderEntry{Enabled: &off}).IsEnabled() {
		t.Fatal("enabled false")
	}
	var nilEntry *ProviderEntry
	if nilEntry.IsEnabled() {
		t.Fatal("nil entry is disabled")
	}
}
