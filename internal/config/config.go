// Package config loads, merges, migrates and validates librarium
// configuration from the global file, the project file and CLI overrides.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/jkudish/librarium/internal/fsutil"
	"github.com/jkudish/librarium/internal/provider"
)

const (
	// Version is the only supported config schema version.
	Version = 1

	// ProjectFileJSON is looked up in the current working directory.
	ProjectFileJSON = ".librarium.json"
	// ProjectFileYAML is the human-edited alternative; JSON wins when
	// both exist.
	ProjectFileYAML = ".librarium.yaml"
)

// Mode selects how deep-research providers are dispatched.
const (
	ModeSync  = "sync"
	ModeAsync = "async"
	ModeMixed = "mixed"
)

// Defaults holds the layered-mergeable knobs.
type Defaults struct {
	OutputDir         string `json:"outputDir,omitempty" yaml:"outputDir,omitempty"`
	MaxParallel       int    `json:"maxParallel,omitempty" yaml:"maxParallel,omitempty"`
	Timeout           int    `json:"timeout,omitempty" yaml:"timeout,omitempty"`                     // seconds
	AsyncTimeout      int    `json:"asyncTimeout,omitempty" yaml:"asyncTimeout,omitempty"`           // seconds
	AsyncPollInterval int    `json:"asyncPollInterval,omitempty" yaml:"asyncPollInterval,omitempty"` // seconds
	Mode              string `json:"mode,omitempty" yaml:"mode,omitempty"`
}

// ProviderEntry configures one registered provider. APIKey is an opaque
// env-ref string ("$VAR" or a literal); it is resolved at use time and
// never persisted by librarium itself.
type ProviderEntry struct {
	APIKey   string         `json:"apiKey,omitempty" yaml:"apiKey,omitempty"`
	Enabled  *bool          `json:"enabled,omitempty" yaml:"enabled,omitempty"`
	Model    string         `json:"model,omitempty" yaml:"model,omitempty"`
	Options  map[string]any `json:"options,omitempty" yaml:"options,omitempty"`
	Fallback string         `json:"fallback,omitempty" yaml:"fallback,omitempty"`
}

// IsEnabled treats a missing enabled field as true: listing a provider
// enables it.
func (p *ProviderEntry) IsEnabled() bool {
	return p != nil && (p.Enabled == nil || *p.Enabled)
}

// CustomProviderEntry configures a trusted plugin provider.
type CustomProviderEntry struct {
	Type string `json:"type" yaml:"type"` // "module" or "script" ("npm" migrates to "module")

	// module
	Module string `json:"module,omitempty" yaml:"module,omitempty"` // path to the plugin source file

	// script
	Command string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	Cwd     string            `json:"cwd,omitempty" yaml:"cwd,omitempty"`

	Options map[string]any `json:"options,omitempty" yaml:"options,omitempty"`
}

// Config is the merged effective configuration. Providers,
// CustomProviders, TrustedProviderIDs and Groups are global-only; Defaults
// merge across layers with later layers winning.
type Config struct {
	Version            int                             `json:"version" yaml:"version"`
	Defaults           Defaults                        `json:"defaults,omitempty" yaml:"defaults,omitempty"`
	Providers          map[string]*ProviderEntry       `json:"providers,omitempty" yaml:"providers,omitempty"`
	CustomProviders    map[string]*CustomProviderEntry `json:"customProviders,omitempty" yaml:"customProviders,omitempty"`
	TrustedProviderIDs []string                        `json:"trustedProviderIds,omitempty" yaml:"trustedProviderIds,omitempty"`
	Groups             map[string][]string             `json:"groups,omitempty" yaml:"groups,omitempty"`

	// Warnings collected while loading (migrations, skipped entries).
	// Not persisted.
	Warnings []string `json:"-" yaml:"-"`
}

// Default returns the built-in baseline configuration.
func Default() *Config {
	return &Config{
		Version: Version,
		Defaults: Defaults{
			OutputDir:         "./agents/librarium",
			MaxParallel:       4,
			Timeout:           300,
			AsyncTimeout:      1800,
			AsyncPollInterval: 30,
			Mode:              ModeMixed,
		},
		Providers:       map[string]*ProviderEntry{},
		CustomProviders: map[string]*CustomProviderEntry{},
		Groups:          map[string][]string{},
	}
}

// GlobalPath returns the platform-standard global config file path.
func GlobalPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locate user config dir: %w", err)
	}
	return filepath.Join(base, "librarium", "config.json"), nil
}

// Load builds the effective config: defaults ← global file ← project file.
// Migration and structural validation run on the merged result; collected
// warnings are attached to the returned config.
func Load(projectDir string) (*Config, error) {
	cfg := Default()

	globalPath, err := GlobalPath()
	if err != nil {
		return nil, err
	}
	global, err := readFile(globalPath)
	if err != nil {
		return nil, err
	}
	if global != nil {
		cfg.applyLayer(global, true)
	}

	project, err := readProject(projectDir)
	if err != nil {
		return nil, err
	}
	if project != nil {
		cfg.applyLayer(project, false)
	}

	cfg.migrate()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadGlobal reads only the global file over the defaults.
func LoadGlobal() (*Config, error) {
	cfg := Default()
	globalPath, err := GlobalPath()
	if err != nil {
		return nil, err
	}
	global, err := readFile(globalPath)
	if err != nil {
		return nil, err
	}
	if global != nil {
		cfg.applyLayer(global, true)
	}
	cfg.migrate()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SaveGlobal writes cfg to the global config path with owner-only
// permissions.
func SaveGlobal(cfg *Config) error {
	path, err := GlobalPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	return fsutil.AtomicWriteJSON(path, cfg, 0o600)
}

// SaveProject writes cfg as the project's .librarium.json.
func SaveProject(dir string, cfg *Config) error {
	return fsutil.AtomicWriteJSON(filepath.Join(dir, ProjectFileJSON), cfg, 0o644)
}

func readProject(dir string) (*Config, error) {
	jsonPath := filepath.Join(dir, ProjectFileJSON)
	if _, err := os.Stat(jsonPath); err == nil {
		return readFile(jsonPath)
	}
	yamlPath := filepath.Join(dir, ProjectFileYAML)
	if _, err := os.Stat(yamlPath); err == nil {
		return readFile(yamlPath)
	}
	return nil, nil
}

// readFile parses one config layer strictly: unknown fields fail with an
// error naming the offending file. Returns nil when the file is absent.
func readFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if ext := filepath.Ext(path); ext == ".yaml" || ext == ".yml" {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("invalid config file %s: %w", path, err)
		}
	} else {
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("invalid config file %s: %w", path, err)
		}
	}
	return &cfg, nil
}

// applyLayer merges a parsed layer into cfg. Non-global layers contribute
// defaults only.
func (c *Config) applyLayer(layer *Config, global bool) {
	d := layer.Defaults
	if d.OutputDir != "" {
		c.Defaults.OutputDir = d.OutputDir
	}
	if d.MaxParallel != 0 {
		c.Defaults.MaxParallel = d.MaxParallel
	}
	if d.Timeout != 0 {
		c.Defaults.Timeout = d.Timeout
	}
	if d.AsyncTimeout != 0 {
		c.Defaults.AsyncTimeout = d.AsyncTimeout
	}
	if d.AsyncPollInterval != 0 {
		c.Defaults.AsyncPollInterval = d.AsyncPollInterval
	}
	if d.Mode != "" {
		c.Defaults.Mode = d.Mode
	}

	if !global {
		if len(layer.Providers) > 0 || len(layer.CustomProviders) > 0 {
			c.warnf("project config: providers and customProviders are global-only and were ignored")
		}
		return
	}
	if layer.Version != 0 {
		c.Version = layer.Version
	}
	for id, entry := range layer.Providers {
		c.Providers[id] = entry
	}
	for id, entry := range layer.CustomProviders {
		c.CustomProviders[id] = entry
	}
	c.TrustedProviderIDs = append(c.TrustedProviderIDs, layer.TrustedProviderIDs...)
	for name, ids := range layer.Groups {
		c.Groups[name] = ids
	}
}

func (c *Config) warnf(format string, args ...any) {
	c.Warnings = append(c.Warnings, fmt.Sprintf(format, args...))
}

func (c *Config) validate() error {
	if c.Version != Version {
		return fmt.Errorf("unsupported config version %d (want %d)", c.Version, Version)
	}
	switch c.Defaults.Mode {
	case ModeSync, ModeAsync, ModeMixed:
	default:
		return fmt.Errorf("invalid defaults.mode %q (want sync, async or mixed)", c.Defaults.Mode)
	}
	if c.Defaults.MaxParallel < 1 {
		return fmt.Errorf("defaults.maxParallel must be >= 1, got %d", c.Defaults.MaxParallel)
	}
	if c.Defaults.Timeout < 1 || c.Defaults.AsyncTimeout < 1 || c.Defaults.AsyncPollInterval < 1 {
		return fmt.Errorf("defaults timeouts must be >= 1 second")
	}
	for id, entry := range c.CustomProviders {
		switch entry.Type {
		case "module":
			if entry.Module == "" {
				return fmt.Errorf("customProviders.%s: module path is required", id)
			}
		case "script":
			if entry.Command == "" {
				return fmt.Errorf("customProviders.%s: command is required", id)
			}
		default:
			return fmt.Errorf("customProviders.%s: unknown type %q (want module or script)", id, entry.Type)
		}
	}
	return nil
}

// Trusted reports whether id appears in trustedProviderIds.
func (c *Config) Trusted(id string) bool {
	for _, t := range c.TrustedProviderIDs {
		if t == id {
			return true
		}
	}
	return false
}

// Provider returns the config entry for id, following legacy aliases.
func (c *Config) Provider(id string) *ProviderEntry {
	canonical, _ := provider.CanonicalID(id)
	return c.Providers[canonical]
}

// Group resolves a named group to its member ids.
func (c *Config) Group(name string) ([]string, bool) {
	ids, ok := c.Groups[name]
	return ids, ok
}

// GroupNames returns the configured group names, sorted.
func (c *Config) GroupNames() []string {
	names := make([]string, 0, len(c.Groups))
	for n := range c.Groups {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// ProviderOptions converts an entry into execution options for the
// dispatcher.
func (c *Config) ProviderOptions(id string) (model string, extra map[string]any) {
	entry := c.Provider(id)
	if entry == nil {
		return "", nil
	}
	return entry.Model, entry.Options
}
