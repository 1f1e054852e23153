package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jkudish/librarium/internal/config"
)

var initAuto bool

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a starter project config",
	RunE: func(cmd *cobra.Command, args []string) error {
		cwd := workingDir()
		path := filepath.Join(cwd, config.ProjectFileJSON)
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}

		project := &config.Config{
			Version:  config.Version,
			Defaults: config.Default().Defaults,
		}
		if err := config.SaveProject(cwd, project); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", path)

		if !initAuto {
			fmt.Println("Enable providers in the global config, or re-run with --auto to detect API keys.")
			return nil
		}

		// --auto: enable every built-in whose env var is currently set.
		global, err := config.LoadGlobal()
		if err != nil {
			return err
		}
		detected := autoDetectProviders(global)
		if len(detected) == 0 {
			fmt.Println("No provider API keys found in the environment.")
			return nil
		}
		if err := config.SaveGlobal(global); err != nil {
			return err
		}
		globalPath, _ := config.GlobalPath()
		fmt.Printf("Enabled %d provider(s) in %s:\n", len(detected), globalPath)
		for _, id := range detected {
			fmt.Printf("  %s\n", id)
		}
		return nil
	},
}

// autoDetectProviders adds an entry referencing the env var for every
// built-in whose key is present. The key itself is never written out.
func autoDetectProviders(cfg *config.Config) []string {
	envVars := map[string]string{
		"perplexity-sonar-pro":     "PERPLEXITY_API_KEY",
		"perplexity-deep-research": "PERPLEXITY_API_KEY",
		"openai-deep-research":     "OPENAI_API_KEY",
		"openai-gpt-search":        "OPENAI_API_KEY",
		"anthropic-claude":         "ANTHROPIC_API_KEY",
		"gemini-grounded":          "GEMINI_API_KEY",
		"tavily":                   "TAVILY_API_KEY",
		"exa":                      "EXA_API_KEY",
		"brave":                    "BRAVE_API_KEY",
	}
	if cfg.Providers == nil {
		cfg.Providers = map[string]*config.ProviderEntry{}
	}
	var detected []string
	for _, id := range []string{
		"perplexity-sonar-pro", "perplexity-deep-research", "openai-deep-research",
		"openai-gpt-search", "anthropic-claude", "gemini-grounded",
		"tavily", "exa", "brave",
	} {
		envVar := envVars[id]
		if os.Getenv(envVar) == "" {
			continue
		}
		if _, exists := cfg.Providers[id]; !exists {
			cfg.Providers[id] = &config.ProviderEntry{APIKey: "$" + envVar}
		}
		detected = append(detected, id)
	}
	return detected
}

func init() {
	initCmd.Flags().BoolVar(&initAuto, "auto", false, "Enable built-in providers whose API keys are present in the environment")
	rootCmd.AddCommand(initCmd)
}
