package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jkudish/librarium/internal/config"
)

var (
	configGlobal bool
	configJSON   bool
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		var cfg *config.Config
		var err error
		if configGlobal {
			cfg, err = config.LoadGlobal()
		} else {
			cfg, err = loadConfig()
		}
		if err != nil {
			return err
		}

		display := maskKeys(cfg)
		if configJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(display)
		}

		d := display.Defaults
		fmt.Printf("outputDir:         %s\n", d.OutputDir)
		fmt.Printf("mode:              %s\n", d.Mode)
		fmt.Printf("maxParallel:       %d\n", d.MaxParallel)
		fmt.Printf("timeout:           %ds\n", d.Timeout)
		fmt.Printf("asyncTimeout:      %ds\n", d.AsyncTimeout)
		fmt.Printf("asyncPollInterval: %ds\n", d.AsyncPollInterval)

		if len(display.Providers) > 0 {
			fmt.Println("\nproviders:")
			for id, entry := range display.Providers {
				parts := []string{}
				if !entry.IsEnabled() {
					parts = append(parts, "disabled")
				}
				if entry.APIKey != "" {
					parts = append(parts, "apiKey="+entry.APIKey)
				}
				if entry.Model != "" {
					parts = append(parts, "model="+entry.Model)
				}
				if entry.Fallback != "" {
					parts = append(parts, "fallback="+entry.Fallback)
				}
				fmt.Printf("  %-28s %s\n", id, strings.Join(parts, " "))
			}
		}
		if len(display.Groups) > 0 {
			fmt.Println("\ngroups:")
			for _, name := range display.GroupNames() {
				fmt.Printf("  %-20s %s\n", name, strings.Join(display.Groups[name], ", "))
			}
		}
		if len(display.TrustedProviderIDs) > 0 {
			fmt.Printf("\ntrustedProviderIds: %s\n", strings.Join(display.TrustedProviderIDs, ", "))
		}
		return nil
	},
}

// maskKeys hides literal API keys in display output. Env-ref values
// ("$VAR") are not secrets and stay readable.
func maskKeys(cfg *config.Config) *config.Config {
	out := *cfg
	out.Providers = make(map[string]*config.ProviderEntry, len(cfg.Providers))
	for id, entry := range cfg.Providers {
		copied := *entry
		if copied.APIKey != "" && !strings.HasPrefix(copied.APIKey, "$") {
			copied.APIKey = "****"
		}
		out.Providers[id] = &copied
	}
	return &out
}

func init() {
	configCmd.Flags().BoolVar(&configGlobal, "global", false, "Show only the global config")
	configCmd.Flags().BoolVar(&configJSON, "json", false, "Print as JSON")
	rootCmd.AddCommand(configCmd)
}
