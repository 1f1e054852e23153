package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/spf13/cobra"

	"github.com/jkudish/librarium/internal/config"
	"github.com/jkudish/librarium/internal/installmethod"
	"github.com/jkudish/librarium/internal/provider"
	"github.com/jkudish/librarium/internal/providers"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Diagnose configuration and provider health",
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runDoctor())
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

// runDoctor returns 0 when healthy, 1 with warnings, 2 when the config is
// unusable.
func runDoctor() int {
	warnings := 0

	globalPath, _ := config.GlobalPath()
	fmt.Println("Config")
	fmt.Printf("  global:  %s %s\n", globalPath, fileState(globalPath))
	projectPath := filepath.Join(workingDir(), config.ProjectFileJSON)
	fmt.Printf("  project: %s %s\n", projectPath, fileState(projectPath))

	cfg, err := config.Load(workingDir())
	if err != nil {
		fmt.Printf("  LOAD FAILED: %v\n", err)
		return 2
	}
	for _, w := range cfg.Warnings {
		fmt.Printf("  warning: %s\n", w)
		warnings++
	}

	reg, err := providers.Initialize(context.Background(), cfg, workingDir())
	if err != nil {
		fmt.Printf("  provider initialization failed: %v\n", err)
		return 2
	}

	fmt.Println("\nProviders")
	for _, id := range reg.SortedIDs() {
		p, _ := reg.Get(id)
		desc := p.Descriptor()
		entry := cfg.Provider(id)

		state := "not configured"
		switch {
		case entry == nil:
		case !entry.IsEnabled():
			state = "disabled"
		case desc.RequiresAPIKey && !provider.HasAPIKey(desc, entry.APIKey):
			state = fmt.Sprintf("enabled, NO KEY (set %s)", desc.EnvVar)
			warnings++
		default:
			state = "ready"
		}
		fmt.Printf("  %-28s %-14s %-8s %s\n", id, desc.Tier, desc.Source, state)
	}

	fmt.Println("\nCustom providers")
	if len(cfg.CustomProviders) == 0 {
		fmt.Println("  none configured")
	}
	for id, entry := range cfg.CustomProviders {
		switch {
		case !cfg.Trusted(id):
			fmt.Printf("  %-28s %-8s NOT TRUSTED (add to trustedProviderIds)\n", id, entry.Type)
			warnings++
		case reg.Has(id):
			fmt.Printf("  %-28s %-8s loaded\n", id, entry.Type)
		default:
			fmt.Printf("  %-28s %-8s failed to load (see warnings above)\n", id, entry.Type)
			warnings++
		}
	}

	method := installmethod.Detect()
	fmt.Println("\nEnvironment")
	fmt.Printf("  install method: %s (upgrade: %s)\n", method, method.UpgradeHint())
	if hostInfo, err := host.Info(); err == nil {
		fmt.Printf("  host: %s %s (%s)\n", hostInfo.Platform, hostInfo.PlatformVersion, hostInfo.KernelArch)
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		fmt.Printf("  memory: %.1f GiB total, %.0f%% used\n", float64(vm.Total)/(1<<30), vm.UsedPercent)
	}
	outputRoot, _ := filepath.Abs(cfg.Defaults.OutputDir)
	if usage, err := disk.Usage(nearestExistingDir(outputRoot)); err == nil {
		fmt.Printf("  output root: %s (%.1f GiB free)\n", outputRoot, float64(usage.Free)/(1<<30))
	}

	if warnings > 0 {
		fmt.Printf("\n%d warning(s).\n", warnings)
		return 1
	}
	fmt.Println("\nAll good.")
	return 0
}

func fileState(path string) string {
	if _, err := os.Stat(path); err != nil {
		return "(absent)"
	}
	return "(present)"
}

// nearestExistingDir walks up until a directory exists, so disk usage
// works before the first run creates the output root.
func nearestExistingDir(path string) string {
	for {
		if _, err := os.Stat(path); err == nil {
			return path
		}
		parent := filepath.Dir(path)
		if parent == path {
			return path
		}
		path = parent
	}
}
