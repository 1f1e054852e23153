package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkudish/librarium/internal/config"
	"github.com/jkudish/librarium/internal/dispatch"
	"github.com/jkudish/librarium/internal/normalize"
	"github.com/jkudish/librarium/internal/providers"
	"github.com/jkudish/librarium/internal/runfile"
)

var (
	runProviders string
	runGroup     string
	runMode      string
	runOutput    string
	runParallel  int
	runTimeout   int
	runJSON      bool
)

var runCmd = &cobra.Command{
	Use:   "run <query>",
	Short: "Dispatch a query to the selected providers",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		os.Exit(runResearch(strings.Join(args, " ")))
	},
}

func init() {
	runCmd.Flags().StringVarP(&runProviders, "providers", "p", "", "Comma-separated provider ids")
	runCmd.Flags().StringVarP(&runGroup, "group", "g", "", "Named provider group from config")
	runCmd.Flags().StringVarP(&runMode, "mode", "m", "", "Dispatch mode: sync, async or mixed")
	runCmd.Flags().StringVarP(&runOutput, "output", "o", "", "Output root directory")
	runCmd.Flags().IntVar(&runParallel, "parallel", 0, "Max providers running at once")
	runCmd.Flags().IntVar(&runTimeout, "timeout", 0, "Per-provider timeout in seconds")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "Print the run manifest as JSON")
	rootCmd.AddCommand(runCmd)
}

// runResearch is the whole run pipeline; the returned value is the
// process exit code.
func runResearch(query string) int {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 2
	}
	applyRunOverrides(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg, err := providers.Initialize(ctx, cfg, workingDir())
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 2
	}

	selection, err := selectProviders(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 2
	}

	now := time.Now()
	runDir, slug, err := runfile.CreateRunDir(cfg.Defaults.OutputDir, now, query)
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 2
	}
	if err := runfile.WritePrompt(runDir, query, now); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return 2
	}

	var sink dispatch.ProgressSink
	if !runJSON {
		fmt.Printf("Researching: %s\n", query)
		fmt.Printf("Providers: %s\n\n", strings.Join(selection, ", "))
		sink = printProgress
	}

	d := dispatch.New(cfg, reg, sink)
	outcome := d.Run(ctx, dispatch.Input{
		Query:       query,
		ProviderIDs: selection,
		Mode:        cfg.Defaults.Mode,
		OutputDir:   runDir,
	})

	sources := normalize.Dedup(outcome.Citations)
	if err := runfile.WriteSources(runDir, sources); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}

	exitCode := dispatch.ExitCode(outcome.Reports)
	manifest := &runfile.Manifest{
		Version:    runfile.ManifestVersion,
		Timestamp:  now.Unix(),
		Slug:       slug,
		Query:      query,
		Mode:       cfg.Defaults.Mode,
		OutputDir:  runDir,
		Providers:  outcome.Reports,
		Sources:    runfile.SourcesInfo{Total: len(outcome.Citations), Unique: len(sources), File: runfile.SourcesFile},
		AsyncTasks: outcome.AsyncTasks,
		ExitCode:   exitCode,
	}
	if err := runfile.WriteSummary(runDir, manifest, sources); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	if err := runfile.WriteManifest(runDir, manifest); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}

	if runJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(manifest)
	} else {
		fmt.Printf("\nRun written to %s\n", runDir)
		if len(outcome.AsyncTasks) > 0 {
			fmt.Printf("%d async task(s) pending; run `librarium status --wait`\n", len(outcome.AsyncTasks))
		}
	}
	return exitCode
}

func applyRunOverrides(cfg *config.Config) {
	if runMode != "" {
		cfg.Defaults.Mode = runMode
	}
	if runOutput != "" {
		cfg.Defaults.OutputDir = runOutput
	}
	if runParallel > 0 {
		cfg.Defaults.MaxParallel = runParallel
	}
	if runTimeout > 0 {
		cfg.Defaults.Timeout = runTimeout
	}
}

// selectProviders resolves -p, then -g, then every enabled configured
// provider.
func selectProviders(cfg *config.Config) ([]string, error) {
	if runProviders != "" {
		var ids []string
		for _, id := range strings.Split(runProviders, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
		if len(ids) == 0 {
			return nil, fmt.Errorf("--providers given but empty")
		}
		return ids, nil
	}
	if runGroup != "" {
		ids, ok := cfg.Group(runGroup)
		if !ok {
			return nil, fmt.Errorf("unknown group %q (known: %s)", runGroup, strings.Join(cfg.GroupNames(), ", "))
		}
		return ids, nil
	}

	var ids []string
	for id, entry := range cfg.Providers {
		if entry.IsEnabled() {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) == 0 {
		return nil, fmt.Errorf("no providers selected: configure providers or pass --providers (try `librarium init --auto`)")
	}
	return ids, nil
}

func printProgress(e dispatch.Event) {
	switch e.Kind {
	case dispatch.EventStarted:
		fmt.Printf("  %-28s started\n", e.Provider)
	case dispatch.EventCompleted:
		fmt.Printf("  %-28s done (%.1fs)\n", e.Provider, float64(e.DurationMs)/1000)
	case dispatch.EventError:
		fmt.Printf("  %-28s failed: %s\n", e.Provider, e.Message)
	case dispatch.EventAsyncSubmitted:
		fmt.Printf("  %-28s submitted async task %s\n", e.Provider, e.Message)
	case dispatch.EventFallback:
		fmt.Printf("  %-28s %s\n", e.Provider, e.Message)
	}
}
