package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkudish/librarium/internal/asynctask"
	"github.com/jkudish/librarium/internal/provider"
	"github.com/jkudish/librarium/internal/runfile"
)

var (
	cleanupDays   int
	cleanupDryRun bool
	cleanupJSON   bool
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete old run directories",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		base := cfg.Defaults.OutputDir
		cutoff := time.Now().AddDate(0, 0, -cleanupDays)

		entries, err := os.ReadDir(base)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Println("Nothing to clean.")
				return nil
			}
			return err
		}

		var removed, kept []string
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			dir := filepath.Join(base, entry.Name())

			var runTime time.Time
			if m, err := runfile.ReadManifest(dir); err == nil {
				runTime = time.Unix(m.Timestamp, 0)
			} else if info, err := entry.Info(); err == nil {
				runTime = info.ModTime()
			}
			if runTime.After(cutoff) {
				continue
			}

			// Runs with live async work are never cleaned up: the
			// handle file is the only durable state those tasks have.
			handles, _ := asynctask.Load(dir)
			live := false
			for _, h := range handles {
				if h.Status == provider.StatusPending || h.Status == provider.StatusRunning {
					live = true
					break
				}
			}
			if live {
				kept = append(kept, dir)
				continue
			}

			if cleanupDryRun {
				removed = append(removed, dir)
				continue
			}
			if err := os.RemoveAll(dir); err != nil {
				return fmt.Errorf("remove %s: %w", dir, err)
			}
			removed = append(removed, dir)
		}

		if cleanupJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{
				"dryRun":  cleanupDryRun,
				"days":    cleanupDays,
				"removed": removed,
				"kept":    kept,
			})
		}

		verb := "Removed"
		if cleanupDryRun {
			verb = "Would remove"
		}
		if len(removed) == 0 {
			fmt.Printf("Nothing older than %d day(s).\n", cleanupDays)
		}
		for _, dir := range removed {
			fmt.Printf("%s %s\n", verb, dir)
		}
		for _, dir := range kept {
			fmt.Printf("Kept %s (pending async tasks)\n", dir)
		}
		return nil
	},
}

func init() {
	cleanupCmd.Flags().IntVar(&cleanupDays, "days", 30, "Remove runs older than this many days")
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "List what would be removed without deleting")
	cleanupCmd.Flags().BoolVar(&cleanupJSON, "json", false, "Print the result as JSON")
	rootCmd.AddCommand(cleanupCmd)
}
