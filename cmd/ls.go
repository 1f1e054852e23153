package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkudish/librarium/internal/runfile"
)

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List past research runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		entries, err := os.ReadDir(cfg.Defaults.OutputDir)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Println("No runs yet.")
				return nil
			}
			return err
		}

		type row struct {
			name      string
			manifest  *runfile.Manifest
			timestamp int64
		}
		var rows []row
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			m, err := runfile.ReadManifest(filepath.Join(cfg.Defaults.OutputDir, entry.Name()))
			if err != nil {
				continue
			}
			rows = append(rows, row{name: entry.Name(), manifest: m, timestamp: m.Timestamp})
		}
		sort.Slice(rows, func(i, j int) bool { return rows[i].timestamp > rows[j].timestamp })

		if len(rows) == 0 {
			fmt.Println("No runs yet.")
			return nil
		}
		for _, r := range rows {
			var ok, failed, pending int
			for _, p := range r.manifest.Providers {
				switch p.Status {
				case runfile.StatusSuccess:
					ok++
				case runfile.StatusError, runfile.StatusTimeout:
					failed++
				case runfile.StatusAsyncPending:
					pending++
				}
			}
			ts := time.Unix(r.manifest.Timestamp, 0).Format("2006-01-02 15:04")
			fmt.Printf("%s  %s\n", ts, r.manifest.Query)
			fmt.Printf("    %s  providers: %d ok, %d failed, %d pending  sources: %d\n",
				r.name, ok, failed, pending, r.manifest.Sources.Unique)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(lsCmd)
}
