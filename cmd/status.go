package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkudish/librarium/internal/asynctask"
	"github.com/jkudish/librarium/internal/provider"
	"github.com/jkudish/librarium/internal/providers"
)

var (
	statusWait     bool
	statusRetrieve bool
	statusJSON     bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pending async research tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus()
	},
}

func init() {
	statusCmd.Flags().BoolVar(&statusWait, "wait", false, "Poll until every task finishes, then retrieve results")
	statusCmd.Flags().BoolVar(&statusRetrieve, "retrieve", false, "Retrieve already-completed tasks without waiting")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print task handles as JSON")
	rootCmd.AddCommand(statusCmd)
}

func runStatus() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	base := cfg.Defaults.OutputDir

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if statusWait || statusRetrieve {
		reg, err := providers.Initialize(ctx, cfg, workingDir())
		if err != nil {
			return err
		}
		poller := asynctask.NewPoller(reg, asynctask.PollerConfig{
			Interval: time.Duration(cfg.Defaults.AsyncPollInterval) * time.Second,
			Timeout:  time.Duration(cfg.Defaults.AsyncTimeout) * time.Second,
		})

		var results []asynctask.RetrievedResult
		if statusWait {
			results, err = poller.Wait(ctx, base)
		} else {
			results, err = poller.RetrieveCompleted(ctx, base)
		}
		if err != nil {
			return err
		}
		for _, r := range results {
			fmt.Printf("Retrieved %s task %s into %s\n", r.Handle.Provider, r.Handle.TaskID, r.Dir)
		}
		if len(results) == 0 {
			fmt.Println("Nothing retrieved.")
		}
	}

	dirs, err := asynctask.FindAll(base,
		provider.StatusPending, provider.StatusRunning, provider.StatusCompleted)
	if err != nil {
		return err
	}

	if statusJSON {
		out := map[string][]provider.TaskHandle{}
		for _, dh := range dirs {
			out[dh.Dir] = dh.Handles
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	if len(dirs) == 0 {
		fmt.Println("No async tasks.")
		return nil
	}
	for _, dh := range dirs {
		fmt.Println(dh.Dir)
		for _, h := range dh.Handles {
			age := time.Since(time.UnixMilli(h.SubmittedAt)).Round(time.Second)
			fmt.Printf("  %-28s %-10s %-12s submitted %s ago\n", h.Provider, h.Status, h.TaskID, age)
		}
	}
	return nil
}
