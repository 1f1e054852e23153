package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jkudish/librarium/internal/config"
	"github.com/jkudish/librarium/internal/logger"
	"github.com/jkudish/librarium/internal/providers"
)

var groupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "List provider groups",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if len(cfg.Groups) == 0 {
			fmt.Println("No groups configured. Add one with `librarium groups add <name> <ids...>`.")
			return nil
		}
		for _, name := range cfg.GroupNames() {
			fmt.Printf("%-20s %s\n", name, strings.Join(cfg.Groups[name], ", "))
		}
		return nil
	},
}

var groupsAddCmd = &cobra.Command{
	Use:   "add <name> <ids...>",
	Short: "Create or replace a provider group",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, ids := args[0], args[1:]

		cfg, err := config.LoadGlobal()
		if err != nil {
			return err
		}

		// Warn on unknown members; the group still saves so providers
		// can be configured later.
		reg, err := providers.Initialize(context.Background(), cfg, workingDir())
		if err == nil {
			for _, id := range ids {
				if !reg.Has(id) {
					logger.Warnf("group %s: provider %q is not registered", name, id)
				}
			}
		}

		if cfg.Groups == nil {
			cfg.Groups = map[string][]string{}
		}
		cfg.Groups[name] = ids
		if err := config.SaveGlobal(cfg); err != nil {
			return err
		}
		fmt.Printf("Group %s = %s\n", name, strings.Join(ids, ", "))
		return nil
	},
}

var groupsRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Delete a provider group",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		cfg, err := config.LoadGlobal()
		if err != nil {
			return err
		}
		if _, ok := cfg.Groups[name]; !ok {
			return fmt.Errorf("unknown group %q", name)
		}
		delete(cfg.Groups, name)
		if err := config.SaveGlobal(cfg); err != nil {
			return err
		}
		fmt.Printf("Removed group %s\n", name)
		return nil
	},
}

func init() {
	groupsCmd.AddCommand(groupsAddCmd)
	groupsCmd.AddCommand(groupsRemoveCmd)
	rootCmd.AddCommand(groupsCmd)
}
