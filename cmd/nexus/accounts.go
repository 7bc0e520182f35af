package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/pysugar/qwen-nexus/internal/config"
	"github.com/pysugar/qwen-nexus/internal/db"
	"github.com/pysugar/qwen-nexus/internal/quota"
	"github.com/spf13/cobra"
)

func accountsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accounts",
		Short: "Manage the account pool",
	}
	cmd.AddCommand(accountsListCmd(), accountsRemoveCmd())
	return cmd
}

func accountsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List accounts with today's usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			database, err := db.InitDB(cfg.DBPath)
			if err != nil {
				return err
			}
			store := db.NewStore(database)
			tracker := quota.NewTracker(database, cfg.DailyCap)

			accounts, err := store.List()
			if err != nil {
				return err
			}
			counts, err := tracker.Counts()
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tACTIVE\tTODAY\tCAP\tEXHAUSTED\tTOKEN EXPIRES")
			for _, acc := range accounts {
				exhausted, err := tracker.IsExhausted(acc.ID)
				if err != nil {
					return err
				}
				fmt.Fprintf(w, "%s\t%v\t%d\t%d\t%v\t%s\n",
					acc.ID, acc.IsActive, counts[acc.ID], cfg.DailyCap, exhausted,
					acc.ExpiresAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
}

func accountsRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove an account and its usage record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			database, err := db.InitDB(cfg.DBPath)
			if err != nil {
				return err
			}
			store := db.NewStore(database)

			removed, err := store.Remove(args[0])
			if err != nil {
				return err
			}
			if !removed {
				return fmt.Errorf("account not found: %s", args[0])
			}
			fmt.Printf("Removed account %s\n", args[0])
			return nil
		},
	}
}
