package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/pysugar/qwen-nexus/internal/config"
	"github.com/pysugar/qwen-nexus/internal/db"
	"github.com/spf13/cobra"

	qwenauth "github.com/pysugar/qwen-nexus/internal/auth/qwen"
)

func loginCmd() *cobra.Command {
	var accountID string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Authenticate a Qwen account via the device flow",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if accountID == "" {
				accountID = uuid.New().String()
			}
			return runLogin(cfg, accountID)
		},
	}
	cmd.Flags().StringVar(&accountID, "account", "", "account ID to store credentials under (default: random UUID)")
	return cmd
}

func runLogin(cfg *config.Config, accountID string) error {
	database, err := db.InitDB(cfg.DBPath)
	if err != nil {
		return err
	}
	store := db.NewStore(database)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	flow := qwenauth.NewFlow(store, qwenauth.GetOAuthConfig(), accountID, cfg.UpstreamTimeout.Std())
	resp, err := flow.Initiate(ctx)
	if err != nil {
		return err
	}

	fmt.Println()
	fmt.Println("To authenticate, open the following URL in a browser:")
	if resp.VerificationURIComplete != "" {
		fmt.Printf("\n    %s\n\n", resp.VerificationURIComplete)
	} else {
		fmt.Printf("\n    %s\n\nand enter the code: %s\n\n", resp.VerificationURI, resp.UserCode)
	}
	fmt.Println("Waiting for approval (Ctrl-C to abort)...")

	interval := 5 * time.Second
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("login aborted")
		case <-time.After(interval):
		}

		result, err := flow.Poll(ctx)
		if err != nil {
			return err
		}
		switch result.Status {
		case qwenauth.PollPending:
			if result.Interval > 0 {
				interval = result.Interval
			}
		case qwenauth.PollCompleted:
			log.Printf("✅ Account %s ready, token valid until %s",
				result.Account.ID, result.Account.ExpiresAt.Format(time.RFC3339))
			return nil
		case qwenauth.PollExpired:
			return fmt.Errorf("device code expired before approval, run login again")
		case qwenauth.PollDenied:
			return fmt.Errorf("authorization was denied")
		}
	}
}
