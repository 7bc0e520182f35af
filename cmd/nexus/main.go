package main

import (
	"fmt"
	"os"

	"github.com/pysugar/qwen-nexus/internal/version"
	"github.com/spf13/cobra"
)

var cfgPath string

func main() {
	root := &cobra.Command{
		Use:   "nexus",
		Short: "OpenAI-compatible proxy for Qwen with multi-account rotation",
		Long: "Qwen-Nexus exposes an OpenAI-compatible API backed by a pool of\n" +
			"Qwen OAuth accounts. Requests rotate across accounts as daily free-tier\n" +
			"quotas run out; tokens are refreshed transparently.",
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version.Version, version.Commit, version.BuildTime),
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "nexus.yaml", "path to YAML config file")
	root.AddCommand(serveCmd(), loginCmd(), accountsCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
