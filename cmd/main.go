package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Version is set at build time via -ldflags "-X main.Version=v1.0.0".
var Version = "dev"

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "relay",
		Short:        "WhatsApp webhook relay",
		Long:         "relay receives WhatsApp Cloud API webhooks, keeps a short per-user conversation window and answers with an LLM.",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd())
	root.AddCommand(lambdaCmd())
	root.AddCommand(versionCmd())
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "relay %s\n", Version)
		},
	}
}
