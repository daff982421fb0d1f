package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jdziat/clipjobs/pkg/config"
)

var cfgFile string

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "clipd",
		Short:         "Asynchronous video clip service",
		Long:          `clipd accepts video links, cuts a short vertical clip from each one, and reports progress in real time.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", envOr("CLIPJOBS_CONFIG", "clipjobs.yaml"), "config file (optional)")

	root.AddCommand(
		newRunCommand("serve", "Run the HTTP API"),
		newRunCommand("worker", "Run the worker pool and the scratch reaper"),
		newRunCommand("all", "Run the HTTP API and the workers in one process"),
		newSubmitCommand(),
		newStatusCommand(),
		newListCommand(),
		newReapCommand(),
	)
	return root
}

// Execute runs the root command until it finishes or the process is signalled.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return newRootCommand().ExecuteContext(ctx)
}

func loadConfig() (*config.Config, error) {
	return config.Load(cfgFile)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
