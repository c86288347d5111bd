package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	verbose bool
	version = "dev"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "squadctl",
	Short: "Validate team configurations and chat with a multi-agent team",
	Long: `squadctl is the terminal companion of the Agentic Squad server.

It checks team configuration files before upload and runs chat turns against
the same team runner the server uses, either once or as an interactive session.

Quick Start:
  squadctl validate team.json                 # Check a configuration
  squadctl chat --team team.json "Plan a trip" # One turn
  squadctl chat --team team.json               # Interactive session`,
	Version:      version,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if err := godotenv.Load(); err != nil && verbose {
			fmt.Fprintln(cmd.ErrOrStderr(), "No .env file found, using environment variables")
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
}

func newLogger(cmd *cobra.Command) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))
}
