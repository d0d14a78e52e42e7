package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aula-app/aula-engine/internal/config"
	"github.com/aula-app/aula-engine/internal/obs"
)

const programName = "aula"

// Set at build time via -ldflags.
var (
	version = "dev"
	commit  = "none"
)

var globalFlags = struct {
	debug bool
}{}

// loadConfig reads the environment and applies the global flags.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to load config: %w", err)
	}
	if globalFlags.debug {
		cfg.LogLevel = "debug"
	}
	obs.SetLevel(cfg.LogLevel)
	return cfg, nil
}

func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the program version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s)\n", programName, version, commit)
		},
	}
}

func main() {
	rootCmd := &cobra.Command{
		Use:           programName,
		Short:         "Phase, delegation and voting engine for aula",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	// Global flags
	rootCmd.PersistentFlags().
		BoolVarP(&globalFlags.debug, "debug", "D", false, "enable debug logging")

	// Subcommands
	rootCmd.AddCommand(serveCommand())
	rootCmd.AddCommand(migrateCommand())
	rootCmd.AddCommand(userCommand())
	rootCmd.AddCommand(tokenCommand())
	rootCmd.AddCommand(versionCommand())

	// Execute cobra command
	if err := rootCmd.Execute(); err != nil {
		// NOTE: we purposely don't display the error, since cobra will have already displayed it
		os.Exit(1)
	}
}
