// Command leadforge is the operator CLI covering the per-node supervisor
// and control-plane API roles. The per-slot worker is a separate binary,
// cmd/leadforge-worker, since the supervisor spawns it with the slot
// directory as its sole positional argument and no subcommand word in
// between. Uses a single root command with per-role subcommands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/leadforge/leadforge/pkg/log"
)

var (
	// Version is set via -ldflags at release build time.
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "leadforge",
	Short:   "LeadForge — multi-tenant lead-acquisition scraper platform",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("leadforge version %s (%s)\n", Version, Commit))
	rootCmd.PersistentFlags().String("log-level", envOr("LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", envOr("LOG_JSON", "") != "", "Output logs as JSON")

	cobra.OnInitialize(func() {
		level, _ := rootCmd.PersistentFlags().GetString("log-level")
		jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
		log.Init(log.Config{Level: log.Level(level), JSONOutput: jsonOut})
	})
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
