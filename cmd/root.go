package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// Exit codes for CLI commands.
const (
	ExitCodeSuccess = 0
	ExitCodeError   = 1
)

// rootCmd represents the base command for the toygres application.
var rootCmd = &cobra.Command{
	Use:   "toygres",
	Short: "Manage Postgres instances on Kubernetes",
	Long: `toygres provisions, monitors, and tears down single-node Postgres
instances on Kubernetes, driven by a durable, event-sourced orchestration
engine (see 'toygres server').`,
	SilenceUsage: true,
}

// SetVersion sets the version for the root command, injected at build time
// from main.
func SetVersion(v string) {
	rootCmd.Version = v
}

// Execute is the CLI's entry point, called from main.main().
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "toygres version %s\n" .Version}}`)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(ExitCodeError)
	}
}

func init() {
	rootCmd.AddCommand(newVersionCmd())
}
