package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/atmx/interest-engine/internal/cmd"
)

var rootCmd = &cobra.Command{
	Use:   "interestctl",
	Short: "Operate the interest engine from the command line",
	Long:  `interestctl migrates the schema, previews accruals and runs settlements against the configured database.`,
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config file (INTEREST_ENGINE_* env vars also apply)")

	rootCmd.AddCommand(cmd.MigrateCommand())
	rootCmd.AddCommand(cmd.AccrualCommand())
	rootCmd.AddCommand(cmd.SettleCommand())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
