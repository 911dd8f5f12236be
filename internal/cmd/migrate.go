package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	Long:  `Creates the markets, trade_events, interest_payouts and balances tables if they do not exist.`,
	RunE:  runMigrate,
}

// MigrateCommand returns the migrate command
func MigrateCommand() *cobra.Command {
	return migrateCmd
}

func runMigrate(c *cobra.Command, _ []string) error {
	ctx := c.Context()
	e, err := openEnv(ctx, c)
	if err != nil {
		return err
	}
	defer e.close()

	if err := e.store.Migrate(ctx); err != nil {
		return err
	}
	fmt.Fprintln(c.OutOrStdout(), "Schema up to date.")
	return nil
}
