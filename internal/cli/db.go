package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/stagehand/internal/db"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Run journal management",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply journal schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		layout, _, err := outputLayout()
		if err != nil {
			return err
		}
		if err := layout.Ensure(); err != nil {
			return fmt.Errorf("prepare output directory: %w", err)
		}
		d, err := db.OpenJournal(layout.JournalPath())
		if err != nil {
			return err
		}
		defer d.Close()
		fmt.Fprintf(cmd.OutOrStdout(), "Journal %s is up to date.\n", d.Path())
		return nil
	},
}

var dbResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Drop and recreate the run journal (destructive!)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if yes, _ := cmd.Flags().GetBool("yes"); !yes {
			return fmt.Errorf("refusing to reset the journal without --yes")
		}
		layout, _, err := outputLayout()
		if err != nil {
			return err
		}
		d, err := db.Open(layout.JournalPath())
		if err != nil {
			return err
		}
		defer d.Close()
		if err := d.Reset(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Journal %s reset.\n", d.Path())
		return nil
	},
}

func init() {
	dbResetCmd.Flags().Bool("yes", false, "confirm the reset")
	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbResetCmd)
}
