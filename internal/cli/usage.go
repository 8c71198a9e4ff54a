package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/stagehand/internal/usage"
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show usage and cost accumulated across all attempts",
	RunE: func(cmd *cobra.Command, args []string) error {
		layout, _, err := outputLayout()
		if err != nil {
			return err
		}
		snap, err := usage.LoadSnapshot(layout.UsagePath())
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			data, _ := json.MarshalIndent(snap, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "%d attempt(s): %s\n", snap.Attempts, usageLine(snap.Summary))
		if snap.Summary.TotalCalls > 0 {
			fmt.Fprintf(w, "Average latency: %.0fms\n", snap.Summary.AverageLatencyMS)
		}
		printComponents(w, snap.Summary)
		return nil
	},
}

func init() {
	usageCmd.Flags().String("format", "text", "Output format: text or json")
}
