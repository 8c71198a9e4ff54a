package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/stagehand/internal/pipeline"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the manifest of the output directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		layout, _, err := outputLayout()
		if err != nil {
			return err
		}

		st, err := pipeline.LoadManifest(layout.ManifestPath())
		if errors.Is(err, fs.ErrNotExist) {
			fmt.Fprintf(cmd.OutOrStdout(), "No manifest in %s.\n", layout.Root())
			return nil
		}
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			data, _ := json.MarshalIndent(st, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Pipeline %s, %d attempt(s), updated %s\n", st.Pipeline, len(st.Attempts), st.UpdatedAt.Format(time.RFC3339))
		if n := len(st.Attempts); n > 0 {
			a := st.Attempts[n-1]
			line := fmt.Sprintf("Latest attempt %s: %s (%s)", shortID(a.ID), a.Status, a.Mode)
			if a.Error != "" {
				line += ": " + a.Error
			}
			fmt.Fprintln(w, line)
		}
		fmt.Fprintln(w)

		fmt.Fprintf(w, "%-6s %-20s %-10s %-10s %-8s %s\n", "ID", "STAGE", "STATUS", "DURATION", "COST", "NOTE")
		fmt.Fprintf(w, "%-6s %-20s %-10s %-10s %-8s %s\n",
			strings.Repeat("-", 6),
			strings.Repeat("-", 20),
			strings.Repeat("-", 10),
			strings.Repeat("-", 10),
			strings.Repeat("-", 8),
			strings.Repeat("-", 4))
		for _, rec := range st.Records {
			note := rec.SkipReason
			if rec.Error != "" {
				note = rec.Error
			}
			if rec.Gate != nil && note == "" {
				note = fmt.Sprintf("gate %s %s", rec.Gate.Transition, rec.Gate.Status)
			}
			if len(note) > 50 {
				note = note[:47] + "..."
			}
			fmt.Fprintf(w, "%-6s %-20s %-10s %-10s %-8.4f %s\n",
				rec.ID, rec.Name, rec.Status, rec.Duration.Round(time.Millisecond), rec.Cost, note)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().String("format", "text", "Output format: text or json")
}
