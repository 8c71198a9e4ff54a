package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/stagehand/internal/budget"
	"github.com/lucasnoah/stagehand/internal/config"
	"github.com/lucasnoah/stagehand/internal/prompt"
)

var planCmd = &cobra.Command{
	Use:   "plan <items-file>",
	Short: "Preview how items would be split into budgeted batches",
	Long: `Read one item per line (use - for stdin) and print the batches a batch
stage would send, given the prompt template and unit budget.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		items, err := readItems(cmd, args[0])
		if err != nil {
			return err
		}

		maxUnits, _ := cmd.Flags().GetInt("max-units")
		maxItems, _ := cmd.Flags().GetInt("max-items")
		template, _ := cmd.Flags().GetString("template")
		template, err = prompt.Resolve(template, ".")
		if err != nil {
			return err
		}

		var opts []budget.Option
		if maxItems > 0 {
			opts = append(opts, budget.WithMaxItems(maxItems))
		}
		plan := budget.PlanBatches(items, template, maxUnits, opts...)

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			data, _ := json.MarshalIndent(plan, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "%d item(s), %d units + %d template units, budget %d\n",
			len(items), plan.TotalUnits, plan.TemplateUnits, maxUnits)
		fmt.Fprintf(w, "%d batch(es), estimated %d\n", plan.Len(), plan.Estimated)
		for i, batch := range plan.Batches {
			units := plan.TemplateUnits
			for _, idx := range batch {
				units += budget.EstimateSize(items[idx])
			}
			fmt.Fprintf(w, "  batch %-3d %4d item(s) %6d units\n", i, len(batch), units)
		}
		for _, idx := range plan.Oversized {
			fmt.Fprintf(w, "  %s item %d exceeds the budget on its own\n", skipStyle.Render("!"), idx)
		}
		return nil
	},
}

func init() {
	planCmd.Flags().Int("max-units", config.DefaultMaxUnits, "unit budget per batch")
	planCmd.Flags().Int("max-items", 0, "maximum items per batch (0 = unlimited)")
	planCmd.Flags().String("template", "", "prompt template sent with every batch, or @file")
	planCmd.Flags().String("format", "text", "Output format: text or json")
}

func readItems(cmd *cobra.Command, path string) ([]string, error) {
	var sc *bufio.Scanner
	if path == "-" {
		sc = bufio.NewScanner(cmd.InOrStdin())
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open items: %w", err)
		}
		defer f.Close()
		sc = bufio.NewScanner(f)
	}
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var items []string
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			items = append(items, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read items: %w", err)
	}
	return items, nil
}
