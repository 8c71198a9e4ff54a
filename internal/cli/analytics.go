package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/stagehand/internal/analytics"
	"github.com/lucasnoah/stagehand/internal/db"
)

var analyticsCmd = &cobra.Command{
	Use:   "analytics",
	Short: "Query run history from the journal",
}

var analyticsStageDurationCmd = &cobra.Command{
	Use:   "stage-duration",
	Short: "Average and percentile durations per stage",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withJournal(cmd, func(d *db.DB, since string) (any, func(io.Writer), error) {
			rows, err := analytics.QueryStageDurations(d, since)
			return rows, func(w io.Writer) {
				fmt.Fprintf(w, "%-24s %6s %8s %8s %8s\n", "STAGE", "RUNS", "AVG(s)", "P50(s)", "P95(s)")
				fmt.Fprintln(w, rule(24, 6, 8, 8, 8))
				for _, r := range rows {
					fmt.Fprintf(w, "%-24s %6d %8.1f %8.1f %8.1f\n", r.Stage, r.Count, r.Avg, r.P50, r.P95)
				}
			}, err
		})
	},
}

var analyticsStageOutcomesCmd = &cobra.Command{
	Use:     "stage-outcomes",
	Aliases: []string{"failure-rate"},
	Short:   "Completed, failed, resumed and skipped rates per stage",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withJournal(cmd, func(d *db.DB, since string) (any, func(io.Writer), error) {
			rows, err := analytics.QueryStageOutcomes(d, since)
			return rows, func(w io.Writer) {
				fmt.Fprintf(w, "%-24s %6s %8s %8s %8s %8s\n", "STAGE", "TOTAL", "DONE%", "FAIL%", "RESUME%", "SKIP%")
				fmt.Fprintln(w, rule(24, 6, 8, 8, 8, 8))
				for _, r := range rows {
					fmt.Fprintf(w, "%-24s %6d %8.1f %8.1f %8.1f %8.1f\n", r.Stage, r.Total, r.Completed, r.Failed, r.Resumed, r.Skipped)
				}
			}, err
		})
	},
}

var analyticsComponentsCmd = &cobra.Command{
	Use:     "components",
	Aliases: []string{"component-latency"},
	Short:   "Calls, failure rate, cost and latency per component",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withJournal(cmd, func(d *db.DB, since string) (any, func(io.Writer), error) {
			rows, err := analytics.QueryComponentUsage(d, since)
			return rows, func(w io.Writer) {
				fmt.Fprintf(w, "%-20s %6s %7s %10s %9s %9s  %s\n", "COMPONENT", "CALLS", "FAIL%", "COST", "AVG(ms)", "P95(ms)", "TOP ERROR")
				fmt.Fprintln(w, rule(20, 6, 7, 10, 9, 9, 10))
				for _, r := range rows {
					fmt.Fprintf(w, "%-20s %6d %7.1f %10.4f %9.0f %9.0f  %s\n",
						r.Component, r.Calls, r.FailRate, r.Cost, r.AvgLatency, r.P95Latency, truncate(r.TopError, 40))
				}
			}, err
		})
	},
}

var analyticsThroughputCmd = &cobra.Command{
	Use:   "throughput",
	Short: "Attempts, resumes and cost per week",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withJournal(cmd, func(d *db.DB, since string) (any, func(io.Writer), error) {
			rows, err := analytics.QueryAttemptThroughput(d, since)
			return rows, func(w io.Writer) {
				fmt.Fprintf(w, "%-10s %8s %8s %6s %6s %6s %10s %8s\n", "WEEK", "ATTEMPTS", "RESUMES", "DONE", "FAIL", "INTR", "COST", "AVG(m)")
				fmt.Fprintln(w, rule(10, 8, 8, 6, 6, 6, 10, 8))
				for _, r := range rows {
					fmt.Fprintf(w, "%-10s %8d %8d %6d %6d %6d %10.4f %8.1f\n",
						r.Period, r.Attempts, r.Resumes, r.Completed, r.Failed, r.Interrupted, r.Cost, r.AvgDuration)
				}
			}, err
		})
	},
}

var analyticsAttemptCmd = &cobra.Command{
	Use:   "attempt <attempt-id>",
	Short: "Timeline of stage events and billed operations for one attempt",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withJournal(cmd, func(d *db.DB, _ string) (any, func(io.Writer), error) {
			a, err := d.GetAttempt(args[0])
			if err != nil {
				return nil, nil, err
			}
			if a == nil {
				return nil, nil, fmt.Errorf("attempt %q not found", args[0])
			}
			events, err := analytics.QueryAttemptDetail(d, a.ID)
			return map[string]any{"attempt": a, "timeline": events}, func(w io.Writer) {
				fmt.Fprintf(w, "Attempt %s: %s (%s), $%.4f\n", a.ID, a.Status, a.Mode, a.Cost)
				if a.Error != "" {
					fmt.Fprintf(w, "Error: %s\n", a.Error)
				}
				for _, e := range events {
					fmt.Fprintf(w, "  %s  %-6s %-10s %s\n", e.Timestamp, e.Type, e.Event, e.Detail)
				}
			}, err
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{
		analyticsStageDurationCmd,
		analyticsStageOutcomesCmd,
		analyticsComponentsCmd,
		analyticsThroughputCmd,
		analyticsAttemptCmd,
	} {
		c.Flags().String("format", "text", "Output format: text or json")
		if c != analyticsAttemptCmd {
			c.Flags().String("since", "", "only include history since a date (2006-01-02) or age (36h, 7d)")
		}
		analyticsCmd.AddCommand(c)
	}
}

// withJournal opens the journal of the output directory, runs query and
// prints its result as text or json.
func withJournal(cmd *cobra.Command, query func(d *db.DB, since string) (any, func(io.Writer), error)) error {
	layout, _, err := outputLayout()
	if err != nil {
		return err
	}
	if _, err := os.Stat(layout.JournalPath()); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("no run journal at %s; run the pipeline first", layout.JournalPath())
	}
	d, err := db.OpenJournal(layout.JournalPath())
	if err != nil {
		return err
	}
	defer d.Close()

	var since string
	if f := cmd.Flags().Lookup("since"); f != nil && f.Value.String() != "" {
		t, err := parseSince(f.Value.String(), time.Now())
		if err != nil {
			return err
		}
		since = t.UTC().Format(db.TimeLayout)
	}

	result, render, err := query(d, since)
	if err != nil {
		return err
	}
	format, _ := cmd.Flags().GetString("format")
	if format == "json" {
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	}
	render(cmd.OutOrStdout())
	return nil
}

// parseSince accepts a date, a Go duration, or a whole number of days
// with a d suffix.
func parseSince(s string, now time.Time) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	if days, ok := strings.CutSuffix(s, "d"); ok {
		if n, err := strconv.Atoi(days); err == nil && n >= 0 {
			return now.AddDate(0, 0, -n), nil
		}
	}
	if d, err := time.ParseDuration(s); err == nil && d >= 0 {
		return now.Add(-d), nil
	}
	return time.Time{}, fmt.Errorf("invalid --since %q: want a date like 2024-06-01 or an age like 36h or 7d", s)
}

func rule(widths ...int) string {
	parts := make([]string, len(widths))
	for i, n := range widths {
		parts[i] = strings.Repeat("-", n)
	}
	return strings.Join(parts, " ")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
