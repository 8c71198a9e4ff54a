package cli

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/lucasnoah/stagehand/internal/driver"
	"github.com/lucasnoah/stagehand/internal/gate"
	"github.com/lucasnoah/stagehand/internal/pipeline"
	"github.com/lucasnoah/stagehand/internal/usage"
)

var (
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true)
	skipStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("3"))
	failStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true)
	dimStyle   = lipgloss.NewStyle().Faint(true)
	titleStyle = lipgloss.NewStyle().Bold(true)
)

// printer is a driver.Observer writing one marker line per stage.
type printer struct {
	w io.Writer
}

var _ driver.Observer = (*printer)(nil)

func (p *printer) BeforeRun(_ context.Context, name string, a pipeline.Attempt) error {
	line := fmt.Sprintf("▶ %s (%s", name, a.Mode)
	if a.Mode == pipeline.ModeResume {
		line += fmt.Sprintf(", after stage %d", a.ResumedFrom)
	}
	fmt.Fprintln(p.w, titleStyle.Render(line+")"))
	return nil
}

func (p *printer) BeforeStage(context.Context, string, driver.Stage) error {
	return nil
}

func (p *printer) AfterStage(_ context.Context, _ string, rec pipeline.StageRecord, _ []usage.Record) error {
	fmt.Fprintln(p.w, stageLine(rec))
	return nil
}

func (p *printer) AfterRun(context.Context, *driver.Report) error {
	return nil
}

func stageLine(rec pipeline.StageRecord) string {
	label := fmt.Sprintf("%s %s", rec.ID, rec.Name)
	switch rec.Status {
	case pipeline.StatusCompleted:
		detail := fmt.Sprintf("(%s, $%.4f, %d ops)", rec.Duration.Round(time.Millisecond), rec.Cost, rec.Operations)
		line := okStyle.Render("✓") + " " + label + " " + dimStyle.Render(detail)
		if rec.Gate != nil && rec.Gate.Status != gate.StatusPass {
			line += " " + gateBadge(rec.Gate)
		}
		return line
	case pipeline.StatusSkipped:
		return skipStyle.Render("↷") + " " + label + " " + dimStyle.Render("("+rec.SkipReason+")")
	default:
		return failStyle.Render("✗") + " " + label + ": " + rec.Error
	}
}

func gateBadge(r *gate.Result) string {
	text := fmt.Sprintf("[gate %s %s]", r.Transition, r.Status)
	if r.Status == gate.StatusFail {
		return failStyle.Render(text)
	}
	return skipStyle.Render(text)
}

// printReport writes the end-of-run summary. It is printed for every
// attempt that started, including failed and interrupted ones.
func printReport(w io.Writer, rep *driver.Report) {
	fmt.Fprintln(w)
	status := rep.Status
	switch status {
	case driver.AttemptCompleted:
		status = okStyle.Render(status)
	default:
		status = failStyle.Render(status)
	}
	fmt.Fprintf(w, "%s %s: %d completed, %d skipped, %d failed\n",
		titleStyle.Render("Attempt "+shortID(rep.AttemptID)), status,
		rep.Count(pipeline.StatusCompleted), rep.Count(pipeline.StatusSkipped), rep.Count(pipeline.StatusFailed))

	for _, f := range rep.Failures {
		suffix := ""
		if f.Optional {
			suffix = " (optional)"
		}
		fmt.Fprintf(w, "  %s stage %s %s%s: %s\n", failStyle.Render("✗"), f.ID, f.Name, suffix, f.Error)
	}
	for _, warn := range rep.Warnings {
		fmt.Fprintf(w, "  %s %s\n", skipStyle.Render("!"), warn.Message)
	}
	if gs := rep.GateSummary; gs.Total > 0 {
		fmt.Fprintf(w, "  gates: %d passed, %d warned, %d failed\n", gs.Passed, gs.Warned, gs.Failed)
	}
	if rep.PersistErrors > 0 {
		fmt.Fprintf(w, "  %s %d state write(s) failed; see log\n", skipStyle.Render("!"), rep.PersistErrors)
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "This attempt: %s\n", usageLine(rep.Attempt))
	fmt.Fprintf(w, "All attempts: %s\n", usageLine(rep.Usage))
	printComponents(w, rep.Usage)
}

func usageLine(s usage.Summary) string {
	return fmt.Sprintf("%d calls, %d in / %d out units, $%.4f", s.TotalCalls, s.TotalInputUnits, s.TotalOutputUnits, s.TotalCost)
}

func printComponents(w io.Writer, s usage.Summary) {
	if len(s.Components) == 0 {
		return
	}
	fmt.Fprintf(w, "%-20s %6s %6s %10s %10s %10s\n", "COMPONENT", "CALLS", "FAILS", "IN", "OUT", "COST")
	fmt.Fprintf(w, "%-20s %6s %6s %10s %10s %10s\n",
		strings.Repeat("-", 20), strings.Repeat("-", 6), strings.Repeat("-", 6),
		strings.Repeat("-", 10), strings.Repeat("-", 10), strings.Repeat("-", 10))
	for _, c := range s.Components {
		fmt.Fprintf(w, "%-20s %6d %6d %10d %10d %10.4f\n", c.Component, c.Calls, c.Failures, c.InputUnits, c.OutputUnits, c.Cost)
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
