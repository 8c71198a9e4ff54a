package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lucasnoah/stagehand/internal/config"
	"github.com/lucasnoah/stagehand/internal/db"
	"github.com/lucasnoah/stagehand/internal/driver"
	"github.com/lucasnoah/stagehand/internal/execstage"
	"github.com/lucasnoah/stagehand/internal/pipeline"
	"github.com/lucasnoah/stagehand/internal/prompt"
	"github.com/lucasnoah/stagehand/internal/stageid"
)

// newRunner is swapped in tests.
var newRunner = func(layout pipeline.Layout) execstage.CommandRunner {
	return &execstage.ExecRunner{Env: []string{
		"STAGEHAND_OUTPUT_DIR=" + layout.Root(),
		"STAGEHAND_ARTIFACTS_DIR=" + layout.ArtifactsDir(),
	}}
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline",
	Long: `Run every configured stage in order.

With --resume, stages up to the last completed checkpoint are skipped and
their outputs replayed from the checkpoint store. With --dry-run, stages are
listed and skipped without executing anything.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		resume, _ := cmd.Flags().GetBool("resume")
		return runPipeline(cmd, resume)
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume the pipeline after its last completed stage",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPipeline(cmd, true)
	},
}

func init() {
	runCmd.Flags().Bool("resume", false, "skip stages up to the last completed checkpoint")
	runCmd.Flags().Bool("dry-run", false, "list stages without executing them")
	resumeCmd.Flags().Bool("dry-run", false, "list stages without executing them")
}

func runPipeline(cmd *cobra.Command, resume bool) error {
	cfg, err := loadValidConfig()
	if err != nil {
		return err
	}
	if dry, _ := cmd.Flags().GetBool("dry-run"); dry {
		cfg.Pipeline.DryRun = true
	}

	log, err := newLogger(cmd, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	layout := pipeline.NewLayout(cfg.Pipeline.OutputDir)
	if err := layout.Ensure(); err != nil {
		return fmt.Errorf("prepare output directory: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, layout)
	if err != nil {
		return fmt.Errorf("open checkpoint store: %w", err)
	}
	defer store.Close()

	out := cmd.OutOrStdout()
	observers := []driver.Observer{&printer{w: out}}
	journal, err := db.OpenJournal(layout.JournalPath())
	if err != nil {
		log.Warn("run journal unavailable; continuing without it", zap.Error(err))
	} else {
		defer journal.Close()
		observers = append(observers, db.NewJournal(journal))
	}

	stages, err := buildStages(cfg, newRunner(layout))
	if err != nil {
		return err
	}

	drv, err := driver.New(stages, driver.Options{
		Pipeline:        cfg.Pipeline.Name,
		Layout:          layout,
		Store:           store,
		Resume:          resume,
		DryRun:          cfg.Pipeline.DryRun,
		FallbackCeiling: cfg.Pipeline.FallbackCeiling,
		Thresholds:      cfg.Pipeline.Thresholds(),
		RequiredOutputs: cfg.Pipeline.RequiredOutputs,
		Logger:          log,
		Observers:       observers,
	})
	if err != nil {
		return err
	}
	drv.SetProgress(cmd.ErrOrStderr())

	rep, runErr := drv.Run(ctx)
	if rep != nil {
		printReport(out, rep)
	}
	return runErr
}

// buildStages turns configured stages into command-backed driver stages.
func buildStages(cfg *config.PipelineConfig, runner execstage.CommandRunner) ([]driver.Stage, error) {
	stages := make([]driver.Stage, 0, len(cfg.Pipeline.Stages))
	for _, s := range cfg.Pipeline.Stages {
		id, err := stageid.Parse(s.ID)
		if err != nil {
			return nil, fmt.Errorf("stage %q: %w", s.Name, err)
		}
		timeout, err := s.TimeoutDuration()
		if err != nil {
			return nil, err
		}
		spec := execstage.Spec{
			ID:           id,
			Name:         s.Name,
			Description:  s.Description,
			Command:      s.Command,
			Dir:          cfg.Pipeline.Workdir,
			Timeout:      timeout,
			Output:       s.Output,
			Gate:         s.Gate,
			Disabled:     s.Disabled,
			Optional:     s.Optional,
			NoCheckpoint: s.NoCheckpoint,
		}
		if b := s.Batch; b != nil {
			tmpl, err := prompt.Resolve(b.Template, cfg.Pipeline.Workdir)
			if err != nil {
				return nil, fmt.Errorf("stage %q: %w", s.Name, err)
			}
			spec.Batch = &execstage.BatchSpec{
				ItemsFrom:     b.ItemsFrom,
				Template:      tmpl,
				MaxUnits:      b.MaxUnits,
				MaxItems:      b.MaxItems,
				Concurrency:   b.Concurrency,
				RatePerSecond: b.RatePerSecond,
			}
		}
		stages = append(stages, execstage.Stage(spec, runner))
	}
	return stages, nil
}
