package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/stagehand/internal/checkpoint"
	"github.com/lucasnoah/stagehand/internal/config"
	"github.com/lucasnoah/stagehand/internal/stageid"
)

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "List stored checkpoints and where a resume would start",
	RunE: func(cmd *cobra.Command, args []string) error {
		layout, cfg, err := outputLayout()
		if err != nil {
			return err
		}
		store, err := openStore(cmd.Context(), cfg, layout)
		if err != nil {
			return fmt.Errorf("open checkpoint store: %w", err)
		}
		defer store.Close()

		ids, err := store.IDs(cmd.Context())
		if err != nil {
			return err
		}
		opts, err := resumeOptions(cfg)
		if err != nil {
			return err
		}
		opts.Fallback = checkpoint.ManifestFallback{Path: layout.ManifestPath()}
		resume, err := checkpoint.LastCompleted(cmd.Context(), store, opts)
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			data, _ := json.MarshalIndent(map[string]any{"checkpoints": ids, "resume": resume}, "", "  ")
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		}

		w := cmd.OutOrStdout()
		if len(ids) == 0 {
			fmt.Fprintln(w, "No checkpoints.")
		}
		for _, id := range ids {
			fmt.Fprintf(w, "  %-8s %s\n", id, id.Key())
		}
		if resume.Source == checkpoint.SourceNone {
			fmt.Fprintln(w, "Resume would start from the first stage.")
			return nil
		}
		fmt.Fprintf(w, "Resume would start after stage %d (from %s).\n", resume.LastCompleted, resume.Source)
		return nil
	},
}

func init() {
	checkpointsCmd.Flags().String("format", "text", "Output format: text or json")
}

// resumeOptions mirrors how the driver derives the checkpoint chain from
// the configured stages. A nil cfg leaves the chain to the store alone.
func resumeOptions(cfg *config.PipelineConfig) (checkpoint.ResumeOptions, error) {
	var opts checkpoint.ResumeOptions
	if cfg == nil {
		return opts, nil
	}
	opts.FallbackCeiling = cfg.Pipeline.FallbackCeiling
	for _, s := range cfg.Pipeline.Stages {
		id, err := stageid.Parse(s.ID)
		if err != nil {
			return opts, fmt.Errorf("stage %q: %w", s.Name, err)
		}
		if !id.IsInteger() {
			continue
		}
		opts.Declared = append(opts.Declared, id)
		if !s.NoCheckpoint && !s.Disabled {
			opts.Checkpointed = append(opts.Checkpointed, id)
		}
	}
	return opts, nil
}
