package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lucasnoah/stagehand/internal/config"
	"github.com/lucasnoah/stagehand/internal/logging"
	"github.com/lucasnoah/stagehand/internal/pipeline"
)

var version = "dev"

func SetVersion(v string) {
	version = v
}

var (
	configFile string
	env        = config.NewViper()
)

var rootCmd = &cobra.Command{
	Use:   "stagehand",
	Short: "Resumable, checkpointed pipeline runner",
	Long: `stagehand runs an ordered list of command stages, persisting each stage's
output as a write-once checkpoint so an interrupted run can resume after the
last completed stage instead of repeating finished, possibly expensive, work.

Everything lives in the output directory: manifest.json, usage.json,
checkpoints/, artifacts/ and the journal.db run history.

Flags override STAGEHAND_* environment variables, which override the YAML.`,
	SilenceUsage: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configFile, "config", "c", "", "path to pipeline config file (default: ./pipeline.yaml)")
	pf.StringP("output", "o", "", "output directory (overrides pipeline.output_dir)")
	pf.String("log-level", "", "log level: debug, info, warn, error")
	pf.String("log-format", "", "log format: console or json")
	pf.String("backend", "", "checkpoint backend: file, sqlite, postgres, redis, s3")

	bind(config.KeyOutputDir, "output")
	bind(config.KeyLogLevel, "log-level")
	bind(config.KeyLogFormat, "log-format")
	bind(config.KeyCheckpointBackend, "backend")

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(usageCmd)
	rootCmd.AddCommand(checkpointsCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(analyticsCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(dbCmd)
}

func bind(key, flag string) {
	if err := env.BindPFlag(key, rootCmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(fmt.Sprintf("bind flag %s: %v", flag, err))
	}
}

// loadConfig reads the pipeline config and applies env/flag overrides.
func loadConfig() (*config.PipelineConfig, error) {
	var cfg *config.PipelineConfig
	var err error
	if configFile != "" {
		cfg, err = config.Load(configFile)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return nil, err
	}
	config.ApplyOverrides(cfg, env)
	return cfg, nil
}

// loadValidConfig is loadConfig followed by validation.
func loadValidConfig() (*config.PipelineConfig, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if errs := config.Validate(cfg); len(errs) > 0 {
		msgs := make([]string, len(errs))
		for i, e := range errs {
			msgs[i] = "  - " + e.Error()
		}
		return nil, fmt.Errorf("config has %d validation error(s):\n%s", len(errs), strings.Join(msgs, "\n"))
	}
	return cfg, nil
}

// outputLayout resolves the output directory without requiring a valid
// config when --output is given.
func outputLayout() (pipeline.Layout, *config.PipelineConfig, error) {
	if dir := env.GetString(config.KeyOutputDir); dir != "" && configFile == "" {
		if cfg, err := loadConfig(); err == nil {
			return pipeline.NewLayout(dir), cfg, nil
		}
		return pipeline.NewLayout(dir), nil, nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return pipeline.Layout{}, nil, err
	}
	return pipeline.NewLayout(cfg.Pipeline.OutputDir), cfg, nil
}

func newLogger(cmd *cobra.Command, cfg *config.PipelineConfig) (*zap.Logger, error) {
	opts := logging.Options{
		Level:  env.GetString(config.KeyLogLevel),
		Format: env.GetString(config.KeyLogFormat),
		Output: cmd.ErrOrStderr(),
	}
	if cfg != nil {
		opts.Level = cfg.Pipeline.Logging.Level
		opts.Format = cfg.Pipeline.Logging.Format
	}
	if opts.Level == "" {
		opts.Level = config.DefaultLogLevel
	}
	if opts.Format == "" {
		opts.Format = config.DefaultLogFormat
	}
	return logging.New(opts)
}
