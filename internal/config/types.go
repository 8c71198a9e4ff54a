package config

import (
	"fmt"
	"time"

	"github.com/lucasnoah/stagehand/internal/gate"
)

// PipelineConfig is the top-level configuration structure parsed from pipeline YAML.
type PipelineConfig struct {
	Pipeline Pipeline `yaml:"pipeline"`
}

// Pipeline defines the full pipeline: output location, checkpoint backend,
// defaults, quality gates and stages.
type Pipeline struct {
	Name            string                          `yaml:"name"`
	OutputDir       string                          `yaml:"output_dir"`
	Workdir         string                          `yaml:"workdir"`
	DryRun          bool                            `yaml:"dry_run"`
	FallbackCeiling int                             `yaml:"fallback_ceiling"`
	Checkpoint      Checkpoint                      `yaml:"checkpoint"`
	Logging         Logging                         `yaml:"logging"`
	Defaults        StageDefaults                   `yaml:"defaults"`
	Gates           map[string]map[string]Threshold `yaml:"gates"`
	RequiredOutputs map[string]string               `yaml:"required_outputs"`
	Stages          []Stage                         `yaml:"stages"`
}

// Checkpoint selects and configures the checkpoint store.
type Checkpoint struct {
	Backend   string `yaml:"backend"` // file, sqlite, postgres, redis, s3
	Path      string `yaml:"path"`
	DSN       string `yaml:"dsn"`
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	Profile   string `yaml:"profile"`
	PathStyle bool   `yaml:"path_style"`
	Namespace string `yaml:"namespace"`
}

// Logging configures the zap logger built by the CLI.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
}

// StageDefaults holds default values applied to stages that don't specify their own.
type StageDefaults struct {
	Timeout       string  `yaml:"timeout"`
	Concurrency   int     `yaml:"concurrency"`
	RatePerSecond float64 `yaml:"rate_per_second"`
	MaxUnits      int     `yaml:"max_units"`
}

// Threshold is one metric's minimum at a gate transition.
type Threshold struct {
	Kind      string  `yaml:"kind"`
	Threshold float64 `yaml:"threshold"`
}

// Stage defines a single command stage.
type Stage struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	Description  string `yaml:"description"`
	Command      string `yaml:"command"`
	Timeout      string `yaml:"timeout"`
	Output       string `yaml:"output"`
	Gate         string `yaml:"gate"`
	Disabled     bool   `yaml:"disabled"`
	Optional     bool   `yaml:"optional"`
	NoCheckpoint bool   `yaml:"no_checkpoint"`
	Batch        *Batch `yaml:"batch"`
}

// Batch runs a stage's command once per token-budgeted batch of an earlier
// stage's array output.
type Batch struct {
	ItemsFrom     string  `yaml:"items_from"`
	Template      string  `yaml:"template"`
	MaxUnits      int     `yaml:"max_units"`
	MaxItems      int     `yaml:"max_items"`
	Concurrency   int     `yaml:"concurrency"`
	RatePerSecond float64 `yaml:"rate_per_second"`
}

// Thresholds converts the gate configuration for the evaluator.
func (p Pipeline) Thresholds() gate.Thresholds {
	t := make(gate.Thresholds, len(p.Gates))
	for transition, metrics := range p.Gates {
		m := make(map[string]float64, len(metrics))
		for name, th := range metrics {
			m[name] = th.Threshold
		}
		t[transition] = m
	}
	return t
}

// TimeoutDuration parses the stage timeout. Empty means no timeout.
func (s Stage) TimeoutDuration() (time.Duration, error) {
	if s.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s.Timeout)
	if err != nil {
		return 0, fmt.Errorf("stage %q timeout: %w", s.Name, err)
	}
	return d, nil
}
