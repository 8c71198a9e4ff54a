package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Defaults applied by Load.
const (
	DefaultOutputDir       = "out"
	DefaultBackend         = "file"
	DefaultFallbackCeiling = 3
	DefaultConcurrency     = 4
	DefaultMaxUnits        = 8000
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "console"
)

// Load reads and parses a pipeline configuration from the given YAML file path.
// After parsing, it applies defaults and resolves relative directories
// against the config file's directory.
func Load(path string) (*PipelineConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	resolvePaths(cfg, filepath.Dir(path))
	return cfg, nil
}

// Parse parses YAML config data and applies defaults. Relative paths are
// left as written.
func Parse(data []byte) (*PipelineConfig, error) {
	var cfg PipelineConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// LoadDefault searches for a pipeline config in standard locations and loads the
// first one found. Search order: ./pipeline.yaml, ./stagehand.yaml,
// ~/.stagehand/config.yaml
func LoadDefault() (*PipelineConfig, error) {
	path, err := FindDefault()
	if err != nil {
		return nil, err
	}
	return Load(path)
}

// FindDefault returns the first existing default config path.
func FindDefault() (string, error) {
	candidates := []string{"pipeline.yaml", "stagehand.yaml"}

	home, err := os.UserHomeDir()
	if err == nil {
		candidates = append(candidates, filepath.Join(home, ".stagehand", "config.yaml"))
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no pipeline config found (searched: %v)", candidates)
}

// applyDefaults fills pipeline-level defaults and merges them into stages
// that don't set their own values.
func applyDefaults(cfg *PipelineConfig) {
	p := &cfg.Pipeline

	if p.OutputDir == "" {
		p.OutputDir = DefaultOutputDir
	}
	if p.FallbackCeiling == 0 {
		p.FallbackCeiling = DefaultFallbackCeiling
	}
	if p.Checkpoint.Backend == "" {
		p.Checkpoint.Backend = DefaultBackend
	}
	if p.Checkpoint.Namespace == "" {
		p.Checkpoint.Namespace = p.Name
	}
	if p.Logging.Level == "" {
		p.Logging.Level = DefaultLogLevel
	}
	if p.Logging.Format == "" {
		p.Logging.Format = DefaultLogFormat
	}
	if p.Defaults.Concurrency == 0 {
		p.Defaults.Concurrency = DefaultConcurrency
	}
	if p.Defaults.MaxUnits == 0 {
		p.Defaults.MaxUnits = DefaultMaxUnits
	}

	for i := range p.Stages {
		s := &p.Stages[i]

		if s.Timeout == "" && p.Defaults.Timeout != "" {
			s.Timeout = p.Defaults.Timeout
		}

		if b := s.Batch; b != nil {
			if b.MaxUnits == 0 {
				b.MaxUnits = p.Defaults.MaxUnits
			}
			if b.Concurrency == 0 {
				b.Concurrency = p.Defaults.Concurrency
			}
			if b.RatePerSecond == 0 {
				b.RatePerSecond = p.Defaults.RatePerSecond
			}
		}
	}
}

// resolvePaths makes the workdir, output dir and sqlite path absolute
// relative to base, the config file's directory.
func resolvePaths(cfg *PipelineConfig, base string) {
	p := &cfg.Pipeline
	if p.Workdir == "" {
		p.Workdir = base
	}
	for _, dir := range []*string{&p.Workdir, &p.OutputDir, &p.Checkpoint.Path} {
		if *dir != "" && !filepath.IsAbs(*dir) {
			*dir = filepath.Join(base, *dir)
		}
	}
}
