package config

import (
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g.
// STAGEHAND_OUTPUT_DIR or STAGEHAND_CHECKPOINT_BACKEND.
const EnvPrefix = "STAGEHAND"

// Override keys understood by ApplyOverrides. Flags bound to these keys
// take precedence over the environment, which takes precedence over YAML.
const (
	KeyOutputDir          = "output_dir"
	KeyDryRun             = "dry_run"
	KeyLogLevel           = "log.level"
	KeyLogFormat          = "log.format"
	KeyCheckpointBackend  = "checkpoint.backend"
	KeyCheckpointDSN      = "checkpoint.dsn"
	KeyCheckpointAddr     = "checkpoint.addr"
	KeyCheckpointBucket   = "checkpoint.bucket"
	KeyCheckpointPrefix   = "checkpoint.prefix"
	KeyCheckpointRegion   = "checkpoint.region"
	KeyCheckpointEndpoint = "checkpoint.endpoint"
)

// NewViper returns a viper instance reading STAGEHAND_* variables.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// ApplyOverrides copies every key set in v onto cfg.
func ApplyOverrides(cfg *PipelineConfig, v *viper.Viper) {
	p := &cfg.Pipeline
	strs := []struct {
		key string
		dst *string
	}{
		{KeyOutputDir, &p.OutputDir},
		{KeyLogLevel, &p.Logging.Level},
		{KeyLogFormat, &p.Logging.Format},
		{KeyCheckpointBackend, &p.Checkpoint.Backend},
		{KeyCheckpointDSN, &p.Checkpoint.DSN},
		{KeyCheckpointAddr, &p.Checkpoint.Addr},
		{KeyCheckpointBucket, &p.Checkpoint.Bucket},
		{KeyCheckpointPrefix, &p.Checkpoint.Prefix},
		{KeyCheckpointRegion, &p.Checkpoint.Region},
		{KeyCheckpointEndpoint, &p.Checkpoint.Endpoint},
	}
	for _, s := range strs {
		if v.IsSet(s.key) {
			if val := v.GetString(s.key); val != "" {
				*s.dst = val
			}
		}
	}
	if v.IsSet(KeyDryRun) && v.GetBool(KeyDryRun) {
		p.DryRun = true
	}
}
