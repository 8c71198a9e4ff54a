package config

import (
	"fmt"
	"sort"
	"time"

	"github.com/lucasnoah/stagehand/internal/gate"
	"github.com/lucasnoah/stagehand/internal/stageid"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// recognizedBackends lists checkpoint backends and the field each requires.
var recognizedBackends = map[string]string{
	"file":     "",
	"sqlite":   "",
	"postgres": "dsn",
	"redis":    "addr",
	"s3":       "bucket",
}

var recognizedLogFormats = map[string]bool{
	"console": true,
	"json":    true,
}

// Validate checks a PipelineConfig for structural and semantic errors.
// It returns a slice of all validation errors found (empty if valid).
func Validate(cfg *PipelineConfig) []ValidationError {
	var errs []ValidationError
	p := cfg.Pipeline

	// Required fields
	if p.Name == "" {
		errs = append(errs, ValidationError{Field: "pipeline.name", Message: "is required"})
	}
	if len(p.Stages) == 0 {
		errs = append(errs, ValidationError{Field: "pipeline.stages", Message: "at least one stage is required"})
	}
	if p.FallbackCeiling < 0 {
		errs = append(errs, ValidationError{Field: "pipeline.fallback_ceiling", Message: "must not be negative"})
	}

	validateCheckpoint(p.Checkpoint, &errs)

	if p.Logging.Format != "" && !recognizedLogFormats[p.Logging.Format] {
		errs = append(errs, ValidationError{
			Field:   "pipeline.logging.format",
			Message: fmt.Sprintf("unrecognized format %q", p.Logging.Format),
		})
	}
	if p.Defaults.Timeout != "" {
		if _, err := time.ParseDuration(p.Defaults.Timeout); err != nil {
			errs = append(errs, ValidationError{Field: "pipeline.defaults.timeout", Message: err.Error()})
		}
	}

	validateGates(p.Gates, &errs)

	// Stage ids must parse and increase; names must be unique.
	names := make(map[string]int)
	var prev *stageid.ID
	for i, s := range p.Stages {
		prefix := fmt.Sprintf("pipeline.stages[%d]", i)

		if s.Name == "" {
			errs = append(errs, ValidationError{Field: prefix + ".name", Message: "is required"})
		} else if _, dup := names[s.Name]; dup {
			errs = append(errs, ValidationError{
				Field:   prefix + ".name",
				Message: fmt.Sprintf("duplicate stage name %q", s.Name),
			})
		} else {
			names[s.Name] = i
		}

		if s.ID == "" {
			errs = append(errs, ValidationError{Field: prefix + ".id", Message: "is required"})
		} else if id, err := stageid.Parse(s.ID); err != nil {
			errs = append(errs, ValidationError{Field: prefix + ".id", Message: err.Error()})
		} else {
			if prev != nil && prev.Compare(id) >= 0 {
				errs = append(errs, ValidationError{
					Field:   prefix + ".id",
					Message: fmt.Sprintf("stage %s must come after %s", id, *prev),
				})
			}
			prev = &id
		}

		if s.Command == "" && !s.Disabled {
			errs = append(errs, ValidationError{Field: prefix + ".command", Message: "is required"})
		}
		if s.Timeout != "" {
			if _, err := time.ParseDuration(s.Timeout); err != nil {
				errs = append(errs, ValidationError{Field: prefix + ".timeout", Message: err.Error()})
			}
		}
		if s.Gate != "" {
			if _, ok := p.Gates[s.Gate]; !ok {
				errs = append(errs, ValidationError{
					Field:   prefix + ".gate",
					Message: fmt.Sprintf("references undefined gate %q", s.Gate),
				})
			}
		}
		if s.Batch != nil {
			validateBatch(prefix+".batch", *s.Batch, i, names, &errs)
		}
	}

	// required_outputs must name declared stages
	for _, stage := range sortedKeys(p.RequiredOutputs) {
		if _, ok := names[stage]; !ok {
			errs = append(errs, ValidationError{
				Field:   "pipeline.required_outputs." + stage,
				Message: fmt.Sprintf("references undefined stage %q", stage),
			})
		}
	}

	return errs
}

func validateCheckpoint(c Checkpoint, errs *[]ValidationError) {
	required, ok := recognizedBackends[c.Backend]
	if !ok {
		*errs = append(*errs, ValidationError{
			Field:   "pipeline.checkpoint.backend",
			Message: fmt.Sprintf("unrecognized backend %q", c.Backend),
		})
		return
	}
	var value string
	switch required {
	case "dsn":
		value = c.DSN
	case "addr":
		value = c.Addr
	case "bucket":
		value = c.Bucket
	default:
		return
	}
	if value == "" {
		*errs = append(*errs, ValidationError{
			Field:   "pipeline.checkpoint." + required,
			Message: fmt.Sprintf("is required for the %s backend", c.Backend),
		})
	}
}

func validateGates(gates map[string]map[string]Threshold, errs *[]ValidationError) {
	for _, transition := range sortedKeys(gates) {
		metrics := gates[transition]
		for _, name := range sortedKeys(metrics) {
			th := metrics[name]
			field := fmt.Sprintf("pipeline.gates.%s.%s", transition, name)
			kind, err := gate.ParseKind(th.Kind)
			if err != nil {
				*errs = append(*errs, ValidationError{Field: field + ".kind", Message: err.Error()})
				continue
			}
			switch {
			case kind == gate.Ratio && (th.Threshold < 0 || th.Threshold > 1):
				*errs = append(*errs, ValidationError{
					Field:   field + ".threshold",
					Message: fmt.Sprintf("ratio threshold %v must be between 0 and 1", th.Threshold),
				})
			case kind == gate.Count && th.Threshold < 0:
				*errs = append(*errs, ValidationError{
					Field:   field + ".threshold",
					Message: "count threshold must not be negative",
				})
			}
		}
	}
}

// validateBatch checks a batch block. names holds the stages declared
// before this one.
func validateBatch(prefix string, b Batch, index int, names map[string]int, errs *[]ValidationError) {
	if b.ItemsFrom == "" {
		*errs = append(*errs, ValidationError{Field: prefix + ".items_from", Message: "is required"})
	} else if i, ok := names[b.ItemsFrom]; !ok || i >= index {
		*errs = append(*errs, ValidationError{
			Field:   prefix + ".items_from",
			Message: fmt.Sprintf("must reference an earlier stage, got %q", b.ItemsFrom),
		})
	}
	if b.MaxUnits < 0 {
		*errs = append(*errs, ValidationError{Field: prefix + ".max_units", Message: "must not be negative"})
	}
	if b.MaxItems < 0 {
		*errs = append(*errs, ValidationError{Field: prefix + ".max_items", Message: "must not be negative"})
	}
	if b.RatePerSecond < 0 {
		*errs = append(*errs, ValidationError{Field: prefix + ".rate_per_second", Message: "must not be negative"})
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
