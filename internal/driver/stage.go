package driver

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lucasnoah/stagehand/internal/checkpoint"
	"github.com/lucasnoah/stagehand/internal/gate"
	"github.com/lucasnoah/stagehand/internal/pipeline"
	"github.com/lucasnoah/stagehand/internal/stageid"
	"github.com/lucasnoah/stagehand/internal/usage"
)

// Body is the work a stage performs. It returns the stage's typed output,
// which is checkpointed and handed to later stages.
type Body func(ctx context.Context, env *Env) (any, error)

// ArtifactWriter writes a file under the output directory's artifacts tree
// and returns its path.
type ArtifactWriter interface {
	WriteArtifact(rel string, data []byte) (string, error)
}

// GateSpec binds a stage to a quality gate transition.
type GateSpec struct {
	Transition string
	Metrics    func(payload any) []gate.Metric
}

// Stage is one declared unit of pipeline work.
type Stage struct {
	ID          stageid.ID
	Name        string
	Description string
	Body        Body

	// Codec serialises the payload for the checkpoint store. Nil means
	// plain JSON decoded into generic values.
	Codec checkpoint.Codec

	// Regenerate rewrites the stage's artifacts from its payload. It runs
	// after a successful body and again on every replay, so it must depend
	// on nothing but the payload.
	Regenerate func(payload any, art ArtifactWriter) error

	// Describe lists the outputs a payload holds, for the manifest.
	Describe func(payload any) []pipeline.Ref

	Gate GateSpec

	// Timeout bounds the body. Zero means no limit beyond the run context.
	Timeout time.Duration

	Disabled bool
	// Optional stages may fail without stopping the run.
	Optional bool
	// NoCheckpoint stages never write a checkpoint. Their output is not
	// available to later stages after a resume.
	NoCheckpoint bool
}

func (s Stage) codec() checkpoint.Codec {
	if s.Codec != nil {
		return s.Codec
	}
	return checkpoint.JSONCodec[any]()
}

func (s Stage) outputs(payload any) []pipeline.Ref {
	if s.Describe == nil {
		return nil
	}
	return s.Describe(payload)
}

func (s Stage) metrics(payload any) []gate.Metric {
	if s.Gate.Metrics == nil {
		return nil
	}
	return s.Gate.Metrics(payload)
}

// validateStages checks that every stage is runnable and that identifiers
// increase in declaration order.
func validateStages(stages []Stage) error {
	names := make(map[string]bool, len(stages))
	for i, s := range stages {
		if s.Name == "" {
			return fmt.Errorf("stage %s: name is required", s.ID)
		}
		if names[s.Name] {
			return fmt.Errorf("stage %q declared twice", s.Name)
		}
		names[s.Name] = true
		if s.Body == nil && !s.Disabled {
			return fmt.Errorf("stage %q: body is required", s.Name)
		}
		if i == 0 {
			continue
		}
		prev := stages[i-1]
		switch c := prev.ID.Compare(s.ID); {
		case c > 0:
			return fmt.Errorf("stage %q (%s) is declared after %q (%s)", s.Name, s.ID, prev.Name, prev.ID)
		case c == 0:
			return fmt.Errorf("stages %q and %q share identifier %s", prev.Name, s.Name, s.ID)
		}
	}
	return nil
}

// Env is what a stage body sees of the run.
type Env struct {
	Stage  Stage
	Ledger *usage.Ledger
	Handle *pipeline.Handle
	Logger *zap.Logger
	Layout pipeline.Layout

	outputs map[string]any
}

// Output returns the payload of an earlier stage in this run, whether it
// executed or was replayed from its checkpoint.
func (e *Env) Output(name string) (any, bool) {
	v, ok := e.outputs[name]
	return v, ok
}

// Outputs returns a copy of every payload produced so far in this run,
// keyed by stage name.
func (e *Env) Outputs() map[string]any {
	out := make(map[string]any, len(e.outputs))
	for k, v := range e.outputs {
		out[k] = v
	}
	return out
}

// Input returns an earlier stage's payload and records it as an input of
// the current stage.
func (e *Env) Input(name string) (any, bool) {
	v, ok := e.outputs[name]
	if ok && e.Handle != nil {
		e.Handle.RecordInput(pipeline.Ref{Name: name, Kind: "data"})
	}
	return v, ok
}

// Artifacts returns the writer for the output directory's artifacts tree.
func (e *Env) Artifacts() ArtifactWriter {
	return e.Layout
}
