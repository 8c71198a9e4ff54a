package execstage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/lucasnoah/stagehand/internal/budget"
	"github.com/lucasnoah/stagehand/internal/checkpoint"
	"github.com/lucasnoah/stagehand/internal/driver"
	"github.com/lucasnoah/stagehand/internal/gate"
	"github.com/lucasnoah/stagehand/internal/pipeline"
	"github.com/lucasnoah/stagehand/internal/prompt"
	"github.com/lucasnoah/stagehand/internal/stageid"
)

// DefaultOutputName is the output ref name used when a stage does not
// declare one.
const DefaultOutputName = "output"

// Spec describes one command stage.
type Spec struct {
	ID          stageid.ID
	Name        string
	Description string
	Command     string
	Dir         string
	Timeout     time.Duration
	// Output names the data output recorded in the manifest.
	Output string
	// Gate is the quality gate transition checked against the envelope's
	// metrics. Empty means no gate.
	Gate string

	Batch *BatchSpec

	Disabled     bool
	Optional     bool
	NoCheckpoint bool
}

// BatchSpec runs the command once per budget-sized batch of an earlier
// stage's array output.
type BatchSpec struct {
	ItemsFrom string
	// Template is rendered per batch with prompt.BatchVars and sent as the
	// request's prompt. It also counts against MaxUnits.
	Template      string
	MaxUnits      int
	MaxItems      int
	Concurrency   int
	RatePerSecond float64
}

// Stage builds a driver stage that runs spec's command through runner.
func Stage(spec Spec, runner CommandRunner) driver.Stage {
	if spec.Output == "" {
		spec.Output = DefaultOutputName
	}
	b := &body{spec: spec, runner: runner}
	return driver.Stage{
		ID:           spec.ID,
		Name:         spec.Name,
		Description:  spec.Description,
		Body:         b.run,
		Codec:        checkpoint.JSONCodec[Envelope](),
		Regenerate:   regenerate,
		Describe:     b.describe,
		Gate:         driver.GateSpec{Transition: spec.Gate, Metrics: metrics},
		Timeout:      spec.Timeout,
		Disabled:     spec.Disabled,
		Optional:     spec.Optional,
		NoCheckpoint: spec.NoCheckpoint,
	}
}

type body struct {
	spec   Spec
	runner CommandRunner
}

func (b *body) run(ctx context.Context, env *driver.Env) (any, error) {
	outputs := env.Outputs()
	names := make([]string, 0, len(outputs))
	for name := range outputs {
		names = append(names, name)
	}
	sort.Strings(names)
	inputs := make(map[string]any, len(names))
	for _, name := range names {
		v, _ := env.Input(name)
		if e, ok := v.(Envelope); ok {
			v = e.Output
		}
		inputs[name] = v
	}
	req := Request{Stage: b.spec.Name, ID: b.spec.ID.String(), Inputs: inputs}

	if b.spec.Batch == nil {
		out, err := b.call(ctx, env, req)
		if err != nil {
			return nil, err
		}
		out.Usage = nil
		return out, nil
	}

	src, ok := env.Output(b.spec.Batch.ItemsFrom)
	if !ok {
		return nil, fmt.Errorf("batch source %q has no output in this run", b.spec.Batch.ItemsFrom)
	}
	items, err := stringItems(src)
	if err != nil {
		return nil, err
	}

	var opts []budget.Option
	if b.spec.Batch.MaxItems > 0 {
		opts = append(opts, budget.WithMaxItems(b.spec.Batch.MaxItems))
	}
	plan := budget.PlanBatches(items, b.spec.Batch.Template, b.spec.Batch.MaxUnits, opts...)
	env.Logger.Info("planned batches",
		zap.Int("items", len(items)),
		zap.Int("batches", plan.Len()),
		zap.Int("estimated", plan.Estimated),
		zap.Int("oversized", len(plan.Oversized)))
	for _, i := range plan.Oversized {
		env.Logger.Warn("item exceeds the batch budget on its own", zap.Int("item", i))
	}

	parts, err := budget.Run(ctx, budget.Batches(items, plan),
		func(ctx context.Context, index int, batch []string) (Envelope, error) {
			r := req
			r.Batch = batch
			r.Index = index
			if b.spec.Batch.Template != "" {
				vars := prompt.BatchVars(b.spec.Name, b.spec.ID.String(), index, plan.Len(), batch)
				text, err := prompt.Render(b.spec.Batch.Template, vars)
				if err != nil {
					return Envelope{}, fmt.Errorf("batch %d template: %w", index, err)
				}
				r.Prompt = text
			}
			return b.call(ctx, env, r)
		},
		budget.RunOptions{Concurrency: b.spec.Batch.Concurrency, RatePerSecond: b.spec.Batch.RatePerSecond},
	)
	if err != nil {
		return nil, err
	}
	merged := mergeEnvelopes(parts)
	merged.Usage = nil
	return merged, nil
}

// call runs the command once and records the usage it reports, even when
// the command then fails.
func (b *body) call(ctx context.Context, env *driver.Env, req Request) (Envelope, error) {
	stdin, err := json.Marshal(req)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode request: %w", err)
	}
	start := time.Now()
	stdout, stderr, exitCode, err := b.runner.Run(ctx, b.spec.Dir, b.spec.Command, stdin)
	env.Logger.Debug("command finished",
		zap.String("command", b.spec.Command),
		zap.Int("exit_code", exitCode),
		zap.Duration("duration", time.Since(start)))
	if err != nil {
		if ctx.Err() != nil {
			return Envelope{}, fmt.Errorf("run %q: %w", b.spec.Command, ctx.Err())
		}
		return Envelope{}, fmt.Errorf("run %q: %w", b.spec.Command, err)
	}

	out, perr := parseEnvelope(stdout)
	if perr == nil {
		for _, u := range out.Usage {
			env.Ledger.Record(u.record(b.spec.Name))
		}
	}
	if exitCode != 0 {
		return Envelope{}, fmt.Errorf("command exited %d: %s", exitCode, tail(stderr, 5))
	}
	if perr != nil {
		return Envelope{}, perr
	}
	return out, nil
}

func (b *body) describe(payload any) []pipeline.Ref {
	e, ok := payload.(Envelope)
	if !ok {
		return nil
	}
	refs := []pipeline.Ref{{Name: b.spec.Output, Kind: "data", Count: e.count()}}
	paths := make([]string, 0, len(e.Artifacts))
	for rel := range e.Artifacts {
		paths = append(paths, rel)
	}
	sort.Strings(paths)
	for _, rel := range paths {
		refs = append(refs, pipeline.Ref{Name: rel, Kind: "file", Path: rel})
	}
	return refs
}

// regenerate writes the envelope's artifacts. It depends only on the
// payload, so replaying a checkpoint reproduces the same files.
func regenerate(payload any, art driver.ArtifactWriter) error {
	e, ok := payload.(Envelope)
	if !ok {
		return fmt.Errorf("payload is %T, want envelope", payload)
	}
	paths := make([]string, 0, len(e.Artifacts))
	for rel := range e.Artifacts {
		paths = append(paths, rel)
	}
	sort.Strings(paths)
	for _, rel := range paths {
		if _, err := art.WriteArtifact(rel, []byte(e.Artifacts[rel])); err != nil {
			return err
		}
	}
	return nil
}

func metrics(payload any) []gate.Metric {
	e, ok := payload.(Envelope)
	if !ok {
		return nil
	}
	return e.Metrics
}
