// Package driver runs a declared stage sequence against an output
// directory, replaying checkpointed stages on resume and keeping the
// manifest and cumulative usage snapshot current after every stage.
package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lucasnoah/stagehand/internal/checkpoint"
	"github.com/lucasnoah/stagehand/internal/gate"
	"github.com/lucasnoah/stagehand/internal/pipeline"
	"github.com/lucasnoah/stagehand/internal/usage"
)

// Attempt statuses written to the manifest.
const (
	AttemptRunning     = "running"
	AttemptCompleted   = "completed"
	AttemptFailed      = "failed"
	AttemptInterrupted = "interrupted"
)

// Options configures a Driver.
type Options struct {
	Pipeline string
	Layout   pipeline.Layout

	// Store holds checkpoints. Nil means a FileStore in the layout's
	// checkpoint directory.
	Store checkpoint.Store

	Resume          bool
	DryRun          bool
	FallbackCeiling int

	Thresholds      gate.Thresholds
	RequiredOutputs map[string]string

	Logger    *zap.Logger
	Observers []Observer
}

// Driver executes stages in declared order.
type Driver struct {
	stages   []Stage
	opts     Options
	store    checkpoint.Store
	registry *checkpoint.Registry
	log      *zap.Logger
	progress io.Writer // live progress output; nil = silent
	newID    func() string
}

// New validates the stage list and creates a driver.
func New(stages []Stage, opts Options) (*Driver, error) {
	if err := validateStages(stages); err != nil {
		return nil, err
	}
	if opts.Layout.Root() == "" {
		return nil, errors.New("output directory is required")
	}
	registry := checkpoint.NewRegistry()
	for _, s := range stages {
		if err := registry.Register(s.ID, s.codec()); err != nil {
			return nil, err
		}
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	store := opts.Store
	if store == nil {
		store = checkpoint.NewFileStore(opts.Layout.CheckpointDir())
	}
	return &Driver{
		stages:   append([]Stage(nil), stages...),
		opts:     opts,
		store:    store,
		registry: registry,
		log:      log.With(zap.String("pipeline", opts.Pipeline)),
		newID:    uuid.NewString,
	}, nil
}

// SetProgress sets a writer for live progress output (e.g. os.Stderr).
func (d *Driver) SetProgress(w io.Writer) {
	d.progress = w
}

// logf prints a progress line if a progress writer is configured.
func (d *Driver) logf(format string, args ...interface{}) {
	if d.progress != nil {
		fmt.Fprintf(d.progress, "  → "+format+"\n", args...)
	}
}

// Stages returns the declared stages.
func (d *Driver) Stages() []Stage {
	return append([]Stage(nil), d.stages...)
}

// run is the per-attempt state shared by the stage steps.
type run struct {
	id        string
	manifest  *pipeline.Manifest
	ledger    *usage.Ledger
	evaluator *gate.Evaluator
	previous  usage.Summary
	attempts  int
	outputs   map[string]any
	failures  []StageFailure
}

// Run executes one attempt. The report is returned whenever the attempt
// started, including when a stage failed or ctx was cancelled, so the
// caller can always print the merged usage.
func (d *Driver) Run(ctx context.Context) (*Report, error) {
	layout := d.opts.Layout
	if err := layout.Ensure(); err != nil {
		return nil, fmt.Errorf("prepare output directory: %w", err)
	}

	var fallback checkpoint.FallbackSource
	prevState, err := pipeline.LoadManifest(layout.ManifestPath())
	switch {
	case err == nil:
		fallback = checkpoint.ManifestFallback{Path: layout.ManifestPath()}
	case errors.Is(err, fs.ErrNotExist):
	default:
		d.log.Warn("previous manifest unreadable; ignoring it",
			zap.String("path", layout.ManifestPath()), zap.Error(err))
		prevState = nil
	}

	prevUsage, err := usage.LoadSnapshot(layout.UsagePath())
	if err != nil {
		d.log.Warn("previous usage snapshot unreadable; starting from zero",
			zap.String("path", layout.UsagePath()), zap.Error(err))
		prevUsage = &usage.Snapshot{}
	}

	mode := pipeline.ModeFresh
	var resume checkpoint.Resume
	switch {
	case d.opts.DryRun:
		mode = pipeline.ModeDryRun
	case d.opts.Resume:
		mode = pipeline.ModeResume
		resume, err = checkpoint.LastCompleted(ctx, d.store, d.resumeOptions(fallback))
		if err != nil {
			return nil, fmt.Errorf("determine resume point: %w", err)
		}
		d.log.Info("resuming",
			zap.Int("last_completed", resume.LastCompleted),
			zap.String("source", string(resume.Source)))
		d.logf("resuming after stage %d (from %s)", resume.LastCompleted, resume.Source)
	default:
		if ids, err := d.store.IDs(ctx); err == nil && len(ids) > 0 {
			d.log.Warn("output directory already has checkpoints; they will not be overwritten, use --resume to skip completed stages",
				zap.Int("checkpoints", len(ids)))
		}
	}

	r := &run{
		id:        d.newID(),
		manifest:  pipeline.NewManifest(layout.ManifestPath(), d.opts.Pipeline, d.log),
		ledger:    usage.NewLedger(),
		evaluator: gate.NewEvaluator(d.opts.Thresholds),
		previous:  prevUsage.Summary,
		attempts:  prevUsage.Attempts + 1,
		outputs:   make(map[string]any),
	}
	r.manifest.OnSave(func() { d.writeUsage(r) })
	attempt := pipeline.Attempt{
		ID:          r.id,
		Mode:        mode,
		StartedAt:   time.Now().UTC(),
		ResumedFrom: resume.LastCompleted,
		Status:      AttemptRunning,
	}
	r.manifest.StartAttempt(prevState, attempt)
	d.log.Info("attempt started", zap.String("attempt", r.id), zap.String("mode", mode))
	for _, o := range d.opts.Observers {
		if err := o.BeforeRun(ctx, d.opts.Pipeline, attempt); err != nil {
			d.log.Warn("observer failed", zap.String("event", "before_run"), zap.Error(err))
		}
	}

	var runErr error
	for _, s := range d.stages {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		d.notifyBefore(ctx, r.id, s)

		rec, records, err := d.step(ctx, r, s, resume.LastCompleted)
		d.notifyAfter(ctx, r.id, rec, records)

		if rec.Status != pipeline.StatusFailed {
			continue
		}
		r.failures = append(r.failures, StageFailure{ID: s.ID, Name: s.Name, Error: rec.Error, Optional: s.Optional})
		if s.Optional {
			d.log.Warn("optional stage failed; continuing", zap.String("stage", s.Name), zap.String("error", rec.Error))
			continue
		}
		runErr = &StageError{ID: s.ID, Name: s.Name, Err: err}
		break
	}

	warnings := r.manifest.ValidatePrerequisites(d.opts.RequiredOutputs)

	status := AttemptCompleted
	switch {
	case runErr == nil:
	case ctx.Err() != nil && errors.Is(runErr, ctx.Err()):
		status = AttemptInterrupted
	default:
		status = AttemptFailed
	}
	r.manifest.FinishAttempt(status, runErr)

	report := &Report{
		Pipeline:      d.opts.Pipeline,
		AttemptID:     r.id,
		Mode:          mode,
		Status:        status,
		Resume:        resume,
		Records:       r.manifest.Records(),
		Gates:         r.evaluator.History(),
		GateSummary:   r.evaluator.Summary(),
		Attempt:       r.ledger.Summary(),
		Usage:         usage.Merge(r.previous, r.ledger.Summary()),
		Failures:      r.failures,
		Warnings:      warnings,
		PersistErrors: r.manifest.PersistErrors(),
	}
	if runErr != nil {
		report.Error = runErr.Error()
	}
	d.log.Info("attempt finished",
		zap.String("attempt", r.id),
		zap.String("status", status),
		zap.Float64("cost", report.Usage.TotalCost),
		zap.Int("persist_errors", report.PersistErrors))
	for _, o := range d.opts.Observers {
		if err := o.AfterRun(ctx, report); err != nil {
			d.log.Warn("observer failed", zap.String("event", "after_run"), zap.Error(err))
		}
	}
	return report, runErr
}

func (d *Driver) resumeOptions(fallback checkpoint.FallbackSource) checkpoint.ResumeOptions {
	opts := checkpoint.ResumeOptions{
		Fallback:        fallback,
		FallbackCeiling: d.opts.FallbackCeiling,
	}
	for _, s := range d.stages {
		if !s.ID.IsInteger() {
			continue
		}
		opts.Declared = append(opts.Declared, s.ID)
		if !s.NoCheckpoint && !s.Disabled {
			opts.Checkpointed = append(opts.Checkpointed, s.ID)
		}
	}
	return opts
}

// step decides skip, replay or execute for one stage and returns its record,
// the usage records its body appended and the body error, if any.
func (d *Driver) step(ctx context.Context, r *run, s Stage, last int) (pipeline.StageRecord, []usage.Record, error) {
	switch {
	case d.opts.DryRun:
		d.logf("%s %s: dry run", s.ID, s.Name)
		return r.manifest.SkipStage(s.ID, s.Name, s.Description, pipeline.SkipDryRun), nil, nil
	case s.Disabled:
		d.logf("%s %s: disabled", s.ID, s.Name)
		return r.manifest.SkipStage(s.ID, s.Name, s.Description, pipeline.SkipDisabled), nil, nil
	}

	if d.opts.Resume && d.resumable(ctx, s, last) {
		if s.NoCheckpoint {
			d.logf("%s %s: completed in an earlier attempt", s.ID, s.Name)
			return r.manifest.SkipStage(s.ID, s.Name, s.Description, pipeline.SkipResumed), nil, nil
		}
		payload, err := d.replay(ctx, s)
		if err == nil {
			r.outputs[s.Name] = payload
			d.logf("%s %s: restored from checkpoint", s.ID, s.Name)
			return r.manifest.SkipStage(s.ID, s.Name, s.Description, pipeline.SkipResumed, s.outputs(payload)...), nil, nil
		}
		d.log.Warn("checkpoint replay failed; running stage again",
			zap.String("stage", s.Name), zap.Stringer("stage_id", s.ID), zap.Error(err))
	}
	return d.execute(ctx, r, s)
}

// resumable reports whether a stage finished in an earlier attempt. Integer
// stages follow the resume high-water mark; a checkpointing stage under the
// mark without a checkpoint of its own (a manifest fallback) still runs.
// Decimal stages are looked up individually.
func (d *Driver) resumable(ctx context.Context, s Stage, last int) bool {
	if s.ID.IsInteger() && s.ID.Major > last {
		return false
	}
	if s.NoCheckpoint {
		return s.ID.IsInteger()
	}
	ok, err := d.store.Has(ctx, s.ID)
	if err != nil {
		d.log.Warn("checkpoint lookup failed", zap.String("stage", s.Name), zap.Error(err))
		return false
	}
	return ok
}

// replay loads a stage's checkpoint and regenerates its artifacts. The
// body is not called.
func (d *Driver) replay(ctx context.Context, s Stage) (any, error) {
	data, err := d.store.Load(ctx, s.ID)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	payload, err := d.registry.Decode(s.ID, data)
	if err != nil {
		return nil, err
	}
	if s.Regenerate != nil {
		if err := s.Regenerate(payload, d.opts.Layout); err != nil {
			return nil, fmt.Errorf("regenerate artifacts: %w", err)
		}
	}
	return payload, nil
}

func (d *Driver) execute(ctx context.Context, r *run, s Stage) (pipeline.StageRecord, []usage.Record, error) {
	h := r.manifest.BeginStage(s.ID, s.Name, s.Description)
	env := &Env{
		Stage:   s,
		Ledger:  r.ledger,
		Handle:  h,
		Logger:  d.log.With(zap.String("stage", s.Name), zap.Stringer("stage_id", s.ID)),
		Layout:  d.opts.Layout,
		outputs: r.outputs,
	}
	d.logf("%s %s: running", s.ID, s.Name)

	before := r.ledger.Totals()
	mark := r.ledger.Len()

	sctx := ctx
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}
	payload, err := s.Body(sctx, env)
	delta := r.ledger.Totals().Sub(before)

	var res *gate.Result
	if err == nil {
		var data []byte
		payload, data = d.encode(r, s, payload)
		if s.Regenerate != nil {
			if rerr := s.Regenerate(payload, d.opts.Layout); rerr != nil {
				err = fmt.Errorf("regenerate artifacts: %w", rerr)
			}
		}
		if err == nil && data != nil {
			d.save(ctx, r, s, data)
		}
	}
	if err == nil {
		for _, ref := range s.outputs(payload) {
			h.RecordOutput(ref)
		}
		if s.Gate.Transition != "" {
			g := r.evaluator.Check(s.Gate.Transition, s.metrics(payload))
			res = &g
			if g.Status == gate.StatusFail {
				d.log.Warn("quality gate failed",
					zap.String("stage", s.Name),
					zap.String("transition", g.Transition),
					zap.Strings("details", g.Details))
			}
		}
		r.outputs[s.Name] = payload
	}

	rec := r.manifest.EndStage(h, pipeline.Outcome{
		Err:        err,
		Cost:       delta.Cost,
		Operations: delta.Calls,
		Gate:       res,
	})
	fields := []zap.Field{
		zap.String("stage", s.Name),
		zap.Stringer("stage_id", s.ID),
		zap.String("status", string(rec.Status)),
		zap.Float64("cost", rec.Cost),
		zap.Duration("duration", rec.Duration),
	}
	if err != nil {
		d.log.Error("stage failed", append(fields, zap.Error(err))...)
	} else {
		d.log.Info("stage completed", fields...)
	}
	return rec, r.ledger.Since(mark), err
}

// encode serialises the payload with the stage's codec. When the payload
// round-trips, the decoded form is returned so a replayed stage and an
// executed one hand identical values downstream. A nil data result means
// nothing should be saved.
func (d *Driver) encode(r *run, s Stage, payload any) (any, []byte) {
	if s.NoCheckpoint {
		return payload, nil
	}
	data, err := d.registry.Encode(s.ID, payload)
	if err != nil {
		r.manifest.RecordPersistError(d.checkpointLocation(s), err)
		return payload, nil
	}
	decoded, err := d.registry.Decode(s.ID, data)
	if err != nil {
		return payload, data
	}
	return decoded, data
}

// save writes a checkpoint once. An existing checkpoint is kept.
func (d *Driver) save(ctx context.Context, r *run, s Stage, data []byte) {
	switch err := d.store.Save(ctx, s.ID, data); {
	case err == nil:
	case errors.Is(err, checkpoint.ErrExists):
		d.log.Debug("checkpoint already present; keeping the original", zap.String("stage", s.Name))
	default:
		r.manifest.RecordPersistError(d.checkpointLocation(s), err)
	}
}

func (d *Driver) checkpointLocation(s Stage) string {
	if fstore, ok := d.store.(*checkpoint.FileStore); ok {
		return filepath.Join(fstore.Dir(), pipeline.CheckpointFile(s.ID))
	}
	return "checkpoint " + s.ID.Key()
}

// writeUsage stores the merged usage snapshot. It runs after every
// manifest write.
func (d *Driver) writeUsage(r *run) {
	path := d.opts.Layout.UsagePath()
	snap := &usage.Snapshot{
		UpdatedAt: time.Now().UTC(),
		Attempts:  r.attempts,
		Summary:   usage.Merge(r.previous, r.ledger.Summary()),
	}
	if err := usage.WriteSnapshot(path, snap); err != nil {
		r.manifest.RecordPersistError(path, err)
	}
}

func (d *Driver) notifyBefore(ctx context.Context, attemptID string, s Stage) {
	for _, o := range d.opts.Observers {
		if err := o.BeforeStage(ctx, attemptID, s); err != nil {
			d.log.Warn("observer failed", zap.String("event", "before_stage"), zap.String("stage", s.Name), zap.Error(err))
		}
	}
}

func (d *Driver) notifyAfter(ctx context.Context, attemptID string, rec pipeline.StageRecord, records []usage.Record) {
	for _, o := range d.opts.Observers {
		if err := o.AfterStage(ctx, attemptID, rec, records); err != nil {
			d.log.Warn("observer failed", zap.String("event", "after_stage"), zap.String("stage", rec.Name), zap.Error(err))
		}
	}
}
