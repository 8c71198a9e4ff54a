package pipeline

import (
	"errors"
	"fmt"
	"io/fs"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lucasnoah/stagehand/internal/gate"
	"github.com/lucasnoah/stagehand/internal/stageid"
)

// PersistError reports a failed durable write. It is logged and counted,
// never returned to the stage sequence.
type PersistError struct {
	Path string
	Err  error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Path, e.Err)
}

func (e *PersistError) Unwrap() error {
	return e.Err
}

// Manifest is the stage ledger for one attempt. Every transition rewrites
// the whole document to disk before returning.
type Manifest struct {
	mu            sync.Mutex
	path          string
	log           *zap.Logger
	state         State
	attempt       string
	afterSave     func()
	persistErrors int
	now           func() time.Time
}

// NewManifest creates an empty ledger that persists to path.
func NewManifest(path, pipelineName string, log *zap.Logger) *Manifest {
	if log == nil {
		log = zap.NewNop()
	}
	return &Manifest{
		path:  path,
		log:   log,
		state: State{Pipeline: pipelineName, Attempts: []Attempt{}, Records: []StageRecord{}},
		now:   time.Now,
	}
}

// LoadManifest reads a previously written manifest.
func LoadManifest(path string) (*State, error) {
	var s State
	if err := ReadJSON(path, &s); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		return nil, fmt.Errorf("load manifest: %w", err)
	}
	return &s, nil
}

// Path returns the manifest file path.
func (m *Manifest) Path() string {
	return m.path
}

// OnSave registers fn to run after every manifest write.
func (m *Manifest) OnSave(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.afterSave = fn
}

// StartAttempt carries over earlier attempts and appends a new one. prev
// may be nil. Its records do not become records of the new attempt, but
// finished ones are kept in Carried until this attempt records the stage
// again.
func (m *Manifest) StartAttempt(prev *State, a Attempt) {
	m.mu.Lock()
	var attempts []Attempt
	if prev != nil {
		attempts = prev.Attempts
		m.state.Carried = carryFinished(prev)
	}
	m.state.Attempts = append(append([]Attempt{}, attempts...), a)
	m.attempt = a.ID
	m.mu.Unlock()
	m.save()
}

// carryFinished merges prev's carried and finished records, one per stage,
// with the later record winning. A failure in prev drops the stage.
func carryFinished(prev *State) []StageRecord {
	latest := make(map[stageid.ID]StageRecord)
	var order []stageid.ID
	keep := func(r StageRecord) {
		if _, seen := latest[r.ID]; !seen {
			order = append(order, r.ID)
		}
		latest[r.ID] = r
	}
	for _, r := range prev.Carried {
		keep(r)
	}
	for _, r := range prev.Records {
		switch {
		case r.Finished():
			keep(r)
		case r.Status == StatusFailed:
			delete(latest, r.ID)
		}
	}
	var out []StageRecord
	for _, id := range order {
		if r, ok := latest[id]; ok {
			out = append(out, r)
			delete(latest, id)
		}
	}
	return out
}

// supersede drops the carried record for id. Callers hold m.mu.
func (m *Manifest) supersede(id stageid.ID) {
	kept := m.state.Carried[:0]
	for _, r := range m.state.Carried {
		if r.ID != id {
			kept = append(kept, r)
		}
	}
	m.state.Carried = kept
}

// FinishAttempt stamps the current attempt with its final status.
func (m *Manifest) FinishAttempt(status string, err error) {
	m.mu.Lock()
	if n := len(m.state.Attempts); n > 0 {
		a := &m.state.Attempts[n-1]
		finished := m.now().UTC()
		a.FinishedAt = &finished
		a.Status = status
		if err != nil {
			a.Error = err.Error()
		}
	}
	m.mu.Unlock()
	m.save()
}

// Handle tracks one running stage until EndStage. It is safe for
// concurrent use, so batch workers may record refs directly.
type Handle struct {
	mu  sync.Mutex
	rec StageRecord
}

// ID returns the stage identifier.
func (h *Handle) ID() stageid.ID { return h.rec.ID }

// Name returns the stage name.
func (h *Handle) Name() string { return h.rec.Name }

// RecordInput appends an input reference.
func (h *Handle) RecordInput(r Ref) {
	h.mu.Lock()
	h.rec.Inputs = append(h.rec.Inputs, r)
	h.mu.Unlock()
}

// RecordOutput appends an output reference.
func (h *Handle) RecordOutput(r Ref) {
	h.mu.Lock()
	h.rec.Outputs = append(h.rec.Outputs, r)
	h.mu.Unlock()
}

func (h *Handle) snapshot() StageRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	rec := h.rec
	rec.Inputs = append([]Ref(nil), h.rec.Inputs...)
	rec.Outputs = append([]Ref(nil), h.rec.Outputs...)
	return rec
}

// BeginStage opens a running record. Nothing is written until EndStage.
func (m *Manifest) BeginStage(id stageid.ID, name, description string) *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &Handle{rec: StageRecord{
		ID:          id,
		Name:        name,
		Description: description,
		Status:      StatusRunning,
		StartedAt:   m.now().UTC(),
		Attempt:     m.attempt,
	}}
}

// Outcome is what the driver learned from running a stage body.
type Outcome struct {
	Err        error
	Cost       float64
	Operations int
	Gate       *gate.Result
}

// EndStage closes the record as completed or failed, appends it and
// persists the ledger.
func (m *Manifest) EndStage(h *Handle, o Outcome) StageRecord {
	rec := h.snapshot()
	m.mu.Lock()
	rec.Duration = m.now().Sub(rec.StartedAt)
	rec.Cost = o.Cost
	rec.Operations = o.Operations
	if o.Gate != nil {
		g := o.Gate.Clone()
		rec.Gate = &g
	}
	if o.Err != nil {
		rec.Status = StatusFailed
		rec.Error = o.Err.Error()
	} else {
		rec.Status = StatusCompleted
	}
	m.supersede(rec.ID)
	m.state.Records = append(m.state.Records, rec)
	m.mu.Unlock()

	m.save()
	return rec
}

// SkipStage appends a skipped record and persists the ledger. outputs lets
// a resumed stage still describe what its checkpoint holds. Only a resumed
// skip replaces a carried record; dry-run and disabled skips say nothing
// about completion.
func (m *Manifest) SkipStage(id stageid.ID, name, description, reason string, outputs ...Ref) StageRecord {
	m.mu.Lock()
	rec := StageRecord{
		ID:          id,
		Name:        name,
		Description: description,
		Status:      StatusSkipped,
		StartedAt:   m.now().UTC(),
		SkipReason:  reason,
		Outputs:     outputs,
		Attempt:     m.attempt,
	}
	if rec.Finished() {
		m.supersede(rec.ID)
	}
	m.state.Records = append(m.state.Records, rec)
	m.mu.Unlock()

	m.save()
	return rec
}

// Records returns a copy of the records appended so far.
func (m *Manifest) Records() []StageRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]StageRecord(nil), m.state.Records...)
}

// Snapshot returns a copy of the full document.
func (m *Manifest) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.state
	s.Attempts = append([]Attempt(nil), m.state.Attempts...)
	s.Records = append([]StageRecord(nil), m.state.Records...)
	s.Carried = append([]StageRecord(nil), m.state.Carried...)
	return s
}

// PersistErrors returns how many writes have failed.
func (m *Manifest) PersistErrors() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.persistErrors
}

// ValidatePrerequisites checks each completed stage named in required for
// its required output. A missing output, or one reporting a zero count,
// yields a warning and annotates the record's gate result. It never fails
// the run.
func (m *Manifest) ValidatePrerequisites(required map[string]string) []Warning {
	if len(required) == 0 {
		return nil
	}

	m.mu.Lock()
	var warnings []Warning
	for i := range m.state.Records {
		rec := &m.state.Records[i]
		if rec.Status != StatusCompleted {
			continue
		}
		want, ok := required[rec.Name]
		if !ok {
			continue
		}

		var msg string
		out, found := rec.Output(want)
		switch {
		case !found:
			msg = fmt.Sprintf("required output %q missing", want)
		case out.Count != nil && *out.Count == 0:
			msg = fmt.Sprintf("required output %q is empty", want)
		default:
			continue
		}

		warnings = append(warnings, Warning{Stage: rec.Name, ID: rec.ID, Message: msg})
		rec.Gate = annotateEmpty(rec.Gate, rec.Name, msg, m.now().UTC())
	}
	m.mu.Unlock()

	for _, w := range warnings {
		m.log.Warn("output validation",
			zap.String("stage", w.Stage),
			zap.Stringer("stage_id", w.ID),
			zap.String("message", w.Message),
		)
	}
	if len(warnings) > 0 {
		m.save()
	}
	return warnings
}

func annotateEmpty(g *gate.Result, transition, msg string, ts time.Time) *gate.Result {
	var res gate.Result
	if g == nil {
		res = gate.Result{
			Status:     gate.StatusWarn,
			Transition: transition,
			Metrics:    map[string]float64{},
			Met:        map[string]bool{},
			Timestamp:  ts,
		}
	} else {
		res = g.Clone()
	}
	if res.Annotations == nil {
		res.Annotations = make(map[string]string)
	}
	res.Annotations["output_validation"] = "empty"
	res.Warnings = append(res.Warnings, msg)
	return &res
}

// RecordPersistError logs and counts a failed write of a file the manifest
// does not own, such as the usage snapshot or a checkpoint.
func (m *Manifest) RecordPersistError(path string, err error) {
	m.mu.Lock()
	m.persistErrors++
	m.mu.Unlock()
	m.log.Error("durable write failed",
		zap.String("path", path),
		zap.Error(&PersistError{Path: path, Err: err}),
	)
}

// Save writes the ledger now. Failures are logged and counted.
func (m *Manifest) Save() {
	m.save()
}

func (m *Manifest) save() {
	m.mu.Lock()
	m.state.UpdatedAt = m.now().UTC()
	err := WriteJSON(m.path, &m.state)
	if err != nil {
		m.persistErrors++
	}
	hook := m.afterSave
	m.mu.Unlock()

	if err != nil {
		perr := &PersistError{Path: m.path, Err: err}
		m.log.Error("manifest write failed; resume information may be stale",
			zap.String("path", m.path),
			zap.Error(perr),
		)
	}
	if hook != nil {
		hook()
	}
}
