package pipeline

import (
	"time"

	"github.com/lucasnoah/stagehand/internal/gate"
	"github.com/lucasnoah/stagehand/internal/stageid"
)

// Status is the lifecycle state of a stage record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Skip reasons written by the driver.
const (
	SkipResumed  = "resumed from checkpoint"
	SkipDryRun   = "dry_run"
	SkipDisabled = "disabled"
)

// Ref describes one input or output of a stage. It carries no behaviour.
type Ref struct {
	Name        string `json:"name"`
	Kind        string `json:"kind"` // "data", "file", "config"
	Path        string `json:"path,omitempty"`
	Count       *int   `json:"count,omitempty"`
	Description string `json:"description,omitempty"`
}

// IntPtr is a convenience for Ref.Count.
func IntPtr(n int) *int {
	return &n
}

// StageRecord is the ledger entry for one stage in one attempt.
type StageRecord struct {
	ID          stageid.ID    `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Status      Status        `json:"status"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
	Cost        float64       `json:"cost"`
	Operations  int           `json:"operations"`
	Inputs      []Ref         `json:"inputs,omitempty"`
	Outputs     []Ref         `json:"outputs,omitempty"`
	Gate        *gate.Result  `json:"gate,omitempty"`
	Error       string        `json:"error,omitempty"`
	SkipReason  string        `json:"skip_reason,omitempty"`
	Attempt     string        `json:"attempt,omitempty"`
}

// Output returns the named output ref.
func (r StageRecord) Output(name string) (Ref, bool) {
	for _, o := range r.Outputs {
		if o.Name == name {
			return o, true
		}
	}
	return Ref{}, false
}

// Finished reports whether the record shows the stage durably done: it
// completed, or it was itself skipped on resume.
func (r StageRecord) Finished() bool {
	return r.Status == StatusCompleted ||
		(r.Status == StatusSkipped && r.SkipReason == SkipResumed)
}

// Attempt modes.
const (
	ModeFresh  = "fresh"
	ModeResume = "resume"
	ModeDryRun = "dry_run"
)

// Attempt is one driver invocation against an output directory.
type Attempt struct {
	ID          string     `json:"id"`
	Mode        string     `json:"mode"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	ResumedFrom int        `json:"resumed_from,omitempty"`
	Status      string     `json:"status,omitempty"` // "completed", "failed", "interrupted"
	Error       string     `json:"error,omitempty"`
}

// State is the persisted manifest document.
type State struct {
	Pipeline string        `json:"pipeline"`
	Attempts []Attempt     `json:"attempts"`
	Records  []StageRecord `json:"records"`
	// Carried holds finished records from earlier attempts for stages the
	// current attempt has not recorded yet. They keep the resume fallback
	// intact across dry runs and attempts interrupted early.
	Carried   []StageRecord `json:"carried,omitempty"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// FinishedStages returns the stages a resume may treat as done, from the
// current attempt's records and the carried ones.
func (s *State) FinishedStages() []stageid.ID {
	var ids []stageid.ID
	for _, r := range s.Carried {
		ids = append(ids, r.ID)
	}
	for _, r := range s.Records {
		if r.Finished() {
			ids = append(ids, r.ID)
		}
	}
	return ids
}

// Completed returns the records with status completed.
func (s *State) Completed() []StageRecord {
	var out []StageRecord
	for _, r := range s.Records {
		if r.Status == StatusCompleted {
			out = append(out, r)
		}
	}
	return out
}

// Warning is an advisory finding about a completed stage's outputs.
type Warning struct {
	Stage   string     `json:"stage"`
	ID      stageid.ID `json:"id"`
	Message string     `json:"message"`
}
