package driver

import (
	"context"
	"fmt"

	"github.com/lucasnoah/stagehand/internal/checkpoint"
	"github.com/lucasnoah/stagehand/internal/gate"
	"github.com/lucasnoah/stagehand/internal/pipeline"
	"github.com/lucasnoah/stagehand/internal/stageid"
	"github.com/lucasnoah/stagehand/internal/usage"
)

// StageError reports a stage body failure. It is returned only after the
// failed record has been persisted.
type StageError struct {
	ID   stageid.ID
	Name string
	Err  error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s (%s): %v", e.ID, e.Name, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// Observer receives lifecycle events. Errors are logged and otherwise
// ignored; an observer cannot stop a run.
type Observer interface {
	BeforeRun(ctx context.Context, pipelineName string, a pipeline.Attempt) error
	BeforeStage(ctx context.Context, attemptID string, s Stage) error
	AfterStage(ctx context.Context, attemptID string, rec pipeline.StageRecord, records []usage.Record) error
	AfterRun(ctx context.Context, report *Report) error
}

// Report is the outcome of one attempt.
type Report struct {
	Pipeline      string                 `json:"pipeline"`
	AttemptID     string                 `json:"attempt_id"`
	Mode          string                 `json:"mode"`
	Status        string                 `json:"status"`
	Resume        checkpoint.Resume      `json:"resume"`
	Records       []pipeline.StageRecord `json:"records"`
	Gates         []gate.Result          `json:"gates"`
	GateSummary   gate.Summary           `json:"gate_summary"`
	Attempt       usage.Summary          `json:"attempt_usage"`
	Usage         usage.Summary          `json:"usage"`
	Failures      []StageFailure         `json:"failures,omitempty"`
	Warnings      []pipeline.Warning     `json:"warnings,omitempty"`
	PersistErrors int                    `json:"persist_errors"`
	Error         string                 `json:"error,omitempty"`
}

// StageFailure is a failed stage as listed in the report.
type StageFailure struct {
	ID       stageid.ID `json:"id"`
	Name     string     `json:"name"`
	Error    string     `json:"error"`
	Optional bool       `json:"optional,omitempty"`
}

// Count returns how many records ended with status.
func (r *Report) Count(status pipeline.Status) int {
	n := 0
	for _, rec := range r.Records {
		if rec.Status == status {
			n++
		}
	}
	return n
}
