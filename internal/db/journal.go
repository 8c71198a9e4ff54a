package db

import (
	"context"

	"github.com/lucasnoah/stagehand/internal/driver"
	"github.com/lucasnoah/stagehand/internal/pipeline"
	"github.com/lucasnoah/stagehand/internal/usage"
)

// Journal is a driver.Observer that appends every lifecycle event to the
// database.
type Journal struct {
	db *DB
}

// NewJournal returns an observer writing to d.
func NewJournal(d *DB) *Journal {
	return &Journal{db: d}
}

var _ driver.Observer = (*Journal)(nil)

func (j *Journal) BeforeRun(_ context.Context, pipelineName string, a pipeline.Attempt) error {
	return j.db.StartAttempt(a.ID, pipelineName, a.Mode, a.ResumedFrom)
}

func (j *Journal) BeforeStage(_ context.Context, attemptID string, s driver.Stage) error {
	return j.db.LogStageEvent(StageEvent{
		AttemptID: attemptID,
		StageID:   s.ID.String(),
		StageKey:  s.ID.Key(),
		Stage:     s.Name,
		Event:     "started",
	})
}

func (j *Journal) AfterStage(_ context.Context, attemptID string, rec pipeline.StageRecord, records []usage.Record) error {
	e := StageEvent{
		AttemptID:  attemptID,
		StageID:    rec.ID.String(),
		StageKey:   rec.ID.Key(),
		Stage:      rec.Name,
		Event:      string(rec.Status),
		SkipReason: rec.SkipReason,
		DurationMs: rec.Duration.Milliseconds(),
		Cost:       rec.Cost,
		Operations: rec.Operations,
		Error:      rec.Error,
	}
	if rec.Gate != nil {
		e.GateStatus = string(rec.Gate.Status)
	}
	switch rec.Status {
	case pipeline.StatusCompleted, pipeline.StatusFailed, pipeline.StatusSkipped:
	default:
		e.Event = "failed"
	}
	if err := j.db.LogStageEvent(e); err != nil {
		return err
	}

	rows := make([]UsageRow, 0, len(records))
	for _, r := range records {
		rows = append(rows, UsageRow{
			AttemptID:   attemptID,
			Stage:       rec.Name,
			Component:   r.Component,
			Variant:     r.Variant,
			InputUnits:  r.InputUnits,
			OutputUnits: r.OutputUnits,
			Cost:        r.Cost,
			LatencyMS:   r.LatencyMS,
			Success:     r.Success,
			Error:       r.Error,
			Timestamp:   r.Timestamp.UTC().Format(TimeLayout),
		})
	}
	return j.db.LogUsage(rows)
}

func (j *Journal) AfterRun(_ context.Context, r *driver.Report) error {
	return j.db.FinishAttempt(r.AttemptID, r.Status, r.Attempt.TotalCost, r.Error)
}
