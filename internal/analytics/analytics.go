package analytics

import (
	"database/sql"
	"fmt"
	"math"
	"sort"

	"github.com/lucasnoah/stagehand/internal/pipeline"
)

// DB is the interface for database queries used by analytics.
type DB interface {
	Conn() *sql.DB
}

// StageDuration holds duration stats for a stage.
type StageDuration struct {
	Stage string  `json:"stage"`
	Count int     `json:"count"`
	Avg   float64 `json:"avg_seconds"`
	P50   float64 `json:"p50_seconds"`
	P95   float64 `json:"p95_seconds"`
}

// QueryStageDurations returns average and percentile durations of executed
// stages. Skipped stages never ran and are not counted.
func QueryStageDurations(database DB, since string) ([]StageDuration, error) {
	query := `
		SELECT stage, duration_ms
		FROM stage_events
		WHERE event IN ('completed', 'failed')
		AND duration_ms IS NOT NULL`

	args := []interface{}{}
	if since != "" {
		query += ` AND timestamp >= ?`
		args = append(args, since)
	}

	rows, err := database.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query stage durations: %w", err)
	}
	defer rows.Close()

	stageDurations := make(map[string][]float64)
	for rows.Next() {
		var stage string
		var ms int64
		if err := rows.Scan(&stage, &ms); err != nil {
			return nil, fmt.Errorf("scan stage duration: %w", err)
		}
		stageDurations[stage] = append(stageDurations[stage], float64(ms)/1000)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var results []StageDuration
	for stage, durations := range stageDurations {
		sort.Float64s(durations)
		results = append(results, StageDuration{
			Stage: stage,
			Count: len(durations),
			Avg:   avg(durations),
			P50:   percentile(durations, 50),
			P95:   percentile(durations, 95),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Stage < results[j].Stage
	})
	return results, nil
}

// StageOutcome holds terminal-status rates for a stage across attempts.
type StageOutcome struct {
	Stage     string  `json:"stage"`
	Total     int     `json:"total"`
	Completed float64 `json:"completed_pct"`
	Failed    float64 `json:"failed_pct"`
	Resumed   float64 `json:"resumed_pct"`
	Skipped   float64 `json:"skipped_pct"`
}

// QueryStageOutcomes returns how often each stage completed, failed, was
// replayed from a checkpoint, or was otherwise skipped.
func QueryStageOutcomes(database DB, since string) ([]StageOutcome, error) {
	query := `
		SELECT stage,
			COUNT(*) as total,
			SUM(CASE WHEN event = 'completed' THEN 1 ELSE 0 END) as completed,
			SUM(CASE WHEN event = 'failed' THEN 1 ELSE 0 END) as failed,
			SUM(CASE WHEN event = 'skipped' AND skip_reason = ? THEN 1 ELSE 0 END) as resumed,
			SUM(CASE WHEN event = 'skipped' AND (skip_reason IS NULL OR skip_reason != ?) THEN 1 ELSE 0 END) as skipped
		FROM stage_events
		WHERE event IN ('completed', 'failed', 'skipped')`

	args := []interface{}{pipeline.SkipResumed, pipeline.SkipResumed}
	if since != "" {
		query += ` AND timestamp >= ?`
		args = append(args, since)
	}
	query += ` GROUP BY stage ORDER BY MIN(id)`

	rows, err := database.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query stage outcomes: %w", err)
	}
	defer rows.Close()

	var results []StageOutcome
	for rows.Next() {
		var stage string
		var total, completed, failed, resumed, skipped int
		if err := rows.Scan(&stage, &total, &completed, &failed, &resumed, &skipped); err != nil {
			return nil, fmt.Errorf("scan stage outcome: %w", err)
		}
		results = append(results, StageOutcome{
			Stage:     stage,
			Total:     total,
			Completed: pct(completed, total),
			Failed:    pct(failed, total),
			Resumed:   pct(resumed, total),
			Skipped:   pct(skipped, total),
		})
	}
	return results, rows.Err()
}

// ComponentUsage holds billed-operation stats for one component.
type ComponentUsage struct {
	Component  string  `json:"component"`
	Calls      int     `json:"calls"`
	FailRate   float64 `json:"fail_rate_pct"`
	Cost       float64 `json:"cost"`
	AvgLatency float64 `json:"avg_latency_ms"`
	P95Latency float64 `json:"p95_latency_ms"`
	TopError   string  `json:"top_error,omitempty"`
}

// QueryComponentUsage returns call counts, failure rates, cost and latency
// percentiles per component, most expensive first.
func QueryComponentUsage(database DB, since string) ([]ComponentUsage, error) {
	query := `
		SELECT component, success, cost, latency_ms
		FROM usage_records`

	args := []interface{}{}
	if since != "" {
		query += ` WHERE timestamp >= ?`
		args = append(args, since)
	}

	rows, err := database.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query component usage: %w", err)
	}
	defer rows.Close()

	type componentInfo struct {
		calls, failed int
		cost          float64
		latencies     []float64
	}
	byComponent := make(map[string]*componentInfo)
	for rows.Next() {
		var component string
		var success bool
		var cost float64
		var latency int64
		if err := rows.Scan(&component, &success, &cost, &latency); err != nil {
			return nil, fmt.Errorf("scan component usage: %w", err)
		}
		info, ok := byComponent[component]
		if !ok {
			info = &componentInfo{}
			byComponent[component] = info
		}
		info.calls++
		if !success {
			info.failed++
		}
		info.cost += cost
		info.latencies = append(info.latencies, float64(latency))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var results []ComponentUsage
	for component, info := range byComponent {
		sort.Float64s(info.latencies)
		results = append(results, ComponentUsage{
			Component:  component,
			Calls:      info.calls,
			FailRate:   pct(info.failed, info.calls),
			Cost:       math.Round(info.cost*10000) / 10000,
			AvgLatency: avg(info.latencies),
			P95Latency: percentile(info.latencies, 95),
		})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Cost != results[j].Cost {
			return results[i].Cost > results[j].Cost
		}
		return results[i].Component < results[j].Component
	})

	// Most common error per component
	for i := range results {
		errQuery := `
			SELECT error, COUNT(*) as cnt
			FROM usage_records
			WHERE component = ? AND success = 0 AND error IS NOT NULL AND error != ''`
		eArgs := []interface{}{results[i].Component}
		if since != "" {
			errQuery += ` AND timestamp >= ?`
			eArgs = append(eArgs, since)
		}
		errQuery += ` GROUP BY error ORDER BY cnt DESC, error LIMIT 1`

		var msg string
		var cnt int
		if err := database.Conn().QueryRow(errQuery, eArgs...).Scan(&msg, &cnt); err == nil {
			results[i].TopError = msg
		}
	}

	return results, nil
}

// AttemptThroughput holds attempt counts for a time period.
type AttemptThroughput struct {
	Period      string  `json:"period"`
	Attempts    int     `json:"attempts"`
	Resumes     int     `json:"resumes"`
	Completed   int     `json:"completed"`
	Failed      int     `json:"failed"`
	Interrupted int     `json:"interrupted"`
	Cost        float64 `json:"cost"`
	AvgDuration float64 `json:"avg_duration_minutes"`
}

// QueryAttemptThroughput returns attempt metrics grouped by week.
func QueryAttemptThroughput(database DB, since string) ([]AttemptThroughput, error) {
	query := `
		SELECT
			strftime('%Y-W%W', started_at) as period,
			COUNT(*) as attempts,
			SUM(CASE WHEN mode = 'resume' THEN 1 ELSE 0 END) as resumes,
			SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END) as completed,
			SUM(CASE WHEN status = 'failed' THEN 1 ELSE 0 END) as failed,
			SUM(CASE WHEN status = 'interrupted' THEN 1 ELSE 0 END) as interrupted,
			SUM(cost) as cost,
			AVG(CASE WHEN finished_at IS NOT NULL
				THEN (julianday(finished_at) - julianday(started_at)) * 1440 END) as avg_minutes
		FROM attempts`

	args := []interface{}{}
	if since != "" {
		query += ` WHERE started_at >= ?`
		args = append(args, since)
	}
	query += ` GROUP BY period ORDER BY period DESC LIMIT 10`

	rows, err := database.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query attempt throughput: %w", err)
	}
	defer rows.Close()

	var results []AttemptThroughput
	for rows.Next() {
		var at AttemptThroughput
		var avgMinutes sql.NullFloat64
		if err := rows.Scan(&at.Period, &at.Attempts, &at.Resumes, &at.Completed, &at.Failed, &at.Interrupted, &at.Cost, &avgMinutes); err != nil {
			return nil, fmt.Errorf("scan throughput: %w", err)
		}
		if avgMinutes.Valid {
			at.AvgDuration = math.Round(avgMinutes.Float64*10) / 10
		}
		at.Cost = math.Round(at.Cost*10000) / 10000
		results = append(results, at)
	}
	return results, rows.Err()
}

// TimelineEvent holds a single event for the attempt-detail view.
type TimelineEvent struct {
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
	Event     string `json:"event"`
	Stage     string `json:"stage,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// QueryAttemptDetail returns the full timeline for one attempt.
func QueryAttemptDetail(database DB, attemptID string) ([]TimelineEvent, error) {
	var results []TimelineEvent

	seRows, err := database.Conn().Query(
		`SELECT timestamp, stage_id, stage, event, skip_reason, duration_ms, gate_status, error
		 FROM stage_events WHERE attempt_id = ? ORDER BY timestamp, id`,
		attemptID,
	)
	if err != nil {
		return nil, fmt.Errorf("query stage events: %w", err)
	}
	defer seRows.Close()

	for seRows.Next() {
		var ts, stageID, stage, event string
		var skip, gateStatus, errMsg sql.NullString
		var duration sql.NullInt64
		if err := seRows.Scan(&ts, &stageID, &stage, &event, &skip, &duration, &gateStatus, &errMsg); err != nil {
			return nil, fmt.Errorf("scan stage event: %w", err)
		}

		detail := "stage " + stageID
		switch {
		case skip.Valid && skip.String != "":
			detail += ": " + skip.String
		case errMsg.Valid && errMsg.String != "":
			detail += ": " + errMsg.String
		case duration.Valid && event != "started":
			detail += fmt.Sprintf(" (%dms)", duration.Int64)
		}
		if gateStatus.Valid && gateStatus.String != "" {
			detail += " gate=" + gateStatus.String
		}

		results = append(results, TimelineEvent{
			Timestamp: ts,
			Type:      "stage",
			Event:     event,
			Stage:     stage,
			Detail:    detail,
		})
	}
	if err := seRows.Err(); err != nil {
		return nil, err
	}

	urRows, err := database.Conn().Query(
		`SELECT timestamp, stage, component, variant, cost, latency_ms, success, error
		 FROM usage_records WHERE attempt_id = ? ORDER BY timestamp, id`,
		attemptID,
	)
	if err != nil {
		return nil, fmt.Errorf("query usage records: %w", err)
	}
	defer urRows.Close()

	for urRows.Next() {
		var ts, stage, component string
		var variant, errMsg sql.NullString
		var cost float64
		var latency int64
		var success bool
		if err := urRows.Scan(&ts, &stage, &component, &variant, &cost, &latency, &success, &errMsg); err != nil {
			return nil, fmt.Errorf("scan usage record: %w", err)
		}

		status := "ok"
		if !success {
			status = "FAIL"
		}
		name := component
		if variant.Valid && variant.String != "" {
			name += "/" + variant.String
		}
		detail := fmt.Sprintf("%s: %s (%dms, $%.4f)", name, status, latency, cost)
		if errMsg.Valid && errMsg.String != "" {
			detail += ": " + errMsg.String
		}

		results = append(results, TimelineEvent{
			Timestamp: ts,
			Type:      "usage",
			Event:     component,
			Stage:     stage,
			Detail:    detail,
		})
	}
	if err := urRows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Timestamp < results[j].Timestamp
	})

	return results, nil
}

// --- helpers ---

func avg(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return math.Round(sum/float64(len(values))*10) / 10
}

func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper || upper >= len(sorted) {
		return math.Round(sorted[lower]*10) / 10
	}
	weight := rank - float64(lower)
	return math.Round((sorted[lower]*(1-weight)+sorted[upper]*weight)*10) / 10
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(n)/float64(total)*1000) / 10
}
