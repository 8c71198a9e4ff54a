package gate

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestCheck_AllMet(t *testing.T) {
	e := NewEvaluator(Thresholds{
		"discovery": {"min_files": 5, "coverage": 0.8},
	})
	res := e.Check("discovery", []Metric{
		CountMetric("min_files", 7),
		RatioMetric("coverage", 0.9),
	})
	if res.Status != StatusPass {
		t.Errorf("Status = %s, want PASS", res.Status)
	}
	if !res.Met["min_files"] || !res.Met["coverage"] {
		t.Errorf("Met = %v, want both true", res.Met)
	}
	if len(res.Details) != 0 || len(res.Warnings) != 0 {
		t.Errorf("unexpected details=%v warnings=%v", res.Details, res.Warnings)
	}
	if res.CountThresholds["min_files"] != 5 {
		t.Errorf("CountThresholds[min_files] = %d, want 5", res.CountThresholds["min_files"])
	}
	if _, ok := res.CountThresholds["coverage"]; ok {
		t.Error("ratio metric should not appear in CountThresholds")
	}
}

func TestCheck_RatioToleranceBand(t *testing.T) {
	e := NewEvaluator(Thresholds{"t": {"coverage": 0.80}})

	near := e.Check("t", []Metric{RatioMetric("coverage", 0.75)})
	if !near.Met["coverage"] {
		t.Error("0.75 against 0.80 should be met within tolerance")
	}
	if len(near.Warnings) != 1 {
		t.Fatalf("expected 1 warning, got %v", near.Warnings)
	}
	if near.Status != StatusWarn {
		t.Errorf("Status = %s, want WARN", near.Status)
	}
	if !strings.Contains(near.Warnings[0], "75.0%") || !strings.Contains(near.Warnings[0], "80.0%") {
		t.Errorf("warning should show percentages, got %q", near.Warnings[0])
	}

	miss := e.Check("t", []Metric{RatioMetric("coverage", 0.70)})
	if miss.Met["coverage"] {
		t.Error("0.70 against 0.80 should be unmet")
	}
	if len(miss.Warnings) != 0 {
		t.Errorf("unmet ratio should not warn, got %v", miss.Warnings)
	}
	if miss.Status != StatusFail {
		t.Errorf("Status = %s, want FAIL", miss.Status)
	}
}

func TestCheck_CountDetail(t *testing.T) {
	e := NewEvaluator(Thresholds{"t": {"min_files": 5}})
	res := e.Check("t", []Metric{CountMetric("min_files", 3)})
	if res.Status != StatusFail {
		t.Errorf("Status = %s, want FAIL", res.Status)
	}
	if len(res.Details) != 1 {
		t.Fatalf("Details = %v, want one entry", res.Details)
	}
	if res.Details[0] != "min_files: 3 below minimum 5" {
		t.Errorf("Details[0] = %q", res.Details[0])
	}
	if strings.Contains(res.Details[0], "%") {
		t.Error("count metric must not be shown as a percentage")
	}
}

func TestCheck_FractionalCountBelowMinimum(t *testing.T) {
	e := NewEvaluator(Thresholds{"t": {"items": 5}})
	res := e.Check("t", []Metric{{Name: "items", Kind: Count, Value: 4.6}})
	if res.Status != StatusFail || res.Met["items"] {
		t.Errorf("Status = %s, Met = %v; 4.6 must not meet a minimum of 5", res.Status, res.Met)
	}
	if len(res.Details) != 1 || res.Details[0] != "items: 4.6 below minimum 5" {
		t.Errorf("Details = %v", res.Details)
	}

	res = e.Check("t", []Metric{CountMetric("items", 5)})
	if res.Status != StatusPass {
		t.Errorf("Status = %s, want PASS at the minimum", res.Status)
	}
}

func TestCheck_NoThresholds(t *testing.T) {
	e := NewEvaluator(nil)
	res := e.Check("render", []Metric{CountMetric("pages", 0)})
	if res.Status != StatusWarn {
		t.Errorf("Status = %s, want WARN", res.Status)
	}
	if len(res.Details) != 1 || res.Details[0] != "no thresholds configured for transition render" {
		t.Errorf("Details = %v", res.Details)
	}
	if res.Metrics["pages"] != 0 {
		t.Errorf("Metrics should still be recorded, got %v", res.Metrics)
	}
}

func TestCheck_UnjudgedAndMissingMetrics(t *testing.T) {
	e := NewEvaluator(Thresholds{"t": {"a": 1, "b": 1}})
	res := e.Check("t", []Metric{CountMetric("a", 2), CountMetric("extra", 9)})
	if _, judged := res.Met["extra"]; judged {
		t.Error("metric without threshold should not be judged")
	}
	if res.Metrics["extra"] != 9 {
		t.Errorf("Metrics[extra] = %v, want 9", res.Metrics["extra"])
	}
	if res.Status != StatusWarn {
		t.Errorf("Status = %s, want WARN for unreported threshold", res.Status)
	}
	if len(res.Warnings) != 1 || res.Warnings[0] != "b: not reported" {
		t.Errorf("Warnings = %v", res.Warnings)
	}
}

func TestHistoryAndSummary(t *testing.T) {
	e := NewEvaluator(Thresholds{"a": {"n": 1}, "b": {"n": 1}})
	e.Check("a", []Metric{CountMetric("n", 1)})
	e.Check("b", []Metric{CountMetric("n", 0)})
	e.Check("c", nil)

	h := e.History()
	if len(h) != 3 {
		t.Fatalf("History len = %d, want 3", len(h))
	}
	h[0].Met["n"] = false
	if !e.History()[0].Met["n"] {
		t.Error("History must return copies")
	}

	s := e.Summary()
	if s.Total != 3 || s.Passed != 1 || s.Failed != 1 || s.Warned != 1 {
		t.Errorf("Summary = %+v", s)
	}
	if len(s.FailedTransitions) != 1 || s.FailedTransitions[0] != "b" {
		t.Errorf("FailedTransitions = %v", s.FailedTransitions)
	}
}

func TestKindJSON(t *testing.T) {
	var m Metric
	if err := json.Unmarshal([]byte(`{"name":"cov","kind":"ratio","value":0.5}`), &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if m.Kind != Ratio {
		t.Errorf("Kind = %v, want ratio", m.Kind)
	}
	if err := json.Unmarshal([]byte(`{"kind":"percent"}`), &m); err == nil {
		t.Error("expected error for unknown kind")
	}
	if _, err := ParseKind("COUNT"); err != nil {
		t.Errorf("ParseKind should be case-insensitive: %v", err)
	}
}
