// Package gate evaluates quality thresholds at stage transitions.
package gate

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// WarnBand is the fraction of a ratio threshold below which a near miss
// stops being tolerated.
const WarnBand = 0.9

// Kind distinguishes raw quantities from 0..1 fractions.
type Kind int

const (
	Count Kind = iota
	Ratio
)

func (k Kind) String() string {
	switch k {
	case Count:
		return "count"
	case Ratio:
		return "ratio"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind parses "count" or "ratio".
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "count":
		return Count, nil
	case "ratio":
		return Ratio, nil
	}
	return 0, fmt.Errorf("unknown metric kind %q (expected count or ratio)", s)
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Metric is one measured value reported at a transition.
type Metric struct {
	Name  string  `json:"name"`
	Kind  Kind    `json:"kind"`
	Value float64 `json:"value"`
}

// CountMetric builds a count metric.
func CountMetric(name string, v int) Metric {
	return Metric{Name: name, Kind: Count, Value: float64(v)}
}

// RatioMetric builds a ratio metric.
func RatioMetric(name string, v float64) Metric {
	return Metric{Name: name, Kind: Ratio, Value: v}
}

// Status is the overall verdict of a gate check.
type Status string

const (
	StatusPass Status = "PASS"
	StatusWarn Status = "WARN"
	StatusFail Status = "FAIL"
)

// Result is the outcome of one Check call.
type Result struct {
	Status          Status             `json:"status"`
	Transition      string             `json:"transition"`
	Metrics         map[string]float64 `json:"metrics"`
	Met             map[string]bool    `json:"met"`
	Details         []string           `json:"details,omitempty"`
	Warnings        []string           `json:"warnings,omitempty"`
	CountThresholds map[string]int     `json:"count_thresholds,omitempty"`
	Annotations     map[string]string  `json:"annotations,omitempty"`
	Timestamp       time.Time          `json:"timestamp"`
}

// Clone returns a deep copy of r.
func (r Result) Clone() Result {
	out := r
	out.Metrics = cloneMap(r.Metrics)
	out.Met = cloneMap(r.Met)
	out.CountThresholds = cloneMap(r.CountThresholds)
	out.Annotations = cloneMap(r.Annotations)
	out.Details = append([]string(nil), r.Details...)
	out.Warnings = append([]string(nil), r.Warnings...)
	return out
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	if m == nil {
		return nil
	}
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Thresholds maps transition name to metric name to minimum value.
type Thresholds map[string]map[string]float64

// Evaluator checks metrics against Thresholds and keeps every result.
type Evaluator struct {
	mu         sync.Mutex
	thresholds Thresholds
	history    []Result
	now        func() time.Time
}

// NewEvaluator returns an evaluator over t. A nil t is valid and makes
// every transition report WARN.
func NewEvaluator(t Thresholds) *Evaluator {
	return &Evaluator{thresholds: t, now: time.Now}
}

// Check judges metrics for transition and appends the result to history.
func (e *Evaluator) Check(transition string, metrics []Metric) Result {
	res := Result{
		Transition: transition,
		Metrics:    make(map[string]float64, len(metrics)),
		Met:        make(map[string]bool, len(metrics)),
		Timestamp:  e.now().UTC(),
	}
	for _, m := range metrics {
		res.Metrics[m.Name] = m.Value
	}

	limits := e.thresholds[transition]
	if len(limits) == 0 {
		res.Status = StatusWarn
		res.Details = append(res.Details, fmt.Sprintf("no thresholds configured for transition %s", transition))
		e.append(res)
		return res
	}

	failed := false
	for _, m := range metrics {
		threshold, ok := limits[m.Name]
		if !ok {
			continue
		}
		switch m.Kind {
		case Count:
			if res.CountThresholds == nil {
				res.CountThresholds = make(map[string]int)
			}
			res.CountThresholds[m.Name] = int(math.Ceil(threshold))
			met := m.Value >= threshold
			res.Met[m.Name] = met
			if !met {
				failed = true
				res.Details = append(res.Details, fmt.Sprintf("%s: %s below minimum %s", m.Name, formatCount(m.Value), formatCount(threshold)))
			}
		case Ratio:
			switch {
			case m.Value >= threshold:
				res.Met[m.Name] = true
			case m.Value >= threshold*WarnBand:
				res.Met[m.Name] = true
				res.Warnings = append(res.Warnings, fmt.Sprintf("%s: %s below target %s (within tolerance)", m.Name, percent(m.Value), percent(threshold)))
			default:
				res.Met[m.Name] = false
				failed = true
				res.Details = append(res.Details, fmt.Sprintf("%s: %s below target %s", m.Name, percent(m.Value), percent(threshold)))
			}
		default:
			res.Met[m.Name] = false
			failed = true
			res.Details = append(res.Details, fmt.Sprintf("%s: unsupported metric kind %s", m.Name, m.Kind))
		}
	}

	// Thresholds with no reported metric are flagged but not failed.
	missing := make([]string, 0)
	for name := range limits {
		if _, ok := res.Metrics[name]; !ok {
			missing = append(missing, name)
		}
	}
	sort.Strings(missing)
	for _, name := range missing {
		res.Warnings = append(res.Warnings, fmt.Sprintf("%s: not reported", name))
	}

	switch {
	case failed:
		res.Status = StatusFail
	case len(res.Warnings) > 0:
		res.Status = StatusWarn
	default:
		res.Status = StatusPass
	}
	e.append(res)
	return res
}

func (e *Evaluator) append(r Result) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.history = append(e.history, r.Clone())
}

func percent(v float64) string {
	return fmt.Sprintf("%.1f%%", v*100)
}

// History returns every result produced so far, oldest first.
func (e *Evaluator) History() []Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Result, len(e.history))
	for i, r := range e.history {
		out[i] = r.Clone()
	}
	return out
}

// Summary counts results per status.
type Summary struct {
	Total             int      `json:"total"`
	Passed            int      `json:"passed"`
	Warned            int      `json:"warned"`
	Failed            int      `json:"failed"`
	FailedTransitions []string `json:"failed_transitions,omitempty"`
}

// Summary rolls up the history for the final report.
func (e *Evaluator) Summary() Summary {
	e.mu.Lock()
	defer e.mu.Unlock()
	var s Summary
	for _, r := range e.history {
		s.Total++
		switch r.Status {
		case StatusPass:
			s.Passed++
		case StatusWarn:
			s.Warned++
		case StatusFail:
			s.Failed++
			s.FailedTransitions = append(s.FailedTransitions, r.Transition)
		}
	}
	return s
}

// formatCount formats a count metric, without decimals when it is whole.
func formatCount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
