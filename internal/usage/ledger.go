// Package usage records billed operations performed by stage bodies and
// rolls them up into per-component statistics.
//
// A Ledger is created once per pipeline attempt and handed to every stage
// body explicitly. Because each attempt starts with an empty ledger, the
// cumulative picture across interrupted and resumed attempts is produced by
// Merge over persisted snapshots.
package usage

import (
	"sort"
	"sync"
	"time"
)

// Record is one billed operation. Records are never mutated once appended.
type Record struct {
	Timestamp   time.Time `json:"timestamp"`
	Component   string    `json:"component"`
	Variant     string    `json:"variant,omitempty"`
	InputUnits  int64     `json:"input_units"`
	OutputUnits int64     `json:"output_units"`
	Cost        float64   `json:"cost"`
	LatencyMS   int64     `json:"latency_ms"`
	Success     bool      `json:"success"`
	Error       string    `json:"error,omitempty"`
}

// ComponentStats is the rolled-up view of all records for one component.
type ComponentStats struct {
	Component   string         `json:"component"`
	Calls       int            `json:"calls"`
	Successes   int            `json:"successes"`
	Failures    int            `json:"failures"`
	InputUnits  int64          `json:"input_units"`
	OutputUnits int64          `json:"output_units"`
	Cost        float64        `json:"cost"`
	LatencyMS   int64          `json:"latency_ms"`
	Variants    map[string]int `json:"variants,omitempty"`
}

func (c ComponentStats) clone() ComponentStats {
	if c.Variants != nil {
		v := make(map[string]int, len(c.Variants))
		for k, n := range c.Variants {
			v[k] = n
		}
		c.Variants = v
	}
	return c
}

func (c *ComponentStats) add(r Record) {
	c.Calls++
	if r.Success {
		c.Successes++
	} else {
		c.Failures++
	}
	c.InputUnits += r.InputUnits
	c.OutputUnits += r.OutputUnits
	c.Cost += r.Cost
	c.LatencyMS += r.LatencyMS
	if r.Variant != "" {
		if c.Variants == nil {
			c.Variants = make(map[string]int)
		}
		c.Variants[r.Variant]++
	}
}

// Totals is the cheap aggregate the driver samples around a stage body to
// attribute cost and operation count to that stage.
type Totals struct {
	Calls int     `json:"calls"`
	Cost  float64 `json:"cost"`
}

// Sub returns t - o.
func (t Totals) Sub(o Totals) Totals {
	return Totals{Calls: t.Calls - o.Calls, Cost: t.Cost - o.Cost}
}

// Ledger accumulates Records. It is safe for concurrent use so a stage body
// may fan out sub-work and report from several goroutines.
type Ledger struct {
	mu      sync.Mutex
	records []Record
	stats   map[string]*ComponentStats
	totals  Totals
	now     func() time.Time
}

// NewLedger returns an empty ledger.
func NewLedger() *Ledger {
	return &Ledger{
		stats: make(map[string]*ComponentStats),
		now:   time.Now,
	}
}

// Record appends r and updates the component's statistics. A zero
// timestamp is filled in with the current time.
func (l *Ledger) Record(r Record) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if r.Timestamp.IsZero() {
		r.Timestamp = l.now().UTC()
	}
	l.records = append(l.records, r)

	cs, ok := l.stats[r.Component]
	if !ok {
		cs = &ComponentStats{Component: r.Component}
		l.stats[r.Component] = cs
	}
	cs.add(r)
	l.totals.Calls++
	l.totals.Cost += r.Cost
}

// Len returns the number of records appended so far.
func (l *Ledger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records)
}

// Records returns a copy of every record.
func (l *Ledger) Records() []Record {
	return l.Since(0)
}

// Since returns a copy of the records appended after the first n.
func (l *Ledger) Since(n int) []Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	if n < 0 {
		n = 0
	}
	if n >= len(l.records) {
		return nil
	}
	out := make([]Record, len(l.records)-n)
	copy(out, l.records[n:])
	return out
}

// Stats returns the statistics for one component.
func (l *Ledger) Stats(component string) (ComponentStats, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cs, ok := l.stats[component]
	if !ok {
		return ComponentStats{}, false
	}
	return cs.clone(), true
}

// Totals returns the running call count and cost.
func (l *Ledger) Totals() Totals {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.totals
}

// Summary derives the full roll-up from current in-memory state.
func (l *Ledger) Summary() Summary {
	l.mu.Lock()
	components := make([]ComponentStats, 0, len(l.stats))
	for _, cs := range l.stats {
		components = append(components, cs.clone())
	}
	l.mu.Unlock()
	return summarize(components)
}

// Summary is the aggregate view over a set of components.
type Summary struct {
	TotalCalls       int              `json:"total_calls"`
	TotalInputUnits  int64            `json:"total_input_units"`
	TotalOutputUnits int64            `json:"total_output_units"`
	TotalCost        float64          `json:"total_cost"`
	TotalLatencyMS   int64            `json:"total_latency_ms"`
	AverageLatencyMS float64          `json:"average_latency_ms"`
	Components       []ComponentStats `json:"components"`
}

// Component returns the named component's stats from the summary.
func (s Summary) Component(name string) (ComponentStats, bool) {
	for _, c := range s.Components {
		if c.Component == name {
			return c, true
		}
	}
	return ComponentStats{}, false
}

// summarize sorts components by name and recomputes every total from them.
func summarize(components []ComponentStats) Summary {
	sort.Slice(components, func(i, j int) bool {
		return components[i].Component < components[j].Component
	})
	s := Summary{Components: components}
	if s.Components == nil {
		s.Components = []ComponentStats{}
	}
	for _, c := range s.Components {
		s.TotalCalls += c.Calls
		s.TotalInputUnits += c.InputUnits
		s.TotalOutputUnits += c.OutputUnits
		s.TotalCost += c.Cost
		s.TotalLatencyMS += c.LatencyMS
	}
	if s.TotalCalls > 0 {
		s.AverageLatencyMS = float64(s.TotalLatencyMS) / float64(s.TotalCalls)
	}
	return s
}
