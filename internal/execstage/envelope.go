package execstage

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/lucasnoah/stagehand/internal/gate"
	"github.com/lucasnoah/stagehand/internal/usage"
)

// Request is written to the command's stdin.
type Request struct {
	Stage  string         `json:"stage"`
	ID     string         `json:"id"`
	Inputs map[string]any `json:"inputs"`
	Batch  []string       `json:"batch,omitempty"`
	Index  int            `json:"batch_index,omitempty"`
	Prompt string         `json:"prompt,omitempty"`
}

// UsageEntry is one billed operation reported by a command.
type UsageEntry struct {
	Component   string  `json:"component"`
	Variant     string  `json:"variant,omitempty"`
	InputUnits  int64   `json:"input_units"`
	OutputUnits int64   `json:"output_units"`
	Cost        float64 `json:"cost"`
	LatencyMS   int64   `json:"latency_ms"`
	Success     *bool   `json:"success,omitempty"`
	Error       string  `json:"error,omitempty"`
}

func (u UsageEntry) record(defaultComponent string) usage.Record {
	r := usage.Record{
		Component:   u.Component,
		Variant:     u.Variant,
		InputUnits:  u.InputUnits,
		OutputUnits: u.OutputUnits,
		Cost:        u.Cost,
		LatencyMS:   u.LatencyMS,
		Success:     u.Error == "",
		Error:       u.Error,
	}
	if u.Success != nil {
		r.Success = *u.Success
	}
	if r.Component == "" {
		r.Component = defaultComponent
	}
	return r
}

// Envelope is what a command prints on stdout. It is also the stage's
// checkpoint payload, minus usage, which is only ever reported once.
type Envelope struct {
	Output    any               `json:"output"`
	Artifacts map[string]string `json:"artifacts,omitempty"`
	Metrics   []gate.Metric     `json:"metrics,omitempty"`
	Usage     []UsageEntry      `json:"usage,omitempty"`
	Count     *int              `json:"count,omitempty"`
}

// parseEnvelope decodes stdout. Leading log noise before the JSON object is
// tolerated; the envelope is the last top-level object on stdout.
func parseEnvelope(stdout string) (Envelope, error) {
	var env Envelope
	trimmed := strings.TrimSpace(stdout)
	if trimmed == "" {
		return env, fmt.Errorf("empty stdout")
	}
	if err := json.Unmarshal([]byte(trimmed), &env); err == nil {
		return env, nil
	}
	if i := strings.LastIndex(trimmed, "\n{"); i >= 0 {
		if err := json.Unmarshal([]byte(trimmed[i+1:]), &env); err == nil {
			return env, nil
		}
	}
	return env, fmt.Errorf("stdout is not a JSON envelope: %q", tail(trimmed, 3))
}

// count returns the envelope's declared count, falling back to the length
// of an array output.
func (e Envelope) count() *int {
	if e.Count != nil {
		return e.Count
	}
	if arr, ok := e.Output.([]any); ok {
		n := len(arr)
		return &n
	}
	return nil
}

// mergeEnvelopes combines batch results in batch order. Array outputs are
// concatenated, other outputs appended as elements. Count metrics are
// summed; ratio metrics are averaged over the batches that reported them.
func mergeEnvelopes(parts []Envelope) Envelope {
	merged := Envelope{Output: []any{}}
	out := []any{}
	counted := false
	total := 0

	type acc struct {
		kind  gate.Kind
		sum   float64
		n     int
		order int
	}
	metrics := map[string]*acc{}

	for _, p := range parts {
		switch v := p.Output.(type) {
		case nil:
		case []any:
			out = append(out, v...)
		default:
			out = append(out, v)
		}
		for rel, content := range p.Artifacts {
			if merged.Artifacts == nil {
				merged.Artifacts = make(map[string]string)
			}
			merged.Artifacts[rel] = content
		}
		for _, m := range p.Metrics {
			a, ok := metrics[m.Name]
			if !ok {
				a = &acc{kind: m.Kind, order: len(metrics)}
				metrics[m.Name] = a
			}
			a.sum += m.Value
			a.n++
		}
		merged.Usage = append(merged.Usage, p.Usage...)
		if c := p.Count; c != nil {
			counted = true
			total += *c
		}
	}
	merged.Output = out
	if counted {
		merged.Count = &total
	}

	names := make([]string, 0, len(metrics))
	for name := range metrics {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool { return metrics[names[i]].order < metrics[names[j]].order })
	for _, name := range names {
		a := metrics[name]
		v := a.sum
		if a.kind == gate.Ratio {
			v = a.sum / float64(a.n)
		}
		merged.Metrics = append(merged.Metrics, gate.Metric{Name: name, Kind: a.kind, Value: v})
	}
	return merged
}

// stringItems converts a decoded JSON array to strings. Non-string
// elements are re-encoded as JSON.
func stringItems(v any) ([]string, error) {
	if e, ok := v.(Envelope); ok {
		v = e.Output
	}
	arr, ok := v.([]any)
	if !ok {
		if ss, ok := v.([]string); ok {
			return ss, nil
		}
		return nil, fmt.Errorf("batch source output is %T, want a JSON array", v)
	}
	items := make([]string, 0, len(arr))
	for _, el := range arr {
		if s, ok := el.(string); ok {
			items = append(items, s)
			continue
		}
		b, err := json.Marshal(el)
		if err != nil {
			return nil, err
		}
		items = append(items, string(b))
	}
	return items, nil
}
