package execstage

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/lucasnoah/stagehand/internal/driver"
	"github.com/lucasnoah/stagehand/internal/gate"
	"github.com/lucasnoah/stagehand/internal/pipeline"
	"github.com/lucasnoah/stagehand/internal/stageid"
)

// mockCmd dispatches on the command string and records every call.
type mockCmd struct {
	mu       sync.Mutex
	calls    []mockCall
	handlers map[string]func(req Request) mockResult
}

type mockCall struct {
	Dir     string
	Command string
	Request Request
}

type mockResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Err      error
}

func (m *mockCmd) Run(ctx context.Context, dir string, command string, stdin []byte) (string, string, int, error) {
	var req Request
	if err := json.Unmarshal(stdin, &req); err != nil {
		return "", "", -1, err
	}
	m.mu.Lock()
	m.calls = append(m.calls, mockCall{Dir: dir, Command: command, Request: req})
	h := m.handlers[command]
	m.mu.Unlock()
	if h == nil {
		return "", "no such command", 127, nil
	}
	r := h(req)
	return r.Stdout, r.Stderr, r.ExitCode, r.Err
}

func (m *mockCmd) callsFor(command string) []mockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []mockCall
	for _, c := range m.calls {
		if c.Command == command {
			out = append(out, c)
		}
	}
	return out
}

func envelopeJSON(t *testing.T, e map[string]any) string {
	t.Helper()
	b, err := json.Marshal(e)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func runStages(t *testing.T, dir string, thresholds gate.Thresholds, stages ...driver.Stage) (*driver.Report, error) {
	t.Helper()
	d, err := driver.New(stages, driver.Options{
		Pipeline:   "test",
		Layout:     pipeline.NewLayout(dir),
		Thresholds: thresholds,
	})
	if err != nil {
		t.Fatalf("driver.New: %v", err)
	}
	return d.Run(context.Background())
}

func TestStage_HappyPath(t *testing.T) {
	mock := &mockCmd{handlers: map[string]func(Request) mockResult{
		"./discover.sh": func(Request) mockResult {
			return mockResult{Stdout: envelopeJSON(t, map[string]any{
				"output":    []string{"a.go", "b.go"},
				"artifacts": map[string]string{"files/list.txt": "a.go\nb.go"},
				"metrics":   []map[string]any{{"name": "files", "kind": "count", "value": 2}},
				"usage":     []map[string]any{{"component": "scanner", "variant": "fast", "cost": 0.5, "latency_ms": 10}},
			})}
		},
	}}
	dir := t.TempDir()
	st := Stage(Spec{ID: stageid.Int(1), Name: "discover", Command: "./discover.sh", Dir: "/work", Output: "files", Gate: "discovery"}, mock)

	rep, err := runStages(t, dir, gate.Thresholds{"discovery": {"files": 5}}, st)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	rec := rep.Records[0]
	if rec.Status != pipeline.StatusCompleted {
		t.Fatalf("expected completed, got %q (%s)", rec.Status, rec.Error)
	}
	out, ok := rec.Output("files")
	if !ok || out.Count == nil || *out.Count != 2 {
		t.Errorf("expected files output with count 2, got %+v", rec.Outputs)
	}
	if rec.Cost != 0.5 || rec.Operations != 1 {
		t.Errorf("expected cost 0.5 over 1 op, got %v over %d", rec.Cost, rec.Operations)
	}
	if rec.Gate == nil || rec.Gate.Status != gate.StatusFail {
		t.Errorf("expected FAIL gate, got %+v", rec.Gate)
	}
	data, err := os.ReadFile(filepath.Join(dir, "artifacts", "files", "list.txt"))
	if err != nil || string(data) != "a.go\nb.go" {
		t.Errorf("artifact = %q, %v", data, err)
	}
	calls := mock.callsFor("./discover.sh")
	if len(calls) != 1 || calls[0].Dir != "/work" {
		t.Fatalf("expected 1 call in /work, got %+v", calls)
	}
	if calls[0].Request.Stage != "discover" || calls[0].Request.ID != "1" {
		t.Errorf("request = %+v", calls[0].Request)
	}
	stats, ok := rep.Usage.Component("scanner")
	if !ok || stats.Variants["fast"] != 1 {
		t.Errorf("scanner usage = %+v", stats)
	}
}

func TestStage_PassesEarlierOutputs(t *testing.T) {
	mock := &mockCmd{handlers: map[string]func(Request) mockResult{
		"first": func(Request) mockResult {
			return mockResult{Stdout: `{"output": {"title": "Guide"}}`}
		},
		"second": func(req Request) mockResult {
			first, _ := req.Inputs["first"].(map[string]any)
			return mockResult{Stdout: envelopeJSON(t, map[string]any{"output": "saw " + first["title"].(string)})}
		},
	}}
	rep, err := runStages(t, t.TempDir(), nil,
		Stage(Spec{ID: stageid.Int(1), Name: "first", Command: "first"}, mock),
		Stage(Spec{ID: stageid.Int(2), Name: "second", Command: "second"}, mock),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(rep.Records[1].Inputs) != 1 || rep.Records[1].Inputs[0].Name != "first" {
		t.Errorf("expected first recorded as input, got %+v", rep.Records[1].Inputs)
	}
	calls := mock.callsFor("second")
	if len(calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(calls))
	}
	if _, ok := calls[0].Request.Inputs["first"]; !ok {
		t.Errorf("inputs = %+v", calls[0].Request.Inputs)
	}
}

func TestStage_BatchMode(t *testing.T) {
	mock := &mockCmd{handlers: map[string]func(Request) mockResult{
		"list": func(Request) mockResult {
			return mockResult{Stdout: `{"output": ["a", "b", "c", "d", "e"]}`}
		},
		"upper": func(req Request) mockResult {
			var out []string
			for _, it := range req.Batch {
				out = append(out, strings.ToUpper(it))
			}
			return mockResult{Stdout: envelopeJSON(t, map[string]any{
				"output":  out,
				"metrics": []map[string]any{{"name": "done", "kind": "count", "value": len(out)}, {"name": "quality", "kind": "ratio", "value": 0.5 + 0.25*float64(req.Index%2)}},
				"usage":   []map[string]any{{"component": "llm", "cost": 0.1}},
				"count":   len(out),
			})}
		},
	}}
	spec := Spec{
		ID: stageid.Int(2), Name: "summarize", Command: "upper",
		Batch: &BatchSpec{ItemsFrom: "list", MaxUnits: 1000, MaxItems: 2, Concurrency: 3},
	}
	rep, err := runStages(t, t.TempDir(), nil,
		Stage(Spec{ID: stageid.Int(1), Name: "list", Command: "list"}, mock),
		Stage(spec, mock),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	calls := mock.callsFor("upper")
	if len(calls) != 3 {
		t.Fatalf("expected 3 batch calls, got %d", len(calls))
	}
	rec := rep.Records[1]
	if rec.Operations != 3 {
		t.Errorf("expected 3 usage records, got %d", rec.Operations)
	}
	out, _ := rec.Output(DefaultOutputName)
	if out.Count == nil || *out.Count != 5 {
		t.Errorf("expected merged count 5, got %+v", out)
	}

	merged := mergeEnvelopes([]Envelope{
		{Output: []any{"A", "B"}, Metrics: []gate.Metric{gate.CountMetric("done", 2), gate.RatioMetric("quality", 0.5)}},
		{Output: []any{"C"}, Metrics: []gate.Metric{gate.CountMetric("done", 1), gate.RatioMetric("quality", 1)}},
		{Output: "D"},
	})
	if got := merged.Output.([]any); len(got) != 4 || got[3] != "D" {
		t.Errorf("merged output = %v", got)
	}
	if merged.Metrics[0].Value != 3 || merged.Metrics[1].Value != 0.75 {
		t.Errorf("merged metrics = %+v", merged.Metrics)
	}
}

func TestStage_BatchTemplate(t *testing.T) {
	mock := &mockCmd{handlers: map[string]func(Request) mockResult{
		"list": func(Request) mockResult {
			return mockResult{Stdout: `{"output": ["a", "b", "c"]}`}
		},
		"echo": func(req Request) mockResult {
			return mockResult{Stdout: envelopeJSON(t, map[string]any{"output": req.Batch})}
		},
	}}
	spec := Spec{
		ID: stageid.Int(2), Name: "summarize", Command: "echo",
		Batch: &BatchSpec{
			ItemsFrom: "list",
			Template:  "{{stage}} {{batch_index}}/{{batch_count}}{{#if items}}: {{items}}{{/if}}",
			MaxUnits:  1000,
			MaxItems:  2,
		},
	}
	_, err := runStages(t, t.TempDir(), nil,
		Stage(Spec{ID: stageid.Int(1), Name: "list", Command: "list"}, mock),
		Stage(spec, mock),
	)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	prompts := map[int]string{}
	for _, c := range mock.callsFor("echo") {
		prompts[c.Request.Index] = c.Request.Prompt
	}
	want := map[int]string{0: "summarize 0/2: a\nb", 1: "summarize 1/2: c"}
	for i, w := range want {
		if prompts[i] != w {
			t.Errorf("batch %d prompt = %q, want %q", i, prompts[i], w)
		}
	}
}

func TestStage_BatchTemplateMissingVar(t *testing.T) {
	mock := &mockCmd{handlers: map[string]func(Request) mockResult{
		"list": func(Request) mockResult {
			return mockResult{Stdout: `{"output": ["a"]}`}
		},
	}}
	spec := Spec{
		ID: stageid.Int(2), Name: "summarize", Command: "echo",
		Batch: &BatchSpec{ItemsFrom: "list", Template: "{{nope}}", MaxUnits: 1000},
	}
	_, err := runStages(t, t.TempDir(), nil,
		Stage(Spec{ID: stageid.Int(1), Name: "list", Command: "list"}, mock),
		Stage(spec, mock),
	)
	if err == nil || !strings.Contains(err.Error(), "nope") {
		t.Fatalf("expected template error naming the variable, got %v", err)
	}
	if n := len(mock.callsFor("echo")); n != 0 {
		t.Errorf("command should not run with a broken template, got %d calls", n)
	}
}

func TestStage_NonZeroExit(t *testing.T) {
	mock := &mockCmd{handlers: map[string]func(Request) mockResult{
		"fail": func(Request) mockResult {
			return mockResult{
				Stdout:   `{"usage": [{"component": "llm", "cost": 0.3, "success": false, "error": "rate limited"}]}`,
				Stderr:   "line1\nline2\nrate limited\n",
				ExitCode: 2,
			}
		},
	}}
	rep, err := runStages(t, t.TempDir(), nil, Stage(Spec{ID: stageid.Int(1), Name: "fail", Command: "fail"}, mock))
	var se *driver.StageError
	if !errors.As(err, &se) {
		t.Fatalf("expected StageError, got %v", err)
	}
	if !strings.Contains(err.Error(), "command exited 2") || !strings.Contains(err.Error(), "rate limited") {
		t.Errorf("error = %v", err)
	}
	if rep.Records[0].Cost != 0.3 {
		t.Errorf("expected failed call's usage recorded, cost = %v", rep.Records[0].Cost)
	}
	llm, _ := rep.Usage.Component("llm")
	if llm.Failures != 1 {
		t.Errorf("llm stats = %+v", llm)
	}
}

func TestParseEnvelope(t *testing.T) {
	tests := []struct {
		name    string
		stdout  string
		wantErr bool
		count   int
	}{
		{name: "plain", stdout: `{"output": [1, 2]}`, count: 2},
		{name: "log noise first", stdout: "warming up\nstill going\n{\"output\": [1, 2, 3]}\n", count: 3},
		{name: "explicit count", stdout: `{"output": "x", "count": 7}`, count: 7},
		{name: "empty", stdout: "  \n", wantErr: true},
		{name: "not json", stdout: "done!", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := parseEnvelope(tt.stdout)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if c := env.count(); c == nil || *c != tt.count {
				t.Errorf("count = %v, want %d", c, tt.count)
			}
		})
	}
}

func TestStringItems(t *testing.T) {
	items, err := stringItems(Envelope{Output: []any{"a", 1.5, map[string]any{"k": "v"}}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"a", "1.5", `{"k":"v"}`}
	if strings.Join(items, "|") != strings.Join(want, "|") {
		t.Errorf("items = %q", items)
	}
	if _, err := stringItems("scalar"); err == nil {
		t.Error("expected error for non-array output")
	}
}

func TestExecRunner(t *testing.T) {
	r := &ExecRunner{Env: []string{"STAGEHAND_TEST=yes"}}
	stdout, _, code, err := r.Run(context.Background(), t.TempDir(), `cat; printf " $STAGEHAND_TEST"`, []byte("hello"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if code != 0 || stdout != "hello yes" {
		t.Errorf("stdout=%q code=%d", stdout, code)
	}

	_, stderr, code, err := r.Run(context.Background(), t.TempDir(), "echo oops >&2; exit 3", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if code != 3 || strings.TrimSpace(stderr) != "oops" {
		t.Errorf("stderr=%q code=%d", stderr, code)
	}
}

func TestTail(t *testing.T) {
	if got := tail("a\nb\nc\nd\n", 2); got != "c\nd" {
		t.Errorf("tail = %q", got)
	}
	if got := tail("one", 5); got != "one" {
		t.Errorf("tail = %q", got)
	}
}
