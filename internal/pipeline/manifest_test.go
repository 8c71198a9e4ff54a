package pipeline

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/lucasnoah/stagehand/internal/gate"
	"github.com/lucasnoah/stagehand/internal/stageid"
)

func newTestManifest(t *testing.T) *Manifest {
	t.Helper()
	return NewManifest(filepath.Join(t.TempDir(), "manifest.json"), "docs", nil)
}

func TestBeginEndStageCompleted(t *testing.T) {
	m := newTestManifest(t)
	m.StartAttempt(nil, Attempt{ID: "a1", Mode: ModeFresh, StartedAt: time.Now()})

	h := m.BeginStage(stageid.Int(1), "discover", "find sources")
	h.RecordInput(Ref{Name: "repo", Kind: "config"})
	h.RecordOutput(Ref{Name: "files", Kind: "data", Count: IntPtr(12)})

	if len(m.Records()) != 0 {
		t.Fatal("BeginStage should not append a record")
	}

	rec := m.EndStage(h, Outcome{Cost: 1.5, Operations: 3})
	if rec.Status != StatusCompleted {
		t.Errorf("Status = %q, want completed", rec.Status)
	}
	if rec.Attempt != "a1" {
		t.Errorf("Attempt = %q, want a1", rec.Attempt)
	}

	st, err := LoadManifest(m.Path())
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	if st.Pipeline != "docs" {
		t.Errorf("Pipeline = %q, want docs", st.Pipeline)
	}
	if len(st.Records) != 1 {
		t.Fatalf("Records = %d, want 1", len(st.Records))
	}
	got := st.Records[0]
	if got.Cost != 1.5 || got.Operations != 3 {
		t.Errorf("Cost/Operations = %v/%d", got.Cost, got.Operations)
	}
	if len(got.Inputs) != 1 || len(got.Outputs) != 1 || *got.Outputs[0].Count != 12 {
		t.Errorf("refs not persisted: %+v", got)
	}
	if got.ID != stageid.Int(1) {
		t.Errorf("ID = %v, want 1", got.ID)
	}
}

func TestEndStageFailedStillRecorded(t *testing.T) {
	m := newTestManifest(t)
	h := m.BeginStage(stageid.Int(2), "summarize", "")
	rec := m.EndStage(h, Outcome{Err: errors.New("provider timeout"), Cost: 0.2})

	if rec.Status != StatusFailed {
		t.Errorf("Status = %q, want failed", rec.Status)
	}
	if rec.Error != "provider timeout" {
		t.Errorf("Error = %q", rec.Error)
	}
	st, _ := LoadManifest(m.Path())
	if len(st.Records) != 1 || st.Records[0].Status != StatusFailed {
		t.Errorf("failed record not persisted: %+v", st.Records)
	}
}

func TestSkipStage(t *testing.T) {
	m := newTestManifest(t)
	rec := m.SkipStage(stageid.MustParse("8.5"), "insert", "", SkipDryRun)
	if rec.Status != StatusSkipped || rec.SkipReason != "dry_run" {
		t.Errorf("record = %+v", rec)
	}
	st, _ := LoadManifest(m.Path())
	if st.Records[0].ID.String() != "8.5" {
		t.Errorf("ID = %s, want 8.5", st.Records[0].ID)
	}
}

func TestSaveHookRunsAfterEveryTransition(t *testing.T) {
	m := newTestManifest(t)
	calls := 0
	m.OnSave(func() {
		if _, err := os.Stat(m.Path()); err != nil {
			t.Errorf("hook ran before manifest was written: %v", err)
		}
		calls++
	})

	m.SkipStage(stageid.Int(1), "a", "", SkipDisabled)
	h := m.BeginStage(stageid.Int(2), "b", "")
	m.EndStage(h, Outcome{})
	h = m.BeginStage(stageid.Int(3), "c", "")
	m.EndStage(h, Outcome{Err: errors.New("boom")})

	if calls != 3 {
		t.Errorf("hook calls = %d, want 3", calls)
	}
}

func TestPersistErrorIsCountedNotFatal(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	m := NewManifest(filepath.Join(blocker, "manifest.json"), "docs", nil)

	hooked := false
	m.OnSave(func() { hooked = true })
	m.SkipStage(stageid.Int(1), "a", "", SkipDisabled)

	if m.PersistErrors() != 1 {
		t.Errorf("PersistErrors = %d, want 1", m.PersistErrors())
	}
	if !hooked {
		t.Error("hook should still run after a failed write")
	}
	if len(m.Records()) != 1 {
		t.Error("in-memory record should be kept after a failed write")
	}

	m.RecordPersistError("usage.json", errors.New("disk full"))
	if m.PersistErrors() != 2 {
		t.Errorf("PersistErrors = %d, want 2", m.PersistErrors())
	}
}

func TestValidatePrerequisites(t *testing.T) {
	m := newTestManifest(t)

	h := m.BeginStage(stageid.Int(1), "discover", "")
	h.RecordOutput(Ref{Name: "files", Kind: "data", Count: IntPtr(0)})
	m.EndStage(h, Outcome{})

	h = m.BeginStage(stageid.Int(2), "summarize", "")
	h.RecordOutput(Ref{Name: "other", Kind: "data"})
	g := gate.Result{Status: gate.StatusPass, Transition: "summary"}
	m.EndStage(h, Outcome{Gate: &g})

	h = m.BeginStage(stageid.Int(3), "render", "")
	h.RecordOutput(Ref{Name: "pages", Kind: "file", Count: IntPtr(4)})
	m.EndStage(h, Outcome{})

	h = m.BeginStage(stageid.Int(4), "publish", "")
	m.EndStage(h, Outcome{Err: errors.New("nope")})

	warnings := m.ValidatePrerequisites(map[string]string{
		"discover":  "files",
		"summarize": "summaries",
		"render":    "pages",
		"publish":   "url",
	})
	if len(warnings) != 2 {
		t.Fatalf("warnings = %+v, want 2", warnings)
	}
	if warnings[0].Stage != "discover" || warnings[0].Message != `required output "files" is empty` {
		t.Errorf("warnings[0] = %+v", warnings[0])
	}
	if warnings[1].Stage != "summarize" || warnings[1].Message != `required output "summaries" missing` {
		t.Errorf("warnings[1] = %+v", warnings[1])
	}

	st, err := LoadManifest(m.Path())
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	disc := st.Records[0]
	if disc.Gate == nil || disc.Gate.Status != gate.StatusWarn {
		t.Fatalf("discover gate = %+v, want synthesized WARN", disc.Gate)
	}
	if disc.Gate.Annotations["output_validation"] != "empty" {
		t.Errorf("annotation = %v", disc.Gate.Annotations)
	}
	sum := st.Records[1]
	if sum.Gate.Status != gate.StatusPass || sum.Gate.Annotations["output_validation"] != "empty" {
		t.Errorf("summarize gate = %+v, want existing status kept and annotated", sum.Gate)
	}
	if st.Records[2].Gate != nil {
		t.Error("render should not be annotated")
	}
	if g.Annotations != nil {
		t.Error("caller's gate result must not be mutated")
	}
}

func TestAttemptsCarriedOver(t *testing.T) {
	m := newTestManifest(t)
	prev := &State{Attempts: []Attempt{{ID: "old", Mode: ModeFresh, Status: "failed"}}}
	m.StartAttempt(prev, Attempt{ID: "new", Mode: ModeResume, ResumedFrom: 1})
	m.FinishAttempt("completed", nil)

	st, _ := LoadManifest(m.Path())
	if len(st.Attempts) != 2 {
		t.Fatalf("Attempts = %d, want 2", len(st.Attempts))
	}
	if st.Attempts[1].Status != "completed" || st.Attempts[1].FinishedAt == nil {
		t.Errorf("last attempt = %+v", st.Attempts[1])
	}
	if st.Attempts[1].ResumedFrom != 1 {
		t.Errorf("ResumedFrom = %d, want 1", st.Attempts[1].ResumedFrom)
	}
}

func TestLoadManifestMissing(t *testing.T) {
	_, err := LoadManifest(filepath.Join(t.TempDir(), "manifest.json"))
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("err = %v, want fs.ErrNotExist", err)
	}
}

func TestStartAttemptCarriesFinishedRecords(t *testing.T) {
	prev := &State{
		Attempts: []Attempt{{ID: "old"}},
		Carried: []StageRecord{
			{ID: stageid.Int(1), Name: "scan", Status: StatusCompleted, Attempt: "older"},
			{ID: stageid.Int(3), Name: "build", Status: StatusCompleted, Attempt: "older"},
		},
		Records: []StageRecord{
			{ID: stageid.Int(1), Name: "scan", Status: StatusSkipped, SkipReason: SkipResumed, Attempt: "old"},
			{ID: stageid.Int(2), Name: "index", Status: StatusCompleted, Attempt: "old"},
			{ID: stageid.Int(3), Name: "build", Status: StatusFailed, Attempt: "old"},
			{ID: stageid.Int(4), Name: "render", Status: StatusSkipped, SkipReason: SkipDryRun, Attempt: "old"},
		},
	}
	m := newTestManifest(t)
	m.StartAttempt(prev, Attempt{ID: "new", Mode: ModeDryRun})

	st, err := LoadManifest(m.Path())
	if err != nil {
		t.Fatalf("LoadManifest: %v", err)
	}
	if len(st.Records) != 0 {
		t.Errorf("Records = %d, want 0", len(st.Records))
	}
	if len(st.Carried) != 2 {
		t.Fatalf("Carried = %+v, want scan and index", st.Carried)
	}
	if st.Carried[0].ID != stageid.Int(1) || st.Carried[0].Attempt != "old" {
		t.Errorf("Carried[0] = %+v, want the later scan record", st.Carried[0])
	}
	if st.Carried[1].ID != stageid.Int(2) {
		t.Errorf("Carried[1] = %+v, want index", st.Carried[1])
	}

	// a dry-run skip leaves the carried record alone
	m.SkipStage(stageid.Int(1), "scan", "", SkipDryRun)
	// a new record for the stage replaces it
	m.EndStage(m.BeginStage(stageid.Int(2), "index", ""), Outcome{Err: errors.New("boom")})

	st, _ = LoadManifest(m.Path())
	if len(st.Carried) != 1 || st.Carried[0].ID != stageid.Int(1) {
		t.Errorf("Carried = %+v, want only scan", st.Carried)
	}
	got := st.FinishedStages()
	if len(got) != 1 || got[0] != stageid.Int(1) {
		t.Errorf("FinishedStages = %v, want [1]", got)
	}
}

func TestHandleConcurrentRefs(t *testing.T) {
	m := newTestManifest(t)
	m.StartAttempt(nil, Attempt{ID: "a1"})
	h := m.BeginStage(stageid.Int(1), "summarize", "")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.RecordInput(Ref{Name: "batch", Kind: "data"})
			h.RecordOutput(Ref{Name: "summary", Kind: "data"})
		}()
	}
	wg.Wait()

	rec := m.EndStage(h, Outcome{})
	if len(rec.Inputs) != 8 || len(rec.Outputs) != 8 {
		t.Errorf("refs = %d/%d, want 8/8", len(rec.Inputs), len(rec.Outputs))
	}
}
