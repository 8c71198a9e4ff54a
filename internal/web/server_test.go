package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lucasnoah/stagehand/internal/analytics"
	"github.com/lucasnoah/stagehand/internal/checkpoint"
	"github.com/lucasnoah/stagehand/internal/db"
	"github.com/lucasnoah/stagehand/internal/driver"
	"github.com/lucasnoah/stagehand/internal/pipeline"
	"github.com/lucasnoah/stagehand/internal/stageid"
	"github.com/lucasnoah/stagehand/internal/usage"
)

// fixture runs a two-stage pipeline into a temp dir so every endpoint has
// real files and journal rows to serve.
type fixture struct {
	server    *Server
	attemptID string
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	layout := pipeline.NewLayout(t.TempDir())
	journal, err := db.Open(":memory:")
	require.NoError(t, err)
	require.NoError(t, journal.Migrate())
	t.Cleanup(func() { journal.Close() })

	stages := []driver.Stage{
		{
			ID:   stageid.Int(1),
			Name: "discover",
			Body: func(_ context.Context, env *driver.Env) (any, error) {
				env.Ledger.Record(usage.Record{Component: "scanner", Cost: 0.25, LatencyMS: 40, Success: true})
				return []string{"a.go", "b.go"}, nil
			},
		},
		{
			ID:   stageid.Int(2),
			Name: "summarize",
			Body: func(_ context.Context, env *driver.Env) (any, error) {
				env.Ledger.Record(usage.Record{Component: "llm", Cost: 1, LatencyMS: 800, Success: true})
				return map[string]any{"summary": "ok"}, nil
			},
		},
	}
	drv, err := driver.New(stages, driver.Options{
		Pipeline:  "docs",
		Layout:    layout,
		Observers: []driver.Observer{db.NewJournal(journal)},
	})
	require.NoError(t, err)
	rep, err := drv.Run(context.Background())
	require.NoError(t, err)

	store := checkpoint.NewFileStore(layout.CheckpointDir())
	return fixture{
		server: New(Options{
			Version: "1.2.3",
			Layout:  layout,
			Store:   store,
			Journal: journal,
		}),
		attemptID: rep.AttemptID,
	}
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorBody {
	t.Helper()
	var body ErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body.Error
}

func TestServer_NotFoundIsJSON(t *testing.T) {
	srv := New(Options{Layout: pipeline.NewLayout(t.TempDir())})
	rec := get(t, srv, "/does-not-exist")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", decodeError(t, rec).Code)
}

func TestServer_MethodNotAllowed(t *testing.T) {
	srv := New(Options{Layout: pipeline.NewLayout(t.TempDir())})
	req := httptest.NewRequest(http.MethodPost, "/version", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "METHOD_NOT_ALLOWED", decodeError(t, rec).Code)
}

func TestServer_Addr(t *testing.T) {
	tests := []struct {
		name string
		host string
		port int
		want string
	}{
		{"default", "127.0.0.1", 8080, "127.0.0.1:8080"},
		{"all interfaces", "", 9000, ":9000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := New(Options{Host: tt.host, Port: tt.port})
			assert.Equal(t, tt.port, srv.Port())
			assert.Equal(t, tt.want, srv.Addr())
		})
	}
}

func TestServer_HealthAndVersion(t *testing.T) {
	f := newFixture(t)

	rec := get(t, f.server, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = get(t, f.server, "/version")
	require.Equal(t, http.StatusOK, rec.Code)
	var v map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	assert.Equal(t, "1.2.3", v["version"])
}

func TestServer_Manifest(t *testing.T) {
	f := newFixture(t)
	rec := get(t, f.server, "/api/manifest")
	require.Equal(t, http.StatusOK, rec.Code)

	var st pipeline.State
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&st))
	assert.Equal(t, "docs", st.Pipeline)
	require.Len(t, st.Records, 2)
	assert.Equal(t, pipeline.StatusCompleted, st.Records[1].Status)
	require.Len(t, st.Attempts, 1)
	assert.Equal(t, f.attemptID, st.Attempts[0].ID)
}

func TestServer_ManifestMissing(t *testing.T) {
	srv := New(Options{Layout: pipeline.NewLayout(t.TempDir())})
	rec := get(t, srv, "/api/manifest")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Usage(t *testing.T) {
	f := newFixture(t)
	rec := get(t, f.server, "/api/usage")
	require.Equal(t, http.StatusOK, rec.Code)

	var snap usage.Snapshot
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&snap))
	assert.Equal(t, 2, snap.Summary.TotalCalls)
	assert.InDelta(t, 1.25, snap.Summary.TotalCost, 1e-9)
}

func TestServer_Checkpoints(t *testing.T) {
	f := newFixture(t)
	rec := get(t, f.server, "/api/checkpoints")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp CheckpointsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	require.Len(t, resp.Checkpoints, 2)
	assert.Equal(t, "1", resp.Checkpoints[0].Key)
	assert.Equal(t, 2, resp.Resume.LastCompleted)
	assert.Equal(t, checkpoint.SourceCheckpoint, resp.Resume.Source)
}

func TestServer_CheckpointsFollowDeclaredStages(t *testing.T) {
	layout := pipeline.NewLayout(t.TempDir())
	body := func(name string) driver.Body {
		return func(context.Context, *driver.Env) (any, error) {
			if name == "render" {
				return nil, errors.New("render failed")
			}
			return name, nil
		}
	}
	stages := []driver.Stage{
		{ID: stageid.Int(10), Name: "discover", Body: body("discover")},
		{ID: stageid.Int(20), Name: "summarize", Body: body("summarize")},
		{ID: stageid.Int(30), Name: "render", Body: body("render")},
	}
	drv, err := driver.New(stages, driver.Options{Pipeline: "docs", Layout: layout})
	require.NoError(t, err)
	_, err = drv.Run(context.Background())
	require.Error(t, err)

	ids := []stageid.ID{stageid.Int(10), stageid.Int(20), stageid.Int(30)}
	s := New(Options{
		Layout: layout,
		Store:  checkpoint.NewFileStore(layout.CheckpointDir()),
		Resume: checkpoint.ResumeOptions{Declared: ids, Checkpointed: ids},
	})
	rec := get(t, s, "/api/checkpoints")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp CheckpointsResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Len(t, resp.Checkpoints, 2)
	assert.Equal(t, 20, resp.Resume.LastCompleted)
	assert.Equal(t, checkpoint.SourceCheckpoint, resp.Resume.Source)
}

func TestServer_CheckpointPayload(t *testing.T) {
	f := newFixture(t)

	rec := get(t, f.server, "/api/checkpoints/1")
	require.Equal(t, http.StatusOK, rec.Code)
	var files []string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&files))
	assert.Equal(t, []string{"a.go", "b.go"}, files)

	rec = get(t, f.server, "/api/checkpoints/7")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = get(t, f.server, "/api/checkpoints/latest")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_Attempts(t *testing.T) {
	f := newFixture(t)

	rec := get(t, f.server, "/api/attempts")
	require.Equal(t, http.StatusOK, rec.Code)
	var attempts []db.Attempt
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&attempts))
	require.Len(t, attempts, 1)
	assert.Equal(t, "completed", attempts[0].Status)

	rec = get(t, f.server, "/api/attempts?limit=zero")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_AttemptDetail(t *testing.T) {
	f := newFixture(t)

	rec := get(t, f.server, "/api/attempts/"+f.attemptID)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp AttemptResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, f.attemptID, resp.Attempt.ID)
	// two stages, each started + completed, plus one usage row each
	assert.Len(t, resp.Timeline, 6)

	rec = get(t, f.server, "/api/attempts/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Analytics(t *testing.T) {
	f := newFixture(t)

	rec := get(t, f.server, "/api/analytics/components")
	require.Equal(t, http.StatusOK, rec.Code)
	var comps []analytics.ComponentUsage
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&comps))
	require.Len(t, comps, 2)
	assert.Equal(t, "llm", comps[0].Component)

	for _, report := range []string{"stage-durations", "stage-outcomes", "throughput"} {
		rec := get(t, f.server, "/api/analytics/"+report)
		assert.Equal(t, http.StatusOK, rec.Code, report)
	}

	rec = get(t, f.server, "/api/analytics/bogus")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_JournalUnavailable(t *testing.T) {
	srv := New(Options{Layout: pipeline.NewLayout(t.TempDir())})
	for _, path := range []string{"/api/attempts", "/api/attempts/x", "/api/analytics/components"} {
		rec := get(t, srv, path)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, path)
		assert.Equal(t, "JOURNAL_UNAVAILABLE", decodeError(t, rec).Code)
	}
}

func TestServer_StartStopsOnCancel(t *testing.T) {
	srv := New(Options{Host: "127.0.0.1", Port: 0})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Start(ctx) }()
	cancel()
	assert.NoError(t, <-done)
}
