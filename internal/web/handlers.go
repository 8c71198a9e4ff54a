package web

import (
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lucasnoah/stagehand/internal/analytics"
	"github.com/lucasnoah/stagehand/internal/checkpoint"
	"github.com/lucasnoah/stagehand/internal/db"
	"github.com/lucasnoah/stagehand/internal/pipeline"
	"github.com/lucasnoah/stagehand/internal/stageid"
	"github.com/lucasnoah/stagehand/internal/usage"
)

// ---- response models ----

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

// ErrorBody describes a failed request.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CheckpointsResponse lists stored checkpoints and the resume point they imply.
type CheckpointsResponse struct {
	Checkpoints []CheckpointEntry `json:"checkpoints"`
	Resume      checkpoint.Resume `json:"resume"`
}

// CheckpointEntry is one stored checkpoint.
type CheckpointEntry struct {
	ID  stageid.ID `json:"id"`
	Key string     `json:"key"`
}

// AttemptResponse is one journaled attempt with its timeline.
type AttemptResponse struct {
	Attempt  db.Attempt                `json:"attempt"`
	Timeline []analytics.TimelineEvent `json:"timeline"`
}

// ---- handlers ----

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.opts.Version})
}

func (s *Server) handleManifest(w http.ResponseWriter, _ *http.Request) {
	st, err := pipeline.LoadManifest(s.opts.Layout.ManifestPath())
	if errors.Is(err, fs.ErrNotExist) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no manifest in "+s.opts.Layout.Root())
		return
	}
	if err != nil {
		s.internalError(w, "load manifest", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleUsage(w http.ResponseWriter, _ *http.Request) {
	snap, err := usage.LoadSnapshot(s.opts.Layout.UsagePath())
	if err != nil {
		s.internalError(w, "load usage", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCheckpoints(w http.ResponseWriter, r *http.Request) {
	if s.opts.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "no checkpoint store configured")
		return
	}
	ids, err := s.opts.Store.IDs(r.Context())
	if err != nil {
		s.internalError(w, "list checkpoints", err)
		return
	}
	ropts := s.opts.Resume
	ropts.Fallback = checkpoint.ManifestFallback{Path: s.opts.Layout.ManifestPath()}
	resume, err := checkpoint.LastCompleted(r.Context(), s.opts.Store, ropts)
	if err != nil {
		s.internalError(w, "determine resume point", err)
		return
	}

	resp := CheckpointsResponse{Checkpoints: make([]CheckpointEntry, 0, len(ids)), Resume: resume}
	for _, id := range ids {
		resp.Checkpoints = append(resp.Checkpoints, CheckpointEntry{ID: id, Key: id.Key()})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	if s.opts.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "STORE_UNAVAILABLE", "no checkpoint store configured")
		return
	}
	key := chi.URLParam(r, "key")
	id, ok := checkpoint.ParseKey(key)
	if !ok {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid checkpoint key "+strconv.Quote(key))
		return
	}
	data, err := s.opts.Store.Load(r.Context(), id)
	if errors.Is(err, checkpoint.ErrNotFound) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no checkpoint for stage "+id.String())
		return
	}
	if err != nil {
		s.internalError(w, "load checkpoint", err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleAttempts(w http.ResponseWriter, r *http.Request) {
	if !s.requireJournal(w) {
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "limit must be a positive integer")
			return
		}
		limit = n
	}
	attempts, err := s.opts.Journal.RecentAttempts(limit)
	if err != nil {
		s.internalError(w, "list attempts", err)
		return
	}
	if attempts == nil {
		attempts = []db.Attempt{}
	}
	writeJSON(w, http.StatusOK, attempts)
}

func (s *Server) handleAttempt(w http.ResponseWriter, r *http.Request) {
	if !s.requireJournal(w) {
		return
	}
	id := chi.URLParam(r, "id")
	a, err := s.opts.Journal.GetAttempt(id)
	if err != nil {
		s.internalError(w, "get attempt", err)
		return
	}
	if a == nil {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "no attempt "+strconv.Quote(id))
		return
	}
	timeline, err := analytics.QueryAttemptDetail(s.opts.Journal, id)
	if err != nil {
		s.internalError(w, "attempt timeline", err)
		return
	}
	if timeline == nil {
		timeline = []analytics.TimelineEvent{}
	}
	writeJSON(w, http.StatusOK, AttemptResponse{Attempt: *a, Timeline: timeline})
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	if !s.requireJournal(w) {
		return
	}
	since := r.URL.Query().Get("since")

	var (
		result any
		err    error
	)
	switch report := chi.URLParam(r, "report"); report {
	case "stage-durations":
		result, err = analytics.QueryStageDurations(s.opts.Journal, since)
	case "stage-outcomes":
		result, err = analytics.QueryStageOutcomes(s.opts.Journal, since)
	case "components":
		result, err = analytics.QueryComponentUsage(s.opts.Journal, since)
	case "throughput":
		result, err = analytics.QueryAttemptThroughput(s.opts.Journal, since)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "unknown report "+strconv.Quote(report))
		return
	}
	if err != nil {
		s.internalError(w, "analytics", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ---- helpers ----

func (s *Server) requireJournal(w http.ResponseWriter) bool {
	if s.opts.Journal == nil {
		writeError(w, http.StatusServiceUnavailable, "JOURNAL_UNAVAILABLE", "journal database is not open")
		return false
	}
	return true
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.log.Error(op, zap.Error(err))
	writeError(w, http.StatusInternalServerError, "INTERNAL", op+": "+err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{Error: ErrorBody{Code: code, Message: msg}})
}
