package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/spotlight/internal/analysis"
	"github.com/MikeSquared-Agency/spotlight/internal/perturb"
	"github.com/MikeSquared-Agency/spotlight/internal/saliency"
	"github.com/MikeSquared-Agency/spotlight/internal/segment"
)

const maxBodyBytes = 1 << 20

// runView adds derived normalized scores to a run.
type runView struct {
	*analysis.Run
	Normalized   []float64 `json:"normalized,omitempty"`
	FailedProbes int       `json:"failed_probes"`
}

func viewOf(run *analysis.Run) runView {
	return runView{Run: run, Normalized: run.Normalized(), FailedProbes: run.FailedCount()}
}

type segmentRequest struct {
	Text string `json:"text"`
}

type segmentResponse struct {
	Phrases segment.Sequence `json:"phrases"`
	Count   int              `json:"count"`
	Budget  map[string]int   `json:"budget"`
}

// segment handles POST /api/v1/segment. It never calls the model.
func (s *Server) segment(w http.ResponseWriter, r *http.Request) {
	var req segmentRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	phrases := segment.Split(req.Text)
	n := len(phrases)
	writeJSON(w, http.StatusOK, segmentResponse{
		Phrases: phrases,
		Count:   n,
		Budget: map[string]int{
			perturb.Perturbation.String(): saliency.Budget(perturb.Perturbation, n),
			perturb.Omission.String():     saliency.Budget(perturb.Omission, n),
			perturb.Paraphrase.String():   saliency.Budget(perturb.Paraphrase, n),
		},
	})
}

// startAnalysis handles POST /api/v1/analyses.
func (s *Server) startAnalysis(w http.ResponseWriter, r *http.Request) {
	var req analysis.Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	run, err := s.svc.Start(r.Context(), req)
	if err != nil {
		if analysis.IsInvalid(err) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		slog.Error("failed to start analysis", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to start analysis")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":      run.ID,
		"status":  run.Status,
		"phrases": len(run.Phrases),
		"budget":  run.Budget,
	})
}

// listAnalyses handles GET /api/v1/analyses.
func (s *Server) listAnalyses(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	runs, err := s.svc.List(r.Context(), limit)
	if err != nil {
		slog.Error("failed to list analyses", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list analyses")
		return
	}

	views := make([]runView, len(runs))
	for i := range runs {
		views[i] = viewOf(&runs[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"analyses": views, "count": len(views)})
}

// getAnalysis handles GET /api/v1/analyses/{id}.
func (s *Server) getAnalysis(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	run, err := s.svc.Get(r.Context(), id)
	if errors.Is(err, analysis.ErrNotFound) {
		writeError(w, http.StatusNotFound, "analysis not found")
		return
	}
	if err != nil {
		slog.Error("failed to get analysis", "analysis_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get analysis")
		return
	}
	writeJSON(w, http.StatusOK, viewOf(run))
}

// cancelAnalysis handles DELETE /api/v1/analyses/{id}.
func (s *Server) cancelAnalysis(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	err := s.svc.Cancel(r.Context(), id)
	switch {
	case errors.Is(err, analysis.ErrNotFound):
		writeError(w, http.StatusNotFound, "analysis not found")
	case errors.Is(err, analysis.ErrFinished):
		writeError(w, http.StatusConflict, "analysis already finished")
	case err != nil:
		slog.Error("failed to cancel analysis", "analysis_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to cancel analysis")
	default:
		writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "status": "cancelling"})
	}
}

func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid analysis id")
		return uuid.Nil, false
	}
	return id, true
}
