package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/tendant/simple-recipe-pipeline/internal/errcode"
	logutil "github.com/tendant/simple-recipe-pipeline/internal/logging"
	"github.com/tendant/simple-recipe-pipeline/internal/workflows"
	"github.com/tendant/simple-recipe-pipeline/pkg/pipeline"
)

// HandleRecipeAsync handles POST /v1/recipes/async - enqueues the workflow and returns immediately
func (h *Handler) HandleRecipeAsync(w http.ResponseWriter, r *http.Request) {
	logger := logutil.FromContext(r.Context())

	var req pipeline.RecipeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}

	runID, err := h.runner.RunAsync(r.Context(), req)
	switch {
	case errors.Is(err, workflows.ErrAsyncUnavailable):
		writeError(w, http.StatusNotImplemented, err.Error())
		return
	case errcode.Is(err, errcode.InvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		logger.Error(err, "Failed to enqueue workflow")
		writeError(w, http.StatusInternalServerError, "failed to enqueue workflow")
		return
	}

	logger.V(logutil.VERBOSE).Info("Workflow enqueued", "runID", runID)

	// Return immediately with 202 Accepted
	w.Header().Set("Location", "/v1/requests/"+runID)
	writeJSON(w, http.StatusAccepted, pipeline.AsyncResponse{RunID: runID})
}

// HandleStatus handles GET /v1/requests/{id} - returns run status
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "id")

	status, err := h.runner.GetStatus(r.Context(), runID)
	switch {
	case errors.Is(err, workflows.ErrRunNotFound):
		writeError(w, http.StatusNotFound, "run not found")
		return
	case err != nil:
		logutil.FromContext(r.Context()).Error(err, "Failed to get run status", "runID", runID)
		writeError(w, http.StatusInternalServerError, "failed to get run status")
		return
	}

	writeJSON(w, http.StatusOK, status)
}
