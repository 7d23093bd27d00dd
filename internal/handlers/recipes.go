package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/tendant/simple-recipe-pipeline/internal/errcode"
	logutil "github.com/tendant/simple-recipe-pipeline/internal/logging"
	"github.com/tendant/simple-recipe-pipeline/internal/orchestrator"
	"github.com/tendant/simple-recipe-pipeline/internal/storage"
	"github.com/tendant/simple-recipe-pipeline/pkg/pipeline"
)

// StatusClientClosedRequest is reported when the caller cancelled the request.
const StatusClientClosedRequest = 499

var reasonStatus = map[pipeline.Reason]int{
	pipeline.ReasonInvalidRequest:    http.StatusBadRequest,
	pipeline.ReasonResourceExhausted: http.StatusServiceUnavailable,
	pipeline.ReasonNoIngredients:     http.StatusUnprocessableEntity,
	pipeline.ReasonDetectionFailure:  http.StatusBadGateway,
	pipeline.ReasonGenerationFailure: http.StatusBadGateway,
	pipeline.ReasonGenerationTimeout: http.StatusGatewayTimeout,
	pipeline.ReasonCancelled:         StatusClientClosedRequest,
	pipeline.ReasonConfiguration:     http.StatusInternalServerError,
	pipeline.ReasonInternal:          http.StatusInternalServerError,
}

// StatusFor maps a failure onto its HTTP status.
func StatusFor(f *pipeline.Failure) int {
	if f == nil {
		return http.StatusOK
	}
	if status, ok := reasonStatus[f.Reason]; ok {
		return status
	}
	return http.StatusInternalServerError
}

// HandleRecipe handles POST /v1/recipes - runs the pipeline and waits for the result
func (h *Handler) HandleRecipe(w http.ResponseWriter, r *http.Request) {
	logger := logutil.FromContext(r.Context())

	var req pipeline.RecipeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request: %v", err))
		return
	}

	resp, err := h.runner.Run(r.Context(), req)
	if err != nil && resp.Failure == nil {
		resp.Failure = orchestrator.FailureFor(err)
		resp.State = pipeline.StateFailed
	}
	if resp.Failure != nil {
		logger.Info("Recipe request failed", "requestID", resp.RequestID, "reason", resp.Failure.Reason, "err", err)
		if resp.Failure.RetryAfterSeconds > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(resp.Failure.RetryAfterSeconds))
		}
	} else {
		logger.V(logutil.VERBOSE).Info("Recipe request completed", "requestID", resp.RequestID,
			"fingerprint", resp.Fingerprint, "cacheHit", resp.CacheHit, "coalesced", resp.Coalesced)
	}

	writeJSON(w, StatusFor(resp.Failure), resp)
}

// UploadResponse is returned by POST /v1/images
type UploadResponse struct {
	ContentID string `json:"content_id"`
}

// HandleUpload handles POST /v1/images - stores a multipart "image" file
func (h *Handler) HandleUpload(w http.ResponseWriter, r *http.Request) {
	if h.uploader == nil {
		writeError(w, http.StatusNotImplemented, "image upload is only available in standalone mode")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, storage.MaxImageBytes+64<<10)
	if err := r.ParseMultipartForm(storage.MaxImageBytes); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid upload: %v", err))
		return
	}
	file, header, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "image file is required")
		return
	}
	defer file.Close()

	data, err := storage.ReadImage(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := h.uploader.UploadImage(r.Context(), storage.Upload{
		UserID:   r.FormValue("user_id"),
		Name:     r.FormValue("name"),
		FileName: header.Filename,
		Data:     data,
	})
	if err != nil {
		status := http.StatusInternalServerError
		if errcode.Is(err, errcode.InvalidRequest) {
			status = http.StatusBadRequest
		}
		logutil.FromContext(r.Context()).Error(err, "Failed to upload image")
		writeError(w, status, "upload failed")
		return
	}

	writeJSON(w, http.StatusCreated, UploadResponse{ContentID: id})
}
