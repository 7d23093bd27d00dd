package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tendant/simple-recipe-pipeline/internal/cache"
	"github.com/tendant/simple-recipe-pipeline/internal/errcode"
	"github.com/tendant/simple-recipe-pipeline/internal/gpu"
	"github.com/tendant/simple-recipe-pipeline/internal/orchestrator"
	"github.com/tendant/simple-recipe-pipeline/internal/storage"
	"github.com/tendant/simple-recipe-pipeline/internal/workflows"
	"github.com/tendant/simple-recipe-pipeline/pkg/pipeline"
)

type fakeRunner struct {
	async  bool
	run    func(req pipeline.RecipeRequest) (pipeline.RecipeResponse, error)
	runIDs map[string]*workflows.WorkflowStatus
	queued []pipeline.RecipeRequest
}

func (f *fakeRunner) Async() bool { return f.async }

func (f *fakeRunner) Run(_ context.Context, req pipeline.RecipeRequest) (pipeline.RecipeResponse, error) {
	return f.run(req)
}

func (f *fakeRunner) RunAsync(_ context.Context, req pipeline.RecipeRequest) (string, error) {
	if !f.async {
		return "", workflows.ErrAsyncUnavailable
	}
	if req.ContentID == "" && req.ImageB64 == "" {
		return "", errcode.New(errcode.InvalidRequest, "content_id or image_b64 is required")
	}
	f.queued = append(f.queued, req)
	return "recipe-1", nil
}

func (f *fakeRunner) GetStatus(_ context.Context, runID string) (*workflows.WorkflowStatus, error) {
	if st, ok := f.runIDs[runID]; ok {
		return st, nil
	}
	return nil, workflows.ErrRunNotFound
}

type fakeUploader struct {
	got storage.Upload
}

func (u *fakeUploader) UploadImage(_ context.Context, up storage.Upload) (string, error) {
	u.got = up
	return "content-1", nil
}

type fixedStats struct{}

func (fixedStats) Stats() gpu.Stats { return gpu.Stats{TotalBudget: 2, Available: 2} }

type fixedCacheStats struct{}

func (fixedCacheStats) Stats() cache.Stats { return cache.Stats{Hits: 3} }

func failingRun(err error) func(pipeline.RecipeRequest) (pipeline.RecipeResponse, error) {
	return func(req pipeline.RecipeRequest) (pipeline.RecipeResponse, error) {
		return pipeline.RecipeResponse{
			RequestID: req.RequestID,
			State:     pipeline.StateFailed,
			Failure:   orchestrator.FailureFor(err),
		}, err
	}
}

func postJSON(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data)))
	return rec
}

func TestHandleRecipeSuccess(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{run: func(req pipeline.RecipeRequest) (pipeline.RecipeResponse, error) {
		return pipeline.RecipeResponse{
			RequestID: req.RequestID,
			State:     pipeline.StateCompleted,
			Result:    json.RawMessage(`{"fingerprint":"fp"}`),
		}, nil
	}}
	h := NewHandler(runner).Router()

	rec := postJSON(t, h, "/v1/recipes", pipeline.RecipeRequest{RequestID: "r-1", ContentID: "c-1"})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp pipeline.RecipeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "r-1", resp.RequestID)
	assert.Equal(t, pipeline.StateCompleted, resp.State)
	assert.JSONEq(t, `{"fingerprint":"fp"}`, string(resp.Result))
}

func TestHandleRecipeFailureStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"invalid", errcode.New(errcode.InvalidRequest, "bad"), http.StatusBadRequest},
		{"no ingredients", errcode.New(errcode.NoIngredients, "none"), http.StatusUnprocessableEntity},
		{"detection", errcode.New(errcode.DetectionFailure, "boom"), http.StatusBadGateway},
		{"generation", errcode.New(errcode.GenerationFailure, "boom"), http.StatusBadGateway},
		{"timeout", errcode.New(errcode.GenerationTimeout, "slow"), http.StatusGatewayTimeout},
		{"cancelled", errcode.New(errcode.Cancelled, "gone"), StatusClientClosedRequest},
		{"internal", assert.AnError, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(&fakeRunner{run: failingRun(tt.err)}).Router()
			rec := postJSON(t, h, "/v1/recipes", pipeline.RecipeRequest{ContentID: "c"})
			assert.Equal(t, tt.status, rec.Code)
			assert.Empty(t, rec.Header().Get("Retry-After"))
		})
	}
}

func TestHandleRecipeResourceExhaustedSetsRetryAfter(t *testing.T) {
	t.Parallel()

	err := errcode.Exhausted(1500*time.Millisecond, "gpu busy")
	h := NewHandler(&fakeRunner{run: failingRun(err)}).Router()

	rec := postJSON(t, h, "/v1/recipes", pipeline.RecipeRequest{ContentID: "c"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))

	var resp pipeline.RecipeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Failure)
	assert.Equal(t, pipeline.ReasonResourceExhausted, resp.Failure.Reason)
}

func TestHandleRecipeErrorWithoutFailure(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{run: func(pipeline.RecipeRequest) (pipeline.RecipeResponse, error) {
		return pipeline.RecipeResponse{}, errcode.New(errcode.InvalidRequest, "nope")
	}}
	rec := postJSON(t, NewHandler(runner).Router(), "/v1/recipes", pipeline.RecipeRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"Failed"`)
}

func TestHandleRecipeBadJSON(t *testing.T) {
	t.Parallel()

	h := NewHandler(&fakeRunner{}).Router()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/recipes", strings.NewReader("{")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleRecipeAsync(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{async: true}
	h := NewHandler(runner).Router()

	rec := postJSON(t, h, "/v1/recipes/async", pipeline.RecipeRequest{ContentID: "c-1"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "/v1/requests/recipe-1", rec.Header().Get("Location"))
	assert.JSONEq(t, `{"run_id":"recipe-1"}`, rec.Body.String())
	require.Len(t, runner.queued, 1)

	rec = postJSON(t, h, "/v1/recipes/async", pipeline.RecipeRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postJSON(t, NewHandler(&fakeRunner{}).Router(), "/v1/recipes/async", pipeline.RecipeRequest{ContentID: "c-1"})
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestHandleStatus(t *testing.T) {
	t.Parallel()

	runner := &fakeRunner{runIDs: map[string]*workflows.WorkflowStatus{
		"r-1": {RunID: "r-1", State: string(pipeline.StateSearching)},
	}}
	h := NewHandler(runner).Router()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/requests/r-1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"state":"Searching"`)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/requests/r-2", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleUpload(t *testing.T) {
	t.Parallel()

	var img bytes.Buffer
	require.NoError(t, png.Encode(&img, image.NewRGBA(image.Rect(0, 0, 2, 2))))

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("user_id", "alice"))
	part, err := mw.CreateFormFile("image", "fridge.png")
	require.NoError(t, err)
	_, err = part.Write(img.Bytes())
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	uploader := &fakeUploader{}
	h := NewHandler(&fakeRunner{}, WithUploader(uploader)).Router()
	req := httptest.NewRequest(http.MethodPost, "/v1/images", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.JSONEq(t, `{"content_id":"content-1"}`, rec.Body.String())
	assert.Equal(t, "alice", uploader.got.UserID)
	assert.Equal(t, "fridge.png", uploader.got.FileName)
	assert.Equal(t, img.Bytes(), uploader.got.Data)
}

func TestHandleUploadUnavailable(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	NewHandler(&fakeRunner{}).Router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/images", nil))
	assert.Equal(t, http.StatusNotImplemented, rec.Code)
}

func TestHealthAndStats(t *testing.T) {
	t.Parallel()

	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("# metrics\n"))
	})
	h := NewHandler(&fakeRunner{async: true},
		WithMode("standalone"),
		WithStats(fixedStats{}, fixedCacheStats{}),
		WithMetrics(metrics),
	).Router()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.JSONEq(t, `{"status":"healthy","mode":"standalone"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var stats StatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.True(t, stats.Async)
	require.NotNil(t, stats.GPU)
	assert.Equal(t, int64(2), stats.GPU.TotalBudget)
	require.NotNil(t, stats.Cache)
	assert.Equal(t, uint64(3), stats.Cache.Hits)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, "# metrics\n", rec.Body.String())
}
