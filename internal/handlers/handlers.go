// Package handlers serves the recipe pipeline over HTTP.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-logr/logr"

	"github.com/tendant/simple-recipe-pipeline/internal/cache"
	"github.com/tendant/simple-recipe-pipeline/internal/gpu"
	"github.com/tendant/simple-recipe-pipeline/internal/storage"
	"github.com/tendant/simple-recipe-pipeline/internal/workflows"
	"github.com/tendant/simple-recipe-pipeline/pkg/pipeline"
)

// maxRequestBytes leaves room for a base64-encoded image of MaxImageBytes.
const maxRequestBytes = storage.MaxImageBytes*4/3 + 64<<10

// Runner executes recipe requests
type Runner interface {
	Async() bool
	Run(ctx context.Context, req pipeline.RecipeRequest) (pipeline.RecipeResponse, error)
	RunAsync(ctx context.Context, req pipeline.RecipeRequest) (string, error)
	GetStatus(ctx context.Context, runID string) (*workflows.WorkflowStatus, error)
}

// Uploader stores images for later requests by content ID
type Uploader interface {
	UploadImage(ctx context.Context, up storage.Upload) (string, error)
}

// GPUStats reports GPU manager accounting
type GPUStats interface {
	Stats() gpu.Stats
}

// CacheStats reports cache store counters
type CacheStats interface {
	Stats() cache.Stats
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	runner   Runner
	uploader Uploader
	gpu      GPUStats
	cache    CacheStats
	metrics  http.Handler
	mode     string
	logger   logr.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithUploader enables POST /v1/images.
func WithUploader(u Uploader) Option {
	return func(h *Handler) { h.uploader = u }
}

// WithStats enables GET /v1/stats.
func WithStats(g GPUStats, c CacheStats) Option {
	return func(h *Handler) {
		h.gpu = g
		h.cache = c
	}
}

// WithMetrics serves m at /metrics.
func WithMetrics(m http.Handler) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithMode sets the mode reported by /health.
func WithMode(mode string) Option {
	return func(h *Handler) { h.mode = mode }
}

// WithLogger sets the request logger.
func WithLogger(l logr.Logger) Option {
	return func(h *Handler) { h.logger = l }
}

// NewHandler creates a handler around runner.
func NewHandler(runner Runner, opts ...Option) *Handler {
	h := &Handler{runner: runner, logger: logr.Discard()}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Router returns the chi router with every route mounted.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(h.withLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", h.HandleHealth)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/stats", h.HandleStats)
		r.Post("/images", h.HandleUpload)
		r.Post("/recipes", h.HandleRecipe)
		r.Post("/recipes/async", h.HandleRecipeAsync)
		r.Get("/requests/{id}", h.HandleStatus)
	})
	return r
}

// withLogger puts a request-scoped logger into the request context.
func (h *Handler) withLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := h.logger.WithValues("httpRequestID", middleware.GetReqID(r.Context()), "path", r.URL.Path)
		next.ServeHTTP(w, r.WithContext(logr.NewContext(r.Context(), logger)))
	})
}

// HandleHealth handles GET /health
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]string{"status": "healthy"}
	if h.mode != "" {
		resp["mode"] = h.mode
	}
	writeJSON(w, http.StatusOK, resp)
}

// StatsResponse is returned by GET /v1/stats
type StatsResponse struct {
	GPU   *gpu.Stats   `json:"gpu,omitempty"`
	Cache *cache.Stats `json:"cache,omitempty"`
	Async bool         `json:"async"`
	Time  time.Time    `json:"time"`
}

// HandleStats handles GET /v1/stats
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{Async: h.runner.Async(), Time: time.Now().UTC()}
	if h.gpu != nil {
		s := h.gpu.Stats()
		resp.GPU = &s
	}
	if h.cache != nil {
		s := h.cache.Stats()
		resp.Cache = &s
	}
	writeJSON(w, http.StatusOK, resp)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
