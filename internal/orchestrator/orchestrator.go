// Package orchestrator sequences a recipe request through cache lookup,
// detection, search, generation and cache write. It gates the two GPU-bound
// stages through the GPU manager, retries transient stage failures a bounded
// number of times, and coalesces concurrent requests for the same fingerprint
// onto one computation.
package orchestrator

import (
	"bytes"
	"context"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/tendant/simple-recipe-pipeline/internal/cache"
	"github.com/tendant/simple-recipe-pipeline/internal/config"
	"github.com/tendant/simple-recipe-pipeline/internal/errcode"
	"github.com/tendant/simple-recipe-pipeline/internal/fingerprint"
	"github.com/tendant/simple-recipe-pipeline/internal/gpu"
	logutil "github.com/tendant/simple-recipe-pipeline/internal/logging"
	"github.com/tendant/simple-recipe-pipeline/pkg/pipeline"
)

// GPU grants leases for GPU-bound stages.
type GPU interface {
	Acquire(ctx context.Context, kind gpu.Kind, cost int64, timeout time.Duration) (*gpu.Lease, error)
}

// Cache is the result store. Get never fails; Put errors are best-effort.
type Cache interface {
	Get(ctx context.Context, key string) (*cache.Entry, bool)
	Put(ctx context.Context, key string, payload []byte, ttl time.Duration) error
}

// Detector turns an image into ingredients.
type Detector interface {
	Detect(ctx context.Context, image []byte) (pipeline.IngredientSet, error)
}

// Searcher returns ranked dataset recipes. It does not fail.
type Searcher interface {
	Search(ctx context.Context, set pipeline.IngredientSet) []pipeline.RecipeCandidate
}

// Generator authors a recipe.
type Generator interface {
	Generate(ctx context.Context, set pipeline.IngredientSet, prefs pipeline.Preferences, candidates []pipeline.RecipeCandidate) (pipeline.RecipeCandidate, error)
}

// PreferenceProvider returns the active preferences of a user. Lookups are
// bounded by Config.LookupTimeout through ctx.
type PreferenceProvider interface {
	Preferences(ctx context.Context, userID string) (pipeline.Preferences, error)
}

// Ledger counts how often a fingerprint was requested. Record is bounded by
// Config.LookupTimeout through ctx.
type Ledger interface {
	Record(ctx context.Context, fingerprint string) (int, error)
}

// RecipeWriter persists a finished result next to the source content.
type RecipeWriter interface {
	WriteRecipe(ctx context.Context, contentID string, payload []byte) error
}

// Recorder receives pipeline metrics.
type Recorder interface {
	Transition(state string)
	Stage(stage string, d time.Duration, err error)
	Retry(stage string)
	Outcome(outcome string, coalesced bool)
}

// Config holds the orchestrator's policy knobs.
type Config struct {
	DetectionCost        int64
	GenerationCost       int64
	AcquireTimeout       time.Duration
	DetectionRetryCount  int
	GenerationRetryCount int
	RetryBackoff         time.Duration
	DetectionTimeout     time.Duration
	CacheTTL             time.Duration
	EmptyPolicy          string
	Coalesce             bool
	StatusTTL            time.Duration
	PersistTimeout       time.Duration
	LookupTimeout        time.Duration
	MaxImagePixels       int64
}

// ConfigFrom extracts the orchestrator settings from the application config.
func ConfigFrom(c *config.Config) Config {
	return Config{
		DetectionCost:        c.DetectionCost,
		GenerationCost:       c.GenerationCost,
		AcquireTimeout:       c.GPUAcquireTimeout,
		DetectionRetryCount:  c.DetectionRetryCount,
		GenerationRetryCount: c.GenerationRetryCount,
		RetryBackoff:         c.RetryBackoff,
		DetectionTimeout:     c.DetectionTimeout,
		CacheTTL:             c.CacheTTL,
		EmptyPolicy:          c.EmptyIngredientsPolicy,
		Coalesce:             c.Coalesce,
		StatusTTL:            c.StatusTTL,
		PersistTimeout:       10 * time.Second,
		LookupTimeout:        c.LookupTimeout,
		MaxImagePixels:       c.MaxImagePixels,
	}
}

// Deps are the collaborators of the orchestrator. Ledger, Writer and Recorder are optional.
type Deps struct {
	GPU         GPU
	Cache       Cache
	Detector    Detector
	Searcher    Searcher
	Generator   Generator
	Preferences PreferenceProvider
	Ledger      Ledger
	Writer      RecipeWriter
	Recorder    Recorder
}

// Request is one recipe request.
type Request struct {
	ID        string
	UserID    string
	Image     []byte
	ContentID string
}

// Result is the outcome of Process. Payload is the cached result document and
// is byte-identical for every request served from the same cache entry.
type Result struct {
	RequestID       string
	Fingerprint     string
	State           pipeline.State
	States          []pipeline.State
	Payload         []byte
	CacheHit        bool
	Coalesced       bool
	DedupeSeenCount int
	Failure         *pipeline.Failure
}

// Orchestrator runs requests through the pipeline.
type Orchestrator struct {
	cfg  Config
	deps Deps

	flight singleflight.Group
	runs   *registry
}

// New creates an orchestrator. Close releases the status registry.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	switch {
	case deps.GPU == nil, deps.Cache == nil, deps.Detector == nil,
		deps.Searcher == nil, deps.Generator == nil, deps.Preferences == nil:
		return nil, errcode.New(errcode.ConfigurationError, "orchestrator is missing a required collaborator")
	case cfg.EmptyPolicy != config.EmptyPolicyFail && cfg.EmptyPolicy != config.EmptyPolicyGeneric:
		return nil, errcode.New(errcode.ConfigurationError, "unknown empty ingredients policy %q", cfg.EmptyPolicy)
	}
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	if cfg.StatusTTL <= 0 {
		cfg.StatusTTL = 15 * time.Minute
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = 10 * time.Second
	}
	if cfg.LookupTimeout <= 0 {
		cfg.LookupTimeout = 500 * time.Millisecond
	}
	if cfg.MaxImagePixels <= 0 {
		cfg.MaxImagePixels = fingerprint.DefaultMaxPixels
	}
	return &Orchestrator{
		cfg:  cfg,
		deps: deps,
		runs: newRegistry(cfg.StatusTTL),
	}, nil
}

// Close stops background work.
func (o *Orchestrator) Close() {
	o.runs.close()
}

// Status returns the current state of a request seen within the status TTL.
func (o *Orchestrator) Status(requestID string) (pipeline.StatusResponse, bool) {
	r, ok := o.runs.get(requestID)
	if !ok {
		return pipeline.StatusResponse{}, false
	}
	return r.status(), true
}

// Process runs req to a terminal state. The returned Result is always non-nil;
// on failure the error carries the errcode and Result.Failure its public form.
func (o *Orchestrator) Process(ctx context.Context, req Request) (*Result, error) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	r := newRun(req.ID)
	o.runs.add(r)
	o.deps.Recorder.Transition(string(pipeline.StateReceived))

	logger := logutil.FromContext(ctx).WithValues("requestID", req.ID)
	ctx = logr.NewContext(ctx, logger)
	res := &Result{RequestID: req.ID}

	if len(req.Image) == 0 {
		return o.finishFailed(ctx, r, res, errcode.New(errcode.InvalidRequest, "image is required"))
	}

	prefs, err := o.lookupPreferences(ctx, req.UserID)
	if err != nil {
		logger.V(logutil.DEFAULT).Info("Preference lookup failed, using defaults", "userID", req.UserID, "error", err.Error())
		prefs = pipeline.DefaultPreferences()
	}
	prefs = prefs.Normalize()

	fp, err := fingerprint.ComputeWithin(req.Image, prefs, o.cfg.MaxImagePixels)
	if err != nil {
		return o.finishFailed(ctx, r, res, err)
	}
	res.Fingerprint = fp.Key
	r.setFingerprint(fp.Key)
	logger = logger.WithValues("fingerprint", fp.Key)
	ctx = logr.NewContext(ctx, logger)

	if err := o.advance(ctx, r, pipeline.StateCacheCheck); err != nil {
		return o.finishFailed(ctx, r, res, err)
	}

	if o.deps.Ledger != nil {
		if n, err := o.recordSeen(ctx, fp.Key); err != nil {
			logger.V(logutil.DEBUG).Info("Dedupe ledger unavailable", "error", err.Error())
		} else {
			res.DedupeSeenCount = n
		}
	}

	if e, ok := o.deps.Cache.Get(ctx, cache.RecipeKey(fp.Key)); ok {
		logger.V(logutil.VERBOSE).Info("Cache hit")
		res.CacheHit = true
		return o.finishCompleted(ctx, r, res, e.Payload)
	}

	j := &job{req: req, run: r, fp: fp, prefs: prefs}
	if !o.cfg.Coalesce {
		out, err := o.compute(ctx, j)
		if err != nil {
			return o.finishFailed(ctx, r, res, err)
		}
		res.CacheHit = out.cacheHit
		return o.finishCompleted(ctx, r, res, out.payload)
	}
	return o.coalesced(ctx, j, res)
}

func (o *Orchestrator) lookupPreferences(ctx context.Context, userID string) (pipeline.Preferences, error) {
	lctx, cancel := context.WithTimeout(ctx, o.cfg.LookupTimeout)
	defer cancel()
	return o.deps.Preferences.Preferences(lctx, userID)
}

func (o *Orchestrator) recordSeen(ctx context.Context, fp string) (int, error) {
	lctx, cancel := context.WithTimeout(ctx, o.cfg.LookupTimeout)
	defer cancel()
	return o.deps.Ledger.Record(lctx, fp)
}

// coalesced joins or starts the in-flight computation for the fingerprint.
// A follower whose leader was cancelled tries again, possibly as the new leader.
func (o *Orchestrator) coalesced(ctx context.Context, j *job, res *Result) (*Result, error) {
	logger := logutil.FromContext(ctx)
	for {
		var led atomic.Bool
		ch := o.flight.DoChan(j.fp.Key, func() (any, error) {
			led.Store(true)
			return o.compute(ctx, j)
		})

		var sr singleflight.Result
		select {
		case sr = <-ch:
		case <-ctx.Done():
			if !led.Load() {
				// A follower, or a leader whose compute has not started and will
				// stop at its first cancellation check without touching the run.
				return o.finishFailed(ctx, j.run, res, errcode.Wrap(errcode.Cancelled, ctx.Err(), "cancelled while waiting for in-flight computation"))
			}
			// The leader waits for its own computation so leases are released first.
			sr = <-ch
		}

		if led.Load() {
			if sr.Err != nil {
				return o.finishFailed(ctx, j.run, res, sr.Err)
			}
			out := sr.Val.(*outcome)
			res.CacheHit = out.cacheHit
			return o.finishCompleted(ctx, j.run, res, out.payload)
		}

		if sr.Err == nil {
			out := sr.Val.(*outcome)
			logger.V(logutil.VERBOSE).Info("Served by in-flight computation")
			res.Coalesced = true
			return o.finishCompleted(ctx, j.run, res, bytes.Clone(out.payload))
		}
		if errcode.Is(sr.Err, errcode.Cancelled) && ctx.Err() == nil {
			logger.V(logutil.DEFAULT).Info("In-flight computation was cancelled by its owner, retrying")
			continue
		}
		return o.finishFailed(ctx, j.run, res, sr.Err)
	}
}

// advance moves r to a non-terminal state, honouring cancellation first.
func (o *Orchestrator) advance(ctx context.Context, r *run, to pipeline.State) error {
	if err := ctx.Err(); err != nil {
		return errcode.Wrap(errcode.Cancelled, err, "cancelled before %s", to)
	}
	if err := r.move(to); err != nil {
		return err
	}
	o.deps.Recorder.Transition(string(to))
	logutil.FromContext(ctx).V(logutil.DEBUG).Info("State transition", "state", to)
	return nil
}

func (o *Orchestrator) finishCompleted(ctx context.Context, r *run, res *Result, payload []byte) (*Result, error) {
	if err := r.move(pipeline.StateCompleted); err != nil {
		return o.finishFailed(ctx, r, res, err)
	}
	o.deps.Recorder.Transition(string(pipeline.StateCompleted))
	o.deps.Recorder.Outcome(string(pipeline.StateCompleted), res.Coalesced)
	res.State = pipeline.StateCompleted
	res.States = r.history()
	res.Payload = payload
	logutil.FromContext(ctx).V(logutil.VERBOSE).Info("Request completed", "cacheHit", res.CacheHit, "coalesced", res.Coalesced)
	return res, nil
}

func (o *Orchestrator) finishFailed(ctx context.Context, r *run, res *Result, err error) (*Result, error) {
	f := FailureFor(err)
	r.fail(f)
	o.deps.Recorder.Transition(string(pipeline.StateFailed))
	o.deps.Recorder.Outcome(string(f.Reason), res.Coalesced)
	res.State = pipeline.StateFailed
	res.States = r.history()
	res.Failure = f
	logutil.FromContext(ctx).Info("Request failed", "states", res.States, "reason", f.Reason, "error", err.Error())
	return res, err
}

type nopRecorder struct{}

func (nopRecorder) Transition(string)                  {}
func (nopRecorder) Stage(string, time.Duration, error) {}
func (nopRecorder) Retry(string)                       {}
func (nopRecorder) Outcome(string, bool)               {}
