package orchestrator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/tendant/simple-recipe-pipeline/internal/cache"
	"github.com/tendant/simple-recipe-pipeline/internal/config"
	"github.com/tendant/simple-recipe-pipeline/internal/errcode"
	"github.com/tendant/simple-recipe-pipeline/internal/fingerprint"
	"github.com/tendant/simple-recipe-pipeline/internal/gpu"
	logutil "github.com/tendant/simple-recipe-pipeline/internal/logging"
	"github.com/tendant/simple-recipe-pipeline/pkg/pipeline"
)

// Stage names used in logs and metrics.
const (
	stageDetection  = "detection"
	stageSearch     = "search"
	stageGeneration = "generation"
)

// job is the input of one computation.
type job struct {
	req   Request
	run   *run
	fp    fingerprint.Fingerprint
	prefs pipeline.Preferences
}

// outcome is what a computation hands back to its waiters.
type outcome struct {
	payload  []byte
	cacheHit bool
}

// compute takes a request from CacheCheck through Caching. It leaves the run
// in Caching on success; the caller records the terminal state.
func (o *Orchestrator) compute(ctx context.Context, j *job) (*outcome, error) {
	if err := ctx.Err(); err != nil {
		return nil, errcode.Wrap(errcode.Cancelled, err, "cancelled before computation")
	}
	logger := logutil.FromContext(ctx)

	// Another computation for this fingerprint may have finished since our lookup.
	if e, ok := o.deps.Cache.Get(ctx, cache.RecipeKey(j.fp.Key)); ok {
		return &outcome{payload: e.Payload, cacheHit: true}, nil
	}

	// Step 1: Detect ingredients (or reuse a detection of the same image)
	if err := o.advance(ctx, j.run, pipeline.StateDetecting); err != nil {
		return nil, err
	}
	set, err := o.detect(ctx, j)
	if err != nil {
		return nil, err
	}
	logger.V(logutil.VERBOSE).Info("Ingredients detected", "count", len(set), "ingredients", set.Names())

	// Step 2: Search reference recipes
	if err := o.advance(ctx, j.run, pipeline.StateSearching); err != nil {
		return nil, err
	}
	start := time.Now()
	candidates := o.deps.Searcher.Search(ctx, set)
	o.deps.Recorder.Stage(stageSearch, time.Since(start), nil)
	logger.V(logutil.VERBOSE).Info("Reference recipes found", "count", len(candidates))

	// Step 3: Generate the recipe
	if err := o.advance(ctx, j.run, pipeline.StateGenerating); err != nil {
		return nil, err
	}
	if len(set) == 0 && o.cfg.EmptyPolicy == config.EmptyPolicyFail {
		return nil, errcode.New(errcode.NoIngredients, "no ingredients recognised in the image")
	}
	var recipe pipeline.RecipeCandidate
	err = o.withRetry(ctx, stageGeneration, o.cfg.GenerationRetryCount, func(attempt int) error {
		return o.onGPU(ctx, j.run, gpu.KindGeneration, o.cfg.GenerationCost, attempt, func(callCtx context.Context) error {
			var gerr error
			recipe, gerr = o.deps.Generator.Generate(callCtx, set, j.prefs, candidates)
			return gerr
		})
	})
	if err != nil {
		return nil, err
	}

	// Step 4: Cache the result
	if err := o.advance(ctx, j.run, pipeline.StateCaching); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(pipeline.CachedResult{
		Fingerprint: j.fp.Key,
		Ingredients: set,
		Candidates:  candidates,
		Recipe:      recipe,
		GeneratedAt: time.Now().UTC(),
	})
	if err != nil {
		return nil, errcode.Wrap(errcode.Internal, err, "result encode failed")
	}
	if err := o.deps.Cache.Put(context.WithoutCancel(ctx), cache.RecipeKey(j.fp.Key), payload, o.cfg.CacheTTL); err != nil {
		logger.Error(err, "Cache write failed, returning uncached result")
	}
	o.persist(ctx, j, payload)

	return &outcome{payload: payload}, nil
}

// detect returns the ingredient set for the request image, from the ingredients
// cache when the same image was detected before.
func (o *Orchestrator) detect(ctx context.Context, j *job) (pipeline.IngredientSet, error) {
	logger := logutil.FromContext(ctx)
	key := cache.IngredientsKey(j.fp.ImageKey)
	if e, ok := o.deps.Cache.Get(ctx, key); ok {
		var set pipeline.IngredientSet
		if err := json.Unmarshal(e.Payload, &set); err == nil {
			logger.V(logutil.VERBOSE).Info("Detection served from cache")
			return set, nil
		}
		logger.V(logutil.DEFAULT).Info("Discarding unreadable cached detection", "key", key)
	}

	var set pipeline.IngredientSet
	err := o.withRetry(ctx, stageDetection, o.cfg.DetectionRetryCount, func(attempt int) error {
		return o.onGPU(ctx, j.run, gpu.KindDetection, o.cfg.DetectionCost, attempt, func(callCtx context.Context) error {
			callCtx, cancel := context.WithTimeout(callCtx, o.cfg.DetectionTimeout)
			defer cancel()
			var derr error
			set, derr = o.deps.Detector.Detect(callCtx, j.req.Image)
			return derr
		})
	})
	if err != nil {
		return nil, err
	}

	if data, err := json.Marshal(set); err == nil {
		if err := o.deps.Cache.Put(context.WithoutCancel(ctx), key, data, o.cfg.CacheTTL); err != nil {
			logger.V(logutil.DEBUG).Info("Detection cache write failed", "error", err.Error())
		}
	}
	return set, nil
}

// onGPU runs call while holding a lease of kind. The lease is released on every
// exit path, including a panic inside call, before onGPU returns. call runs on a
// context detached from the caller's cancellation; it is bounded by its own timeout.
func (o *Orchestrator) onGPU(ctx context.Context, r *run, kind gpu.Kind, cost int64, attempt int, call func(context.Context) error) (err error) {
	logger := logutil.FromContext(ctx).WithValues("stage", kind, "attempt", attempt)

	if err := r.hold(kind); err != nil {
		return err
	}
	defer r.unhold(kind)

	lease, err := o.deps.GPU.Acquire(ctx, kind, cost, o.cfg.AcquireTimeout)
	if err != nil {
		return err
	}
	logger.V(logutil.DEBUG).Info("GPU lease acquired", "lease", lease.ID(), "cost", lease.Cost())

	start := time.Now()
	defer func() {
		if rerr := lease.Release(); rerr != nil {
			logger.Error(rerr, "GPU lease release failed", "lease", lease.ID())
		}
		o.deps.Recorder.Stage(string(kind), time.Since(start), err)
		logger.V(logutil.DEBUG).Info("GPU lease released", "lease", lease.ID(), "held", time.Since(start))
	}()
	defer func() {
		if p := recover(); p != nil {
			err = errcode.New(stageCode(kind), "%s stage panicked: %v", kind, p)
		}
	}()

	return call(context.WithoutCancel(ctx))
}

// withRetry runs attempt until it succeeds, fails with a non-retryable error, or
// retries are used up. Backoff grows linearly with the attempt number.
func (o *Orchestrator) withRetry(ctx context.Context, stage string, retries int, attempt func(int) error) error {
	logger := logutil.FromContext(ctx)
	for n := 0; ; n++ {
		err := attempt(n)
		if err == nil {
			return nil
		}
		// A call that ran to completion after cancellation still ends the request.
		if cerr := ctx.Err(); cerr != nil {
			return errcode.Wrap(errcode.Cancelled, cerr, "cancelled during %s", stage)
		}
		if !errcode.Retryable(err) || n >= retries {
			return err
		}
		o.deps.Recorder.Retry(stage)
		backoff := o.cfg.RetryBackoff * time.Duration(n+1)
		logger.V(logutil.DEFAULT).Info("Stage failed, retrying", "stage", stage, "attempt", n, "backoff", backoff, "error", err.Error())

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return errcode.Wrap(errcode.Cancelled, ctx.Err(), "cancelled during %s backoff", stage)
		}
	}
}

// persist stores the result next to the source content. Failures are logged only.
func (o *Orchestrator) persist(ctx context.Context, j *job, payload []byte) {
	if o.deps.Writer == nil || j.req.ContentID == "" {
		return
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.PersistTimeout)
	defer cancel()
	if err := o.deps.Writer.WriteRecipe(pctx, j.req.ContentID, payload); err != nil {
		logutil.FromContext(ctx).Error(err, "Recipe persistence failed", "contentID", j.req.ContentID)
	}
}

func stageCode(kind gpu.Kind) string {
	if kind == gpu.KindDetection {
		return errcode.DetectionFailure
	}
	return errcode.GenerationFailure
}
