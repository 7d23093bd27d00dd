package workflows

import (
	"bytes"
	"context"
	"encoding/base64"
	"strings"

	"github.com/tendant/simple-recipe-pipeline/internal/errcode"
	"github.com/tendant/simple-recipe-pipeline/internal/orchestrator"
	"github.com/tendant/simple-recipe-pipeline/internal/storage"
	"github.com/tendant/simple-recipe-pipeline/pkg/pipeline"
)

// Processor runs one recipe request to a terminal state.
type Processor interface {
	Process(ctx context.Context, req orchestrator.Request) (*orchestrator.Result, error)
	Status(requestID string) (pipeline.StatusResponse, bool)
}

// RecipeWorkflow resolves the request image and hands it to the processor
type RecipeWorkflow struct {
	processor Processor
	images    storage.ImageSource
}

// NewRecipeWorkflow creates a recipe workflow. images may be nil when only
// inline images are accepted.
func NewRecipeWorkflow(processor Processor, images storage.ImageSource) *RecipeWorkflow {
	return &RecipeWorkflow{processor: processor, images: images}
}

// Name returns the workflow name
func (w *RecipeWorkflow) Name() string {
	return "RecipeWorkflow"
}

// Execute runs the recipe workflow. The returned response is filled in on
// failure too; the error carries the errcode.
func (w *RecipeWorkflow) Execute(ctx context.Context, req pipeline.RecipeRequest) (pipeline.RecipeResponse, error) {
	image, err := w.resolveImage(ctx, req)
	if err != nil {
		return pipeline.RecipeResponse{
			RequestID: req.RequestID,
			State:     pipeline.StateFailed,
			Failure:   orchestrator.FailureFor(err),
		}, err
	}

	res, err := w.processor.Process(ctx, orchestrator.Request{
		ID:        req.RequestID,
		UserID:    req.UserID,
		Image:     image,
		ContentID: req.ContentID,
	})
	return Response(res), err
}

func (w *RecipeWorkflow) resolveImage(ctx context.Context, req pipeline.RecipeRequest) ([]byte, error) {
	switch {
	case req.ImageB64 != "" && req.ContentID != "":
		return nil, errcode.New(errcode.InvalidRequest, "set either content_id or image_b64, not both")
	case req.ImageB64 != "":
		data, err := decodeImage(req.ImageB64)
		if err != nil {
			return nil, errcode.Wrap(errcode.InvalidRequest, err, "image_b64 is not valid base64")
		}
		return storage.ReadImage(bytes.NewReader(data))
	case req.ContentID != "":
		if w.images == nil {
			return nil, errcode.Wrap(errcode.ConfigurationError, ErrNoImageSource, "cannot load content %s", req.ContentID)
		}
		data, err := w.images.ReadImage(ctx, req.ContentID)
		if err != nil {
			if errcode.CanonicalCode(err) != errcode.Unknown {
				return nil, err
			}
			return nil, errcode.Wrap(errcode.InvalidRequest, err, "content %s could not be loaded", req.ContentID)
		}
		return data, nil
	default:
		return nil, errcode.New(errcode.InvalidRequest, "content_id or image_b64 is required")
	}
}

// decodeImage accepts plain base64 and data URLs.
func decodeImage(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "data:") {
		if i := strings.Index(s, ","); i >= 0 {
			s = s[i+1:]
		}
	}
	if data, err := base64.StdEncoding.DecodeString(s); err == nil {
		return data, nil
	}
	return base64.RawStdEncoding.DecodeString(s)
}

// Response converts an orchestrator result into its wire form.
func Response(res *orchestrator.Result) pipeline.RecipeResponse {
	if res == nil {
		return pipeline.RecipeResponse{State: pipeline.StateFailed}
	}
	return pipeline.RecipeResponse{
		RequestID:       res.RequestID,
		Fingerprint:     res.Fingerprint,
		State:           res.State,
		CacheHit:        res.CacheHit,
		Coalesced:       res.Coalesced,
		DedupeSeenCount: res.DedupeSeenCount,
		States:          res.States,
		Result:          res.Payload,
		Failure:         res.Failure,
	}
}
