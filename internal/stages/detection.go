package stages

import (
	"context"
	"errors"
	"math"
	"sort"
	"strings"

	"github.com/tendant/simple-recipe-pipeline/internal/errcode"
	"github.com/tendant/simple-recipe-pipeline/pkg/pipeline"
)

// Prediction is one raw output of the segmentation model.
type Prediction struct {
	Name       string
	Confidence float64
	Region     pipeline.Region
}

// Segmenter is the segmentation model.
type Segmenter interface {
	Segment(ctx context.Context, image []byte) ([]Prediction, error)
}

// Detector turns segmentation output into a validated IngredientSet.
// Callers must hold a detection lease.
type Detector struct {
	segmenter Segmenter
	floor     float64
}

// NewDetector creates a detector dropping predictions below floor.
func NewDetector(segmenter Segmenter, floor float64) *Detector {
	return &Detector{segmenter: segmenter, floor: floor}
}

// Detect runs the model on image. A model error or malformed output is a
// DetectionFailure. Zero predictions above the floor is a valid, empty result.
func (d *Detector) Detect(ctx context.Context, image []byte) (pipeline.IngredientSet, error) {
	preds, err := d.segmenter.Segment(ctx, image)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, errcode.Wrap(errcode.DetectionFailure, err, "segmentation timed out")
		}
		if errcode.Is(err, errcode.DetectionFailure) {
			return nil, err
		}
		return nil, errcode.Wrap(errcode.DetectionFailure, err, "segmentation failed")
	}

	best := make(map[string]pipeline.Ingredient, len(preds))
	for i, p := range preds {
		name := strings.ToLower(strings.TrimSpace(p.Name))
		if name == "" {
			return nil, errcode.New(errcode.DetectionFailure, "prediction %d has no name", i)
		}
		if math.IsNaN(p.Confidence) || p.Confidence < 0 || p.Confidence > 1 {
			return nil, errcode.New(errcode.DetectionFailure, "prediction %q has confidence %v outside [0,1]", name, p.Confidence)
		}
		if p.Confidence < d.floor {
			continue
		}
		if cur, ok := best[name]; ok && cur.Confidence >= p.Confidence {
			continue
		}
		best[name] = pipeline.Ingredient{Name: name, Confidence: p.Confidence, Region: p.Region}
	}

	set := make(pipeline.IngredientSet, 0, len(best))
	for _, ing := range best {
		set = append(set, ing)
	}
	sort.Slice(set, func(i, j int) bool {
		if set[i].Confidence != set[j].Confidence {
			return set[i].Confidence > set[j].Confidence
		}
		return set[i].Name < set[j].Name
	})
	return set, nil
}
