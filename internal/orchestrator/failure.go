package orchestrator

import (
	"errors"
	"math"

	"github.com/tendant/simple-recipe-pipeline/internal/errcode"
	"github.com/tendant/simple-recipe-pipeline/pkg/pipeline"
)

var reasons = map[string]pipeline.Reason{
	errcode.ConfigurationError: pipeline.ReasonConfiguration,
	errcode.ResourceExhausted:  pipeline.ReasonResourceExhausted,
	errcode.DetectionFailure:   pipeline.ReasonDetectionFailure,
	errcode.GenerationFailure:  pipeline.ReasonGenerationFailure,
	errcode.GenerationTimeout:  pipeline.ReasonGenerationTimeout,
	errcode.NoIngredients:      pipeline.ReasonNoIngredients,
	errcode.Cancelled:          pipeline.ReasonCancelled,
	errcode.InvalidRequest:     pipeline.ReasonInvalidRequest,
}

// FailureFor converts err into the structured, user-visible failure. Internal
// details are not exposed.
func FailureFor(err error) *pipeline.Failure {
	reason, ok := reasons[errcode.CanonicalCode(err)]
	if !ok {
		return &pipeline.Failure{Reason: pipeline.ReasonInternal, Message: "internal error"}
	}
	f := &pipeline.Failure{Reason: reason}
	var e *errcode.Error
	if errors.As(err, &e) {
		f.Message = e.Msg
	}
	if ra := errcode.RetryAfter(err); ra > 0 {
		f.RetryAfterSeconds = int(math.Ceil(ra.Seconds()))
	}
	return f
}
