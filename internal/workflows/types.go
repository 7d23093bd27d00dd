package workflows

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dbos-inc/dbos-transact-golang/dbos"
	"github.com/google/uuid"

	"github.com/tendant/simple-recipe-pipeline/internal/dbosruntime"
	"github.com/tendant/simple-recipe-pipeline/internal/errcode"
	logutil "github.com/tendant/simple-recipe-pipeline/internal/logging"
	"github.com/tendant/simple-recipe-pipeline/pkg/pipeline"
)

// WorkflowResult is the durable outcome of an async run. It is stored by DBOS,
// so the error travels as text.
type WorkflowResult struct {
	Success  bool                    `json:"success"`
	Response pipeline.RecipeResponse `json:"response"`
	Error    string                  `json:"error,omitempty"`
}

// WorkflowRunner executes recipe workflows inline or through the DBOS queue
type WorkflowRunner struct {
	workflow    *RecipeWorkflow
	dbosRuntime *dbosruntime.Runtime
}

// NewWorkflowRunner creates a new workflow runner. With a DBOS runtime the
// workflow function is registered; the runtime must be launched afterwards.
func NewWorkflowRunner(workflow *RecipeWorkflow, dbosRuntime *dbosruntime.Runtime) *WorkflowRunner {
	runner := &WorkflowRunner{
		workflow:    workflow,
		dbosRuntime: dbosRuntime,
	}

	// Register the DBOS workflow function
	if dbosRuntime != nil {
		dbos.RegisterWorkflow(dbosRuntime.Context(), runner.executeWorkflowDBOS)
	}

	return runner
}

// Async reports whether RunAsync is available.
func (r *WorkflowRunner) Async() bool {
	return r.dbosRuntime != nil
}

// Run executes the workflow synchronously
func (r *WorkflowRunner) Run(ctx context.Context, req pipeline.RecipeRequest) (pipeline.RecipeResponse, error) {
	if req.RequestID == "" {
		req.RequestID = uuid.New().String()
	}
	return r.workflow.Execute(ctx, req)
}

// RunAsync enqueues the workflow for execution via DBOS. The request ID
// becomes the workflow ID, so resubmitting a request ID is idempotent.
func (r *WorkflowRunner) RunAsync(ctx context.Context, req pipeline.RecipeRequest) (string, error) {
	if r.dbosRuntime == nil {
		return "", ErrAsyncUnavailable
	}
	if req.ContentID == "" && req.ImageB64 == "" {
		return "", errcode.New(errcode.InvalidRequest, "content_id or image_b64 is required")
	}
	if req.RequestID == "" {
		req.RequestID = fmt.Sprintf("%s-%s", pipeline.JobRecipe, uuid.New().String())
	}

	handle, err := dbos.RunWorkflow[pipeline.RecipeRequest, *WorkflowResult](
		r.dbosRuntime.Context(),
		r.executeWorkflowDBOS,
		req,
		dbos.WithWorkflowID(req.RequestID),
		dbos.WithQueue(r.dbosRuntime.QueueName()),
	)
	if err != nil {
		return "", err
	}
	logutil.FromContext(ctx).V(logutil.VERBOSE).Info("Recipe workflow enqueued", "runID", handle.GetWorkflowID())

	return handle.GetWorkflowID(), nil
}

// executeWorkflowDBOS is the DBOS workflow function around the recipe workflow.
// Pipeline failures are results, not workflow errors, so DBOS does not retry them.
func (r *WorkflowRunner) executeWorkflowDBOS(dbosCtx dbos.DBOSContext, req pipeline.RecipeRequest) (*WorkflowResult, error) {
	workflowID, err := dbosCtx.GetWorkflowID()
	if err != nil {
		return nil, err
	}
	req.RequestID = workflowID

	// DBOSContext implements context.Context
	resp, err := r.workflow.Execute(dbosCtx, req)
	result := &WorkflowResult{Success: err == nil, Response: resp}
	if err != nil {
		result.Error = err.Error()
	}
	return result, nil
}

// WorkflowStatus represents the status of a run
type WorkflowStatus struct {
	RunID      string                    `json:"run_id"`
	State      string                    `json:"state"`
	StartedAt  time.Time                 `json:"started_at"`
	FinishedAt *time.Time                `json:"finished_at,omitempty"`
	Pipeline   *pipeline.StatusResponse  `json:"pipeline,omitempty"`
	Workflow   *dbosruntime.WorkflowInfo `json:"workflow,omitempty"`
}

// GetStatus looks the run up in the pipeline's status registry and, for
// async runs, in the DBOS status table.
func (r *WorkflowRunner) GetStatus(ctx context.Context, runID string) (*WorkflowStatus, error) {
	status := &WorkflowStatus{RunID: runID}

	if ps, ok := r.workflow.processor.Status(runID); ok {
		status.Pipeline = &ps
		status.State = string(ps.State)
		status.StartedAt = ps.StartedAt
		status.FinishedAt = ps.FinishedAt
	}

	if r.dbosRuntime != nil {
		info, err := r.dbosRuntime.GetWorkflowStatus(ctx, runID)
		switch {
		case errors.Is(err, dbosruntime.ErrWorkflowNotFound):
		case err != nil:
			return nil, err
		default:
			status.Workflow = info
			if status.Pipeline == nil {
				status.State = info.Status
				status.StartedAt = time.UnixMilli(info.CreatedAt)
			}
		}
	}

	if status.Pipeline == nil && status.Workflow == nil {
		return nil, ErrRunNotFound
	}
	return status, nil
}
