package dbosruntime

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// ErrWorkflowNotFound is returned when DBOS has no record of a workflow.
var ErrWorkflowNotFound = errors.New("workflow not found")

const workflowStatusQuery = `
		SELECT workflow_uuid, status, name, created_at, updated_at
		FROM dbos.workflow_status
		WHERE workflow_uuid = $1
	`

// WorkflowInfo represents the status of a workflow
type WorkflowInfo struct {
	WorkflowUUID string `json:"workflow_uuid"`
	Status       string `json:"status"`
	Name         string `json:"name"`
	CreatedAt    int64  `json:"created_at"`
	UpdatedAt    int64  `json:"updated_at"`
}

// Terminal reports whether DBOS will not run the workflow again.
func (w *WorkflowInfo) Terminal() bool {
	switch w.Status {
	case "SUCCESS", "ERROR", "CANCELLED", "RETRIES_EXCEEDED":
		return true
	}
	return false
}

// GetWorkflowStatus retrieves the status of a workflow from the DBOS status table
func (r *Runtime) GetWorkflowStatus(ctx context.Context, workflowUUID string) (*WorkflowInfo, error) {
	var info WorkflowInfo
	err := r.db.QueryRowContext(ctx, workflowStatusQuery, workflowUUID).Scan(
		&info.WorkflowUUID,
		&info.Status,
		&info.Name,
		&info.CreatedAt,
		&info.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWorkflowNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query workflow status: %w", err)
	}

	return &info, nil
}
