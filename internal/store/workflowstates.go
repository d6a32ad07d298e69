package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"paidagent/orchestrator/internal/model"
)

// CreateWorkflowState records the start of a Temporal workflow execution,
// grounded on agents/manager/internal/state's bookkeeping of workflow runs.
func (s *Store) CreateWorkflowState(ctx context.Context, w model.WorkflowState) (model.WorkflowState, error) {
	if w.StartedAt.IsZero() {
		w.StartedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_states (temporal_workflow_id, workflow_type, status, started_at, completed_at, error_message, input_data)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(temporal_workflow_id) DO UPDATE SET status = excluded.status`,
		w.TemporalWorkflowID, w.WorkflowType, w.Status, fmtTime(w.StartedAt),
		timeToNullString(w.CompletedAt), w.ErrorMessage, w.InputData)
	if err != nil {
		return model.WorkflowState{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return model.WorkflowState{}, err
	}
	if id != 0 {
		w.ID = id
	}
	return s.GetWorkflowStateByTemporalID(ctx, w.TemporalWorkflowID)
}

func (s *Store) GetWorkflowStateByTemporalID(ctx context.Context, temporalID string) (model.WorkflowState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, temporal_workflow_id, workflow_type, status, started_at, completed_at, error_message, input_data
		FROM workflow_states WHERE temporal_workflow_id = ?`, temporalID)
	return scanWorkflowState(row)
}

func (s *Store) CompleteWorkflowState(ctx context.Context, temporalID, status, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE workflow_states SET status = ?, completed_at = ?, error_message = ? WHERE temporal_workflow_id = ?`,
		status, fmtTime(time.Now().UTC()), errMsg, temporalID)
	return err
}

func scanWorkflowState(row *sql.Row) (model.WorkflowState, error) {
	var w model.WorkflowState
	var startedAt string
	var completedAt sql.NullString
	err := row.Scan(&w.ID, &w.TemporalWorkflowID, &w.WorkflowType, &w.Status, &startedAt, &completedAt, &w.ErrorMessage, &w.InputData)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.WorkflowState{}, ErrNotFound
		}
		return model.WorkflowState{}, err
	}
	if w.StartedAt, err = parseTime(startedAt); err != nil {
		return model.WorkflowState{}, err
	}
	if w.CompletedAt, err = nullableTime(completedAt); err != nil {
		return model.WorkflowState{}, err
	}
	return w, nil
}
