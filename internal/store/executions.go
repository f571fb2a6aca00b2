package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"conveyor/internal/pipeline"
)

// CreateExecution persists a new execution row.
func (s *Store) CreateExecution(ctx context.Context, exec *pipeline.Execution) error {
	if exec == nil {
		return errors.New("execution is nil")
	}
	contextJSON, err := json.Marshal(exec.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	_, err = s.execWithRetry(
		ctx,
		`INSERT INTO executions (id, request_id, template_id, status, context, cursor, error, started_at, updated_at, completed_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID,
		exec.RequestID,
		exec.TemplateID,
		string(exec.Status),
		string(contextJSON),
		nullableString(exec.Cursor),
		nullableString(exec.Error),
		formatTime(exec.StartedAt),
		formatTime(exec.UpdatedAt),
		nullableTime(exec.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	return nil
}

// SaveExecution persists context, cursor, and status for an existing
// execution. Called after every node visit so restarts resume mid-walk.
func (s *Store) SaveExecution(ctx context.Context, exec *pipeline.Execution) error {
	if exec == nil {
		return errors.New("execution is nil")
	}
	exec.UpdatedAt = time.Now().UTC()
	contextJSON, err := json.Marshal(exec.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	_, err = s.execWithRetry(
		ctx,
		`UPDATE executions
         SET status = ?, context = ?, cursor = ?, error = ?, updated_at = ?, completed_at = ?
         WHERE id = ?`,
		string(exec.Status),
		string(contextJSON),
		nullableString(exec.Cursor),
		nullableString(exec.Error),
		formatTime(exec.UpdatedAt),
		nullableTime(exec.CompletedAt),
		exec.ID,
	)
	if err != nil {
		return fmt.Errorf("save execution: %w", err)
	}
	return nil
}

// GetExecution fetches an execution by id, or nil when absent.
func (s *Store) GetExecution(ctx context.Context, id string) (*pipeline.Execution, error) {
	row := s.db.QueryRowContext(ensureContext(ctx), `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return exec, nil
}

// ListExecutions returns executions filtered by status set (or all when no
// status is given), newest first, capped at limit when limit > 0.
func (s *Store) ListExecutions(ctx context.Context, limit int, statuses ...pipeline.ExecutionStatus) ([]*pipeline.Execution, error) {
	base := `SELECT ` + executionColumns + ` FROM executions`
	order := ` ORDER BY started_at DESC, id DESC`
	args := make([]any, 0, len(statuses)+1)

	query := base
	if len(statuses) > 0 {
		query += ` WHERE status IN (` + makePlaceholders(len(statuses)) + `)`
		for _, status := range statuses {
			args = append(args, string(status))
		}
	}
	query += order
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ensureContext(ctx), query, args...)
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var execs []*pipeline.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

// ExecutionsByRequest returns a request's executions, newest first.
func (s *Store) ExecutionsByRequest(ctx context.Context, requestID int64) ([]*pipeline.Execution, error) {
	rows, err := s.db.QueryContext(
		ensureContext(ctx),
		`SELECT `+executionColumns+` FROM executions WHERE request_id = ? ORDER BY started_at DESC, id DESC`,
		requestID,
	)
	if err != nil {
		return nil, fmt.Errorf("executions by request: %w", err)
	}
	defer rows.Close()

	var execs []*pipeline.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

// AppendStepRecord writes the observability row for one node visit.
func (s *Store) AppendStepRecord(ctx context.Context, rec *pipeline.StepRecord) error {
	if rec == nil {
		return errors.New("step record is nil")
	}
	res, err := s.execWithRetry(
		ctx,
		`INSERT INTO step_records (execution_id, step_name, step_type, sequence, outcome, error, started_at, finished_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ExecutionID,
		rec.StepName,
		rec.StepType,
		rec.Sequence,
		string(rec.Outcome),
		nullableString(rec.Error),
		formatTime(rec.StartedAt),
		formatTime(rec.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("insert step record: %w", err)
	}
	if id, err := res.LastInsertId(); err == nil {
		rec.ID = id
	}
	return nil
}

// StepRecords returns an execution's node visits in sequence order.
func (s *Store) StepRecords(ctx context.Context, executionID string) ([]*pipeline.StepRecord, error) {
	rows, err := s.db.QueryContext(
		ensureContext(ctx),
		`SELECT id, execution_id, step_name, step_type, sequence, outcome, error, started_at, finished_at
         FROM step_records WHERE execution_id = ? ORDER BY sequence, id`,
		executionID,
	)
	if err != nil {
		return nil, fmt.Errorf("step records: %w", err)
	}
	defer rows.Close()

	var records []*pipeline.StepRecord
	for rows.Next() {
		var (
			rec         pipeline.StepRecord
			outcome     string
			errMsg      sql.NullString
			startedRaw  string
			finishedRaw string
		)
		if err := rows.Scan(&rec.ID, &rec.ExecutionID, &rec.StepName, &rec.StepType, &rec.Sequence, &outcome, &errMsg, &startedRaw, &finishedRaw); err != nil {
			return nil, err
		}
		rec.Outcome = pipeline.StepOutcome(outcome)
		rec.Error = errMsg.String
		if started, err := parseTimeString(startedRaw); err == nil {
			rec.StartedAt = started
		}
		if finished, err := parseTimeString(finishedRaw); err == nil {
			rec.FinishedAt = finished
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

const executionColumns = "id, request_id, template_id, status, context, cursor, error, started_at, updated_at, completed_at"

func scanExecution(scanner interface{ Scan(dest ...any) error }) (*pipeline.Execution, error) {
	var (
		id           string
		requestID    int64
		templateID   string
		status       string
		contextJSON  string
		cursor       sql.NullString
		errMsg       sql.NullString
		startedRaw   string
		updatedRaw   string
		completedRaw sql.NullString
	)
	if err := scanner.Scan(&id, &requestID, &templateID, &status, &contextJSON, &cursor, &errMsg, &startedRaw, &updatedRaw, &completedRaw); err != nil {
		return nil, err
	}

	execContext := &pipeline.Context{}
	if err := json.Unmarshal([]byte(contextJSON), execContext); err != nil {
		return nil, fmt.Errorf("unmarshal context for execution %s: %w", id, err)
	}

	exec := &pipeline.Execution{
		ID:         id,
		RequestID:  requestID,
		TemplateID: templateID,
		Status:     pipeline.ExecutionStatus(status),
		Context:    execContext,
		Cursor:     cursor.String,
		Error:      errMsg.String,
	}
	if started, err := parseTimeString(startedRaw); err == nil {
		exec.StartedAt = started
	}
	if updated, err := parseTimeString(updatedRaw); err == nil {
		exec.UpdatedAt = updated
	}
	exec.CompletedAt = parseNullableTime(completedRaw)
	return exec, nil
}
