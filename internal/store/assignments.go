package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"conveyor/internal/dispatch"
)

// CreateAssignment persists a new encoder assignment.
func (s *Store) CreateAssignment(ctx context.Context, a *dispatch.Assignment) error {
	if a == nil {
		return errors.New("assignment is nil")
	}
	_, err := s.execWithRetry(
		ctx,
		`INSERT INTO assignments (id, item_id, encoder_id, status, progress_percent, output_path, output_size, error, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID,
		a.ItemID,
		a.EncoderID,
		string(a.Status),
		a.ProgressPercent,
		nullableString(a.OutputPath),
		a.OutputSize,
		nullableString(a.Error),
		formatTime(a.CreatedAt),
		formatTime(a.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert assignment: %w", err)
	}
	return nil
}

// SaveAssignment persists mutable assignment fields.
func (s *Store) SaveAssignment(ctx context.Context, a *dispatch.Assignment) error {
	if a == nil {
		return errors.New("assignment is nil")
	}
	a.UpdatedAt = time.Now().UTC()
	_, err := s.execWithRetry(
		ctx,
		`UPDATE assignments
         SET status = ?, progress_percent = ?, output_path = ?, output_size = ?, error = ?, updated_at = ?
         WHERE id = ?`,
		string(a.Status),
		a.ProgressPercent,
		nullableString(a.OutputPath),
		a.OutputSize,
		nullableString(a.Error),
		formatTime(a.UpdatedAt),
		a.ID,
	)
	if err != nil {
		return fmt.Errorf("save assignment: %w", err)
	}
	return nil
}

// GetAssignment fetches an assignment by job id, or nil when absent.
func (s *Store) GetAssignment(ctx context.Context, id string) (*dispatch.Assignment, error) {
	row := s.db.QueryRowContext(ensureContext(ctx), `SELECT `+assignmentColumns+` FROM assignments WHERE id = ?`, id)
	a, err := scanAssignment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get assignment: %w", err)
	}
	return a, nil
}

// AssignmentsByStatus returns assignments in any of the given statuses,
// oldest first.
func (s *Store) AssignmentsByStatus(ctx context.Context, statuses ...dispatch.AssignmentStatus) ([]*dispatch.Assignment, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := makePlaceholders(len(statuses))
	args := make([]any, len(statuses))
	for i, status := range statuses {
		args[i] = string(status)
	}
	rows, err := s.db.QueryContext(
		ensureContext(ctx),
		`SELECT `+assignmentColumns+` FROM assignments WHERE status IN (`+placeholders+`) ORDER BY created_at, id`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("assignments by status: %w", err)
	}
	defer rows.Close()
	return collectAssignments(rows)
}

// RunningAssignmentsForEncoder returns an encoder's non-terminal
// assignments.
func (s *Store) RunningAssignmentsForEncoder(ctx context.Context, encoderID string) ([]*dispatch.Assignment, error) {
	rows, err := s.db.QueryContext(
		ensureContext(ctx),
		`SELECT `+assignmentColumns+` FROM assignments WHERE encoder_id = ? AND status IN (?, ?) ORDER BY created_at, id`,
		encoderID,
		string(dispatch.AssignmentPending),
		string(dispatch.AssignmentRunning),
	)
	if err != nil {
		return nil, fmt.Errorf("assignments for encoder: %w", err)
	}
	defer rows.Close()
	return collectAssignments(rows)
}

// OrphanAssignmentsForEncoder fails every non-terminal assignment held by an
// encoder, stamping the given reason. Returns the orphaned assignments so
// callers can resolve the owning items.
func (s *Store) OrphanAssignmentsForEncoder(ctx context.Context, encoderID, reason string) ([]*dispatch.Assignment, error) {
	orphans, err := s.RunningAssignmentsForEncoder(ctx, encoderID)
	if err != nil {
		return nil, err
	}
	if len(orphans) == 0 {
		return nil, nil
	}

	now := formatTime(time.Now().UTC())
	ids := make([]any, 0, len(orphans)+2)
	ids = append(ids, reason, now)
	for _, a := range orphans {
		ids = append(ids, a.ID)
	}
	query := `UPDATE assignments SET status = '` + string(dispatch.AssignmentFailed) + `', error = ?, updated_at = ?
        WHERE id IN (` + makePlaceholders(len(orphans)) + `)`
	if _, err := s.execWithRetry(ctx, query, ids...); err != nil {
		return nil, fmt.Errorf("orphan assignments: %w", err)
	}

	for _, a := range orphans {
		a.Status = dispatch.AssignmentFailed
		a.Error = reason
	}
	return orphans, nil
}

func collectAssignments(rows *sql.Rows) ([]*dispatch.Assignment, error) {
	var assignments []*dispatch.Assignment
	for rows.Next() {
		a, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		assignments = append(assignments, a)
	}
	return assignments, rows.Err()
}

const assignmentColumns = "id, item_id, encoder_id, status, progress_percent, output_path, output_size, error, created_at, updated_at"

func scanAssignment(scanner interface{ Scan(dest ...any) error }) (*dispatch.Assignment, error) {
	var (
		id         string
		itemID     int64
		encoderID  string
		status     string
		progress   sql.NullFloat64
		outputPath sql.NullString
		outputSize sql.NullInt64
		errMsg     sql.NullString
		createdRaw string
		updatedRaw string
	)
	if err := scanner.Scan(&id, &itemID, &encoderID, &status, &progress, &outputPath, &outputSize, &errMsg, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}

	a := &dispatch.Assignment{
		ID:              id,
		ItemID:          itemID,
		EncoderID:       encoderID,
		Status:          dispatch.AssignmentStatus(status),
		ProgressPercent: progress.Float64,
		OutputPath:      outputPath.String,
		OutputSize:      outputSize.Int64,
		Error:           errMsg.String,
	}
	if created, err := parseTimeString(createdRaw); err == nil {
		a.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw); err == nil {
		a.UpdatedAt = updated
	}
	return a, nil
}
