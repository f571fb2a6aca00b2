package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"conveyor/internal/breaker"
)

// GetBreaker fetches the circuit for a service, or nil when none exists.
func (s *Store) GetBreaker(ctx context.Context, service string) (*breaker.Record, error) {
	row := s.db.QueryRowContext(
		ensureContext(ctx),
		`SELECT `+breakerColumns+` FROM breakers WHERE service = ?`,
		service,
	)
	rec, err := scanBreaker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get breaker: %w", err)
	}
	return rec, nil
}

// SaveBreaker upserts a circuit record.
func (s *Store) SaveBreaker(ctx context.Context, rec *breaker.Record) error {
	if rec == nil {
		return errors.New("breaker record is nil")
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	_, err := s.execWithRetry(
		ctx,
		`INSERT INTO breakers (service, state, failures, successes, last_failure, opens_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(service) DO UPDATE SET
             state = excluded.state,
             failures = excluded.failures,
             successes = excluded.successes,
             last_failure = excluded.last_failure,
             opens_at = excluded.opens_at,
             updated_at = excluded.updated_at`,
		rec.Service,
		string(rec.State),
		rec.Failures,
		rec.Successes,
		nullableTime(rec.LastFailure),
		nullableTime(rec.OpensAt),
		formatTime(rec.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("save breaker: %w", err)
	}
	return nil
}

// ListBreakers returns every circuit ordered by service name.
func (s *Store) ListBreakers(ctx context.Context) ([]*breaker.Record, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx), `SELECT `+breakerColumns+` FROM breakers ORDER BY service`)
	if err != nil {
		return nil, fmt.Errorf("list breakers: %w", err)
	}
	defer rows.Close()

	var records []*breaker.Record
	for rows.Next() {
		rec, err := scanBreaker(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// DeleteBreaker removes a circuit, reporting whether one existed.
func (s *Store) DeleteBreaker(ctx context.Context, service string) (bool, error) {
	res, err := s.execWithRetry(ctx, `DELETE FROM breakers WHERE service = ?`, service)
	if err != nil {
		return false, fmt.Errorf("delete breaker: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

const breakerColumns = "service, state, failures, successes, last_failure, opens_at, updated_at"

func scanBreaker(scanner interface{ Scan(dest ...any) error }) (*breaker.Record, error) {
	var (
		service     string
		state       string
		failures    int
		successes   int
		lastFailure sql.NullString
		opensAt     sql.NullString
		updatedRaw  string
	)
	if err := scanner.Scan(&service, &state, &failures, &successes, &lastFailure, &opensAt, &updatedRaw); err != nil {
		return nil, err
	}

	rec := &breaker.Record{
		Service:   service,
		State:     breaker.State(state),
		Failures:  failures,
		Successes: successes,
	}
	rec.LastFailure = parseNullableTime(lastFailure)
	rec.OpensAt = parseNullableTime(opensAt)
	if updated, err := parseTimeString(updatedRaw); err == nil {
		rec.UpdatedAt = updated
	}
	return rec, nil
}
