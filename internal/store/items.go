package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"conveyor/internal/media"
)

// CreateItem inserts a deliverable item under a request.
func (s *Store) CreateItem(ctx context.Context, item *media.Item) (*media.Item, error) {
	if item == nil {
		return nil, errors.New("item is nil")
	}
	if item.RequestID == 0 {
		return nil, errors.New("item missing request id")
	}
	if item.Status == "" {
		item.Status = media.StatusPending
	}
	now := time.Now().UTC()
	history, err := item.ErrorHistory.MarshalText()
	if err != nil {
		return nil, fmt.Errorf("marshal error history: %w", err)
	}
	res, err := s.execWithRetry(
		ctx,
		`INSERT INTO items (
            request_id, season, episode, title, status, attempts, retry_at, skip_until,
            source_path, encoded_path, delivered_at, error_message, error_history,
            progress_percent, progress_message, last_heartbeat, needs_review, review_reason,
            created_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.RequestID,
		item.Season,
		item.Episode,
		item.Title,
		string(item.Status),
		item.Attempts,
		nullableTime(item.RetryAt),
		nullableTime(item.SkipUntil),
		nullableString(item.SourcePath),
		nullableString(item.EncodedPath),
		nullableTime(item.DeliveredAt),
		nullableString(item.ErrorMessage),
		nullableString(history),
		item.ProgressPercent,
		nullableString(item.ProgressMessage),
		nullableTime(item.LastHeartbeat),
		boolToInt(item.NeedsReview),
		nullableString(item.ReviewReason),
		formatTime(now),
		formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("insert item: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetItem(ctx, id)
}

// GetItem fetches an item by id, or nil when absent.
func (s *Store) GetItem(ctx context.Context, id int64) (*media.Item, error) {
	row := s.db.QueryRowContext(ensureContext(ctx), `SELECT `+itemColumns+` FROM items WHERE id = ?`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	return item, nil
}

// UpdateItem persists every mutable item field.
func (s *Store) UpdateItem(ctx context.Context, item *media.Item) error {
	if item == nil {
		return errors.New("item is nil")
	}
	item.UpdatedAt = time.Now().UTC()
	history, err := item.ErrorHistory.MarshalText()
	if err != nil {
		return fmt.Errorf("marshal error history: %w", err)
	}
	_, err = s.execWithRetry(
		ctx,
		`UPDATE items
         SET season = ?, episode = ?, title = ?, status = ?, attempts = ?, retry_at = ?,
             skip_until = ?, source_path = ?, encoded_path = ?, delivered_at = ?,
             error_message = ?, error_history = ?, progress_percent = ?, progress_message = ?,
             last_heartbeat = ?, needs_review = ?, review_reason = ?, updated_at = ?
         WHERE id = ?`,
		item.Season,
		item.Episode,
		item.Title,
		string(item.Status),
		item.Attempts,
		nullableTime(item.RetryAt),
		nullableTime(item.SkipUntil),
		nullableString(item.SourcePath),
		nullableString(item.EncodedPath),
		nullableTime(item.DeliveredAt),
		nullableString(item.ErrorMessage),
		nullableString(history),
		item.ProgressPercent,
		nullableString(item.ProgressMessage),
		nullableTime(item.LastHeartbeat),
		boolToInt(item.NeedsReview),
		nullableString(item.ReviewReason),
		formatTime(item.UpdatedAt),
		item.ID,
	)
	if err != nil {
		return fmt.Errorf("update item: %w", err)
	}
	return nil
}

// ItemsByRequest returns a request's items in season/episode order.
func (s *Store) ItemsByRequest(ctx context.Context, requestID int64) ([]*media.Item, error) {
	rows, err := s.db.QueryContext(
		ensureContext(ctx),
		`SELECT `+itemColumns+` FROM items WHERE request_id = ? ORDER BY season, episode, id`,
		requestID,
	)
	if err != nil {
		return nil, fmt.Errorf("items by request: %w", err)
	}
	defer rows.Close()
	return collectItems(rows)
}

// ItemsByStatus returns items matching any of the given statuses, oldest
// first. With no statuses it returns everything.
func (s *Store) ItemsByStatus(ctx context.Context, statuses ...media.Status) ([]*media.Item, error) {
	base := `SELECT ` + itemColumns + ` FROM items`
	order := ` ORDER BY created_at, id`

	var (
		rows *sql.Rows
		err  error
	)
	if len(statuses) == 0 {
		rows, err = s.db.QueryContext(ensureContext(ctx), base+order)
	} else {
		placeholders := makePlaceholders(len(statuses))
		args := make([]any, len(statuses))
		for i, status := range statuses {
			args[i] = string(status)
		}
		rows, err = s.db.QueryContext(ensureContext(ctx), base+` WHERE status IN (`+placeholders+`)`+order, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("items by status: %w", err)
	}
	defer rows.Close()
	return collectItems(rows)
}

// ItemsReadyForRetry returns failed or deferred items whose retry_at or
// skip_until has passed.
func (s *Store) ItemsReadyForRetry(ctx context.Context, now time.Time) ([]*media.Item, error) {
	cutoff := formatTime(now)
	rows, err := s.db.QueryContext(
		ensureContext(ctx),
		`SELECT `+itemColumns+` FROM items
         WHERE (retry_at IS NOT NULL AND retry_at <= ?)
            OR (skip_until IS NOT NULL AND skip_until <= ?)
         ORDER BY created_at, id`,
		cutoff,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("items ready for retry: %w", err)
	}
	defer rows.Close()
	return collectItems(rows)
}

// UpdateItemHeartbeat stamps the last heartbeat for an in-flight item.
func (s *Store) UpdateItemHeartbeat(ctx context.Context, id int64) error {
	now := formatTime(time.Now().UTC())
	_, err := s.execWithRetry(
		ctx,
		`UPDATE items SET last_heartbeat = ?, updated_at = ? WHERE id = ?`,
		now,
		now,
		id,
	)
	if err != nil {
		return fmt.Errorf("update heartbeat: %w", err)
	}
	return nil
}

// RollbackProcessing rewinds items stuck in a processing status to the last
// safe checkpoint. Called once at daemon startup to recover from a crash.
func (s *Store) RollbackProcessing(ctx context.Context) (int64, error) {
	var total int64
	for _, status := range []media.Status{media.StatusDownloading, media.StatusEncoding, media.StatusDelivering} {
		res, err := s.execWithRetry(
			ctx,
			`UPDATE items SET status = ?, progress_percent = 0, progress_message = NULL,
                 last_heartbeat = NULL, updated_at = ?
             WHERE status = ?`,
			string(media.CrashRollback(status)),
			formatTime(time.Now().UTC()),
			string(status),
		)
		if err != nil {
			return total, fmt.Errorf("rollback %s items: %w", status, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("rows affected: %w", err)
		}
		total += affected
	}
	return total, nil
}

// ItemStats counts items grouped by status.
func (s *Store) ItemStats(ctx context.Context) (map[media.Status]int, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx), `SELECT status, COUNT(1) FROM items GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("item stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[media.Status]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[media.Status(status)] = count
	}
	return stats, rows.Err()
}

func collectItems(rows *sql.Rows) ([]*media.Item, error) {
	var items []*media.Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

const itemColumns = "id, request_id, season, episode, title, status, attempts, retry_at, skip_until, source_path, encoded_path, delivered_at, error_message, error_history, progress_percent, progress_message, last_heartbeat, needs_review, review_reason, created_at, updated_at"

func scanItem(scanner interface{ Scan(dest ...any) error }) (*media.Item, error) {
	var (
		id              int64
		requestID       int64
		season          int
		episode         int
		title           string
		statusStr       string
		attempts        int
		retryAtRaw      sql.NullString
		skipUntilRaw    sql.NullString
		sourcePath      sql.NullString
		encodedPath     sql.NullString
		deliveredAtRaw  sql.NullString
		errorMessage    sql.NullString
		errorHistory    sql.NullString
		progressPercent sql.NullFloat64
		progressMessage sql.NullString
		heartbeatRaw    sql.NullString
		needsReview     sql.NullInt64
		reviewReason    sql.NullString
		createdRaw      string
		updatedRaw      string
	)

	if err := scanner.Scan(
		&id,
		&requestID,
		&season,
		&episode,
		&title,
		&statusStr,
		&attempts,
		&retryAtRaw,
		&skipUntilRaw,
		&sourcePath,
		&encodedPath,
		&deliveredAtRaw,
		&errorMessage,
		&errorHistory,
		&progressPercent,
		&progressMessage,
		&heartbeatRaw,
		&needsReview,
		&reviewReason,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}

	item := &media.Item{
		ID:              id,
		RequestID:       requestID,
		Season:          season,
		Episode:         episode,
		Title:           title,
		Status:          media.Status(statusStr),
		Attempts:        attempts,
		SourcePath:      sourcePath.String,
		EncodedPath:     encodedPath.String,
		ErrorMessage:    errorMessage.String,
		ProgressPercent: progressPercent.Float64,
		ProgressMessage: progressMessage.String,
		ReviewReason:    reviewReason.String,
	}
	if needsReview.Valid {
		item.NeedsReview = needsReview.Int64 != 0
	}
	if errorHistory.Valid && errorHistory.String != "" {
		history, err := media.ParseErrorHistory(errorHistory.String)
		if err != nil {
			return nil, fmt.Errorf("parse error history for item %d: %w", id, err)
		}
		item.ErrorHistory = history
	}

	item.RetryAt = parseNullableTime(retryAtRaw)
	item.SkipUntil = parseNullableTime(skipUntilRaw)
	item.DeliveredAt = parseNullableTime(deliveredAtRaw)
	item.LastHeartbeat = parseNullableTime(heartbeatRaw)
	if created, err := parseTimeString(createdRaw); err == nil {
		item.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw); err == nil {
		item.UpdatedAt = updated
	}
	return item, nil
}
