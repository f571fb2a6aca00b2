package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"conveyor/internal/media"
)

// CreateRequest inserts a request and returns it with its assigned id.
func (s *Store) CreateRequest(ctx context.Context, req *media.Request) (*media.Request, error) {
	if req == nil {
		return nil, errors.New("request is nil")
	}
	now := time.Now().UTC()
	res, err := s.execWithRetry(
		ctx,
		`INSERT INTO requests (title, tmdb_id, media_type, season, requested_by, template_id, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		req.Title,
		req.TMDBID,
		string(req.MediaType),
		req.Season,
		nullableString(req.RequestedBy),
		req.TemplateID,
		formatTime(now),
		formatTime(now),
	)
	if err != nil {
		return nil, fmt.Errorf("insert request: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetRequest(ctx, id)
}

// GetRequest fetches a request by id, or nil when absent.
func (s *Store) GetRequest(ctx context.Context, id int64) (*media.Request, error) {
	row := s.db.QueryRowContext(ensureContext(ctx), `SELECT `+requestColumns+` FROM requests WHERE id = ?`, id)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get request: %w", err)
	}
	return req, nil
}

// ListRequests returns all requests, newest first.
func (s *Store) ListRequests(ctx context.Context) ([]*media.Request, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx), `SELECT `+requestColumns+` FROM requests ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()

	var requests []*media.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		requests = append(requests, req)
	}
	return requests, rows.Err()
}

// UpdateRequest persists mutable request fields.
func (s *Store) UpdateRequest(ctx context.Context, req *media.Request) error {
	if req == nil {
		return errors.New("request is nil")
	}
	req.UpdatedAt = time.Now().UTC()
	_, err := s.execWithRetry(
		ctx,
		`UPDATE requests SET title = ?, tmdb_id = ?, media_type = ?, season = ?,
             requested_by = ?, template_id = ?, updated_at = ?
         WHERE id = ?`,
		req.Title,
		req.TMDBID,
		string(req.MediaType),
		req.Season,
		nullableString(req.RequestedBy),
		req.TemplateID,
		formatTime(req.UpdatedAt),
		req.ID,
	)
	if err != nil {
		return fmt.Errorf("update request: %w", err)
	}
	return nil
}

const requestColumns = "id, title, tmdb_id, media_type, season, requested_by, template_id, created_at, updated_at"

func scanRequest(scanner interface{ Scan(dest ...any) error }) (*media.Request, error) {
	var (
		id          int64
		title       string
		tmdbID      int64
		mediaType   string
		season      int
		requestedBy sql.NullString
		templateID  string
		createdRaw  string
		updatedRaw  string
	)
	if err := scanner.Scan(&id, &title, &tmdbID, &mediaType, &season, &requestedBy, &templateID, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}

	req := &media.Request{
		ID:          id,
		Title:       title,
		TMDBID:      tmdbID,
		MediaType:   media.MediaType(mediaType),
		Season:      season,
		RequestedBy: requestedBy.String,
		TemplateID:  templateID,
	}
	if created, err := parseTimeString(createdRaw); err == nil {
		req.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw); err == nil {
		req.UpdatedAt = updated
	}
	return req, nil
}
