package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"mediaforge/internal/services"
)

// RegisterSource records a stored media file so jobs can reference it.
func (s *Store) RegisterSource(ctx context.Context, path, originalName string) (*Source, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, services.Wrap(services.ErrValidation, "jobs", "register source", "path is required", nil)
	}
	if strings.TrimSpace(originalName) == "" {
		originalName = filepath.Base(path)
	}
	res, err := s.execWithRetry(ctx,
		`INSERT INTO sources (path, original_name, processed, created_at) VALUES (?, ?, 0, ?)`,
		path, originalName, formatTime(s.now()))
	if err != nil {
		return nil, fmt.Errorf("insert source: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetSource(ctx, id)
}

// GetSource fetches a source by identifier.
func (s *Store) GetSource(ctx context.Context, id int64) (*Source, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sourceColumns+` FROM sources WHERE id = ?`, id)
	src, err := scanSource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, services.Wrap(services.ErrNotFound, "jobs", "get source", fmt.Sprintf("source %d", id), nil)
	}
	if err != nil {
		return nil, fmt.Errorf("get source: %w", err)
	}
	return src, nil
}

// ListSources returns every registered source, newest first.
func (s *Store) ListSources(ctx context.Context) ([]*Source, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sourceColumns+` FROM sources ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()
	var out []*Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

// UpdateSourceMetadata stores probed metadata and marks the source processed.
func (s *Store) UpdateSourceMetadata(ctx context.Context, id int64, meta SourceMetadata) error {
	res, err := s.execWithRetry(ctx,
		`UPDATE sources SET duration_seconds = ?, size_bytes = ?, width = ?, height = ?, fps = ?, processed = 1
         WHERE id = ?`,
		meta.DurationSeconds, meta.SizeBytes, meta.Width, meta.Height, meta.FPS, id)
	if err != nil {
		return fmt.Errorf("update source metadata: %w", err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return services.Wrap(services.ErrNotFound, "jobs", "update source metadata", fmt.Sprintf("source %d", id), nil)
	}
	return nil
}
