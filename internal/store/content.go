package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"content-pipeline/internal/models"
)

// DefaultBatchSize is the page size used by sweep jobs.
const DefaultBatchSize = 500

const maxUpdateAttempts = 5

var contentColumns = []string{
	"id", "title", "legacy_status", "type", "segments", "status_flags",
	"artifacts", "meta", "archive", "version", "created_at", "updated_at",
}

// Create inserts a new item. A zero ID lets the database assign one.
func (s *Store) Create(ctx context.Context, item *models.ContentItem) error {
	now := s.now().UTC()
	fields, err := encodeFields(item)
	if err != nil {
		return err
	}
	cols := []string{"title", "legacy_status", "type", "segments", "status_flags", "artifacts", "meta", "archive", "version", "created_at", "updated_at"}
	vals := []any{item.Title, item.LegacyStatus, item.Type, fields.segments, fields.status, fields.artifacts, fields.meta, fields.archive, 1, s.dialect.timeArg(now), s.dialect.timeArg(now)}
	if item.ID != 0 {
		cols = append([]string{"id"}, cols...)
		vals = append([]any{item.ID}, vals...)
	}
	query, args, err := s.builder.Insert(contentsTable).Columns(cols...).Values(vals...).Suffix("RETURNING id").ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	var id int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return fmt.Errorf("insert content: %w", err)
	}
	item.ID = id
	item.Version = 1
	item.CreatedAt = now
	item.UpdatedAt = now
	return nil
}

// Get loads one item by id.
func (s *Store) Get(ctx context.Context, id int64) (models.ContentItem, error) {
	query, args, err := s.builder.Select(contentColumns...).From(contentsTable).Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return models.ContentItem{}, fmt.Errorf("build select: %w", err)
	}
	item, err := scanContent(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return models.ContentItem{}, fmt.Errorf("content %d: %w", id, ErrNotFound)
	}
	return item, err
}

// FindFirst returns the oldest item matching the predicate.
func (s *Store) FindFirst(ctx context.Context, p Predicate) (models.ContentItem, error) {
	where, err := s.where(p)
	if err != nil {
		return models.ContentItem{}, err
	}
	query, args, err := s.builder.Select(contentColumns...).From(contentsTable).
		Where(where).OrderBy("id ASC").Limit(1).ToSql()
	if err != nil {
		return models.ContentItem{}, fmt.Errorf("build select: %w", err)
	}
	item, err := scanContent(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return models.ContentItem{}, ErrNotFound
	}
	return item, err
}

// Count returns the number of items matching the predicate.
func (s *Store) Count(ctx context.Context, p Predicate) (int, error) {
	where, err := s.where(p)
	if err != nil {
		return 0, err
	}
	query, args, err := s.builder.Select("COUNT(*)").From(contentsTable).Where(where).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build count: %w", err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count content: %w", err)
	}
	return n, nil
}

// ListBatch returns up to limit matching items with id greater than afterID,
// in id order. Callers page by passing the last id seen.
func (s *Store) ListBatch(ctx context.Context, p Predicate, afterID int64, limit int) ([]models.ContentItem, error) {
	where, err := s.where(p)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultBatchSize
	}
	query, args, err := s.builder.Select(contentColumns...).From(contentsTable).
		Where(where).Where(sq.Gt{"id": afterID}).OrderBy("id ASC").Limit(uint64(limit)).ToSql()
	if err != nil {
		return nil, fmt.Errorf("build batch select: %w", err)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query batch: %w", err)
	}
	defer rows.Close()

	var out []models.ContentItem
	for rows.Next() {
		item, err := scanContent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate batch: %w", err)
	}
	return out, nil
}

// Save writes the full item if its version still matches the stored row,
// then bumps the version. A stale version yields ErrVersionConflict.
func (s *Store) Save(ctx context.Context, item *models.ContentItem) error {
	now := s.now().UTC()
	fields, err := encodeFields(item)
	if err != nil {
		return err
	}
	query, args, err := s.builder.Update(contentsTable).
		Set("title", item.Title).
		Set("legacy_status", item.LegacyStatus).
		Set("type", item.Type).
		Set("segments", fields.segments).
		Set("status_flags", fields.status).
		Set("artifacts", fields.artifacts).
		Set("meta", fields.meta).
		Set("archive", fields.archive).
		Set("version", sq.Expr("version + 1")).
		Set("updated_at", s.dialect.timeArg(now)).
		Where(sq.Eq{"id": item.ID, "version": item.Version}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update content %d: %w", item.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update content %d: %w", item.ID, err)
	}
	if n == 0 {
		if _, getErr := s.Get(ctx, item.ID); errors.Is(getErr, ErrNotFound) {
			return getErr
		}
		return fmt.Errorf("content %d at version %d: %w", item.ID, item.Version, ErrVersionConflict)
	}
	item.Version++
	item.UpdatedAt = now
	return nil
}

// Update re-reads the item, applies mutate and saves it, retrying on version
// conflicts. Returning ErrNoChange from mutate skips the write.
func (s *Store) Update(ctx context.Context, id int64, mutate func(*models.ContentItem) error) (models.ContentItem, error) {
	var lastErr error
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		item, err := s.Get(ctx, id)
		if err != nil {
			return models.ContentItem{}, err
		}
		if err := mutate(&item); err != nil {
			if errors.Is(err, ErrNoChange) {
				return item, err
			}
			return models.ContentItem{}, err
		}
		err = s.Save(ctx, &item)
		if err == nil {
			return item, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return models.ContentItem{}, err
		}
		lastErr = err
	}
	return models.ContentItem{}, lastErr
}

type encoded struct {
	segments, status, artifacts, meta, archive string
}

func encodeFields(item *models.ContentItem) (encoded, error) {
	var out encoded
	var err error
	if out.segments, err = encodeJSON(item.Segments, "[]"); err != nil {
		return out, fmt.Errorf("marshal segments: %w", err)
	}
	if out.status, err = encodeJSON(item.Status, "{}"); err != nil {
		return out, fmt.Errorf("marshal status flags: %w", err)
	}
	if out.artifacts, err = encodeJSON(item.Artifacts, "{}"); err != nil {
		return out, fmt.Errorf("marshal artifacts: %w", err)
	}
	if out.meta, err = encodeJSON(item.Meta, "{}"); err != nil {
		return out, fmt.Errorf("marshal meta: %w", err)
	}
	if out.archive, err = encodeJSON(item.Archive, "[]"); err != nil {
		return out, fmt.Errorf("marshal archive: %w", err)
	}
	return out, nil
}

func encodeJSON(v any, empty string) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(raw) == "null" {
		return empty, nil
	}
	return string(raw), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContent(row rowScanner) (models.ContentItem, error) {
	var item models.ContentItem
	var segments, status, artifacts, meta, archive, created, updated any
	if err := row.Scan(&item.ID, &item.Title, &item.LegacyStatus, &item.Type, &segments, &status, &artifacts, &meta, &archive, &item.Version, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return item, err
		}
		return item, fmt.Errorf("scan content: %w", err)
	}
	decode := []struct {
		name string
		raw  []byte
		dst  any
	}{
		{"segments", asBytes(segments), &item.Segments},
		{"status flags", asBytes(status), &item.Status},
		{"artifacts", asBytes(artifacts), &item.Artifacts},
		{"meta", asBytes(meta), &item.Meta},
		{"archive", asBytes(archive), &item.Archive},
	}
	for _, d := range decode {
		if len(d.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(d.raw, d.dst); err != nil {
			return item, fmt.Errorf("unmarshal %s for content %d: %w", d.name, item.ID, err)
		}
	}
	if item.Status == nil {
		item.Status = models.StatusFlags{}
	}
	if item.Artifacts == nil {
		item.Artifacts = map[models.ArtifactKind]models.Artifact{}
	}
	var err error
	if item.CreatedAt, err = parseTime(created); err != nil {
		return item, err
	}
	if item.UpdatedAt, err = parseTime(updated); err != nil {
		return item, err
	}
	return item, nil
}
