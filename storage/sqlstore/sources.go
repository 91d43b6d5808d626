package sqlstore

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/poiesic/mailkb/core"
	"github.com/poiesic/mailkb/storage"
)

// CreateSource inserts a source, assigning an ID and timestamps when unset.
func (s *Store) CreateSource(ctx context.Context, source *core.Source) error {
	now := time.Now().UTC()
	if source.ID == "" {
		source.ID = uuid.NewString()
	}
	if source.CreatedAt.IsZero() {
		source.CreatedAt = now
	}
	source.UpdatedAt = now
	if source.Status == "" {
		source.Status = core.SourceRegistered
	}
	return wrap("create source", s.conn(ctx).Create(sourceFromCore(source)).Error)
}

func (s *Store) GetSource(ctx context.Context, id string) (*core.Source, error) {
	var row sourceRow
	if err := s.conn(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, wrap("get source", err)
	}
	return row.toCore(), nil
}

// ListSources returns sources newest first.
func (s *Store) ListSources(ctx context.Context, opts storage.ListOptions) ([]*core.Source, int64, error) {
	var total int64
	if err := s.conn(ctx).Model(&sourceRow{}).Count(&total).Error; err != nil {
		return nil, 0, wrap("count sources", err)
	}

	var rows []sourceRow
	err := s.conn(ctx).
		Order("created_at DESC").Order("id DESC").
		Scopes(paginate(opts)).
		Find(&rows).Error
	if err != nil {
		return nil, 0, wrap("list sources", err)
	}

	sources := make([]*core.Source, 0, len(rows))
	for i := range rows {
		sources = append(sources, rows[i].toCore())
	}
	return sources, total, nil
}

func (s *Store) UpdateSourceStatus(ctx context.Context, id string, status core.SourceStatus, validationError string) error {
	res := s.conn(ctx).Model(&sourceRow{}).Where("id = ?", id).Updates(map[string]any{
		"status":           string(status),
		"validation_error": validationError,
		"updated_at":       time.Now().UTC(),
	})
	if res.Error != nil {
		return wrap("update source status", res.Error)
	}
	if res.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}
