package sqlstore

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/poiesic/mailkb/core"
	"github.com/poiesic/mailkb/storage"
)

// SaveMessage inserts a message. Attachments are saved separately.
func (s *Store) SaveMessage(ctx context.Context, msg *core.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.EmbeddingStatus == "" {
		msg.EmbeddingStatus = core.EmbeddingPending
	}
	return wrap("save message", s.conn(ctx).Create(messageFromCore(msg)).Error)
}

func (s *Store) SaveAttachmentRef(ctx context.Context, att *core.Attachment) error {
	if att.ID == "" {
		att.ID = uuid.NewString()
	}
	row := attachmentFromCore(att)
	row.CreatedAt = time.Now().UTC()
	return wrap("save attachment", s.conn(ctx).Create(row).Error)
}

// GetMessage retrieves a message with preloaded attachments.
func (s *Store) GetMessage(ctx context.Context, id string) (*core.Message, error) {
	var row messageRow
	err := s.conn(ctx).Preload("Attachments", func(db *gorm.DB) *gorm.DB {
		return db.Order("filename ASC")
	}).Where("id = ?", id).First(&row).Error
	if err != nil {
		return nil, wrap("get message", err)
	}
	return row.toCore(), nil
}

func (s *Store) GetMessages(ctx context.Context, ids ...string) ([]*core.Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []messageRow
	if err := s.conn(ctx).Preload("Attachments").Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, wrap("get messages", err)
	}
	messages := make([]*core.Message, 0, len(rows))
	for i := range rows {
		messages = append(messages, rows[i].toCore())
	}
	return messages, nil
}

func messageScope(filter storage.MessageFilter) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if filter.SourceID != "" {
			db = db.Where("source_id = ?", filter.SourceID)
		}
		if filter.JobID != "" {
			db = db.Where("job_id = ?", filter.JobID)
		}
		if filter.Status != "" {
			db = db.Where("embedding_status = ?", string(filter.Status))
		}
		return db
	}
}

// ListMessages pages through messages in ID order starting after filter.AfterID.
// Attachments are not loaded.
func (s *Store) ListMessages(ctx context.Context, filter storage.MessageFilter) ([]*core.Message, error) {
	q := s.conn(ctx).Scopes(messageScope(filter)).Order("id ASC")
	if filter.AfterID != "" {
		q = q.Where("id > ?", filter.AfterID)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var rows []messageRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, wrap("list messages", err)
	}
	messages := make([]*core.Message, 0, len(rows))
	for i := range rows {
		messages = append(messages, rows[i].toCore())
	}
	return messages, nil
}

func (s *Store) CountMessages(ctx context.Context, filter storage.MessageFilter) (int64, error) {
	var count int64
	err := s.conn(ctx).Model(&messageRow{}).Scopes(messageScope(filter)).Count(&count).Error
	return count, wrap("count messages", err)
}

func (s *Store) SetEmbeddingStatus(ctx context.Context, id string, status core.EmbeddingStatus, model string) error {
	res := s.conn(ctx).Model(&messageRow{}).Where("id = ?", id).Updates(map[string]any{
		"embedding_status": string(status),
		"embedding_model":  model,
	})
	if res.Error != nil {
		return wrap("set embedding status", res.Error)
	}
	if res.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}
