package sqlstore

import (
	"time"

	"github.com/poiesic/mailkb/core"
)

type sourceRow struct {
	ID              string `gorm:"primaryKey;size:36"`
	Name            string `gorm:"not null"`
	Format          string `gorm:"size:8;not null"`
	Location        string `gorm:"not null"`
	Uploaded        bool
	Status          string `gorm:"size:16;not null;index"`
	ValidationError string
	CreatedAt       time.Time `gorm:"index"`
	UpdatedAt       time.Time
}

func (sourceRow) TableName() string { return "sources" }

type jobRow struct {
	ID                string `gorm:"primaryKey;size:36"`
	SourceID          string `gorm:"size:36;not null;index"`
	State             string `gorm:"size:24;not null;index"`
	AttemptCount      int
	CancelRequested   bool
	ErrorKind         string `gorm:"size:32"`
	ErrorSummary      string `gorm:"size:2000"`
	MessagesSeen      int
	MessagesOK        int
	MessagesFailed    int
	EmbeddingsPending int
	NextAttemptAt     *time.Time `gorm:"index"`
	HeartbeatAt       *time.Time
	StartedAt         *time.Time
	FinishedAt        *time.Time
	CreatedAt         time.Time `gorm:"index"`
	UpdatedAt         time.Time
}

func (jobRow) TableName() string { return "jobs" }

type messageRow struct {
	ID              string `gorm:"primaryKey;size:36"`
	SourceID        string `gorm:"size:36;not null;index"`
	JobID           string `gorm:"size:36;not null;index"`
	FolderPath      string
	HeaderMessageID string `gorm:"index"`
	Subject         string
	Sender          string
	To              []string          `gorm:"serializer:json"`
	Cc              []string          `gorm:"serializer:json"`
	Bcc             []string          `gorm:"serializer:json"`
	Headers         map[string]string `gorm:"serializer:json"`
	SentAt          time.Time
	BodyText        string
	BodyHTML        string
	RawSize         int64
	ContentHash     string `gorm:"size:64;index"`
	Degraded        bool
	EmbeddingStatus string `gorm:"size:16;index"`
	EmbeddingModel  string
	CreatedAt       time.Time
	Attachments     []attachmentRow `gorm:"foreignKey:MessageID"`
}

func (messageRow) TableName() string { return "messages" }

type attachmentRow struct {
	ID          string `gorm:"primaryKey;size:36"`
	MessageID   string `gorm:"size:36;not null;index"`
	Filename    string
	ContentType string
	Size        int64
	StorageRef  string
	CreatedAt   time.Time
}

func (attachmentRow) TableName() string { return "attachments" }

func sourceFromCore(s *core.Source) *sourceRow {
	return &sourceRow{
		ID:              s.ID,
		Name:            s.Name,
		Format:          string(s.Format),
		Location:        s.Location,
		Uploaded:        s.Uploaded,
		Status:          string(s.Status),
		ValidationError: s.ValidationError,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
	}
}

func (r *sourceRow) toCore() *core.Source {
	return &core.Source{
		ID:              r.ID,
		Name:            r.Name,
		Format:          core.Format(r.Format),
		Location:        r.Location,
		Uploaded:        r.Uploaded,
		Status:          core.SourceStatus(r.Status),
		ValidationError: r.ValidationError,
		CreatedAt:       r.CreatedAt.UTC(),
		UpdatedAt:       r.UpdatedAt.UTC(),
	}
}

func jobFromCore(j *core.Job) *jobRow {
	return &jobRow{
		ID:                j.ID,
		SourceID:          j.SourceID,
		State:             string(j.State),
		AttemptCount:      j.AttemptCount,
		CancelRequested:   j.CancelRequested,
		ErrorKind:         string(j.ErrorKind),
		ErrorSummary:      j.ErrorSummary,
		MessagesSeen:      j.Stats.MessagesSeen,
		MessagesOK:        j.Stats.MessagesOK,
		MessagesFailed:    j.Stats.MessagesFailed,
		EmbeddingsPending: j.Stats.EmbeddingsPending,
		NextAttemptAt:     j.NextAttemptAt,
		HeartbeatAt:       j.HeartbeatAt,
		StartedAt:         j.StartedAt,
		FinishedAt:        j.FinishedAt,
		CreatedAt:         j.CreatedAt,
		UpdatedAt:         j.UpdatedAt,
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func (r *jobRow) toCore() *core.Job {
	return &core.Job{
		ID:              r.ID,
		SourceID:        r.SourceID,
		State:           core.JobState(r.State),
		AttemptCount:    r.AttemptCount,
		CancelRequested: r.CancelRequested,
		ErrorKind:       core.Kind(r.ErrorKind),
		ErrorSummary:    r.ErrorSummary,
		Stats: core.JobStats{
			MessagesSeen:      r.MessagesSeen,
			MessagesOK:        r.MessagesOK,
			MessagesFailed:    r.MessagesFailed,
			EmbeddingsPending: r.EmbeddingsPending,
		},
		NextAttemptAt: utcPtr(r.NextAttemptAt),
		HeartbeatAt:   utcPtr(r.HeartbeatAt),
		StartedAt:     utcPtr(r.StartedAt),
		FinishedAt:    utcPtr(r.FinishedAt),
		CreatedAt:     r.CreatedAt.UTC(),
		UpdatedAt:     r.UpdatedAt.UTC(),
	}
}

func messageFromCore(m *core.Message) *messageRow {
	return &messageRow{
		ID:              m.ID,
		SourceID:        m.SourceID,
		JobID:           m.JobID,
		FolderPath:      m.FolderPath,
		HeaderMessageID: m.MessageID,
		Subject:         m.Subject,
		Sender:          m.From,
		To:              m.To,
		Cc:              m.Cc,
		Bcc:             m.Bcc,
		Headers:         m.Headers,
		SentAt:          m.Date,
		BodyText:        m.BodyText,
		BodyHTML:        m.BodyHTML,
		RawSize:         m.RawSize,
		ContentHash:     m.ContentHash,
		Degraded:        m.Degraded,
		EmbeddingStatus: string(m.EmbeddingStatus),
		EmbeddingModel:  m.EmbeddingModel,
		CreatedAt:       m.CreatedAt,
	}
}

func (r *messageRow) toCore() *core.Message {
	m := &core.Message{
		ID:              r.ID,
		SourceID:        r.SourceID,
		JobID:           r.JobID,
		FolderPath:      r.FolderPath,
		MessageID:       r.HeaderMessageID,
		Subject:         r.Subject,
		From:            r.Sender,
		To:              r.To,
		Cc:              r.Cc,
		Bcc:             r.Bcc,
		Headers:         r.Headers,
		Date:            r.SentAt.UTC(),
		BodyText:        r.BodyText,
		BodyHTML:        r.BodyHTML,
		RawSize:         r.RawSize,
		ContentHash:     r.ContentHash,
		Degraded:        r.Degraded,
		EmbeddingStatus: core.EmbeddingStatus(r.EmbeddingStatus),
		EmbeddingModel:  r.EmbeddingModel,
		CreatedAt:       r.CreatedAt.UTC(),
	}
	for i := range r.Attachments {
		m.Attachments = append(m.Attachments, *r.Attachments[i].toCore())
	}
	return m
}

func attachmentFromCore(a *core.Attachment) *attachmentRow {
	return &attachmentRow{
		ID:          a.ID,
		MessageID:   a.MessageID,
		Filename:    a.Filename,
		ContentType: a.ContentType,
		Size:        a.Size,
		StorageRef:  a.StorageRef,
	}
}

func (r *attachmentRow) toCore() *core.Attachment {
	return &core.Attachment{
		ID:          r.ID,
		MessageID:   r.MessageID,
		Filename:    r.Filename,
		ContentType: r.ContentType,
		Size:        r.Size,
		StorageRef:  r.StorageRef,
	}
}
