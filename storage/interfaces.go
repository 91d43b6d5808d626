package storage

import (
	"context"
	"io"
	"time"

	"github.com/poiesic/mailkb/core"
)

// Transactor runs fn atomically. Repositories called with the context passed
// to fn join the same transaction.
type Transactor interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// ListOptions paginates list operations.
type ListOptions struct {
	Limit  int
	Offset int
}

// SourceRepository persists registered archives.
type SourceRepository interface {
	// CreateSource assigns ID and timestamps when unset.
	CreateSource(ctx context.Context, source *core.Source) error

	// GetSource returns ErrNotFound for unknown IDs.
	GetSource(ctx context.Context, id string) (*core.Source, error)

	// ListSources returns sources newest first with the total count.
	ListSources(ctx context.Context, opts ListOptions) ([]*core.Source, int64, error)

	// UpdateSourceStatus records a validation outcome.
	UpdateSourceStatus(ctx context.Context, id string, status core.SourceStatus, validationError string) error
}

// JobFilter narrows ListJobs. Zero fields match everything.
type JobFilter struct {
	SourceID string
	State    core.JobState
	ListOptions
}

// JobRepository persists ingestion jobs and their state machine.
//
// State changes are compare-and-set on the current state so two workers can
// never both move the same job.
type JobRepository interface {
	CreateJob(ctx context.Context, job *core.Job) error
	GetJob(ctx context.Context, id string) (*core.Job, error)

	// ListJobs returns jobs newest first with the total count.
	ListJobs(ctx context.Context, filter JobFilter) ([]*core.Job, int64, error)

	// QueuedJobIDs returns up to limit queued job IDs, oldest first.
	QueuedJobIDs(ctx context.Context, limit int) ([]string, error)

	// ClaimJob moves a queued job to running and increments its attempt count.
	// StartedAt is set by the first claim only.
	// Returns core.ErrJobAlreadyClaimed when the job is no longer queued.
	ClaimJob(ctx context.Context, id string, now time.Time) (*core.Job, error)

	// SaveJobState persists job if its stored state still equals from and its
	// attempt count still equals job.AttemptCount.
	// Returns core.ErrInvalidTransition otherwise.
	SaveJobState(ctx context.Context, job *core.Job, from core.JobState) error

	// RecordProgress adds delta to the job counters and refreshes the heartbeat.
	// Only the running attempt may write; a superseded attempt gets
	// core.ErrInvalidTransition.
	RecordProgress(ctx context.Context, id string, attempt int, delta core.JobStats) error

	// Heartbeat is guarded like RecordProgress.
	Heartbeat(ctx context.Context, id string, attempt int, now time.Time) error
	IsCancelRequested(ctx context.Context, id string) (bool, error)

	// RequestCancel flags a running job for cooperative cancellation.
	RequestCancel(ctx context.Context, id string) error

	// PromoteDueRetries moves retry_scheduled jobs whose NextAttemptAt passed back to queued.
	PromoteDueRetries(ctx context.Context, now time.Time) (int64, error)

	// RequeueStale moves running jobs whose heartbeat is older than before back to queued.
	RequeueStale(ctx context.Context, before time.Time) (int64, error)

	// HasActiveJobs reports whether sourceID has a queued, running or retry_scheduled job.
	HasActiveJobs(ctx context.Context, sourceID string) (bool, error)
}

// MessageFilter narrows message listings. Results are ordered by ID so
// AfterID works as a cursor.
type MessageFilter struct {
	SourceID string
	JobID    string
	Status   core.EmbeddingStatus
	AfterID  string
	Limit    int
}

// MessageRepository persists normalized messages and attachment references.
type MessageRepository interface {
	// SaveMessage assigns ID and CreatedAt when unset.
	SaveMessage(ctx context.Context, msg *core.Message) error
	SaveAttachmentRef(ctx context.Context, att *core.Attachment) error

	// GetMessage returns the message with its attachments, or ErrNotFound.
	GetMessage(ctx context.Context, id string) (*core.Message, error)

	// GetMessages returns the messages that exist, in no particular order.
	GetMessages(ctx context.Context, ids ...string) ([]*core.Message, error)

	ListMessages(ctx context.Context, filter MessageFilter) ([]*core.Message, error)
	CountMessages(ctx context.Context, filter MessageFilter) (int64, error)
	SetEmbeddingStatus(ctx context.Context, id string, status core.EmbeddingStatus, model string) error
}

// VectorFilter narrows a vector query. Zero fields match everything.
type VectorFilter struct {
	ModelID   string
	SourceID  string
	MessageID string
}

// VectorStore holds chunk embeddings keyed by (model, chunk).
type VectorStore interface {
	// Upsert is idempotent per (ModelID, ChunkID).
	Upsert(ctx context.Context, embeddings ...*core.Embedding) error

	// Query returns the k nearest chunks by score descending, ties broken by chunk ID.
	Query(ctx context.Context, vector []float32, k int, filter VectorFilter) ([]*core.ScoredChunk, error)

	// DeleteByMessage removes messageID's embeddings under modelID and returns how many.
	DeleteByMessage(ctx context.Context, messageID, modelID string) (int, error)

	Count(ctx context.Context, modelID string) (int, error)
	Close() error
}

// BlobStore keeps attachment and upload bodies outside the database.
type BlobStore interface {
	// Save stores content under a generated name and returns its reference.
	Save(ctx context.Context, filename string, content io.Reader) (ref string, size int64, err error)
	Open(ctx context.Context, ref string) (io.ReadCloser, error)

	// Path resolves ref to an absolute filesystem path inside the store root.
	Path(ref string) (string, error)

	// Delete is a no-op for missing references.
	Delete(ctx context.Context, ref string) error
}

// CheckpointRepository persists resumable processor progress.
type CheckpointRepository interface {
	SaveCheckpoint(ctx context.Context, checkpoint *core.Checkpoint) error

	// LoadCheckpoint returns nil, nil when no checkpoint exists.
	LoadCheckpoint(ctx context.Context, name string) (*core.Checkpoint, error)

	DeleteCheckpoint(ctx context.Context, name string) error
}
