package sqlstore

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/poiesic/mailkb/core"
	"github.com/poiesic/mailkb/storage"
)

func (s *Store) CreateJob(ctx context.Context, job *core.Job) error {
	now := time.Now().UTC()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.State == "" {
		job.State = core.JobQueued
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	return wrap("create job", s.conn(ctx).Create(jobFromCore(job)).Error)
}

func (s *Store) GetJob(ctx context.Context, id string) (*core.Job, error) {
	var row jobRow
	if err := s.conn(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		return nil, wrap("get job", err)
	}
	return row.toCore(), nil
}

// ListJobs returns jobs newest first.
func (s *Store) ListJobs(ctx context.Context, filter storage.JobFilter) ([]*core.Job, int64, error) {
	scope := func(db *gorm.DB) *gorm.DB {
		if filter.SourceID != "" {
			db = db.Where("source_id = ?", filter.SourceID)
		}
		if filter.State != "" {
			db = db.Where("state = ?", string(filter.State))
		}
		return db
	}

	var total int64
	if err := s.conn(ctx).Model(&jobRow{}).Scopes(scope).Count(&total).Error; err != nil {
		return nil, 0, wrap("count jobs", err)
	}

	var rows []jobRow
	err := s.conn(ctx).Scopes(scope).
		Order("created_at DESC").Order("id DESC").
		Scopes(paginate(filter.ListOptions)).
		Find(&rows).Error
	if err != nil {
		return nil, 0, wrap("list jobs", err)
	}

	jobs := make([]*core.Job, 0, len(rows))
	for i := range rows {
		jobs = append(jobs, rows[i].toCore())
	}
	return jobs, total, nil
}

func (s *Store) QueuedJobIDs(ctx context.Context, limit int) ([]string, error) {
	var ids []string
	err := s.conn(ctx).Model(&jobRow{}).
		Where("state = ?", string(core.JobQueued)).
		Order("created_at ASC").Order("id ASC").
		Limit(limit).
		Pluck("id", &ids).Error
	return ids, wrap("list queued jobs", err)
}

// ClaimJob is a compare-and-set from queued to running. Exactly one caller
// observes RowsAffected == 1 for a given queued job.
func (s *Store) ClaimJob(ctx context.Context, id string, now time.Time) (*core.Job, error) {
	res := s.conn(ctx).Model(&jobRow{}).
		Where("id = ? AND state = ?", id, string(core.JobQueued)).
		Updates(map[string]any{
			"state":           string(core.JobRunning),
			"attempt_count":   gorm.Expr("attempt_count + 1"),
			"started_at":      gorm.Expr("COALESCE(started_at, ?)", now),
			"heartbeat_at":    now,
			"next_attempt_at": nil,
			"updated_at":      now,
		})
	if res.Error != nil {
		return nil, wrap("claim job", res.Error)
	}
	if res.RowsAffected != 1 {
		if _, err := s.GetJob(ctx, id); err != nil {
			return nil, err
		}
		return nil, core.ErrJobAlreadyClaimed
	}
	return s.GetJob(ctx, id)
}

// SaveJobState writes the mutable fields of job guarded by its previous state
// and attempt, so a writer from a superseded attempt never lands.
func (s *Store) SaveJobState(ctx context.Context, job *core.Job, from core.JobState) error {
	job.UpdatedAt = time.Now().UTC()
	res := s.conn(ctx).Model(&jobRow{}).
		Where("id = ? AND state = ? AND attempt_count = ?", job.ID, string(from), job.AttemptCount).
		Updates(map[string]any{
			"state":              string(job.State),
			"cancel_requested":   job.CancelRequested,
			"error_kind":         string(job.ErrorKind),
			"error_summary":      job.ErrorSummary,
			"messages_seen":      job.Stats.MessagesSeen,
			"messages_ok":        job.Stats.MessagesOK,
			"messages_failed":    job.Stats.MessagesFailed,
			"embeddings_pending": job.Stats.EmbeddingsPending,
			"next_attempt_at":    job.NextAttemptAt,
			"heartbeat_at":       job.HeartbeatAt,
			"finished_at":        job.FinishedAt,
			"updated_at":         job.UpdatedAt,
		})
	if res.Error != nil {
		return wrap("transition job", res.Error)
	}
	if res.RowsAffected != 1 {
		return core.ErrInvalidTransition
	}
	return nil
}

func (s *Store) RecordProgress(ctx context.Context, id string, attempt int, delta core.JobStats) error {
	now := time.Now().UTC()
	res := s.conn(ctx).Model(&jobRow{}).Scopes(runningAttempt(id, attempt)).Updates(map[string]any{
		"messages_seen":      gorm.Expr("messages_seen + ?", delta.MessagesSeen),
		"messages_ok":        gorm.Expr("messages_ok + ?", delta.MessagesOK),
		"messages_failed":    gorm.Expr("messages_failed + ?", delta.MessagesFailed),
		"embeddings_pending": gorm.Expr("embeddings_pending + ?", delta.EmbeddingsPending),
		"heartbeat_at":       now,
		"updated_at":         now,
	})
	if res.Error != nil {
		return wrap("record progress", res.Error)
	}
	if res.RowsAffected == 0 {
		return s.attemptLost(ctx, id)
	}
	return nil
}

func (s *Store) Heartbeat(ctx context.Context, id string, attempt int, now time.Time) error {
	res := s.conn(ctx).Model(&jobRow{}).Scopes(runningAttempt(id, attempt)).
		Updates(map[string]any{"heartbeat_at": now, "updated_at": now})
	if res.Error != nil {
		return wrap("heartbeat", res.Error)
	}
	if res.RowsAffected == 0 {
		return s.attemptLost(ctx, id)
	}
	return nil
}

func runningAttempt(id string, attempt int) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("id = ? AND state = ? AND attempt_count = ?", id, string(core.JobRunning), attempt)
	}
}

// attemptLost reports why a guarded write matched no row: the job is gone,
// or it is no longer running under the caller's attempt.
func (s *Store) attemptLost(ctx context.Context, id string) error {
	if _, err := s.GetJob(ctx, id); err != nil {
		return err
	}
	return core.ErrInvalidTransition
}

func (s *Store) IsCancelRequested(ctx context.Context, id string) (bool, error) {
	var row jobRow
	err := s.conn(ctx).Select("cancel_requested").Where("id = ?", id).First(&row).Error
	if err != nil {
		return false, wrap("check cancel", err)
	}
	return row.CancelRequested, nil
}

// RequestCancel only flags running jobs; other states are handled by the caller.
func (s *Store) RequestCancel(ctx context.Context, id string) error {
	res := s.conn(ctx).Model(&jobRow{}).
		Where("id = ? AND state = ?", id, string(core.JobRunning)).
		Updates(map[string]any{"cancel_requested": true, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return wrap("request cancel", res.Error)
	}
	if res.RowsAffected == 0 {
		return core.ErrInvalidTransition
	}
	return nil
}

func (s *Store) PromoteDueRetries(ctx context.Context, now time.Time) (int64, error) {
	res := s.conn(ctx).Model(&jobRow{}).
		Where("state = ? AND next_attempt_at <= ?", string(core.JobRetryScheduled), now).
		Updates(map[string]any{"state": string(core.JobQueued), "updated_at": now})
	return res.RowsAffected, wrap("promote retries", res.Error)
}

// RequeueStale returns running jobs whose worker stopped heartbeating to the
// queue. Jobs with cancellation pending are requeued too; the next attempt
// observes the flag and ends the job.
func (s *Store) RequeueStale(ctx context.Context, before time.Time) (int64, error) {
	res := s.conn(ctx).Model(&jobRow{}).
		Where("state = ? AND heartbeat_at < ?", string(core.JobRunning), before).
		Updates(map[string]any{"state": string(core.JobQueued), "updated_at": time.Now().UTC()})
	return res.RowsAffected, wrap("requeue stale jobs", res.Error)
}

func (s *Store) HasActiveJobs(ctx context.Context, sourceID string) (bool, error) {
	var count int64
	err := s.conn(ctx).Model(&jobRow{}).
		Where("source_id = ? AND state IN ?", sourceID, []string{
			string(core.JobQueued), string(core.JobRunning), string(core.JobRetryScheduled),
		}).
		Count(&count).Error
	if err != nil {
		return false, wrap("count active jobs", err)
	}
	return count > 0, nil
}
