package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/poiesic/mailkb/core"
	"github.com/poiesic/mailkb/storage"
)

// List limits
const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// cancelAttempts bounds how often Cancel re-reads a job that changed state underneath it.
const cancelAttempts = 3

// Service creates, inspects and cancels jobs.
type Service struct {
	sources storage.SourceRepository
	jobs    storage.JobRepository
	logger  *slog.Logger
}

// NewService creates a job service.
func NewService(sources storage.SourceRepository, jobs storage.JobRepository, logger *slog.Logger) (*Service, error) {
	if sources == nil || jobs == nil {
		return nil, ErrStoreRequired
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		sources: sources,
		jobs:    jobs,
		logger:  logger.With("component", "jobs"),
	}, nil
}

// Trigger queues a new job for a validated source.
func (s *Service) Trigger(ctx context.Context, sourceID string) (*core.Job, error) {
	const op = "trigger job"
	source, err := s.sources.GetSource(ctx, sourceID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("source %s: %w", sourceID, storage.ErrNotFound)
		}
		return nil, core.E(core.KindInfrastructure, op, err)
	}
	if source.Status != core.SourceValidated {
		return nil, core.E(core.KindValidationFailed, op, core.ErrSourceNotValidated).
			WithHint(fmt.Sprintf("source is %s; validate it first", source.Status))
	}

	job := &core.Job{SourceID: source.ID, State: core.JobQueued}
	if err := s.jobs.CreateJob(ctx, job); err != nil {
		return nil, core.E(core.KindInfrastructure, op, err)
	}
	s.logger.Info("job queued", "job", job.ID, "source", source.ID)
	return job, nil
}

// Get returns the job with id, or storage.ErrNotFound.
func (s *Service) Get(ctx context.Context, id string) (*core.Job, error) {
	job, err := s.jobs.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("job %s: %w", id, storage.ErrNotFound)
		}
		return nil, core.E(core.KindInfrastructure, "get job", err)
	}
	return job, nil
}

// List returns jobs newest first with the total count matching filter.
func (s *Service) List(ctx context.Context, filter storage.JobFilter) ([]*core.Job, int64, error) {
	switch {
	case filter.Limit <= 0:
		filter.Limit = DefaultListLimit
	case filter.Limit > MaxListLimit:
		filter.Limit = MaxListLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	jobs, total, err := s.jobs.ListJobs(ctx, filter)
	if err != nil {
		return nil, 0, core.E(core.KindInfrastructure, "list jobs", err)
	}
	return jobs, total, nil
}

// Cancel stops a job.
//
// A job that has not started yet fails immediately with kind cancelled.
// A running job is flagged and stops before its next message. Cancelling a
// finished job returns core.ErrJobTerminal.
func (s *Service) Cancel(ctx context.Context, id string) (*core.Job, error) {
	const op = "cancel job"
	for attempt := 0; attempt < cancelAttempts; attempt++ {
		job, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}

		switch {
		case job.State.Terminal():
			return job, core.E(core.KindValidationFailed, op, core.ErrJobTerminal)

		case job.State == core.JobRunning:
			err = s.jobs.RequestCancel(ctx, id)
			if err == nil {
				job.CancelRequested = true
				s.logger.Info("cancellation requested", "job", id)
				return job, nil
			}

		default:
			from, terr := transition(job, core.JobFailed)
			if terr != nil {
				return nil, core.E(core.KindValidationFailed, op, terr)
			}
			now := nowUTC()
			job.CancelRequested = true
			job.ErrorKind = core.KindCancelled
			job.ErrorSummary = "cancelled before start"
			job.NextAttemptAt = nil
			job.FinishedAt = &now
			err = s.jobs.SaveJobState(ctx, job, from)
			if err == nil {
				s.logger.Info("job cancelled before start", "job", id, "from", from)
				return job, nil
			}
		}

		if !errors.Is(err, core.ErrInvalidTransition) {
			return nil, core.E(core.KindInfrastructure, op, err)
		}
		// state moved between read and write, look again
	}
	return nil, core.Errorf(core.KindInfrastructure, op, "job %s kept changing state", id)
}
