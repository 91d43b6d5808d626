package jobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/poiesic/mailkb/core"
	"github.com/poiesic/mailkb/parser"
	"github.com/poiesic/mailkb/retry"
	"github.com/poiesic/mailkb/storage"
)

// errInterrupted marks a run stopped by engine shutdown rather than by the job itself.
var errInterrupted = errors.New("engine shutting down")

// run is the state of one job execution.
type run struct {
	e        *Engine
	job      *core.Job
	stats    core.JobStats
	failures failureLog
	logger   *slog.Logger
}

// Execute runs one claimed job to an outcome and persists it.
// The returned job carries the final state. An error means the outcome
// itself could not be persisted; ErrSuperseded means another attempt owns
// the job and this one wrote nothing further.
func (e *Engine) Execute(ctx context.Context, job *core.Job) (*core.Job, error) {
	r := &run{
		e:      e,
		job:    job,
		stats:  job.Stats,
		logger: e.logger.With("job", job.ID, "source", job.SourceID, "attempt", job.AttemptCount),
	}

	runCtx, abandon := context.WithCancelCause(ctx)
	defer abandon(nil)
	runCtx, cancel := context.WithTimeout(runCtx, e.remaining(job))
	defer cancel()

	stopHeartbeat := e.startHeartbeat(runCtx, job, abandon)
	r.logger.Info("job started", "resume_from", job.Stats.MessagesSeen)
	err := r.execute(runCtx)
	stopHeartbeat()

	// classify against the parent so shutdown is not mistaken for a timeout
	switch {
	case errors.Is(err, ErrSuperseded), errors.Is(context.Cause(runCtx), ErrSuperseded):
		r.logger.Warn("job attempt superseded, abandoning", "seen", r.stats.MessagesSeen)
		return job, ErrSuperseded
	case err == nil:
	case ctx.Err() != nil:
		err = errInterrupted
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		err = context.DeadlineExceeded
	}
	return r.finish(context.WithoutCancel(ctx), err)
}

// remaining is what is left of the job's wall-clock budget. The budget
// counts from the first claim, so retries and resumes share it.
func (e *Engine) remaining(job *core.Job) time.Duration {
	if job.StartedAt == nil {
		return e.cfg.JobTimeout
	}
	return e.cfg.JobTimeout - e.now().Sub(*job.StartedAt)
}

// startHeartbeat keeps the job's heartbeat fresh while it runs so it is
// not mistaken for stale between progress writes. A heartbeat rejected
// because another attempt owns the job abandons the run.
func (e *Engine) startHeartbeat(ctx context.Context, job *core.Job, abandon context.CancelCauseFunc) func() {
	interval := e.cfg.StaleAfter / 3
	if interval <= 0 {
		return func() {}
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := e.store.Heartbeat(ctx, job.ID, job.AttemptCount, e.now())
				switch {
				case err == nil, ctx.Err() != nil:
				case attemptLost(err):
					abandon(ErrSuperseded)
					return
				default:
					e.logger.Warn("heartbeat failed", "job", job.ID, "err", err)
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// attemptLost reports a guarded write rejected because the attempt no
// longer owns the job.
func attemptLost(err error) bool {
	return errors.Is(err, core.ErrInvalidTransition) || errors.Is(err, storage.ErrNotFound)
}

// progress records delta against the running attempt.
func (r *run) progress(ctx context.Context, op string, delta core.JobStats) error {
	err := r.e.store.RecordProgress(ctx, r.job.ID, r.job.AttemptCount, delta)
	switch {
	case err == nil:
		return nil
	case attemptLost(err):
		return fmt.Errorf("%s: %w", op, ErrSuperseded)
	default:
		return core.E(core.KindInfrastructure, op, err)
	}
}

// execute streams the source. A nil error means the stream was consumed;
// message-level failures are recorded in r.failures, not returned.
func (r *run) execute(ctx context.Context) error {
	source, err := r.e.store.GetSource(ctx, r.job.SourceID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return core.E(core.KindValidationFailed, "load source", err)
		}
		return core.E(core.KindInfrastructure, "load source", err)
	}

	p, err := r.e.parsers.Lookup(source.Format)
	if err != nil {
		return err
	}

	stream, err := p.Parse(ctx, source.Location)
	if err != nil {
		if core.KindOf(err) == core.KindMissingCapability {
			return err
		}
		return core.E(core.KindValidationFailed, "open archive", err)
	}
	defer stream.Close()

	skip := r.job.Stats.MessagesSeen
	for position := 0; ; position++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		rec, err := stream.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return &streamError{err: err}
		}
		if position < skip {
			continue
		}

		cancelled, err := r.e.store.IsCancelRequested(ctx, r.job.ID)
		if err != nil {
			return core.E(core.KindInfrastructure, "check cancellation", err)
		}
		if cancelled {
			return core.E(core.KindCancelled, "run job", core.ErrCancelled)
		}

		if err := r.handle(ctx, rec); err != nil {
			return err
		}
		if r.stats.MessagesSeen%r.e.cfg.ProgressInterval == 0 {
			r.logger.Info("job progress",
				"seen", r.stats.MessagesSeen,
				"ok", r.stats.MessagesOK,
				"failed", r.stats.MessagesFailed,
				"embeddings_pending", r.stats.EmbeddingsPending)
		}
	}
}

// handle persists one record. Only persistence failures are returned.
func (r *run) handle(ctx context.Context, rec *parser.Record) error {
	if rec.Failed() {
		delta := core.JobStats{MessagesSeen: 1, MessagesFailed: 1}
		if err := r.progress(ctx, "record failure", delta); err != nil {
			return err
		}
		r.addStats(delta)
		kind := core.KindOf(rec.Err)
		r.failures.add(kind, fmt.Sprintf("%s: %s", rec.Label, causeText(rec.Err)))
		r.logger.Debug("message failed", "position", rec.Position, "label", rec.Label, "kind", kind)
		return nil
	}

	msg := rec.Message
	if err := r.persist(ctx, msg, rec.Attachments); err != nil {
		return err
	}
	r.addStats(core.JobStats{MessagesSeen: 1, MessagesOK: 1})

	if r.e.extractor == nil {
		return nil
	}
	if err := r.e.extractor.Process(ctx, msg); err != nil {
		r.logger.Debug("message left pending for backfill", "message", msg.ID, "kind", core.KindOf(err))
		delta := core.JobStats{EmbeddingsPending: 1}
		if err := r.progress(ctx, "record pending embedding", delta); err != nil {
			return err
		}
		r.addStats(delta)
	}
	return nil
}

// persist stores attachment blobs, then writes the message, its attachment
// refs and the progress increment in one transaction. Blobs written for a
// rolled back message are removed again.
func (r *run) persist(ctx context.Context, msg *core.Message, attachments []parser.AttachmentData) error {
	msg.ID = uuid.NewString()
	msg.SourceID = r.job.SourceID
	msg.JobID = r.job.ID
	msg.EmbeddingStatus = core.EmbeddingPending

	refs, err := r.storeBlobs(ctx, msg, attachments)
	if err != nil {
		return err
	}

	var progressErr error
	err = r.e.store.WithTransaction(ctx, func(ctx context.Context) error {
		if err := r.e.store.SaveMessage(ctx, msg); err != nil {
			return err
		}
		for i := range refs {
			if err := r.e.store.SaveAttachmentRef(ctx, &refs[i]); err != nil {
				return err
			}
		}
		progressErr = r.e.store.RecordProgress(ctx, r.job.ID, r.job.AttemptCount, core.JobStats{MessagesSeen: 1, MessagesOK: 1})
		return progressErr
	})
	if err != nil {
		r.discardBlobs(refs)
		msg.ID = ""
		if progressErr != nil && attemptLost(progressErr) {
			return fmt.Errorf("persist message: %w", ErrSuperseded)
		}
		return core.E(core.KindInfrastructure, "persist message", err)
	}
	msg.Attachments = refs
	return nil
}

func (r *run) storeBlobs(ctx context.Context, msg *core.Message, attachments []parser.AttachmentData) ([]core.Attachment, error) {
	refs := make([]core.Attachment, 0, len(attachments))
	for _, att := range attachments {
		ref := core.Attachment{
			MessageID:   msg.ID,
			Filename:    att.Filename,
			ContentType: att.ContentType,
			Size:        int64(len(att.Content)),
		}
		if r.e.blobs != nil && att.Content != nil {
			storageRef, size, err := r.e.blobs.Save(ctx, att.Filename, bytes.NewReader(att.Content))
			switch {
			case errors.Is(err, storage.ErrFileTooLarge):
				msg.Degraded = true
				r.logger.Warn("attachment too large, body not stored", "filename", att.Filename, "bytes", len(att.Content))
			case err != nil:
				r.discardBlobs(refs)
				return nil, core.E(core.KindInfrastructure, "store attachment", err)
			default:
				ref.StorageRef = storageRef
				ref.Size = size
			}
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

func (r *run) discardBlobs(refs []core.Attachment) {
	if r.e.blobs == nil {
		return
	}
	for _, ref := range refs {
		if ref.StorageRef == "" {
			continue
		}
		if err := r.e.blobs.Delete(context.Background(), ref.StorageRef); err != nil {
			r.logger.Warn("orphaned attachment blob", "ref", ref.StorageRef, "err", err)
		}
	}
}

func (r *run) addStats(delta core.JobStats) {
	r.stats.MessagesSeen += delta.MessagesSeen
	r.stats.MessagesOK += delta.MessagesOK
	r.stats.MessagesFailed += delta.MessagesFailed
	r.stats.EmbeddingsPending += delta.EmbeddingsPending
}

// streamError is a broken archive stream: the records read so far count,
// the rest of the archive is unreachable.
type streamError struct {
	err error
}

func (e *streamError) Error() string { return "read archive: " + e.err.Error() }
func (e *streamError) Unwrap() error { return e.err }

// finish maps the run outcome to a job state and persists it.
func (r *run) finish(ctx context.Context, runErr error) (*core.Job, error) {
	job := r.job
	now := r.e.now()
	job.Stats = r.stats
	job.NextAttemptAt = nil

	var (
		streamErr *streamError
		err       error
	)
	switch {
	case errors.Is(runErr, errInterrupted):
		// back to the queue, resume later from stats
		from, terr := transition(job, core.JobQueued)
		if terr != nil {
			return job, terr
		}
		if err := r.e.store.SaveJobState(ctx, job, from); err != nil {
			if attemptLost(err) {
				return job, ErrSuperseded
			}
			return job, err
		}
		r.logger.Info("job interrupted, requeued", "seen", job.Stats.MessagesSeen)
		return job, nil

	case errors.As(runErr, &streamErr):
		if job.Stats.MessagesOK > 0 {
			err = r.complete(job, core.JobPartiallySucceeded, core.KindParseError, streamErr.Error())
		} else {
			err = r.complete(job, core.JobFailed, core.KindParseError, streamErr.Error())
		}

	case errors.Is(runErr, context.DeadlineExceeded):
		err = r.complete(job, core.JobFailed, core.KindTimeout,
			fmt.Sprintf("job exceeded timeout of %s after %d messages", r.e.cfg.JobTimeout, job.Stats.MessagesSeen))

	case runErr != nil && core.KindOf(runErr) == core.KindCancelled:
		err = r.complete(job, core.JobFailed, core.KindCancelled,
			fmt.Sprintf("cancelled after %d messages", job.Stats.MessagesSeen))

	case runErr != nil && core.KindOf(runErr) == core.KindInfrastructure:
		if job.AttemptCount <= r.e.cfg.MaxRetries {
			if _, err = transition(job, core.JobRetryScheduled); err != nil {
				break
			}
			next := now.Add(retry.Delay(job.AttemptCount, r.e.cfg.RetryBaseDelay, r.e.cfg.RetryMaxDelay))
			job.NextAttemptAt = &next
			job.ErrorKind = core.KindInfrastructure
			job.ErrorSummary = summarize(job.Stats, &r.failures, runErr.Error())
			r.logger.Warn("job failed, retry scheduled", "next_attempt_at", next, "err", runErr)
		} else {
			err = r.complete(job, core.JobFailed, core.KindInfrastructure, runErr.Error())
		}

	case runErr != nil:
		err = r.complete(job, core.JobFailed, core.KindOf(runErr), runErr.Error())

	case job.Stats.MessagesFailed == 0:
		err = r.complete(job, core.JobSucceeded, core.KindNone, "")

	case job.Stats.MessagesOK > 0:
		err = r.complete(job, core.JobPartiallySucceeded, r.failures.firstKind(), "")

	default:
		err = r.complete(job, core.JobFailed, r.failures.firstKind(), "")
	}

	if err != nil {
		return job, err
	}
	if err := r.e.store.SaveJobState(ctx, job, core.JobRunning); err != nil {
		if attemptLost(err) {
			r.logger.Warn("job outcome dropped, attempt superseded", "state", job.State)
			return job, ErrSuperseded
		}
		return job, fmt.Errorf("save job outcome: %w", err)
	}
	return job, nil
}

// complete moves job to a terminal state.
func (r *run) complete(job *core.Job, state core.JobState, kind core.Kind, extra string) error {
	if _, err := transition(job, state); err != nil {
		return err
	}
	if kind == core.KindNone && job.Stats.MessagesFailed > 0 {
		kind = core.KindParseError
	}
	job.ErrorKind = kind
	job.ErrorSummary = summarize(job.Stats, &r.failures, extra)
	finished := r.e.now()
	job.FinishedAt = &finished

	r.logger.Info("job finished",
		"state", state,
		"kind", kind,
		"seen", job.Stats.MessagesSeen,
		"ok", job.Stats.MessagesOK,
		"failed", job.Stats.MessagesFailed,
		"embeddings_pending", job.Stats.EmbeddingsPending)
	return nil
}
