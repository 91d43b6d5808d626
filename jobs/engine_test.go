package jobs

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/poiesic/mailkb/ai/mock"
	"github.com/poiesic/mailkb/core"
	"github.com/poiesic/mailkb/ingestion"
	"github.com/poiesic/mailkb/parser"
	"github.com/poiesic/mailkb/storage"
	"github.com/poiesic/mailkb/storage/badger"
	"github.com/poiesic/mailkb/storage/blob"
)

type engineSuite struct {
	storeSuite
}

func TestEngineSuite(t *testing.T) {
	suite.Run(t, new(engineSuite))
}

func (s *engineSuite) TestExecute_AllMessagesSucceed() {
	source := s.validatedSource(core.FormatMBOX, writeMbox(s.T(), 5, -1))
	engine := s.newEngine(s.store, nil)

	job, err := engine.Execute(s.ctx, s.claimedJob(source))
	s.Require().NoError(err)

	s.Equal(core.JobSucceeded, job.State)
	s.Equal(core.KindNone, job.ErrorKind)
	s.Empty(job.ErrorSummary)
	s.Equal(core.JobStats{MessagesSeen: 5, MessagesOK: 5}, job.Stats)
	s.NotNil(job.FinishedAt)

	stored := s.reload(job.ID)
	s.Equal(core.JobSucceeded, stored.State)
	s.Equal(job.Stats, stored.Stats)
	s.EqualValues(5, s.countMessages(storage.MessageFilter{JobID: job.ID}))
}

func (s *engineSuite) TestExecute_PartialFailure() {
	source := s.validatedSource(core.FormatMBOX, writeMbox(s.T(), 10, 4))
	engine := s.newEngine(s.store, nil)

	job, err := engine.Execute(s.ctx, s.claimedJob(source))
	s.Require().NoError(err)

	s.Equal(core.JobPartiallySucceeded, job.State)
	s.Equal(core.JobStats{MessagesSeen: 11, MessagesOK: 10, MessagesFailed: 1}, s.reload(job.ID).Stats)
	s.Equal(core.KindParseError, job.ErrorKind)
	s.Contains(job.ErrorSummary, "1 of 11 messages failed: parse_error:")
	s.EqualValues(10, s.countMessages(storage.MessageFilter{JobID: job.ID}))
}

func (s *engineSuite) TestExecute_AllMessagesFail() {
	location := filepath.Join(s.T().TempDir(), "bad.eml")
	s.Require().NoError(writeFile(location, "X-Unrelated: nothing useful\n\nbody\n"))
	source := s.validatedSource(core.FormatEML, location)
	engine := s.newEngine(s.store, nil)

	job, err := engine.Execute(s.ctx, s.claimedJob(source))
	s.Require().NoError(err)

	s.Equal(core.JobFailed, job.State)
	s.Equal(core.KindParseError, job.ErrorKind)
	s.Equal(core.JobStats{MessagesSeen: 1, MessagesFailed: 1}, job.Stats)
}

func (s *engineSuite) TestExecute_MissingCapability() {
	location := filepath.Join(s.T().TempDir(), "mailbox.pst")
	s.Require().NoError(writeFile(location, "!BDNfake"))
	source := s.validatedSource(core.FormatPST, location)
	engine := s.newEngine(s.store, nil)

	job, err := engine.Execute(s.ctx, s.claimedJob(source))
	s.Require().NoError(err)

	s.Equal(core.JobFailed, job.State)
	s.Equal(core.KindMissingCapability, job.ErrorKind)
	s.Contains(job.ErrorSummary, "readpst")
	s.Zero(job.Stats.MessagesSeen)
	s.Zero(s.countMessages(storage.MessageFilter{SourceID: source.ID}))
}

func (s *engineSuite) TestExecute_UnreadableArchive() {
	source := s.validatedSource(core.FormatMBOX, filepath.Join(s.T().TempDir(), "missing.mbox"))
	engine := s.newEngine(s.store, nil)

	job, err := engine.Execute(s.ctx, s.claimedJob(source))
	s.Require().NoError(err)

	s.Equal(core.JobFailed, job.State)
	s.Equal(core.KindValidationFailed, job.ErrorKind)
}

func (s *engineSuite) TestExecute_CancelAfterN() {
	const n = 3
	source := s.validatedSource(core.FormatMBOX, writeMbox(s.T(), 10, -1))
	job := s.claimedJob(source)

	processed := 0
	engine := s.newEngine(s.store, nil, WithExtractor(extractorFunc(func(ctx context.Context, msg *core.Message) error {
		processed++
		if processed == n {
			return s.store.RequestCancel(ctx, job.ID)
		}
		return nil
	})))

	job, err := engine.Execute(s.ctx, job)
	s.Require().NoError(err)

	s.Equal(core.JobFailed, job.State)
	s.Equal(core.KindCancelled, job.ErrorKind)
	s.Contains(job.ErrorSummary, "cancelled after 3 messages")
	s.EqualValues(n, s.countMessages(storage.MessageFilter{JobID: job.ID}))
	s.Equal(n, s.reload(job.ID).Stats.MessagesOK)
}

func (s *engineSuite) TestExecute_Timeout() {
	source := s.validatedSource(core.FormatMBOX, writeMbox(s.T(), 3, -1))
	cfg := s.testConfig()
	cfg.JobTimeout = time.Nanosecond
	engine := s.newEngine(s.store, nil, WithConfig(cfg))

	job, err := engine.Execute(s.ctx, s.claimedJob(source))
	s.Require().NoError(err)

	s.Equal(core.JobFailed, job.State)
	s.Equal(core.KindTimeout, job.ErrorKind)
	s.Contains(job.ErrorSummary, "timeout")
}

func (s *engineSuite) TestExecute_TimeoutBudgetSpansAttempts() {
	source := s.validatedSource(core.FormatMBOX, writeMbox(s.T(), 3, -1))
	job := s.claimedJob(source)
	engine := s.newEngine(s.store, nil)

	// the first attempt died; the stale sweep hands the job to a new worker
	// well after the job started
	s.now = s.now.Add(engine.cfg.JobTimeout + time.Minute)
	_, err := s.store.RequeueStale(s.ctx, time.Now().UTC().Add(time.Hour))
	s.Require().NoError(err)
	resumed, err := s.store.ClaimJob(s.ctx, job.ID, s.now)
	s.Require().NoError(err)
	s.Require().True(resumed.StartedAt.Equal(*job.StartedAt))

	final, err := engine.Execute(s.ctx, resumed)
	s.Require().NoError(err)
	s.Equal(core.JobFailed, final.State)
	s.Equal(core.KindTimeout, final.ErrorKind)
}

func (s *engineSuite) TestExecute_SupersededAttemptStops() {
	source := s.validatedSource(core.FormatMBOX, writeMbox(s.T(), 5, -1))
	job := s.claimedJob(source)

	processed := 0
	engine := s.newEngine(s.store, nil, WithExtractor(extractorFunc(func(ctx context.Context, _ *core.Message) error {
		processed++
		if processed == 2 {
			// another worker requeues the job as stale and claims it
			_, err := s.store.RequeueStale(ctx, time.Now().UTC().Add(time.Hour))
			s.Require().NoError(err)
			_, err = s.store.ClaimJob(ctx, job.ID, s.now)
			s.Require().NoError(err)
		}
		return nil
	})))

	_, err := engine.Execute(s.ctx, job)
	s.ErrorIs(err, ErrSuperseded)

	current := s.reload(job.ID)
	s.Equal(core.JobRunning, current.State)
	s.Equal(2, current.AttemptCount)
	s.Nil(current.FinishedAt)
	s.Equal(2, current.Stats.MessagesSeen)
	s.EqualValues(2, s.countMessages(storage.MessageFilter{JobID: job.ID}))
}

func (s *engineSuite) TestExecute_RetryThenResume() {
	source := s.validatedSource(core.FormatMBOX, writeMbox(s.T(), 10, -1))
	flaky := &flakyStore{Store: s.store, failOn: map[int]bool{4: true}}
	engine := s.newEngine(flaky, nil)

	job, err := engine.Execute(s.ctx, s.claimedJob(source))
	s.Require().NoError(err)

	s.Equal(core.JobRetryScheduled, job.State)
	s.Equal(core.KindInfrastructure, job.ErrorKind)
	s.Contains(job.ErrorSummary, "disk full")
	s.Require().NotNil(job.NextAttemptAt)
	s.Equal(s.now.Add(time.Minute), job.NextAttemptAt.UTC())
	s.Equal(3, s.reload(job.ID).Stats.MessagesSeen)
	s.EqualValues(3, s.countMessages(storage.MessageFilter{JobID: job.ID}))

	// not due yet
	n, err := s.store.PromoteDueRetries(s.ctx, s.now)
	s.Require().NoError(err)
	s.Zero(n)

	s.now = s.now.Add(2 * time.Minute)
	submitted, err := engine.Poll(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, submitted)
	engine.inflight.Wait()

	final := s.reload(job.ID)
	s.Equal(core.JobSucceeded, final.State)
	s.Equal(2, final.AttemptCount)
	s.Equal(core.JobStats{MessagesSeen: 10, MessagesOK: 10}, final.Stats)
	s.EqualValues(10, s.countMessages(storage.MessageFilter{JobID: job.ID}), "resume must not duplicate")
}

func (s *engineSuite) TestExecute_RetriesExhausted() {
	source := s.validatedSource(core.FormatMBOX, writeMbox(s.T(), 3, -1))
	flaky := &flakyStore{Store: s.store, failOn: map[int]bool{1: true}}
	cfg := s.testConfig()
	cfg.MaxRetries = 0
	engine := s.newEngine(flaky, nil, WithConfig(cfg))

	job, err := engine.Execute(s.ctx, s.claimedJob(source))
	s.Require().NoError(err)

	s.Equal(core.JobFailed, job.State)
	s.Equal(core.KindInfrastructure, job.ErrorKind)
	s.Nil(job.NextAttemptAt)
}

func (s *engineSuite) TestExecute_InterruptedJobIsRequeued() {
	source := s.validatedSource(core.FormatMBOX, writeMbox(s.T(), 6, -1))
	job := s.claimedJob(source)

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	processed := 0
	engine := s.newEngine(s.store, nil, WithExtractor(extractorFunc(func(context.Context, *core.Message) error {
		processed++
		if processed == 2 {
			cancel()
		}
		return nil
	})))

	job, err := engine.Execute(ctx, job)
	s.Require().NoError(err)
	s.Equal(core.JobQueued, job.State)
	s.Equal(2, s.reload(job.ID).Stats.MessagesSeen)

	plain := s.newEngine(s.store, nil)
	resumed, err := s.store.ClaimJob(s.ctx, job.ID, s.now)
	s.Require().NoError(err)
	final, err := plain.Execute(s.ctx, resumed)
	s.Require().NoError(err)
	s.Equal(core.JobSucceeded, final.State)
	s.EqualValues(6, s.countMessages(storage.MessageFilter{JobID: job.ID}))
}

func (s *engineSuite) TestReimportIsAdditive() {
	source := s.validatedSource(core.FormatMBOX, writeMbox(s.T(), 4, -1))
	engine := s.newEngine(s.store, nil)

	for i := 0; i < 2; i++ {
		job, err := engine.Execute(s.ctx, s.claimedJob(source))
		s.Require().NoError(err)
		s.Equal(core.JobSucceeded, job.State)
	}
	s.EqualValues(8, s.countMessages(storage.MessageFilter{SourceID: source.ID}))
}

func (s *engineSuite) TestExecute_StoresAttachments() {
	blobs, err := blob.NewFileStorage(s.T().TempDir())
	s.Require().NoError(err)
	source := s.validatedSource(core.FormatMBOX, writeMbox(s.T(), 0, -1, attachmentMessage))
	engine := s.newEngine(s.store, nil, WithBlobStore(blobs))

	job, err := engine.Execute(s.ctx, s.claimedJob(source))
	s.Require().NoError(err)
	s.Equal(core.JobSucceeded, job.State)

	msgs, err := s.store.ListMessages(s.ctx, storage.MessageFilter{JobID: job.ID})
	s.Require().NoError(err)
	s.Require().Len(msgs, 1)

	full, err := s.store.GetMessage(s.ctx, msgs[0].ID)
	s.Require().NoError(err)
	s.Require().Len(full.Attachments, 1)
	att := full.Attachments[0]
	s.Equal("notes.txt", att.Filename)
	s.NotEmpty(att.StorageRef)

	rc, err := blobs.Open(s.ctx, att.StorageRef)
	s.Require().NoError(err)
	defer rc.Close()
	body, err := io.ReadAll(rc)
	s.Require().NoError(err)
	s.Contains(string(body), "attachment body")
}

func (s *engineSuite) TestExecute_EmbeddingFailureLeavesPending() {
	vectors, _, backend, err := badger.NewMemoryStores()
	s.Require().NoError(err)
	defer backend.Close()

	embedder := mock.NewMockEmbedder()
	embedder.EmbedTextFunc = func(context.Context, string) ([]float32, error) {
		return nil, errors.New("provider down")
	}
	stage, err := ingestion.NewStage(s.store, vectors, embedder, ingestion.WithRetry(1, time.Millisecond))
	s.Require().NoError(err)

	source := s.validatedSource(core.FormatMBOX, writeMbox(s.T(), 3, -1))
	engine := s.newEngine(s.store, nil, WithExtractor(stage))

	job, err := engine.Execute(s.ctx, s.claimedJob(source))
	s.Require().NoError(err)

	s.Equal(core.JobSucceeded, job.State)
	s.Equal(3, job.Stats.EmbeddingsPending)
	s.EqualValues(3, s.countMessages(storage.MessageFilter{JobID: job.ID, Status: core.EmbeddingPending}))
}

func (s *engineSuite) TestExecute_EmbedsMessages() {
	vectors, _, backend, err := badger.NewMemoryStores()
	s.Require().NoError(err)
	defer backend.Close()

	embedder := mock.NewMockEmbedder()
	stage, err := ingestion.NewStage(s.store, vectors, embedder)
	s.Require().NoError(err)

	source := s.validatedSource(core.FormatMBOX, writeMbox(s.T(), 3, -1))
	engine := s.newEngine(s.store, nil, WithExtractor(stage))

	job, err := engine.Execute(s.ctx, s.claimedJob(source))
	s.Require().NoError(err)

	s.Zero(job.Stats.EmbeddingsPending)
	s.EqualValues(3, s.countMessages(storage.MessageFilter{JobID: job.ID, Status: core.EmbeddingComplete}))
	count, err := vectors.Count(s.ctx, embedder.ModelID())
	s.Require().NoError(err)
	s.Equal(3, count)
}

func (s *engineSuite) TestPoll_RespectsFreeWorkers() {
	source := s.validatedSource(core.FormatMBOX, writeMbox(s.T(), 2, -1))

	release := make(chan struct{})
	cfg := s.testConfig()
	cfg.PoolSize = 2
	engine := s.newEngine(s.store, nil, WithConfig(cfg), WithExtractor(extractorFunc(func(context.Context, *core.Message) error {
		<-release
		return nil
	})))

	for i := 0; i < 3; i++ {
		s.Require().NoError(s.store.CreateJob(s.ctx, &core.Job{SourceID: source.ID}))
	}

	submitted, err := engine.Poll(s.ctx)
	s.Require().NoError(err)
	s.Equal(2, submitted)

	close(release)
	engine.inflight.Wait()

	jobs, _, err := s.store.ListJobs(s.ctx, storage.JobFilter{SourceID: source.ID})
	s.Require().NoError(err)
	states := map[core.JobState]int{}
	for _, job := range jobs {
		states[job.State]++
	}
	s.Equal(2, states[core.JobSucceeded])
	s.Equal(1, states[core.JobQueued])
}

func (s *engineSuite) TestPoll_RequeuesStaleJobs() {
	source := s.validatedSource(core.FormatMBOX, writeMbox(s.T(), 1, -1))
	job := s.claimedJob(source)
	engine := s.newEngine(s.store, nil)

	// the claiming worker vanished long ago
	s.now = s.now.Add(time.Hour)
	submitted, err := engine.Poll(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, submitted)
	engine.inflight.Wait()

	final := s.reload(job.ID)
	s.Equal(core.JobSucceeded, final.State)
	s.Equal(2, final.AttemptCount)
}

func (s *engineSuite) TestRun_StopsOnCancel() {
	source := s.validatedSource(core.FormatMBOX, writeMbox(s.T(), 2, -1))
	job := &core.Job{SourceID: source.ID}
	s.Require().NoError(s.store.CreateJob(s.ctx, job))
	engine := s.newEngine(s.store, nil)

	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx) }()

	s.Eventually(func() bool {
		return s.reload(job.ID).State == core.JobSucceeded
	}, 5*time.Second, 10*time.Millisecond)

	s.ErrorIs(engine.Run(ctx), ErrEngineRunning)
	cancel()
	s.NoError(<-done)
}

func TestNewEngine_RequiresDependencies(t *testing.T) {
	_, err := NewEngine(nil, parser.NewSet())
	if !errors.Is(err, ErrStoreRequired) {
		t.Errorf("expected ErrStoreRequired, got %v", err)
	}
}
