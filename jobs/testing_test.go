package jobs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/poiesic/mailkb/core"
	"github.com/poiesic/mailkb/parser"
	"github.com/poiesic/mailkb/storage"
	"github.com/poiesic/mailkb/storage/sqlstore"
)

func testMessage(n int) string {
	return fmt.Sprintf("From: Sender %d <sender%d@example.com>\n"+
		"To: Recipient <rcpt@example.com>\n"+
		"Subject: Message %d\n"+
		"Date: Mon, 01 Jan 2024 10:%02d:00 +0000\n"+
		"Message-ID: <msg-%d@example.com>\n"+
		"\n"+
		"Body of message %d.\n", n, n, n, n%60, n, n)
}

const attachmentMessage = "From: Alice <alice@example.com>\n" +
	"Subject: Report attached\n" +
	"Date: Tue, 02 Jan 2024 09:00:00 +0000\n" +
	"Message-ID: <att-1@example.com>\n" +
	"MIME-Version: 1.0\n" +
	"Content-Type: multipart/mixed; boundary=\"BOUNDARY\"\n" +
	"\n" +
	"--BOUNDARY\n" +
	"Content-Type: text/plain; charset=utf-8\n" +
	"\n" +
	"See the attached notes.\n" +
	"--BOUNDARY\n" +
	"Content-Type: text/plain; name=\"notes.txt\"\n" +
	"Content-Disposition: attachment; filename=\"notes.txt\"\n" +
	"\n" +
	"attachment body\n" +
	"--BOUNDARY--\n"

func mboxEntry(message string) string {
	return "From sender@example.com Mon Jan  1 10:00:00 2024\n" + message + "\n"
}

// writeMbox writes count messages. A malformed span is inserted before the
// message at malformedAt; a negative malformedAt writes none.
func writeMbox(t *testing.T, count, malformedAt int, extra ...string) string {
	t.Helper()
	var b strings.Builder
	for i := 0; i < count; i++ {
		if i == malformedAt {
			b.WriteString("From this-line-has-no-date\nSubject: lost\n\norphaned body\n\n")
		}
		b.WriteString(mboxEntry(testMessage(i)))
	}
	for _, msg := range extra {
		b.WriteString(mboxEntry(msg))
	}
	path := filepath.Join(t.TempDir(), "archive.mbox")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	return path
}

// extractorFunc adapts a function to Extractor.
type extractorFunc func(ctx context.Context, msg *core.Message) error

func (f extractorFunc) Process(ctx context.Context, msg *core.Message) error {
	return f(ctx, msg)
}

// flakyStore fails SaveMessage on selected calls.
type flakyStore struct {
	*sqlstore.Store

	mu     sync.Mutex
	calls  int
	failOn map[int]bool
}

var errDiskFull = errors.New("disk full")

func (s *flakyStore) SaveMessage(ctx context.Context, msg *core.Message) error {
	s.mu.Lock()
	s.calls++
	fail := s.failOn[s.calls]
	s.mu.Unlock()
	if fail {
		return errDiskFull
	}
	return s.Store.SaveMessage(ctx, msg)
}

// storeSuite holds the in-memory sqlite fixture shared by the job suites.
type storeSuite struct {
	suite.Suite
	ctx   context.Context
	store *sqlstore.Store
	now   time.Time
}

func (s *storeSuite) SetupTest() {
	store, err := sqlstore.NewMemoryStore()
	s.Require().NoError(err)
	s.store = store
	s.ctx = context.Background()
	s.now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
}

func (s *storeSuite) TearDownTest() {
	s.store.Close()
}

func (s *storeSuite) testConfig() Config {
	cfg := DefaultConfig()
	cfg.PollInterval = 10 * time.Millisecond
	cfg.RetryBaseDelay = time.Minute
	cfg.RetryMaxDelay = 10 * time.Minute
	return cfg
}

func (s *storeSuite) newEngine(store Store, parsers *parser.Set, opts ...Option) *Engine {
	if parsers == nil {
		parsers = parser.NewSet()
	}
	opts = append([]Option{WithConfig(s.testConfig()), WithClock(func() time.Time { return s.now })}, opts...)
	engine, err := NewEngine(store, parsers, opts...)
	s.Require().NoError(err)
	s.T().Cleanup(engine.Release)
	return engine
}

func (s *storeSuite) validatedSource(format core.Format, location string) *core.Source {
	source := &core.Source{
		Name:     "archive",
		Format:   format,
		Location: location,
		Status:   core.SourceValidated,
	}
	s.Require().NoError(s.store.CreateSource(s.ctx, source))
	return source
}

// claimedJob creates and claims a job for source.
func (s *storeSuite) claimedJob(source *core.Source) *core.Job {
	job := &core.Job{SourceID: source.ID}
	s.Require().NoError(s.store.CreateJob(s.ctx, job))
	claimed, err := s.store.ClaimJob(s.ctx, job.ID, s.now)
	s.Require().NoError(err)
	return claimed
}

func (s *storeSuite) countMessages(filter storage.MessageFilter) int64 {
	n, err := s.store.CountMessages(s.ctx, filter)
	s.Require().NoError(err)
	return n
}

func (s *storeSuite) reload(id string) *core.Job {
	job, err := s.store.GetJob(s.ctx, id)
	s.Require().NoError(err)
	return job
}

func writeFile(path, content string) error {
	return os.WriteFile(path, []byte(content), 0o644)
}
