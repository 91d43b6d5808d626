package core

import (
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/go-crypt/x/blake2b"
)

// Format identifies the container format of a mail archive.
type Format string

const (
	FormatMBOX Format = "mbox"
	FormatEML  Format = "eml"
	FormatPST  Format = "pst"
)

// Formats lists every format a Source may declare.
var Formats = []Format{FormatMBOX, FormatEML, FormatPST}

// ParseFormat maps a user supplied format name to a Format.
// Returns an InvalidFormat error for anything outside Formats.
func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Formats {
		if f == known {
			return f, nil
		}
	}
	return "", Errorf(KindInvalidFormat, "parse format", "unsupported format %q (expected mbox, eml or pst)", s)
}

// SourceStatus is the validation state of a Source.
type SourceStatus string

const (
	SourceRegistered SourceStatus = "registered"
	SourceValidated  SourceStatus = "validated"
	SourceInvalid    SourceStatus = "invalid"
)

// Source is a registered mail archive: one format, one location.
type Source struct {
	ID              string
	Name            string
	Format          Format
	Location        string
	Uploaded        bool // Location lives under the upload root
	Status          SourceStatus
	ValidationError string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// JobState is a state of the ingestion job state machine.
type JobState string

const (
	JobQueued             JobState = "queued"
	JobRunning            JobState = "running"
	JobRetryScheduled     JobState = "retry_scheduled"
	JobSucceeded          JobState = "succeeded"
	JobFailed             JobState = "failed"
	JobPartiallySucceeded JobState = "partially_succeeded"
)

// Terminal reports whether no further transition is allowed from s.
func (s JobState) Terminal() bool {
	return s == JobSucceeded || s == JobFailed || s == JobPartiallySucceeded
}

// Active reports whether a job in state s still holds its source.
func (s JobState) Active() bool {
	return s == JobQueued || s == JobRunning || s == JobRetryScheduled
}

// JobStats counts messages handled by a job.
// MessagesOK + MessagesFailed never exceeds MessagesSeen.
type JobStats struct {
	MessagesSeen      int
	MessagesOK        int
	MessagesFailed    int
	EmbeddingsPending int // persisted messages waiting for backfill
}

// Job is one ingestion attempt over one Source.
type Job struct {
	ID              string
	SourceID        string
	State           JobState
	AttemptCount    int
	CancelRequested bool
	ErrorKind       Kind
	ErrorSummary    string
	Stats           JobStats
	NextAttemptAt   *time.Time
	HeartbeatAt     *time.Time
	StartedAt       *time.Time // first claim; the job timeout counts from here
	FinishedAt      *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// EmbeddingStatus tracks whether a message's chunks are in the vector store.
type EmbeddingStatus string

const (
	EmbeddingPending  EmbeddingStatus = "pending"
	EmbeddingComplete EmbeddingStatus = "complete"
)

// Message is one normalized email extracted by a parser.
type Message struct {
	ID              string
	SourceID        string
	JobID           string
	FolderPath      string
	MessageID       string // Message-ID header without angle brackets
	Subject         string
	From            string
	To              []string
	Cc              []string
	Bcc             []string
	Date            time.Time
	BodyText        string
	BodyHTML        string
	Headers         map[string]string
	RawSize         int64
	ContentHash     string
	Degraded        bool // parser could only partially extract the message
	EmbeddingStatus EmbeddingStatus
	EmbeddingModel  string
	Attachments     []Attachment
	CreatedAt       time.Time
}

// Attachment references a blob extracted from a Message.
type Attachment struct {
	ID          string
	MessageID   string
	Filename    string
	ContentType string
	Size        int64
	StorageRef  string
}

// Chunk is a bounded text span of a Message used as the embedding unit.
type Chunk struct {
	ID            string
	MessageID     string
	SequenceIndex int
	Text          string
	TokenCount    int
}

// Embedding is the vector of one Chunk under one model.
type Embedding struct {
	ChunkID       string
	ModelID       string
	MessageID     string
	SourceID      string
	SequenceIndex int
	Text          string
	Vector        []float32
	UpdatedAt     time.Time
}

// ScoredChunk is a vector store hit.
type ScoredChunk struct {
	ChunkID       string
	MessageID     string
	SourceID      string
	SequenceIndex int
	Text          string
	Score         float32
}

// ChunkID derives the deterministic identifier of a chunk.
// Identical message, position and text always produce the same ID.
func ChunkID(messageID string, sequenceIndex int, text string) string {
	h, _ := blake2b.New(16, nil)
	h.Write([]byte(messageID))
	h.Write([]byte{'|'})
	h.Write([]byte(strconv.Itoa(sequenceIndex)))
	h.Write([]byte{'|'})
	h.Write([]byte(text))
	return hex.EncodeToString(h.Sum(nil))
}

const contentHashBodyLimit = 2000

// ContentHash fingerprints a message by sender, subject and the head of its body.
func ContentHash(from, subject, body string) string {
	if len(body) > contentHashBodyLimit {
		body = body[:contentHashBodyLimit]
	}
	h, _ := blake2b.New(32, nil)
	h.Write([]byte(from + "|" + subject + "|" + body))
	return hex.EncodeToString(h.Sum(nil))
}

// Checkpoint records how far a resumable processor got.
type Checkpoint struct {
	Name          string
	LastMessageID string
	Processed     int
	UpdatedAt     time.Time
}
