// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ingestion

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/poiesic/mailkb/ai"
	"github.com/poiesic/mailkb/core"
	"github.com/poiesic/mailkb/retry"
	"github.com/poiesic/mailkb/storage"
)

// Stage defaults.
const (
	DefaultCallTimeout = 30 * time.Second
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = 500 * time.Millisecond
)

// Stage embeds persisted messages and records their embedding status.
// It is safe for concurrent use when its dependencies are.
type Stage struct {
	messages    storage.MessageRepository
	vectors     storage.VectorStore
	embedder    ai.Embedder
	chunker     *Chunker
	callTimeout time.Duration
	maxAttempts int
	retryDelay  time.Duration
	logger      *slog.Logger
}

// StageOption configures a Stage.
type StageOption func(*Stage) error

// WithChunker replaces the default chunker.
func WithChunker(chunker *Chunker) StageOption {
	return func(s *Stage) error {
		if chunker != nil {
			s.chunker = chunker
		}
		return nil
	}
}

// WithCallTimeout bounds a single embedding call.
func WithCallTimeout(timeout time.Duration) StageOption {
	return func(s *Stage) error {
		if timeout <= 0 {
			return fmt.Errorf("call timeout must be positive, got %s", timeout)
		}
		s.callTimeout = timeout
		return nil
	}
}

// WithRetry sets how often a failed embedding call is attempted and the
// base delay between attempts.
func WithRetry(maxAttempts int, baseDelay time.Duration) StageOption {
	return func(s *Stage) error {
		if maxAttempts < 1 {
			return retry.ErrInvalidMaxAttempts
		}
		s.maxAttempts = maxAttempts
		s.retryDelay = baseDelay
		return nil
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) StageOption {
	return func(s *Stage) error {
		if logger == nil {
			logger = slog.Default()
		}
		s.logger = logger
		return nil
	}
}

// NewStage creates an embedding stage.
func NewStage(messages storage.MessageRepository, vectors storage.VectorStore, embedder ai.Embedder, opts ...StageOption) (*Stage, error) {
	if messages == nil {
		return nil, ErrMessageRepositoryRequired
	}
	if vectors == nil {
		return nil, ErrVectorStoreRequired
	}
	if embedder == nil {
		return nil, ErrEmbedderRequired
	}

	chunker, err := NewChunker(DefaultChunkSize, DefaultChunkOverlap)
	if err != nil {
		return nil, err
	}

	s := &Stage{
		messages:    messages,
		vectors:     vectors,
		embedder:    embedder,
		chunker:     chunker,
		callTimeout: DefaultCallTimeout,
		maxAttempts: DefaultMaxAttempts,
		retryDelay:  DefaultRetryDelay,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	s.logger = s.logger.With("component", "embedding")
	return s, nil
}

// ModelID returns the model generation vectors are written under.
func (s *Stage) ModelID() string {
	return s.embedder.ModelID()
}

// Chunks returns the chunks Process would embed for msg.
func (s *Stage) Chunks(msg *core.Message) []core.Chunk {
	return s.chunker.Chunk(msg.ID, MessageText(msg))
}

// Process chunks, embeds and upserts msg, then marks it complete.
// On failure the message is marked pending and a classified error is returned;
// the message itself stays persisted.
func (s *Stage) Process(ctx context.Context, msg *core.Message) error {
	if msg == nil || msg.ID == "" {
		return core.Errorf(core.KindValidationFailed, "embed message", "message has no id")
	}
	model := s.embedder.ModelID()
	chunks := s.Chunks(msg)

	embeddings := make([]*core.Embedding, 0, len(chunks))
	for _, chunk := range chunks {
		vector, err := s.embed(ctx, chunk.Text)
		if err != nil {
			return s.fail(ctx, msg, fmt.Errorf("embed chunk %d: %w", chunk.SequenceIndex, err))
		}
		embeddings = append(embeddings, &core.Embedding{
			ChunkID:       chunk.ID,
			ModelID:       model,
			MessageID:     msg.ID,
			SourceID:      msg.SourceID,
			SequenceIndex: chunk.SequenceIndex,
			Text:          chunk.Text,
			Vector:        vector,
			UpdatedAt:     time.Now().UTC(),
		})
	}

	if len(embeddings) > 0 {
		if err := s.vectors.Upsert(ctx, embeddings...); err != nil {
			return s.fail(ctx, msg, fmt.Errorf("upsert embeddings: %w", err))
		}
	}

	if err := s.messages.SetEmbeddingStatus(ctx, msg.ID, core.EmbeddingComplete, model); err != nil {
		return core.E(core.KindInfrastructure, "mark embedding complete", err)
	}
	msg.EmbeddingStatus = core.EmbeddingComplete
	msg.EmbeddingModel = model

	s.logger.Debug("message embedded", "message", msg.ID, "chunks", len(embeddings), "model", model)
	return nil
}

func (s *Stage) embed(ctx context.Context, text string) ([]float32, error) {
	var vector []float32
	err := retry.Do(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
		defer cancel()

		v, err := s.embedder.EmbedText(callCtx, text)
		if err != nil {
			return err
		}
		if len(v) == 0 {
			return ErrEmptyEmbedding
		}
		vector = v
		return nil
	}, s.maxAttempts, s.retryDelay)
	return vector, err
}

func (s *Stage) fail(ctx context.Context, msg *core.Message, cause error) error {
	kind := core.KindInfrastructure
	switch {
	case errors.Is(cause, context.DeadlineExceeded):
		kind = core.KindTimeout
	case errors.Is(cause, context.Canceled):
		kind = core.KindCancelled
	}

	s.logger.Warn("embedding failed, message left pending", "message", msg.ID, "err", cause)

	// status update must survive a cancelled caller
	statusCtx := context.WithoutCancel(ctx)
	if err := s.messages.SetEmbeddingStatus(statusCtx, msg.ID, core.EmbeddingPending, ""); err != nil {
		cause = errors.Join(cause, fmt.Errorf("mark embedding pending: %w", err))
	}
	msg.EmbeddingStatus = core.EmbeddingPending
	return core.E(kind, "embed message", cause)
}
