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

package backfill

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/poiesic/mailkb/core"
	"github.com/poiesic/mailkb/retry"
	"github.com/poiesic/mailkb/storage"
)

// Mode selects which messages a run covers.
type Mode string

const (
	ModePending Mode = "pending"
	ModeAll     Mode = "all"
)

// ParseMode maps a user supplied mode name to a Mode.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModePending, ModeAll:
		return m, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
}

// Embedder is the embedding stage a backfill drives.
type Embedder interface {
	Process(ctx context.Context, msg *core.Message) error
	ModelID() string
}

// Config holds configuration for a backfill run.
type Config struct {
	// Mode selects pending or all messages.
	Mode Mode

	// BatchSize is the number of messages fetched and checkpointed together.
	BatchSize int

	// ReportInterval is how often progress is written, in messages.
	ReportInterval int

	// MaxAttempts bounds how often one message is tried per run.
	MaxAttempts int

	// RetryDelay is the base delay for exponential backoff.
	RetryDelay time.Duration

	// SourceID restricts the run to one source when set.
	SourceID string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Mode:           ModePending,
		BatchSize:      DefaultBatchSize,
		ReportInterval: 100,
		MaxAttempts:    2,
		RetryDelay:     time.Second,
	}
}

// Result summarizes a run.
type Result struct {
	Mode      Mode
	ModelID   string
	Total     int
	Processed int
	Embedded  int
	Failed    int
	Resumed   bool
}

// Backfiller regenerates embeddings for stored messages.
type Backfiller struct {
	mode        Mode
	messages    storage.MessageRepository
	vectors     storage.VectorStore
	checkpoints storage.CheckpointRepository
	stage       Embedder
	config      Config
	progress    io.Writer
	logger      *slog.Logger
}

// NewBackfiller creates a backfiller. progress receives human readable
// progress lines and may be nil.
func NewBackfiller(
	messages storage.MessageRepository,
	vectors storage.VectorStore,
	checkpoints storage.CheckpointRepository,
	stage Embedder,
	config Config,
	progress io.Writer,
) (*Backfiller, error) {
	mode := config.Mode
	if mode != ModePending && mode != ModeAll {
		return nil, fmt.Errorf("%w: %q", ErrInvalidMode, mode)
	}
	if messages == nil || vectors == nil || checkpoints == nil {
		return nil, ErrRepositoryRequired
	}
	if stage == nil {
		return nil, ErrStageRequired
	}
	defaults := DefaultConfig()
	if config.BatchSize <= 0 {
		config.BatchSize = defaults.BatchSize
	}
	if config.ReportInterval <= 0 {
		config.ReportInterval = defaults.ReportInterval
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = defaults.MaxAttempts
	}
	if progress == nil {
		progress = io.Discard
	}
	return &Backfiller{
		mode:        mode,
		messages:    messages,
		vectors:     vectors,
		checkpoints: checkpoints,
		stage:       stage,
		config:      config,
		progress:    progress,
		logger:      slog.Default().With("component", "backfill", "mode", string(mode), "model", stage.ModelID()),
	}, nil
}

// CheckpointName identifies the checkpoint of a run for mode and model.
func CheckpointName(mode Mode, modelID, sourceID string) string {
	name := "backfill:" + string(mode) + ":" + modelID
	if sourceID != "" {
		name += ":" + sourceID
	}
	return name
}

func (b *Backfiller) filter() storage.MessageFilter {
	filter := storage.MessageFilter{SourceID: b.config.SourceID}
	if b.mode == ModePending {
		filter.Status = core.EmbeddingPending
	}
	return filter
}

// Run processes every message in scope, resuming from a previous
// checkpoint when one exists. The checkpoint is removed once the run
// completes; a cancelled run keeps it.
func (b *Backfiller) Run(ctx context.Context) (*Result, error) {
	model := b.stage.ModelID()
	name := CheckpointName(b.mode, model, b.config.SourceID)
	result := &Result{Mode: b.mode, ModelID: model}

	checkpoint, err := b.checkpoints.LoadCheckpoint(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	if checkpoint == nil {
		checkpoint = &core.Checkpoint{Name: name}
	} else {
		result.Resumed = true
		b.logger.Info("resuming backfill", "after", checkpoint.LastMessageID, "processed", checkpoint.Processed)
	}

	filter := b.filter()
	total, err := b.messages.CountMessages(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("count messages: %w", err)
	}
	result.Total = int(total)
	// pending messages finished by the earlier run no longer match the filter
	if b.mode == ModeAll {
		result.Total = max(result.Total, checkpoint.Processed)
	} else {
		result.Total += checkpoint.Processed
	}

	if total == 0 {
		fmt.Fprintf(b.progress, "No messages to backfill (mode %s, model %s)\n", b.mode, model)
		return result, b.checkpoints.DeleteCheckpoint(ctx, name)
	}

	fmt.Fprintf(b.progress, "Starting %s backfill for model %s (batch size: %d)\n", b.mode, model, b.config.BatchSize)
	tracker := NewProgressTracker(b.progress, result.Total, b.config.ReportInterval)
	tracker.Start(checkpoint.Processed)
	result.Processed = checkpoint.Processed

	filter.AfterID = checkpoint.LastMessageID
	iterator := NewMessageIterator(b.messages, filter, b.config.BatchSize)
	err = iterator.ForEach(ctx, func(batch []*core.Message) error {
		for _, msg := range batch {
			if err := ctx.Err(); err != nil {
				return err
			}
			ok := b.processMessage(ctx, msg)
			if ok {
				result.Embedded++
			} else {
				result.Failed++
			}
			tracker.Done(!ok)
		}
		result.Processed += len(batch)

		checkpoint.LastMessageID = batch[len(batch)-1].ID
		checkpoint.Processed = result.Processed
		checkpoint.UpdatedAt = time.Now().UTC()
		if err := b.checkpoints.SaveCheckpoint(ctx, checkpoint); err != nil {
			return fmt.Errorf("save checkpoint: %w", err)
		}
		return nil
	})
	if err != nil {
		b.logger.Warn("backfill interrupted", "processed", result.Processed, "err", err)
		return result, err
	}

	tracker.Finish()
	if err := b.checkpoints.DeleteCheckpoint(ctx, name); err != nil {
		return result, fmt.Errorf("delete checkpoint: %w", err)
	}

	elapsed := tracker.Elapsed()
	fmt.Fprintf(b.progress, "Backfill complete. %d embedded, %d failed in %v\n",
		result.Embedded, result.Failed, elapsed.Round(time.Millisecond))
	b.logger.Info("backfill complete", "embedded", result.Embedded, "failed", result.Failed)
	return result, nil
}

// processMessage replaces the message's vectors for the model.
// A failure leaves the message pending for the next run.
func (b *Backfiller) processMessage(ctx context.Context, msg *core.Message) bool {
	err := retry.Do(ctx, func(ctx context.Context) error {
		if _, err := b.vectors.DeleteByMessage(ctx, msg.ID, b.stage.ModelID()); err != nil {
			return err
		}
		return b.stage.Process(ctx, msg)
	}, b.config.MaxAttempts, b.config.RetryDelay)
	if err != nil {
		b.logger.Warn("message backfill failed", "message", msg.ID, "kind", core.KindOf(err), "err", err)
		return false
	}
	return true
}
