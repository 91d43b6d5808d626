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

package mailkb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"

	"github.com/poiesic/mailkb/ai"
	"github.com/poiesic/mailkb/ai/ollama"
	"github.com/poiesic/mailkb/ai/openai"
	"github.com/poiesic/mailkb/backfill"
	"github.com/poiesic/mailkb/config"
	"github.com/poiesic/mailkb/core"
	"github.com/poiesic/mailkb/ingestion"
	"github.com/poiesic/mailkb/jobs"
	"github.com/poiesic/mailkb/parser"
	"github.com/poiesic/mailkb/registry"
	"github.com/poiesic/mailkb/search"
	"github.com/poiesic/mailkb/storage"
	"github.com/poiesic/mailkb/storage/badger"
	"github.com/poiesic/mailkb/storage/blob"
	"github.com/poiesic/mailkb/storage/sqlstore"
)

// RegisterRequest describes a source to register.
type RegisterRequest = registry.RegisterRequest

// KnowledgeBase wires the stores, parsers and embedding stage of one
// archive together and exposes the inbound operations.
type KnowledgeBase struct {
	cfg         config.Config
	store       *sqlstore.Store
	backend     *badger.Backend
	vectors     storage.VectorStore
	checkpoints storage.CheckpointRepository
	blobs       storage.BlobStore
	parsers     *parser.Set
	registry    *registry.Registry
	jobs        *jobs.Service
	embedder    ai.Embedder
	stage       *ingestion.Stage
	logger      *slog.Logger
}

// Option configures a KnowledgeBase.
type Option func(*options)

type options struct {
	embedder ai.Embedder
	pst      parser.PSTBackend
	logger   *slog.Logger
}

// WithEmbedder replaces the embedder built from the configuration.
func WithEmbedder(embedder ai.Embedder) Option {
	return func(o *options) {
		o.embedder = embedder
	}
}

// WithPSTBackend enables PST sources.
func WithPSTBackend(backend parser.PSTBackend) Option {
	return func(o *options) {
		o.pst = backend
	}
}

// WithLogger sets the logger handed to every component.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Open connects the stores named by cfg and builds the pipeline.
func Open(cfg config.Config, opts ...Option) (*KnowledgeBase, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := &options{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}

	kb := &KnowledgeBase{cfg: cfg, logger: o.logger}
	ok := false
	defer func() {
		if !ok {
			kb.Close()
		}
	}()

	store, err := sqlstore.Connect(cfg.Storage.DatabaseURL)
	if err != nil {
		return nil, err
	}
	kb.store = store

	backend, err := badger.OpenBackend(cfg.Storage.VectorPath, false)
	if err != nil {
		return nil, fmt.Errorf("open vector store: %w", err)
	}
	kb.backend = backend
	kb.vectors = badger.NewVectorStore(backend)
	kb.checkpoints = badger.NewCheckpointRepository(backend)

	uploads, err := blob.NewFileStorage(cfg.Storage.UploadRoot)
	if err != nil {
		return nil, fmt.Errorf("open upload root: %w", err)
	}
	blobRoot := cfg.Storage.BlobRoot
	if blobRoot == "" {
		blobRoot = filepath.Join(uploads.Root(), "attachments")
	}
	blobs, err := blob.NewFileStorage(blobRoot)
	if err != nil {
		return nil, fmt.Errorf("open blob root: %w", err)
	}
	kb.blobs = blobs

	kb.parsers = parser.NewSet(parser.WithPST(o.pst))
	kb.registry, err = registry.New(store, store, kb.parsers,
		registry.WithUploads(uploads), registry.WithLogger(o.logger))
	if err != nil {
		return nil, err
	}
	kb.jobs, err = jobs.NewService(store, store, o.logger)
	if err != nil {
		return nil, err
	}

	kb.embedder = o.embedder
	if kb.embedder == nil {
		kb.embedder, err = newEmbedder(cfg.Embedding)
		if err != nil {
			return nil, err
		}
	}

	chunker, err := ingestion.NewChunker(cfg.Chunking.Size, cfg.Chunking.Overlap)
	if err != nil {
		return nil, err
	}
	kb.stage, err = ingestion.NewStage(store, kb.vectors, kb.embedder,
		ingestion.WithChunker(chunker),
		ingestion.WithCallTimeout(cfg.Embedding.CallTimeout),
		ingestion.WithRetry(cfg.Embedding.MaxAttempts, ingestion.DefaultRetryDelay),
		ingestion.WithLogger(o.logger),
	)
	if err != nil {
		return nil, err
	}

	ok = true
	return kb, nil
}

func newEmbedder(cfg config.EmbeddingConfig) (ai.Embedder, error) {
	aiConfig := ai.NewConfig(
		ai.WithHost(cfg.Host),
		ai.WithModel(cfg.Model),
		ai.WithToken(cfg.Token),
	)
	switch cfg.Provider {
	case config.ProviderOllama:
		return ollama.NewEmbedder(aiConfig)
	case config.ProviderOpenAI:
		return openai.NewEmbedder(aiConfig)
	}
	return nil, core.Errorf(core.KindMissingCapability, "open embedder", "unsupported embedding provider %q", cfg.Provider)
}

// Close releases the stores. It is safe to call on a partially opened
// knowledge base.
func (kb *KnowledgeBase) Close() error {
	var errs []error
	if kb.vectors != nil {
		errs = append(errs, kb.vectors.Close())
	}
	if kb.backend != nil {
		if err := kb.backend.Close(); err != nil {
			kb.logger.Error("error closing vector backend", "err", err)
			errs = append(errs, err)
		}
	}
	if kb.store != nil {
		if err := kb.store.Close(); err != nil {
			kb.logger.Error("error closing database", "err", err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RegisterSource saves and validates a new source.
func (kb *KnowledgeBase) RegisterSource(ctx context.Context, req RegisterRequest) (*core.Source, error) {
	return kb.registry.Register(ctx, req)
}

// ValidateSource re-runs the structural check of a source.
func (kb *KnowledgeBase) ValidateSource(ctx context.Context, id string) (*core.Source, error) {
	return kb.registry.Validate(ctx, id)
}

func (kb *KnowledgeBase) GetSource(ctx context.Context, id string) (*core.Source, error) {
	return kb.registry.Get(ctx, id)
}

func (kb *KnowledgeBase) ListSources(ctx context.Context, opts storage.ListOptions) ([]*core.Source, int64, error) {
	return kb.registry.List(ctx, opts)
}

// TriggerJob queues an import of a validated source.
func (kb *KnowledgeBase) TriggerJob(ctx context.Context, sourceID string) (*core.Job, error) {
	return kb.jobs.Trigger(ctx, sourceID)
}

func (kb *KnowledgeBase) GetJob(ctx context.Context, id string) (*core.Job, error) {
	return kb.jobs.Get(ctx, id)
}

func (kb *KnowledgeBase) ListJobs(ctx context.Context, filter storage.JobFilter) ([]*core.Job, int64, error) {
	return kb.jobs.List(ctx, filter)
}

// CancelJob fails a queued job at once and flags a running one.
func (kb *KnowledgeBase) CancelJob(ctx context.Context, id string) (*core.Job, error) {
	return kb.jobs.Cancel(ctx, id)
}

// EngineConfig maps the job settings onto the engine configuration.
func (kb *KnowledgeBase) EngineConfig() jobs.Config {
	cfg := jobs.DefaultConfig()
	cfg.PoolSize = kb.cfg.Jobs.PoolSize
	cfg.PollInterval = kb.cfg.Jobs.PollInterval
	cfg.JobTimeout = kb.cfg.Jobs.Timeout
	cfg.MaxRetries = kb.cfg.Jobs.MaxRetries
	cfg.RetryBaseDelay = kb.cfg.Jobs.RetryBaseDelay
	if kb.cfg.Jobs.RetryMaxDelay > 0 {
		cfg.RetryMaxDelay = kb.cfg.Jobs.RetryMaxDelay
	}
	if kb.cfg.Jobs.StaleAfter > 0 {
		cfg.StaleAfter = kb.cfg.Jobs.StaleAfter
	}
	return cfg
}

// NewEngine creates a job engine embedding every imported message.
// The caller must Release it.
func (kb *KnowledgeBase) NewEngine(opts ...jobs.Option) (*jobs.Engine, error) {
	base := []jobs.Option{
		jobs.WithConfig(kb.EngineConfig()),
		jobs.WithBlobStore(kb.blobs),
		jobs.WithExtractor(kb.stage),
		jobs.WithLogger(kb.logger),
	}
	return jobs.NewEngine(kb.store, kb.parsers, append(base, opts...)...)
}

// NewBackfiller creates a backfill run in mode for the configured model.
// progress receives human readable progress and may be nil.
func (kb *KnowledgeBase) NewBackfiller(mode backfill.Mode, progress io.Writer) (*backfill.Backfiller, error) {
	cfg := backfill.DefaultConfig()
	cfg.Mode = mode
	return kb.NewBackfillerWithConfig(cfg, progress)
}

// NewBackfillerWithConfig is NewBackfiller with full control of the run.
func (kb *KnowledgeBase) NewBackfillerWithConfig(cfg backfill.Config, progress io.Writer) (*backfill.Backfiller, error) {
	return backfill.NewBackfiller(kb.store, kb.vectors, kb.checkpoints, kb.stage, cfg, progress)
}

// NewSearcher creates a searcher over the configured model's vectors.
func (kb *KnowledgeBase) NewSearcher(opts ...search.Option) (*search.Searcher, error) {
	return search.NewSearcher(kb.store, kb.vectors, kb.embedder, append([]search.Option{search.WithLogger(kb.logger)}, opts...)...)
}

// Stage returns the embedding stage.
func (kb *KnowledgeBase) Stage() *ingestion.Stage {
	return kb.stage
}
