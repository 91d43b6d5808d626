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

package jobs

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/poiesic/mailkb/core"
	"github.com/poiesic/mailkb/parser"
	"github.com/poiesic/mailkb/storage"
)

// Store is the relational storage the engine runs against.
type Store interface {
	storage.Transactor
	storage.SourceRepository
	storage.JobRepository
	storage.MessageRepository
}

// Extractor receives each committed message. A failure only flags the
// message; it never fails the job.
type Extractor interface {
	Process(ctx context.Context, msg *core.Message) error
}

// Config tunes the engine.
type Config struct {
	PoolSize         int
	PollInterval     time.Duration
	StaleAfter       time.Duration
	JobTimeout       time.Duration
	MaxRetries       int
	RetryBaseDelay   time.Duration
	RetryMaxDelay    time.Duration
	ProgressInterval int
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		PoolSize:         2,
		PollInterval:     2 * time.Second,
		StaleAfter:       5 * time.Minute,
		JobTimeout:       2 * time.Hour,
		MaxRetries:       3,
		RetryBaseDelay:   30 * time.Second,
		RetryMaxDelay:    10 * time.Minute,
		ProgressInterval: 100,
	}
}

// Engine dispatches queued jobs onto a worker pool and executes them.
type Engine struct {
	store     Store
	parsers   *parser.Set
	blobs     storage.BlobStore
	extractor Extractor
	cfg       Config
	pool      *ants.Pool
	now       func() time.Time
	running   atomic.Bool
	inflight  sync.WaitGroup
	logger    *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine) error

// WithConfig replaces the default engine configuration.
func WithConfig(cfg Config) Option {
	return func(e *Engine) error {
		if cfg.ProgressInterval <= 0 {
			cfg.ProgressInterval = DefaultConfig().ProgressInterval
		}
		e.cfg = cfg
		return nil
	}
}

// WithBlobStore stores attachment bodies in blobs.
// Without one only attachment metadata is recorded.
func WithBlobStore(blobs storage.BlobStore) Option {
	return func(e *Engine) error {
		e.blobs = blobs
		return nil
	}
}

// WithExtractor hands every committed message to extractor.
func WithExtractor(extractor Extractor) Option {
	return func(e *Engine) error {
		e.extractor = extractor
		return nil
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) error {
		if now != nil {
			e.now = now
		}
		return nil
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) error {
		if logger == nil {
			logger = slog.Default()
		}
		e.logger = logger
		return nil
	}
}

// NewEngine creates an engine. Callers must Release it when done.
func NewEngine(store Store, parsers *parser.Set, opts ...Option) (*Engine, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}
	if parsers == nil {
		return nil, ErrParsersRequired
	}

	e := &Engine{
		store:   store,
		parsers: parsers,
		cfg:     DefaultConfig(),
		now:     nowUTC,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(e); err != nil {
			return nil, err
		}
	}
	if e.cfg.PoolSize < 1 {
		e.cfg.PoolSize = 1
	}

	pool, err := ants.NewPool(e.cfg.PoolSize)
	if err != nil {
		return nil, err
	}
	e.pool = pool
	e.logger = e.logger.With("component", "engine")
	return e, nil
}

// Release waits for in-flight jobs and frees the worker pool.
func (e *Engine) Release() {
	e.inflight.Wait()
	if e.pool != nil {
		e.pool.Release()
	}
}

// Run polls for work every PollInterval until ctx is done, then waits for
// in-flight jobs. Interrupted jobs go back to the queue.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrEngineRunning
	}
	defer e.running.Store(false)

	e.logger.Info("engine started", "workers", e.cfg.PoolSize, "poll", e.cfg.PollInterval)
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := e.Poll(ctx); err != nil && ctx.Err() == nil {
			e.logger.Error("poll failed", "err", err)
		}
		select {
		case <-ctx.Done():
			e.inflight.Wait()
			e.logger.Info("engine stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Poll runs one dispatch round: promotes due retries, requeues stale jobs,
// then claims as many queued jobs as there are free workers.
// Returns the number of jobs submitted.
func (e *Engine) Poll(ctx context.Context) (int, error) {
	now := e.now()

	if n, err := e.store.PromoteDueRetries(ctx, now); err != nil {
		return 0, err
	} else if n > 0 {
		e.logger.Info("retries promoted", "jobs", n)
	}
	if n, err := e.store.RequeueStale(ctx, now.Add(-e.cfg.StaleAfter)); err != nil {
		return 0, err
	} else if n > 0 {
		e.logger.Warn("stale jobs requeued", "jobs", n)
	}

	free := e.pool.Free()
	if free <= 0 {
		return 0, nil
	}
	ids, err := e.store.QueuedJobIDs(ctx, free)
	if err != nil {
		return 0, err
	}

	submitted := 0
	for _, id := range ids {
		job, err := e.store.ClaimJob(ctx, id, now)
		if err != nil {
			if !errors.Is(err, core.ErrJobAlreadyClaimed) {
				e.logger.Error("claim failed", "job", id, "err", err)
			}
			continue
		}

		e.inflight.Add(1)
		err = e.pool.Submit(func() {
			defer e.inflight.Done()
			_, err := e.Execute(ctx, job)
			switch {
			case errors.Is(err, ErrSuperseded):
				e.logger.Warn("stale attempt abandoned", "job", job.ID, "attempt", job.AttemptCount)
			case err != nil:
				e.logger.Error("job execution failed", "job", job.ID, "err", err)
			}
		})
		if err != nil {
			e.inflight.Done()
			e.logger.Error("submit failed, requeueing", "job", job.ID, "err", err)
			e.requeue(ctx, job)
			continue
		}
		submitted++
	}
	return submitted, nil
}

// requeue hands a claimed job back to the queue.
func (e *Engine) requeue(ctx context.Context, job *core.Job) {
	from, err := transition(job, core.JobQueued)
	if err != nil {
		return
	}
	if err := e.store.SaveJobState(context.WithoutCancel(ctx), job, from); err != nil {
		e.logger.Error("requeue failed", "job", job.ID, "err", err)
	}
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
