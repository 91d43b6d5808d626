package search

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/poiesic/mailkb/ai"
	"github.com/poiesic/mailkb/core"
	"github.com/poiesic/mailkb/storage"
)

const (
	// DefaultTopK is the number of results returned when Options.TopK is unset.
	DefaultTopK = 10

	// VerbatimBoost is added to the score of chunks containing every query term.
	VerbatimBoost = 0.3

	// candidateFactor widens the vector query so that collapsing chunks of
	// the same message still leaves TopK messages.
	candidateFactor = 4
)

// Options narrow a search.
type Options struct {
	// TopK bounds the number of results.
	TopK int

	// SourceID restricts results to one source when set.
	SourceID string

	// MinScore drops chunks whose cosine similarity is below it.
	MinScore float32
}

// Result is one matching message with the chunk that matched best.
type Result struct {
	Message       *core.Message
	ChunkID       string
	SequenceIndex int
	Text          string

	// Similarity is the cosine similarity of the chunk.
	Similarity float32

	// Score ranks results. It is the similarity plus any verbatim boost.
	Score    float32
	Verbatim bool
}

// Searcher runs semantic queries over stored messages.
type Searcher struct {
	messages storage.MessageRepository
	vectors  storage.VectorStore
	embedder ai.Embedder
	logger   *slog.Logger
}

// Option configures a Searcher.
type Option func(*Searcher) error

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *Searcher) error {
		if logger == nil {
			logger = slog.Default()
		}
		s.logger = logger
		return nil
	}
}

// NewSearcher creates a new searcher. Queries are embedded with embedder
// and only vectors of its model are considered.
func NewSearcher(
	messages storage.MessageRepository,
	vectors storage.VectorStore,
	embedder ai.Embedder,
	opts ...Option,
) (*Searcher, error) {
	if messages == nil {
		return nil, ErrMessageRepositoryRequired
	}
	if vectors == nil {
		return nil, ErrVectorStoreRequired
	}
	if embedder == nil {
		return nil, ErrEmbedderRequired
	}

	s := &Searcher{
		messages: messages,
		vectors:  vectors,
		embedder: embedder,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	s.logger = s.logger.With("component", "search")
	return s, nil
}

// Search returns messages similar to text.
func (s *Searcher) Search(ctx context.Context, text string, opts Options) ([]*Result, error) {
	return s.SearchWithMonitor(ctx, text, opts, nil)
}

// SearchWithMonitor is Search with callbacks at each stage.
func (s *Searcher) SearchWithMonitor(ctx context.Context, text string, opts Options, monitor Monitor) ([]*Result, error) {
	if monitor == nil {
		monitor = &noopMonitor{}
	}
	query := strings.TrimSpace(text)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	topK := opts.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}
	monitor.Start(query)

	vector, err := s.embedder.EmbedText(ctx, query)
	if err != nil {
		s.logger.Error("error generating embedding for query", "query", query, "err", err)
		return nil, fmt.Errorf("embed query: %w", err)
	}

	hits, err := s.vectors.Query(ctx, vector, topK*candidateFactor, storage.VectorFilter{
		ModelID:  s.embedder.ModelID(),
		SourceID: opts.SourceID,
	})
	if err != nil {
		s.logger.Error("error querying vector store", "err", err)
		return nil, fmt.Errorf("query vectors: %w", err)
	}
	monitor.AfterVectorQuery(hits)

	queryTerms := terms(query)
	best := make(map[string]*Result)
	for _, hit := range hits {
		if hit.Score < opts.MinScore {
			continue
		}
		r := &Result{
			ChunkID:       hit.ChunkID,
			SequenceIndex: hit.SequenceIndex,
			Text:          hit.Text,
			Similarity:    hit.Score,
			Score:         hit.Score,
		}
		if matchesVerbatim(hit.Text, queryTerms) {
			r.Verbatim = true
			r.Score += VerbatimBoost
			monitor.VerbatimHit(hit)
		}
		if cur, ok := best[hit.MessageID]; !ok || r.Score > cur.Score {
			best[hit.MessageID] = r
		}
	}
	if len(best) == 0 {
		monitor.Finish(nil)
		return []*Result{}, nil
	}

	ids := make([]string, 0, len(best))
	for id := range best {
		ids = append(ids, id)
	}
	messages, err := s.messages.GetMessages(ctx, ids...)
	if err != nil {
		s.logger.Error("error retrieving messages", "count", len(ids), "err", err)
		return nil, fmt.Errorf("hydrate messages: %w", err)
	}
	monitor.AfterHydration(messages)

	results := make([]*Result, 0, len(messages))
	for _, msg := range messages {
		r := best[msg.ID]
		if r == nil {
			continue
		}
		r.Message = msg
		results = append(results, r)
	}
	if len(results) < len(best) {
		s.logger.Warn("vectors reference missing messages", "missing", len(best)-len(results))
	}

	slices.SortFunc(results, func(a, b *Result) int {
		if a.Score != b.Score {
			if a.Score > b.Score {
				return -1
			}
			return 1
		}
		return strings.Compare(a.ChunkID, b.ChunkID)
	})
	if len(results) > topK {
		results = results[:topK]
	}
	monitor.Finish(results)
	return results, nil
}
