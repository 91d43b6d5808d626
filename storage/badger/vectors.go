package badger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/poiesic/mailkb/core"
	"github.com/poiesic/mailkb/storage"
)

// VectorStore implements storage.VectorStore with brute-force dot product
// search over normalized vectors.
type VectorStore struct {
	backend *Backend
	owned   bool
}

var _ storage.VectorStore = (*VectorStore)(nil)

// NewVectorStore creates a vector store over backend. Closing the store does
// not close the backend.
func NewVectorStore(backend *Backend) storage.VectorStore {
	return &VectorStore{backend: backend}
}

// OpenVectorStore opens a store owning its own backend at path.
func OpenVectorStore(path string) (storage.VectorStore, error) {
	backend, err := OpenBackend(path, false)
	if err != nil {
		return nil, err
	}
	return &VectorStore{backend: backend, owned: true}, nil
}

// Upsert writes embeddings, replacing any stored under the same (model, chunk).
// Vectors are normalized to unit length before storage.
func (s *VectorStore) Upsert(ctx context.Context, embeddings ...*core.Embedding) error {
	if len(embeddings) == 0 {
		return nil
	}
	if s.backend.IsClosed() {
		return storage.ErrStorageClosed
	}

	now := time.Now().UTC()
	return s.backend.withUpdate(func(tx *badger.Txn) error {
		dims := make(map[string]int)
		for _, e := range embeddings {
			if err := ctx.Err(); err != nil {
				return err
			}
			if e.ModelID == "" || e.ChunkID == "" || len(e.Vector) == 0 {
				return fmt.Errorf("%w: embedding needs model, chunk and vector", storage.ErrInvalidQuery)
			}
			if len(e.Vector) > core.MaxVectorDimension {
				return fmt.Errorf("%w: vector dimension %d exceeds %d", storage.ErrInvalidQuery, len(e.Vector), core.MaxVectorDimension)
			}
			if err := checkDimension(tx, dims, e.ModelID, len(e.Vector)); err != nil {
				return err
			}

			stored := *e
			stored.Vector = normalize(e.Vector)
			stored.UpdatedAt = now
			value := storage.MarshalEmbedding(&stored)
			if err := tx.Set(makeEmbeddingKey(e.ModelID, e.ChunkID), value); err != nil {
				return err
			}
			if err := tx.Set(makeMessageIndexKey(e.MessageID, e.ModelID, e.ChunkID), nil); err != nil {
				return err
			}
		}
		return nil
	})
}

// checkDimension pins the dimension of a model on first write.
func checkDimension(tx *badger.Txn, seen map[string]int, modelID string, dim int) error {
	want, ok := seen[modelID]
	if !ok {
		item, err := tx.Get(makeDimensionKey(modelID))
		switch {
		case errors.Is(err, badger.ErrKeyNotFound):
			buf := make([]byte, 4)
			binary.BigEndian.PutUint32(buf, uint32(dim))
			if err := tx.Set(makeDimensionKey(modelID), buf); err != nil {
				return err
			}
			want = dim
		case err != nil:
			return err
		default:
			if err := item.Value(func(val []byte) error {
				want = int(binary.BigEndian.Uint32(val))
				return nil
			}); err != nil {
				return err
			}
		}
		seen[modelID] = want
	}
	if want != dim {
		return fmt.Errorf("%w: model %s has dimension %d, got %d", storage.ErrInvalidQuery, modelID, want, dim)
	}
	return nil
}

// Query scores every candidate embedding against vector and returns the best k.
func (s *VectorStore) Query(ctx context.Context, vector []float32, k int, filter storage.VectorFilter) ([]*core.ScoredChunk, error) {
	if k <= 0 || len(vector) == 0 {
		return nil, fmt.Errorf("%w: k and vector are required", storage.ErrInvalidQuery)
	}
	if s.backend.IsClosed() {
		return nil, storage.ErrStorageClosed
	}
	query := normalize(vector)

	var results []*core.ScoredChunk
	visit := func(e *core.Embedding) error {
		if filter.SourceID != "" && e.SourceID != filter.SourceID {
			return nil
		}
		if filter.MessageID != "" && e.MessageID != filter.MessageID {
			return nil
		}
		if len(e.Vector) != len(query) {
			return fmt.Errorf("%w: query dimension %d, stored %d for model %s",
				storage.ErrInvalidQuery, len(query), len(e.Vector), e.ModelID)
		}
		results = append(results, &core.ScoredChunk{
			ChunkID:       e.ChunkID,
			MessageID:     e.MessageID,
			SourceID:      e.SourceID,
			SequenceIndex: e.SequenceIndex,
			Text:          e.Text,
			Score:         dotProduct(query, e.Vector),
		})
		return nil
	}

	err := s.backend.withView(func(tx *badger.Txn) error {
		if filter.MessageID != "" {
			return s.visitMessage(ctx, tx, filter.MessageID, filter.ModelID, visit)
		}
		return s.visitModel(ctx, tx, filter.ModelID, visit)
	})
	if err != nil {
		return nil, err
	}

	// Sort by similarity descending, chunk ID ascending on ties
	slices.SortFunc(results, func(a, b *core.ScoredChunk) int {
		if a.Score > b.Score {
			return -1
		}
		if a.Score < b.Score {
			return 1
		}
		return strings.Compare(a.ChunkID, b.ChunkID)
	})
	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

func (s *VectorStore) visitModel(ctx context.Context, tx *badger.Txn, modelID string, fn func(*core.Embedding) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Prefix = makeModelPrefix(modelID)
	iter := tx.NewIterator(opts)
	defer iter.Close()

	for iter.Rewind(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		var e *core.Embedding
		err := iter.Item().Value(func(val []byte) error {
			var err error
			e, err = storage.UnmarshalEmbedding(val)
			return err
		})
		if err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

func (s *VectorStore) visitMessage(ctx context.Context, tx *badger.Txn, messageID, modelID string, fn func(*core.Embedding) error) error {
	for _, key := range messageKeys(tx, messageID, modelID) {
		if err := ctx.Err(); err != nil {
			return err
		}
		item, err := tx.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		var e *core.Embedding
		if err := item.Value(func(val []byte) error {
			var err error
			e, err = storage.UnmarshalEmbedding(val)
			return err
		}); err != nil {
			return err
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// messageKeys resolves the embedding keys of a message through the index.
func messageKeys(tx *badger.Txn, messageID, modelID string) [][]byte {
	var keys [][]byte
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = makeMessageIndexPrefix(messageID, modelID)
	iter := tx.NewIterator(opts)
	defer iter.Close()

	for iter.Rewind(); iter.Valid(); iter.Next() {
		model, chunk, ok := parseMessageIndexKey(iter.Item().Key())
		if !ok {
			continue
		}
		keys = append(keys, makeEmbeddingKey(model, chunk))
	}
	return keys
}

// DeleteByMessage removes a message's embeddings under modelID.
// An empty modelID removes them under every model.
func (s *VectorStore) DeleteByMessage(ctx context.Context, messageID, modelID string) (int, error) {
	if s.backend.IsClosed() {
		return 0, storage.ErrStorageClosed
	}
	deleted := 0
	err := s.backend.withUpdate(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = makeMessageIndexPrefix(messageID, modelID)
		iter := tx.NewIterator(opts)

		var indexKeys [][]byte
		for iter.Rewind(); iter.Valid(); iter.Next() {
			indexKeys = append(indexKeys, iter.Item().KeyCopy(nil))
		}
		iter.Close()

		for _, key := range indexKeys {
			model, chunk, ok := parseMessageIndexKey(key)
			if !ok {
				continue
			}
			if err := tx.Delete(makeEmbeddingKey(model, chunk)); err != nil {
				return err
			}
			if err := tx.Delete(key); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return deleted, nil
}

// Count returns the number of embeddings stored under modelID, or under all
// models when modelID is empty.
func (s *VectorStore) Count(ctx context.Context, modelID string) (int, error) {
	if s.backend.IsClosed() {
		return 0, storage.ErrStorageClosed
	}
	count := 0
	err := s.backend.withView(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = makeModelPrefix(modelID)
		iter := tx.NewIterator(opts)
		defer iter.Close()
		for iter.Rewind(); iter.Valid(); iter.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// Close closes the backend when the store owns it.
func (s *VectorStore) Close() error {
	if s.owned {
		return s.backend.Close()
	}
	return nil
}

// normalize returns a unit-length copy of v. Zero vectors are returned as is.
func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	out := make([]float32, len(v))
	if sum == 0 {
		copy(out, v)
		return out
	}
	norm := float32(math.Sqrt(sum))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}

// dotProduct calculates the dot product of two vectors.
func dotProduct(a, b []float32) float32 {
	var sum float32
	minLen := len(a)
	if len(b) < minLen {
		minLen = len(b)
	}
	for i := 0; i < minLen; i++ {
		sum += a[i] * b[i]
	}
	return sum
}
