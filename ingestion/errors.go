package ingestion

import "errors"

var (
	// ErrInvalidChunkSize is returned when the chunk size is not positive.
	ErrInvalidChunkSize = errors.New("chunk size must be greater than 0")

	// ErrInvalidOverlap is returned when the overlap is negative or not below the chunk size.
	ErrInvalidOverlap = errors.New("chunk overlap must be >= 0 and smaller than the chunk size")

	// ErrEmbedderRequired is returned when an embedder is not provided.
	ErrEmbedderRequired = errors.New("embedder required")

	// ErrVectorStoreRequired is returned when a vector store is not provided.
	ErrVectorStoreRequired = errors.New("vector store required")

	// ErrMessageRepositoryRequired is returned when a message repository is not provided.
	ErrMessageRepositoryRequired = errors.New("message repository required")

	// ErrEmptyEmbedding is returned when the embedder hands back a zero length vector.
	ErrEmptyEmbedding = errors.New("embedder returned an empty vector")
)
