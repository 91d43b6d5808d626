// Package mock provides a test double for ai.Embedder.
//
// # Usage in Tests
//
//	embedder := mock.NewMockEmbedder()
//	embedder.EmbedTextFunc = func(ctx context.Context, text string) ([]float32, error) {
//	    return nil, errors.New("provider down")
//	}
//	count := embedder.CallCount()
//
// # Default Behavior
//
// Without injected functions the mock returns deterministic unit vectors
// derived from an FNV hash of the text, so equal texts embed equally.
package mock
