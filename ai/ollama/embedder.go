// Package ollama implements ai.Embedder against Ollama's native API.
package ollama

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/poiesic/mailkb/ai"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
)

// Embedder implements ai.Embedder using an Ollama server.
type Embedder struct {
	embedder embeddings.Embedder
	model    string
	logger   *slog.Logger
}

var _ ai.Embedder = (*Embedder)(nil)

// NewEmbedder creates an Ollama backed embedder.
// The host is used as-is; a trailing /v1 is stripped since the native API
// lives at the server root.
func NewEmbedder(config *ai.Config) (ai.Embedder, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	host := strings.TrimSuffix(strings.TrimSuffix(config.Host, "/"), "/v1")

	llm, err := ollama.New(
		ollama.WithModel(config.Model),
		ollama.WithServerURL(host),
	)
	if err != nil {
		return nil, fmt.Errorf("create ollama client: %w", err)
	}

	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("create ollama embedder: %w", err)
	}

	return &Embedder{
		embedder: embedder,
		model:    config.Model,
		logger:   slog.Default().With("component", "ollama-embedder", "model", config.Model),
	}, nil
}

func (e *Embedder) EmbedText(ctx context.Context, text string) ([]float32, error) {
	vector, err := e.embedder.EmbedQuery(ctx, text)
	if err != nil {
		e.logger.Error("failed to generate embedding", "err", err)
		return nil, err
	}
	return vector, nil
}

func (e *Embedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	e.logger.Debug("generating embeddings for texts", "count", len(texts))
	return e.embedder.EmbedDocuments(ctx, texts)
}

func (e *Embedder) ModelID() string {
	return e.model
}
