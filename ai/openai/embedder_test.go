package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poiesic/mailkb/ai"
)

func embeddingServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		var req struct {
			Model string   `json:"model"`
			Input []string `json:"input"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

		data := make([]map[string]any, len(req.Input))
		for i := range req.Input {
			data[i] = map[string]any{"object": "embedding", "index": i, "embedding": []float32{float32(i), 1, 0}}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"model":  req.Model,
			"data":   data,
			"usage":  map[string]int{"prompt_tokens": 1, "total_tokens": 1},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestEmbedder(t *testing.T) {
	srv := embeddingServer(t)
	embedder, err := NewEmbedder(ai.NewConfig(ai.WithHost(srv.URL), ai.WithModel("test-embed")))
	require.NoError(t, err)
	assert.Equal(t, "test-embed", embedder.ModelID())

	vector, err := embedder.EmbedText(context.Background(), "hello\nworld")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1, 0}, vector)

	vectors, err := embedder.EmbedTexts(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	require.Len(t, vectors, 2)
	assert.Equal(t, []float32{1, 1, 0}, vectors[1])
}

func TestNewEmbedder_RequiresModel(t *testing.T) {
	_, err := NewEmbedder(ai.NewConfig(ai.WithModel("")))
	assert.Error(t, err)
}
