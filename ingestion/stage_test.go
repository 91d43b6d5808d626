package ingestion

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poiesic/mailkb/ai/mock"
	"github.com/poiesic/mailkb/core"
	"github.com/poiesic/mailkb/storage"
	"github.com/poiesic/mailkb/storage/badger"
	"github.com/poiesic/mailkb/storage/sqlstore"
)

type stageFixture struct {
	store    *sqlstore.Store
	vectors  storage.VectorStore
	embedder *mock.MockEmbedder
	stage    *Stage
}

func newStageFixture(t *testing.T, opts ...StageOption) *stageFixture {
	t.Helper()

	store, err := sqlstore.NewMemoryStore()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	vectors, _, backend, err := badger.NewMemoryStores()
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	embedder := mock.NewMockEmbedder()
	chunker, err := NewChunker(80, 10)
	require.NoError(t, err)

	opts = append([]StageOption{WithChunker(chunker), WithRetry(2, time.Millisecond)}, opts...)
	stage, err := NewStage(store, vectors, embedder, opts...)
	require.NoError(t, err)

	return &stageFixture{store: store, vectors: vectors, embedder: embedder, stage: stage}
}

func (f *stageFixture) saveMessage(t *testing.T, body string) *core.Message {
	t.Helper()
	msg := &core.Message{
		SourceID: "source-1",
		JobID:    "job-1",
		Subject:  "Quarterly numbers",
		From:     "alice@example.com",
		Date:     time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
		BodyText: body,
	}
	require.NoError(t, f.store.SaveMessage(context.Background(), msg))
	return msg
}

func TestNewStage_RequiresDependencies(t *testing.T) {
	f := newStageFixture(t)

	_, err := NewStage(nil, f.vectors, f.embedder)
	assert.ErrorIs(t, err, ErrMessageRepositoryRequired)
	_, err = NewStage(f.store, nil, f.embedder)
	assert.ErrorIs(t, err, ErrVectorStoreRequired)
	_, err = NewStage(f.store, f.vectors, nil)
	assert.ErrorIs(t, err, ErrEmbedderRequired)
	_, err = NewStage(f.store, f.vectors, f.embedder, WithCallTimeout(0))
	assert.Error(t, err)
}

func TestStage_ProcessEmbedsAllChunks(t *testing.T) {
	ctx := context.Background()
	f := newStageFixture(t)

	body := strings.Repeat("Revenue grew again this quarter. ", 10)
	msg := f.saveMessage(t, body)
	chunks := f.stage.Chunks(msg)
	require.Greater(t, len(chunks), 1)

	require.NoError(t, f.stage.Process(ctx, msg))
	assert.Equal(t, core.EmbeddingComplete, msg.EmbeddingStatus)

	count, err := f.vectors.Count(ctx, f.embedder.ModelID())
	require.NoError(t, err)
	assert.Equal(t, len(chunks), count)

	stored, err := f.store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, core.EmbeddingComplete, stored.EmbeddingStatus)
	assert.Equal(t, "mock-embedding", stored.EmbeddingModel)

	// processing again upserts the same chunk ids
	require.NoError(t, f.stage.Process(ctx, msg))
	count, err = f.vectors.Count(ctx, f.embedder.ModelID())
	require.NoError(t, err)
	assert.Equal(t, len(chunks), count)
}

func TestStage_ProcessEmptyBodyCompletes(t *testing.T) {
	ctx := context.Background()
	f := newStageFixture(t)

	msg := f.saveMessage(t, "")
	require.NoError(t, f.stage.Process(ctx, msg))
	assert.Equal(t, core.EmbeddingComplete, msg.EmbeddingStatus)
	assert.Zero(t, f.embedder.CallCount())
}

func TestStage_ProcessFailureLeavesPending(t *testing.T) {
	ctx := context.Background()
	f := newStageFixture(t)
	f.embedder.EmbedTextFunc = func(ctx context.Context, text string) ([]float32, error) {
		return nil, errors.New("provider down")
	}

	msg := f.saveMessage(t, "short body")
	err := f.stage.Process(ctx, msg)
	require.Error(t, err)
	assert.Equal(t, core.KindInfrastructure, core.KindOf(err))
	assert.Contains(t, err.Error(), "provider down")
	assert.Equal(t, 2, f.embedder.CallCount(), "bounded retry")

	stored, err := f.store.GetMessage(ctx, msg.ID)
	require.NoError(t, err)
	assert.Equal(t, core.EmbeddingPending, stored.EmbeddingStatus)

	count, err := f.vectors.Count(ctx, f.embedder.ModelID())
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestStage_ProcessCallTimeout(t *testing.T) {
	ctx := context.Background()
	f := newStageFixture(t, WithCallTimeout(10*time.Millisecond), WithRetry(1, time.Millisecond))
	f.embedder.EmbedTextFunc = func(ctx context.Context, text string) ([]float32, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	msg := f.saveMessage(t, "slow body")
	err := f.stage.Process(ctx, msg)
	require.Error(t, err)
	assert.Equal(t, core.KindTimeout, core.KindOf(err))
}

func TestStage_RecoversAfterTransientFailure(t *testing.T) {
	ctx := context.Background()
	f := newStageFixture(t)

	calls := 0
	f.embedder.EmbedTextFunc = func(ctx context.Context, text string) ([]float32, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("transient")
		}
		return mock.GenerateDeterministicVector(text, 8), nil
	}

	msg := f.saveMessage(t, "one chunk only")
	require.NoError(t, f.stage.Process(ctx, msg))
	assert.Equal(t, 2, calls)
}

func TestStage_ProcessRejectsUnsavedMessage(t *testing.T) {
	f := newStageFixture(t)
	err := f.stage.Process(context.Background(), &core.Message{Subject: "x"})
	assert.Equal(t, core.KindValidationFailed, core.KindOf(err))
}
