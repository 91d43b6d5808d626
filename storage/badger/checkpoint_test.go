package badger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poiesic/mailkb/core"
)

func TestCheckpointRepository(t *testing.T) {
	_, checkpoints, backend, err := NewMemoryStores()
	require.NoError(t, err)
	defer backend.Close()
	ctx := context.Background()

	missing, err := checkpoints.LoadCheckpoint(ctx, "backfill:m")
	require.NoError(t, err)
	assert.Nil(t, missing)

	require.NoError(t, checkpoints.SaveCheckpoint(ctx, &core.Checkpoint{Name: "backfill:m", LastMessageID: "msg-9", Processed: 9}))

	loaded, err := checkpoints.LoadCheckpoint(ctx, "backfill:m")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "msg-9", loaded.LastMessageID)
	assert.Equal(t, 9, loaded.Processed)
	assert.False(t, loaded.UpdatedAt.IsZero())

	require.NoError(t, checkpoints.DeleteCheckpoint(ctx, "backfill:m"))
	gone, err := checkpoints.LoadCheckpoint(ctx, "backfill:m")
	require.NoError(t, err)
	assert.Nil(t, gone)
}
