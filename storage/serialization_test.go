package storage

import (
	"testing"
	"time"

	"github.com/poiesic/mailkb/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalEmbedding_PreservesVector(t *testing.T) {
	e := &core.Embedding{
		ChunkID:       "c1",
		ModelID:       "nomic-embed-text",
		MessageID:     "m1",
		SourceID:      "s1",
		SequenceIndex: 3,
		Text:          "hello",
		Vector:        []float32{0.6, -0.8, 0},
		UpdatedAt:     time.Now().UTC().Truncate(time.Microsecond),
	}

	decoded, err := UnmarshalEmbedding(MarshalEmbedding(e))
	require.NoError(t, err)
	assert.Equal(t, e, decoded)
}

func TestMarshalCheckpoint_RoundTrip(t *testing.T) {
	c := &core.Checkpoint{
		Name:          "backfill:pending:nomic-embed-text",
		LastMessageID: "m42",
		Processed:     42,
		UpdatedAt:     time.Now().UTC().Truncate(time.Microsecond),
	}

	decoded, err := UnmarshalCheckpoint(MarshalCheckpoint(c))
	require.NoError(t, err)
	assert.Equal(t, c, decoded)
}

func TestUnmarshalEmbedding_Invalid(t *testing.T) {
	valid := MarshalEmbedding(&core.Embedding{ChunkID: "c1", ModelID: "m", Vector: []float32{1, 0}})

	tests := []struct {
		name string
		data []byte
	}{
		{"empty data", []byte{}},
		{"truncated", valid[:len(valid)-3]},
		{"trailing bytes", append(append([]byte{}, valid...), 0x01)},
		{"json payload", []byte(`{"ChunkID":"c1"}`)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := UnmarshalEmbedding(tt.data)
			assert.ErrorIs(t, err, ErrSerializationFailed)
		})
	}
}

func TestUnmarshalCheckpoint_Invalid(t *testing.T) {
	valid := MarshalCheckpoint(&core.Checkpoint{Name: "cp", LastMessageID: "m1", Processed: 1})

	tests := []struct {
		name string
		data []byte
	}{
		{"empty data", []byte{}},
		{"truncated", valid[:len(valid)-2]},
		{"trailing bytes", append(append([]byte{}, valid...), 0x00)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := UnmarshalCheckpoint(tt.data)
			assert.ErrorIs(t, err, ErrSerializationFailed)
		})
	}
}
