package core

import (
	"errors"
	"time"

	com "github.com/mus-format/common-go"
	"github.com/mus-format/mus-go"
	"github.com/mus-format/mus-go/ord"
	slops "github.com/mus-format/mus-go/options/slice"
	"github.com/mus-format/mus-go/raw"
	"github.com/mus-format/mus-go/varint"
)

// MaxVectorDimension bounds decoded vector lengths.
const MaxVectorDimension = 1 << 16

// ErrVectorTooLong is returned when an encoded vector exceeds MaxVectorDimension.
var ErrVectorTooLong = errors.New("encoded vector exceeds maximum dimension")

var (
	// EmbeddingMUS serializes Embedding values.
	EmbeddingMUS = embeddingMUS{}
	// CheckpointMUS serializes Checkpoint values.
	CheckpointMUS = checkpointMUS{}

	vectorMUS = ord.NewValidSliceSer[float32](raw.Float32,
		slops.WithLenValidator[float32](com.ValidatorFn[int](func(n int) error {
			if n > MaxVectorDimension {
				return ErrVectorTooLong
			}
			return nil
		})))

	// Microsecond resolution keeps the zero time representable.
	timeMUS = raw.TimeUnixMicroUTC
)

type embeddingMUS struct{}

func (embeddingMUS) Marshal(e Embedding, bs []byte) (n int) {
	n = ord.String.Marshal(e.ChunkID, bs)
	n += ord.String.Marshal(e.ModelID, bs[n:])
	n += ord.String.Marshal(e.MessageID, bs[n:])
	n += ord.String.Marshal(e.SourceID, bs[n:])
	n += varint.Int.Marshal(e.SequenceIndex, bs[n:])
	n += ord.String.Marshal(e.Text, bs[n:])
	n += vectorMUS.Marshal(e.Vector, bs[n:])
	return n + timeMUS.Marshal(e.UpdatedAt, bs[n:])
}

func (embeddingMUS) Unmarshal(bs []byte) (e Embedding, n int, err error) {
	d := decoder{bs: bs}
	e.ChunkID = decodeString(&d)
	e.ModelID = decodeString(&d)
	e.MessageID = decodeString(&d)
	e.SourceID = decodeString(&d)
	e.SequenceIndex = decodeInt(&d)
	e.Text = decodeString(&d)
	e.Vector = decode[[]float32](&d, vectorMUS)
	e.UpdatedAt = decode[time.Time](&d, timeMUS)
	return e, d.n, d.err
}

func (embeddingMUS) Size(e Embedding) (size int) {
	size = ord.String.Size(e.ChunkID)
	size += ord.String.Size(e.ModelID)
	size += ord.String.Size(e.MessageID)
	size += ord.String.Size(e.SourceID)
	size += varint.Int.Size(e.SequenceIndex)
	size += ord.String.Size(e.Text)
	size += vectorMUS.Size(e.Vector)
	return size + timeMUS.Size(e.UpdatedAt)
}

func (embeddingMUS) Skip(bs []byte) (n int, err error) {
	return skipAll(bs, ord.String, ord.String, ord.String, ord.String,
		varint.Int, ord.String, vectorMUS, timeMUS)
}

type checkpointMUS struct{}

func (checkpointMUS) Marshal(c Checkpoint, bs []byte) (n int) {
	n = ord.String.Marshal(c.Name, bs)
	n += ord.String.Marshal(c.LastMessageID, bs[n:])
	n += varint.Int.Marshal(c.Processed, bs[n:])
	return n + timeMUS.Marshal(c.UpdatedAt, bs[n:])
}

func (checkpointMUS) Unmarshal(bs []byte) (c Checkpoint, n int, err error) {
	d := decoder{bs: bs}
	c.Name = decodeString(&d)
	c.LastMessageID = decodeString(&d)
	c.Processed = decodeInt(&d)
	c.UpdatedAt = decode[time.Time](&d, timeMUS)
	return c, d.n, d.err
}

func (checkpointMUS) Size(c Checkpoint) (size int) {
	size = ord.String.Size(c.Name)
	size += ord.String.Size(c.LastMessageID)
	size += varint.Int.Size(c.Processed)
	return size + timeMUS.Size(c.UpdatedAt)
}

func (checkpointMUS) Skip(bs []byte) (n int, err error) {
	return skipAll(bs, ord.String, ord.String, varint.Int, timeMUS)
}

type skipper interface {
	Skip(bs []byte) (n int, err error)
}

func skipAll(bs []byte, fields ...skipper) (n int, err error) {
	var n1 int
	for _, f := range fields {
		n1, err = f.Skip(bs[n:])
		n += n1
		if err != nil {
			return
		}
	}
	return
}

// decoder walks a byte slice field by field and stops at the first error.
type decoder struct {
	bs  []byte
	n   int
	err error
}

func decode[T any](d *decoder, ser mus.Serializer[T]) (v T) {
	if d.err != nil {
		return
	}
	var n int
	v, n, d.err = ser.Unmarshal(d.bs[d.n:])
	d.n += n
	return
}

func decodeString(d *decoder) string { return decode[string](d, ord.String) }

func decodeInt(d *decoder) int { return decode[int](d, varint.Int) }

var (
	_ mus.Serializer[Embedding]  = EmbeddingMUS
	_ mus.Serializer[Checkpoint] = CheckpointMUS
)
