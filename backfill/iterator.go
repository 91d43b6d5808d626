package backfill

import (
	"context"

	"github.com/poiesic/mailkb/core"
	"github.com/poiesic/mailkb/storage"
)

// DefaultBatchSize is the number of messages fetched per batch.
const DefaultBatchSize = 100

// MessageIterator walks messages in ID order in batches.
type MessageIterator struct {
	messages  storage.MessageRepository
	filter    storage.MessageFilter
	batchSize int
}

// NewMessageIterator creates an iterator over messages matching filter,
// starting after filter.AfterID.
func NewMessageIterator(messages storage.MessageRepository, filter storage.MessageFilter, batchSize int) *MessageIterator {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	filter.Limit = batchSize
	return &MessageIterator{messages: messages, filter: filter, batchSize: batchSize}
}

// ForEach calls fn with each batch until the messages are exhausted,
// fn fails or ctx is done.
func (it *MessageIterator) ForEach(ctx context.Context, fn func([]*core.Message) error) error {
	filter := it.filter
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		batch, err := it.messages.ListMessages(ctx, filter)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		if err := fn(batch); err != nil {
			return err
		}
		if len(batch) < it.batchSize {
			return nil
		}
		filter.AfterID = batch[len(batch)-1].ID
	}
}
