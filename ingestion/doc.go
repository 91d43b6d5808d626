// Package ingestion turns persisted messages into searchable embeddings.
//
// A Stage chunks the text of a message, embeds every chunk with the
// configured model and upserts the vectors into the vector store. When
// any step fails the message is left with a pending embedding status so
// the backfill can pick it up later; ingestion of the message itself is
// never undone.
package ingestion
