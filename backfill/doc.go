// Package backfill regenerates message embeddings outside the ingestion path.
//
// Two modes are supported. ModePending embeds messages whose embedding
// status is not complete, typically because the embedder was unavailable
// while the job ran. ModeAll re-embeds every message, for example when a
// new model generation is rolled out.
//
// Messages are walked in ID order in batches. After every batch a
// checkpoint keyed by mode and model is saved, so an interrupted run resumes
// after the last finished batch. A message's old vectors for the model are
// deleted before the regenerated chunks are written, which keeps the run
// idempotent on (chunk, model).
package backfill
