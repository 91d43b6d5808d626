// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package ai defines the embedding provider contract used by ingestion,
// backfill and search.
//
// Every Embedder is bound to one model. ModelID names the generation its
// vectors belong to, and the vector store keys embeddings by
// (chunk_id, model_id) so several generations can coexist.
//
// # Implementation Packages
//
//   - ai/openai: OpenAI-compatible HTTP APIs (OpenAI, vLLM, LocalAI, Ollama's /v1)
//   - ai/ollama: Ollama's native API
//   - ai/mock: deterministic test double
//
// Public constructors in the implementation packages return ai.Embedder.
// mock.NewMockEmbedder returns the concrete type so tests can inject
// behavior and inspect call counts.
package ai
