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

// Package search provides semantic search over ingested messages.
//
// A query is embedded with the same model that produced the stored chunk
// vectors, scored against the vector store by cosine similarity and the
// matching messages are hydrated from the message repository. Chunks
// containing every non stop word of the query receive a verbatim boost.
// Each message appears at most once, represented by its best chunk.
package search
