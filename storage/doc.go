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

// Package storage provides the storage abstraction layer for mailkb.
//
// This package defines repository interfaces that decouple storage implementation
// from business logic. Relational state (sources, jobs, messages, attachment
// references) lives behind the repositories implemented by sqlstore. Chunk
// embeddings live in a VectorStore implemented on BadgerDB, and attachment
// bodies in a BlobStore on the local filesystem.
//
// # Constructor Return Type Pattern
//
// Public constructors return the interface they implement:
//
//	vectors, err := badger.NewVectorStore(backend)  // returns storage.VectorStore
//
// Internal package constructors may return concrete types since they're only
// used within the implementation package.
//
// # Transactions
//
// Transactor.WithTransaction carries the open transaction in the context it
// passes to fn. Any repository method invoked with that context joins the
// transaction, so a message, its attachment references and the job counters
// commit or roll back together.
//
// # Thread Safety
//
// All repository implementations must be thread-safe and support
// concurrent access from multiple goroutines.
//
// # Context Support
//
// All repository methods accept context.Context for cancellation
// and timeout support. Pass context.Background() for operations
// without specific timeout requirements.
package storage
