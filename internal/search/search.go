// Package search provides an optional external ANN index for memory
// embeddings. The Postgres store remains the source of truth; the index
// only serves nearest-neighbour candidates, and the engine hydrates full
// records from Postgres before returning them.
package search

import "context"

// Result holds a memory ID and its raw cosine similarity score from the
// search index.
type Result struct {
	MemoryID string
	Score    float32
}

// Index is the interface for vector search indexes.
// Implementations must be safe for concurrent use.
type Index interface {
	// Upsert mirrors a memory's embedding into the index.
	Upsert(ctx context.Context, p Point) error

	// Delete removes memories from the index by ID.
	Delete(ctx context.Context, ids []string) error

	// FindSimilar returns memory IDs similar to the embedding, scoped to a
	// user and optionally one tag. excludeID is removed from results.
	FindSimilar(ctx context.Context, userID, tagFilter string, embedding []float32, excludeID string, limit int) ([]Result, error)

	// Healthy returns nil if the index is reachable.
	Healthy(ctx context.Context) error
}

// Point is the data needed to upsert a single memory into the index.
type Point struct {
	MemoryID  string
	UserID    string
	Tag       string
	CreatedAt int64 // Unix seconds.
	Embedding []float32
}
