package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/pgvector/pgvector-go"
)

// GetEmbeddingsByIDs returns embedding vectors for a batch of one user's
// records. Records without an embedding are absent from the result.
func (db *DB) GetEmbeddingsByIDs(ctx context.Context, userID string, ids []string) (map[string]pgvector.Vector, error) {
	if len(ids) == 0 {
		return map[string]pgvector.Vector{}, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, embedding FROM memories
		 WHERE user_id = $1 AND id = ANY($2) AND embedding IS NOT NULL`,
		userID, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get embeddings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]pgvector.Vector, len(ids))
	for rows.Next() {
		var id string
		var emb pgvector.Vector
		if err := rows.Scan(&id, &emb); err != nil {
			return nil, fmt.Errorf("storage: scan embedding: %w", err)
		}
		out[id] = emb
	}
	return out, rows.Err()
}

// IndexPoint is the projection used to mirror embedded records into an
// external search index.
type IndexPoint struct {
	MemoryID  string
	UserID    string
	Tag       string
	CreatedAt time.Time
	Embedding pgvector.Vector
}

// LoadIndexPoints returns every record that carries an embedding, for
// rebuilding the external index at startup.
func (db *DB) LoadIndexPoints(ctx context.Context) ([]IndexPoint, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, user_id, tag, created_at, embedding
		 FROM memories WHERE embedding IS NOT NULL`,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: load index points: %w", err)
	}
	defer rows.Close()

	var out []IndexPoint
	for rows.Next() {
		var p IndexPoint
		if err := rows.Scan(&p.MemoryID, &p.UserID, &p.Tag, &p.CreatedAt, &p.Embedding); err != nil {
			return nil, fmt.Errorf("storage: scan index point: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
