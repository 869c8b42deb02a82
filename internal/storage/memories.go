package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"

	"github.com/artemgetmann/mindmirror/internal/model"
)

// ErrQuotaExceeded is returned by StoreMemoryWithConflicts when the in-
// transaction quota re-check fails. The engine checks the count before
// embedding; this is the authoritative re-check at commit time.
var ErrQuotaExceeded = errors.New("storage: memory quota exceeded")

const memoryColumns = `id, user_id, text, tag, created_at, last_accessed,
	 exact_hash, has_conflicts, conflict_ids, archived, archive_reason`

func scanMemory(row pgx.Row) (model.Memory, error) {
	var m model.Memory
	if err := row.Scan(
		&m.ID, &m.UserID, &m.Text, &m.Tag, &m.CreatedAt, &m.LastAccessed,
		&m.ExactHash, &m.HasConflicts, &m.ConflictIDs, &m.Archived, &m.ArchiveReason,
	); err != nil {
		return model.Memory{}, err
	}
	return m, nil
}

func scanMemories(rows pgx.Rows) ([]model.Memory, error) {
	var out []model.Memory
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan memory: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Neighbor is a memory together with its cosine distance to a query vector.
// Distance is pgvector's <=> output in [0, 2].
type Neighbor struct {
	Memory   model.Memory
	Distance float64
}

// StoreMemoryWithConflicts persists a new record and the reverse edges of
// its detected conflicts in one transaction. conflictIDs must already be
// recorded on m (the forward edges); each referenced neighbor gains the
// symmetric back-edge and has_conflicts = true.
//
// quota > 0 enables the in-transaction count re-check; quota <= 0 disables
// it (admin principals). A unique-index violation on (user_id, exact_hash)
// maps to ErrDuplicateHash.
func (db *DB) StoreMemoryWithConflicts(ctx context.Context, m model.Memory, quota int) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin store: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if quota > 0 {
		var used int
		if err := tx.QueryRow(ctx,
			`SELECT COUNT(*) FROM memories WHERE user_id = $1 AND NOT archived`,
			m.UserID,
		).Scan(&used); err != nil {
			return fmt.Errorf("storage: quota re-check: %w", err)
		}
		if used >= quota {
			return ErrQuotaExceeded
		}
	}

	conflictIDs := m.ConflictIDs
	if conflictIDs == nil {
		conflictIDs = []string{}
	}
	// A zero-valued Vector means no embedding (noop provider); store NULL
	// rather than an empty vector literal.
	var emb any
	if m.Embedding.Slice() != nil {
		emb = m.Embedding
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO memories (id, user_id, text, tag, embedding, created_at, last_accessed,
		 exact_hash, has_conflicts, conflict_ids)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		m.ID, m.UserID, m.Text, m.Tag, emb, m.CreatedAt, m.LastAccessed,
		m.ExactHash, m.HasConflicts, conflictIDs,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateHash
		}
		return fmt.Errorf("storage: insert memory: %w", err)
	}

	// Symmetric back-edges. Idempotent: the id is only appended when absent.
	for _, otherID := range conflictIDs {
		if _, err := tx.Exec(ctx,
			`UPDATE memories
			 SET conflict_ids = conflict_ids || to_jsonb($3::text),
			     has_conflicts = true
			 WHERE user_id = $1 AND id = $2
			   AND NOT conflict_ids ? $3::text`,
			m.UserID, otherID, m.ID,
		); err != nil {
			return fmt.Errorf("storage: add conflict back-edge: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit store: %w", err)
	}
	return nil
}

// Nearest returns up to limit records of one user and tag ordered by cosine
// distance to the query embedding. excludeID, when non-empty, removes a
// record from the results (a new record never neighbours itself).
func (db *DB) Nearest(ctx context.Context, userID string, tag model.Tag, embedding pgvector.Vector, excludeID string, limit int) ([]Neighbor, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+memoryColumns+`, embedding <=> $3 AS distance
		 FROM memories
		 WHERE user_id = $1 AND tag = $2 AND embedding IS NOT NULL AND id != $4
		 ORDER BY embedding <=> $3
		 LIMIT $5`,
		userID, tag, embedding, excludeID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: nearest: %w", err)
	}
	defer rows.Close()

	var out []Neighbor
	for rows.Next() {
		var n Neighbor
		if err := rows.Scan(
			&n.Memory.ID, &n.Memory.UserID, &n.Memory.Text, &n.Memory.Tag,
			&n.Memory.CreatedAt, &n.Memory.LastAccessed, &n.Memory.ExactHash,
			&n.Memory.HasConflicts, &n.Memory.ConflictIDs,
			&n.Memory.Archived, &n.Memory.ArchiveReason, &n.Distance,
		); err != nil {
			return nil, fmt.Errorf("storage: scan neighbor: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// NearestAcrossTags is Nearest without the tag scope, for user-facing
// retrieval (optionally re-scoped by tagFilter).
func (db *DB) NearestAcrossTags(ctx context.Context, userID string, tagFilter *model.Tag, embedding pgvector.Vector, limit int) ([]Neighbor, error) {
	query := `SELECT ` + memoryColumns + `, embedding <=> $2 AS distance
		 FROM memories
		 WHERE user_id = $1 AND embedding IS NOT NULL`
	args := []any{userID, embedding}
	if tagFilter != nil {
		query += ` AND tag = $3`
		args = append(args, *tagFilter)
	}
	query += fmt.Sprintf(` ORDER BY embedding <=> $2 LIMIT %d`, limit)

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: nearest across tags: %w", err)
	}
	defer rows.Close()

	var out []Neighbor
	for rows.Next() {
		var n Neighbor
		if err := rows.Scan(
			&n.Memory.ID, &n.Memory.UserID, &n.Memory.Text, &n.Memory.Tag,
			&n.Memory.CreatedAt, &n.Memory.LastAccessed, &n.Memory.ExactHash,
			&n.Memory.HasConflicts, &n.Memory.ConflictIDs,
			&n.Memory.Archived, &n.Memory.ArchiveReason, &n.Distance,
		); err != nil {
			return nil, fmt.Errorf("storage: scan neighbor: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// KeywordSearch runs a case-insensitive substring match over a user's
// records, excluding ids already found semantically. tokens are matched with
// OR; callers pre-filter stop-words and short tokens.
func (db *DB) KeywordSearch(ctx context.Context, userID string, tagFilter *model.Tag, tokens, excludeIDs []string, limit int) ([]model.Memory, error) {
	if len(tokens) == 0 || limit <= 0 {
		return nil, nil
	}

	query := `SELECT ` + memoryColumns + ` FROM memories WHERE user_id = $1`
	args := []any{userID}

	if tagFilter != nil {
		args = append(args, *tagFilter)
		query += fmt.Sprintf(` AND tag = $%d`, len(args))
	}
	if len(excludeIDs) > 0 {
		args = append(args, excludeIDs)
		query += fmt.Sprintf(` AND NOT (id = ANY($%d))`, len(args))
	}

	likes := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		args = append(args, "%"+escapeLike(tok)+"%")
		likes = append(likes, fmt.Sprintf(`text ILIKE $%d`, len(args)))
	}
	query += ` AND (` + strings.Join(likes, " OR ") + `)`
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: keyword search: %w", err)
	}
	defer rows.Close()

	return scanMemories(rows)
}

// escapeLike escapes LIKE metacharacters in a user-supplied token.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

// GetMemory fetches one record scoped by owner. Missing and not-owned are
// both ErrNotFound.
func (db *DB) GetMemory(ctx context.Context, userID, id string) (model.Memory, error) {
	m, err := scanMemory(db.pool.QueryRow(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE user_id = $1 AND id = $2`,
		userID, id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Memory{}, ErrNotFound
	}
	if err != nil {
		return model.Memory{}, fmt.Errorf("storage: get memory: %w", err)
	}
	return m, nil
}

// GetMemoriesByIDs fetches a batch of records scoped by owner. Missing ids
// are silently absent from the result.
func (db *DB) GetMemoriesByIDs(ctx context.Context, userID string, ids []string) ([]model.Memory, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE user_id = $1 AND id = ANY($2)`,
		userID, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: get memories by ids: %w", err)
	}
	defer rows.Close()

	return scanMemories(rows)
}

// ListMemories returns a user's records newest first, optionally scoped to
// one tag.
func (db *DB) ListMemories(ctx context.Context, userID string, tagFilter *model.Tag, limit int) ([]model.Memory, error) {
	query := `SELECT ` + memoryColumns + ` FROM memories WHERE user_id = $1`
	args := []any{userID}
	if tagFilter != nil {
		args = append(args, *tagFilter)
		query += fmt.Sprintf(` AND tag = $%d`, len(args))
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT %d`, limit)

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list memories: %w", err)
	}
	defer rows.Close()

	return scanMemories(rows)
}

// TouchLastAccessed bumps last_accessed on a batch of records.
func (db *DB) TouchLastAccessed(ctx context.Context, userID string, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := db.pool.Exec(ctx,
		`UPDATE memories SET last_accessed = $3 WHERE user_id = $1 AND id = ANY($2)`,
		userID, ids, at,
	)
	if err != nil {
		return fmt.Errorf("storage: touch last accessed: %w", err)
	}
	return nil
}

// DeleteMemoryRepairGraph deletes a record and removes it from every
// neighbour's conflict_ids in one transaction; neighbours whose lists empty
// get has_conflicts cleared. Returns the deleted record.
func (db *DB) DeleteMemoryRepairGraph(ctx context.Context, userID, id string) (model.Memory, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.Memory{}, fmt.Errorf("storage: begin delete: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	m, err := scanMemory(tx.QueryRow(ctx,
		`SELECT `+memoryColumns+` FROM memories WHERE user_id = $1 AND id = $2`,
		userID, id,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Memory{}, ErrNotFound
	}
	if err != nil {
		return model.Memory{}, fmt.Errorf("storage: load for delete: %w", err)
	}

	for _, otherID := range m.ConflictIDs {
		if _, err := tx.Exec(ctx,
			`UPDATE memories
			 SET conflict_ids = conflict_ids - $3::text,
			     has_conflicts = jsonb_array_length(conflict_ids - $3::text) > 0
			 WHERE user_id = $1 AND id = $2`,
			userID, otherID, id,
		); err != nil {
			return model.Memory{}, fmt.Errorf("storage: repair conflict edge: %w", err)
		}
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM memories WHERE user_id = $1 AND id = $2`,
		userID, id,
	); err != nil {
		return model.Memory{}, fmt.Errorf("storage: delete memory: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Memory{}, fmt.Errorf("storage: commit delete: %w", err)
	}
	return m, nil
}

// LoadExactHashes returns every (user_id, exact_hash) pair for warming the
// engine's fast-reject cache at startup. Staleness is safe: the unique
// index is authoritative.
func (db *DB) LoadExactHashes(ctx context.Context) (map[string]struct{}, error) {
	rows, err := db.pool.Query(ctx, `SELECT user_id, exact_hash FROM memories`)
	if err != nil {
		return nil, fmt.Errorf("storage: load exact hashes: %w", err)
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var userID, hash string
		if err := rows.Scan(&userID, &hash); err != nil {
			return nil, fmt.Errorf("storage: scan exact hash: %w", err)
		}
		out[userID+":"+hash] = struct{}{}
	}
	return out, rows.Err()
}

// MarkArchivedByAge marks non-core-tag records older than createdBefore and
// untouched since accessedBefore. Returns the affected ids grouped with
// their owners. Classification only: nothing is deleted.
func (db *DB) MarkArchivedByAge(ctx context.Context, createdBefore, accessedBefore time.Time) ([]model.Memory, error) {
	rows, err := db.pool.Query(ctx,
		`UPDATE memories
		 SET archived = true, archive_reason = 'age_and_access'
		 WHERE NOT archived
		   AND NOT (tag IN ('identity', 'value'))
		   AND created_at < $1
		   AND last_accessed < $2
		 RETURNING `+memoryColumns,
		createdBefore, accessedBefore,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: mark archived: %w", err)
	}
	defer rows.Close()

	return scanMemories(rows)
}

// CountAllMemories returns the total number of records across users, for
// prune reporting.
func (db *DB) CountAllMemories(ctx context.Context) (int, error) {
	var n int
	if err := db.pool.QueryRow(ctx, `SELECT COUNT(*) FROM memories`).Scan(&n); err != nil {
		return 0, fmt.Errorf("storage: count all memories: %w", err)
	}
	return n, nil
}
