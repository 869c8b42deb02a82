// Package engine implements the memory engine: ingestion with exact and
// semantic deduplication, conflict detection over embedding similarity,
// symmetric conflict-graph maintenance, hybrid retrieval with transitive
// conflict grouping, user-scoped deletion, inventory, and the pruning
// classification pass.
//
// All mutating paths on the same user are serialised through a per-user
// lock table; reads run concurrently. The Postgres store is the source of
// truth throughout — the exact-hash cache and the optional external ANN
// index are accelerators whose staleness is safe.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/artemgetmann/mindmirror/internal/embedding"
	"github.com/artemgetmann/mindmirror/internal/model"
	"github.com/artemgetmann/mindmirror/internal/search"
	"github.com/artemgetmann/mindmirror/internal/storage"
)

// ErrNotFound is returned when a record does not exist or is not owned by
// the caller; the two cases are indistinguishable by design.
var ErrNotFound = errors.New("engine: memory not found")

// ErrInvalidTag is returned for tags outside the closed set.
var ErrInvalidTag = errors.New("engine: invalid tag")

const (
	// duplicateScanLimit is how many nearest neighbours the semantic
	// duplicate guard inspects.
	duplicateScanLimit = 3
	// conflictScanLimit is how many nearest neighbours the conflict scan
	// inspects.
	conflictScanLimit = 5
	// keywordBaseSimilarity and keywordSimilarityStep assign synthetic
	// scores to keyword-fallback hits so they rank below strong semantic
	// hits but above weak ones.
	keywordBaseSimilarity = 0.70
	keywordSimilarityStep = 0.03
)

// Options holds the engine tunables.
type Options struct {
	Quota              int     // Active records per non-admin user.
	DuplicateThreshold float64 // Similarity above which a new memory is a near-restatement.
	ConflictThreshold  float64 // Similarity at or above which same-tag memories conflict.
	PruneAge           time.Duration
	PruneAccessAge     time.Duration
	UpgradeURL         string
}

// Engine coordinates the store, the embedding provider, and the optional
// external ANN index.
type Engine struct {
	db       *storage.DB
	embedder embedding.Provider
	index    search.Index // nil = Postgres-only retrieval
	logger   *slog.Logger
	opts     Options

	locks  *userLocks
	hashes *hashCache
	ids    idIssuer
}

// New creates an engine. index may be nil.
func New(db *storage.DB, embedder embedding.Provider, index search.Index, logger *slog.Logger, opts Options) *Engine {
	return &Engine{
		db:       db,
		embedder: embedder,
		index:    index,
		logger:   logger,
		opts:     opts,
		locks:    newUserLocks(),
		hashes:   newHashCache(),
	}
}

// LockUser acquires the per-user serialisation lock. Shared with the
// checkpoint store so all mutating paths for one user interleave safely.
func (e *Engine) LockUser(userID string) func() {
	return e.locks.Lock(userID)
}

// WarmHashCache loads the exact-hash fast-reject set from the store.
// Failure is non-fatal: the unique index catches what the cache misses.
func (e *Engine) WarmHashCache(ctx context.Context) error {
	keys, err := e.db.LoadExactHashes(ctx)
	if err != nil {
		return fmt.Errorf("engine: warm hash cache: %w", err)
	}
	e.hashes.Warm(keys)
	e.logger.Info("exact-hash cache warmed", "entries", len(keys))
	return nil
}

// similarityFromDistance converts pgvector cosine distance ([0,2]) into a
// similarity score in [0,1].
func similarityFromDistance(d float64) float64 {
	return math.Max(0, 1-d/2)
}

// clampSimilarity bounds a similarity score into [0,1].
func clampSimilarity(s float64) float64 {
	return math.Max(0, math.Min(1, s))
}

// Remember ingests one memory for a principal, returning a structured
// outcome: stored (with any detected conflicts), duplicate, or quota
// exceeded. Steps after validation run under the user's lock so a
// concurrent Remember or Forget on the same user cannot race the quota or
// leave one-sided conflict edges.
func (e *Engine) Remember(ctx context.Context, p model.Principal, text string, tag model.Tag) (model.StoreOutcome, error) {
	if err := model.ValidateTag(tag); err != nil {
		return model.StoreOutcome{}, fmt.Errorf("%w: %s", ErrInvalidTag, err)
	}

	hash := model.ExactHash(text, tag)

	unlock := e.locks.Lock(p.UserID)
	defer unlock()

	// Fast reject without a store round-trip. The unique index is the
	// authority; this only saves work.
	if e.hashes.Contains(p.UserID, hash) {
		return model.StoreOutcome{Status: model.StatusDuplicateExact}, nil
	}

	quota := e.opts.Quota
	if p.IsAdmin {
		quota = 0
	}
	if quota > 0 {
		used, err := e.db.CountMemories(ctx, p.UserID)
		if err != nil {
			return model.StoreOutcome{}, fmt.Errorf("engine: quota check: %w", err)
		}
		if used >= quota {
			return e.quotaOutcome(used), nil
		}
	}

	emb, err := e.embedder.Embed(ctx, text)
	semanticEnabled := true
	switch {
	case errors.Is(err, embedding.ErrNoProvider):
		semanticEnabled = false
	case err != nil:
		return model.StoreOutcome{}, fmt.Errorf("engine: embed: %w", err)
	}

	var conflicts []model.Memory
	var conflictIDs []string
	if semanticEnabled {
		neighbors, err := e.db.Nearest(ctx, p.UserID, tag, emb, "", conflictScanLimit)
		if err != nil {
			return model.StoreOutcome{}, fmt.Errorf("engine: neighbor scan: %w", err)
		}

		// Semantic duplicate guard over the closest three: near-identical
		// restatements are rejected instead of becoming conflict edges.
		for i, n := range neighbors {
			if i >= duplicateScanLimit {
				break
			}
			sim := similarityFromDistance(n.Distance)
			if sim > e.opts.DuplicateThreshold {
				return model.StoreOutcome{
					Status:      model.StatusDuplicateSemantic,
					DuplicateID: n.Memory.ID,
					Similarity:  sim,
				}, nil
			}
		}

		// Conflict scan: same-tag neighbours close enough to be retrieved
		// together but not identical often encode contradictory assertions.
		// The engine surfaces them; resolution is the agent's job.
		for _, n := range neighbors {
			sim := similarityFromDistance(n.Distance)
			if sim >= e.opts.ConflictThreshold {
				m := n.Memory
				m.Similarity = sim
				conflicts = append(conflicts, m)
				conflictIDs = append(conflictIDs, m.ID)
			}
		}
	}

	now := time.Now().UTC()
	m := model.Memory{
		ID:           e.ids.next(now),
		UserID:       p.UserID,
		Text:         text,
		Tag:          tag,
		Embedding:    emb,
		CreatedAt:    now,
		LastAccessed: now,
		ExactHash:    hash,
		HasConflicts: len(conflictIDs) > 0,
		ConflictIDs:  conflictIDs,
	}

	err = e.db.StoreMemoryWithConflicts(ctx, m, quota)
	switch {
	case errors.Is(err, storage.ErrDuplicateHash):
		e.hashes.Add(p.UserID, hash)
		return model.StoreOutcome{Status: model.StatusDuplicateExact}, nil
	case errors.Is(err, storage.ErrQuotaExceeded):
		used, countErr := e.db.CountMemories(ctx, p.UserID)
		if countErr != nil {
			used = quota
		}
		return e.quotaOutcome(used), nil
	case err != nil:
		return model.StoreOutcome{}, fmt.Errorf("engine: store: %w", err)
	}

	e.hashes.Add(p.UserID, hash)
	e.mirrorUpsert(ctx, m)

	return model.StoreOutcome{
		Status:    model.StatusStored,
		Memory:    &m,
		Conflicts: conflicts,
	}, nil
}

func (e *Engine) quotaOutcome(used int) model.StoreOutcome {
	return model.StoreOutcome{
		Status:     model.StatusQuotaExceeded,
		Used:       used,
		Limit:      e.opts.Quota,
		UpgradeURL: e.opts.UpgradeURL,
	}
}

// Recall runs the hybrid search: semantic nearest-neighbour retrieval,
// topped up by keyword substring matching only when short, then conflict
// group assembly over the returned records.
func (e *Engine) Recall(ctx context.Context, p model.Principal, query string, limit int, tagFilter *model.Tag) (model.RecallResult, error) {
	if tagFilter != nil {
		if err := model.ValidateTag(*tagFilter); err != nil {
			return model.RecallResult{}, fmt.Errorf("%w: %s", ErrInvalidTag, err)
		}
	}
	if limit <= 0 {
		limit = 10
	}

	result := model.RecallResult{Query: query}

	memories, err := e.semanticSearch(ctx, p.UserID, query, limit, tagFilter)
	if err != nil {
		return model.RecallResult{}, err
	}

	// Keyword fallback fills the remainder, never displaces semantic hits.
	if len(memories) < limit {
		found := make([]string, 0, len(memories))
		for _, m := range memories {
			found = append(found, m.ID)
		}
		keywordHits, err := e.db.KeywordSearch(ctx, p.UserID, tagFilter, keywordTokens(query), found, limit-len(memories))
		if err != nil {
			return model.RecallResult{}, fmt.Errorf("engine: keyword search: %w", err)
		}
		for i, m := range keywordHits {
			m.Similarity = keywordBaseSimilarity - keywordSimilarityStep*float64(i)
			memories = append(memories, m)
		}
	}

	// Composite sort: similarity first, creation time only as tiebreaker.
	sort.SliceStable(memories, func(i, j int) bool {
		if memories[i].Similarity != memories[j].Similarity {
			return memories[i].Similarity > memories[j].Similarity
		}
		return memories[i].CreatedAt.After(memories[j].CreatedAt)
	})

	if len(memories) > 0 {
		now := time.Now().UTC()
		ids := make([]string, len(memories))
		for i := range memories {
			ids[i] = memories[i].ID
			memories[i].LastAccessed = now
		}
		if err := e.db.TouchLastAccessed(ctx, p.UserID, ids, now); err != nil {
			e.logger.Warn("touch last_accessed failed", "error", err, "user_id", p.UserID)
		}
	}

	groups, err := e.assembleConflictGroups(ctx, p.UserID, memories)
	if err != nil {
		return model.RecallResult{}, err
	}

	result.Memories = memories
	result.ConflictGroups = groups
	return result, nil
}

// semanticSearch returns up to limit records ranked by cosine similarity to
// the query. Uses the external index when configured and healthy, otherwise
// the store's own cosine index. Returns nil (not an error) when no
// embedding provider is configured.
func (e *Engine) semanticSearch(ctx context.Context, userID, query string, limit int, tagFilter *model.Tag) ([]model.Memory, error) {
	q, err := e.embedder.Embed(ctx, query)
	if errors.Is(err, embedding.ErrNoProvider) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("engine: embed query: %w", err)
	}

	if e.index != nil && e.index.Healthy(ctx) == nil {
		tag := ""
		if tagFilter != nil {
			tag = string(*tagFilter)
		}
		hits, err := e.index.FindSimilar(ctx, userID, tag, q.Slice(), "", limit)
		if err != nil {
			e.logger.Warn("index search failed, falling back to store", "error", err)
		} else {
			return e.hydrateIndexHits(ctx, userID, hits)
		}
	}

	neighbors, err := e.db.NearestAcrossTags(ctx, userID, tagFilter, q, limit)
	if err != nil {
		return nil, fmt.Errorf("engine: semantic search: %w", err)
	}
	out := make([]model.Memory, 0, len(neighbors))
	for _, n := range neighbors {
		m := n.Memory
		m.Similarity = similarityFromDistance(n.Distance)
		out = append(out, m)
	}
	return out, nil
}

// hydrateIndexHits loads full records for index results, preserving the
// index ranking. Hits whose rows vanished between index query and hydration
// are dropped.
func (e *Engine) hydrateIndexHits(ctx context.Context, userID string, hits []search.Result) ([]model.Memory, error) {
	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.MemoryID
	}
	records, err := e.db.GetMemoriesByIDs(ctx, userID, ids)
	if err != nil {
		return nil, fmt.Errorf("engine: hydrate index hits: %w", err)
	}
	byID := make(map[string]model.Memory, len(records))
	for _, m := range records {
		byID[m.ID] = m
	}
	out := make([]model.Memory, 0, len(hits))
	for _, h := range hits {
		m, ok := byID[h.MemoryID]
		if !ok {
			continue
		}
		// The index reports raw cosine; map it onto the same (1 + cos)/2
		// scale that similarityFromDistance yields.
		m.Similarity = clampSimilarity((1 + float64(h.Score)) / 2)
		out = append(out, m)
	}
	return out, nil
}

// assembleConflictGroups builds the conflict groups for a result set: raw
// per-anchor conflict sets, transitive merging via union-find, discarding
// singletons, within-group near-duplicate collapse, and most-recent-first
// ordering.
func (e *Engine) assembleConflictGroups(ctx context.Context, userID string, memories []model.Memory) ([]model.ConflictGroup, error) {
	known := make(map[string]model.Memory, len(memories))
	for _, m := range memories {
		known[m.ID] = m
	}

	uf := newUnionFind()
	var missing []string
	anyConflicts := false
	for _, m := range memories {
		if !m.HasConflicts || len(m.ConflictIDs) == 0 {
			continue
		}
		anyConflicts = true
		for _, cid := range m.ConflictIDs {
			uf.union(m.ID, cid)
			if _, ok := known[cid]; !ok {
				missing = append(missing, cid)
			}
		}
	}
	if !anyConflicts {
		return nil, nil
	}

	if len(missing) > 0 {
		fetched, err := e.db.GetMemoriesByIDs(ctx, userID, missing)
		if err != nil {
			return nil, fmt.Errorf("engine: fetch conflict members: %w", err)
		}
		for _, m := range fetched {
			known[m.ID] = m
		}
	}

	var groups []model.ConflictGroup
	for _, members := range uf.groups() {
		if len(members) < 2 {
			continue
		}
		group := make(model.ConflictGroup, 0, len(members))
		for _, id := range members {
			if m, ok := known[id]; ok {
				group = append(group, m)
			}
		}
		if len(group) < 2 {
			continue
		}
		group = e.dedupeGroup(ctx, userID, group)
		if len(group) < 2 {
			continue
		}
		sort.Slice(group, func(i, j int) bool {
			return group[i].CreatedAt.After(group[j].CreatedAt)
		})
		groups = append(groups, group)
	}

	// Stable output order: groups by their most recent member.
	sort.Slice(groups, func(i, j int) bool {
		return groups[i][0].CreatedAt.After(groups[j][0].CreatedAt)
	})
	return groups, nil
}

// dedupeGroup collapses near-restatements inside one conflict group: for
// any pair above the duplicate threshold, only the more recent member
// survives. These pairs escaped the ingestion guard only because they were
// added through different edges.
func (e *Engine) dedupeGroup(ctx context.Context, userID string, group model.ConflictGroup) model.ConflictGroup {
	ids := make([]string, len(group))
	for i, m := range group {
		ids[i] = m.ID
	}
	embs, err := e.db.GetEmbeddingsByIDs(ctx, userID, ids)
	if err != nil {
		e.logger.Warn("group dedup skipped: embeddings unavailable", "error", err)
		return group
	}

	var unique model.ConflictGroup
	for _, candidate := range group {
		ce, ok := embs[candidate.ID]
		if !ok {
			unique = append(unique, candidate)
			continue
		}
		duplicate := false
		for i, kept := range unique {
			ke, ok := embs[kept.ID]
			if !ok {
				continue
			}
			// Same similarity convention as the distance-based paths:
			// (1 + cos) / 2.
			if (1+cosineSimilarity(ce.Slice(), ke.Slice()))/2 > e.opts.DuplicateThreshold {
				duplicate = true
				if candidate.CreatedAt.After(kept.CreatedAt) {
					unique[i] = candidate
				}
				break
			}
		}
		if !duplicate {
			unique = append(unique, candidate)
		}
	}
	return unique
}

// Forget deletes a record the principal owns and repairs the conflict
// graph on every neighbour. Not-owned records report ErrNotFound, same as
// missing ones.
func (e *Engine) Forget(ctx context.Context, p model.Principal, id string) (model.Memory, error) {
	unlock := e.locks.Lock(p.UserID)
	defer unlock()

	m, err := e.db.DeleteMemoryRepairGraph(ctx, p.UserID, id)
	if errors.Is(err, storage.ErrNotFound) {
		return model.Memory{}, ErrNotFound
	}
	if err != nil {
		return model.Memory{}, fmt.Errorf("engine: forget: %w", err)
	}

	e.hashes.Remove(p.UserID, m.ExactHash)
	if e.index != nil {
		if err := e.index.Delete(ctx, []string{m.ID}); err != nil {
			e.logger.Warn("index delete failed", "error", err, "id", m.ID)
		}
	}
	return m, nil
}

// Inventory lists a user's records newest first, optionally scoped to one
// tag. No similarity is computed.
func (e *Engine) Inventory(ctx context.Context, p model.Principal, tagFilter *model.Tag, limit int) ([]model.Memory, error) {
	if tagFilter != nil {
		if err := model.ValidateTag(*tagFilter); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidTag, err)
		}
	}
	if limit <= 0 {
		limit = 1000
	}
	memories, err := e.db.ListMemories(ctx, p.UserID, tagFilter, limit)
	if err != nil {
		return nil, fmt.Errorf("engine: inventory: %w", err)
	}
	return memories, nil
}

// Get reads a single owned record, bumping last_accessed, and returns its
// direct conflict set alongside.
func (e *Engine) Get(ctx context.Context, p model.Principal, id string) (model.Memory, []model.Memory, error) {
	m, err := e.db.GetMemory(ctx, p.UserID, id)
	if errors.Is(err, storage.ErrNotFound) {
		return model.Memory{}, nil, ErrNotFound
	}
	if err != nil {
		return model.Memory{}, nil, fmt.Errorf("engine: get: %w", err)
	}

	now := time.Now().UTC()
	if err := e.db.TouchLastAccessed(ctx, p.UserID, []string{id}, now); err != nil {
		e.logger.Warn("touch last_accessed failed", "error", err, "id", id)
	}
	m.LastAccessed = now

	var conflictSet []model.Memory
	if m.HasConflicts {
		conflictSet, err = e.db.GetMemoriesByIDs(ctx, p.UserID, m.ConflictIDs)
		if err != nil {
			return model.Memory{}, nil, fmt.Errorf("engine: get conflict set: %w", err)
		}
	}
	return m, conflictSet, nil
}

// CountMemories reports a user's active record count (for the token
// issuance surface).
func (e *Engine) CountMemories(ctx context.Context, userID string) (int, error) {
	return e.db.CountMemories(ctx, userID)
}

// Prune runs the classification pass: records outside the core tags, older
// than the age cutoff and untouched past the access cutoff, are marked
// archived. Nothing is deleted; the report says what was classified.
func (e *Engine) Prune(ctx context.Context) (model.PruneReport, error) {
	now := time.Now().UTC()
	archived, err := e.db.MarkArchivedByAge(ctx, now.Add(-e.opts.PruneAge), now.Add(-e.opts.PruneAccessAge))
	if err != nil {
		return model.PruneReport{}, fmt.Errorf("engine: prune: %w", err)
	}
	total, err := e.db.CountAllMemories(ctx)
	if err != nil {
		return model.PruneReport{}, fmt.Errorf("engine: prune count: %w", err)
	}

	report := model.PruneReport{
		Total:    total,
		Archived: len(archived),
		Kept:     total - len(archived),
	}
	for _, m := range archived {
		report.ArchivedIDs = append(report.ArchivedIDs, m.ID)
	}
	return report, nil
}

// indexBackfillWorkers bounds concurrent upserts during BackfillIndex.
const indexBackfillWorkers = 4

// BackfillIndex mirrors every embedded record into the external ANN index.
// Called at startup when an index is configured; no-op otherwise.
func (e *Engine) BackfillIndex(ctx context.Context) (int, error) {
	if e.index == nil {
		return 0, nil
	}
	points, err := e.db.LoadIndexPoints(ctx)
	if err != nil {
		return 0, fmt.Errorf("engine: backfill index: %w", err)
	}

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(indexBackfillWorkers)
	for _, p := range points {
		g.Go(func() error {
			return e.index.Upsert(gCtx, search.Point{
				MemoryID:  p.MemoryID,
				UserID:    p.UserID,
				Tag:       p.Tag,
				CreatedAt: p.CreatedAt.Unix(),
				Embedding: p.Embedding.Slice(),
			})
		})
	}
	if err := g.Wait(); err != nil {
		return 0, fmt.Errorf("engine: backfill index: %w", err)
	}
	return len(points), nil
}

// mirrorUpsert pushes a stored record into the external index,
// best-effort. The store committed already; a failed mirror only degrades
// recall until the next backfill.
func (e *Engine) mirrorUpsert(ctx context.Context, m model.Memory) {
	if e.index == nil || m.Embedding.Slice() == nil {
		return
	}
	if err := e.index.Upsert(ctx, search.Point{
		MemoryID:  m.ID,
		UserID:    m.UserID,
		Tag:       string(m.Tag),
		CreatedAt: m.CreatedAt.Unix(),
		Embedding: m.Embedding.Slice(),
	}); err != nil {
		e.logger.Warn("index upsert failed", "error", err, "id", m.ID)
	}
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		da, db := float64(a[i]), float64(b[i])
		dot += da * db
		normA += da * da
		normB += db * db
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
