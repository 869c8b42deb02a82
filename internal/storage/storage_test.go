package storage_test

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/artemgetmann/mindmirror/internal/model"
	"github.com/artemgetmann/mindmirror/internal/storage"
	"github.com/artemgetmann/mindmirror/internal/testutil"
	"github.com/artemgetmann/mindmirror/migrations"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	if os.Getenv("MINDMIRROR_SKIP_CONTAINER_TESTS") != "" {
		os.Exit(0)
	}

	tc := testutil.MustStartPostgres()
	defer tc.Terminate()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	var err error
	testDB, err = tc.NewTestDB(context.Background(), logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "test db setup failed: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}
	defer testDB.Close()

	os.Exit(m.Run())
}

// testVector builds a 384-dim vector with the first components set.
func testVector(components ...float32) pgvector.Vector {
	v := make([]float32, 384)
	copy(v, components)
	return pgvector.NewVector(v)
}

func newMemory(userID, id, text string, tag model.Tag, emb pgvector.Vector) model.Memory {
	now := time.Now().UTC()
	return model.Memory{
		ID:           id,
		UserID:       userID,
		Text:         text,
		Tag:          tag,
		Embedding:    emb,
		CreatedAt:    now,
		LastAccessed: now,
		ExactHash:    model.ExactHash(text, tag),
	}
}

func TestTokenIssueAndValidate(t *testing.T) {
	ctx := context.Background()

	tok, err := testDB.IssueToken(ctx, "Ada")
	require.NoError(t, err)
	assert.NotEmpty(t, tok.Value)
	assert.Contains(t, tok.UserID, "user_")
	assert.Equal(t, "Ada", tok.DisplayName)
	assert.True(t, tok.IsActive)
	assert.False(t, tok.IsAdmin)

	p, err := testDB.ValidateToken(ctx, tok.Value)
	require.NoError(t, err)
	assert.Equal(t, tok.UserID, p.UserID)
	assert.Equal(t, tok.Value, p.Token)

	_, err = testDB.ValidateToken(ctx, "no-such-token")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestValidateTokenBumpsLastUsed(t *testing.T) {
	ctx := context.Background()

	tok, err := testDB.IssueToken(ctx, "")
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	_, err = testDB.ValidateToken(ctx, tok.Value)
	require.NoError(t, err)

	var lastUsed time.Time
	err = testDB.Pool().QueryRow(ctx,
		`SELECT last_used FROM auth_tokens WHERE token = $1`, tok.Value,
	).Scan(&lastUsed)
	require.NoError(t, err)
	assert.True(t, lastUsed.After(tok.LastUsed), "last_used should advance on validation")
}

func TestStoreMemoryDuplicateHash(t *testing.T) {
	ctx := context.Background()
	user := "user_dup_hash"

	m := newMemory(user, "mem_t1", "I like tea", model.TagPreference, testVector(1))
	require.NoError(t, testDB.StoreMemoryWithConflicts(ctx, m, 0))

	// Same normalised text + tag under a different id hits the unique index.
	m2 := newMemory(user, "mem_t2", "  i LIKE tea ", model.TagPreference, testVector(0, 1))
	err := testDB.StoreMemoryWithConflicts(ctx, m2, 0)
	assert.ErrorIs(t, err, storage.ErrDuplicateHash)

	// Same text under a different tag is fine.
	m3 := newMemory(user, "mem_t3", "I like tea", model.TagHabit, testVector(0, 0, 1))
	assert.NoError(t, testDB.StoreMemoryWithConflicts(ctx, m3, 0))
}

func TestStoreMemoryQuotaRecheck(t *testing.T) {
	ctx := context.Background()
	user := "user_quota_tx"

	m1 := newMemory(user, "mem_q1", "fact one", model.TagGoal, testVector(1))
	require.NoError(t, testDB.StoreMemoryWithConflicts(ctx, m1, 1))

	m2 := newMemory(user, "mem_q2", "fact two", model.TagGoal, testVector(0, 1))
	err := testDB.StoreMemoryWithConflicts(ctx, m2, 1)
	assert.ErrorIs(t, err, storage.ErrQuotaExceeded)

	n, err := testDB.CountMemories(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "rejected store must not advance the count")
}

func TestConflictBackEdgesSymmetric(t *testing.T) {
	ctx := context.Background()
	user := "user_edges"

	a := newMemory(user, "mem_ea", "works at night", model.TagPreference, testVector(1))
	require.NoError(t, testDB.StoreMemoryWithConflicts(ctx, a, 0))

	b := newMemory(user, "mem_eb", "works in the morning", model.TagPreference, testVector(0.8, 0.6))
	b.HasConflicts = true
	b.ConflictIDs = []string{"mem_ea"}
	require.NoError(t, testDB.StoreMemoryWithConflicts(ctx, b, 0))

	got, err := testDB.GetMemory(ctx, user, "mem_ea")
	require.NoError(t, err)
	assert.True(t, got.HasConflicts)
	assert.Contains(t, got.ConflictIDs, "mem_eb")

	// A second conflicting record appends its own back-edge; the existing
	// mem_eb edge stays listed once.
	c := newMemory(user, "mem_ec", "sometimes works at noon", model.TagPreference, testVector(0.6, 0.8))
	c.HasConflicts = true
	c.ConflictIDs = []string{"mem_ea"}
	require.NoError(t, testDB.StoreMemoryWithConflicts(ctx, c, 0))

	got, err = testDB.GetMemory(ctx, user, "mem_ea")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"mem_eb", "mem_ec"}, got.ConflictIDs)
}

func TestDeleteMemoryRepairsGraph(t *testing.T) {
	ctx := context.Background()
	user := "user_delete"

	a := newMemory(user, "mem_da", "likes cats", model.TagPreference, testVector(1))
	require.NoError(t, testDB.StoreMemoryWithConflicts(ctx, a, 0))

	b := newMemory(user, "mem_db", "likes dogs more", model.TagPreference, testVector(0.9, 0.43))
	b.HasConflicts = true
	b.ConflictIDs = []string{"mem_da"}
	require.NoError(t, testDB.StoreMemoryWithConflicts(ctx, b, 0))

	deleted, err := testDB.DeleteMemoryRepairGraph(ctx, user, "mem_db")
	require.NoError(t, err)
	assert.Equal(t, "mem_db", deleted.ID)

	got, err := testDB.GetMemory(ctx, user, "mem_da")
	require.NoError(t, err)
	assert.False(t, got.HasConflicts, "neighbour's flag must clear when its list empties")
	assert.Empty(t, got.ConflictIDs)

	_, err = testDB.GetMemory(ctx, user, "mem_db")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDeleteNotOwnedIsNotFound(t *testing.T) {
	ctx := context.Background()

	m := newMemory("user_owner", "mem_own1", "mine alone", model.TagProject, testVector(1))
	require.NoError(t, testDB.StoreMemoryWithConflicts(ctx, m, 0))

	_, err := testDB.DeleteMemoryRepairGraph(ctx, "user_other", "mem_own1")
	assert.ErrorIs(t, err, storage.ErrNotFound, "not-owned must be indistinguishable from missing")
}

func TestNearestScopedByUserAndTag(t *testing.T) {
	ctx := context.Background()

	mine := newMemory("user_near_a", "mem_na", "I use Go", model.TagTool, testVector(1))
	require.NoError(t, testDB.StoreMemoryWithConflicts(ctx, mine, 0))
	theirs := newMemory("user_near_b", "mem_nb", "I use Go", model.TagTool, testVector(1))
	require.NoError(t, testDB.StoreMemoryWithConflicts(ctx, theirs, 0))

	got, err := testDB.Nearest(ctx, "user_near_a", model.TagTool, testVector(1), "", 10)
	require.NoError(t, err)
	require.Len(t, got, 1, "never cross user boundaries")
	assert.Equal(t, "mem_na", got[0].Memory.ID)
	assert.InDelta(t, 0.0, got[0].Distance, 1e-4)

	// Tag scope.
	got, err = testDB.Nearest(ctx, "user_near_a", model.TagGoal, testVector(1), "", 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestKeywordSearch(t *testing.T) {
	ctx := context.Background()
	user := "user_kw"

	m1 := newMemory(user, "mem_kw1", "Practices guitar on Sundays", model.TagRoutine, testVector(1))
	require.NoError(t, testDB.StoreMemoryWithConflicts(ctx, m1, 0))
	m2 := newMemory(user, "mem_kw2", "Guitar strings need replacing", model.TagTool, testVector(0, 1))
	require.NoError(t, testDB.StoreMemoryWithConflicts(ctx, m2, 0))

	hits, err := testDB.KeywordSearch(ctx, user, nil, []string{"guitar"}, nil, 10)
	require.NoError(t, err)
	assert.Len(t, hits, 2)

	// Excluded ids stay excluded.
	hits, err = testDB.KeywordSearch(ctx, user, nil, []string{"guitar"}, []string{"mem_kw1"}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "mem_kw2", hits[0].ID)

	// Tag filter applies.
	tag := model.TagRoutine
	hits, err = testDB.KeywordSearch(ctx, user, &tag, []string{"guitar"}, nil, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "mem_kw1", hits[0].ID)

	// LIKE metacharacters in tokens must not act as wildcards.
	hits, err = testDB.KeywordSearch(ctx, user, nil, []string{"%"}, nil, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestCheckpointUpsertReportsOverwrite(t *testing.T) {
	ctx := context.Background()
	user := "user_ckpt"

	id1, overwrote, prev, err := testDB.UpsertCheckpoint(ctx, user, "v1", nil)
	require.NoError(t, err)
	assert.False(t, overwrote)
	assert.Nil(t, prev)

	first, err := testDB.GetCheckpoint(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, "v1", first.Content)

	time.Sleep(10 * time.Millisecond)
	title := "second"
	id2, overwrote, prev, err := testDB.UpsertCheckpoint(ctx, user, "v2", &title)
	require.NoError(t, err)
	assert.True(t, overwrote)
	require.NotNil(t, prev)
	assert.WithinDuration(t, first.CreatedAt, *prev, time.Millisecond)
	assert.Equal(t, id1, id2, "the slot keeps its identity across overwrites")

	got, err := testDB.GetCheckpoint(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, "v2", got.Content)
	require.NotNil(t, got.Title)
	assert.Equal(t, "second", *got.Title)
}

func TestCheckpointMissing(t *testing.T) {
	_, err := testDB.GetCheckpoint(context.Background(), "user_never_saved")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestWaitlistIdempotent(t *testing.T) {
	ctx := context.Background()

	require.NoError(t, testDB.AddWaitlistEmail(ctx, "dev@example.com", ""))
	require.NoError(t, testDB.AddWaitlistEmail(ctx, "dev@example.com", "some-referrer"))

	var n int
	err := testDB.Pool().QueryRow(ctx,
		`SELECT COUNT(*) FROM waitlist_emails WHERE email = $1`, "dev@example.com",
	).Scan(&n)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMarkArchivedByAgeSkipsCoreTags(t *testing.T) {
	ctx := context.Background()
	user := "user_prune"
	old := time.Now().UTC().Add(-120 * 24 * time.Hour)

	stale := newMemory(user, "mem_pr1", "used to play chess", model.TagHabit, testVector(1))
	stale.CreatedAt = old
	stale.LastAccessed = old
	require.NoError(t, testDB.StoreMemoryWithConflicts(ctx, stale, 0))

	core := newMemory(user, "mem_pr2", "is a software engineer", model.TagIdentity, testVector(0, 1))
	core.CreatedAt = old
	core.LastAccessed = old
	require.NoError(t, testDB.StoreMemoryWithConflicts(ctx, core, 0))

	fresh := newMemory(user, "mem_pr3", "training for a marathon", model.TagGoal, testVector(0, 0, 1))
	require.NoError(t, testDB.StoreMemoryWithConflicts(ctx, fresh, 0))

	now := time.Now().UTC()
	archived, err := testDB.MarkArchivedByAge(ctx, now.Add(-90*24*time.Hour), now.Add(-30*24*time.Hour))
	require.NoError(t, err)

	var ids []string
	for _, m := range archived {
		if m.UserID == user {
			ids = append(ids, m.ID)
		}
	}
	assert.Equal(t, []string{"mem_pr1"}, ids)

	got, err := testDB.GetMemory(ctx, user, "mem_pr1")
	require.NoError(t, err)
	assert.True(t, got.Archived)
	require.NotNil(t, got.ArchiveReason)
	assert.Equal(t, "age_and_access", *got.ArchiveReason)

	got, err = testDB.GetMemory(ctx, user, "mem_pr2")
	require.NoError(t, err)
	assert.False(t, got.Archived, "core tags are permanently excluded from pruning")
}

func TestLoadExactHashes(t *testing.T) {
	ctx := context.Background()
	user := "user_hashload"

	m := newMemory(user, "mem_hl1", "drinks oat milk", model.TagPreference, testVector(1))
	require.NoError(t, testDB.StoreMemoryWithConflicts(ctx, m, 0))

	keys, err := testDB.LoadExactHashes(ctx)
	require.NoError(t, err)
	_, ok := keys[user+":"+m.ExactHash]
	assert.True(t, ok)
}

func TestGetEmbeddingsByIDs(t *testing.T) {
	ctx := context.Background()
	user := "user_embs"

	m := newMemory(user, "mem_em1", "rides a bike to work", model.TagRoutine, testVector(0.6, 0.8))
	require.NoError(t, testDB.StoreMemoryWithConflicts(ctx, m, 0))

	embs, err := testDB.GetEmbeddingsByIDs(ctx, user, []string{"mem_em1", "mem_missing"})
	require.NoError(t, err)
	require.Contains(t, embs, "mem_em1")
	assert.NotContains(t, embs, "mem_missing")
	assert.InDelta(t, 0.6, embs["mem_em1"].Slice()[0], 1e-5)
}

func TestRunMigrationsIdempotent(t *testing.T) {
	// Running the embedded migrations a second time must be a no-op.
	err := testDB.RunMigrations(context.Background(), migrations.FS)
	assert.NoError(t, err)
}
