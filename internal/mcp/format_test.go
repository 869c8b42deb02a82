package mcp

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/artemgetmann/mindmirror/internal/model"
)

func ts(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestFormatStoreOutcomeStored(t *testing.T) {
	out := formatStoreOutcome("I prefer tea", model.TagPreference, model.StoreOutcome{
		Status: model.StatusStored,
		Memory: &model.Memory{ID: "mem_1"},
	})
	assert.Contains(t, out, "Memory stored successfully")
	assert.Contains(t, out, "mem_1")
	assert.NotContains(t, out, "CONFLICTS")
}

func TestFormatStoreOutcomeStoredWithConflicts(t *testing.T) {
	out := formatStoreOutcome("Prefers mornings", model.TagPreference, model.StoreOutcome{
		Status: model.StatusStored,
		Memory: &model.Memory{ID: "mem_2"},
		Conflicts: []model.Memory{
			{ID: "mem_1", Text: "Prefers working at night", CreatedAt: ts("2025-06-01T10:00:00Z"), Similarity: 0.71},
		},
	})
	assert.Contains(t, out, "CONFLICTS DETECTED")
	assert.Contains(t, out, "mem_1")
	assert.Contains(t, out, "Prefers working at night")
	assert.Contains(t, out, "0.710")
}

func TestFormatStoreOutcomeDuplicates(t *testing.T) {
	exact := formatStoreOutcome("x", model.TagGoal, model.StoreOutcome{Status: model.StatusDuplicateExact})
	assert.Contains(t, exact, "Nothing was stored")

	sem := formatStoreOutcome("x", model.TagGoal, model.StoreOutcome{
		Status:      model.StatusDuplicateSemantic,
		DuplicateID: "mem_9",
		Similarity:  0.97,
	})
	assert.Contains(t, sem, "mem_9")
	assert.Contains(t, sem, "0.970")
}

func TestFormatStoreOutcomeQuota(t *testing.T) {
	out := formatStoreOutcome("x", model.TagGoal, model.StoreOutcome{
		Status:     model.StatusQuotaExceeded,
		Used:       25,
		Limit:      25,
		UpgradeURL: "https://example.com/upgrade",
	})
	assert.Contains(t, out, "25 of 25")
	assert.Contains(t, out, "https://example.com/upgrade")
}

func TestFormatRecallSeparatesConflictGroups(t *testing.T) {
	r := model.RecallResult{
		Query: "when do I work best",
		Memories: []model.Memory{
			{ID: "mem_2", Text: "Prefers mornings", Tag: model.TagPreference, Similarity: 0.82, CreatedAt: ts("2025-07-01T08:00:00Z")},
			{ID: "mem_1", Text: "Prefers nights", Tag: model.TagPreference, Similarity: 0.79, CreatedAt: ts("2025-06-01T08:00:00Z")},
		},
		ConflictGroups: []model.ConflictGroup{{
			{ID: "mem_2", Text: "Prefers mornings", CreatedAt: ts("2025-07-01T08:00:00Z")},
			{ID: "mem_1", Text: "Prefers nights", CreatedAt: ts("2025-06-01T08:00:00Z")},
		}},
	}

	out := formatRecallResult(r)

	// The primary list and the conflict section must be clearly separated,
	// with the list first.
	listIdx := strings.Index(out, "Found 2 memories")
	conflictIdx := strings.Index(out, "CONFLICTS DETECTED (1 groups)")
	assert.GreaterOrEqual(t, listIdx, 0)
	assert.Greater(t, conflictIdx, listIdx)
	assert.Contains(t, out, "Conflict Group 1")
}

func TestFormatRecallEmpty(t *testing.T) {
	out := formatRecallResult(model.RecallResult{Query: "nothing"})
	assert.Contains(t, out, `No memories found matching "nothing"`)
}

func TestFormatCheckpointOverwriteNoticeLeads(t *testing.T) {
	prev := ts("2025-07-01T10:30:00Z")
	out := formatCheckpointResult(model.CheckpointResult{
		ID:                1,
		Overwrote:         true,
		PreviousCreatedAt: &prev,
	})
	assert.True(t, strings.HasPrefix(out, "NOTE: this overwrote a previous checkpoint"),
		"overwrite notice must lead the payload, got: %s", out)
	assert.Contains(t, out, "2025-07-01T10:30:00Z")
}

func TestFormatCheckpointFreshSave(t *testing.T) {
	out := formatCheckpointResult(model.CheckpointResult{ID: 1})
	assert.False(t, strings.Contains(out, "NOTE"))
	assert.Contains(t, out, "Checkpoint saved")
}

func TestFormatResume(t *testing.T) {
	title := "planning session"
	out := formatResume(model.Checkpoint{
		Title:     &title,
		Content:   "we were designing the schema",
		CreatedAt: ts("2025-07-02T09:00:00Z"),
	})
	assert.Contains(t, out, "planning session")
	assert.Contains(t, out, "we were designing the schema")
}
