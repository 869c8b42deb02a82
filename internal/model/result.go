package model

import "time"

// StoreStatus is the outcome discriminator for an ingestion attempt.
type StoreStatus string

const (
	StatusStored            StoreStatus = "stored"
	StatusDuplicateExact    StoreStatus = "duplicate_exact"
	StatusDuplicateSemantic StoreStatus = "duplicate_semantic"
	StatusQuotaExceeded     StoreStatus = "quota_exceeded"
)

// StoreOutcome is the structured result of a remember call. Exactly one of
// the variant field groups is meaningful, selected by Status:
//
//	StatusStored            — Memory and Conflicts
//	StatusDuplicateExact    — nothing further
//	StatusDuplicateSemantic — DuplicateID and Similarity
//	StatusQuotaExceeded     — Used, Limit, UpgradeURL
//
// Duplicates and quota rejections are results, not errors: the agent is
// expected to relay them verbatim.
type StoreOutcome struct {
	Status StoreStatus `json:"status"`

	Memory    *Memory  `json:"memory,omitempty"`
	Conflicts []Memory `json:"conflicts,omitempty"`

	DuplicateID string  `json:"duplicate_id,omitempty"`
	Similarity  float64 `json:"similarity,omitempty"`

	Used      int    `json:"used,omitempty"`
	Limit     int    `json:"limit,omitempty"`
	UpgradeURL string `json:"upgrade_link,omitempty"`
}

// RecallResult is the structured result of a recall call.
type RecallResult struct {
	Query          string          `json:"query"`
	Memories       []Memory        `json:"results"`
	ConflictGroups []ConflictGroup `json:"conflict_groups,omitempty"`
}

// CheckpointResult is the structured result of a checkpoint save.
type CheckpointResult struct {
	ID                int64      `json:"id"`
	Overwrote         bool       `json:"overwrote"`
	PreviousCreatedAt *time.Time `json:"previous_created_at,omitempty"`
}

// PruneReport is the outcome of a classification pass. Nothing is deleted;
// records matching the age and access cutoffs are marked archived.
type PruneReport struct {
	Total    int      `json:"total_memories"`
	Archived int      `json:"pruned_count"`
	Kept     int      `json:"kept_count"`
	ArchivedIDs []string `json:"pruned_ids,omitempty"`
}
