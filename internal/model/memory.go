// Package model defines the core data types shared across MindMirror:
// memory records, tags, principals, tokens, checkpoints, and the tool
// result variants returned by the memory engine.
package model

import (
	"crypto/md5" //nolint:gosec // equality key for dedup, not a security primitive
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/pgvector/pgvector-go"
)

// Tag is a memory category drawn from a closed nine-member set.
type Tag string

// The closed tag set. Callers supply one of these; nothing is inferred.
const (
	TagGoal       Tag = "goal"
	TagRoutine    Tag = "routine"
	TagPreference Tag = "preference"
	TagConstraint Tag = "constraint"
	TagHabit      Tag = "habit"
	TagProject    Tag = "project"
	TagTool       Tag = "tool"
	TagIdentity   Tag = "identity"
	TagValue      Tag = "value"
)

// validTags is the closed set in canonical order.
var validTags = []Tag{
	TagGoal, TagRoutine, TagPreference, TagConstraint,
	TagHabit, TagProject, TagTool, TagIdentity, TagValue,
}

// coreTags are never pruned, regardless of age or access recency.
var coreTags = map[Tag]bool{
	TagIdentity: true,
	TagValue:    true,
}

// ValidTags returns the closed tag set as strings, for error messages
// and tool schema enums.
func ValidTags() []string {
	out := make([]string, len(validTags))
	for i, t := range validTags {
		out[i] = string(t)
	}
	return out
}

// ValidateTag checks that a tag is a member of the closed set.
func ValidateTag(tag Tag) error {
	for _, t := range validTags {
		if tag == t {
			return nil
		}
	}
	return fmt.Errorf("model: invalid tag %q, must be one of: %s", tag, strings.Join(ValidTags(), ", "))
}

// IsCoreTag reports whether the tag is permanently excluded from pruning.
func IsCoreTag(tag Tag) bool {
	return coreTags[tag]
}

// Memory is a single (text, tag) assertion owned by one user.
//
// ConflictIDs is the set of same-tag records this one has been detected to
// conflict with. The relation is symmetric and stored on both endpoints;
// every mutation path maintains HasConflicts == (len(ConflictIDs) > 0).
type Memory struct {
	ID           string          `json:"id"`
	UserID       string          `json:"-"`
	Text         string          `json:"text"`
	Tag          Tag             `json:"tag"`
	Embedding    pgvector.Vector `json:"-"`
	CreatedAt    time.Time       `json:"timestamp"`
	LastAccessed time.Time       `json:"last_accessed"`
	ExactHash    string          `json:"-"`
	HasConflicts bool            `json:"has_conflicts,omitempty"`
	ConflictIDs  []string        `json:"conflict_ids,omitempty"`
	Archived     bool            `json:"archived,omitempty"`
	ArchiveReason *string        `json:"archive_reason,omitempty"`

	// Similarity is populated on search projections only: similarity in
	// [0,1] (1 - cosine distance/2) for semantic hits, a synthetic descending score for keyword
	// fallback hits.
	Similarity float64 `json:"similarity,omitempty"`
}

// ConflictGroup is a connected component of the conflict graph surfaced by
// a single retrieval, ordered most recent first. Groups always have >= 2
// members; singletons are discarded during assembly.
type ConflictGroup []Memory

// NormalizeText is the canonical form used for exact-duplicate detection:
// lowercased, surrounding whitespace trimmed. Stored text is not normalised.
func NormalizeText(text string) string {
	return strings.ToLower(strings.TrimSpace(text))
}

// ExactHash computes the 128-bit dedup key over the normalised text and tag.
// MD5 here is an equality key with a unique index behind it, not a security
// boundary.
func ExactHash(text string, tag Tag) string {
	sum := md5.Sum([]byte(NormalizeText(text) + ":" + string(tag))) //nolint:gosec // see above
	return hex.EncodeToString(sum[:])
}
