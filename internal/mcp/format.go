package mcp

import (
	"fmt"
	"strings"
	"time"

	"github.com/artemgetmann/mindmirror/internal/model"
)

// Result payloads are prose plus enumerated items, shaped for a language
// model rather than a human UI: short lines, explicit ids, ISO dates.

func formatStoreOutcome(text string, tag model.Tag, o model.StoreOutcome) string {
	var b strings.Builder
	switch o.Status {
	case model.StatusStored:
		b.WriteString("Memory stored successfully!\n\n")
		fmt.Fprintf(&b, "Text: %s\n", text)
		fmt.Fprintf(&b, "Category: %s\n", tag)
		fmt.Fprintf(&b, "ID: %s\n", o.Memory.ID)
		if len(o.Conflicts) > 0 {
			b.WriteString("\nCONFLICTS DETECTED — this memory may contradict:\n")
			for _, c := range o.Conflicts {
				fmt.Fprintf(&b, "- %q (ID: %s, %s, similarity: %.3f)\n",
					c.Text, c.ID, shortDate(c.CreatedAt), c.Similarity)
			}
			b.WriteString("\nAsk the user which memory is correct; resolve with forget.")
		}

	case model.StatusDuplicateExact:
		fmt.Fprintf(&b, "Already known: an identical %s memory exists. Nothing was stored.", tag)

	case model.StatusDuplicateSemantic:
		fmt.Fprintf(&b, "Not stored: too similar to existing memory %s (similarity: %.3f). Near-restatements are rejected to keep the memory set clean.",
			o.DuplicateID, o.Similarity)

	case model.StatusQuotaExceeded:
		fmt.Fprintf(&b, "Memory limit reached: %d of %d memories used. Nothing was stored.\n", o.Used, o.Limit)
		fmt.Fprintf(&b, "Free up space with forget, or upgrade: %s", o.UpgradeURL)
	}
	return b.String()
}

func formatRecallResult(r model.RecallResult) string {
	var b strings.Builder
	if len(r.Memories) == 0 {
		fmt.Fprintf(&b, "No memories found matching %q", r.Query)
		return b.String()
	}

	fmt.Fprintf(&b, "Found %d memories for %q:\n\n", len(r.Memories), r.Query)
	for i, m := range r.Memories {
		fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, m.Tag, m.Text)
		fmt.Fprintf(&b, "   ID: %s | Similarity: %.3f | %s\n", m.ID, m.Similarity, shortDate(m.CreatedAt))
	}

	if len(r.ConflictGroups) > 0 {
		fmt.Fprintf(&b, "\nCONFLICTS DETECTED (%d groups):\n\n", len(r.ConflictGroups))
		for i, group := range r.ConflictGroups {
			fmt.Fprintf(&b, "Conflict Group %d:\n", i+1)
			for _, m := range group {
				fmt.Fprintf(&b, "  - %q (ID: %s, %s)\n", m.Text, m.ID, shortDate(m.CreatedAt))
			}
			b.WriteString("\n")
		}
		b.WriteString("Ask the user which memory in each group to keep.")
	}
	return b.String()
}

func formatInventory(memories []model.Memory, tagFilter *model.Tag) string {
	var b strings.Builder
	if len(memories) == 0 {
		if tagFilter != nil {
			fmt.Fprintf(&b, "No memories found with category %q", *tagFilter)
		} else {
			b.WriteString("No memories stored yet.")
		}
		return b.String()
	}

	b.WriteString("Your memories")
	if tagFilter != nil {
		fmt.Fprintf(&b, " (category: %s)", *tagFilter)
	}
	fmt.Fprintf(&b, " — %d total, newest first:\n\n", len(memories))
	for i, m := range memories {
		fmt.Fprintf(&b, "%d. [%s] %s\n", i+1, m.Tag, m.Text)
		fmt.Fprintf(&b, "   ID: %s | Created: %s\n", m.ID, shortDate(m.CreatedAt))
	}
	return b.String()
}

func formatCheckpointResult(r model.CheckpointResult) string {
	var b strings.Builder
	// The overwrite notice leads so the agent relays it before anything else.
	if r.Overwrote && r.PreviousCreatedAt != nil {
		fmt.Fprintf(&b, "NOTE: this overwrote a previous checkpoint saved at %s.\n\n",
			r.PreviousCreatedAt.UTC().Format(time.RFC3339))
	}
	b.WriteString("Checkpoint saved. Use resume in a future conversation to restore this context.")
	return b.String()
}

func formatResume(c model.Checkpoint) string {
	var b strings.Builder
	b.WriteString("Restored checkpoint")
	if c.Title != nil && *c.Title != "" {
		fmt.Fprintf(&b, " %q", *c.Title)
	}
	fmt.Fprintf(&b, " (saved %s):\n\n", c.CreatedAt.UTC().Format(time.RFC3339))
	b.WriteString(c.Content)
	return b.String()
}

func shortDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
