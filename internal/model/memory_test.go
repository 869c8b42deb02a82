package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTag(t *testing.T) {
	for _, tag := range ValidTags() {
		assert.NoError(t, ValidateTag(Tag(tag)), "tag %q should be valid", tag)
	}

	err := ValidateTag("mood")
	require.Error(t, err)
	// The error enumerates the accepted values for the caller.
	assert.Contains(t, err.Error(), "preference")
	assert.Contains(t, err.Error(), "identity")

	assert.Error(t, ValidateTag(""))
	assert.Error(t, ValidateTag("Preference"), "tags are case-sensitive")
}

func TestIsCoreTag(t *testing.T) {
	assert.True(t, IsCoreTag(TagIdentity))
	assert.True(t, IsCoreTag(TagValue))
	assert.False(t, IsCoreTag(TagPreference))
	assert.False(t, IsCoreTag(TagGoal))
}

func TestExactHashNormalisation(t *testing.T) {
	// Case and surrounding whitespace do not matter; the tag does.
	h1 := ExactHash("I like dark mode", TagPreference)
	h2 := ExactHash("  i LIKE dark mode ", TagPreference)
	assert.Equal(t, h1, h2)

	h3 := ExactHash("I like dark mode", TagHabit)
	assert.NotEqual(t, h1, h3, "same text under a different tag is a distinct memory")

	// Punctuation is preserved: a trailing period is not an
	// exact duplicate (the semantic guard catches it instead).
	h4 := ExactHash("I like dark mode.", TagPreference)
	assert.NotEqual(t, h1, h4)

	// 128-bit digest, hex encoded.
	assert.Len(t, h1, 32)
}

func TestNormalizeText(t *testing.T) {
	assert.Equal(t, "hello world", NormalizeText("  Hello World "))
	assert.Equal(t, "", NormalizeText("   "))
}
