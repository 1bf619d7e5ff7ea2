package enrich

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCleanCategory(t *testing.T) {
	t.Parallel()

	got, ok := CleanCategory("```\nCategory: \"Road Construction\".\nextra words\n```", nil)
	require.True(t, ok)
	require.Equal(t, "road construction", got)

	_, ok = CleanCategory("   \n\n", nil)
	require.False(t, ok)

	got, ok = CleanCategory("IT SERVICES", []string{"IT Services", "Construction"})
	require.True(t, ok)
	require.Equal(t, "IT Services", got)

	_, ok = CleanCategory("catering", []string{"IT Services"})
	require.False(t, ok)
}

func TestCleanConfidence(t *testing.T) {
	t.Parallel()

	_, ok := CleanConfidence(math.NaN())
	require.False(t, ok)
	_, ok = CleanConfidence(math.Inf(1))
	require.False(t, ok)

	v, ok := CleanConfidence(1.7)
	require.True(t, ok)
	require.Equal(t, 1.0, v)

	v, ok = CleanConfidence(-0.2)
	require.True(t, ok)
	require.Equal(t, 0.0, v)
}

func TestCleanSummary(t *testing.T) {
	t.Parallel()

	got, ok := CleanSummary("Summary:   Resurface   Main St.\n\n between 1st and 5th ", 0)
	require.True(t, ok)
	require.Equal(t, "Resurface Main St. between 1st and 5th", got)

	got, ok = CleanSummary("abcdefghij", 4)
	require.True(t, ok)
	require.Equal(t, "abcd", got)

	_, ok = CleanSummary("```\n```", 10)
	require.False(t, ok)
}

func TestCleanTagsMergesVariants(t *testing.T) {
	t.Parallel()

	raw := []string{
		"Tags: Paving, paving; Roads\n- road\n* Asphalt\n1. asphalt.\n2) Snow-Removal",
		"snow removal, Signage, signages, Bridges, bridge",
	}
	got := CleanTags(raw, 0)
	require.Equal(t, []string{"paving", "roads", "asphalt", "snow-removal", "signage", "bridges"}, got)
}

func TestCleanTagsEditDistanceOnlyForLongTags(t *testing.T) {
	t.Parallel()

	got := CleanTags([]string{"hvac, hvak, plumbing, plumbin"}, 0)
	require.Equal(t, []string{"hvac", "hvak", "plumbing"}, got)
}

func TestCleanTagsCap(t *testing.T) {
	t.Parallel()

	got := CleanTags([]string{"a1, b2, c3, d4"}, 2)
	require.Equal(t, []string{"a1", "b2"}, got)
}

func TestWithinOneEdit(t *testing.T) {
	t.Parallel()

	require.True(t, withinOneEdit("paving", "paving"))
	require.True(t, withinOneEdit("paving", "pavng"))
	require.True(t, withinOneEdit("paving", "pavinx"))
	require.True(t, withinOneEdit("paving", "pavings"))
	require.False(t, withinOneEdit("paving", "pvng"))
	require.False(t, withinOneEdit("paving", "roving"))
}
