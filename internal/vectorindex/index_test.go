package vectorindex

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCosineSimilarity_Identical(t *testing.T) {
	sim, err := CosineSimilarity(Vector{1, 0, 0}, Vector{1, 0, 0})
	require.NoError(t, err)
	require.InDelta(t, 1.0, sim, 1e-9)
}

func TestCosineSimilarity_Orthogonal(t *testing.T) {
	sim, err := CosineSimilarity(Vector{1, 0}, Vector{0, 1})
	require.NoError(t, err)
	require.InDelta(t, 0.0, sim, 1e-9)
}

func TestCosineSimilarity_ZeroMagnitude(t *testing.T) {
	sim, err := CosineSimilarity(Vector{0, 0}, Vector{1, 1})
	require.NoError(t, err)
	require.Equal(t, 0.0, sim)
}

func TestCosineSimilarity_DimensionMismatch(t *testing.T) {
	_, err := CosineSimilarity(Vector{1, 0}, Vector{1, 0, 0})
	require.Error(t, err)
}

func TestTopK_ReturnsHighestFirst(t *testing.T) {
	idx := New()
	idx.Add("a", Vector{1, 0}, "ref-a")
	idx.Add("b", Vector{0, 1}, "ref-b")
	idx.Add("c", Vector{0.9, 0.1}, "ref-c")

	matches, err := idx.TopK(Vector{1, 0}, 2)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	require.Equal(t, "a", matches[0].Entry.ID)
	require.Equal(t, "c", matches[1].Entry.ID)
}

func TestTopK_ClampsToLen(t *testing.T) {
	idx := New()
	idx.Add("a", Vector{1, 0}, nil)

	matches, err := idx.TopK(Vector{1, 0}, 5)
	require.NoError(t, err)
	require.Len(t, matches, 1)
}

func TestTopK_RejectsNonPositiveK(t *testing.T) {
	idx := New()
	_, err := idx.TopK(Vector{1}, 0)
	require.Error(t, err)
}

func TestAdd_ReplacesExisting(t *testing.T) {
	idx := New()
	idx.Add("a", Vector{1, 0}, "first")
	idx.Add("a", Vector{0, 1}, "second")
	require.Equal(t, 1, idx.Len())

	e, ok := idx.Get("a")
	require.True(t, ok)
	require.Equal(t, "second", e.Ref)
}
