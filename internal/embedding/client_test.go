package embedding

import (
	"context"
	"testing"

	"github.com/forgeflow/forgeflow/internal/vectorindex"
	"github.com/stretchr/testify/require"
)

func TestHashEmbedder_Deterministic(t *testing.T) {
	e := NewHashEmbedder(32)
	v1, err := e.Embed(context.Background(), "send a slack message")
	require.NoError(t, err)
	v2, err := e.Embed(context.Background(), "send a slack message")
	require.NoError(t, err)
	require.Equal(t, v1, v2)
}

func TestHashEmbedder_SimilarTextIsCloser(t *testing.T) {
	e := NewHashEmbedder(64)
	a, _ := e.Embed(context.Background(), "post a message to slack channel")
	b, _ := e.Embed(context.Background(), "send a message to a slack channel")
	c, _ := e.Embed(context.Background(), "render a video from a template")

	simAB, err := vectorindex.CosineSimilarity(a, b)
	require.NoError(t, err)
	simAC, err := vectorindex.CosineSimilarity(a, c)
	require.NoError(t, err)
	require.Greater(t, simAB, simAC)
}

func TestHashEmbedder_DefaultsDims(t *testing.T) {
	e := NewHashEmbedder(0)
	require.Equal(t, 64, e.Dims)
}
