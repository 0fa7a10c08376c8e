// Package embedding wraps the embedding call discovery uses to turn an
// endpoint document or an action query into a vectorindex.Vector. It
// mirrors internal/llm's shape: a thin interface over the genai client,
// plus a deterministic stub for tests, so discovery never depends on a
// live network call to be exercised.
package embedding

import (
	"context"
	"fmt"
	"hash/fnv"

	"github.com/forgeflow/forgeflow/internal/vectorindex"
	"google.golang.org/genai"
)

// Embedder turns text into an embedding vector.
type Embedder interface {
	Embed(ctx context.Context, text string) (vectorindex.Vector, error)
}

// GenAIEmbedder calls genai's embedding endpoint, the same client family
// internal/llm uses for generation.
type GenAIEmbedder struct {
	Client *genai.Client
	Model  string
}

// NewGenAIEmbedder wraps an existing genai client for a fixed embedding model.
func NewGenAIEmbedder(client *genai.Client, model string) *GenAIEmbedder {
	return &GenAIEmbedder{Client: client, Model: model}
}

func (e *GenAIEmbedder) Embed(ctx context.Context, text string) (vectorindex.Vector, error) {
	resp, err := e.Client.Models.EmbedContent(ctx, e.Model,
		[]*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}, nil)
	if err != nil {
		return nil, fmt.Errorf("embed content: %w", err)
	}
	if len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("embed content: empty response")
	}
	return vectorindex.Vector(resp.Embeddings[0].Values), nil
}

// HashEmbedder is a deterministic, offline stand-in for GenAIEmbedder. It
// hashes overlapping trigrams of the input into a fixed-width vector, so
// texts sharing vocabulary land closer together under cosine similarity
// without a network call — exercised by discovery's tests and usable as
// a last-resort local backend if no API key is configured.
type HashEmbedder struct {
	Dims int
}

// NewHashEmbedder creates a HashEmbedder with the given vector width.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = 64
	}
	return &HashEmbedder{Dims: dims}
}

func (e *HashEmbedder) Embed(_ context.Context, text string) (vectorindex.Vector, error) {
	v := make(vectorindex.Vector, e.Dims)
	tokens := tokenize(text)
	for _, tok := range tokens {
		h := fnv.New32a()
		_, _ = h.Write([]byte(tok))
		idx := int(h.Sum32()) % e.Dims
		if idx < 0 {
			idx += e.Dims
		}
		v[idx]++
	}
	return v, nil
}

func tokenize(text string) []string {
	var tokens []string
	var cur []byte
	flush := func() {
		if len(cur) > 0 {
			tokens = append(tokens, string(cur))
			cur = cur[:0]
		}
	}
	for i := 0; i < len(text); i++ {
		c := text[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			cur = append(cur, lower(c))
		default:
			flush()
		}
	}
	flush()
	return tokens
}

func lower(c byte) byte {
	if c >= 'A' && c <= 'Z' {
		return c - 'A' + 'a'
	}
	return c
}
