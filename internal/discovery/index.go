package discovery

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/forgeflow/forgeflow/internal/corpus"
	"github.com/forgeflow/forgeflow/internal/embedding"
	"github.com/forgeflow/forgeflow/internal/vectorindex"
)

// embedConcurrency bounds parallel embedding calls during the startup
// batch so a large corpus doesn't fan out an unbounded request burst.
const embedConcurrency = 8

// BuildIndex embeds every endpoint document in loader and returns a
// populated vector index. It runs once per process lifetime, in a
// single batch at startup; the index is read-only afterwards.
func BuildIndex(ctx context.Context, loader *corpus.Loader, emb embedding.Embedder) (*vectorindex.Index, error) {
	docs := loader.All()
	vectors := make([]vectorindex.Vector, len(docs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(embedConcurrency)
	for i, doc := range docs {
		g.Go(func() error {
			v, err := emb.Embed(gctx, doc.EmbeddingText())
			if err != nil {
				return fmt.Errorf("embed %s: %w", doc.ID(), err)
			}
			vectors[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("discovery: build index: %w", err)
	}

	idx := vectorindex.New()
	for i, doc := range docs {
		idx.Add(doc.ID(), vectors[i], doc)
	}
	return idx, nil
}
