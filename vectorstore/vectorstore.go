// Package vectorstore is the embedding index behind the four fixed
// collections of spec.md §4.3: episodic, semantic, stoic_wisdom, and
// psychoanalysis. Two backends share this contract — sqlitevec does
// brute-force cosine scoring in Go, pgvec defers to postgres's pgvector
// extension — grounded on original_source/src/infrastructure/vector_store.py,
// which runs the same split against sqlite3 versus psycopg2+pgvector.
package vectorstore

import (
	"context"

	"github.com/ghiac/emperor/model"
)

// Store is every vector operation the retrieval and orchestrator packages
// depend on. Implementations embed on write when no embedding is supplied,
// and upsert by id.
type Store interface {
	// Add inserts or replaces records in collection. Records with a nil
	// Embedding are embedded on write via the configured Embedder.
	Add(ctx context.Context, collection model.VectorCollection, records []model.VectorRecord) error

	// Query returns the n closest records to queryEmbedding by cosine
	// distance (ascending), restricted to rows whose metadata matches
	// every key/value in where (equality only, like the teacher's
	// json_extract/metadata->> predicates).
	Query(ctx context.Context, collection model.VectorCollection, queryEmbedding []float32, n int, where map[string]string) (*model.VectorQueryResult, error)

	// Get fetches records by id, or by a metadata equality filter when
	// ids is empty. limit <= 0 means unbounded.
	Get(ctx context.Context, collection model.VectorCollection, ids []string, where map[string]string, limit int) ([]model.VectorRecord, error)

	Delete(ctx context.Context, collection model.VectorCollection, ids []string, where map[string]string) error
	Count(ctx context.Context, collection model.VectorCollection) (int, error)

	Close() error
}

// Embedder turns text into vectors. cmd/emperor adapts llmprovider's
// Router.Embed to it; EmbedderFunc adapts the local fallback.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// EmbedderFunc adapts a plain function to Embedder.
type EmbedderFunc func(ctx context.Context, texts []string) ([][]float32, error)

func (f EmbedderFunc) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return f(ctx, texts)
}

// FillEmbeddings embeds the Document of every record whose Embedding is
// nil, in place, batching all of them into a single Embed call.
func FillEmbeddings(ctx context.Context, embedder Embedder, records []model.VectorRecord) error {
	var (
		idxs  []int
		texts []string
	)
	for i, r := range records {
		if r.Embedding == nil {
			idxs = append(idxs, i)
			texts = append(texts, r.Document)
		}
	}
	if len(idxs) == 0 {
		return nil
	}

	embeddings, err := embedder.Embed(ctx, texts)
	if err != nil {
		return err
	}
	for j, i := range idxs {
		records[i].Embedding = embeddings[j]
	}
	return nil
}
