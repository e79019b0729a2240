package vectorstore

import (
	"context"
	"crypto/sha256"
	"math"
)

// EmbeddingDims matches the teacher stack's nearest sentence-embedding
// model dimensionality (all-MiniLM-L6-v2, 384), so brute-force sqlite
// scoring and pgvector's vector(384) column agree on shape.
const EmbeddingDims = 384

// LocalEmbedder is a deterministic fallback that the sqlitevec and pgvec
// backends use when Open is given a nil Embedder. It hashes each text into a repeatable unit
// vector so collections stay queryable (if not semantically meaningful)
// without a network call. No pack repo ships a pure-Go sentence
// embedding model, so this stands in for SentenceTransformer; real
// deployments are expected to pass an llmprovider-backed Embedder
// instead.
func LocalEmbedder() Embedder {
	return EmbedderFunc(func(_ context.Context, texts []string) ([][]float32, error) {
		out := make([][]float32, len(texts))
		for i, text := range texts {
			out[i] = hashEmbed(text)
		}
		return out, nil
	})
}

func hashEmbed(text string) []float32 {
	vec := make([]float32, EmbeddingDims)
	seed := []byte(text)
	block := seed
	for i := 0; i < EmbeddingDims; i += sha256.Size {
		sum := sha256.Sum256(block)
		for j := 0; j < sha256.Size && i+j < EmbeddingDims; j++ {
			// map a byte into [-1, 1]
			vec[i+j] = float32(sum[j])/127.5 - 1.0
		}
		block = sum[:]
	}
	normalize(vec)
	return vec
}

func normalize(vec []float32) {
	var sumSquares float64
	for _, v := range vec {
		sumSquares += float64(v) * float64(v)
	}
	norm := math.Sqrt(sumSquares)
	if norm == 0 {
		return
	}
	for i, v := range vec {
		vec[i] = float32(float64(v) / norm)
	}
}

// CosineSimilarity is exported so backend packages can score matches
// without duplicating the dot-product/norm loop.
func CosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
