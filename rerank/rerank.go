// Package rerank scores retrieved candidates against a query using the
// shared embedder's vectors (a bi-encoder similarity pass) and returns the
// top_k candidates by that score. It shares its idle-unload lifecycle with
// the Embedder it wraps since both sit in front of the same backend model,
// and a reranking failure never fails the surrounding query — it falls back
// to the caller's original ordering.
package rerank

import (
	"context"
	"log/slog"
	"math"
	"sort"

	"github.com/brunobiangulo/ragcore/embed"
	"github.com/brunobiangulo/ragcore/store"
)

const batchSize = 32

// Reranker re-scores hybrid-retrieval candidates against the query.
type Reranker struct {
	embedder *embed.Embedder
}

// New wraps an existing Embedder so the reranker shares its load/unload
// lifecycle and adaptive batching instead of managing its own.
func New(embedder *embed.Embedder) *Reranker {
	return &Reranker{embedder: embedder}
}

// Rerank scores candidates against query and returns the top k by score,
// descending. On any embedding failure it logs and returns the original
// candidate order truncated to k, since reranking is an optional quality
// pass, not a correctness requirement.
func (r *Reranker) Rerank(ctx context.Context, query string, candidates []store.RetrievalResult, k int) []store.RetrievalResult {
	if len(candidates) == 0 {
		return candidates
	}

	queryVec, err := r.embedder.EncodeQuery(ctx, query)
	if err != nil {
		slog.Warn("rerank: query encode failed, falling back to original order", "error", err)
		return truncate(candidates, k)
	}

	scores := make([]float64, len(candidates))
	for start := 0; start < len(candidates); start += batchSize {
		end := start + batchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		batch := candidates[start:end]
		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Content
		}
		vecs, err := r.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			slog.Warn("rerank: batch embed failed, falling back to original order", "error", err)
			return truncate(candidates, k)
		}
		for i, v := range vecs {
			scores[start+i] = sigmoid(cosineSimilarity(queryVec, v))
		}
	}

	type scored struct {
		result store.RetrievalResult
		score  float64
	}
	ranked := make([]scored, len(candidates))
	for i, c := range candidates {
		ranked[i] = scored{result: c, score: scores[i]}
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })

	if k > len(ranked) {
		k = len(ranked)
	}
	out := make([]store.RetrievalResult, k)
	for i := 0; i < k; i++ {
		out[i] = ranked[i].result
		out[i].Score = ranked[i].score
	}
	return out
}

func truncate(candidates []store.RetrievalResult, k int) []store.RetrievalResult {
	if k > len(candidates) || k <= 0 {
		return candidates
	}
	return candidates[:k]
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
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

// sigmoid maps a cosine similarity in [-1, 1] to a (0, 1) relevance score,
// steepened so near-orthogonal candidates separate more clearly than a raw
// min-max rescale would.
func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-6*x))
}
