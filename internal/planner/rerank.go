package planner

import (
	"context"
	"fmt"
	"log/slog"

	chromem "github.com/philippgille/chromem-go"

	"github.com/planexec/planexec/pkg/models"
)

// Reranker orders manifest tools by semantic relevance to an objective.
// It keeps an in-memory vector collection of tool descriptions; documents
// are upserted lazily so repeated runs reuse embeddings.
type Reranker struct {
	db        *chromem.DB
	embedding chromem.EmbeddingFunc

	// CandidateK bounds how many tools enter the pool.
	// Default: 30
	CandidateK int

	// TopN bounds how many tools survive.
	// Default: 10
	TopN int
}

// NewReranker builds a reranker with the given embedding function.
func NewReranker(embedding chromem.EmbeddingFunc, candidateK, topN int) *Reranker {
	if candidateK <= 0 {
		candidateK = 30
	}
	if topN <= 0 {
		topN = 10
	}
	return &Reranker{
		db:         chromem.NewDB(),
		embedding:  embedding,
		CandidateK: candidateK,
		TopN:       topN,
	}
}

// Rerank returns the TopN manifest entries most relevant to the
// objective, preserving descriptor order within the selection. Any
// embedding failure degrades to the unmodified manifest.
func (r *Reranker) Rerank(ctx context.Context, objective string, manifest []models.ToolDescriptor) []models.ToolDescriptor {
	if len(manifest) <= r.TopN {
		return manifest
	}
	pool := manifest
	if len(pool) > r.CandidateK {
		pool = pool[:r.CandidateK]
	}

	collection, err := r.db.GetOrCreateCollection("tool-manifest", nil, r.embedding)
	if err != nil {
		slog.Warn("rerank collection unavailable", "error", err)
		return manifest
	}

	docs := make([]chromem.Document, 0, len(pool))
	for _, d := range pool {
		docs = append(docs, chromem.Document{
			ID:      d.AIName,
			Content: fmt.Sprintf("%s: %s", d.AIName, d.Description),
		})
	}
	if err := collection.AddDocuments(ctx, docs, 1); err != nil {
		slog.Warn("rerank embedding failed", "error", err)
		return manifest
	}

	n := r.TopN
	if n > collection.Count() {
		n = collection.Count()
	}
	results, err := collection.Query(ctx, objective, n, nil, nil)
	if err != nil {
		slog.Warn("rerank query failed", "error", err)
		return manifest
	}

	keep := make(map[string]bool, len(results))
	for _, res := range results {
		keep[res.ID] = true
	}
	out := make([]models.ToolDescriptor, 0, len(keep))
	for _, d := range manifest {
		if keep[d.AIName] {
			out = append(out, d)
		}
	}
	if len(out) == 0 {
		return manifest
	}
	return out
}
