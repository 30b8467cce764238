package planner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	chromem "github.com/philippgille/chromem-go"

	"github.com/planexec/planexec/pkg/models"
)

// PlanMemory recalls plans from earlier runs with similar objectives and
// records new ones. Backed by a chromem collection, optionally persisted
// to disk.
type PlanMemory struct {
	collection *chromem.Collection

	// MinScore is the similarity floor for recalled snippets.
	// Default: 0.55
	MinScore float32
}

// NewPlanMemory opens the plan-memory collection. An empty path keeps the
// collection in memory only.
func NewPlanMemory(path string, embedding chromem.EmbeddingFunc, minScore float32) (*PlanMemory, error) {
	var (
		db  *chromem.DB
		err error
	)
	if path != "" {
		db, err = chromem.NewPersistentDB(path, false)
		if err != nil {
			return nil, fmt.Errorf("open plan memory: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	collection, err := db.GetOrCreateCollection("plan-memory", nil, embedding)
	if err != nil {
		return nil, fmt.Errorf("open plan memory collection: %w", err)
	}
	if minScore <= 0 {
		minScore = 0.55
	}
	return &PlanMemory{collection: collection, MinScore: minScore}, nil
}

// Recall returns rendered snippets of previously stored plans whose
// objectives are similar to the given one, best first. Failures degrade
// to no snippets.
func (m *PlanMemory) Recall(ctx context.Context, objective string, limit int) []string {
	if m == nil || m.collection.Count() == 0 {
		return nil
	}
	if limit <= 0 {
		limit = 3
	}
	n := limit
	if n > m.collection.Count() {
		n = m.collection.Count()
	}
	results, err := m.collection.Query(ctx, objective, n, nil, nil)
	if err != nil {
		slog.Warn("plan memory query failed", "error", err)
		return nil
	}

	var out []string
	for _, res := range results {
		if res.Similarity < m.MinScore {
			continue
		}
		var b strings.Builder
		fmt.Fprintf(&b, "Past objective (%.2f): %s\n", res.Similarity, res.Content)
		if stepsJSON := res.Metadata["steps"]; stepsJSON != "" {
			b.WriteString("Steps used: " + stepsJSON)
		}
		out = append(out, b.String())
	}
	return out
}

// Upsert records the plan keyed on the objective. Replaces any earlier
// record for an identical objective.
func (m *PlanMemory) Upsert(ctx context.Context, objective string, plan *models.Plan) {
	if m == nil || plan == nil || len(plan.Steps) == 0 {
		return
	}
	type memoStep struct {
		AIName   string `json:"aiName"`
		NextStep string `json:"nextStep,omitempty"`
	}
	steps := make([]memoStep, 0, len(plan.Steps))
	for _, s := range plan.Steps {
		steps = append(steps, memoStep{AIName: s.AIName, NextStep: s.NextStep})
	}
	stepsJSON, _ := json.Marshal(steps)

	sum := sha256.Sum256([]byte(objective))
	doc := chromem.Document{
		ID:       hex.EncodeToString(sum[:16]),
		Content:  objective,
		Metadata: map[string]string{"steps": string(stepsJSON)},
	}
	if err := m.collection.AddDocuments(ctx, []chromem.Document{doc}, 1); err != nil {
		slog.Warn("plan memory upsert failed", "error", err)
	}
}
