// Package history persists the append-only run log plus per-run plan and
// summary metadata. Records are appended in emission order; reads observe
// all prior writes for the same run.
package history

import (
	"context"
	"errors"

	"github.com/planexec/planexec/pkg/models"
)

// ErrRunNotFound is returned when a run has no recorded history.
var ErrRunNotFound = errors.New("history: run not found")

// Store is the persistence contract for run histories. Implementations
// must serialize writes per runID and keep append order stable.
type Store interface {
	// Append adds one record to the run's log.
	Append(ctx context.Context, runID string, rec models.RunEvent) error

	// List returns all records of the run in append order.
	List(ctx context.Context, runID string) ([]models.RunEvent, error)

	// SetPlan stores the current plan snapshot for the run, replacing any
	// previous snapshot.
	SetPlan(ctx context.Context, runID string, plan *models.Plan) error

	// Plan returns the stored plan snapshot, or nil when none was set.
	Plan(ctx context.Context, runID string) (*models.Plan, error)

	// SetSummary stores the run's final summary text.
	SetSummary(ctx context.Context, runID string, summary string) error

	// Summary returns the stored summary, or "" when none was set.
	Summary(ctx context.Context, runID string) (string, error)

	// Close releases backend resources.
	Close() error
}

// ToolResults extracts every tool_result record from a run log, unpacking
// group flushes. Used to recompute global exec stats after retry and
// reflection passes.
func ToolResults(records []models.RunEvent) []models.StepResult {
	var out []models.StepResult
	for _, rec := range records {
		switch rec.Type {
		case models.EventToolResult:
			if rec.ToolResult != nil {
				out = append(out, *rec.ToolResult)
			}
		case models.EventToolResultGroup:
			if rec.Group == nil {
				continue
			}
			for _, member := range rec.Group.Events {
				if member.Type == models.EventToolResult && member.ToolResult != nil {
					out = append(out, *member.ToolResult)
				}
			}
		}
	}
	return out
}

// ExecStatsFrom recomputes run-wide execution stats from history records.
// Cooldown and scheduled placeholders count as attempts only once the step
// reaches a terminal result, so duplicates per stepID collapse to the last
// occurrence.
func ExecStatsFrom(records []models.RunEvent) models.ExecStats {
	latest := map[string]models.StepResult{}
	order := []string{}
	for _, sr := range ToolResults(records) {
		if _, seen := latest[sr.StepID]; !seen {
			order = append(order, sr.StepID)
		}
		latest[sr.StepID] = sr
	}

	stats := models.ExecStats{Used: len(order) > 0}
	for _, id := range order {
		sr := latest[id]
		if sr.Result.IsCooldown() {
			continue
		}
		stats.Attempted++
		if sr.Result.Success {
			stats.Succeeded++
		}
	}
	if stats.Attempted > 0 {
		stats.SuccessRate = float64(stats.Succeeded) / float64(stats.Attempted)
	}
	return stats
}
