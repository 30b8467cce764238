package history

import (
	"context"
	"errors"
	"testing"

	"github.com/planexec/planexec/pkg/models"
)

func resultEvent(runID, stepID string, res models.ToolResult) models.RunEvent {
	ev := models.NewRunEvent(runID, models.EventToolResult)
	ev.ToolResult = &models.StepResult{StepID: stepID, Result: res}
	return ev
}

func groupEvent(runID string, members ...models.RunEvent) models.RunEvent {
	ev := models.NewRunEvent(runID, models.EventToolResultGroup)
	ev.Group = &models.GroupFlush{Events: members}
	return ev
}

func TestMemoryStoreAppendAndList(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if _, err := s.List(ctx, "missing"); !errors.Is(err, ErrRunNotFound) {
		t.Fatalf("List of unknown run = %v, want ErrRunNotFound", err)
	}

	types := []models.RunEventType{models.EventStart, models.EventPlan, models.EventDone}
	for _, typ := range types {
		if err := s.Append(ctx, "r1", models.NewRunEvent("r1", typ)); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}

	recs, err := s.List(ctx, "r1")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("got %d records, want 3", len(recs))
	}
	for i, typ := range types {
		if recs[i].Type != typ {
			t.Errorf("record %d type = %s, want %s", i, recs[i].Type, typ)
		}
	}

	// The returned slice is a copy; mutating it must not touch the store.
	recs[0].Type = models.EventCancelled
	again, _ := s.List(ctx, "r1")
	if again[0].Type != models.EventStart {
		t.Error("List exposed internal records")
	}
}

func TestMemoryStorePlanSnapshotIsolation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	got, err := s.Plan(ctx, "r1")
	if err != nil || got != nil {
		t.Fatalf("empty plan = %v, %v", got, err)
	}

	plan := &models.Plan{Steps: []models.Step{{StepID: "s-1", AIName: "echo"}}}
	if err := s.SetPlan(ctx, "r1", plan); err != nil {
		t.Fatalf("SetPlan: %v", err)
	}
	plan.Steps[0].AIName = "mutated"

	got, err = s.Plan(ctx, "r1")
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if got.Steps[0].AIName != "echo" {
		t.Error("stored plan shares memory with the caller's plan")
	}
	got.Steps[0].AIName = "mutated-again"
	again, _ := s.Plan(ctx, "r1")
	if again.Steps[0].AIName != "echo" {
		t.Error("Plan exposed the stored snapshot")
	}
}

func TestMemoryStoreSummaryRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	text, err := s.Summary(ctx, "r1")
	if err != nil || text != "" {
		t.Fatalf("empty summary = %q, %v", text, err)
	}
	if err := s.SetSummary(ctx, "r1", "all good"); err != nil {
		t.Fatalf("SetSummary: %v", err)
	}
	text, _ = s.Summary(ctx, "r1")
	if text != "all good" {
		t.Errorf("summary = %q", text)
	}
}

func TestToolResultsUnpacksGroups(t *testing.T) {
	records := []models.RunEvent{
		models.NewRunEvent("r", models.EventStart),
		resultEvent("r", "s-1", models.OKResult(nil)),
		groupEvent("r",
			resultEvent("r", "s-2", models.OKResult(nil)),
			models.NewRunEvent("r", models.EventArgs),
			resultEvent("r", "s-3", models.ErrResult("BOOM", "failed")),
		),
		models.NewRunEvent("r", models.EventDone),
	}

	results := ToolResults(records)
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	ids := []string{results[0].StepID, results[1].StepID, results[2].StepID}
	want := []string{"s-1", "s-2", "s-3"}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("result order = %v, want %v", ids, want)
		}
	}
}

func TestExecStatsFromCollapsesRetriesAndCooldowns(t *testing.T) {
	records := []models.RunEvent{
		// s-1 fails, then succeeds after a retry: only the latest counts.
		resultEvent("r", "s-1", models.ErrResult("UPSTREAM_DOWN", "first attempt")),
		resultEvent("r", "s-1", models.OKResult(nil)),
		// s-2 is stuck in cooldown at its latest occurrence.
		resultEvent("r", "s-2", models.ToolResult{Code: models.CodeCooldownActive, RemainMS: 500}),
		// s-3 failed for good.
		resultEvent("r", "s-3", models.ErrResult("ARGS_INVALID", "bad args")),
	}

	stats := ExecStatsFrom(records)
	if !stats.Used {
		t.Error("stats should report tool usage")
	}
	if stats.Attempted != 2 || stats.Succeeded != 1 {
		t.Errorf("attempted/succeeded = %d/%d, want 2/1", stats.Attempted, stats.Succeeded)
	}
	if stats.SuccessRate != 0.5 {
		t.Errorf("success rate = %v, want 0.5", stats.SuccessRate)
	}
}

func TestExecStatsFromEmptyHistory(t *testing.T) {
	stats := ExecStatsFrom([]models.RunEvent{models.NewRunEvent("r", models.EventStart)})
	if stats.Used || stats.Attempted != 0 || stats.SuccessRate != 0 {
		t.Errorf("stats = %+v, want zero value with Used=false", stats)
	}
}
