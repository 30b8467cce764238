package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/planexec/planexec/internal/catalog"
	"github.com/planexec/planexec/internal/llm"
	"github.com/planexec/planexec/internal/runs"
	"github.com/planexec/planexec/internal/stages"
	"github.com/planexec/planexec/pkg/models"
)

// fakeClient answers forced function calls from canned handlers keyed by
// function name.
type fakeClient struct {
	mu       sync.Mutex
	handlers map[string]func(req llm.Request) string
}

func (c *fakeClient) Complete(ctx context.Context, req llm.Request) (*llm.Message, error) {
	c.mu.Lock()
	h := c.handlers[req.ForceTool]
	c.mu.Unlock()
	if h == nil {
		return nil, fmt.Errorf("no fake handler for %q", req.ForceTool)
	}
	return &llm.Message{
		Role:      models.RoleAssistant,
		ToolCalls: []llm.ToolCall{{Name: req.ForceTool, Arguments: h(req)}},
	}, nil
}

func (c *fakeClient) Stream(ctx context.Context, req llm.Request) (<-chan llm.Delta, error) {
	ch := make(chan llm.Delta)
	close(ch)
	return ch, nil
}

// captureSink records everything a pass emits.
type captureSink struct {
	events []models.RunEvent
	plans  []*models.Plan
}

func (s *captureSink) Emit(ctx context.Context, ev models.RunEvent)   { s.events = append(s.events, ev) }
func (s *captureSink) SetPlan(ctx context.Context, p *models.Plan)    { s.plans = append(s.plans, p) }
func (s *captureSink) ofType(t models.RunEventType) []models.RunEvent {
	var out []models.RunEvent
	for _, ev := range s.events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// allResults unpacks singleton and grouped tool results in emission order.
func (s *captureSink) allResults() []models.StepResult {
	var out []models.StepResult
	for _, ev := range s.events {
		switch ev.Type {
		case models.EventToolResult:
			out = append(out, *ev.ToolResult)
		case models.EventToolResultGroup:
			for _, member := range ev.Group.Events {
				out = append(out, *member.ToolResult)
			}
		}
	}
	return out
}

func openSchema() json.RawMessage {
	return json.RawMessage(`{"type": "object", "properties": {"message": {"type": "string"}}}`)
}

func okTool(name string) *catalog.FuncTool {
	return &catalog.FuncTool{
		Name:   name,
		Desc:   name + " test tool",
		Schema: openSchema(),
		Fn: func(ctx context.Context, args map[string]any) (models.ToolResult, error) {
			return models.OKResult(map[string]any{"tool": name}), nil
		},
	}
}

func newHarness(t *testing.T, cfg Config, handlers map[string]func(llm.Request) string, tools ...catalog.Tool) (*Executor, *runs.Registry, *catalog.Catalog) {
	t.Helper()
	if handlers == nil {
		handlers = map[string]func(llm.Request) string{}
	}
	if _, ok := handlers["emit_args"]; !ok {
		handlers["emit_args"] = func(llm.Request) string { return `{"args": {}}` }
	}
	cat := catalog.New()
	for _, tool := range tools {
		if err := cat.Register(tool); err != nil {
			t.Fatalf("register tool: %v", err)
		}
	}
	st := stages.New(&fakeClient{handlers: handlers}, stages.Config{}, nil, nil)
	registry := runs.NewRegistry()
	e := New(cat, st, registry, nil, cfg)
	e.jitter = func() time.Duration { return 0 }
	return e, registry, cat
}

func step(id, tool string, deps ...string) models.Step {
	return models.Step{StepID: id, AIName: tool, NextStep: "use " + tool, DependsOnStepIDs: deps}
}

func plan(steps ...models.Step) *models.Plan {
	p := &models.Plan{Steps: steps}
	p.RenumberSteps()
	return p
}

func registerRun(reg *runs.Registry, runID string) {
	reg.RegisterStart(runs.Info{RunID: runID, Objective: "test"})
}

func TestSingletonStepsEmitDenseExecutionIndexes(t *testing.T) {
	e, reg, _ := newHarness(t, Config{}, nil, okTool("alpha"), okTool("beta"))
	registerRun(reg, "r1")
	sink := &captureSink{}

	res, err := e.ExecutePlan(context.Background(), "r1", "obj", plan(
		step("s-1", "alpha"),
		step("s-2", "beta"),
	), sink, Options{})
	if err != nil {
		t.Fatalf("ExecutePlan: %v", err)
	}

	if res.Stats.Attempted != 2 || res.Stats.Succeeded != 2 {
		t.Fatalf("stats = %+v, want 2 attempted, 2 succeeded", res.Stats)
	}
	results := sink.allResults()
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	finals := 0
	for i, sr := range results {
		if sr.ExecutionIndex != i {
			t.Errorf("result %d has executionIndex %d, want %d", i, sr.ExecutionIndex, i)
		}
		if !sr.ResultStream {
			t.Errorf("result %d: singleton should set resultStream", i)
		}
		if sr.ResultStatus == models.ResultFinal {
			finals++
		}
		if sr.Completion == nil || !sr.Completion.MustAnswerFromResult {
			t.Errorf("result %d: successful terminal result should carry completion", i)
		}
	}
	if finals != 1 {
		t.Fatalf("got %d final results, want exactly 1", finals)
	}
	if results[len(results)-1].ResultStatus != models.ResultFinal {
		t.Errorf("final marker should sit on the last emission")
	}
}

func TestDependencyGroupFlushesTogetherInTopologicalOrder(t *testing.T) {
	e, reg, _ := newHarness(t, Config{}, nil, okTool("alpha"), okTool("beta"), okTool("gamma"))
	registerRun(reg, "r2")
	sink := &captureSink{}

	_, err := e.ExecutePlan(context.Background(), "r2", "obj", plan(
		step("s-1", "alpha"),
		step("s-2", "beta", "s-1"),
		step("s-3", "gamma", "s-2"),
	), sink, Options{})
	if err != nil {
		t.Fatalf("ExecutePlan: %v", err)
	}

	if n := len(sink.ofType(models.EventToolResult)); n != 0 {
		t.Fatalf("got %d singleton results, want 0 (all steps share one group)", n)
	}
	argGroups := sink.ofType(models.EventArgsGroup)
	resGroups := sink.ofType(models.EventToolResultGroup)
	if len(argGroups) != 1 || len(resGroups) != 1 {
		t.Fatalf("got %d args_group and %d tool_result_group events, want 1 each", len(argGroups), len(resGroups))
	}

	members := resGroups[0].Group.Events
	if len(members) != 3 {
		t.Fatalf("group flush carries %d results, want 3", len(members))
	}
	wantOrder := []string{"s-1", "s-2", "s-3"}
	for i, member := range members {
		if member.ToolResult.StepID != wantOrder[i] {
			t.Errorf("flush position %d is %s, want %s", i, member.ToolResult.StepID, wantOrder[i])
		}
		if member.ToolResult.ExecutionIndex != i {
			t.Errorf("flush position %d has executionIndex %d, want %d", i, member.ToolResult.ExecutionIndex, i)
		}
	}
	if members[2].ToolResult.ResultStatus != models.ResultFinal {
		t.Errorf("last group member should carry the final marker")
	}
	if members[0].ToolResult.ResultStatus != models.ResultProgress {
		t.Errorf("non-last group members should be progress")
	}
}

func TestCooldownRequeuesUntilSuccess(t *testing.T) {
	calls := 0
	flaky := &catalog.FuncTool{
		Name:   "flaky",
		Desc:   "cooldown once",
		Schema: openSchema(),
		Fn: func(ctx context.Context, args map[string]any) (models.ToolResult, error) {
			calls++
			if calls == 1 {
				return models.ToolResult{Success: false, Code: models.CodeCooldownActive, RemainMS: 10}, nil
			}
			return models.OKResult(nil), nil
		},
	}
	e, reg, _ := newHarness(t, Config{}, nil, flaky)
	registerRun(reg, "r3")
	sink := &captureSink{}

	start := time.Now()
	res, err := e.ExecutePlan(context.Background(), "r3", "obj", plan(step("s-1", "flaky")), sink, Options{})
	if err != nil {
		t.Fatalf("ExecutePlan: %v", err)
	}
	if calls != 2 {
		t.Fatalf("tool called %d times, want 2", calls)
	}
	// Requeue floor is 200ms even for a 10ms cooldown.
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Errorf("pass finished in %v, cooldown requeue floor is 200ms", elapsed)
	}
	if res.Stats.Attempted != 1 || res.Stats.Succeeded != 1 {
		t.Fatalf("stats = %+v, cooldown attempts must not count separately", res.Stats)
	}

	results := sink.allResults()
	if len(results) != 2 {
		t.Fatalf("got %d result events, want 2 (cooldown progress + success)", len(results))
	}
	if results[0].Result.Code != models.CodeCooldownActive || results[0].ResultStatus != models.ResultProgress {
		t.Errorf("first result = %+v, want cooldown progress", results[0].Result)
	}
	if !results[1].Result.Success || results[1].ResultStatus != models.ResultFinal {
		t.Errorf("second result = %+v, want successful final", results[1].Result)
	}
}

func TestUnknownToolResolvesNotFound(t *testing.T) {
	e, reg, _ := newHarness(t, Config{}, nil, okTool("alpha"))
	registerRun(reg, "r4")
	sink := &captureSink{}

	res, err := e.ExecutePlan(context.Background(), "r4", "obj", plan(step("s-1", "ghost")), sink, Options{})
	if err != nil {
		t.Fatalf("ExecutePlan: %v", err)
	}
	results := sink.allResults()
	if len(results) != 1 || results[0].Result.Code != models.CodeNotFound {
		t.Fatalf("results = %+v, want one NOT_FOUND", results)
	}
	if res.Stats.Attempted != 1 || res.Stats.Succeeded != 0 {
		t.Fatalf("stats = %+v", res.Stats)
	}
}

func TestInvalidArgsAfterFixAttempt(t *testing.T) {
	strict := &catalog.FuncTool{
		Name: "strict",
		Desc: "requires message",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {"message": {"type": "string"}},
			"required": ["message"]
		}`),
		Fn: func(ctx context.Context, args map[string]any) (models.ToolResult, error) {
			t.Error("tool must not be dispatched with invalid args")
			return models.OKResult(nil), nil
		},
	}
	handlers := map[string]func(llm.Request) string{
		"emit_args": func(llm.Request) string { return `{"args": {}}` },
		"fix_args":  func(llm.Request) string { return `{"args": {}}` },
	}
	e, reg, _ := newHarness(t, Config{}, handlers, strict)
	registerRun(reg, "r5")
	sink := &captureSink{}

	_, err := e.ExecutePlan(context.Background(), "r5", "obj", plan(step("s-1", "strict")), sink, Options{})
	if err != nil {
		t.Fatalf("ExecutePlan: %v", err)
	}
	results := sink.allResults()
	if len(results) != 1 || results[0].Result.Code != models.CodeArgsInvalid {
		t.Fatalf("results = %+v, want one ARGS_INVALID", results)
	}
}

func TestPreCancelledRunEmitsNothingAndNoFinal(t *testing.T) {
	e, reg, _ := newHarness(t, Config{}, nil, okTool("alpha"))
	registerRun(reg, "r6")
	reg.Cancel("r6")
	sink := &captureSink{}

	res, err := e.ExecutePlan(context.Background(), "r6", "obj", plan(step("s-1", "alpha")), sink, Options{})
	if err != nil {
		t.Fatalf("ExecutePlan: %v", err)
	}
	if !res.Cancelled {
		t.Fatalf("pass should report cancellation")
	}
	for _, sr := range sink.allResults() {
		if sr.ResultStatus == models.ResultFinal {
			t.Errorf("cancelled run must not emit a final result")
		}
	}
}

func TestRetryModeSkipsStepsWithFailedUpstream(t *testing.T) {
	e, reg, _ := newHarness(t, Config{}, nil, okTool("alpha"), okTool("beta"))
	registerRun(reg, "r7")
	sink := &captureSink{}

	p := plan(
		step("s-1", "alpha"),
		step("s-2", "beta", "s-1"),
	)
	res, err := e.ExecutePlan(context.Background(), "r7", "obj", p, sink, Options{
		RetrySteps:  map[string]bool{"s-2": true},
		KnownFailed: map[string]string{"s-1": "alpha exploded"},
	})
	if err != nil {
		t.Fatalf("ExecutePlan: %v", err)
	}
	results := sink.allResults()
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].StepID != "s-2" || results[0].Result.Code != models.CodeSkipUpstreamFailed {
		t.Fatalf("result = %+v, want s-2 SKIP_UPSTREAM_FAILED", results[0])
	}
	if res.Stats.Succeeded != 0 {
		t.Fatalf("stats = %+v", res.Stats)
	}
}

func TestScheduleDeferredPlaceholder(t *testing.T) {
	dispatched := false
	reminder := &catalog.FuncTool{
		Name: "remind",
		Desc: "reminder with schedule",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"message": {"type": "string"},
				"schedule": {"type": "object"}
			}
		}`),
		Fn: func(ctx context.Context, args map[string]any) (models.ToolResult, error) {
			dispatched = true
			return models.OKResult(nil), nil
		},
	}
	handlers := map[string]func(llm.Request) string{
		"emit_args": func(llm.Request) string {
			return `{"args": {"message": "hi", "schedule": {"text": "in 2 hours"}}}`
		},
	}
	e, reg, _ := newHarness(t, Config{}, handlers, reminder)
	registerRun(reg, "r8")
	sink := &captureSink{}

	_, err := e.ExecutePlan(context.Background(), "r8", "obj", plan(step("s-1", "remind")), sink, Options{})
	if err != nil {
		t.Fatalf("ExecutePlan: %v", err)
	}
	if dispatched {
		t.Fatalf("delayed-exec step must not dispatch the tool now")
	}
	choices := sink.ofType(models.EventToolChoice)
	if len(choices) != 1 || choices[0].Schedule == nil {
		t.Fatalf("want one tool_choice event with a schedule decision")
	}
	if choices[0].Schedule.Immediate {
		t.Errorf("tool is not allowlisted, decision should not be immediate")
	}
	results := sink.allResults()
	if len(results) != 1 || results[0].Result.Code != models.CodeScheduled || !results[0].Result.Success {
		t.Fatalf("results = %+v, want one successful SCHEDULED placeholder", results)
	}
	if results[0].Completion != nil {
		t.Errorf("deferred placeholder must not carry a completion marker")
	}
}

func TestScheduleImmediateAllowlist(t *testing.T) {
	dispatched := false
	reminder := &catalog.FuncTool{
		Name: "remind",
		Desc: "reminder with schedule",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"message": {"type": "string"},
				"schedule": {"type": "object"}
			}
		}`),
		Fn: func(ctx context.Context, args map[string]any) (models.ToolResult, error) {
			dispatched = true
			return models.OKResult(nil), nil
		},
	}
	handlers := map[string]func(llm.Request) string{
		"emit_args": func(llm.Request) string {
			return `{"args": {"message": "hi", "schedule": {"text": "in 1 hours"}}}`
		},
	}
	e, reg, _ := newHarness(t, Config{ImmediateAllowlist: []string{"remind"}}, handlers, reminder)
	registerRun(reg, "r9")
	sink := &captureSink{}

	_, err := e.ExecutePlan(context.Background(), "r9", "obj", plan(step("s-1", "remind")), sink, Options{})
	if err != nil {
		t.Fatalf("ExecutePlan: %v", err)
	}
	if !dispatched {
		t.Fatalf("allowlisted tool should execute immediately")
	}
	choices := sink.ofType(models.EventToolChoice)
	if len(choices) != 1 || choices[0].Schedule == nil || !choices[0].Schedule.Immediate {
		t.Fatalf("want one immediate schedule decision, got %+v", choices)
	}
}

func TestArgGenFailureFallsBackToDraftArgs(t *testing.T) {
	var gotArgs map[string]any
	echo := &catalog.FuncTool{
		Name:   "echo",
		Desc:   "echo",
		Schema: openSchema(),
		Fn: func(ctx context.Context, args map[string]any) (models.ToolResult, error) {
			gotArgs = args
			return models.OKResult(nil), nil
		},
	}
	// A nil handler makes the arg-gen stage fail; the step must still run
	// on its draft arguments.
	handlers := map[string]func(llm.Request) string{"emit_args": nil}
	e, reg, _ := newHarness(t, Config{}, handlers, echo)
	registerRun(reg, "r10")
	sink := &captureSink{}

	s := step("s-1", "echo")
	s.DraftArgs = map[string]any{"message": "from draft"}
	_, err := e.ExecutePlan(context.Background(), "r10", "obj", plan(s), sink, Options{})
	if err != nil {
		t.Fatalf("ExecutePlan: %v", err)
	}
	if gotArgs["message"] != "from draft" {
		t.Fatalf("tool ran with args %v, want the draft args", gotArgs)
	}
	if n := len(sink.ofType(models.EventArgGenError)); n != 1 {
		t.Fatalf("got %d arggen_error events, want 1", n)
	}
	results := sink.allResults()
	if len(results) != 1 || !results[0].Result.Success {
		t.Fatalf("results = %+v, want one success", results)
	}
}
