package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/planexec/planexec/internal/catalog"
	"github.com/planexec/planexec/internal/events"
	"github.com/planexec/planexec/internal/executor"
	"github.com/planexec/planexec/internal/history"
	"github.com/planexec/planexec/internal/llm"
	"github.com/planexec/planexec/internal/planner"
	"github.com/planexec/planexec/internal/runner"
	"github.com/planexec/planexec/internal/runs"
	"github.com/planexec/planexec/internal/stages"
	"github.com/planexec/planexec/pkg/models"
)

type fakeClient struct {
	mu       sync.Mutex
	handlers map[string]func(llm.Request) string
}

func (f *fakeClient) Complete(_ context.Context, req llm.Request) (*llm.Message, error) {
	f.mu.Lock()
	h, ok := f.handlers[req.ForceTool]
	f.mu.Unlock()
	if !ok || h == nil {
		return nil, fmt.Errorf("no handler for %q", req.ForceTool)
	}
	body := h(req)
	if req.ForceTool == "" {
		return &llm.Message{Role: "assistant", Content: body}, nil
	}
	return &llm.Message{
		Role:      "assistant",
		ToolCalls: []llm.ToolCall{{Name: req.ForceTool, Arguments: body}},
	}, nil
}

func (f *fakeClient) Stream(context.Context, llm.Request) (<-chan llm.Delta, error) {
	return nil, errors.New("fake client does not stream")
}

// newTestHandler wires the gateway over a runner whose LLM replies are
// canned: every run plans a single echo step and summarizes.
func newTestHandler(t *testing.T) (*Handler, *history.MemoryStore) {
	t.Helper()
	fake := &fakeClient{handlers: map[string]func(llm.Request) string{
		"judge_tools": func(llm.Request) string {
			return `{"need": true, "summary": "tools required"}`
		},
		"emit_plan": func(llm.Request) string {
			return `{"steps": [{"stepId": "s1", "aiName": "echo", "nextStep": "echo it"}]}`
		},
		"emit_args": func(llm.Request) string { return `{"args": {}}` },
		"":          func(llm.Request) string { return "echoed." },
	}}

	cat := catalog.New()
	if err := cat.Register(&catalog.FuncTool{
		Name:   "echo",
		Desc:   "echoes",
		Schema: json.RawMessage(`{"type": "object"}`),
		Fn: func(ctx context.Context, args map[string]any) (models.ToolResult, error) {
			return models.OKResult("echo"), nil
		},
	}); err != nil {
		t.Fatalf("register echo: %v", err)
	}

	st := stages.New(fake, stages.Config{}, nil, nil)
	registry := runs.NewRegistry()
	exec := executor.New(cat, st, registry, nil, executor.Config{})
	pl := planner.New(fake, st, cat, planner.Config{}, nil, nil, nil)
	bus := events.NewBus()
	store := history.NewMemoryStore()
	run := runner.New(pl, exec, st, cat, bus, store, registry, nil, nil,
		runner.Config{EnableSummary: true})

	h := NewHandler(Config{Heartbeat: time.Minute}, run, bus, store, registry)
	return h, store
}

// waitForTerminal polls the store until the run's history carries a
// terminal record.
func waitForTerminal(t *testing.T, store *history.MemoryStore, runID string) []models.RunEvent {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		recs, err := store.List(context.Background(), runID)
		if err == nil {
			for _, rec := range recs {
				if rec.Type.IsTerminal() {
					return recs
				}
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("run %s never reached a terminal event", runID)
	return nil
}

// sseData extracts the decoded data events from an SSE body.
func sseData(t *testing.T, body string) []models.RunEvent {
	t.Helper()
	var out []models.RunEvent
	for _, line := range strings.Split(body, "\n") {
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev models.RunEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("undecodable SSE payload %q: %v", line, err)
		}
		out = append(out, ev)
	}
	return out
}

func TestStartRunReturnsRunID(t *testing.T) {
	h, store := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/api/runs",
		strings.NewReader(`{"objective": "echo something"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	runID := resp["runId"]
	if runID == "" {
		t.Fatalf("response carries no runId: %s", rec.Body)
	}

	recs := waitForTerminal(t, store, runID)
	last := recs[len(recs)-1]
	if last.Type != models.EventSummary {
		t.Errorf("terminal = %s, want summary", last.Type)
	}
}

func TestStartRunValidation(t *testing.T) {
	h, _ := newTestHandler(t)

	for _, body := range []string{`{}`, `not json`} {
		req := httptest.NewRequest(http.MethodPost, "/api/runs", strings.NewReader(body))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, rec.Code)
		}
	}
}

func TestStartRunStreamsToTerminal(t *testing.T) {
	h, _ := newTestHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/api/runs?stream=1",
		strings.NewReader(`{"objective": "echo something"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	body := rec.Body.String()
	if !strings.HasPrefix(body, ": stream-open\n\n") {
		t.Fatalf("stream must open with the preamble comment, got %q", body[:min(len(body), 40)])
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}

	got := sseData(t, body)
	if len(got) == 0 {
		t.Fatal("stream delivered no events")
	}
	if got[0].Type != models.EventStart {
		t.Errorf("first event = %s, want start", got[0].Type)
	}
	last := got[len(got)-1]
	if last.Type != models.EventSummary {
		t.Errorf("stream must end at the terminal event, got %s", last.Type)
	}
}

func TestRunEventsReplaysFinishedRun(t *testing.T) {
	h, store := newTestHandler(t)

	start := httptest.NewRequest(http.MethodPost, "/api/runs",
		strings.NewReader(`{"objective": "echo something"}`))
	startRec := httptest.NewRecorder()
	h.ServeHTTP(startRec, start)
	var resp map[string]string
	json.Unmarshal(startRec.Body.Bytes(), &resp)
	runID := resp["runId"]
	stored := waitForTerminal(t, store, runID)

	req := httptest.NewRequest(http.MethodGet, "/api/runs/"+runID+"/events", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	got := sseData(t, rec.Body.String())
	if len(got) != len(stored) {
		t.Fatalf("replay delivered %d events, history has %d", len(got), len(stored))
	}
	for i, ev := range got {
		if ev.Type != stored[i].Type || ev.Sequence != stored[i].Sequence {
			t.Fatalf("replay[%d] = %s seq %d, history has %s seq %d",
				i, ev.Type, ev.Sequence, stored[i].Type, stored[i].Sequence)
		}
	}
	if !got[len(got)-1].Type.IsTerminal() {
		t.Error("replay of a finished run must end at its terminal event")
	}
}

func TestRunEventsUnknownRun(t *testing.T) {
	h, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/api/runs/run-missing/events", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestCancelUnknownRun(t *testing.T) {
	h, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/api/runs/run-missing/cancel", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestRunHistoryEndpoint(t *testing.T) {
	h, store := newTestHandler(t)

	start := httptest.NewRequest(http.MethodPost, "/api/runs",
		strings.NewReader(`{"objective": "echo something"}`))
	startRec := httptest.NewRecorder()
	h.ServeHTTP(startRec, start)
	var startResp map[string]string
	json.Unmarshal(startRec.Body.Bytes(), &startResp)
	runID := startResp["runId"]
	waitForTerminal(t, store, runID)

	req := httptest.NewRequest(http.MethodGet, "/api/runs/"+runID+"/history", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp struct {
		RunID   string            `json:"runId"`
		Plan    *models.Plan      `json:"plan"`
		Summary string            `json:"summary"`
		Records []models.RunEvent `json:"records"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode history: %v", err)
	}
	if resp.RunID != runID || len(resp.Records) == 0 {
		t.Errorf("history = runId %q with %d records", resp.RunID, len(resp.Records))
	}
	if resp.Plan == nil || len(resp.Plan.Steps) != 1 {
		t.Errorf("history plan = %+v, want the single-step snapshot", resp.Plan)
	}
	if resp.Summary != "echoed." {
		t.Errorf("history summary = %q", resp.Summary)
	}

	missing := httptest.NewRequest(http.MethodGet, "/api/runs/run-missing/history", nil)
	missingRec := httptest.NewRecorder()
	h.ServeHTTP(missingRec, missing)
	if missingRec.Code != http.StatusNotFound {
		t.Errorf("unknown run history status = %d, want 404", missingRec.Code)
	}
}

func TestHealthz(t *testing.T) {
	h, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("healthz = %d %s", rec.Code, rec.Body)
	}
}
