// Package web exposes the run API over HTTP: starting runs, streaming
// their events as SSE, cancellation, and history retrieval.
package web

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/planexec/planexec/internal/events"
	"github.com/planexec/planexec/internal/history"
	"github.com/planexec/planexec/internal/runner"
	"github.com/planexec/planexec/internal/runs"
	"github.com/planexec/planexec/pkg/models"
)

// Config holds gateway configuration.
type Config struct {
	// Heartbeat is the SSE keepalive interval.
	// Default: 15s
	Heartbeat time.Duration

	// Logger for request logging.
	Logger *slog.Logger
}

// Handler is the run API HTTP handler.
type Handler struct {
	cfg      Config
	runner   *runner.Runner
	bus      *events.Bus
	store    history.Store
	registry *runs.Registry
	mux      *http.ServeMux
}

// NewHandler creates the gateway handler.
func NewHandler(cfg Config, r *runner.Runner, bus *events.Bus, store history.Store, registry *runs.Registry) *Handler {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 15 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	h := &Handler{
		cfg:      cfg,
		runner:   r,
		bus:      bus,
		store:    store,
		registry: registry,
		mux:      http.NewServeMux(),
	}
	h.setupRoutes()
	return h
}

func (h *Handler) setupRoutes() {
	h.mux.HandleFunc("POST /api/runs", h.apiStartRun)
	h.mux.HandleFunc("GET /api/runs", h.apiActiveRuns)
	h.mux.HandleFunc("GET /api/runs/{id}/events", h.apiRunEvents)
	h.mux.HandleFunc("POST /api/runs/{id}/cancel", h.apiCancelRun)
	h.mux.HandleFunc("GET /api/runs/{id}/history", h.apiRunHistory)
	h.mux.HandleFunc("GET /healthz", h.apiHealth)
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// apiStartRun starts a run. The default response is the run id; with
// ?stream=1 (or an SSE accept header) the run's events stream back
// directly on this response.
func (h *Handler) apiStartRun(w http.ResponseWriter, r *http.Request) {
	var req models.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.jsonError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if req.Objective == "" {
		h.jsonError(w, "objective is required", http.StatusBadRequest)
		return
	}

	wantStream := r.URL.Query().Get("stream") == "1" ||
		r.Header.Get("Accept") == "text/event-stream"

	sub, runID, err := h.runner.PlanThenExecuteStream(r.Context(), req)
	if err != nil {
		h.jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if !wantStream {
		sub.Close()
		h.jsonResponse(w, map[string]string{"runId": runID})
		return
	}

	h.cfg.Logger.Info("streaming run", "run_id", runID, "objective", req.Objective)
	h.streamEvents(w, r, sub, 0)
}

// apiRunEvents attaches to a run's event stream. History records are
// replayed first so late subscribers see the full run; live events then
// follow without duplicates.
func (h *Handler) apiRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")

	// Subscribe before reading history so no event falls in the gap.
	sub := h.bus.Subscribe(runID)

	records, err := h.store.List(r.Context(), runID)
	if err != nil {
		sub.Close()
		if err == history.ErrRunNotFound {
			h.jsonError(w, "run not found", http.StatusNotFound)
			return
		}
		h.jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	flusher, ok := h.beginStream(w)
	if !ok {
		sub.Close()
		return
	}

	var lastSeq uint64
	terminal := false
	for _, rec := range records {
		h.writeEvent(w, rec)
		lastSeq = rec.Sequence
		terminal = terminal || rec.Type.IsTerminal()
	}
	flusher.Flush()
	if terminal {
		sub.Close()
		return
	}
	h.forwardLive(w, r, flusher, sub, lastSeq)
}

// streamEvents serves a live subscription as SSE from its first event.
func (h *Handler) streamEvents(w http.ResponseWriter, r *http.Request, sub *events.Subscription, afterSeq uint64) {
	flusher, ok := h.beginStream(w)
	if !ok {
		sub.Close()
		return
	}
	h.forwardLive(w, r, flusher, sub, afterSeq)
}

// beginStream sends the SSE preamble. Returns false when the connection
// cannot stream.
func (h *Handler) beginStream(w http.ResponseWriter) (http.Flusher, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.jsonError(w, "streaming unsupported", http.StatusInternalServerError)
		return nil, false
	}
	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	fmt.Fprint(w, ": stream-open\n\n")
	flusher.Flush()
	return flusher, true
}

// forwardLive relays subscription events until the terminal event, the
// client disconnects, or the bus closes the run. Heartbeat comments keep
// idle connections alive.
func (h *Handler) forwardLive(w http.ResponseWriter, r *http.Request, flusher http.Flusher, sub *events.Subscription, afterSeq uint64) {
	defer sub.Close()

	heartbeat := time.NewTicker(h.cfg.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		case ev, open := <-sub.Events():
			if !open {
				return
			}
			if ev.Sequence <= afterSeq {
				continue
			}
			h.writeEvent(w, ev)
			flusher.Flush()
			if ev.Type.IsTerminal() {
				return
			}
		}
	}
}

func (h *Handler) writeEvent(w http.ResponseWriter, ev models.RunEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.cfg.Logger.Warn("event encode failed", "run_id", ev.RunID, "type", ev.Type, "error", err)
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", payload)
}

func (h *Handler) apiCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if _, ok := h.registry.Get(runID); !ok {
		h.jsonError(w, "run not found or already finished", http.StatusNotFound)
		return
	}
	h.runner.Cancel(runID)
	h.jsonResponse(w, map[string]any{"runId": runID, "cancelled": true})
}

func (h *Handler) apiActiveRuns(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, h.registry.Active())
}

// runHistoryResponse is the history endpoint payload.
type runHistoryResponse struct {
	RunID   string            `json:"runId"`
	Plan    *models.Plan      `json:"plan,omitempty"`
	Summary string            `json:"summary,omitempty"`
	Records []models.RunEvent `json:"records"`
}

func (h *Handler) apiRunHistory(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	records, err := h.store.List(r.Context(), runID)
	if err != nil {
		if err == history.ErrRunNotFound {
			h.jsonError(w, "run not found", http.StatusNotFound)
			return
		}
		h.jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp := runHistoryResponse{RunID: runID, Records: records}
	if plan, err := h.store.Plan(r.Context(), runID); err == nil {
		resp.Plan = plan
	}
	if summary, err := h.store.Summary(r.Context(), runID); err == nil {
		resp.Summary = summary
	}
	h.jsonResponse(w, resp)
}

func (h *Handler) apiHealth(w http.ResponseWriter, r *http.Request) {
	h.jsonResponse(w, map[string]string{"status": "ok"})
}

func (h *Handler) jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.cfg.Logger.Warn("response encode failed", "error", err)
	}
}

func (h *Handler) jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
