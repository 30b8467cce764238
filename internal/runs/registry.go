// Package runs tracks active runs and owns the cancellation plane. The
// registry is process-wide: one instance is shared by the gateway and the
// runner, and it is the only component allowed to mutate run liveness.
package runs

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Info identifies one active run.
type Info struct {
	RunID       string    `json:"runId"`
	ChannelID   string    `json:"channelId,omitempty"`
	IdentityKey string    `json:"identityKey,omitempty"`
	Objective   string    `json:"objective,omitempty"`
	StartedAt   time.Time `json:"startedAt"`

	// Finished is set by MarkFinished; the entry stays visible until
	// Remove so late subscribers can still find the run.
	Finished bool `json:"finished,omitempty"`

	// Cancelled records whether the run ended by cancellation.
	Cancelled bool `json:"cancelled,omitempty"`
}

// Registry tracks run liveness keyed by runID and indexes active runs by
// (channelID, identityKey) for the concurrency overlay.
type Registry struct {
	mu        sync.RWMutex
	runs      map[string]*Info
	cancelled map[string]bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		runs:      make(map[string]*Info),
		cancelled: make(map[string]bool),
	}
}

// RegisterStart records a run as live. StartedAt defaults to now.
func (r *Registry) RegisterStart(info Info) {
	if info.StartedAt.IsZero() {
		info.StartedAt = time.Now()
	}
	r.mu.Lock()
	r.runs[info.RunID] = &info
	r.mu.Unlock()
}

// MarkFinished flips the run to finished state.
func (r *Registry) MarkFinished(runID string, cancelled bool) {
	r.mu.Lock()
	if info, ok := r.runs[runID]; ok {
		info.Finished = true
		info.Cancelled = cancelled
	}
	r.mu.Unlock()
}

// Remove deletes the run entry.
func (r *Registry) Remove(runID string) {
	r.mu.Lock()
	delete(r.runs, runID)
	r.mu.Unlock()
}

// Get returns a copy of the run entry.
func (r *Registry) Get(runID string) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	info, ok := r.runs[runID]
	if !ok {
		return Info{}, false
	}
	return *info, true
}

// Active returns copies of all unfinished runs ordered by start time.
func (r *Registry) Active() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.runs))
	for _, info := range r.runs {
		if !info.Finished {
			out = append(out, *info)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Cancel sets the run's cancellation flag. Idempotent: the executor emits
// a single cancelled terminal regardless of how many times the flag is set.
func (r *Registry) Cancel(runID string) {
	r.mu.Lock()
	r.cancelled[runID] = true
	r.mu.Unlock()
}

// IsCancelled reports whether the run's cancellation flag is set. Polled
// by the executor at safe points.
func (r *Registry) IsCancelled(runID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cancelled[runID]
}

// ClearCancelled drops the cancellation flag after run teardown.
func (r *Registry) ClearCancelled(runID string) {
	r.mu.Lock()
	delete(r.cancelled, runID)
	r.mu.Unlock()
}

// ConcurrencyOverlay renders a plain-text block listing the other active
// runs sharing the given run's channel or identity. The overlay is merged
// into the planner's global system overlay so the model is aware of
// sibling work. Returns "" when the run has no siblings.
func (r *Registry) ConcurrencyOverlay(info Info) string {
	siblings := make([]Info, 0, 4)
	for _, other := range r.Active() {
		if other.RunID == info.RunID {
			continue
		}
		sameChannel := info.ChannelID != "" && other.ChannelID == info.ChannelID
		sameIdentity := info.IdentityKey != "" && other.IdentityKey == info.IdentityKey
		if sameChannel || sameIdentity {
			siblings = append(siblings, other)
		}
	}
	if len(siblings) == 0 {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "There are %d other task run(s) active on this channel/identity:\n", len(siblings))
	for _, s := range siblings {
		objective := s.Objective
		if len(objective) > 120 {
			objective = objective[:120] + "…"
		}
		fmt.Fprintf(&b, "- run %s (started %s ago): %s\n",
			s.RunID, time.Since(s.StartedAt).Round(time.Second), objective)
	}
	b.WriteString("Avoid duplicating their work; prefer complementary steps.")
	return b.String()
}
