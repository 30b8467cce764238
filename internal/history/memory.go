package history

import (
	"context"
	"sync"

	"github.com/planexec/planexec/pkg/models"
)

// MemoryStore is the in-process history backend. It is the default and is
// also used throughout the tests.
type MemoryStore struct {
	mu        sync.RWMutex
	records   map[string][]models.RunEvent
	plans     map[string]*models.Plan
	summaries map[string]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:   make(map[string][]models.RunEvent),
		plans:     make(map[string]*models.Plan),
		summaries: make(map[string]string),
	}
}

// Append adds one record to the run's log.
func (s *MemoryStore) Append(_ context.Context, runID string, rec models.RunEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[runID] = append(s.records[runID], rec)
	return nil
}

// List returns a copy of the run's records in append order.
func (s *MemoryStore) List(_ context.Context, runID string) ([]models.RunEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs, ok := s.records[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	out := make([]models.RunEvent, len(recs))
	copy(out, recs)
	return out, nil
}

// SetPlan stores the current plan snapshot.
func (s *MemoryStore) SetPlan(_ context.Context, runID string, plan *models.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[runID] = plan.Clone()
	return nil
}

// Plan returns the stored plan snapshot, or nil.
func (s *MemoryStore) Plan(_ context.Context, runID string) (*models.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.plans[runID].Clone(), nil
}

// SetSummary stores the run's final summary.
func (s *MemoryStore) SetSummary(_ context.Context, runID string, summary string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summaries[runID] = summary
	return nil
}

// Summary returns the stored summary, or "".
func (s *MemoryStore) Summary(_ context.Context, runID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.summaries[runID], nil
}

// Close is a no-op for the memory backend.
func (s *MemoryStore) Close() error { return nil }
