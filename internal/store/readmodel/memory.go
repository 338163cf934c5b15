package readmodel

import (
	"context"
	"sort"
	"sync"

	"github.com/helixtrade/intentd/errs"
	"github.com/helixtrade/intentd/internal/schema"
)

// MemoryStore is an in-process Store for tests and single-node runs.
type MemoryStore struct {
	mu      sync.RWMutex
	intents map[string]schema.IntentReadModel
	plans   map[string]schema.PlanReadModel
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		intents: make(map[string]schema.IntentReadModel),
		plans:   make(map[string]schema.PlanReadModel),
	}
}

func (s *MemoryStore) PutIntent(_ context.Context, view schema.IntentReadModel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.intents[view.IntentID] = view
	return nil
}

func (s *MemoryStore) GetIntent(_ context.Context, intentID string) (schema.IntentReadModel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	view, ok := s.intents[intentID]
	if !ok {
		return schema.IntentReadModel{}, errs.New("readmodel/get", errs.CodeNotFound,
			errs.WithMessage("intent "+intentID+" not found"))
	}
	return view, nil
}

func (s *MemoryStore) PutPlan(_ context.Context, view schema.PlanReadModel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans[view.PlanID] = view
	return nil
}

func (s *MemoryStore) GetPlan(_ context.Context, planID string) (schema.PlanReadModel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	view, ok := s.plans[planID]
	if !ok {
		return schema.PlanReadModel{}, errs.New("readmodel/get", errs.CodeNotFound,
			errs.WithMessage("plan "+planID+" not found"))
	}
	return view, nil
}

func (s *MemoryStore) ListIntentsByState(_ context.Context, state schema.IntentState, limit int) ([]schema.IntentReadModel, error) {
	s.mu.RLock()
	var out []schema.IntentReadModel
	for _, view := range s.intents {
		if view.State == state {
			out = append(out, view)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Close() {}
