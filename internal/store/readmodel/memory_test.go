package readmodel

import (
	"context"
	"testing"
	"time"

	"github.com/helixtrade/intentd/errs"
	"github.com/helixtrade/intentd/internal/schema"
)

func TestIntentRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	view := schema.IntentReadModel{
		IntentID:     "01JD0000000000000000000020",
		State:        schema.IntentStateExecuting,
		PlanID:       "plan-1",
		LastSequence: 5,
		UpdatedAt:    time.Now().UTC(),
	}
	if err := s.PutIntent(ctx, view); err != nil {
		t.Fatalf("PutIntent: %v", err)
	}
	got, err := s.GetIntent(ctx, view.IntentID)
	if err != nil {
		t.Fatalf("GetIntent: %v", err)
	}
	if got.State != schema.IntentStateExecuting || got.LastSequence != 5 {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

func TestGetIntentNotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.GetIntent(context.Background(), "missing")
	if errs.CodeOf(err) != errs.CodeNotFound {
		t.Fatalf("expected not_found, got %v", err)
	}
}

func TestPlanRoundTrip(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	view := schema.PlanReadModel{
		PlanID:      "plan-1",
		IntentID:    "01JD0000000000000000000020",
		Status:      schema.PlanStatusExecuting,
		StepsTotal:  1,
		StepsFilled: 0,
		UpdatedAt:   time.Now().UTC(),
	}
	if err := s.PutPlan(ctx, view); err != nil {
		t.Fatalf("PutPlan: %v", err)
	}
	got, err := s.GetPlan(ctx, "plan-1")
	if err != nil {
		t.Fatalf("GetPlan: %v", err)
	}
	if got.Progress() != 0 {
		t.Errorf("Progress() = %v, want 0", got.Progress())
	}
}

func TestListIntentsByState(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	base := time.Now().UTC()

	for i, state := range []schema.IntentState{
		schema.IntentStateExecuting,
		schema.IntentStateExecuting,
		schema.IntentStateCompleted,
	} {
		view := schema.IntentReadModel{
			IntentID:  "intent-" + string(rune('a'+i)),
			State:     state,
			UpdatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := s.PutIntent(ctx, view); err != nil {
			t.Fatalf("PutIntent: %v", err)
		}
	}

	executing, err := s.ListIntentsByState(ctx, schema.IntentStateExecuting, 0)
	if err != nil {
		t.Fatalf("ListIntentsByState: %v", err)
	}
	if len(executing) != 2 {
		t.Fatalf("got %d executing intents, want 2", len(executing))
	}
	if !executing[0].UpdatedAt.After(executing[1].UpdatedAt) {
		t.Error("listing must be most recent first")
	}

	limited, err := s.ListIntentsByState(ctx, schema.IntentStateExecuting, 1)
	if err != nil {
		t.Fatalf("ListIntentsByState: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("limit ignored: got %d", len(limited))
	}
}

func TestStateTransitionReplacesView(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	view := schema.IntentReadModel{IntentID: "a", State: schema.IntentStateExecuting, UpdatedAt: time.Now()}
	_ = s.PutIntent(ctx, view)
	view.State = schema.IntentStateCompleted
	view.UpdatedAt = view.UpdatedAt.Add(time.Second)
	_ = s.PutIntent(ctx, view)

	executing, _ := s.ListIntentsByState(ctx, schema.IntentStateExecuting, 0)
	if len(executing) != 0 {
		t.Error("intent left behind in old state listing")
	}
	completed, _ := s.ListIntentsByState(ctx, schema.IntentStateCompleted, 0)
	if len(completed) != 1 {
		t.Error("intent missing from new state listing")
	}
}
