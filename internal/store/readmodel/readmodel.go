// Package readmodel stores the projected views the read API serves. The
// views are disposable: the event log can rebuild them at any time.
package readmodel

import (
	"context"

	"github.com/helixtrade/intentd/internal/schema"
)

// Store holds the current projected state per intent and per plan.
type Store interface {
	PutIntent(ctx context.Context, view schema.IntentReadModel) error
	// GetIntent returns the intent view, or an errs.CodeNotFound error.
	GetIntent(ctx context.Context, intentID string) (schema.IntentReadModel, error)
	PutPlan(ctx context.Context, view schema.PlanReadModel) error
	GetPlan(ctx context.Context, planID string) (schema.PlanReadModel, error)
	// ListIntentsByState returns up to limit intent views in the given
	// state, most recently updated first.
	ListIntentsByState(ctx context.Context, state schema.IntentState, limit int) ([]schema.IntentReadModel, error)
	Close()
}
