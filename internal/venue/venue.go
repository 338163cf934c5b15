// Package venue defines the execution adapter contract. Adapters turn plan
// steps into venue transactions and report their outcome through the error
// taxonomy: transient failures are retryable, terminal ones are not.
package venue

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/helixtrade/intentd/errs"
	"github.com/helixtrade/intentd/internal/schema"
)

// Receipt reports a landed transaction.
type Receipt struct {
	TxHash    string
	AmountOut decimal.Decimal
	GasUsed   uint64
}

// Adapter executes plan steps on one venue.
//
// Submit must build a fresh transaction per call, fetching a fresh nonce:
// retries never reuse a stale build. Await blocks until the transaction
// lands or ctx expires.
type Adapter interface {
	Name() string
	Submit(ctx context.Context, step schema.PlanStep, deadline time.Time) (txHash string, err error)
	Await(ctx context.Context, txHash string) (Receipt, error)
}

// Registry resolves adapters by venue name.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry indexes the given adapters by name.
func NewRegistry(adapters ...Adapter) *Registry {
	m := make(map[string]Adapter, len(adapters))
	for _, a := range adapters {
		m[a.Name()] = a
	}
	return &Registry{adapters: m}
}

// Lookup returns the adapter for a venue or an UNSUPPORTED_VENUE error.
func (r *Registry) Lookup(venue string) (Adapter, error) {
	a, ok := r.adapters[venue]
	if !ok {
		return nil, errs.New("venue/registry", errs.CodeInvalid,
			errs.WithReason(errs.ReasonUnsupportedVenue),
			errs.WithMessage("no adapter for venue "+venue))
	}
	return a, nil
}

// Names lists every registered venue.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		out = append(out, name)
	}
	return out
}
