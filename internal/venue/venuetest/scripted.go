// Package venuetest provides a scripted venue adapter for exercising the
// orchestrator without a chain.
package venuetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/helixtrade/intentd/internal/schema"
	"github.com/helixtrade/intentd/internal/venue"
)

// Outcome scripts what one Submit/Await round does.
type Outcome struct {
	// SubmitErr fails the submission itself.
	SubmitErr error
	// AwaitErr fails the receipt wait (e.g. a terminal revert).
	AwaitErr error
	// AmountOut is the filled amount on success.
	AmountOut decimal.Decimal
	// AwaitDelay holds the receipt back, to exercise deadlines.
	AwaitDelay time.Duration
}

// Scripted replays a fixed sequence of outcomes, one per Submit call.
type Scripted struct {
	name     string
	mu       sync.Mutex
	outcomes []Outcome
	submits  int
	byHash   map[string]Outcome
}

// NewScripted builds an adapter named name that plays outcomes in order.
// Submits past the end of the script repeat the last outcome.
func NewScripted(name string, outcomes ...Outcome) *Scripted {
	return &Scripted{name: name, outcomes: outcomes, byHash: make(map[string]Outcome)}
}

func (s *Scripted) Name() string { return s.name }

// Submits reports how many Submit calls were made.
func (s *Scripted) Submits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submits
}

func (s *Scripted) Submit(_ context.Context, _ schema.PlanStep, _ time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := s.submits
	s.submits++
	if idx >= len(s.outcomes) {
		idx = len(s.outcomes) - 1
	}
	if idx < 0 {
		return "", fmt.Errorf("scripted adapter %s has no outcomes", s.name)
	}
	outcome := s.outcomes[idx]
	if outcome.SubmitErr != nil {
		return "", outcome.SubmitErr
	}
	hash := fmt.Sprintf("0xscripted%s%04d", s.name, s.submits)
	s.byHash[hash] = outcome
	return hash, nil
}

func (s *Scripted) Await(ctx context.Context, txHash string) (venue.Receipt, error) {
	s.mu.Lock()
	outcome, ok := s.byHash[txHash]
	s.mu.Unlock()
	if !ok {
		return venue.Receipt{}, fmt.Errorf("unknown tx %s", txHash)
	}
	if outcome.AwaitDelay > 0 {
		select {
		case <-time.After(outcome.AwaitDelay):
		case <-ctx.Done():
			return venue.Receipt{}, ctx.Err()
		}
	}
	if outcome.AwaitErr != nil {
		return venue.Receipt{}, outcome.AwaitErr
	}
	return venue.Receipt{TxHash: txHash, AmountOut: outcome.AmountOut, GasUsed: 210_000}, nil
}
