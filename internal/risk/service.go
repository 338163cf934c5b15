package risk

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/helixtrade/intentd/internal/bus"
	"github.com/helixtrade/intentd/internal/observability"
	"github.com/helixtrade/intentd/internal/schema"
)

// PriceSource supplies USD reference prices for notional checks.
type PriceSource interface {
	PriceUSD(ctx context.Context, asset schema.Asset) (decimal.Decimal, error)
}

// planTTL bounds how long a watched plan's venue set is remembered. Plans
// whose terminal event never arrives age out instead of leaking.
const planTTL = 10 * time.Minute

// Service keeps the circuit breaker current from the event stream. The gate
// runs in-process with the intent manager, but execution happens elsewhere;
// tapping plan and exec events lets every gate instance see venue failures
// regardless of which process executed the plan.
type Service struct {
	breaker *Breaker
	bus     bus.Bus

	mu    sync.Mutex
	plans map[string]planEntry // plan id -> venues touched by its steps
}

type planEntry struct {
	venues []string
	seen   time.Time
}

// NewService wires the breaker feeder to the bus.
func NewService(breaker *Breaker, b bus.Bus) *Service {
	return &Service{breaker: breaker, bus: b, plans: make(map[string]planEntry)}
}

// Run taps plan and exec events until ctx is cancelled or the bus closes.
func (s *Service) Run(ctx context.Context) error {
	plans, err := s.bus.SubscribeEphemeral(ctx, string(schema.TopicPlanCreated))
	if err != nil {
		return err
	}
	outcomes, err := s.bus.SubscribeEphemeral(ctx, "exec.*")
	if err != nil {
		return err
	}
	sweep := time.NewTicker(time.Minute)
	defer sweep.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, open := <-plans:
			if !open {
				plans = nil
				continue
			}
			s.watch(env)
		case env, open := <-outcomes:
			if !open {
				return nil
			}
			s.record(env)
		case <-sweep.C:
			s.prune()
		}
	}
}

func (s *Service) watch(env schema.EventEnvelope) {
	plan, ok := planPayload(env.Payload)
	if !ok {
		return
	}
	venues := make([]string, 0, len(plan.Steps))
	for _, step := range plan.Steps {
		venues = append(venues, step.Venue)
	}
	s.mu.Lock()
	s.plans[plan.PlanID] = planEntry{venues: venues, seen: time.Now()}
	s.mu.Unlock()
}

func (s *Service) record(env schema.EventEnvelope) {
	switch env.Topic {
	case schema.TopicExecCompleted:
		if planID, ok := completedPlanID(env.Payload); ok {
			for _, venue := range s.take(planID) {
				s.breaker.RecordSuccess(venue)
			}
		}
	case schema.TopicExecFailed:
		planID, ok := failedPlanID(env.Payload)
		if !ok {
			return
		}
		for _, venue := range s.take(planID) {
			s.breaker.RecordFailure(venue)
			if s.breaker.Suspended(venue) {
				observability.Telemetry().IncCounter(observability.MetricVenueSuspended, 1,
					map[string]string{"venue": venue})
				observability.Log().Info("venue suspended",
					observability.String("venue", venue),
					observability.String("plan_id", planID))
			}
		}
	}
}

func (s *Service) take(planID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.plans[planID]
	if !ok {
		return nil
	}
	delete(s.plans, planID)
	return entry.venues
}

func (s *Service) prune() {
	cutoff := time.Now().Add(-planTTL)
	s.mu.Lock()
	defer s.mu.Unlock()
	for planID, entry := range s.plans {
		if entry.seen.Before(cutoff) {
			delete(s.plans, planID)
		}
	}
}

func planPayload(payload any) (schema.ExecutionPlan, bool) {
	switch v := payload.(type) {
	case *schema.ExecutionPlan:
		return *v, true
	case schema.ExecutionPlan:
		return v, true
	default:
		return schema.ExecutionPlan{}, false
	}
}

func completedPlanID(payload any) (string, bool) {
	switch v := payload.(type) {
	case *schema.ExecCompleted:
		return v.PlanID, true
	case schema.ExecCompleted:
		return v.PlanID, true
	default:
		return "", false
	}
}

func failedPlanID(payload any) (string, bool) {
	switch v := payload.(type) {
	case *schema.ExecFailed:
		return v.PlanID, true
	case schema.ExecFailed:
		return v.PlanID, true
	default:
		return "", false
	}
}
