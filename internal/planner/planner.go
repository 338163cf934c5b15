// Package planner turns risk-approved intents into concrete execution plans.
package planner

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/shopspring/decimal"

	"github.com/helixtrade/intentd/errs"
	"github.com/helixtrade/intentd/internal/bus"
	"github.com/helixtrade/intentd/internal/id"
	"github.com/helixtrade/intentd/internal/observability"
	"github.com/helixtrade/intentd/internal/route"
	"github.com/helixtrade/intentd/internal/schema"
	"github.com/helixtrade/intentd/internal/store/eventlog"
)

// QueueGroup is the durable group the planning stage consumes under.
const QueueGroup = "planner.workers"

const (
	// routeAttempts bounds transient route retries per accepted intent.
	routeAttempts = 3
	// estimatedHopDurationMS is the planning estimate per swap leg.
	estimatedHopDurationMS = 15_000
)

// Planner consumes intent.accepted and emits plan.created or plan.rejected.
type Planner struct {
	engine    *route.Engine
	log       eventlog.Log
	bus       bus.Bus
	recipient string

	mu      sync.Mutex
	intents map[string]intentRecord // intent id -> submitted intent + envelope time
}

type intentRecord struct {
	intent      schema.Intent
	submittedAt time.Time
}

// New wires the planner to its route engine, event log, and bus. Recipient
// is the executing wallet that receives every step's output.
func New(engine *route.Engine, log eventlog.Log, b bus.Bus, recipient string) *Planner {
	return &Planner{
		engine:    engine,
		log:       log,
		bus:       b,
		recipient: recipient,
		intents:   make(map[string]intentRecord),
	}
}

// Run consumes accepted intents until ctx is cancelled or the bus closes. It
// also taps intent.submitted to learn submission times; the event log
// backstops cache misses, so the tap is best-effort.
func (p *Planner) Run(ctx context.Context) error {
	submissions, err := p.bus.SubscribeEphemeral(ctx, string(schema.TopicIntentSubmitted))
	if err != nil {
		return err
	}
	accepted, err := p.bus.SubscribeQueue(ctx, string(schema.TopicIntentAccepted), QueueGroup)
	if err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case env, open := <-submissions:
			if !open {
				submissions = nil
				continue
			}
			p.cache(env)
		case d, open := <-accepted:
			if !open {
				return nil
			}
			p.handle(ctx, d)
		}
	}
}

func (p *Planner) cache(env schema.EventEnvelope) {
	intent, ok := intentPayload(env.Payload)
	if !ok {
		return
	}
	p.mu.Lock()
	p.intents[intent.IntentID] = intentRecord{intent: intent, submittedAt: env.Timestamp}
	p.mu.Unlock()
}

func (p *Planner) handle(ctx context.Context, d bus.Delivery) {
	intent, ok := acceptedIntent(d.Envelope.Payload)
	if !ok {
		observability.Log().Error("planner received non-acceptance payload",
			observability.String("event_id", d.Envelope.EventID))
		d.Ack()
		return
	}

	// the acceptance carries the intent; only the submission time needs the
	// cache or the log. The deadline degrades to the acceptance time when
	// neither has the submitted event yet.
	record, err := p.lookupIntent(ctx, intent.IntentID)
	if err != nil {
		record = intentRecord{intent: intent, submittedAt: d.Envelope.Timestamp}
	}
	record.intent = intent

	cause := d.Envelope.EventID
	seq := d.Envelope.Sequence + 1
	r, err := p.routeWithRetry(ctx, record.intent)
	if err != nil {
		p.reject(ctx, d, record.intent, err, cause, seq)
		return
	}

	// the plan id is the plan.created event id, so the envelope ULID is
	// minted before the payload that references it.
	eventID := id.New()
	plan := p.buildPlan(eventID, record, r)
	env, err := schema.NewEnvelopeWithID(eventID, schema.TopicPlanCreated, plan, d.Envelope.CorrelationID, &cause, seq)
	if err != nil {
		observability.Log().Error("build plan envelope",
			observability.String("intent_id", record.intent.IntentID), observability.Err(err))
		d.Ack()
		return
	}
	if _, err := p.bus.Publish(ctx, env); err != nil {
		d.Nack()
		return
	}
	d.Ack()
}

func (p *Planner) lookupIntent(ctx context.Context, intentID string) (intentRecord, error) {
	p.mu.Lock()
	record, hit := p.intents[intentID]
	p.mu.Unlock()
	if hit {
		return record, nil
	}
	events, err := p.log.Correlation(ctx, schema.Correlation(intentID))
	if err != nil {
		return intentRecord{}, err
	}
	for _, env := range events {
		if env.Topic != schema.TopicIntentSubmitted {
			continue
		}
		if intent, ok := intentPayload(env.Payload); ok {
			return intentRecord{intent: intent, submittedAt: env.Timestamp}, nil
		}
	}
	return intentRecord{}, errs.New("planner/lookup", errs.CodeNotFound,
		errs.WithMessage("no submitted event for intent "+intentID))
}

// routeWithRetry retries transient route failures a bounded number of times.
// NO_ROUTE is a fact about liquidity, not a fault, so it never retries.
func (p *Planner) routeWithRetry(ctx context.Context, intent schema.Intent) (route.Route, error) {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.InitialInterval = 100 * time.Millisecond
	backoffCfg.MaxInterval = time.Second

	var lastErr error
	for attempt := 1; attempt <= routeAttempts; attempt++ {
		r, err := p.engine.BestRoute(ctx, intent)
		if err == nil {
			return r, nil
		}
		lastErr = err
		if errs.ReasonOf(err) == errs.ReasonNoRoute {
			return route.Route{}, err
		}
		if attempt == routeAttempts {
			break
		}
		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			break
		}
		select {
		case <-ctx.Done():
			return route.Route{}, lastErr
		case <-time.After(sleep):
		}
	}
	return route.Route{}, lastErr
}

func (p *Planner) buildPlan(planID string, record intentRecord, r route.Route) schema.ExecutionPlan {
	intent := record.intent
	oneMinusSlip := decimal.NewFromInt(1).Sub(intent.Constraints.MaxSlippage)
	steps := make([]schema.PlanStep, 0, len(r.Hops))
	for _, hop := range r.Hops {
		// min_out floors toward zero: never promise more than slippage allows.
		minOut := hop.AmountOut.Mul(oneMinusSlip).RoundDown(hop.To.Decimals)
		steps = append(steps, schema.PlanStep{
			Venue:     hop.Venue,
			Base:      hop.To,
			Quote:     hop.From,
			AmountIn:  hop.AmountIn,
			MinOut:    minOut,
			Recipient: p.recipient,
		})
	}
	return schema.ExecutionPlan{
		PlanID:              planID,
		IntentID:            intent.IntentID,
		Steps:               steps,
		EstimatedCost:       r.FeeCost,
		EstimatedDurationMS: int64(len(steps)) * estimatedHopDurationMS,
		Deadline:            record.submittedAt.Add(time.Duration(intent.Constraints.TimeWindowMS) * time.Millisecond),
	}
}

func (p *Planner) reject(ctx context.Context, d bus.Delivery, intent schema.Intent, cause error, causationID string, seq int64) {
	reason := errs.ReasonOf(cause)
	if reason == "" {
		reason = errs.ReasonRouteInternal
	}
	env, err := schema.NewEnvelope(schema.TopicPlanRejected,
		schema.PlanRejected{IntentID: intent.IntentID, Reason: string(reason)},
		d.Envelope.CorrelationID, &causationID, seq)
	if err != nil {
		observability.Log().Error("build plan rejection",
			observability.String("intent_id", intent.IntentID), observability.Err(err))
		d.Ack()
		return
	}
	if _, err := p.bus.Publish(ctx, env); err != nil {
		d.Nack()
		return
	}
	d.Ack()
}

func intentPayload(payload any) (schema.Intent, bool) {
	switch v := payload.(type) {
	case schema.Intent:
		return v, true
	case *schema.Intent:
		return *v, true
	default:
		return schema.Intent{}, false
	}
}

func acceptedIntent(payload any) (schema.Intent, bool) {
	switch v := payload.(type) {
	case schema.IntentAccepted:
		return v.Intent, true
	case *schema.IntentAccepted:
		return v.Intent, true
	default:
		return schema.Intent{}, false
	}
}
