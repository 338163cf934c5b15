// Package orchestrator drives execution plans through their venues: submit
// with bounded retries, await fills, and emit the exec lifecycle events.
package orchestrator

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/helixtrade/intentd/errs"
	"github.com/helixtrade/intentd/internal/bus"
	"github.com/helixtrade/intentd/internal/observability"
	"github.com/helixtrade/intentd/internal/risk"
	"github.com/helixtrade/intentd/internal/schema"
	"github.com/helixtrade/intentd/internal/venue"
)

// QueueGroup is the durable group the execution stage consumes under.
const QueueGroup = "orchestrator.workers"

// Config tunes submission retries and receipt waits.
type Config struct {
	// MaxAttempts bounds venue submissions per step.
	MaxAttempts int
	// BackoffBase is the first retry delay; each retry doubles it.
	BackoffBase time.Duration
	// JitterFrac spreads each delay by ±frac to decorrelate retries.
	JitterFrac float64
	// AwaitCap bounds a single receipt wait regardless of plan deadline.
	AwaitCap time.Duration
}

func (c Config) normalize() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 200 * time.Millisecond
	}
	if c.JitterFrac <= 0 || c.JitterFrac >= 1 {
		c.JitterFrac = 0.2
	}
	if c.AwaitCap <= 0 {
		c.AwaitCap = 120 * time.Second
	}
	return c
}

// Orchestrator consumes plan.created and executes each plan to a terminal
// exec event.
type Orchestrator struct {
	cfg     Config
	venues  *venue.Registry
	breaker *risk.Breaker
	bus     bus.Bus

	mu      sync.Mutex
	started map[string]struct{} // plan ids already taken, guards redelivery
}

// New wires the orchestrator. A nil breaker disables failure recording.
func New(cfg Config, venues *venue.Registry, breaker *risk.Breaker, b bus.Bus) *Orchestrator {
	return &Orchestrator{
		cfg:     cfg.normalize(),
		venues:  venues,
		breaker: breaker,
		bus:     b,
		started: make(map[string]struct{}),
	}
}

// Run consumes created plans until ctx is cancelled or the bus closes.
// Plans execute concurrently; Run returns after in-flight plans finish.
func (o *Orchestrator) Run(ctx context.Context) error {
	deliveries, err := o.bus.SubscribeQueue(ctx, string(schema.TopicPlanCreated), QueueGroup)
	if err != nil {
		return err
	}
	var wg conc.WaitGroup
	defer wg.Wait()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, open := <-deliveries:
			if !open {
				return nil
			}
			wg.Go(func() { o.handle(ctx, d) })
		}
	}
}

func (o *Orchestrator) handle(ctx context.Context, d bus.Delivery) {
	plan, ok := planPayload(d.Envelope.Payload)
	if !ok {
		observability.Log().Error("orchestrator received non-plan payload",
			observability.String("event_id", d.Envelope.EventID))
		d.Ack()
		return
	}
	o.mu.Lock()
	if _, taken := o.started[plan.PlanID]; taken {
		o.mu.Unlock()
		d.Ack() // redelivery of a plan already in flight
		return
	}
	o.started[plan.PlanID] = struct{}{}
	o.mu.Unlock()

	// ack before the (long) execution: the started guard plus the event
	// log's idempotency cover the crash window.
	d.Ack()
	o.execute(ctx, plan, d.Envelope)
}

type emitter struct {
	o         *Orchestrator
	corr      string
	causation string
	seq       int64
}

// emit publishes the next event in the correlation, advancing the sequence
// and chaining causation to the previously emitted event.
func (e *emitter) emit(ctx context.Context, topic schema.Topic, payload any) bool {
	e.seq++
	cause := e.causation
	env, err := schema.NewEnvelope(topic, payload, e.corr, &cause, e.seq)
	if err != nil {
		observability.Log().Error("build exec envelope",
			observability.String("topic", string(topic)), observability.Err(err))
		return false
	}
	for attempt := 0; attempt < 3; attempt++ {
		if _, err = e.o.bus.Publish(ctx, env); err == nil {
			e.causation = env.EventID
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(100 * time.Millisecond):
		}
	}
	observability.Log().Error("publish exec event",
		observability.String("topic", string(topic)), observability.Err(err))
	return false
}

func (o *Orchestrator) execute(ctx context.Context, plan schema.ExecutionPlan, trigger schema.EventEnvelope) {
	e := &emitter{o: o, corr: trigger.CorrelationID, causation: trigger.EventID, seq: trigger.Sequence}

	if !e.emit(ctx, schema.TopicExecStarted, schema.ExecStarted{IntentID: plan.IntentID, PlanID: plan.PlanID}) {
		return
	}

	var lastTx string
	var lastOut string
	for _, step := range plan.Steps {
		tx, out, err := o.executeStep(ctx, e, plan, step)
		if err != nil {
			o.fail(ctx, e, plan, step.Venue, err)
			return
		}
		lastTx, lastOut = tx, out
	}

	observability.Telemetry().IncCounter(observability.MetricExecCompleted, 1, nil)
	e.emit(ctx, schema.TopicExecCompleted, schema.ExecCompleted{
		IntentID:  plan.IntentID,
		PlanID:    plan.PlanID,
		TxHash:    lastTx,
		AmountOut: lastOut,
	})
}

// executeStep runs one step to a fill, retrying transient failures (submit
// errors, reverts, dropped transactions) with jittered exponential backoff.
// Every attempt is a fresh build with a fresh nonce; the adapter guarantees
// that.
func (o *Orchestrator) executeStep(ctx context.Context, e *emitter, plan schema.ExecutionPlan, step schema.PlanStep) (txHash, amountOut string, err error) {
	adapter, err := o.venues.Lookup(step.Venue)
	if err != nil {
		return "", "", err
	}

	delay := o.cfg.BackoffBase
	for attempt := 1; attempt <= o.cfg.MaxAttempts; attempt++ {
		if !time.Now().Before(plan.Deadline) {
			return "", "", errs.New("orchestrator/step", errs.CodeVenueTerminal,
				errs.WithReason(errs.ReasonDeadlineExceeded), errs.WithAttempt(attempt))
		}

		observability.Telemetry().IncCounter(observability.MetricExecAttempts, 1,
			map[string]string{"venue": step.Venue})
		submitCtx, cancel := context.WithDeadline(ctx, plan.Deadline)
		tx, submitErr := adapter.Submit(submitCtx, step, plan.Deadline)
		cancel()
		if submitErr != nil {
			if errs.Transient(submitErr) && attempt < o.cfg.MaxAttempts {
				select {
				case <-ctx.Done():
					return "", "", submitErr
				case <-time.After(jitter(delay, o.cfg.JitterFrac)):
				}
				delay *= 2
				continue
			}
			if !errs.Transient(submitErr) {
				o.recordFailure(step.Venue)
				return "", "", submitErr
			}
			return "", "", errs.New("orchestrator/step", errs.CodeVenueTerminal,
				errs.WithReason(errs.ReasonMaxAttemptsExceeded),
				errs.WithAttempt(attempt), errs.WithCause(submitErr))
		}

		if !e.emit(ctx, schema.TopicExecStepSubmitted, schema.ExecStepSubmitted{
			IntentID: plan.IntentID,
			PlanID:   plan.PlanID,
			TxHash:   tx,
			Attempt:  attempt,
		}) {
			return "", "", errs.New("orchestrator/step", errs.CodeInfra,
				errs.WithMessage("step_submitted publish failed"))
		}

		awaitDeadline := time.Now().Add(o.cfg.AwaitCap)
		if plan.Deadline.Before(awaitDeadline) {
			awaitDeadline = plan.Deadline
		}
		awaitCtx, cancelAwait := context.WithDeadline(ctx, awaitDeadline)
		receipt, awaitErr := adapter.Await(awaitCtx, tx)
		cancelAwait()
		if awaitErr != nil {
			if errs.CodeOf(awaitErr) == errs.CodeVenueTerminal {
				o.recordFailure(step.Venue)
				return "", "", awaitErr
			}
			if deadlineHit(awaitErr) || !time.Now().Before(awaitDeadline) {
				// the transaction may still land; resubmitting now
				// could double-fill, so the wait ends terminally.
				return "", "", errs.New("orchestrator/step", errs.CodeVenueTerminal,
					errs.WithReason(errs.ReasonDeadlineExceeded),
					errs.WithAttempt(attempt), errs.WithCause(awaitErr))
			}
			// reverted or dropped before inclusion: the nonce is settled
			// either way, so a fresh build-and-submit is safe.
			if attempt < o.cfg.MaxAttempts {
				select {
				case <-ctx.Done():
					return "", "", awaitErr
				case <-time.After(jitter(delay, o.cfg.JitterFrac)):
				}
				delay *= 2
				continue
			}
			reason := errs.ReasonOf(awaitErr)
			if reason == "" {
				reason = errs.ReasonMaxAttemptsExceeded
			}
			o.recordFailure(step.Venue)
			return "", "", errs.New("orchestrator/step", errs.CodeVenueTerminal,
				errs.WithReason(reason),
				errs.WithAttempt(attempt), errs.WithCause(awaitErr))
		}

		if o.breaker != nil {
			o.breaker.RecordSuccess(step.Venue)
		}
		out := receipt.AmountOut.String()
		if !e.emit(ctx, schema.TopicExecStepFilled, schema.ExecStepFilled{
			IntentID:  plan.IntentID,
			PlanID:    plan.PlanID,
			TxHash:    receipt.TxHash,
			AmountOut: out,
		}) {
			return "", "", errs.New("orchestrator/step", errs.CodeInfra,
				errs.WithMessage("step_filled publish failed"))
		}
		return receipt.TxHash, out, nil
	}
	return "", "", errs.New("orchestrator/step", errs.CodeVenueTerminal,
		errs.WithReason(errs.ReasonMaxAttemptsExceeded), errs.WithAttempt(o.cfg.MaxAttempts))
}

func (o *Orchestrator) fail(ctx context.Context, e *emitter, plan schema.ExecutionPlan, venueName string, cause error) {
	reason := errs.ReasonOf(cause)
	if reason == "" {
		reason = errs.ReasonReverted
	}
	observability.Telemetry().IncCounter(observability.MetricExecFailed, 1,
		map[string]string{"reason": string(reason), "venue": venueName})
	observability.Log().Info("plan execution failed",
		observability.String("plan_id", plan.PlanID),
		observability.String("reason", string(reason)),
		observability.Err(cause))
	e.emit(ctx, schema.TopicExecFailed, schema.ExecFailed{
		IntentID: plan.IntentID,
		PlanID:   plan.PlanID,
		Reason:   string(reason),
	})
}

func (o *Orchestrator) recordFailure(venueName string) {
	if o.breaker != nil {
		o.breaker.RecordFailure(venueName)
	}
}

func deadlineHit(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

func jitter(d time.Duration, frac float64) time.Duration {
	spread := 1 - frac + 2*frac*rand.Float64()
	return time.Duration(float64(d) * spread)
}

func planPayload(payload any) (schema.ExecutionPlan, bool) {
	switch v := payload.(type) {
	case schema.ExecutionPlan:
		return v, true
	case *schema.ExecutionPlan:
		return *v, true
	default:
		return schema.ExecutionPlan{}, false
	}
}
