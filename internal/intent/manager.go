// Package intent accepts trading intents into the pipeline: validate,
// throttle, gate through risk policy, and durably hand off the opening
// events of the correlation.
package intent

import (
	"context"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/helixtrade/intentd/errs"
	"github.com/helixtrade/intentd/internal/bus"
	"github.com/helixtrade/intentd/internal/id"
	"github.com/helixtrade/intentd/internal/observability"
	"github.com/helixtrade/intentd/internal/schema"
)

// Gate decides whether an intent passes risk policy. A nil error approves.
type Gate interface {
	Evaluate(intent schema.Intent, referencePriceUSD decimal.Decimal) error
}

// PriceSource supplies the USD reference price for notional checks.
type PriceSource interface {
	PriceUSD(ctx context.Context, asset schema.Asset) (decimal.Decimal, error)
}

// Config tunes admission.
type Config struct {
	// SubmitRate caps accepted intents per second; SubmitBurst is the
	// short-term allowance.
	SubmitRate  float64
	SubmitBurst int
	// PublishAttempts bounds handoff retries before the intent is refused.
	PublishAttempts int
}

func (c Config) normalize() Config {
	if c.SubmitRate <= 0 {
		c.SubmitRate = 50
	}
	if c.SubmitBurst <= 0 {
		c.SubmitBurst = 10
	}
	if c.PublishAttempts <= 0 {
		c.PublishAttempts = 3
	}
	return c
}

// Manager is the submission entry point.
type Manager struct {
	cfg     Config
	bus     bus.Bus
	gate    Gate
	prices  PriceSource
	limiter *rate.Limiter
}

// NewManager wires the manager to the bus and the risk gate.
func NewManager(cfg Config, b bus.Bus, gate Gate, prices PriceSource) *Manager {
	cfg = cfg.normalize()
	return &Manager{
		cfg:     cfg,
		bus:     b,
		gate:    gate,
		prices:  prices,
		limiter: rate.NewLimiter(rate.Limit(cfg.SubmitRate), cfg.SubmitBurst),
	}
}

// Submit validates and admits an intent, returning its id. A blank IntentID
// gets a fresh ULID. The correlation opens with intent.submitted, then the
// risk verdict: risk.approved followed by intent.accepted, or risk.rejected
// and nothing more. A rejected intent is still a successful submission; the
// caller reads the verdict from the projected state.
func (m *Manager) Submit(ctx context.Context, in schema.Intent) (string, error) {
	if in.IntentID == "" {
		in.IntentID = id.New()
	}
	if err := in.Validate(); err != nil {
		return "", err
	}
	if err := m.limiter.Wait(ctx); err != nil {
		return "", errs.New("intent/submit", errs.CodeUnavailable,
			errs.WithMessage("submission throttled"), errs.WithCause(err))
	}

	corr := schema.Correlation(in.IntentID)
	submitted, err := schema.NewEnvelope(schema.TopicIntentSubmitted, in, corr, nil, 1)
	if err != nil {
		return "", err
	}
	if err := m.publish(ctx, submitted); err != nil {
		return "", errs.New("intent/submit", errs.CodeInfra,
			errs.WithReason(errs.ReasonAcceptPublishFailed), errs.WithCause(err))
	}

	price, err := m.prices.PriceUSD(ctx, in.Funding())
	if err != nil {
		// the submitted event is already out; close the correlation so
		// readers see a terminal state rather than a stuck submission.
		m.markFailed(ctx, in.IntentID, corr, submitted.EventID, 2, errs.ReasonOf(err))
		return "", errs.New("intent/submit", errs.CodeInfra,
			errs.WithMessage("reference price unavailable"), errs.WithCause(err))
	}

	if verdict := m.gate.Evaluate(in, price); verdict != nil {
		return in.IntentID, m.reject(ctx, in.IntentID, corr, submitted.EventID, verdict)
	}

	cause := submitted.EventID
	approved, err := schema.NewEnvelope(schema.TopicRiskApproved,
		schema.RiskApproved{IntentID: in.IntentID}, corr, &cause, 2)
	if err != nil {
		return "", err
	}
	if err := m.publish(ctx, approved); err != nil {
		m.markFailed(ctx, in.IntentID, corr, cause, 2, errs.ReasonAcceptPublishFailed)
		return "", errs.New("intent/submit", errs.CodeInfra,
			errs.WithReason(errs.ReasonAcceptPublishFailed), errs.WithCause(err))
	}

	approvedID := approved.EventID
	accepted, err := schema.NewEnvelope(schema.TopicIntentAccepted,
		schema.IntentAccepted{IntentID: in.IntentID, Intent: in}, corr, &approvedID, 3)
	if err != nil {
		return "", err
	}
	if err := m.publish(ctx, accepted); err != nil {
		m.markFailed(ctx, in.IntentID, corr, approvedID, 3, errs.ReasonAcceptPublishFailed)
		return "", errs.New("intent/submit", errs.CodeInfra,
			errs.WithReason(errs.ReasonAcceptPublishFailed), errs.WithCause(err))
	}

	observability.Telemetry().IncCounter(observability.MetricIntentsAccepted, 1, nil)
	observability.Log().Info("intent accepted",
		observability.String("intent_id", in.IntentID),
		observability.String("type", string(in.Type)))
	return in.IntentID, nil
}

func (m *Manager) reject(ctx context.Context, intentID, corr, cause string, verdict error) error {
	reason := string(errs.ReasonOf(verdict))
	observability.Telemetry().IncCounter(observability.MetricIntentsRejected, 1,
		map[string]string{"reason": reason})
	observability.Log().Info("intent rejected",
		observability.String("intent_id", intentID),
		observability.String("reason", reason))
	rejected, err := schema.NewEnvelope(schema.TopicRiskRejected,
		schema.RiskRejected{IntentID: intentID, Reason: reason}, corr, &cause, 2)
	if err != nil {
		return err
	}
	if err := m.publish(ctx, rejected); err != nil {
		return errs.New("intent/submit", errs.CodeInfra,
			errs.WithMessage("rejection publish failed"), errs.WithCause(err))
	}
	return nil
}

func (m *Manager) publish(ctx context.Context, env schema.EventEnvelope) error {
	var lastErr error
	delay := 100 * time.Millisecond
	for attempt := 1; attempt <= m.cfg.PublishAttempts; attempt++ {
		_, err := m.bus.Publish(ctx, env)
		if err == nil {
			return nil
		}
		lastErr = err
		if attempt == m.cfg.PublishAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(jitter(delay)):
		}
		delay *= 2
	}
	return lastErr
}

func (m *Manager) markFailed(ctx context.Context, intentID, corr, cause string, seq int64, reason errs.Reason) {
	if reason == "" {
		reason = errs.ReasonAcceptPublishFailed
	}
	failed, err := schema.NewEnvelope(schema.TopicIntentFailed,
		schema.IntentFailed{IntentID: intentID, Reason: string(reason)},
		corr, &cause, seq)
	if err != nil {
		return
	}
	if err := m.publish(ctx, failed); err != nil {
		observability.Log().Error("mark intent failed",
			observability.String("intent_id", intentID), observability.Err(err))
	}
}

func jitter(d time.Duration) time.Duration {
	return time.Duration(float64(d) * (0.8 + 0.4*rand.Float64()))
}
