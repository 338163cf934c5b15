package intent

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/helixtrade/intentd/errs"
	"github.com/helixtrade/intentd/internal/bus"
	"github.com/helixtrade/intentd/internal/risk"
	"github.com/helixtrade/intentd/internal/schema"
)

func validIntent() schema.Intent {
	return schema.Intent{
		Type: schema.IntentTypeAcquire,
		Assets: [2]schema.Asset{
			{Symbol: "WETH", ChainID: 1, Address: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2", Decimals: 18},
			{Symbol: "USDC", ChainID: 1, Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", Decimals: 6},
		},
		AmountIn: decimal.NewFromInt(2_500),
		Constraints: schema.Constraints{
			MaxSlippage:    decimal.RequireFromString("0.01"),
			TimeWindowMS:   60_000,
			ExecutionStyle: schema.ExecutionStyleAggressive,
		},
	}
}

func testGate() *risk.Gate {
	return risk.NewGate(risk.Limits{}, []string{"uniswap_v3"}, nil)
}

func testPrices() *risk.StaticPrices {
	return risk.NewStaticPrices(map[string]decimal.Decimal{
		"WETH": decimal.NewFromInt(2_500),
		"USDC": decimal.NewFromInt(1),
	})
}

func newTestManager(cfg Config, b bus.Bus) *Manager {
	return NewManager(cfg, b, testGate(), testPrices())
}

func TestSubmitEmitsApprovedThenAccepted(t *testing.T) {
	b := bus.NewMemoryBus(bus.MemoryConfig{})
	t.Cleanup(b.Close)
	ctx := context.Background()

	intents, err := b.SubscribeQueue(ctx, "intent.*", "test-observer")
	if err != nil {
		t.Fatalf("SubscribeQueue: %v", err)
	}
	verdicts, err := b.SubscribeQueue(ctx, "risk.*", "test-observer")
	if err != nil {
		t.Fatalf("SubscribeQueue: %v", err)
	}

	m := newTestManager(Config{}, b)
	intentID, err := m.Submit(ctx, validIntent())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if intentID == "" {
		t.Fatal("Submit must mint an intent id")
	}

	submitted := <-intents
	submitted.Ack()
	approved := <-verdicts
	approved.Ack()
	accepted := <-intents
	accepted.Ack()

	if submitted.Envelope.Topic != schema.TopicIntentSubmitted || submitted.Envelope.Sequence != 1 {
		t.Fatalf("first event = %s seq %d", submitted.Envelope.Topic, submitted.Envelope.Sequence)
	}
	if submitted.Envelope.CausationID != nil {
		t.Error("intent.submitted is the root event, causation must be nil")
	}
	if approved.Envelope.Topic != schema.TopicRiskApproved || approved.Envelope.Sequence != 2 {
		t.Fatalf("second event = %s seq %d", approved.Envelope.Topic, approved.Envelope.Sequence)
	}
	if *approved.Envelope.CausationID != submitted.Envelope.EventID {
		t.Error("risk.approved must be caused by intent.submitted")
	}
	if accepted.Envelope.Topic != schema.TopicIntentAccepted || accepted.Envelope.Sequence != 3 {
		t.Fatalf("third event = %s seq %d", accepted.Envelope.Topic, accepted.Envelope.Sequence)
	}
	if *accepted.Envelope.CausationID != approved.Envelope.EventID {
		t.Error("intent.accepted must be caused by risk.approved")
	}
	payload := accepted.Envelope.Payload.(schema.IntentAccepted)
	if payload.IntentID != intentID || payload.Intent.IntentID != intentID {
		t.Error("accepted payload must carry the full intent")
	}
	if submitted.Envelope.CorrelationID != schema.Correlation(intentID) {
		t.Errorf("correlation = %s", submitted.Envelope.CorrelationID)
	}
}

func TestSubmitRejectedByGateStopsAtVerdict(t *testing.T) {
	b := bus.NewMemoryBus(bus.MemoryConfig{})
	t.Cleanup(b.Close)
	ctx := context.Background()

	intents, err := b.SubscribeQueue(ctx, "intent.*", "test-observer")
	if err != nil {
		t.Fatalf("SubscribeQueue: %v", err)
	}
	verdicts, err := b.SubscribeQueue(ctx, "risk.*", "test-observer")
	if err != nil {
		t.Fatalf("SubscribeQueue: %v", err)
	}

	m := newTestManager(Config{}, b)
	in := validIntent()
	in.AmountIn = decimal.NewFromInt(50_000) // past the notional cap at $1
	intentID, err := m.Submit(ctx, in)
	if err != nil {
		t.Fatalf("rejection is still a successful submission: %v", err)
	}

	submitted := <-intents
	submitted.Ack()
	rejected := <-verdicts
	rejected.Ack()

	if rejected.Envelope.Topic != schema.TopicRiskRejected || rejected.Envelope.Sequence != 2 {
		t.Fatalf("verdict = %s seq %d", rejected.Envelope.Topic, rejected.Envelope.Sequence)
	}
	payload := rejected.Envelope.Payload.(schema.RiskRejected)
	if payload.IntentID != intentID || payload.Reason != "NOTIONAL_LIMIT" {
		t.Errorf("rejection payload = %+v", payload)
	}

	// nothing follows a rejection.
	select {
	case d := <-intents:
		t.Fatalf("rejected intent leaked %s", d.Envelope.Topic)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubmitRejectsInvalidIntentSynchronously(t *testing.T) {
	b := bus.NewMemoryBus(bus.MemoryConfig{})
	t.Cleanup(b.Close)
	ctx := context.Background()

	events, err := b.SubscribeQueue(ctx, "intent.*", "test-observer")
	if err != nil {
		t.Fatalf("SubscribeQueue: %v", err)
	}

	m := newTestManager(Config{}, b)
	in := validIntent()
	in.AmountIn = decimal.Zero
	if _, err := m.Submit(ctx, in); errs.CodeOf(err) != errs.CodeInvalid {
		t.Fatalf("expected invalid_request, got %v", err)
	}

	select {
	case d := <-events:
		t.Fatalf("invalid intent leaked an event: %s", d.Envelope.Topic)
	case <-time.After(50 * time.Millisecond):
	}
}

type failingBus struct {
	bus.Bus
	failFirst int // publishes to fail outright
	calls     int
}

func (f *failingBus) Publish(ctx context.Context, env schema.EventEnvelope) (bus.PublishStatus, error) {
	f.calls++
	if f.calls <= f.failFirst {
		return bus.PublishFailed, errors.New("broker down")
	}
	return f.Bus.Publish(ctx, env)
}

func TestSubmitRetriesPublish(t *testing.T) {
	inner := bus.NewMemoryBus(bus.MemoryConfig{})
	t.Cleanup(inner.Close)
	b := &failingBus{Bus: inner, failFirst: 1}

	m := newTestManager(Config{}, b)
	if _, err := m.Submit(context.Background(), validIntent()); err != nil {
		t.Fatalf("one flaky publish must be retried, got %v", err)
	}
}

func TestSubmitSurfacesAcceptPublishFailed(t *testing.T) {
	inner := bus.NewMemoryBus(bus.MemoryConfig{})
	t.Cleanup(inner.Close)
	b := &failingBus{Bus: inner, failFirst: 100} // everything fails

	m := newTestManager(Config{PublishAttempts: 2}, b)
	_, err := m.Submit(context.Background(), validIntent())
	if errs.ReasonOf(err) != errs.ReasonAcceptPublishFailed {
		t.Fatalf("expected ACCEPT_PUBLISH_FAILED, got %v", err)
	}
}

type failingPrices struct{}

func (failingPrices) PriceUSD(context.Context, schema.Asset) (decimal.Decimal, error) {
	return decimal.Zero, errors.New("oracle timeout")
}

func TestSubmitClosesCorrelationOnPriceFailure(t *testing.T) {
	b := bus.NewMemoryBus(bus.MemoryConfig{})
	t.Cleanup(b.Close)
	ctx := context.Background()

	events, err := b.SubscribeQueue(ctx, "intent.*", "test-observer")
	if err != nil {
		t.Fatalf("SubscribeQueue: %v", err)
	}

	m := NewManager(Config{}, b, testGate(), failingPrices{})
	if _, err := m.Submit(ctx, validIntent()); errs.CodeOf(err) != errs.CodeInfra {
		t.Fatalf("expected infra error, got %v", err)
	}

	submitted := <-events
	submitted.Ack()
	failed := <-events
	failed.Ack()
	if failed.Envelope.Topic != schema.TopicIntentFailed || failed.Envelope.Sequence != 2 {
		t.Fatalf("correlation not closed: %s seq %d", failed.Envelope.Topic, failed.Envelope.Sequence)
	}
}

func TestSubmitThrottles(t *testing.T) {
	b := bus.NewMemoryBus(bus.MemoryConfig{})
	t.Cleanup(b.Close)

	m := newTestManager(Config{SubmitRate: 1, SubmitBurst: 1}, b)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := m.Submit(ctx, validIntent()); err != nil {
		t.Fatalf("first submit within burst must pass: %v", err)
	}
	_, err := m.Submit(ctx, validIntent())
	if errs.CodeOf(err) != errs.CodeUnavailable {
		t.Fatalf("throttled submit should surface unavailable, got %v", err)
	}
}
