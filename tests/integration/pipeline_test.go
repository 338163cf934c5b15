package integration

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/helixtrade/intentd/errs"
	"github.com/helixtrade/intentd/internal/bus"
	"github.com/helixtrade/intentd/internal/coordinator"
	"github.com/helixtrade/intentd/internal/intent"
	"github.com/helixtrade/intentd/internal/observability"
	"github.com/helixtrade/intentd/internal/orchestrator"
	"github.com/helixtrade/intentd/internal/planner"
	"github.com/helixtrade/intentd/internal/risk"
	"github.com/helixtrade/intentd/internal/route"
	"github.com/helixtrade/intentd/internal/schema"
	"github.com/helixtrade/intentd/internal/store/eventlog"
	"github.com/helixtrade/intentd/internal/store/readmodel"
	"github.com/helixtrade/intentd/internal/venue"
	"github.com/helixtrade/intentd/internal/venue/venuetest"
)

var (
	weth = schema.Asset{Symbol: "WETH", ChainID: 1, Address: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2", Decimals: 18}
	usdc = schema.Asset{Symbol: "USDC", ChainID: 1, Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", Decimals: 6}
)

const recipient = "0x000000000000000000000000000000000000dEaD"

type pipeline struct {
	manager *intent.Manager
	coord   *coordinator.Coordinator
	adapter *venuetest.Scripted
}

// startPipeline wires every stage over in-memory infrastructure, the same
// topology cmd/intentd builds, with a scripted venue in place of the chain.
func startPipeline(t *testing.T, outcomes ...venuetest.Outcome) pipeline {
	t.Helper()
	b := bus.NewMemoryBus(bus.MemoryConfig{})
	t.Cleanup(b.Close)
	log := eventlog.NewMemoryLog()
	t.Cleanup(log.Close)
	views := readmodel.NewMemoryStore()
	t.Cleanup(views.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	adapter := venuetest.NewScripted("scripted", outcomes...)
	breaker := risk.NewBreaker(risk.BreakerConfig{})
	gate := risk.NewGate(risk.Limits{}, []string{"scripted"}, breaker)
	prices := risk.NewStaticPrices(map[string]decimal.Decimal{
		"WETH": decimal.NewFromInt(2_500),
		"USDC": decimal.NewFromInt(1),
	})
	riskSvc := risk.NewService(breaker, b)

	engine := route.NewEngine(route.Config{Timeout: 500 * time.Millisecond}, route.Static{
		{Venue: "scripted", Base: weth, Quote: usdc, Price: decimal.NewFromInt(2_500), FeeBPS: 30},
	})
	plannerSvc := planner.New(engine, log, b, recipient)

	orch := orchestrator.New(orchestrator.Config{BackoffBase: 10 * time.Millisecond},
		venue.NewRegistry(adapter), breaker, b)

	coord := coordinator.New(coordinator.Config{}, log, views, b, observability.NewRuntimeMetrics())

	go func() { _ = coord.Run(ctx) }()
	go func() { _ = riskSvc.Run(ctx) }()
	go func() { _ = plannerSvc.Run(ctx) }()
	go func() { _ = orch.Run(ctx) }()
	time.Sleep(20 * time.Millisecond)

	return pipeline{
		manager: intent.NewManager(intent.Config{}, b, gate, prices),
		coord:   coord,
		adapter: adapter,
	}
}

func acquireIntent(amountIn int64) schema.Intent {
	return schema.Intent{
		Type:     schema.IntentTypeAcquire,
		Assets:   [2]schema.Asset{weth, usdc},
		AmountIn: decimal.NewFromInt(amountIn),
		Constraints: schema.Constraints{
			MaxSlippage:    decimal.RequireFromString("0.01"),
			TimeWindowMS:   60_000,
			ExecutionStyle: schema.ExecutionStyleAggressive,
		},
	}
}

func awaitState(t *testing.T, p pipeline, intentID string, want schema.IntentState) schema.IntentReadModel {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	var last schema.IntentReadModel
	for {
		view, err := p.coord.IntentView(context.Background(), intentID)
		if err == nil {
			last = view
			if view.State == want {
				return view
			}
			if view.State.Terminal() {
				t.Fatalf("intent settled in %s (%s), want %s", view.State, view.Reason, want)
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("intent never reached %s, last view: %+v", want, last)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAcquireIntentExecutesEndToEnd(t *testing.T) {
	p := startPipeline(t, venuetest.Outcome{AmountOut: decimal.RequireFromString("0.997")})

	intentID, err := p.manager.Submit(context.Background(), acquireIntent(2_500))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	view := awaitState(t, p, intentID, schema.IntentStateCompleted)
	if view.AmountOut != "0.997" {
		t.Errorf("AmountOut = %s, want 0.997", view.AmountOut)
	}
	if view.PlanID == "" || view.TxHash == "" {
		t.Errorf("completed view missing execution detail: %+v", view)
	}
	if p.adapter.Submits() != 1 {
		t.Errorf("adapter saw %d submits, want 1", p.adapter.Submits())
	}

	// the log holds the full contiguous lifecycle.
	events, err := p.coord.History(context.Background(), intentID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	want := []schema.Topic{
		schema.TopicIntentSubmitted,
		schema.TopicRiskApproved,
		schema.TopicIntentAccepted,
		schema.TopicPlanCreated,
		schema.TopicExecStarted,
		schema.TopicExecStepSubmitted,
		schema.TopicExecStepFilled,
		schema.TopicExecCompleted,
	}
	if len(events) != len(want) {
		t.Fatalf("history length = %d, want %d", len(events), len(want))
	}
	for i, env := range events {
		if env.Topic != want[i] {
			t.Errorf("event %d = %s, want %s", i, env.Topic, want[i])
		}
		if env.Sequence != int64(i+1) {
			t.Errorf("event %d sequence = %d, want %d", i, env.Sequence, i+1)
		}
		if i > 0 && (env.CausationID == nil || *env.CausationID != events[i-1].EventID) {
			t.Errorf("event %d causation broken", i)
		}
	}

	plan, err := p.coord.PlanView(context.Background(), view.PlanID)
	if err != nil {
		t.Fatalf("PlanView: %v", err)
	}
	if plan.Status != schema.PlanStatusCompleted || plan.Progress() != 1 {
		t.Errorf("plan view = %+v", plan)
	}
}

func TestOversizedIntentIsRejectedByRisk(t *testing.T) {
	p := startPipeline(t)

	// 20k USDC at the 1 USD reference price is double the notional cap.
	intentID, err := p.manager.Submit(context.Background(), acquireIntent(20_000))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	view := awaitState(t, p, intentID, schema.IntentStateRejected)
	if view.Reason != "NOTIONAL_LIMIT" {
		t.Errorf("reason = %s, want NOTIONAL_LIMIT", view.Reason)
	}
	if p.adapter.Submits() != 0 {
		t.Errorf("rejected intent must never reach a venue, saw %d submits", p.adapter.Submits())
	}

	events, err := p.coord.History(context.Background(), intentID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("history length = %d, want 2 (submitted, rejected)", len(events))
	}
	if events[1].Topic != schema.TopicRiskRejected {
		t.Errorf("final event = %s, want risk.rejected", events[1].Topic)
	}
}

func revertErr() error {
	return errs.New("venue/test", errs.CodeVenueTransient, errs.WithReason(errs.ReasonReverted))
}

// Every attempt reverts (the script repeats its last outcome), so the intent
// fails with the revert reason once the attempt budget is spent.
func TestVenueRevertSurfacesAsFailedIntent(t *testing.T) {
	p := startPipeline(t, venuetest.Outcome{AwaitErr: revertErr()})

	intentID, err := p.manager.Submit(context.Background(), acquireIntent(2_500))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	view := awaitState(t, p, intentID, schema.IntentStateFailed)
	if view.Reason != "REVERTED" {
		t.Errorf("reason = %s, want REVERTED", view.Reason)
	}
}
