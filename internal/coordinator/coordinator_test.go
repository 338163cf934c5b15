package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/helixtrade/intentd/internal/bus"
	"github.com/helixtrade/intentd/internal/observability"
	"github.com/helixtrade/intentd/internal/schema"
	"github.com/helixtrade/intentd/internal/store/eventlog"
	"github.com/helixtrade/intentd/internal/store/readmodel"
)

var (
	weth = schema.Asset{Symbol: "WETH", ChainID: 1, Address: "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2", Decimals: 18}
	usdc = schema.Asset{Symbol: "USDC", ChainID: 1, Address: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48", Decimals: 6}
)

func testIntent(intentID string) schema.Intent {
	return schema.Intent{
		IntentID: intentID,
		Type:     schema.IntentTypeAcquire,
		Assets:   [2]schema.Asset{weth, usdc},
		AmountIn: decimal.NewFromInt(2_500),
		Constraints: schema.Constraints{
			MaxSlippage:    decimal.RequireFromString("0.01"),
			TimeWindowMS:   60_000,
			ExecutionStyle: schema.ExecutionStyleAggressive,
		},
	}
}

// lifecycle builds the full happy-path event chain for one intent: submitted,
// approved, accepted, planned, then the four execution events.
func lifecycle(t *testing.T, intentID, planID string) []schema.EventEnvelope {
	t.Helper()
	in := testIntent(intentID)
	corr := schema.Correlation(intentID)
	plan := schema.ExecutionPlan{
		PlanID:   planID,
		IntentID: intentID,
		Steps: []schema.PlanStep{{
			Venue:     "uniswap_v3",
			Base:      weth,
			Quote:     usdc,
			AmountIn:  decimal.NewFromInt(2_500),
			MinOut:    decimal.RequireFromString("0.98"),
			Recipient: "0x000000000000000000000000000000000000dEaD",
		}},
		EstimatedCost:       decimal.RequireFromString("7.5"),
		EstimatedDurationMS: 15_000,
		Deadline:            time.Now().Add(time.Minute),
	}

	steps := []struct {
		topic   schema.Topic
		payload any
	}{
		{schema.TopicIntentSubmitted, in},
		{schema.TopicRiskApproved, schema.RiskApproved{IntentID: intentID}},
		{schema.TopicIntentAccepted, schema.IntentAccepted{IntentID: intentID, Intent: in}},
		{schema.TopicPlanCreated, plan},
		{schema.TopicExecStarted, schema.ExecStarted{IntentID: intentID, PlanID: planID}},
		{schema.TopicExecStepSubmitted, schema.ExecStepSubmitted{IntentID: intentID, PlanID: planID, TxHash: "0xabc", Attempt: 1}},
		{schema.TopicExecStepFilled, schema.ExecStepFilled{IntentID: intentID, PlanID: planID, TxHash: "0xabc", AmountOut: "0.997"}},
		{schema.TopicExecCompleted, schema.ExecCompleted{IntentID: intentID, PlanID: planID, TxHash: "0xabc", AmountOut: "0.997"}},
	}

	out := make([]schema.EventEnvelope, 0, len(steps))
	var cause *string
	for i, s := range steps {
		env, err := schema.NewEnvelope(s.topic, s.payload, corr, cause, int64(i+1))
		if err != nil {
			t.Fatalf("NewEnvelope %s: %v", s.topic, err)
		}
		out = append(out, env)
		id := env.EventID
		cause = &id
	}
	return out
}

type fixture struct {
	c     *Coordinator
	log   *eventlog.MemoryLog
	views *readmodel.MemoryStore
}

func newFixture(t *testing.T, cfg Config) fixture {
	t.Helper()
	log := eventlog.NewMemoryLog()
	t.Cleanup(log.Close)
	views := readmodel.NewMemoryStore()
	t.Cleanup(views.Close)
	c := New(cfg, log, views, nil, observability.NewRuntimeMetrics())
	return fixture{c: c, log: log, views: views}
}

// deliver hands an envelope straight to the single-writer loop body.
func deliver(f fixture, env schema.EventEnvelope) {
	f.c.handle(context.Background(), bus.NewDelivery(env, 1, nil, nil))
}

func TestLifecycleProjectedOverBus(t *testing.T) {
	b := bus.NewMemoryBus(bus.MemoryConfig{})
	t.Cleanup(b.Close)
	log := eventlog.NewMemoryLog()
	t.Cleanup(log.Close)
	views := readmodel.NewMemoryStore()
	t.Cleanup(views.Close)

	c := New(Config{}, log, views, b, observability.NewRuntimeMetrics())
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = c.Run(ctx) }()
	time.Sleep(10 * time.Millisecond)

	const intentID = "01JD0000000000000000000060"
	const planID = "plan-01JD0000000000000000000061"
	for _, env := range lifecycle(t, intentID, planID) {
		if _, err := b.Publish(ctx, env); err != nil {
			t.Fatalf("Publish %s: %v", env.Topic, err)
		}
	}

	var view schema.IntentReadModel
	deadline := time.Now().Add(3 * time.Second)
	for {
		v, err := c.IntentView(ctx, intentID)
		if err == nil && v.State == schema.IntentStateCompleted {
			view = v
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("intent never completed, last view: %+v err: %v", v, err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	if view.PlanID != planID || view.TxHash != "0xabc" || view.AmountOut != "0.997" {
		t.Errorf("view = %+v", view)
	}
	if view.LastSequence != 8 || view.EventsApplied != 8 {
		t.Errorf("LastSequence = %d, EventsApplied = %d, want 8, 8", view.LastSequence, view.EventsApplied)
	}

	plan, err := c.PlanView(ctx, planID)
	if err != nil {
		t.Fatalf("PlanView: %v", err)
	}
	if plan.Status != schema.PlanStatusCompleted || plan.StepsFilled != 1 || plan.Progress() != 1 {
		t.Errorf("plan view = %+v", plan)
	}

	listed, err := c.ListByState(ctx, schema.IntentStateCompleted, 10)
	if err != nil || len(listed) != 1 || listed[0].IntentID != intentID {
		t.Errorf("ListByState = %+v, %v", listed, err)
	}
}

func TestDuplicateEventAppliedOnce(t *testing.T) {
	f := newFixture(t, Config{})
	events := lifecycle(t, "01JD0000000000000000000062", "plan-x")

	deliver(f, events[0])
	deliver(f, events[0])

	view, err := f.c.IntentView(context.Background(), "01JD0000000000000000000062")
	if err != nil {
		t.Fatalf("IntentView: %v", err)
	}
	if view.EventsApplied != 1 {
		t.Errorf("EventsApplied = %d, want 1", view.EventsApplied)
	}
}

func TestSequenceConflictFirstWriterWins(t *testing.T) {
	f := newFixture(t, Config{})
	const intentID = "01JD0000000000000000000063"
	events := lifecycle(t, intentID, "plan-x")
	deliver(f, events[0])
	deliver(f, events[1])

	// a competing writer claims slot 2 with a different event.
	rival, err := schema.NewEnvelope(schema.TopicRiskRejected,
		schema.RiskRejected{IntentID: intentID, Reason: "NOTIONAL_LIMIT"},
		schema.Correlation(intentID), nil, 2)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	deliver(f, rival)

	view, err := f.c.IntentView(context.Background(), intentID)
	if err != nil {
		t.Fatalf("IntentView: %v", err)
	}
	if view.State != schema.IntentStateSubmitted || view.LastEventID != events[1].EventID {
		t.Errorf("loser overwrote the slot: %+v", view)
	}
	snap := f.c.runtime.Snapshot()
	if snap.ConflictsDropped[schema.Correlation(intentID)] != 1 {
		t.Errorf("conflicts dropped = %v", snap.ConflictsDropped)
	}
}

func TestGapBufferedThenResolved(t *testing.T) {
	f := newFixture(t, Config{})
	const intentID = "01JD0000000000000000000064"
	events := lifecycle(t, intentID, "plan-x")

	deliver(f, events[0]) // seq 1
	deliver(f, events[2]) // seq 3 arrives early
	ctx := context.Background()

	view, err := f.c.IntentView(ctx, intentID)
	if err != nil {
		t.Fatalf("IntentView: %v", err)
	}
	if view.LastSequence != 1 {
		t.Fatalf("out-of-order event applied early: %+v", view)
	}

	deliver(f, events[1]) // seq 2 fills the gap

	view, err = f.c.IntentView(ctx, intentID)
	if err != nil {
		t.Fatalf("IntentView: %v", err)
	}
	if view.State != schema.IntentStateAccepted || view.LastSequence != 3 || view.EventsApplied != 3 {
		t.Errorf("gap not drained in order: %+v", view)
	}
}

func TestGapOverflowFailsForward(t *testing.T) {
	f := newFixture(t, Config{GapLimit: 1})
	const intentID = "01JD0000000000000000000065"
	const planID = "plan-01JD0000000000000000000066"
	events := lifecycle(t, intentID, planID)

	deliver(f, events[0]) // seq 1
	deliver(f, events[2]) // seq 3 (intent.accepted) buffered; seq 2 never arrives
	deliver(f, events[3]) // seq 4 (plan.created) overflows the buffer

	view, err := f.c.IntentView(context.Background(), intentID)
	if err != nil {
		t.Fatalf("IntentView: %v", err)
	}
	if view.State != schema.IntentStatePlanned || view.PlanID != planID {
		t.Errorf("fail-forward did not apply buffered events: %+v", view)
	}
	if view.LastSequence != 4 {
		t.Errorf("LastSequence = %d, want 4", view.LastSequence)
	}
}

func TestTerminalStateAbsorbs(t *testing.T) {
	f := newFixture(t, Config{})
	const intentID = "01JD0000000000000000000067"
	events := lifecycle(t, intentID, "plan-x")
	deliver(f, events[0])

	cause := events[0].EventID
	rejected, err := schema.NewEnvelope(schema.TopicRiskRejected,
		schema.RiskRejected{IntentID: intentID, Reason: "NOTIONAL_LIMIT"},
		schema.Correlation(intentID), &cause, 2)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	deliver(f, rejected)

	// a straggling plan event after the terminal verdict must be ignored.
	late, err := schema.NewEnvelope(schema.TopicPlanCreated, schema.ExecutionPlan{
		PlanID:   "plan-late",
		IntentID: intentID,
		Steps:    []schema.PlanStep{{Venue: "uniswap_v3", Base: weth, Quote: usdc, AmountIn: decimal.NewFromInt(1), MinOut: decimal.NewFromInt(1), Recipient: "0x000000000000000000000000000000000000dEaD"}},
		Deadline: time.Now().Add(time.Minute),
	}, schema.Correlation(intentID), &cause, 3)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	deliver(f, late)

	view, err := f.c.IntentView(context.Background(), intentID)
	if err != nil {
		t.Fatalf("IntentView: %v", err)
	}
	if view.State != schema.IntentStateRejected || view.Reason != "NOTIONAL_LIMIT" {
		t.Errorf("terminal state mutated: %+v", view)
	}
	if view.PlanID != "" {
		t.Error("rejected intent must not pick up a plan")
	}
}

func TestForeignCorrelationAppendsWithoutProjection(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	const intentID = "01JD000000000000000000006C"

	env, err := schema.NewEnvelope(schema.TopicIntentSubmitted, testIntent(intentID),
		"order-"+intentID, nil, 1)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	deliver(f, env)

	// the event is durable, but a correlation outside the intent namespace
	// must not feed any view.
	stored, err := f.log.Correlation(ctx, "order-"+intentID)
	if err != nil || len(stored) != 1 {
		t.Fatalf("log = %d events, %v; want 1 appended", len(stored), err)
	}
	if _, err := f.c.IntentView(ctx, intentID); err == nil {
		t.Error("foreign correlation must not project an intent view")
	}
}

func TestExecFailedFoldsFromAnyLiveState(t *testing.T) {
	f := newFixture(t, Config{})
	const intentID = "01JD000000000000000000006D"
	events := lifecycle(t, intentID, "plan-x")
	// submitted, approved, accepted: the plan events never arrive.
	deliver(f, events[0])
	deliver(f, events[1])
	deliver(f, events[2])

	cause := events[2].EventID
	failed, err := schema.NewEnvelope(schema.TopicExecFailed,
		schema.ExecFailed{IntentID: intentID, PlanID: "plan-x", Reason: "REVERTED"},
		schema.Correlation(intentID), &cause, 4)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	deliver(f, failed)

	view, err := f.c.IntentView(context.Background(), intentID)
	if err != nil {
		t.Fatalf("IntentView: %v", err)
	}
	if view.State != schema.IntentStateFailed || view.Reason != "REVERTED" {
		t.Errorf("exec.failed did not fold from a live state: %+v", view)
	}
}

func TestRebuildMatchesLiveProjection(t *testing.T) {
	f := newFixture(t, Config{})
	const intentID = "01JD0000000000000000000068"
	const planID = "plan-01JD0000000000000000000069"
	events := lifecycle(t, intentID, planID)
	for _, env := range events {
		deliver(f, env)
	}
	ctx := context.Background()

	live, err := f.c.IntentView(ctx, intentID)
	if err != nil {
		t.Fatalf("IntentView: %v", err)
	}

	// wipe the projection by rebuilding into a fresh store.
	rebuiltViews := readmodel.NewMemoryStore()
	t.Cleanup(rebuiltViews.Close)
	rebuilt := New(Config{}, f.log, rebuiltViews, nil, nil)

	got, err := rebuilt.Rebuild(ctx, intentID)
	if err != nil {
		t.Fatalf("Rebuild: %v", err)
	}
	if got != live {
		t.Errorf("rebuilt view diverges:\n live: %+v\nrebuilt: %+v", live, got)
	}

	plan, err := rebuilt.PlanView(ctx, planID)
	if err != nil {
		t.Fatalf("PlanView after rebuild: %v", err)
	}
	if plan.Status != schema.PlanStatusCompleted {
		t.Errorf("rebuilt plan = %+v", plan)
	}
}

func TestRebuildUnknownIntent(t *testing.T) {
	f := newFixture(t, Config{})
	if _, err := f.c.Rebuild(context.Background(), "01JD000000000000000000006A"); err == nil {
		t.Fatal("rebuild of an unknown intent must fail")
	}
}

func TestHistoryReturnsOrderedStream(t *testing.T) {
	f := newFixture(t, Config{})
	const intentID = "01JD000000000000000000006B"
	events := lifecycle(t, intentID, "plan-x")
	// deliver out of order; the log still serves them sorted by sequence.
	deliver(f, events[0])
	deliver(f, events[2])
	deliver(f, events[1])

	got, err := f.c.History(context.Background(), intentID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("history length = %d, want 3", len(got))
	}
	for i, env := range got {
		if env.Sequence != int64(i+1) {
			t.Errorf("event %d sequence = %d", i, env.Sequence)
		}
	}
}
