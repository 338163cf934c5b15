package persistence_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/helixtrade/intentd/internal/id"
	"github.com/helixtrade/intentd/internal/schema"
	"github.com/helixtrade/intentd/internal/store/eventlog"
	"github.com/helixtrade/intentd/internal/store/migrations"
)

var (
	testPool    *pgxpool.Pool
	pgContainer testcontainers.Container
	setupErr    error
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "intentd"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		setupErr = fmt.Errorf("start postgres container: %w", err)
	} else {
		pgContainer = container
		setupErr = initialiseDatabase(ctx)
	}

	exitCode := 0
	if setupErr != nil {
		fmt.Fprintf(os.Stderr, "postgres contract tests skipped: %v\n", setupErr)
	}
	exitCode = m.Run()

	if testPool != nil {
		testPool.Close()
	}
	if pgContainer != nil {
		_ = pgContainer.Terminate(ctx)
	}
	os.Exit(exitCode)
}

func initialiseDatabase(ctx context.Context) error {
	host, err := pgContainer.Host(ctx)
	if err != nil {
		return fmt.Errorf("container host: %w", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}
	dsn := fmt.Sprintf("postgres://postgres:secret@%s:%s/intentd?sslmode=disable", host, port.Port())

	if err := migrations.Apply(ctx, dsn); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("pgx pool: %w", err)
	}
	testPool = pool
	return nil
}

func requireSetup(t *testing.T) {
	t.Helper()
	if setupErr != nil {
		t.Skipf("postgres contract setup unavailable: %v", setupErr)
	}
}

func mustEnvelope(t *testing.T, topic schema.Topic, payload any, correlationID string, causationID *string, sequence int64) schema.EventEnvelope {
	t.Helper()
	env, err := schema.NewEnvelope(topic, payload, correlationID, causationID, sequence)
	if err != nil {
		t.Fatalf("NewEnvelope(%s): %v", topic, err)
	}
	return env
}

func testIntent(intentID string) schema.Intent {
	return schema.Intent{
		IntentID: intentID,
		Type:     schema.IntentTypeAcquire,
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

func TestPostgresEventLogAppendSemantics(t *testing.T) {
	requireSetup(t)
	ctx := context.Background()
	log := eventlog.NewPostgresLog(testPool)

	intentID := id.New()
	correlation := schema.Correlation(intentID)
	intent := testIntent(intentID)
	submitted := mustEnvelope(t, schema.TopicIntentSubmitted, &intent, correlation, nil, 1)

	result, err := log.Append(ctx, submitted)
	if err != nil {
		t.Fatalf("append submitted: %v", err)
	}
	if result != eventlog.Appended {
		t.Fatalf("first append = %v, want Appended", result)
	}

	// replaying the same event id is swallowed, not an error.
	result, err = log.Append(ctx, submitted)
	if err != nil {
		t.Fatalf("replay submitted: %v", err)
	}
	if result != eventlog.DuplicateEvent {
		t.Fatalf("replayed append = %v, want DuplicateEvent", result)
	}

	// a different event fighting for the same (correlation, sequence) slot
	// loses to the first writer.
	rival := mustEnvelope(t, schema.TopicIntentFailed,
		&schema.IntentFailed{IntentID: intentID, Reason: "VALIDATION"}, correlation, nil, 1)
	result, err = log.Append(ctx, rival)
	if err != nil {
		t.Fatalf("append rival: %v", err)
	}
	if result != eventlog.SequenceConflict {
		t.Fatalf("rival append = %v, want SequenceConflict", result)
	}

	events, err := log.Correlation(ctx, correlation)
	if err != nil {
		t.Fatalf("correlation: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("correlation holds %d events, want 1", len(events))
	}
	if events[0].EventID != submitted.EventID || events[0].Topic != schema.TopicIntentSubmitted {
		t.Fatalf("slot winner = %s %s, want the first writer", events[0].EventID, events[0].Topic)
	}
	got, ok := events[0].Payload.(*schema.Intent)
	if !ok {
		t.Fatalf("payload decoded as %T, want *schema.Intent", events[0].Payload)
	}
	if got.IntentID != intentID || !got.AmountIn.Equal(intent.AmountIn) {
		t.Fatalf("payload round-trip mismatch: %+v", got)
	}
}

func TestPostgresEventLogCorrelationOrdering(t *testing.T) {
	requireSetup(t)
	ctx := context.Background()
	log := eventlog.NewPostgresLog(testPool)

	intentID := id.New()
	correlation := schema.Correlation(intentID)
	intent := testIntent(intentID)

	submitted := mustEnvelope(t, schema.TopicIntentSubmitted, &intent, correlation, nil, 1)
	approved := mustEnvelope(t, schema.TopicRiskApproved,
		&schema.RiskApproved{IntentID: intentID}, correlation, &submitted.EventID, 2)
	accepted := mustEnvelope(t, schema.TopicIntentAccepted,
		&schema.IntentAccepted{IntentID: intentID, Intent: intent}, correlation, &approved.EventID, 3)

	// append out of order; reads come back by sequence.
	for _, env := range []schema.EventEnvelope{accepted, submitted, approved} {
		result, err := log.Append(ctx, env)
		if err != nil {
			t.Fatalf("append %s: %v", env.Topic, err)
		}
		if result != eventlog.Appended {
			t.Fatalf("append %s = %v, want Appended", env.Topic, result)
		}
	}

	events, err := log.Correlation(ctx, correlation)
	if err != nil {
		t.Fatalf("correlation: %v", err)
	}
	wantTopics := []schema.Topic{schema.TopicIntentSubmitted, schema.TopicRiskApproved, schema.TopicIntentAccepted}
	if len(events) != len(wantTopics) {
		t.Fatalf("correlation holds %d events, want %d", len(events), len(wantTopics))
	}
	for i, env := range events {
		if env.Topic != wantTopics[i] {
			t.Errorf("event %d = %s, want %s", i, env.Topic, wantTopics[i])
		}
		if env.Sequence != int64(i+1) {
			t.Errorf("event %d sequence = %d, want %d", i, env.Sequence, i+1)
		}
	}

	last, err := log.LastSequence(ctx, correlation)
	if err != nil {
		t.Fatalf("last sequence: %v", err)
	}
	if last != 3 {
		t.Errorf("last sequence = %d, want 3", last)
	}

	last, err = log.LastSequence(ctx, schema.Correlation(id.New()))
	if err != nil {
		t.Fatalf("last sequence of empty correlation: %v", err)
	}
	if last != 0 {
		t.Errorf("empty correlation last sequence = %d, want 0", last)
	}
}

func TestPostgresEventLogSinceSequence(t *testing.T) {
	requireSetup(t)
	ctx := context.Background()
	log := eventlog.NewPostgresLog(testPool)

	intentID := id.New()
	correlation := schema.Correlation(intentID)
	intent := testIntent(intentID)

	submitted := mustEnvelope(t, schema.TopicIntentSubmitted, &intent, correlation, nil, 1)
	approved := mustEnvelope(t, schema.TopicRiskApproved,
		&schema.RiskApproved{IntentID: intentID}, correlation, &submitted.EventID, 2)
	accepted := mustEnvelope(t, schema.TopicIntentAccepted,
		&schema.IntentAccepted{IntentID: intentID, Intent: intent}, correlation, &approved.EventID, 3)
	for _, env := range []schema.EventEnvelope{submitted, approved, accepted} {
		if _, err := log.Append(ctx, env); err != nil {
			t.Fatalf("append %s: %v", env.Topic, err)
		}
	}

	// resume past sequence 1: the approved and accepted events, in order.
	events, err := log.SinceSequence(ctx, correlation, 1)
	if err != nil {
		t.Fatalf("since sequence: %v", err)
	}
	if len(events) != 2 || events[0].EventID != approved.EventID || events[1].EventID != accepted.EventID {
		t.Fatalf("resumed tail = %+v, want approved then accepted", events)
	}

	// resume at the tip yields nothing.
	events, err = log.SinceSequence(ctx, correlation, 3)
	if err != nil {
		t.Fatalf("since sequence at tip: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("tail at tip holds %d events, want 0", len(events))
	}
}
