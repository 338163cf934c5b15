// Package coordinator is the single writer of the event log. It consumes every
// domain event, appends it idempotently, keeps per-correlation sequences
// contiguous, and projects the read models the query API serves.
package coordinator

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/helixtrade/intentd/errs"
	"github.com/helixtrade/intentd/internal/bus"
	"github.com/helixtrade/intentd/internal/observability"
	"github.com/helixtrade/intentd/internal/schema"
	"github.com/helixtrade/intentd/internal/store/eventlog"
	"github.com/helixtrade/intentd/internal/store/readmodel"
)

// QueueGroup is the durable consumer group shared by coordinator replicas.
const QueueGroup = "coordinator"

// Config tunes the single-writer loop.
type Config struct {
	// GapLimit caps out-of-order events buffered per correlation before the
	// coordinator fails forward.
	GapLimit int
	// GapWait is how long a buffered event may wait for its predecessors.
	GapWait time.Duration
	// ProjectionBackoff is the initial delay between projection store
	// retries; retries continue until the store recovers.
	ProjectionBackoff time.Duration
	// SeenWindow bounds how long processed event ids are remembered.
	SeenWindow time.Duration
}

func (c Config) normalize() Config {
	if c.GapLimit <= 0 {
		c.GapLimit = 256
	}
	if c.GapWait <= 0 {
		c.GapWait = 30 * time.Second
	}
	if c.ProjectionBackoff <= 0 {
		c.ProjectionBackoff = 100 * time.Millisecond
	}
	if c.SeenWindow <= 0 {
		c.SeenWindow = 2 * time.Minute
	}
	return c
}

type buffered struct {
	env     schema.EventEnvelope
	arrived time.Time
}

// Coordinator owns all writes to the event log and the read models. One
// goroutine applies events; everything else reads.
type Coordinator struct {
	cfg     Config
	log     eventlog.Log
	views   readmodel.Store
	bus     bus.Bus
	runtime *observability.RuntimeMetrics

	mu sync.Mutex
	// seen holds recently processed event ids; next holds the expected
	// sequence per correlation; gaps parks out-of-order envelopes.
	seen map[string]time.Time
	next map[string]int64
	gaps map[string]map[int64]buffered
}

// New wires the coordinator. runtime may be nil.
func New(cfg Config, log eventlog.Log, views readmodel.Store, b bus.Bus, runtime *observability.RuntimeMetrics) *Coordinator {
	return &Coordinator{
		cfg:     cfg.normalize(),
		log:     log,
		views:   views,
		bus:     b,
		runtime: runtime,
		seen:    make(map[string]time.Time),
		next:    make(map[string]int64),
		gaps:    make(map[string]map[int64]buffered),
	}
}

// Run consumes every domain pattern until ctx is cancelled. Deliveries from
// all patterns funnel into one goroutine so log appends and projection writes
// never race.
func (c *Coordinator) Run(ctx context.Context) error {
	merged := make(chan bus.Delivery)
	var wg conc.WaitGroup
	for _, pattern := range schema.DomainPatterns {
		deliveries, err := c.bus.SubscribeQueue(ctx, pattern, QueueGroup)
		if err != nil {
			return errs.New("coordinator/run", errs.CodeInfra,
				errs.WithMessage("subscribe "+pattern), errs.WithCause(err))
		}
		wg.Go(func() {
			for d := range deliveries {
				select {
				case merged <- d:
				case <-ctx.Done():
					return
				}
			}
		})
	}
	go func() {
		wg.Wait()
		close(merged)
	}()

	tick := time.NewTicker(time.Second)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-merged:
			if !ok {
				return nil
			}
			c.handle(ctx, d)
		case <-tick.C:
			c.sweep(ctx)
		}
	}
}

func (c *Coordinator) handle(ctx context.Context, d bus.Delivery) {
	env := d.Envelope

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, dup := c.seen[env.EventID]; dup {
		observability.Telemetry().IncCounter(observability.MetricDedupSuppressed, 1, nil)
		d.Ack()
		return
	}

	nextSeq, err := c.expected(ctx, env.CorrelationID)
	if err != nil {
		observability.Log().Error("load last sequence",
			observability.String("correlation_id", env.CorrelationID), observability.Err(err))
		d.Nack()
		return
	}

	result, err := c.log.Append(ctx, env)
	if err != nil {
		observability.Log().Error("append event",
			observability.String("event_id", env.EventID), observability.Err(err))
		d.Nack()
		return
	}

	switch result {
	case eventlog.DuplicateEvent:
		observability.Telemetry().IncCounter(observability.MetricDedupSuppressed, 1, nil)
	case eventlog.SequenceConflict:
		// first writer already owns the slot; this envelope is dropped.
		observability.Telemetry().IncCounter(observability.MetricSequenceConflicts, 1, nil)
		if c.runtime != nil {
			c.runtime.IncrementConflictsDropped(env.CorrelationID)
		}
		observability.Log().Info("sequence conflict dropped",
			observability.String("event_id", env.EventID),
			observability.String("correlation_id", env.CorrelationID),
			observability.Int64("sequence", env.Sequence))
	case eventlog.Appended:
		observability.Telemetry().IncCounter(observability.MetricEventsAppended, 1,
			map[string]string{"topic": string(env.Topic)})
		switch {
		case env.Sequence == nextSeq:
			c.apply(ctx, env)
			c.drain(ctx, env.CorrelationID)
		case env.Sequence > nextSeq:
			c.buffer(ctx, env)
		default:
			// slot was free but the projection already moved past it; the
			// event is durable in the log and Rebuild will pick it up.
			observability.Log().Info("late append behind projection",
				observability.String("event_id", env.EventID),
				observability.Int64("sequence", env.Sequence))
		}
	}

	c.seen[env.EventID] = time.Now()
	d.Ack()
}

// expected returns the next in-order sequence for a correlation, priming from
// the log on first sight.
func (c *Coordinator) expected(ctx context.Context, correlationID string) (int64, error) {
	if seq, ok := c.next[correlationID]; ok {
		return seq, nil
	}
	last, err := c.log.LastSequence(ctx, correlationID)
	if err != nil {
		return 0, err
	}
	c.next[correlationID] = last + 1
	return last + 1, nil
}

// apply folds one in-order envelope into the read models and advances the
// expected sequence. Store writes retry until they succeed; the event is
// already durable, so losing the projection is never an option.
func (c *Coordinator) apply(ctx context.Context, env schema.EventEnvelope) {
	c.next[env.CorrelationID] = env.Sequence + 1

	intentID, ok := schema.IntentIDFromCorrelation(env.CorrelationID)
	if !ok {
		observability.Log().Error("unroutable correlation",
			observability.String("correlation_id", env.CorrelationID))
		return
	}

	view, err := c.getIntentView(ctx, intentID)
	if err != nil {
		return
	}
	reduced, err := reduceIntent(view, env)
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			observability.Telemetry().IncCounter(observability.MetricInvalidTransition, 1,
				map[string]string{"topic": string(env.Topic)})
			observability.Log().Info("event skipped by projection",
				observability.String("event_id", env.EventID),
				observability.String("topic", string(env.Topic)),
				observability.String("state", string(view.State)))
		}
		return
	}
	c.retryPut(ctx, env.CorrelationID, func() error { return c.views.PutIntent(ctx, reduced) })

	if reduced.PlanID == "" {
		return
	}
	planView, err := c.getPlanView(ctx, reduced.PlanID)
	if err != nil {
		return
	}
	if planReduced, changed := reducePlan(planView, env); changed {
		c.retryPut(ctx, env.CorrelationID, func() error { return c.views.PutPlan(ctx, planReduced) })
	}
}

func (c *Coordinator) getIntentView(ctx context.Context, intentID string) (schema.IntentReadModel, error) {
	view, err := c.views.GetIntent(ctx, intentID)
	if err != nil {
		if errs.CodeOf(err) == errs.CodeNotFound {
			return schema.IntentReadModel{}, nil
		}
		observability.Log().Error("load intent view",
			observability.String("intent_id", intentID), observability.Err(err))
		return schema.IntentReadModel{}, err
	}
	return view, nil
}

func (c *Coordinator) getPlanView(ctx context.Context, planID string) (schema.PlanReadModel, error) {
	view, err := c.views.GetPlan(ctx, planID)
	if err != nil {
		if errs.CodeOf(err) == errs.CodeNotFound {
			return schema.PlanReadModel{}, nil
		}
		observability.Log().Error("load plan view",
			observability.String("plan_id", planID), observability.Err(err))
		return schema.PlanReadModel{}, err
	}
	return view, nil
}

// retryPut writes a projection until the store takes it or ctx ends.
func (c *Coordinator) retryPut(ctx context.Context, correlationID string, put func() error) {
	delay := c.cfg.ProjectionBackoff
	for {
		err := put()
		if err == nil {
			return
		}
		observability.Telemetry().IncCounter(observability.MetricProjectionRetries, 1, nil)
		if c.runtime != nil {
			c.runtime.IncrementProjectionRetries(correlationID)
		}
		observability.Log().Error("projection write failed, retrying",
			observability.String("correlation_id", correlationID), observability.Err(err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if delay < 5*time.Second {
			delay *= 2
		}
	}
}

// buffer parks an out-of-order envelope until its predecessors arrive.
// Overflowing the per-correlation budget fails forward immediately.
func (c *Coordinator) buffer(ctx context.Context, env schema.EventEnvelope) {
	pending, ok := c.gaps[env.CorrelationID]
	if !ok {
		pending = make(map[int64]buffered)
		c.gaps[env.CorrelationID] = pending
	}
	if _, held := pending[env.Sequence]; !held {
		observability.Telemetry().IncCounter(observability.MetricSequenceGaps, 1, nil)
	}
	pending[env.Sequence] = buffered{env: env, arrived: time.Now()}
	if c.runtime != nil {
		c.runtime.RecordGapBuffered(env.CorrelationID, len(pending))
	}
	if len(pending) >= c.cfg.GapLimit {
		c.failForward(ctx, env.CorrelationID)
	}
}

// drain applies buffered events that the newly applied one unblocked.
func (c *Coordinator) drain(ctx context.Context, correlationID string) {
	pending := c.gaps[correlationID]
	for {
		b, ok := pending[c.next[correlationID]]
		if !ok {
			break
		}
		delete(pending, b.env.Sequence)
		c.apply(ctx, b.env)
		observability.Telemetry().IncCounter(observability.MetricGapResolved, 1, nil)
	}
	if len(pending) == 0 {
		delete(c.gaps, correlationID)
	}
	if c.runtime != nil {
		c.runtime.RecordGapBuffered(correlationID, len(pending))
	}
}

// sweep ages out stale gap buffers and pruned seen ids.
func (c *Coordinator) sweep(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for correlationID, pending := range c.gaps {
		for _, b := range pending {
			if now.Sub(b.arrived) >= c.cfg.GapWait {
				c.failForward(ctx, correlationID)
				break
			}
		}
	}
	for id, at := range c.seen {
		if now.Sub(at) >= c.cfg.SeenWindow {
			delete(c.seen, id)
		}
	}
}

// failForward abandons the wait for missing predecessors and applies what we
// have in sequence order. The log keeps whatever arrives later; only the live
// projection skips ahead.
func (c *Coordinator) failForward(ctx context.Context, correlationID string) {
	pending := c.gaps[correlationID]
	if len(pending) == 0 {
		return
	}
	seqs := make([]int64, 0, len(pending))
	for seq := range pending {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })

	observability.Telemetry().IncCounter(observability.MetricGapAbandoned, 1, nil)
	observability.Log().Error("sequence gap abandoned, failing forward",
		observability.String("correlation_id", correlationID),
		observability.Int64("from", c.next[correlationID]),
		observability.Int64("to", seqs[0]))

	for _, seq := range seqs {
		b := pending[seq]
		delete(pending, seq)
		c.next[correlationID] = seq // apply advances it past seq
		c.apply(ctx, b.env)
	}
	delete(c.gaps, correlationID)
	if c.runtime != nil {
		c.runtime.RecordGapBuffered(correlationID, 0)
	}
}

// Rebuild replays a correlation's log through the reducers and overwrites the
// read models. Projections are disposable; the log is not.
func (c *Coordinator) Rebuild(ctx context.Context, intentID string) (schema.IntentReadModel, error) {
	correlationID := schema.Correlation(intentID)
	events, err := c.log.Correlation(ctx, correlationID)
	if err != nil {
		return schema.IntentReadModel{}, err
	}
	if len(events) == 0 {
		return schema.IntentReadModel{}, errs.New("coordinator/rebuild", errs.CodeNotFound,
			errs.WithMessage("no events for intent "+intentID))
	}

	var view schema.IntentReadModel
	var planView schema.PlanReadModel
	var planTouched bool
	for _, env := range events {
		reduced, err := reduceIntent(view, env)
		if err != nil {
			continue
		}
		view = reduced
		if p, changed := reducePlan(planView, env); changed {
			planView = p
			planTouched = true
		}
	}

	if err := c.views.PutIntent(ctx, view); err != nil {
		return schema.IntentReadModel{}, err
	}
	if planTouched && planView.PlanID != "" {
		if err := c.views.PutPlan(ctx, planView); err != nil {
			return schema.IntentReadModel{}, err
		}
	}

	c.mu.Lock()
	c.next[correlationID] = events[len(events)-1].Sequence + 1
	delete(c.gaps, correlationID)
	c.mu.Unlock()
	return view, nil
}

// IntentView returns the projected view for one intent.
func (c *Coordinator) IntentView(ctx context.Context, intentID string) (schema.IntentReadModel, error) {
	return c.views.GetIntent(ctx, intentID)
}

// PlanView returns the projected view for one plan.
func (c *Coordinator) PlanView(ctx context.Context, planID string) (schema.PlanReadModel, error) {
	return c.views.GetPlan(ctx, planID)
}

// ListByState returns up to limit intents in a state, most recent first.
func (c *Coordinator) ListByState(ctx context.Context, state schema.IntentState, limit int) ([]schema.IntentReadModel, error) {
	return c.views.ListIntentsByState(ctx, state, limit)
}

// History returns the full ordered event stream for one intent.
func (c *Coordinator) History(ctx context.Context, intentID string) ([]schema.EventEnvelope, error) {
	return c.log.Correlation(ctx, schema.Correlation(intentID))
}
