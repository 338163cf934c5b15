package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/helixtrade/intentd/errs"
	"github.com/helixtrade/intentd/internal/schema"
)

// MemoryConfig configures the in-memory bus.
type MemoryConfig struct {
	BufferSize  int
	DedupWindow time.Duration
	AckWait     time.Duration
}

func (c MemoryConfig) normalize() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 256
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = 120 * time.Second
	}
	if c.AckWait <= 0 {
		c.AckWait = 5 * time.Second
	}
	return c
}

// MemoryBus is an in-process Bus backed by bounded channels. It mirrors the
// broker semantics the pipeline relies on: publisher-side dedup by event id,
// competing consumers per queue group with ack-deadline redelivery, and
// lossy ephemeral fanout.
type MemoryBus struct {
	cfg MemoryConfig

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.RWMutex
	seen       map[string]time.Time
	groups     map[groupKey]*queueGroup
	ephemerals []*ephemeralSub
	once       sync.Once

	duplicates atomic.Int64
	drops      atomic.Int64
}

type groupKey struct {
	pattern string
	group   string
}

type queueGroup struct {
	key groupKey
	ch  chan Delivery
}

type ephemeralSub struct {
	pattern string
	ctx     context.Context
	cancel  context.CancelFunc
	ch      chan schema.EventEnvelope
	once    sync.Once
}

// NewMemoryBus constructs a memory-backed bus.
func NewMemoryBus(cfg MemoryConfig) *MemoryBus {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	b := &MemoryBus{
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
		seen:   make(map[string]time.Time),
		groups: make(map[groupKey]*queueGroup),
	}
	go b.janitor()
	return b
}

// Publish fans the envelope out to every matching queue group and ephemeral
// subscriber. A repeated event id inside the dedup window is suppressed and
// reported as PublishDuplicate without error.
func (b *MemoryBus) Publish(ctx context.Context, env schema.EventEnvelope) (PublishStatus, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if env.EventID == "" {
		return PublishFailed, errs.New("bus/publish", errs.CodeInvalid, errs.WithMessage("event id required"))
	}
	if b.ctx.Err() != nil {
		return PublishFailed, errs.New("bus/publish", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}

	now := time.Now()
	b.mu.Lock()
	if at, dup := b.seen[env.EventID]; dup && now.Sub(at) < b.cfg.DedupWindow {
		b.mu.Unlock()
		b.duplicates.Add(1)
		return PublishDuplicate, nil
	}
	b.seen[env.EventID] = now
	groups := make([]*queueGroup, 0, len(b.groups))
	for _, g := range b.groups {
		if schema.MatchPattern(g.key.pattern, env.Topic) {
			groups = append(groups, g)
		}
	}
	subs := make([]*ephemeralSub, 0, len(b.ephemerals))
	for _, sub := range b.ephemerals {
		if sub.ctx.Err() == nil && schema.MatchPattern(sub.pattern, env.Topic) {
			subs = append(subs, sub)
		}
	}
	b.mu.Unlock()

	for _, g := range groups {
		if err := b.deliver(ctx, g, env, 1); err != nil {
			return PublishFailed, err
		}
	}
	for _, sub := range subs {
		b.tap(sub, env)
	}
	return PublishAck, nil
}

func (b *MemoryBus) tap(sub *ephemeralSub, env schema.EventEnvelope) {
	defer func() {
		if r := recover(); r != nil {
			// subscriber closed its channel mid-publish.
			_ = r
		}
	}()
	select {
	case sub.ch <- env:
	default:
		b.drops.Add(1)
	}
}

// SubscribeQueue joins the durable queue group for pattern. Consumers sharing
// the same (pattern, group) compete for deliveries over one channel. The
// channel closes only when the bus closes.
func (b *MemoryBus) SubscribeQueue(ctx context.Context, pattern, group string) (<-chan Delivery, error) {
	if pattern == "" || group == "" {
		return nil, errs.New("bus/subscribe", errs.CodeInvalid, errs.WithMessage("pattern and group required"))
	}
	if b.ctx.Err() != nil {
		return nil, errs.New("bus/subscribe", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	key := groupKey{pattern: pattern, group: group}
	b.mu.Lock()
	defer b.mu.Unlock()
	if g, ok := b.groups[key]; ok {
		return g.ch, nil
	}
	g := &queueGroup{key: key, ch: make(chan Delivery, b.cfg.BufferSize)}
	b.groups[key] = g
	return g.ch, nil
}

// SubscribeEphemeral registers a best-effort fanout tap. Envelopes published
// while the subscriber's buffer is full are dropped, never queued.
func (b *MemoryBus) SubscribeEphemeral(ctx context.Context, pattern string) (<-chan schema.EventEnvelope, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if pattern == "" {
		return nil, errs.New("bus/subscribe", errs.CodeInvalid, errs.WithMessage("pattern required"))
	}
	if b.ctx.Err() != nil {
		return nil, errs.New("bus/subscribe", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub := &ephemeralSub{
		pattern: pattern,
		ctx:     subCtx,
		cancel:  cancel,
		ch:      make(chan schema.EventEnvelope, b.cfg.BufferSize),
	}
	b.mu.Lock()
	b.ephemerals = append(b.ephemerals, sub)
	b.mu.Unlock()

	go b.observe(sub)
	return sub.ch, nil
}

// Close shuts down the bus and closes all subscriber channels.
func (b *MemoryBus) Close() {
	b.once.Do(func() {
		b.cancel()
		b.mu.Lock()
		for _, g := range b.groups {
			close(g.ch)
		}
		b.groups = make(map[groupKey]*queueGroup)
		for _, sub := range b.ephemerals {
			sub.close()
		}
		b.ephemerals = nil
		b.mu.Unlock()
	})
}

// Duplicates returns how many publishes were suppressed by the dedup window.
func (b *MemoryBus) Duplicates() int64 { return b.duplicates.Load() }

// Drops returns how many envelopes were dropped on full ephemeral buffers.
func (b *MemoryBus) Drops() int64 { return b.drops.Load() }

func (b *MemoryBus) deliver(ctx context.Context, g *queueGroup, env schema.EventEnvelope, attempt int) (err error) {
	defer func() {
		if r := recover(); r != nil {
			// bus closed the group channel mid-send.
			err = errs.New("bus/publish", errs.CodeUnavailable, errs.WithMessage("bus closed"))
		}
	}()
	acked := make(chan struct{})
	nacked := make(chan struct{})
	var ackOnce, nackOnce sync.Once
	d := Delivery{
		Envelope: env,
		Attempt:  attempt,
		ack:      func() { ackOnce.Do(func() { close(acked) }) },
		nack:     func() { nackOnce.Do(func() { close(nacked) }) },
	}

	select {
	case <-b.ctx.Done():
		return errs.New("bus/publish", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	case <-ctx.Done():
		return errs.New("bus/publish", errs.CodeUnavailable, errs.WithMessage("publish context done"), errs.WithCause(ctx.Err()))
	case g.ch <- d:
	}

	go b.awaitAck(g, env, attempt, acked, nacked)
	return nil
}

func (b *MemoryBus) awaitAck(g *queueGroup, env schema.EventEnvelope, attempt int, acked, nacked <-chan struct{}) {
	timer := time.NewTimer(b.cfg.AckWait)
	defer timer.Stop()
	select {
	case <-acked:
	case <-b.ctx.Done():
	case <-nacked:
		b.redeliver(g, env, attempt+1)
	case <-timer.C:
		b.redeliver(g, env, attempt+1)
	}
}

func (b *MemoryBus) redeliver(g *queueGroup, env schema.EventEnvelope, attempt int) {
	if b.ctx.Err() != nil {
		return
	}
	_ = b.deliver(b.ctx, g, env, attempt)
}

func (b *MemoryBus) observe(sub *ephemeralSub) {
	<-sub.ctx.Done()
	b.mu.Lock()
	for i, candidate := range b.ephemerals {
		if candidate == sub {
			b.ephemerals = append(b.ephemerals[:i], b.ephemerals[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	sub.close()
}

func (s *ephemeralSub) close() {
	s.once.Do(func() {
		s.cancel()
		close(s.ch)
	})
}

func (b *MemoryBus) janitor() {
	interval := b.cfg.DedupWindow / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-b.ctx.Done():
			return
		case now := <-ticker.C:
			b.mu.Lock()
			for eventID, at := range b.seen {
				if now.Sub(at) >= b.cfg.DedupWindow {
					delete(b.seen, eventID)
				}
			}
			b.mu.Unlock()
		}
	}
}
