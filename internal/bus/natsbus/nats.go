// Package natsbus adapts the bus contract onto NATS JetStream. Dedup maps to
// Nats-Msg-Id within the stream duplicate window, durable queue groups map to
// durable queue consumers with explicit ack, and ephemeral subscriptions map
// to plain core NATS fanout.
package natsbus

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/helixtrade/intentd/errs"
	"github.com/helixtrade/intentd/internal/bus"
	"github.com/helixtrade/intentd/internal/observability"
	"github.com/helixtrade/intentd/internal/schema"
)

// Config configures the JetStream-backed bus.
type Config struct {
	URL           string
	StreamName    string
	DedupWindow   time.Duration
	AckWait       time.Duration
	BufferSize    int
	MaxReconnects int
	ReconnectWait time.Duration
}

func (c Config) normalize() Config {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.StreamName == "" {
		c.StreamName = "INTENTD"
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = 120 * time.Second
	}
	if c.AckWait <= 0 {
		c.AckWait = 5 * time.Second
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 256
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = -1
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 2 * time.Second
	}
	return c
}

// NatsBus is a Bus implementation on one JetStream stream covering every
// domain topic class.
type NatsBus struct {
	cfg  Config
	conn *nats.Conn
	js   nats.JetStreamContext

	mu   sync.Mutex
	subs []*nats.Subscription
	once sync.Once
}

// Connect dials NATS, ensures the domain stream exists, and returns the bus.
func Connect(ctx context.Context, cfg Config) (*NatsBus, error) {
	cfg = cfg.normalize()
	conn, err := nats.Connect(cfg.URL,
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				observability.Log().Error("nats disconnected", observability.Err(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			observability.Log().Info("nats reconnected", observability.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, errs.New("natsbus/connect", errs.CodeUnavailable, errs.WithCause(err))
	}
	js, err := conn.JetStream()
	if err != nil {
		conn.Close()
		return nil, errs.New("natsbus/connect", errs.CodeUnavailable, errs.WithCause(err))
	}
	if err := ensureStream(js, cfg); err != nil {
		conn.Close()
		return nil, err
	}
	return &NatsBus{cfg: cfg, conn: conn, js: js}, nil
}

func ensureStream(js nats.JetStreamContext, cfg Config) error {
	streamCfg := &nats.StreamConfig{
		Name:       cfg.StreamName,
		Subjects:   schema.DomainPatterns,
		Retention:  nats.LimitsPolicy,
		Duplicates: cfg.DedupWindow,
		Storage:    nats.FileStorage,
	}
	if _, err := js.StreamInfo(cfg.StreamName); err == nil {
		_, err = js.UpdateStream(streamCfg)
		if err != nil {
			return errs.New("natsbus/stream", errs.CodeInfra, errs.WithCause(err))
		}
		return nil
	}
	if _, err := js.AddStream(streamCfg); err != nil {
		return errs.New("natsbus/stream", errs.CodeInfra, errs.WithCause(err))
	}
	return nil
}

// Publish sends the envelope with its event id as the JetStream message id.
// The broker suppresses repeats inside the stream duplicate window.
func (b *NatsBus) Publish(ctx context.Context, env schema.EventEnvelope) (bus.PublishStatus, error) {
	if env.EventID == "" {
		return bus.PublishFailed, errs.New("natsbus/publish", errs.CodeInvalid, errs.WithMessage("event id required"))
	}
	data, err := env.Encode()
	if err != nil {
		return bus.PublishFailed, errs.New("natsbus/publish", errs.CodeInvalid, errs.WithCause(err))
	}
	ack, err := b.js.PublishMsg(&nats.Msg{
		Subject: string(env.Topic),
		Data:    data,
	}, nats.MsgId(env.EventID), nats.Context(ctx))
	if err != nil {
		return bus.PublishFailed, errs.New("natsbus/publish", errs.CodeUnavailable, errs.WithCause(err))
	}
	if ack.Duplicate {
		observability.Telemetry().IncCounter(observability.MetricDedupSuppressed, 1, map[string]string{"topic": string(env.Topic)})
		return bus.PublishDuplicate, nil
	}
	return bus.PublishAck, nil
}

// SubscribeQueue joins a durable queue consumer for pattern. Deliveries not
// acked within AckWait are redelivered by the broker with a higher attempt.
func (b *NatsBus) SubscribeQueue(ctx context.Context, pattern, group string) (<-chan bus.Delivery, error) {
	if pattern == "" || group == "" {
		return nil, errs.New("natsbus/subscribe", errs.CodeInvalid, errs.WithMessage("pattern and group required"))
	}
	out := make(chan bus.Delivery, b.cfg.BufferSize)
	sub, err := b.js.QueueSubscribe(pattern, group, func(msg *nats.Msg) {
		env, err := schema.DecodeEnvelope(msg.Data)
		if err != nil {
			observability.Log().Error("drop undecodable envelope",
				observability.String("subject", msg.Subject), observability.Err(err))
			_ = msg.Term()
			return
		}
		attempt := 1
		if meta, err := msg.Metadata(); err == nil {
			attempt = int(meta.NumDelivered)
		}
		select {
		case out <- bus.NewDelivery(env, attempt, func() { _ = msg.Ack() }, func() { _ = msg.Nak() }):
		case <-ctx.Done():
		}
	},
		nats.Durable(durableName(pattern, group)),
		nats.ManualAck(),
		nats.AckWait(b.cfg.AckWait),
		nats.DeliverAll(),
		nats.MaxAckPending(b.cfg.BufferSize),
	)
	if err != nil {
		return nil, errs.New("natsbus/subscribe", errs.CodeUnavailable, errs.WithCause(err))
	}
	b.track(sub, out)
	return out, nil
}

// SubscribeEphemeral taps the live firehose over core NATS: no persistence,
// no redelivery, slow subscribers shed messages.
func (b *NatsBus) SubscribeEphemeral(ctx context.Context, pattern string) (<-chan schema.EventEnvelope, error) {
	if pattern == "" {
		return nil, errs.New("natsbus/subscribe", errs.CodeInvalid, errs.WithMessage("pattern required"))
	}
	out := make(chan schema.EventEnvelope, b.cfg.BufferSize)
	sub, err := b.conn.Subscribe(pattern, func(msg *nats.Msg) {
		env, err := schema.DecodeEnvelope(msg.Data)
		if err != nil {
			return
		}
		select {
		case out <- env:
		default:
			observability.Telemetry().IncCounter(observability.MetricGatewayDrops, 1, map[string]string{"pattern": pattern})
		}
	})
	if err != nil {
		return nil, errs.New("natsbus/subscribe", errs.CodeUnavailable, errs.WithCause(err))
	}
	b.track(sub, nil)
	go func() {
		<-ctx.Done()
		_ = sub.Unsubscribe()
		close(out)
	}()
	return out, nil
}

// Close drains in-flight messages and closes the connection.
func (b *NatsBus) Close() {
	b.once.Do(func() {
		b.mu.Lock()
		subs := b.subs
		b.subs = nil
		b.mu.Unlock()
		for _, sub := range subs {
			_ = sub.Drain()
		}
		if err := b.conn.Drain(); err != nil {
			b.conn.Close()
		}
	})
}

func (b *NatsBus) track(sub *nats.Subscription, _ chan bus.Delivery) {
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()
}

func durableName(pattern, group string) string {
	cleaned := strings.NewReplacer(".", "-", "*", "ALL").Replace(pattern)
	return group + "-" + cleaned
}
