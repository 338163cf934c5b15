// Package bus defines pub/sub contracts for envelope transport with
// publisher-side deduplication and durable queue-group delivery.
package bus

import (
	"context"

	"github.com/helixtrade/intentd/internal/schema"
)

// PublishStatus reports the outcome of a publish attempt.
type PublishStatus int

const (
	// PublishAck means the envelope was accepted for delivery.
	PublishAck PublishStatus = iota
	// PublishDuplicate means the event id was seen inside the dedup window
	// and the envelope was suppressed without delivery.
	PublishDuplicate
	// PublishFailed means the transport rejected the envelope.
	PublishFailed
)

func (s PublishStatus) String() string {
	switch s {
	case PublishAck:
		return "ack"
	case PublishDuplicate:
		return "duplicate_suppressed"
	case PublishFailed:
		return "publish_failed"
	default:
		return "unknown"
	}
}

// Delivery wraps an envelope handed to a durable queue consumer. The consumer
// must Ack after durable processing; unacked deliveries are redelivered.
type Delivery struct {
	Envelope schema.EventEnvelope
	Attempt  int

	ack  func()
	nack func()
}

// NewDelivery builds a delivery with the given ack and nack callbacks.
// Transport adapters use it to bridge broker acks onto the Delivery contract.
func NewDelivery(env schema.EventEnvelope, attempt int, ack, nack func()) Delivery {
	return Delivery{Envelope: env, Attempt: attempt, ack: ack, nack: nack}
}

// Ack marks the delivery processed. Safe to call more than once.
func (d Delivery) Ack() {
	if d.ack != nil {
		d.ack()
	}
}

// Nack requests immediate redelivery instead of waiting for the ack deadline.
func (d Delivery) Nack() {
	if d.nack != nil {
		d.nack()
	}
}

// Bus transports event envelopes between pipeline stages.
//
// Durable queue groups provide at-least-once, competing-consumer delivery:
// each envelope matching the pattern goes to exactly one consumer of the
// group, and is redelivered if not acked in time. Ephemeral subscriptions are
// best-effort fanout taps that drop when the subscriber falls behind.
type Bus interface {
	Publish(ctx context.Context, env schema.EventEnvelope) (PublishStatus, error)
	SubscribeQueue(ctx context.Context, pattern, group string) (<-chan Delivery, error)
	SubscribeEphemeral(ctx context.Context, pattern string) (<-chan schema.EventEnvelope, error)
	Close()
}
