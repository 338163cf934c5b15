// Package eventlog persists the append-only domain event log. The log is the
// source of truth: read models are projections and can always be rebuilt from
// it.
package eventlog

import (
	"context"

	"github.com/helixtrade/intentd/internal/schema"
)

// AppendResult reports what an append attempt did.
type AppendResult int

const (
	// Appended means the envelope is now durable.
	Appended AppendResult = iota
	// DuplicateEvent means an envelope with the same event id already
	// exists; the append was a no-op.
	DuplicateEvent
	// SequenceConflict means another envelope already holds this
	// (correlation, sequence) slot. First writer wins.
	SequenceConflict
)

// Log is the append-only event store.
//
// Append is idempotent on event id and enforces slot uniqueness per
// (correlation, sequence); both outcomes surface as results, not errors.
// Errors mean the store itself failed.
type Log interface {
	Append(ctx context.Context, env schema.EventEnvelope) (AppendResult, error)
	// Correlation returns every envelope for a correlation ordered by
	// sequence ascending.
	Correlation(ctx context.Context, correlationID string) ([]schema.EventEnvelope, error)
	// LastSequence returns the highest sequence stored for a correlation,
	// or zero when none exist.
	LastSequence(ctx context.Context, correlationID string) (int64, error)
	// SinceSequence returns a correlation's envelopes with sequence
	// strictly greater than fromSeq, ordered by sequence ascending. Zero
	// replays the correlation from the beginning.
	SinceSequence(ctx context.Context, correlationID string, fromSeq int64) ([]schema.EventEnvelope, error)
	Close()
}
