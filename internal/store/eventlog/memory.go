package eventlog

import (
	"context"
	"sort"
	"sync"

	"github.com/helixtrade/intentd/internal/schema"
)

// MemoryLog is an in-process Log for tests and single-node runs.
type MemoryLog struct {
	mu     sync.RWMutex
	byID   map[string]schema.EventEnvelope
	bySlot map[slotKey]string
}

type slotKey struct {
	correlation string
	sequence    int64
}

// NewMemoryLog constructs an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		byID:   make(map[string]schema.EventEnvelope),
		bySlot: make(map[slotKey]string),
	}
}

func (l *MemoryLog) Append(_ context.Context, env schema.EventEnvelope) (AppendResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, dup := l.byID[env.EventID]; dup {
		return DuplicateEvent, nil
	}
	slot := slotKey{correlation: env.CorrelationID, sequence: env.Sequence}
	if _, taken := l.bySlot[slot]; taken {
		return SequenceConflict, nil
	}
	l.byID[env.EventID] = env
	l.bySlot[slot] = env.EventID
	return Appended, nil
}

func (l *MemoryLog) Correlation(_ context.Context, correlationID string) ([]schema.EventEnvelope, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []schema.EventEnvelope
	for slot, eventID := range l.bySlot {
		if slot.correlation == correlationID {
			out = append(out, l.byID[eventID])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (l *MemoryLog) LastSequence(_ context.Context, correlationID string) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var last int64
	for slot := range l.bySlot {
		if slot.correlation == correlationID && slot.sequence > last {
			last = slot.sequence
		}
	}
	return last, nil
}

func (l *MemoryLog) SinceSequence(_ context.Context, correlationID string, fromSeq int64) ([]schema.EventEnvelope, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []schema.EventEnvelope
	for slot, eventID := range l.bySlot {
		if slot.correlation == correlationID && slot.sequence > fromSeq {
			out = append(out, l.byID[eventID])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (l *MemoryLog) Close() {}
