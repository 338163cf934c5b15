package observability

import "sync"

// Metric names emitted across the pipeline.
const (
	MetricEventsAppended    = "events_appended_total"
	MetricSequenceConflicts = "sequence_conflicts_total"
	MetricSequenceGaps      = "sequence_gaps_total"
	MetricGapResolved       = "sequence_gaps_resolved_total"
	MetricGapAbandoned      = "sequence_gaps_abandoned_total"
	MetricInvalidTransition = "invalid_transitions_total"
	MetricDedupSuppressed   = "dedup_suppressed_total"
	MetricGatewayDrops      = "gateway_dropped_frames_total"
	MetricIntentsAccepted   = "intents_accepted_total"
	MetricIntentsRejected   = "intents_rejected_total"
	MetricExecAttempts      = "exec_submit_attempts_total"
	MetricExecCompleted     = "exec_completed_total"
	MetricExecFailed        = "exec_failed_total"
	MetricProjectionRetries = "projection_retries_total"
	MetricVenueSuspended    = "venue_suspensions_total"
)

// Metrics provides counters, gauges, and histogram recording primitives.
type Metrics interface {
	IncCounter(name string, value float64, labels map[string]string)
	ObserveHistogram(name string, value float64, labels map[string]string)
	SetGauge(name string, value float64, labels map[string]string)
}

var defaultMetrics Metrics = noopMetrics{}

// SetMetrics overrides the global metrics implementation used by the system.
func SetMetrics(metrics Metrics) {
	if metrics == nil {
		defaultMetrics = noopMetrics{}
		return
	}
	defaultMetrics = metrics
}

// Telemetry returns the current global metrics collector.
func Telemetry() Metrics {
	return defaultMetrics
}

type noopMetrics struct{}

func (noopMetrics) IncCounter(string, float64, map[string]string)       {}
func (noopMetrics) ObserveHistogram(string, float64, map[string]string) {}
func (noopMetrics) SetGauge(string, float64, map[string]string)         {}

// CoordinatorMetricsSnapshot captures single-writer runtime counters.
type CoordinatorMetricsSnapshot struct {
	GapBuffered       map[string]int `json:"gap_buffered"`
	ConflictsDropped  map[string]int `json:"conflicts_dropped"`
	ProjectionRetries map[string]int `json:"projection_retries"`
}

// RuntimeMetrics accumulates coordinator metrics in-memory for periodic export.
type RuntimeMetrics struct {
	mu          sync.Mutex
	coordinator CoordinatorMetricsSnapshot
}

// NewRuntimeMetrics constructs a metrics accumulator with empty maps.
func NewRuntimeMetrics() *RuntimeMetrics {
	metrics := new(RuntimeMetrics)
	metrics.coordinator = CoordinatorMetricsSnapshot{
		GapBuffered:       make(map[string]int),
		ConflictsDropped:  make(map[string]int),
		ProjectionRetries: make(map[string]int),
	}
	return metrics
}

// RecordGapBuffered tracks the latest gap-buffer depth for a correlation.
func (m *RuntimeMetrics) RecordGapBuffered(correlation string, depth int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.coordinator.GapBuffered[correlation] = depth
}

// IncrementConflictsDropped increments the conflict counter for a correlation.
func (m *RuntimeMetrics) IncrementConflictsDropped(correlation string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.coordinator.ConflictsDropped[correlation]++
}

// IncrementProjectionRetries accumulates projection retries for a correlation.
func (m *RuntimeMetrics) IncrementProjectionRetries(correlation string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.coordinator.ProjectionRetries[correlation]++
}

// Snapshot copies the current coordinator metrics state for reporting.
func (m *RuntimeMetrics) Snapshot() CoordinatorMetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	snapshot := CoordinatorMetricsSnapshot{
		GapBuffered:       make(map[string]int, len(m.coordinator.GapBuffered)),
		ConflictsDropped:  make(map[string]int, len(m.coordinator.ConflictsDropped)),
		ProjectionRetries: make(map[string]int, len(m.coordinator.ProjectionRetries)),
	}
	for k, v := range m.coordinator.GapBuffered {
		snapshot.GapBuffered[k] = v
	}
	for k, v := range m.coordinator.ConflictsDropped {
		snapshot.ConflictsDropped[k] = v
	}
	for k, v := range m.coordinator.ProjectionRetries {
		snapshot.ProjectionRetries[k] = v
	}
	return snapshot
}
