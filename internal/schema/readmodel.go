package schema

import "time"

// IntentState tracks an intent through its lifecycle. Completed, Failed, and
// Rejected are terminal; the reducer never leaves them.
type IntentState string

const (
	IntentStateSubmitted IntentState = "submitted"
	IntentStateAccepted  IntentState = "accepted"
	IntentStatePlanned   IntentState = "planned"
	IntentStateExecuting IntentState = "executing"
	IntentStateCompleted IntentState = "completed"
	IntentStateFailed    IntentState = "failed"
	IntentStateRejected  IntentState = "rejected"
)

// Terminal reports whether the state absorbs all further events.
func (s IntentState) Terminal() bool {
	switch s {
	case IntentStateCompleted, IntentStateFailed, IntentStateRejected:
		return true
	default:
		return false
	}
}

// IntentReadModel is the projected per-intent view served by the read API.
type IntentReadModel struct {
	IntentID      string      `json:"intentId"`
	State         IntentState `json:"state"`
	Reason        string      `json:"reason,omitempty"`
	PlanID        string      `json:"planId,omitempty"`
	TxHash        string      `json:"txHash,omitempty"`
	AmountOut     string      `json:"amountOut,omitempty"`
	LastEventID   string      `json:"lastEventId"`
	LastSequence  int64       `json:"lastSequence"`
	SubmittedAt   time.Time   `json:"submittedAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
	EventsApplied int64       `json:"eventsApplied"`
}

// PlanStatus tracks an execution plan's progress.
type PlanStatus string

const (
	PlanStatusCreated   PlanStatus = "created"
	PlanStatusExecuting PlanStatus = "executing"
	PlanStatusCompleted PlanStatus = "completed"
	PlanStatusFailed    PlanStatus = "failed"
)

// PlanReadModel is the projected per-plan view.
type PlanReadModel struct {
	PlanID            string     `json:"planId"`
	IntentID          string     `json:"intentId"`
	Status            PlanStatus `json:"status"`
	StepsTotal        int        `json:"stepsTotal"`
	StepsFilled       int        `json:"stepsFilled"`
	LastTxHash        string     `json:"lastTxHash,omitempty"`
	LastSubmitAttempt int        `json:"lastSubmitAttempt,omitempty"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// Progress returns filled/total in [0,1]; zero-step plans report 0.
func (p PlanReadModel) Progress() float64 {
	if p.StepsTotal <= 0 {
		return 0
	}
	return float64(p.StepsFilled) / float64(p.StepsTotal)
}
