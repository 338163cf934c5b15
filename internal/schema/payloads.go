package schema

// Topic-specific payload types. The envelope payload is a tagged union keyed
// by topic; PayloadFor returns the empty value to decode into.

// RiskApproved is the payload of risk.approved.
type RiskApproved struct {
	IntentID string `json:"intentId"`
}

// RiskRejected is the payload of risk.rejected.
type RiskRejected struct {
	IntentID string `json:"intentId"`
	Reason   string `json:"reason"`
}

// IntentAccepted is the payload of intent.accepted. It carries the accepted
// intent so downstream stages need not join against the submitted event.
type IntentAccepted struct {
	IntentID string `json:"intentId"`
	Intent   Intent `json:"intent"`
}

// IntentFailed is the payload of intent.failed.
type IntentFailed struct {
	IntentID string `json:"intentId"`
	Reason   string `json:"reason"`
}

// PlanRejected is the payload of plan.rejected.
type PlanRejected struct {
	IntentID string `json:"intentId"`
	Reason   string `json:"reason"`
}

// ExecStarted is the payload of exec.started.
type ExecStarted struct {
	IntentID string `json:"intentId"`
	PlanID   string `json:"planId"`
}

// ExecStepSubmitted is the payload of exec.step_submitted.
type ExecStepSubmitted struct {
	IntentID string `json:"intentId"`
	PlanID   string `json:"planId"`
	TxHash   string `json:"txHash"`
	Attempt  int    `json:"attempt"`
}

// ExecStepFilled is the payload of exec.step_filled.
type ExecStepFilled struct {
	IntentID  string `json:"intentId"`
	PlanID    string `json:"planId"`
	TxHash    string `json:"txHash"`
	AmountOut string `json:"amountOut"`
}

// ExecCompleted is the payload of exec.completed.
type ExecCompleted struct {
	IntentID  string `json:"intentId"`
	PlanID    string `json:"planId"`
	TxHash    string `json:"txHash"`
	AmountOut string `json:"amountOut"`
}

// ExecFailed is the payload of exec.failed.
type ExecFailed struct {
	IntentID string `json:"intentId"`
	PlanID   string `json:"planId"`
	Reason   string `json:"reason"`
}

// PayloadFor returns a pointer to the zero payload value for a registry
// topic, or nil for topics outside the registry (stored verbatim).
func PayloadFor(topic Topic) any {
	switch topic {
	case TopicIntentSubmitted:
		return new(Intent)
	case TopicIntentAccepted:
		return new(IntentAccepted)
	case TopicIntentFailed:
		return new(IntentFailed)
	case TopicRiskApproved:
		return new(RiskApproved)
	case TopicRiskRejected:
		return new(RiskRejected)
	case TopicPlanCreated:
		return new(ExecutionPlan)
	case TopicPlanRejected:
		return new(PlanRejected)
	case TopicExecStarted:
		return new(ExecStarted)
	case TopicExecStepSubmitted:
		return new(ExecStepSubmitted)
	case TopicExecStepFilled:
		return new(ExecStepFilled)
	case TopicExecCompleted:
		return new(ExecCompleted)
	case TopicExecFailed:
		return new(ExecFailed)
	default:
		return nil
	}
}
