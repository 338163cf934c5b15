package coordinator

import (
	"errors"

	"github.com/helixtrade/intentd/internal/schema"
)

// ErrInvalidTransition reports an event that is not legal in the view's
// current state. The event stays in the log; the projection skips it.
var ErrInvalidTransition = errors.New("invalid state transition")

// reduceIntent folds one envelope into the intent view. It is pure: same
// view and envelope always yield the same result, which is what makes
// rebuild-from-log equivalent to live projection.
func reduceIntent(view schema.IntentReadModel, env schema.EventEnvelope) (schema.IntentReadModel, error) {
	if view.IntentID != "" && view.State.Terminal() {
		return view, ErrInvalidTransition
	}

	next := view
	switch env.Topic {
	case schema.TopicIntentSubmitted:
		if view.IntentID != "" {
			return view, ErrInvalidTransition
		}
		intentID, _ := schema.IntentIDFromCorrelation(env.CorrelationID)
		next = schema.IntentReadModel{
			IntentID:    intentID,
			State:       schema.IntentStateSubmitted,
			SubmittedAt: env.Timestamp,
		}

	case schema.TopicRiskApproved:
		if view.State != schema.IntentStateSubmitted {
			return view, ErrInvalidTransition
		}
		// approval holds the state; intent.accepted moves it forward.

	case schema.TopicIntentAccepted:
		if view.State != schema.IntentStateSubmitted {
			return view, ErrInvalidTransition
		}
		next.State = schema.IntentStateAccepted

	case schema.TopicIntentFailed:
		if view.State != schema.IntentStateSubmitted {
			return view, ErrInvalidTransition
		}
		next.State = schema.IntentStateFailed
		next.Reason = payloadReason(env.Payload)

	case schema.TopicRiskRejected:
		if view.State != schema.IntentStateSubmitted {
			return view, ErrInvalidTransition
		}
		next.State = schema.IntentStateRejected
		next.Reason = payloadReason(env.Payload)

	case schema.TopicPlanCreated:
		if view.State != schema.IntentStateAccepted {
			return view, ErrInvalidTransition
		}
		next.State = schema.IntentStatePlanned
		if plan, ok := env.Payload.(*schema.ExecutionPlan); ok {
			next.PlanID = plan.PlanID
		} else if plan, ok := env.Payload.(schema.ExecutionPlan); ok {
			next.PlanID = plan.PlanID
		}

	case schema.TopicPlanRejected:
		if view.State != schema.IntentStateAccepted {
			return view, ErrInvalidTransition
		}
		next.State = schema.IntentStateFailed
		next.Reason = payloadReason(env.Payload)

	case schema.TopicExecStarted:
		if view.State != schema.IntentStatePlanned {
			return view, ErrInvalidTransition
		}
		next.State = schema.IntentStateExecuting

	case schema.TopicExecStepSubmitted:
		if view.State != schema.IntentStateExecuting {
			return view, ErrInvalidTransition
		}
		if p, ok := stepSubmittedPayload(env.Payload); ok {
			next.TxHash = p.TxHash
		}

	case schema.TopicExecStepFilled:
		if view.State != schema.IntentStateExecuting {
			return view, ErrInvalidTransition
		}
		if p, ok := stepFilledPayload(env.Payload); ok {
			next.TxHash = p.TxHash
			next.AmountOut = p.AmountOut
		}

	case schema.TopicExecCompleted:
		if view.State != schema.IntentStateExecuting {
			return view, ErrInvalidTransition
		}
		next.State = schema.IntentStateCompleted
		if p, ok := completedPayload(env.Payload); ok {
			next.TxHash = p.TxHash
			next.AmountOut = p.AmountOut
		}

	case schema.TopicExecFailed:
		// a failure straggler folds in from any live state; the terminal
		// guard above already rejects it once the intent is settled.
		if view.IntentID == "" {
			return view, ErrInvalidTransition
		}
		next.State = schema.IntentStateFailed
		next.Reason = payloadReason(env.Payload)

	default:
		// unknown topics pass through projections untouched.
		return view, nil
	}

	next.LastEventID = env.EventID
	next.LastSequence = env.Sequence
	next.UpdatedAt = env.Timestamp
	next.EventsApplied = view.EventsApplied + 1
	return next, nil
}

// reducePlan folds one envelope into the plan view. The bool reports whether
// the envelope touched the plan at all.
func reducePlan(view schema.PlanReadModel, env schema.EventEnvelope) (schema.PlanReadModel, bool) {
	switch env.Topic {
	case schema.TopicPlanCreated:
		plan, ok := planPayload(env.Payload)
		if !ok {
			return view, false
		}
		return schema.PlanReadModel{
			PlanID:     plan.PlanID,
			IntentID:   plan.IntentID,
			Status:     schema.PlanStatusCreated,
			StepsTotal: len(plan.Steps),
			UpdatedAt:  env.Timestamp,
		}, true

	case schema.TopicExecStarted:
		view.Status = schema.PlanStatusExecuting
		view.UpdatedAt = env.Timestamp
		return view, true

	case schema.TopicExecStepSubmitted:
		if p, ok := stepSubmittedPayload(env.Payload); ok {
			view.LastTxHash = p.TxHash
			view.LastSubmitAttempt = p.Attempt
		}
		view.UpdatedAt = env.Timestamp
		return view, true

	case schema.TopicExecStepFilled:
		if p, ok := stepFilledPayload(env.Payload); ok {
			view.LastTxHash = p.TxHash
		}
		view.StepsFilled++
		view.UpdatedAt = env.Timestamp
		return view, true

	case schema.TopicExecCompleted:
		view.Status = schema.PlanStatusCompleted
		view.UpdatedAt = env.Timestamp
		return view, true

	case schema.TopicExecFailed:
		view.Status = schema.PlanStatusFailed
		view.UpdatedAt = env.Timestamp
		return view, true

	default:
		return view, false
	}
}

func payloadReason(payload any) string {
	switch v := payload.(type) {
	case *schema.IntentFailed:
		return v.Reason
	case schema.IntentFailed:
		return v.Reason
	case *schema.RiskRejected:
		return v.Reason
	case schema.RiskRejected:
		return v.Reason
	case *schema.PlanRejected:
		return v.Reason
	case schema.PlanRejected:
		return v.Reason
	case *schema.ExecFailed:
		return v.Reason
	case schema.ExecFailed:
		return v.Reason
	default:
		return ""
	}
}

func planPayload(payload any) (schema.ExecutionPlan, bool) {
	switch v := payload.(type) {
	case *schema.ExecutionPlan:
		return *v, true
	case schema.ExecutionPlan:
		return v, true
	default:
		return schema.ExecutionPlan{}, false
	}
}

func stepSubmittedPayload(payload any) (schema.ExecStepSubmitted, bool) {
	switch v := payload.(type) {
	case *schema.ExecStepSubmitted:
		return *v, true
	case schema.ExecStepSubmitted:
		return v, true
	default:
		return schema.ExecStepSubmitted{}, false
	}
}

func stepFilledPayload(payload any) (schema.ExecStepFilled, bool) {
	switch v := payload.(type) {
	case *schema.ExecStepFilled:
		return *v, true
	case schema.ExecStepFilled:
		return v, true
	default:
		return schema.ExecStepFilled{}, false
	}
}

func completedPayload(payload any) (schema.ExecCompleted, bool) {
	switch v := payload.(type) {
	case *schema.ExecCompleted:
		return *v, true
	case schema.ExecCompleted:
		return v, true
	default:
		return schema.ExecCompleted{}, false
	}
}
