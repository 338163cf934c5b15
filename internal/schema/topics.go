package schema

import "strings"

// Topic names a domain event stream. Topics are dotted lowercase and drawn
// from a fixed registry; producers cannot invent new ones.
type Topic string

const (
	TopicIntentSubmitted   Topic = "intent.submitted"
	TopicIntentAccepted    Topic = "intent.accepted"
	TopicIntentFailed      Topic = "intent.failed"
	TopicRiskApproved      Topic = "risk.approved"
	TopicRiskRejected      Topic = "risk.rejected"
	TopicPlanCreated       Topic = "plan.created"
	TopicPlanRejected      Topic = "plan.rejected"
	TopicExecStarted       Topic = "exec.started"
	TopicExecStepSubmitted Topic = "exec.step_submitted"
	TopicExecStepFilled    Topic = "exec.step_filled"
	TopicExecCompleted     Topic = "exec.completed"
	TopicExecFailed        Topic = "exec.failed"
)

// Registry lists every topic the core emits, in no particular order.
var Registry = []Topic{
	TopicIntentSubmitted,
	TopicIntentAccepted,
	TopicIntentFailed,
	TopicRiskApproved,
	TopicRiskRejected,
	TopicPlanCreated,
	TopicPlanRejected,
	TopicExecStarted,
	TopicExecStepSubmitted,
	TopicExecStepFilled,
	TopicExecCompleted,
	TopicExecFailed,
}

// DomainPatterns covers every registered topic via class wildcards. The
// coordinator subscribes to exactly this set.
var DomainPatterns = []string{"intent.*", "risk.*", "plan.*", "exec.*"}

var registrySet = func() map[Topic]struct{} {
	set := make(map[Topic]struct{}, len(Registry))
	for _, t := range Registry {
		set[t] = struct{}{}
	}
	return set
}()

// Known reports whether t belongs to the fixed registry.
func (t Topic) Known() bool {
	_, ok := registrySet[t]
	return ok
}

// Class returns the first dotted segment of the topic ("intent", "exec", ...).
func (t Topic) Class() string {
	s := string(t)
	if idx := strings.IndexByte(s, '.'); idx > 0 {
		return s[:idx]
	}
	return s
}

// MatchPattern reports whether topic matches pattern. Patterns are either an
// exact topic or a class followed by a trailing "*" wildcard ("exec.*").
func MatchPattern(pattern string, topic Topic) bool {
	if pattern == string(topic) {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return topic.Class() == prefix
	}
	return false
}

// ValidPattern reports whether pattern is an exact registry topic or a
// wildcard over a registry class. The gateway rejects anything else, except
// the market.* tap which carries no registry topics.
func ValidPattern(pattern string) bool {
	if Topic(pattern).Known() {
		return true
	}
	prefix, ok := strings.CutSuffix(pattern, ".*")
	if !ok {
		return false
	}
	if prefix == "market" {
		return true
	}
	for _, t := range Registry {
		if t.Class() == prefix {
			return true
		}
	}
	return false
}
