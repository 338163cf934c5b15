package schema

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/helixtrade/intentd/errs"
	"github.com/helixtrade/intentd/internal/id"
)

// EnvelopeVersion is the wire schema version stamped on every envelope.
const EnvelopeVersion = 1

// CorrelationPrefix namespaces correlation ids to the intent lifecycle.
const CorrelationPrefix = "intent-"

var (
	// ErrInvalidTopic reports a topic outside the registry at construction time.
	ErrInvalidTopic = errors.New("topic not in registry")
	// ErrPayloadMismatch reports a payload whose type does not match its topic.
	ErrPayloadMismatch = errors.New("payload does not match topic schema")
)

// EventEnvelope is the uniform wire record for every domain event. Payload
// holds the typed payload for registry topics; for unknown topics received
// from newer peers it holds the raw JSON untouched.
type EventEnvelope struct {
	EventID       string    `json:"eventId"`
	Timestamp     time.Time `json:"timestamp"`
	Topic         Topic     `json:"topic"`
	CorrelationID string    `json:"correlationId"`
	CausationID   *string   `json:"causationId"`
	Sequence      int64     `json:"sequence"`
	Payload       any       `json:"payload"`
	Version       int       `json:"version"`
}

// Correlation builds the correlation id for an intent.
func Correlation(intentID string) string {
	return CorrelationPrefix + intentID
}

// IntentIDFromCorrelation strips the correlation prefix, returning false when
// the id is not intent-scoped.
func IntentIDFromCorrelation(correlationID string) (string, bool) {
	return strings.CutPrefix(correlationID, CorrelationPrefix)
}

func payloadMatches(topic Topic, payload any) bool {
	want := PayloadFor(topic)
	if want == nil || payload == nil {
		return false
	}
	wantType := reflect.TypeOf(want).Elem()
	gotType := reflect.TypeOf(payload)
	if gotType.Kind() == reflect.Pointer {
		gotType = gotType.Elem()
	}
	return gotType == wantType
}

// NewEnvelope mints an envelope for a registry topic, stamping a fresh ULID
// event id and the current UTC time. The payload type must match the topic.
func NewEnvelope(topic Topic, payload any, correlationID string, causationID *string, sequence int64) (EventEnvelope, error) {
	return NewEnvelopeWithID(id.New(), topic, payload, correlationID, causationID, sequence)
}

// NewEnvelopeWithID builds an envelope around a caller-minted event id, for
// emitters whose payload must carry the id of its own envelope. The plan
// produced by the planner is the canonical case: plan_id is the plan.created
// event id.
func NewEnvelopeWithID(eventID string, topic Topic, payload any, correlationID string, causationID *string, sequence int64) (EventEnvelope, error) {
	if eventID == "" {
		return EventEnvelope{}, errs.New("schema/envelope", errs.CodeInvalid,
			errs.WithMessage("event id required"))
	}
	if !topic.Known() {
		return EventEnvelope{}, errs.New("schema/envelope", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("topic %q", topic)), errs.WithCause(ErrInvalidTopic))
	}
	if !payloadMatches(topic, payload) {
		return EventEnvelope{}, errs.New("schema/envelope", errs.CodeInvalid,
			errs.WithMessage(fmt.Sprintf("topic %q", topic)), errs.WithCause(ErrPayloadMismatch))
	}
	if correlationID == "" {
		return EventEnvelope{}, errs.New("schema/envelope", errs.CodeInvalid,
			errs.WithMessage("correlation id required"))
	}
	if sequence < 1 {
		return EventEnvelope{}, errs.New("schema/envelope", errs.CodeInvalid,
			errs.WithMessage("sequence starts at 1"))
	}
	return EventEnvelope{
		EventID:       eventID,
		Timestamp:     time.Now().UTC(),
		Topic:         topic,
		CorrelationID: correlationID,
		CausationID:   causationID,
		Sequence:      sequence,
		Payload:       payload,
		Version:       EnvelopeVersion,
	}, nil
}

type envelopeWire struct {
	EventID       string          `json:"eventId"`
	Timestamp     time.Time       `json:"timestamp"`
	Topic         Topic           `json:"topic"`
	CorrelationID string          `json:"correlationId"`
	CausationID   *string         `json:"causationId"`
	Sequence      int64           `json:"sequence"`
	Payload       json.RawMessage `json:"payload"`
	Version       int             `json:"version"`
}

// UnmarshalJSON decodes the payload into the typed struct for registry
// topics. Unknown topics keep the raw payload bytes so consumers can forward
// events they do not understand.
func (e *EventEnvelope) UnmarshalJSON(data []byte) error {
	var wire envelopeWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	e.EventID = wire.EventID
	e.Timestamp = wire.Timestamp
	e.Topic = wire.Topic
	e.CorrelationID = wire.CorrelationID
	e.CausationID = wire.CausationID
	e.Sequence = wire.Sequence
	e.Version = wire.Version

	typed := PayloadFor(wire.Topic)
	if typed == nil {
		e.Payload = wire.Payload
		return nil
	}
	if err := json.Unmarshal(wire.Payload, typed); err != nil {
		return fmt.Errorf("decode %s payload: %w", wire.Topic, err)
	}
	e.Payload = typed
	return nil
}

// Encode marshals the envelope to its wire form.
func (e EventEnvelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEnvelope parses a wire envelope, typing the payload by topic.
func DecodeEnvelope(data []byte) (EventEnvelope, error) {
	var env EventEnvelope
	if err := env.UnmarshalJSON(data); err != nil {
		return EventEnvelope{}, err
	}
	return env, nil
}
