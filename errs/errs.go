// Package errs provides structured error types and helpers shared across intentd services.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code identifies an error category from the execution-core taxonomy.
type Code string

const (
	// CodeInvalid indicates malformed input or a constraint out of bounds.
	CodeInvalid Code = "invalid_request"
	// CodeRiskRejected indicates a policy rule violation surfaced by the risk gate.
	CodeRiskRejected Code = "risk_rejected"
	// CodeRoutingFailed indicates the route function errored or returned empty.
	CodeRoutingFailed Code = "routing_failed"
	// CodeVenueTransient indicates a retryable venue failure (RPC timeout, nonce conflict, transient revert).
	CodeVenueTransient Code = "venue_transient"
	// CodeVenueTerminal indicates a terminal execution failure.
	CodeVenueTerminal Code = "venue_terminal"
	// CodeInfra indicates a bus, log, or read-model infrastructure failure.
	CodeInfra Code = "infrastructure"
	// CodeConflict indicates a sequence or concurrent mutation conflict.
	CodeConflict Code = "conflict"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeUnavailable indicates the service is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// Reason is a machine-readable failure reason surfaced on read models.
type Reason string

const (
	ReasonNotionalLimit       Reason = "NOTIONAL_LIMIT"
	ReasonSlippageLimit       Reason = "SLIPPAGE_LIMIT"
	ReasonWindowOutOfRange    Reason = "WINDOW_OUT_OF_RANGE"
	ReasonUnsupportedVenue    Reason = "UNSUPPORTED_VENUE"
	ReasonVenueSuspended      Reason = "VENUE_SUSPENDED"
	ReasonNoRoute             Reason = "NO_ROUTE"
	ReasonRouteTimeout        Reason = "ROUTE_TIMEOUT"
	ReasonRouteInternal       Reason = "ROUTE_INTERNAL"
	ReasonReverted            Reason = "REVERTED"
	ReasonDeadlineExceeded    Reason = "DEADLINE_EXCEEDED"
	ReasonMaxAttemptsExceeded Reason = "MAX_ATTEMPTS_EXCEEDED"
	ReasonAcceptPublishFailed Reason = "ACCEPT_PUBLISH_FAILED"
)

// E captures structured error information produced across the intentd stack.
type E struct {
	Component string
	Code      Code
	Reason    Reason
	Message   string
	Attempt   int

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the given component and code.
func New(component string, code Code, opts ...Option) *E {
	e := &E{
		Component: strings.TrimSpace(component),
		Code:      code,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithReason attaches a machine-readable reason to the error.
func WithReason(reason Reason) Option {
	return func(e *E) {
		e.Reason = reason
	}
}

// WithAttempt records which delivery or submission attempt produced the error.
func WithAttempt(attempt int) Option {
	return func(e *E) {
		e.Attempt = attempt
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	component := e.Component
	if component == "" {
		component = "unknown"
	}
	parts = append(parts, "component="+component)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Reason != "" {
		parts = append(parts, "reason="+string(e.Reason))
	}
	if e.Attempt > 0 {
		parts = append(parts, "attempt="+strconv.Itoa(e.Attempt))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the taxonomy code from err, walking the unwrap chain.
// Unclassified errors report CodeInfra.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return CodeInfra
}

// ReasonOf extracts the machine-readable reason from err, if any.
func ReasonOf(err error) Reason {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Reason
	}
	return ""
}

// Transient reports whether err is eligible for bounded retry.
func Transient(err error) bool {
	switch CodeOf(err) {
	case CodeVenueTransient, CodeUnavailable:
		return true
	default:
		return false
	}
}
