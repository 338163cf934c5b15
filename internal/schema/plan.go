package schema

import (
	"time"

	"github.com/shopspring/decimal"
)

// PlanStep is one swap leg of an execution plan. V1 plans carry exactly one.
type PlanStep struct {
	Venue     string          `json:"venue"`
	Base      Asset           `json:"base"`
	Quote     Asset           `json:"quote"`
	AmountIn  decimal.Decimal `json:"amountIn"`
	MinOut    decimal.Decimal `json:"minOut"`
	Recipient string          `json:"recipient"`
}

// ExecutionPlan is the payload of plan.created: a concrete single-step swap
// derived from an accepted intent, plus the deadline the orchestrator must
// honor.
type ExecutionPlan struct {
	PlanID              string          `json:"planId"`
	IntentID            string          `json:"intentId"`
	Steps               []PlanStep      `json:"steps"`
	EstimatedCost       decimal.Decimal `json:"estimatedCost"`
	EstimatedDurationMS int64           `json:"estimatedDurationMs"`
	Deadline            time.Time       `json:"deadline"`
}
